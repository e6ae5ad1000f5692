package conversation

import (
	"encoding/json"
	"fmt"
)

const snapshotVersion = 1

type snapshot struct {
	Version        int      `json:"version"`
	ActiveThreadID string   `json:"activeThreadId,omitempty"`
	Threads        []Thread `json:"threads"`
}

// EncodeState serializes a State into the persisted wire format.
func EncodeState(state State) ([]byte, error) {
	threads := state.Threads
	if threads == nil {
		threads = []Thread{}
	}
	data, err := json.Marshal(snapshot{
		Version:        snapshotVersion,
		ActiveThreadID: state.ActiveThreadID,
		Threads:        threads,
	})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

// DecodeState parses the persisted wire format. An active thread id that
// names no thread is dropped.
func DecodeState(data []byte) (State, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if snap.Version != snapshotVersion {
		return State{}, fmt.Errorf("decode state: unsupported version %d", snap.Version)
	}

	seen := make(map[string]struct{}, len(snap.Threads))
	for i := range snap.Threads {
		thread := &snap.Threads[i]
		if thread.ID == "" {
			return State{}, fmt.Errorf("decode state: thread %d has no id", i)
		}
		if _, dup := seen[thread.ID]; dup {
			return State{}, fmt.Errorf("decode state: duplicate thread %s", thread.ID)
		}
		seen[thread.ID] = struct{}{}
		if thread.Title == "" {
			thread.Title = DefaultTitle
		}
		if thread.Messages == nil {
			thread.Messages = []Message{}
		}
		for _, msg := range thread.Messages {
			if !msg.Sender.Valid() {
				return State{}, fmt.Errorf("decode state: message %s has unknown sender %q", msg.ID, msg.Sender)
			}
		}
	}

	state := State{Threads: snap.Threads}
	if state.Threads == nil {
		state.Threads = []Thread{}
	}
	if _, ok := seen[snap.ActiveThreadID]; ok {
		state.ActiveThreadID = snap.ActiveThreadID
	}
	return state, nil
}
