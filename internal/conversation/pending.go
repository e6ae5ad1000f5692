package conversation

import (
	"context"
	"errors"
)

// Pending tracks one submitted question until its reply has been recorded.
type Pending struct {
	// ThreadID is the thread that was active at submission time.
	ThreadID string
	Question Message

	done      chan struct{}
	reply     Message
	err       error
	discarded bool
}

func newPending(threadID string, question Message) *Pending {
	return &Pending{
		ThreadID: threadID,
		Question: question,
		done:     make(chan struct{}),
	}
}

func (p *Pending) resolve(reply Message, err error, discarded bool) {
	p.reply = reply
	p.err = err
	p.discarded = discarded
	close(p.done)
}

// Done is closed once the reply was appended or discarded.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the reply is recorded and returns the assistant message.
// A failed answer still yields a message carrying the failure text. A reply
// dropped because the store closed first yields ErrClosed.
func (p *Pending) Wait(ctx context.Context) (Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	if p.discarded {
		if errors.Is(p.err, ErrClosed) {
			return Message{}, ErrClosed
		}
		return Message{}, ErrReplyDiscarded
	}
	return p.reply, nil
}

// Err reports the answer service failure behind the reply, if any. It is
// only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Discarded reports whether the reply was dropped because its thread was deleted.
func (p *Pending) Discarded() bool {
	select {
	case <-p.done:
		return p.discarded
	default:
		return false
	}
}
