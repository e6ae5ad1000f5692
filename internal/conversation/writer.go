package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const backgroundSaveTimeout = 30 * time.Second

// writer coalesces state snapshots and writes the newest one to the backend.
// Revisions only grow, so an older snapshot can never overwrite a newer one.
type writer struct {
	backend  Backend
	key      string
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	pending    []byte
	pendingRev uint64
	savedRev   uint64

	saveMu    sync.Mutex
	notify    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWriter(backend Backend, key string, interval time.Duration, logger zerolog.Logger) *writer {
	w := &writer{
		backend:  backend,
		key:      key,
		interval: interval,
		logger:   logger,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *writer) schedule(rev uint64, payload []byte) {
	w.mu.Lock()
	if rev > w.pendingRev {
		w.pending = payload
		w.pendingRev = rev
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.notify:
		}

		if w.interval > 0 {
			timer := time.NewTimer(w.interval)
			select {
			case <-w.stop:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), backgroundSaveTimeout)
		if err := w.flush(ctx); err != nil {
			w.logger.Error().Err(err).Str("key", w.key).Msg("persist conversations")
		}
		cancel()
	}
}

// flush writes the newest unsaved snapshot, if any. A failed write stays
// pending and is retried by the next flush.
func (w *writer) flush(ctx context.Context) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	if w.pendingRev <= w.savedRev {
		w.mu.Unlock()
		return nil
	}
	payload, rev := w.pending, w.pendingRev
	w.mu.Unlock()

	if err := w.backend.Save(ctx, w.key, payload); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	w.mu.Lock()
	w.savedRev = rev
	if w.pendingRev == rev {
		w.pending = nil
	}
	w.mu.Unlock()
	return nil
}

func (w *writer) close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.flush(ctx)
}
