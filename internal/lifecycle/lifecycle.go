// Package lifecycle provides the cancellation signal shared by every pipeline worker.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is returned by workers that stopped because the signal fired.
// Callers report it as a normal stop, not a failure.
var ErrCancelled = errors.New("cancelled")

// Reason is why a worker loop returned.
type Reason int

const (
	Stopped Reason = iota
	Finished
	Failed
)

func (r Reason) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Signal is an atomic flag paired with a channel that closes when the flag is set.
// Workers poll Cancelled at loop head and select on Done while blocked.
type Signal struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Cancel sets the flag. It is safe to call more than once.
func (s *Signal) Cancel() {
	s.once.Do(func() {
		s.flag.Store(true)
		close(s.done)
	})
}

func (s *Signal) Cancelled() bool {
	return s.flag.Load()
}

func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Sleep waits for d or until the signal fires. It reports false if cancelled.
func (s *Signal) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !s.Cancelled()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return false
	case <-t.C:
		return true
	}
}

// Context returns a context cancelled together with the signal.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Watch cancels the signal when ctx is done.
func (s *Signal) Watch(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
}
