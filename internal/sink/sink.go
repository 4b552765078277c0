// Package sink fans one encoded stream out to independent sinks. Every sink
// runs on its own goroutine behind a blocking channel, and a sink that fails
// is detached without disturbing the others.
package sink

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/metrics"
	"reelcast/internal/types"
)

// ErrSinkClosed is returned by Dispatch once no sink is left to accept
// frames, and by sinks written to after Close.
var ErrSinkClosed = errors.New("sink: closed")

// DefaultBuffer is the per-sink channel capacity.
const DefaultBuffer = 8

// Sink consumes encoded frames. WriteFrame and Close are called from a single
// goroutine. Frame data is shared between sinks and must not be modified.
type Sink interface {
	Name() string
	WriteFrame(f *types.EncodedFrame) error
	// Close finishes the output gracefully (trailer, stream close).
	Close() error
}

// EventKind classifies dispatcher events.
type EventKind int

const (
	// EventAttached is reported when a sink starts receiving frames.
	EventAttached EventKind = iota
	// EventFailed is reported when a sink returned a write error and was
	// detached.
	EventFailed
	// EventClosed is reported when a sink finished.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

type Event struct {
	Sink string
	Kind EventKind
	Err  error
}

// outlet is one attached sink and its feeding goroutine.
type outlet struct {
	sink Sink
	in   chan *types.EncodedFrame
	// failed is closed when the sink stops accepting frames.
	failed chan struct{}
	done   chan struct{}
	err    error
}

// Dispatcher distributes frames to sinks. Dispatch and Close belong to one
// goroutine; Add may be called from any.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	onEvent func(Event)
	buffer  int

	mu      sync.Mutex
	outlets []*outlet
	headers []*types.EncodedFrame // sequence headers, replayed to late sinks
	closed  bool
}

type Option func(*Dispatcher)

// WithEvents sets the callback receiving sink events. It must not block.
func WithEvents(fn func(Event)) Option {
	return func(d *Dispatcher) { d.onEvent = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithBuffer sets the per-sink channel capacity.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = n
		}
	}
}

func NewDispatcher(logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger: logging.OrNop(logger).Named("sink"),
		buffer: DefaultBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) emit(ev Event) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

// Add attaches s. Sequence headers already dispatched are replayed to it
// before any media frame.
func (d *Dispatcher) Add(s Sink) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrSinkClosed
	}
	o := &outlet{
		sink:   s,
		in:     make(chan *types.EncodedFrame, d.buffer+len(d.headers)),
		failed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, h := range d.headers {
		o.in <- h
	}
	d.outlets = append(d.outlets, o)
	d.mu.Unlock()

	go d.run(o)
	d.logger.Info("sink attached", zap.String("sink", s.Name()))
	d.emit(Event{Sink: s.Name(), Kind: EventAttached})
	return nil
}

func (d *Dispatcher) run(o *outlet) {
	defer close(o.done)
	name := o.sink.Name()
	for f := range o.in {
		if err := o.sink.WriteFrame(f); err != nil {
			o.err = fmt.Errorf("%s: %w", name, err)
			close(o.failed)
			d.metrics.SinkFailed(name)
			d.logger.Error("sink failed, detaching", zap.String("sink", name), zap.Error(err))
			// drain so Dispatch never blocks on a dead sink
			for range o.in {
			}
			return
		}
		d.metrics.SinkWrote(name, len(f.Data))
	}
}

// Dispatch hands f to every live sink, blocking while a sink's buffer is
// full. It returns ErrSinkClosed when no sink remains.
func (d *Dispatcher) Dispatch(f *types.EncodedFrame) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrSinkClosed
	}
	if f.Kind == types.KindVideoSequenceHeader || f.Kind == types.KindAudioSequenceHeader {
		d.headers = replaceHeader(d.headers, f)
	}
	outlets := append([]*outlet(nil), d.outlets...)
	d.mu.Unlock()

	live := 0
	for _, o := range outlets {
		select {
		case <-o.failed:
			d.detach(o)
			continue
		default:
		}
		select {
		case o.in <- f:
			live++
		case <-o.failed:
			d.detach(o)
		}
	}
	if live == 0 {
		return ErrSinkClosed
	}
	return nil
}

func replaceHeader(headers []*types.EncodedFrame, f *types.EncodedFrame) []*types.EncodedFrame {
	for i, h := range headers {
		if h.Kind == f.Kind {
			headers[i] = f
			return headers
		}
	}
	return append(headers, f)
}

// detach removes a failed outlet and reports it once.
func (d *Dispatcher) detach(o *outlet) {
	d.mu.Lock()
	found := false
	for i, x := range d.outlets {
		if x == o {
			d.outlets = append(d.outlets[:i], d.outlets[i+1:]...)
			found = true
			break
		}
	}
	d.mu.Unlock()
	if !found {
		return
	}
	close(o.in)
	<-o.done
	if err := o.sink.Close(); err != nil {
		d.logger.Warn("close failed sink", zap.String("sink", o.sink.Name()), zap.Error(err))
	}
	d.emit(Event{Sink: o.sink.Name(), Kind: EventFailed, Err: o.err})
}

// Sinks returns the names of the attached sinks.
func (d *Dispatcher) Sinks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.outlets))
	for _, o := range d.outlets {
		names = append(names, o.sink.Name())
	}
	return names
}

// Close drains every sink, closes them and returns their joined close
// errors. Sinks that failed earlier are reported through events only.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	outlets := d.outlets
	d.outlets = nil
	d.mu.Unlock()

	for _, o := range outlets {
		close(o.in)
	}
	var errs []error
	for _, o := range outlets {
		<-o.done
		name := o.sink.Name()
		err := o.sink.Close()
		if o.err != nil {
			d.emit(Event{Sink: name, Kind: EventFailed, Err: o.err})
			continue
		}
		if err != nil {
			err = fmt.Errorf("%s: close: %w", name, err)
			errs = append(errs, err)
		}
		d.logger.Info("sink closed", zap.String("sink", name), zap.Error(err))
		d.emit(Event{Sink: name, Kind: EventClosed, Err: err})
	}
	return errors.Join(errs...)
}
