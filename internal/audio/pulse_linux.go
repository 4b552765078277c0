//go:build linux

package audio

import (
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
)

// pulseBackend records from a PulseAudio (or PipeWire-pulse) source.
type pulseBackend struct {
	client *pulse.Client
	source *pulse.Source // nil for monitor capture
	sink   *pulse.Sink
	rate   int
	ch     int

	mu     sync.Mutex
	stream *pulse.RecordStream
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("reelcast"))
	if err != nil {
		return nil, fmt.Errorf("pulse connect: %w", err)
	}
	return client, nil
}

// NewMicrophone opens the input device whose ID or description matches name;
// an empty name or "default" selects the default source.
func NewMicrophone(name string, sampleRate, channels int) (Backend, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	var src *pulse.Source
	if name == "" || name == "default" {
		src, err = client.DefaultSource()
	} else {
		src, err = findSource(client, name)
	}
	if err != nil {
		client.Close()
		return nil, err
	}
	return &pulseBackend{client: client, source: src, rate: sampleRate, ch: channels}, nil
}

// NewSpeaker records the monitor of the default sink.
func NewSpeaker(sampleRate, channels int) (Backend, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	sink, err := client.DefaultSink()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrLoopbackMissing, err)
	}
	return &pulseBackend{client: client, sink: sink, rate: sampleRate, ch: channels}, nil
}

func findSource(client *pulse.Client, name string) (*pulse.Source, error) {
	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	for _, s := range sources {
		if s.ID() == name || s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// ListDevices returns the available input sources, monitors included.
func ListDevices() ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sources, err := client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	def, _ := client.DefaultSource()
	out := make([]Device, 0, len(sources))
	for _, s := range sources {
		out = append(out, Device{
			ID:          s.ID(),
			Description: s.Name(),
			Default:     def != nil && def.ID() == s.ID(),
			Monitor:     isMonitorName(s.ID()),
		})
	}
	return out, nil
}

func (b *pulseBackend) SampleRate() int { return b.rate }
func (b *pulseBackend) Channels() int   { return b.ch }

func (b *pulseBackend) Start(fn func([]float32)) error {
	opts := []pulse.RecordOption{
		pulse.RecordSampleRate(b.rate),
		pulse.RecordBufferFragmentSize(uint32(b.rate / 50 * b.ch * 4)),
		pulse.RecordMediaName("reelcast capture"),
	}
	switch b.ch {
	case 1:
		opts = append(opts, pulse.RecordMono)
	case 2:
		opts = append(opts, pulse.RecordStereo)
	default:
		return fmt.Errorf("pulse: %d channels not supported", b.ch)
	}
	if b.sink != nil {
		opts = append(opts, pulse.RecordMonitor(b.sink))
	} else {
		opts = append(opts, pulse.RecordSource(b.source))
	}

	stream, err := b.client.NewRecord(pulse.Float32Writer(func(p []float32) (int, error) {
		fn(p)
		return len(p), nil
	}), opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	b.mu.Lock()
	b.stream = stream
	b.mu.Unlock()
	stream.Start()
	return nil
}

func (b *pulseBackend) Stop() {
	b.mu.Lock()
	stream := b.stream
	b.stream = nil
	b.mu.Unlock()
	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	b.client.Close()
}
