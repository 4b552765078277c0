package audio

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

// Mixer sums several sources of the same format into one stream. A chunk is
// emitted once every live input can contribute to it; an input that has
// fallen more than MaxLag behind the leader is padded with silence so a
// stalled device never holds the others back.
type Mixer struct {
	SampleRate int
	Channels   int
	// Chunk is the output size in frames per channel.
	Chunk  int
	MaxLag time.Duration

	logger *zap.Logger
}

func NewMixer(sampleRate, channels int, logger *zap.Logger) *Mixer {
	return &Mixer{
		SampleRate: sampleRate,
		Channels:   channels,
		Chunk:      sampleRate / 50,
		MaxLag:     100 * time.Millisecond,
		logger:     logging.OrNop(logger).Named("mixer"),
	}
}

type mixInput struct {
	q      *queue.Queue[*types.AudioFrame]
	buf    []float32
	closed bool
}

// Run mixes inputs into out until every input is closed and drained or ctx
// is done. out is closed on return.
func (m *Mixer) Run(ctx context.Context, inputs []*queue.Queue[*types.AudioFrame], out *queue.Queue[*types.AudioFrame]) error {
	defer out.Close()

	ins := make([]*mixInput, len(inputs))
	for i, q := range inputs {
		ins[i] = &mixInput{q: q}
	}
	chunkSamples := m.Chunk * m.Channels
	maxLag := int(m.MaxLag.Seconds()*float64(m.SampleRate)) * m.Channels

	var (
		started bool
		first   time.Duration
		written int64
	)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		for _, in := range ins {
			for {
				f, ok, closed := in.q.TryPop()
				if closed {
					in.closed = true
				}
				if !ok {
					break
				}
				if f.SampleRate != m.SampleRate || f.Channels != m.Channels {
					return fmt.Errorf("mixer: input %d Hz %dch, want %d Hz %dch",
						f.SampleRate, f.Channels, m.SampleRate, m.Channels)
				}
				if !started {
					first = f.Timestamp
					started = true
				}
				in.buf = append(in.buf, f.Samples...)
			}
		}

		for {
			lead, live := 0, 0
			ready := true
			for _, in := range ins {
				lead = max(lead, len(in.buf))
				if !in.closed {
					live++
				}
			}
			if lead < chunkSamples {
				break
			}
			for _, in := range ins {
				if len(in.buf) < chunkSamples && !in.closed && lead-len(in.buf) <= maxLag {
					ready = false
				}
			}
			if !ready && live > 0 {
				break
			}
			mixed := make([]float32, chunkSamples)
			for _, in := range ins {
				n := min(len(in.buf), chunkSamples)
				for i := 0; i < n; i++ {
					mixed[i] += in.buf[i]
				}
				in.buf = in.buf[:copy(in.buf, in.buf[n:])]
			}
			for i, v := range mixed {
				if v > 1 {
					mixed[i] = 1
				} else if v < -1 {
					mixed[i] = -1
				}
			}
			out.Push(&types.AudioFrame{
				SampleRate: m.SampleRate,
				Channels:   m.Channels,
				Format:     types.SampleF32Interleaved,
				Samples:    mixed,
				Timestamp:  first + time.Duration(written)*time.Second/time.Duration(m.SampleRate),
			})
			written += int64(m.Chunk)
		}

		done := true
		for _, in := range ins {
			if !in.closed {
				done = false
			}
		}
		if done {
			m.flush(ins, out, first, written)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// flush emits the final partial chunk, padding with silence.
func (m *Mixer) flush(ins []*mixInput, out *queue.Queue[*types.AudioFrame], first time.Duration, written int64) {
	n := 0
	for _, in := range ins {
		n = max(n, len(in.buf))
	}
	n -= n % m.Channels
	if n == 0 {
		return
	}
	mixed := make([]float32, n)
	for _, in := range ins {
		for i := 0; i < len(in.buf) && i < n; i++ {
			mixed[i] += in.buf[i]
		}
	}
	out.Push(&types.AudioFrame{
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
		Format:     types.SampleF32Interleaved,
		Samples:    mixed,
		Timestamp:  first + time.Duration(written)*time.Second/time.Duration(m.SampleRate),
	})
	m.logger.Debug("mixer flushed", zap.Int("frames", n/m.Channels))
}
