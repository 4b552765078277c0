package audio

import (
	"math"
	"sync/atomic"
)

// SilenceDB is reported for empty or all-zero buffers.
const SilenceDB = -200.0

// Gain is a shared gain setting in whole dB. The zero value is unity.
type Gain struct {
	db atomic.Int32
}

func NewGain(db int) *Gain {
	g := &Gain{}
	g.Set(db)
	return g
}

func (g *Gain) Set(db int) { g.db.Store(int32(db)) }

func (g *Gain) DB() int { return int(g.db.Load()) }

// Apply scales samples in place by 10^(dB/20).
func (g *Gain) Apply(samples []float32) {
	db := g.DB()
	if db == 0 {
		return
	}
	k := float32(math.Pow(10, float64(db)/20))
	for i := range samples {
		samples[i] *= k
	}
}

// RMSLevel returns 20·log10(rms) in dBFS, or SilenceDB when rms ≤ 1e-10.
func RMSLevel(samples []float32) float64 {
	if len(samples) == 0 {
		return SilenceDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 1e-10 {
		return SilenceDB
	}
	return 20 * math.Log10(rms)
}

// Meter publishes levels on a lossy channel: a level is dropped when the
// reader has not consumed the previous one.
type Meter struct {
	levels chan float64
	last   atomic.Uint64
	seen   atomic.Bool
}

func NewMeter() *Meter {
	return &Meter{levels: make(chan float64, 1)}
}

func (m *Meter) Levels() <-chan float64 { return m.levels }

// Last returns the most recent level, published or not.
func (m *Meter) Last() float64 {
	if !m.seen.Load() {
		return SilenceDB
	}
	return math.Float64frombits(m.last.Load())
}

func (m *Meter) Publish(db float64) {
	m.last.Store(math.Float64bits(db))
	m.seen.Store(true)
	select {
	case m.levels <- db:
	default:
	}
}
