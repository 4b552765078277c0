package denoise

import "time"

// Segment is a contiguous run of frames judged to contain speech.
type Segment struct {
	Start   time.Duration
	End     time.Duration
	Samples []float32 // mono, normalized to [-1, 1]
}

// VADGate groups suppressor frames into speech segments using the
// suppressor's voice probability. A segment opens on the first frame at or
// above Threshold and closes after Hangover consecutive frames below it.
// Segments shorter than MinFrames voiced frames are discarded.
type VADGate struct {
	SampleRate int
	Threshold  float32
	Hangover   int
	MinFrames  int
	OnSegment  func(Segment)

	pos     int64 // samples seen
	open    bool
	start   int64
	voiced  int
	silent  int
	samples []float32
}

// NewVADGate returns a gate with a 0.5 threshold, 200 ms hangover and a
// 30 ms minimum.
func NewVADGate(sampleRate int, onSegment func(Segment)) *VADGate {
	frameDur := float64(FrameSize) / float64(sampleRate)
	return &VADGate{
		SampleRate: sampleRate,
		Threshold:  0.5,
		Hangover:   int(0.2/frameDur + 0.5),
		MinFrames:  max(1, int(0.03/frameDur+0.5)),
		OnSegment:  onSegment,
	}
}

// Push feeds one mono frame and its voice probability.
func (g *VADGate) Push(frame []float32, prob float32) {
	speech := prob >= g.Threshold
	switch {
	case speech && !g.open:
		g.open = true
		g.start = g.pos
		g.voiced = 1
		g.silent = 0
		g.samples = append(g.samples[:0], frame...)
	case g.open:
		g.samples = append(g.samples, frame...)
		if speech {
			g.voiced++
			g.silent = 0
		} else {
			g.silent++
			if g.silent > g.Hangover {
				g.pos += int64(len(frame))
				g.emit()
				return
			}
		}
	}
	g.pos += int64(len(frame))
}

// Flush closes an open segment.
func (g *VADGate) Flush() {
	if g.open {
		g.emit()
	}
}

func (g *VADGate) emit() {
	g.open = false
	if g.voiced < g.MinFrames || g.OnSegment == nil {
		return
	}
	samples := make([]float32, len(g.samples))
	copy(samples, g.samples)
	g.OnSegment(Segment{
		Start:   g.at(g.start),
		End:     g.at(g.pos),
		Samples: samples,
	})
}

func (g *VADGate) at(pos int64) time.Duration {
	return time.Duration(pos) * time.Second / time.Duration(g.SampleRate)
}
