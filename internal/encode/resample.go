package encode

// Resampler converts interleaved float audio between sample rates by linear
// interpolation and between channel layouts by duplication or averaging.
// State carries across calls so chunk boundaries are seamless.
type Resampler struct {
	inRate, outRate int
	inCh, outCh     int

	step     float64
	t        float64 // next output position in input frames; -1 is prev
	prev     []float32
	havePrev bool
}

func NewResampler(inRate, inCh, outRate, outCh int) *Resampler {
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		inCh:    inCh,
		outCh:   outCh,
		step:    float64(inRate) / float64(outRate),
		prev:    make([]float32, outCh),
	}
}

// Matches reports whether r was built for the given input layout.
func (r *Resampler) Matches(inRate, inCh int) bool {
	return r.inRate == inRate && r.inCh == inCh
}

// Process converts in and returns the output produced so far.
func (r *Resampler) Process(in []float32) []float32 {
	frames := r.remap(in)
	n := len(frames) / r.outCh
	if n == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		return frames
	}

	at := func(i, c int) float32 {
		if i < 0 {
			return r.prev[c]
		}
		return frames[i*r.outCh+c]
	}
	if !r.havePrev {
		// Without history the first frame stands in for frame -1.
		copy(r.prev, frames[:r.outCh])
		r.havePrev = true
	}

	out := make([]float32, 0, int(float64(n)/r.step+2)*r.outCh)
	for r.t < float64(n-1) {
		i := int(r.t+1) - 1 // floor for t >= -1
		frac := float32(r.t - float64(i))
		for c := 0; c < r.outCh; c++ {
			a, b := at(i, c), at(i+1, c)
			out = append(out, a+(b-a)*frac)
		}
		r.t += r.step
	}
	r.t -= float64(n)
	copy(r.prev, frames[(n-1)*r.outCh:])
	return out
}

// remap converts the channel layout.
func (r *Resampler) remap(in []float32) []float32 {
	if r.inCh == r.outCh {
		return in
	}
	n := len(in) / r.inCh
	out := make([]float32, n*r.outCh)
	for i := 0; i < n; i++ {
		src := in[i*r.inCh : (i+1)*r.inCh]
		dst := out[i*r.outCh : (i+1)*r.outCh]
		switch {
		case r.outCh == 1:
			var sum float32
			for _, v := range src {
				sum += v
			}
			dst[0] = sum / float32(r.inCh)
		case r.inCh == 1:
			for c := range dst {
				dst[c] = src[0]
			}
		default:
			for c := range dst {
				dst[c] = src[min(c, r.inCh-1)]
			}
		}
	}
	return out
}
