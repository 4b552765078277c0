package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"reelcast/internal/audio"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

// startAudio runs every source on srcCtx and mixes them into mixed.
func (s *Session) startAudio(g *errgroup.Group, srcCtx, ctx context.Context, r *resources, mixed *queue.Queue[*types.AudioFrame]) {
	inputs := make([]*queue.Queue[*types.AudioFrame], len(r.sources))
	for i, src := range r.sources {
		q := queue.New[*types.AudioFrame](rawAudioQueue, nil)
		inputs[i] = q
		g.Go(func() error {
			if err := src.Run(srcCtx, q); err != nil {
				return s.fail(StageAudio, err)
			}
			return nil
		})
	}
	mixer := audio.NewMixer(s.cfg.Audio.SampleRate, s.cfg.Audio.Channels, s.logger)
	g.Go(func() error {
		if err := mixer.Run(ctx, inputs, mixed); err != nil && ctx.Err() == nil {
			return s.fail(StageAudio, err)
		}
		return nil
	})
}

// runAudioEncode encodes the mixed stream, denoising it first when
// configured. The AudioSpecificConfig goes out before any packet.
func (s *Session) runAudioEncode(ctx context.Context, r *resources, mixed *queue.Queue[*types.AudioFrame], out chan<- *types.EncodedFrame) error {
	defer close(out)
	if !send(ctx, out, &types.EncodedFrame{Kind: types.KindAudioSequenceHeader, Data: r.aenc.Header()}) {
		return nil
	}

	// forward reports false when the session is aborting
	forward := func(pkts []*types.EncodedFrame) bool {
		for _, p := range pkts {
			s.metrics.Encoded("audio", len(p.Data))
			if !send(ctx, out, p) {
				return false
			}
		}
		return true
	}

	var mixedEnd time.Duration
	for {
		frame, ok := mixed.Pop(ctx)
		if !ok {
			break
		}
		mixedEnd = frameEnd(frame)
		if r.denoiser != nil {
			d, err := r.denoiser.ProcessFrame(frame)
			if err != nil {
				return s.fail(StageAudioEncode, err)
			}
			if d == nil {
				continue
			}
			frame = d
		}
		pkts, err := r.aenc.Encode(frame)
		if !forward(pkts) {
			return nil
		}
		if err != nil {
			return s.fail(StageAudioEncode, err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	if r.denoiser != nil {
		if rest := r.denoiser.Flush(); len(rest) > 0 {
			pkts, err := r.aenc.Encode(residueFrame(rest, mixedEnd, s.cfg.Audio.SampleRate, s.cfg.Audio.Channels))
			if !forward(pkts) {
				return nil
			}
			if err != nil {
				return s.fail(StageAudioEncode, err)
			}
		}
	}
	pkts, err := r.aenc.Flush()
	if !forward(pkts) {
		return nil
	}
	if err != nil {
		return s.fail(StageAudioEncode, err)
	}
	return nil
}

// frameEnd is the timestamp just past the last sample of f.
func frameEnd(f *types.AudioFrame) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return f.Timestamp
	}
	n := len(f.Samples) / f.Channels
	return f.Timestamp + time.Duration(n)*time.Second/time.Duration(f.SampleRate)
}

// residueFrame wraps the samples the denoiser still held when the input
// ended at end; they are the tail of the input.
func residueFrame(rest []float32, end time.Duration, rate, channels int) *types.AudioFrame {
	n := len(rest) / channels
	ts := end - time.Duration(n)*time.Second/time.Duration(rate)
	if ts < 0 {
		ts = 0
	}
	return &types.AudioFrame{
		SampleRate: rate,
		Channels:   channels,
		Format:     types.SampleF32Interleaved,
		Samples:    rest,
		Timestamp:  ts,
	}
}
