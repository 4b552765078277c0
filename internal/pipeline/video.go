package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/capture"
	"reelcast/internal/lifecycle"
	"reelcast/internal/logging"
	"reelcast/internal/queue"
	"reelcast/internal/types"
)

// runCapture streams the screen into raw until the signal fires. The end of
// the screen stream ends the whole session.
func (s *Session) runCapture(r *resources, raw *queue.Queue[*types.PixelBuffer]) error {
	defer raw.Close()
	reason, err := r.screen.Stream(capture.StreamConfig{
		Name:          s.cfg.Capture.Screen,
		IncludeCursor: s.cfg.Capture.IncludeCursor,
		FPS:           s.cfg.Capture.FPS,
		Cancel:        s.sig,
		Epoch:         r.epoch,
		Metrics:       s.metrics,
	}, raw)
	if err != nil {
		return s.fail(StageCapture, err)
	}
	if reason == lifecycle.Finished {
		s.logger.Info("screen stream ended")
		s.finished.Store(true)
		s.sig.Cancel()
	}
	return nil
}

// runCompose crops every raw frame to the tracker's rect and scales it to
// the output size.
func (s *Session) runCompose(ctx context.Context, r *resources, raw, composed *queue.Queue[*types.PixelBuffer]) error {
	defer composed.Close()
	var dropLog, cropLog logging.Limiter
	for {
		frame, ok := raw.Pop(ctx)
		if !ok {
			return nil
		}
		full := types.CropRect{Width: frame.Width, Height: frame.Height}
		rect := full
		if r.tracker != nil {
			rect = r.tracker.Next(r.latest.Load(), r.epoch.Add(frame.Timestamp))
			if !rect.Within(frame.Width, frame.Height) {
				// the output was resized under the tracker
				if cropLog.Allow(time.Second) {
					s.logger.Warn("crop rect outside frame, using full frame",
						zap.Any("rect", rect), zap.Int("width", frame.Width), zap.Int("height", frame.Height))
				}
				rect = full
			}
		}
		out, err := r.compositor.Compose(frame, rect, nil)
		if err != nil {
			return s.fail(StageCompose, err)
		}
		before := composed.Dropped()
		if !composed.Push(out) {
			return nil
		}
		if composed.Dropped() != before && dropLog.Allow(time.Second) {
			s.logger.Warn("encoder behind, dropped oldest frame", zap.Uint64("dropped_total", composed.Dropped()))
		}
	}
}

// runVideoEncode encodes composed frames. Nothing reaches out before the
// first keyframe, which is preceded by the sequence header.
func (s *Session) runVideoEncode(ctx context.Context, r *resources, composed *queue.Queue[*types.PixelBuffer], out chan<- *types.EncodedFrame) error {
	defer close(out)
	var (
		started bool
		aborted bool
	)
	emit := func(f *types.EncodedFrame) error {
		if !started {
			if f.Kind != types.KindVideoKey {
				s.metrics.Dropped("video-encode")
				return nil
			}
			hdr, err := r.venc.Headers()
			if err != nil {
				return err
			}
			if !send(ctx, out, &types.EncodedFrame{Kind: types.KindVideoSequenceHeader, PTS: f.PTS, Data: hdr, AnnexB: f.AnnexB}) {
				aborted = true
				return ctx.Err()
			}
			started = true
		}
		s.metrics.Encoded("video", len(f.Data))
		if !send(ctx, out, f) {
			aborted = true
			return ctx.Err()
		}
		return nil
	}

	for {
		frame, ok := composed.Pop(ctx)
		if !ok {
			break
		}
		if err := r.venc.EncodeFrame(frame, emit); err != nil {
			if aborted {
				return nil
			}
			return s.fail(StageVideoEncode, err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := r.venc.Flush(emit); err != nil && !aborted {
		return s.fail(StageVideoEncode, err)
	}
	return nil
}
