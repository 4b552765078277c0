package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/sink"
	"reelcast/internal/types"
)

// maxHeldAudio bounds the audio kept back while the video sequence header
// is still being produced.
const maxHeldAudio = 256

// runDispatch feeds both encoded streams to the sinks from one goroutine.
// Audio waits for the video sequence header so every sink sees video
// parameters first. An End frame and the sink close follow the last packet.
func (s *Session) runDispatch(ctx context.Context, r *resources, video, audio <-chan *types.EncodedFrame) (err error) {
	var (
		held       []*types.EncodedFrame
		videoReady bool
		lastPTS    int64
		dropLog    logging.Limiter
	)
	defer func() {
		if err == nil {
			if derr := r.dispatcher.Dispatch(&types.EncodedFrame{Kind: types.KindEnd, PTS: lastPTS}); derr != nil && !errors.Is(derr, sink.ErrSinkClosed) {
				s.logger.Warn("dispatch end of stream", zap.Error(derr))
			}
		}
		if cerr := r.dispatcher.Close(); cerr != nil {
			s.logger.Warn("close sinks", zap.Error(cerr))
			s.emit(Event{Stage: StageSink, Kind: EventWarning, Err: cerr})
		}
	}()

	dispatch := func(f *types.EncodedFrame) error {
		if f.PTS > lastPTS {
			lastPTS = f.PTS
		}
		if err := r.dispatcher.Dispatch(f); err != nil {
			if errors.Is(err, sink.ErrSinkClosed) {
				return s.fail(StageSink, ErrNoSinks)
			}
			return s.fail(StageSink, err)
		}
		return nil
	}
	release := func() error {
		for _, f := range held {
			if err := dispatch(f); err != nil {
				return err
			}
		}
		held = nil
		return nil
	}

	for video != nil || audio != nil {
		var f *types.EncodedFrame
		select {
		case v, ok := <-video:
			if !ok {
				video = nil
				if !videoReady {
					// no video will come; stop holding audio back
					videoReady = true
					if err := release(); err != nil {
						return err
					}
				}
				continue
			}
			f = v
		case a, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			f = a
		case <-ctx.Done():
			return nil
		}

		if f.IsAudio() && !videoReady {
			if len(held) == maxHeldAudio {
				// keep the sequence header at the front
				held = append(held[:1], held[2:]...)
				s.metrics.Dropped("audio-held")
				if dropLog.Allow(time.Second) {
					s.logger.Warn("video slow to start, dropping held audio")
				}
			}
			held = append(held, f)
			continue
		}
		if err := dispatch(f); err != nil {
			return err
		}
		if f.Kind == types.KindVideoSequenceHeader && !videoReady {
			videoReady = true
			if err := release(); err != nil {
				return err
			}
		}
	}
	return nil
}
