package denoise

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"reelcast/internal/lifecycle"
	"reelcast/internal/logging"
	"reelcast/internal/wav"
)

// FileOptions configures File.
type FileOptions struct {
	Factory Factory
	// Cancel stops processing between frames; the output is finalized.
	Cancel *lifecycle.Signal
	// Progress receives the processed fraction in [0, 1].
	Progress func(float32)
	Logger   *zap.Logger
}

// File denoises the WAV at inPath into outPath with the same format. The
// first frame of output is dropped to remove the suppressor's algorithmic
// delay; a trailing partial frame is zero-padded for processing and written
// at its original length.
func File(inPath, outPath string, opts FileOptions) (lifecycle.Reason, error) {
	logger := logging.OrNop(opts.Logger).Named("denoise")

	r, err := wav.Open(inPath)
	if err != nil {
		return lifecycle.Failed, err
	}
	defer r.Close()

	sc, err := newScaler(r.Format)
	if err != nil {
		return lifecycle.Failed, err
	}
	if !SupportedSampleRate(r.Format.SampleRate) {
		return lifecycle.Failed, fmt.Errorf("%w: %d Hz", ErrUnsupportedSampleRate, r.Format.SampleRate)
	}
	ch, err := newChannels(r.Format.Channels, opts.Factory)
	if err != nil {
		return lifecycle.Failed, err
	}
	defer ch.close()

	w, err := wav.Create(outPath, r.Format)
	if err != nil {
		return lifecycle.Failed, err
	}

	nch := r.Format.Channels
	total := r.Len()
	logger.Info("denoising file",
		zap.String("input", inPath),
		zap.Stringer("format", r.Format),
		zap.Int64("frames", total/int64(FrameSize*nch)))

	block := make([]float32, FrameSize*nch)
	outBlock := make([]float32, FrameSize*nch)
	var processed int64
	first := true
	reason := lifecycle.Finished

	for {
		if opts.Cancel != nil && opts.Cancel.Cancelled() {
			reason = lifecycle.Stopped
			break
		}
		n, err := readFull(r, block)
		if n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				w.Close()
				return lifecycle.Failed, fmt.Errorf("read %s: %w", inPath, err)
			}
			break
		}
		frames := n / nch
		for i := 0; i < FrameSize; i++ {
			for c := 0; c < nch; c++ {
				var v float32
				if i < frames {
					v = sc.toPCM(block[i*nch+c])
				}
				ch.in[c][i] = v
			}
		}
		ch.process()

		if !first {
			for i := 0; i < frames; i++ {
				for c := 0; c < nch; c++ {
					outBlock[i*nch+c] = sc.fromPCM(ch.out[c][i])
				}
			}
			if err := w.Write(outBlock[:frames*nch]); err != nil {
				w.Close()
				return lifecycle.Failed, fmt.Errorf("write %s: %w", outPath, err)
			}
		}
		first = false

		processed += int64(n)
		if opts.Progress != nil && total > 0 {
			opts.Progress(float32(processed) / float32(total))
		}
		if frames < FrameSize {
			break
		}
	}

	if err := w.Close(); err != nil {
		return lifecycle.Failed, fmt.Errorf("finalize %s: %w", outPath, err)
	}
	if reason == lifecycle.Finished && opts.Progress != nil {
		opts.Progress(1)
	}
	logger.Info("denoise done", zap.String("output", outPath), zap.Stringer("reason", reason))
	return reason, nil
}

// readFull reads whole interleaved frames into dst until it is full or the
// input ends.
func readFull(r *wav.Reader, dst []float32) (int, error) {
	n := 0
	for n < len(dst) {
		m, err := r.Read(dst[n:])
		n += m
		if err != nil {
			return n - n%r.Format.Channels, err
		}
	}
	return n, nil
}
