package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reelcast/internal/lifecycle"
	"reelcast/internal/metrics"
	"reelcast/internal/pipeline"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record and stream the screen until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecord(cmd.Context())
	},
}

func init() {
	f := recordCmd.Flags()
	f.String("screen", "", "output to capture (default: first screen)")
	f.Int("fps", 25, "frame rate (24, 25, 30 or 60)")
	f.String("resolution", "original", "output size (original, 480p, 720p, 1080p, 2k, 4k)")
	f.String("encoder", "x264", "H.264 encoder (x264 or openh264)")
	f.Int("bitrate", 6000, "video bitrate in kbps")
	f.Bool("follow-cursor", false, "crop to a region that follows the cursor")
	f.Bool("mic", true, "record the microphone")
	f.String("mic-device", "", "microphone device id (default: system default)")
	f.Bool("speaker", false, "record speaker output")
	f.Bool("denoise", false, "suppress noise in the recorded audio")
	f.StringP("output", "o", "reelcast.mp4", "MP4 file to write (empty to disable)")
	f.String("rtmp", "", "RTMP publish URL")
	f.Bool("whep", false, "serve WHEP viewers")
	f.String("whep-addr", ":8080", "WHEP listen address")
	f.String("token", "", "bearer token required from WHEP viewers")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	bind(f, map[string]string{
		"screen":        "capture.screen",
		"fps":           "capture.fps",
		"resolution":    "video.resolution",
		"encoder":       "video.encoder",
		"bitrate":       "video.bitrate_kbps",
		"follow-cursor": "cursor.follow",
		"mic":           "audio.mic",
		"mic-device":    "audio.mic_device",
		"speaker":       "audio.speaker",
		"denoise":       "audio.denoise",
		"output":        "sinks.mp4.path",
		"rtmp":          "sinks.rtmp.url",
		"whep":          "sinks.whep.enabled",
		"whep-addr":     "sinks.whep.addr",
		"token":         "sinks.whep.token",
		"metrics-addr":  "metrics_addr",
	})
}

func runRecord(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s, err := pipeline.New(cfg,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.New(reg)),
		pipeline.WithGatherer(reg))
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// a second interrupt kills the process the default way
	go func() {
		<-ctx.Done()
		stop()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Events() {
			printEvent(logger, ev)
		}
	}()

	fmt.Fprintf(os.Stderr, "recording (session %s), press Ctrl+C to stop\n", s.ID)
	reason, err := s.Run(ctx)
	<-done
	if err != nil {
		return err
	}
	if reason == lifecycle.Failed {
		return fmt.Errorf("recording failed")
	}
	fmt.Fprintf(os.Stderr, "recording %s\n", reason)
	return nil
}

func printEvent(logger *zap.Logger, ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventSinkAttached:
		fmt.Fprintf(os.Stderr, "sink %s attached\n", ev.Sink)
	case pipeline.EventSinkFailed:
		fmt.Fprintf(os.Stderr, "sink %s failed: %v\n", ev.Sink, ev.Err)
	case pipeline.EventWarning:
		fmt.Fprintf(os.Stderr, "warning: %v\n", ev.Err)
	case pipeline.EventFailed:
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", ev.Stage, ev.Err)
	default:
		logger.Debug("session event", zap.Stringer("kind", ev.Kind), zap.Stringer("reason", ev.Reason))
	}
}
