package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"reelcast/internal/audio"
	"reelcast/internal/capture"
	"reelcast/internal/denoise"
	"reelcast/internal/denoise/rnnoise"
	"reelcast/internal/lifecycle"
	"reelcast/internal/platform"
)

var (
	benchFrames int
	backendName string
)

var screensCmd = &cobra.Command{
	Use:   "screens",
	Short: "List the screens that can be captured",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}
		desktop, err := platform.ParseDesktop(backendName)
		if err != nil {
			return err
		}
		if desktop == platform.DesktopUnknown {
			desktop = platform.Detect()
		}
		screens, err := capture.ListScreens(desktop)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "NAME\tSIZE\tPOSITION\tSCALE\tTRANSFORM")
		if benchFrames > 0 {
			fmt.Fprintf(tw, "\tCAPTURE")
		}
		fmt.Fprintln(tw)
		for _, sc := range screens {
			fmt.Fprintf(tw, "%s\t%dx%d\t%d,%d\t%.2f\t%s", sc.Name,
				sc.LogicalSize.Width, sc.LogicalSize.Height,
				sc.Position.X, sc.Position.Y, sc.ScaleFactor, sc.Transform)
			if benchFrames > 0 {
				fmt.Fprintf(tw, "\t%s", benchScreen(desktop, sc.Name, logger))
			}
			fmt.Fprintln(tw)
		}
		return tw.Flush()
	},
}

func benchScreen(d platform.Desktop, name string, logger *zap.Logger) string {
	src, err := capture.Open(d, name, true, 25, logger)
	if err != nil {
		return "error: " + err.Error()
	}
	defer src.Close()
	mean, err := capture.MeasureMean(src, benchFrames, true)
	if err != nil {
		return "error: " + err.Error()
	}
	return mean.String()
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio capture devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := audio.ListDevices()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDESCRIPTION\tKIND")
		for _, d := range devices {
			kind := "input"
			if d.Monitor {
				kind = "monitor"
			}
			if d.Default {
				kind += ", default"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Description, kind)
		}
		return tw.Flush()
	},
}

var denoiseCmd = &cobra.Command{
	Use:   "denoise <input.wav> <output.wav>",
	Short: "Remove background noise from a WAV file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger, err := loadConfig()
		if err != nil {
			return err
		}
		sig := lifecycle.NewSignal()
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)
		go func() {
			select {
			case <-interrupt:
				sig.Cancel()
			case <-sig.Done():
			}
		}()
		defer sig.Cancel()

		last := -1
		reason, err := denoise.File(args[0], args[1], denoise.FileOptions{
			Factory: rnnoise.New,
			Cancel:  sig,
			Logger:  logger,
			Progress: func(p float32) {
				if pct := int(p * 100); pct/10 != last/10 {
					last = pct
					fmt.Fprintf(os.Stderr, "\r%3d%%", pct)
				}
			},
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "denoise %s\n", reason)
		return nil
	},
}

func init() {
	screensCmd.Flags().IntVar(&benchFrames, "bench", 0, "time this many captures per screen")
	screensCmd.Flags().StringVar(&backendName, "backend", "auto", "capture backend (auto, wlr, portal, x11, dxgi)")
}
