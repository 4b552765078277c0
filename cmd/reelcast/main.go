package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"reelcast/internal/config"
	"reelcast/internal/logging"
)

var (
	version = "0.3.0"
	cfgFile string

	v = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "reelcast",
	Short: "Screen recorder and live streamer",
	Long: `reelcast captures a screen with optional microphone and speaker audio, follows the
cursor, and writes H.264/AAC to an MP4 file, an RTMP server and WHEP viewers at once.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reelcast v%s\n", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/reelcast/reelcast.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console or json)")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	bind(pf, map[string]string{
		"log-level":  "log_level",
		"log-format": "log_format",
		"log-file":   "log_file",
	})

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(screensCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(denoiseCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bind maps flag names onto viper keys so flags override file and
// environment values.
func bind(fs *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

// loadConfig reads the merged configuration and builds the logger it names.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, using defaults\n", err)
		if logger, err = zap.NewProduction(); err != nil {
			return nil, nil, err
		}
	}
	return cfg, logger, nil
}
