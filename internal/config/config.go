// Package config holds the recording session settings and loads them from
// reelcast.yaml, REELCAST_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Capture CaptureConfig `mapstructure:"capture"`
	Video   VideoConfig   `mapstructure:"video"`
	Cursor  CursorConfig  `mapstructure:"cursor"`
	Camera  CameraConfig  `mapstructure:"camera"`
	Color   ColorConfig   `mapstructure:"color"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Sinks   SinksConfig   `mapstructure:"sinks"`

	// MetricsAddr, when set, serves /metrics on its own listener.
	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	LogFile     string `mapstructure:"log_file"`
}

type CaptureConfig struct {
	// Screen is the output name; empty selects the primary output.
	Screen        string `mapstructure:"screen"`
	FPS           int    `mapstructure:"fps"`
	IncludeCursor bool   `mapstructure:"include_cursor"`
	// Backend is auto, wlr, portal, x11 or dxgi.
	Backend string `mapstructure:"backend"`
}

type VideoConfig struct {
	Resolution   string `mapstructure:"resolution"`
	Encoder      string `mapstructure:"encoder"`
	BitrateKbps  int    `mapstructure:"bitrate_kbps"`
	ResizeFilter string `mapstructure:"resize_filter"`
}

// CursorConfig drives the zoom-and-follow tracker. With Follow off every
// frame shows the whole screen.
type CursorConfig struct {
	Follow       bool          `mapstructure:"follow"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	RegionWidth                  int           `mapstructure:"region_width"`
	RegionHeight                 int           `mapstructure:"region_height"`
	DebounceRadius               float64       `mapstructure:"debounce_radius"`
	StableRadius                 float64       `mapstructure:"stable_radius"`
	FastMovingDuration           time.Duration `mapstructure:"fast_moving_duration"`
	LinearTransitionDuration     time.Duration `mapstructure:"linear_transition_duration"`
	RepositionEdgeThreshold      float64       `mapstructure:"reposition_edge_threshold"`
	RepositionTransitionDuration time.Duration `mapstructure:"reposition_transition_duration"`
	MaxStableRegionDuration      time.Duration `mapstructure:"max_stable_region_duration"`
	ZoomIn                       string        `mapstructure:"zoom_in"`
	ZoomOut                      string        `mapstructure:"zoom_out"`
}

type CameraConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Image is a PNG or JPEG shown in the overlay.
	Image       string  `mapstructure:"image"`
	Shape       string  `mapstructure:"shape"`
	PosX        float64 `mapstructure:"pos_x"`
	PosY        float64 `mapstructure:"pos_y"`
	Width       int     `mapstructure:"width"`
	Height      int     `mapstructure:"height"`
	Radius      int     `mapstructure:"radius"`
	BorderWidth int     `mapstructure:"border_width"`
	BorderColor string  `mapstructure:"border_color"`
	Zoom        float64 `mapstructure:"zoom"`
	ClipX       float64 `mapstructure:"clip_x"`
	ClipY       float64 `mapstructure:"clip_y"`
}

type ColorConfig struct {
	Brightness float64 `mapstructure:"brightness"`
	Contrast   float64 `mapstructure:"contrast"`
	Saturation float64 `mapstructure:"saturation"`
}

type AudioConfig struct {
	Mic bool `mapstructure:"mic"`
	// MicDevice is a device id or description; empty selects the default.
	MicDevice     string `mapstructure:"mic_device"`
	MicGainDB     int    `mapstructure:"mic_gain_db"`
	Speaker       bool   `mapstructure:"speaker"`
	SpeakerGainDB int    `mapstructure:"speaker_gain_db"`
	SampleRate    int    `mapstructure:"sample_rate"`
	Channels      int    `mapstructure:"channels"`
	BitrateKbps   int    `mapstructure:"bitrate_kbps"`
	MicTap        string `mapstructure:"mic_tap"`
	SpeakerTap    string `mapstructure:"speaker_tap"`
	Denoise       bool   `mapstructure:"denoise"`
}

// Enabled reports whether any audio source is selected.
func (a AudioConfig) Enabled() bool { return a.Mic || a.Speaker }

type SinksConfig struct {
	MP4  MP4Config  `mapstructure:"mp4"`
	RTMP RTMPConfig `mapstructure:"rtmp"`
	WHEP WHEPConfig `mapstructure:"whep"`
}

type MP4Config struct {
	Path             string        `mapstructure:"path"`
	FragmentDuration time.Duration `mapstructure:"fragment_duration"`
}

// RTMPConfig accepts either a full URL or its parts.
type RTMPConfig struct {
	URL            string        `mapstructure:"url"`
	Server         string        `mapstructure:"server"`
	App            string        `mapstructure:"app"`
	StreamKey      string        `mapstructure:"stream_key"`
	Query          string        `mapstructure:"query"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ChunkSize      uint32        `mapstructure:"chunk_size"`
	SaveMP4        string        `mapstructure:"save_mp4"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WHEPConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Token         string        `mapstructure:"token"`
	ICEServers    []ICEServer   `mapstructure:"ice_servers"`
	HostIPs       []string      `mapstructure:"host_ips"`
	DisableIPv6   bool          `mapstructure:"disable_host_ipv6"`
	HTTPS         bool          `mapstructure:"https"`
	CertFile      string        `mapstructure:"cert_file"`
	KeyFile       string        `mapstructure:"key_file"`
	AnswerTimeout time.Duration `mapstructure:"answer_timeout"`
}

// Default returns the stock configuration: an MP4 recording of the primary
// output at 25 fps with the microphone.
func Default() *Config {
	return &Config{
		Capture: CaptureConfig{
			FPS:           25,
			IncludeCursor: true,
			Backend:       "auto",
		},
		Video: VideoConfig{
			Resolution:   "original",
			Encoder:      "x264",
			BitrateKbps:  6000,
			ResizeFilter: "bilinear",
		},
		Cursor: CursorConfig{
			PollInterval:                 10 * time.Millisecond,
			RegionWidth:                  1280,
			RegionHeight:                 720,
			DebounceRadius:               30,
			StableRadius:                 30,
			FastMovingDuration:           100 * time.Millisecond,
			LinearTransitionDuration:     time.Second,
			RepositionEdgeThreshold:      0.15,
			RepositionTransitionDuration: 100 * time.Millisecond,
			MaxStableRegionDuration:      5 * time.Second,
			ZoomIn:                       "ease-in",
			ZoomOut:                      "ease-out",
		},
		Camera: CameraConfig{
			Shape:       "circle",
			PosX:        1,
			PosY:        1,
			Width:       320,
			Height:      240,
			Radius:      120,
			BorderColor: "#ffffff",
			Zoom:        1,
			ClipX:       0.5,
			ClipY:       0.5,
		},
		Audio: AudioConfig{
			Mic:         true,
			SampleRate:  48000,
			Channels:    2,
			BitrateKbps: 128,
		},
		Sinks: SinksConfig{
			MP4: MP4Config{
				Path:             "reelcast.mp4",
				FragmentDuration: time.Second,
			},
			RTMP: RTMPConfig{
				ConnectTimeout: 10 * time.Second,
				ChunkSize:      4096,
			},
			WHEP: WHEPConfig{
				Addr: ":8080",
				ICEServers: []ICEServer{
					{URLs: []string{"stun:stun.nextcloud.com:443"}},
					{URLs: []string{"stun:stun.l.google.com:19302"}},
				},
				AnswerTimeout: 10 * time.Second,
			},
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load reads cfgFile, or reelcast.yaml from the user config directory and
// the working directory, over Default. v may carry flag bindings; nil uses a
// fresh instance. A missing config file is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("reelcast")
		v.SetConfigType("yaml")
		if dir := configDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REELCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	// env lookups only happen for keys viper knows about
	setDefaults(v, "", reflect.ValueOf(cfg).Elem())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every leaf of val under its dotted mapstructure key.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		f := val.Field(i)
		if f.Kind() == reflect.Struct {
			setDefaults(v, key, f)
			continue
		}
		v.SetDefault(key, f.Interface())
	}
}

func configDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "reelcast")
}
