package config

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"

	"reelcast/internal/compose"
	"reelcast/internal/cursor"
	"reelcast/internal/denoise"
	"reelcast/internal/platform"
	"reelcast/internal/session"
	"reelcast/internal/sink/rtmp"
)

var knownEncoders = map[string]bool{
	"x264":     true,
	"openh264": true,
}

// Validate checks the whole configuration and returns every problem found,
// each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !compose.ValidFPS(c.Capture.FPS) {
		add("capture.fps %d is not one of %v", c.Capture.FPS, compose.FPSPresets)
	}
	if _, err := platform.ParseDesktop(c.Capture.Backend); err != nil {
		add("capture.backend: %v", err)
	}

	if _, err := compose.ParseResolution(c.Video.Resolution); err != nil {
		add("video.resolution: %v", err)
	}
	if !knownEncoders[c.Video.Encoder] {
		add("video.encoder %q is not valid (use x264 or openh264)", c.Video.Encoder)
	}
	if c.Video.BitrateKbps <= 0 {
		add("video.bitrate_kbps %d must be positive", c.Video.BitrateKbps)
	}
	if _, err := compose.ParseFilter(c.Video.ResizeFilter); err != nil {
		add("video.resize_filter: %v", err)
	}

	if c.Cursor.Follow {
		if c.Cursor.RegionWidth < 2 || c.Cursor.RegionHeight < 2 {
			add("cursor region %dx%d is too small", c.Cursor.RegionWidth, c.Cursor.RegionHeight)
		}
		if c.Cursor.PollInterval <= 0 {
			add("cursor.poll_interval must be positive")
		}
		if c.Cursor.RepositionEdgeThreshold < 0 || c.Cursor.RepositionEdgeThreshold >= 0.5 {
			add("cursor.reposition_edge_threshold %.2f outside [0, 0.5)", c.Cursor.RepositionEdgeThreshold)
		}
		if _, err := cursor.ParseEasing(c.Cursor.ZoomIn); err != nil {
			add("cursor.zoom_in: %v", err)
		}
		if _, err := cursor.ParseEasing(c.Cursor.ZoomOut); err != nil {
			add("cursor.zoom_out: %v", err)
		}
	}

	if c.Camera.Enabled {
		if c.Camera.Image == "" {
			add("camera.image is required when the camera overlay is enabled")
		}
		if o, err := c.Camera.Overlay(); err != nil {
			add("camera: %v", err)
		} else if err := o.Validate(); err != nil {
			add("camera: %v", err)
		}
	}

	for name, v := range map[string]float64{
		"color.brightness": c.Color.Brightness,
		"color.contrast":   c.Color.Contrast,
		"color.saturation": c.Color.Saturation,
	} {
		if v < -1 || v > 1 {
			add("%s %.2f outside [-1, 1]", name, v)
		}
	}

	if c.Audio.Enabled() {
		if c.Audio.SampleRate <= 0 {
			add("audio.sample_rate %d must be positive", c.Audio.SampleRate)
		}
		if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
			add("audio.channels %d must be 1 or 2", c.Audio.Channels)
		}
		if c.Audio.Denoise && !denoise.SupportedSampleRate(c.Audio.SampleRate) {
			add("audio.denoise needs a 44100 or 48000 Hz sample rate, got %d", c.Audio.SampleRate)
		}
	}

	if !c.Sinks.MP4.Enabled() && !c.Sinks.RTMP.Enabled() && !c.Sinks.WHEP.Enabled {
		add("no sink selected (set sinks.mp4.path, sinks.rtmp.url or sinks.whep.enabled)")
	}
	if c.Sinks.RTMP.Enabled() {
		if _, err := rtmp.ParseURL(c.Sinks.RTMP.PublishURL()); err != nil {
			add("sinks.rtmp: %v", err)
		}
	}
	if c.Sinks.WHEP.Enabled {
		if c.Sinks.WHEP.Addr == "" {
			add("sinks.whep.addr is required")
		}
		if (c.Sinks.WHEP.CertFile == "") != (c.Sinks.WHEP.KeyFile == "") {
			add("sinks.whep.cert_file and key_file must be set together")
		}
		for _, s := range c.Sinks.WHEP.ICEServers {
			for _, u := range s.URLs {
				if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") &&
					!strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
					add("ice server url %q must be stun: or turn:", u)
				}
			}
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "json" && c.LogFormat != "console" {
		add("log_format %q is not valid (use json or console)", c.LogFormat)
	}
	return errors.Join(errs...)
}

func (m MP4Config) Enabled() bool { return m.Path != "" }

func (r RTMPConfig) Enabled() bool { return r.URL != "" || r.Server != "" }

// PublishURL returns URL, or the URL composed from Server, App, StreamKey
// and Query.
func (r RTMPConfig) PublishURL() string {
	if r.URL != "" {
		return r.URL
	}
	return rtmp.ComposeURL(r.Server, r.App, r.StreamKey, r.Query)
}

// Tracker returns the cursor tracker parameters for a screenW×screenH output.
func (c CursorConfig) Tracker(screenW, screenH int) (cursor.Config, error) {
	in, err := cursor.ParseEasing(c.ZoomIn)
	if err != nil {
		return cursor.Config{}, err
	}
	out, err := cursor.ParseEasing(c.ZoomOut)
	if err != nil {
		return cursor.Config{}, err
	}
	return cursor.Config{
		ScreenWidth:                  screenW,
		ScreenHeight:                 screenH,
		TargetWidth:                  c.RegionWidth,
		TargetHeight:                 c.RegionHeight,
		DebounceRadius:               c.DebounceRadius,
		StableRadius:                 c.StableRadius,
		FastMovingDuration:           c.FastMovingDuration,
		LinearTransitionDuration:     c.LinearTransitionDuration,
		RepositionEdgeThreshold:      c.RepositionEdgeThreshold,
		RepositionTransitionDuration: c.RepositionTransitionDuration,
		MaxStableRegionDuration:      c.MaxStableRegionDuration,
		ZoomIn:                       in,
		ZoomOut:                      out,
	}, nil
}

// Overlay converts the camera settings.
func (c CameraConfig) Overlay() (*compose.Overlay, error) {
	shape, err := compose.ParseShape(c.Shape)
	if err != nil {
		return nil, err
	}
	border, err := ParseColor(c.BorderColor)
	if err != nil {
		return nil, err
	}
	return &compose.Overlay{
		Shape:       shape,
		PosX:        c.PosX,
		PosY:        c.PosY,
		Width:       c.Width,
		Height:      c.Height,
		Radius:      c.Radius,
		BorderWidth: c.BorderWidth,
		BorderColor: border,
		Zoom:        c.Zoom,
		ClipX:       c.ClipX,
		ClipY:       c.ClipY,
	}, nil
}

func (c ColorConfig) Adjust() compose.ColorAdjust {
	return compose.ColorAdjust{Brightness: c.Brightness, Contrast: c.Contrast, Saturation: c.Saturation}
}

// Session returns the peer connection settings for WHEP viewers.
func (w WHEPConfig) Session(audio bool) session.Config {
	cfg := session.Config{
		HostIPs:     w.HostIPs,
		DisableIPv6: w.DisableIPv6,
		Audio:       audio,
	}
	for _, s := range w.ICEServers {
		cfg.ICEServers = append(cfg.ICEServers, session.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return cfg
}

// ParseColor reads #rgb or #rrggbb, with or without the hash. Empty is
// opaque white.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 0:
		return color.RGBA{R: 255, G: 255, B: 255, A: 255}, nil
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	case 6:
	default:
		return color.RGBA{}, fmt.Errorf("color %q is not #rgb or #rrggbb", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
