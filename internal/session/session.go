// Package session owns one WHEP viewer: a pion PeerConnection with a send-only
// H.264 track and an optional Opus track.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"reelcast/internal/logging"
)

const (
	videoPayloadType = 96
	audioPayloadType = 111

	// constrained baseline 3.1, matching the encoder profile
	videoFmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
)

var (
	// ErrBadOffer means the remote description was rejected.
	ErrBadOffer = errors.New("session: bad SDP offer")
	ErrClosed   = errors.New("session: closed")
)

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type Config struct {
	ICEServers []ICEServer
	// HostIPs are advertised as host candidates in place of local addresses.
	HostIPs []string
	// DisableIPv6 restricts ICE to UDP4 and TCP4.
	DisableIPv6 bool
	// Audio adds an Opus track.
	Audio bool
}

type Session struct {
	ID string

	pc     *webrtc.PeerConnection
	video  *webrtc.TrackLocalStaticSample
	audio  *webrtc.TrackLocalStaticSample
	logger *zap.Logger

	stop     chan struct{}
	mu       sync.Mutex
	closed   bool
	onClosed []func()
}

func New(id string, cfg Config, logger *zap.Logger) (*Session, error) {
	logger = logging.OrNop(logger).Named("session").With(zap.String("session", id))

	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	se := webrtc.SettingEngine{}
	if len(cfg.HostIPs) > 0 {
		se.SetNAT1To1IPs(cfg.HostIPs, webrtc.ICECandidateTypeHost)
	}
	if cfg.DisableIPv6 {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4})
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	streamID := "reelcast-" + uuid.NewString()
	s := &Session{
		ID:     id,
		pc:     pc,
		logger: logger,
		stop:   make(chan struct{}),
	}

	s.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: videoFmtp,
	}, "video", streamID)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if err := s.addTrack(s.video); err != nil {
		pc.Close()
		return nil, err
	}

	if cfg.Audio {
		s.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio", streamID)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		if err := s.addTrack(s.audio); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.Close()
		}
	})
	return s, nil
}

// addTrack attaches t and drains RTCP so interceptors keep running.
func (s *Session) addTrack(t webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(t)
	if err != nil {
		return fmt.Errorf("add %s track: %w", t.Kind(), err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// Answer applies the remote offer and returns the local answer once ICE
// gathering has completed, so the answer carries every candidate.
func (s *Session) Answer(ctx context.Context, offer string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering: %w", ctx.Err())
	}
	return s.pc.LocalDescription().SDP, nil
}

// AddCandidates applies trickled candidates from an SDP fragment. Lines
// other than a=candidate are ignored.
func (s *Session) AddCandidates(fragment string) (int, error) {
	n := 0
	for _, line := range strings.Split(fragment, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "a=candidate:") {
			continue
		}
		if err := s.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate: strings.TrimPrefix(line, "a="),
		}); err != nil {
			return n, fmt.Errorf("add ice candidate: %w", err)
		}
		n++
	}
	return n, nil
}

// WriteVideo sends one Annex-B access unit. The track packetizes it per
// RFC 6184, fragmenting NAL units larger than the MTU with FU-A.
func (s *Session) WriteVideo(au []byte, dur time.Duration) error {
	if s.Closed() {
		return ErrClosed
	}
	return s.video.WriteSample(media.Sample{Data: au, Duration: dur})
}

// WriteAudio sends one Opus packet. It is a no-op without an audio track.
func (s *Session) WriteAudio(packet []byte, dur time.Duration) error {
	if s.audio == nil {
		return nil
	}
	if s.Closed() {
		return ErrClosed
	}
	return s.audio.WriteSample(media.Sample{Data: packet, Duration: dur})
}

// OnClosed registers fn to run once when the session closes.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	if !s.closed {
		s.onClosed = append(s.onClosed, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

func (s *Session) Done() <-chan struct{} { return s.stop }

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	callbacks := s.onClosed
	s.onClosed = nil
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		s.logger.Debug("close peer connection", zap.Error(err))
	}
	for _, fn := range callbacks {
		fn()
	}
	s.logger.Info("session closed")
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
