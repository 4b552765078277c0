//go:build linux

package capture

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"reelcast/internal/platform"
	"reelcast/internal/types"
)

const (
	portalName       = "org.freedesktop.portal.Desktop"
	portalPath       = "/org/freedesktop/portal/desktop"
	screenCastIface  = "org.freedesktop.portal.ScreenCast"
	requestIface     = "org.freedesktop.portal.Request"
	sessionCloseCall = "org.freedesktop.portal.Session.Close"

	sourceTypeMonitor  uint32 = 1
	cursorModeHidden   uint32 = 1
	cursorModeEmbedded uint32 = 2

	// portalResponseTimeout covers the user answering the share dialog.
	portalResponseTimeout = 2 * time.Minute
	firstFrameTimeout     = 5 * time.Second
)

var errPortalCancelled = errors.New("screen share request was cancelled")

// frameStream delivers decoded frames from a PipeWire node.
type frameStream interface {
	// Latest waits up to wait for a fresh frame and otherwise repeats the
	// previous one. It fails with ErrUnexpectedEOF once the stream ends.
	Latest(wait time.Duration) (*types.PixelBuffer, error)
	Close()
}

// openPipeWire is set by the cgo PipeWire binding.
var openPipeWire func(fd int, node uint32, fps int, logger *zap.Logger) (frameStream, error)

func init() {
	Register(platform.DesktopPortal, openPortal, listPortal)
}

// portalStream is one stream granted by Start.
type portalStream struct {
	node          uint32
	width, height int
}

type portalSession struct {
	conn   *dbus.Conn
	portal dbus.BusObject
	path   dbus.ObjectPath
}

func newPortalSession() (*portalSession, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", ErrBackendUnavailable, err)
	}
	return &portalSession{conn: conn, portal: conn.Object(portalName, portalPath)}, nil
}

func portalToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "reelcast" + hex.EncodeToString(b[:])
}

// requestPath predicts the Request object path so the Response match is
// installed before the call can race it.
func (p *portalSession) requestPath(token string) dbus.ObjectPath {
	sender := strings.ReplaceAll(strings.TrimPrefix(p.conn.Names()[0], ":"), ".", "_")
	return dbus.ObjectPath(portalPath + "/request/" + sender + "/" + token)
}

// call invokes a ScreenCast method that answers through a Request object
// and waits for its Response signal.
func (p *portalSession) call(method string, options map[string]dbus.Variant, args ...any) (map[string]dbus.Variant, error) {
	token := portalToken()
	options["handle_token"] = dbus.MakeVariant(token)
	path := p.requestPath(token)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
	}
	if err := p.conn.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("%s: add match: %w", method, err)
	}
	defer p.conn.RemoveMatchSignal(match...)
	signals := make(chan *dbus.Signal, 4)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	args = append(args, options)
	var handle dbus.ObjectPath
	if err := p.portal.Call(screenCastIface+"."+method, 0, args...).Store(&handle); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timeout := time.NewTimer(portalResponseTimeout)
	defer timeout.Stop()
	for {
		select {
		case sig := <-signals:
			if sig.Path != handle && sig.Path != path {
				continue
			}
			if len(sig.Body) != 2 {
				return nil, fmt.Errorf("%s: malformed response", method)
			}
			status, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			if status != 0 {
				return nil, fmt.Errorf("%s: %w (status %d)", method, errPortalCancelled, status)
			}
			return results, nil
		case <-timeout.C:
			return nil, fmt.Errorf("%s: no response from portal", method)
		}
	}
}

// negotiate runs CreateSession, SelectSources and Start.
func (p *portalSession) negotiate(includeCursor bool) ([]portalStream, error) {
	res, err := p.call("CreateSession", map[string]dbus.Variant{
		"session_handle_token": dbus.MakeVariant(portalToken()),
	})
	if err != nil {
		return nil, err
	}
	handle, ok := res["session_handle"].Value().(string)
	if !ok {
		return nil, errors.New("CreateSession: missing session_handle")
	}
	p.path = dbus.ObjectPath(handle)

	cursor := cursorModeHidden
	if includeCursor {
		cursor = cursorModeEmbedded
	}
	if _, err := p.call("SelectSources", map[string]dbus.Variant{
		"types":       dbus.MakeVariant(sourceTypeMonitor),
		"cursor_mode": dbus.MakeVariant(cursor),
		"multiple":    dbus.MakeVariant(false),
	}, p.path); err != nil {
		return nil, err
	}

	res, err = p.call("Start", map[string]dbus.Variant{}, p.path, "")
	if err != nil {
		return nil, err
	}
	return parsePortalStreams(res["streams"].Value())
}

// parsePortalStreams decodes the a(ua{sv}) streams result.
func parsePortalStreams(v any) ([]portalStream, error) {
	var raw [][]any
	switch rs := v.(type) {
	case [][]any:
		raw = rs
	case []any:
		for _, r := range rs {
			if s, ok := r.([]any); ok {
				raw = append(raw, s)
			}
		}
	default:
		return nil, fmt.Errorf("Start: unexpected streams type %T", v)
	}

	var streams []portalStream
	for _, s := range raw {
		if len(s) < 2 {
			continue
		}
		node, ok := s[0].(uint32)
		if !ok {
			continue
		}
		st := portalStream{node: node}
		if props, ok := s[1].(map[string]dbus.Variant); ok {
			if size, ok := props["size"]; ok {
				if wh, ok := size.Value().([]any); ok && len(wh) == 2 {
					w, _ := wh[0].(int32)
					h, _ := wh[1].(int32)
					st.width, st.height = int(w), int(h)
				}
			}
		}
		streams = append(streams, st)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("%w: portal granted no streams", ErrNoOutput)
	}
	return streams, nil
}

func (p *portalSession) openRemote() (int, error) {
	var fd dbus.UnixFD
	if err := p.portal.Call(screenCastIface+".OpenPipeWireRemote", 0, p.path, map[string]dbus.Variant{}).Store(&fd); err != nil {
		return -1, fmt.Errorf("OpenPipeWireRemote: %w", err)
	}
	return int(fd), nil
}

func (p *portalSession) Close() {
	if p.path != "" {
		p.conn.Object(portalName, p.path).Call(sessionCloseCall, 0)
		p.path = ""
	}
}

// portalBackend captures through xdg-desktop-portal and PipeWire. The
// portal chooses the output with the user, so the name is advisory.
type portalBackend struct {
	name          string
	includeCursor bool
	fps           int
	logger        *zap.Logger

	session *portalSession
	stream  frameStream
	size    portalStream
	wait    time.Duration
}

func openPortal(name string, includeCursor bool, fps int, logger *zap.Logger) (Backend, error) {
	if openPipeWire == nil {
		return nil, fmt.Errorf("%w: built without PipeWire support", ErrBackendUnavailable)
	}
	if fps <= 0 {
		fps = DefaultFPS
	}
	b := &portalBackend{
		name:          name,
		includeCursor: includeCursor,
		fps:           fps,
		logger:        logger.With(zap.String("backend", "portal")),
		wait:          time.Second / time.Duration(fps),
	}
	if err := b.start(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *portalBackend) start() error {
	sess, err := newPortalSession()
	if err != nil {
		return err
	}
	streams, err := sess.negotiate(b.includeCursor)
	if err != nil {
		sess.Close()
		if errors.Is(err, errPortalCancelled) {
			return fmt.Errorf("%w: %v", ErrNoOutput, err)
		}
		if errors.Is(err, ErrNoOutput) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	fd, err := sess.openRemote()
	if err != nil {
		sess.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stream, err := openPipeWire(fd, streams[0].node, b.fps, b.logger)
	syscall.Close(fd)
	if err != nil {
		sess.Close()
		return err
	}
	b.session, b.stream, b.size = sess, stream, streams[0]
	if b.name != "" {
		b.logger.Info("portal selects the output interactively; requested name is advisory",
			zap.String("requested", b.name))
	}
	return nil
}

func (b *portalBackend) Size() (int, int) { return b.size.width, b.size.height }

func (b *portalBackend) CaptureOnce(bool) (*types.PixelBuffer, error) {
	if b.stream == nil {
		return nil, ErrResetRequired
	}
	buf, err := b.stream.Latest(b.wait)
	if err != nil {
		return nil, err
	}
	b.size.width, b.size.height = buf.Width, buf.Height
	return buf, nil
}

func (b *portalBackend) Reinit() error {
	b.Close()
	return b.start()
}

func (b *portalBackend) Close() {
	if b.stream != nil {
		b.stream.Close()
		b.stream = nil
	}
	if b.session != nil {
		b.session.Close()
		b.session = nil
	}
}

// listPortal cannot ask the portal without prompting, so it reads
// wlr-randr or the XWayland RandR monitors instead.
func listPortal() ([]types.ScreenInfo, error) {
	if screens, err := listWlrRandr(); err == nil && len(screens) > 0 {
		return screens, nil
	}
	driversMu.RLock()
	x11, ok := drivers[platform.DesktopX11]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no screen enumeration available", ErrUnsupported)
	}
	return x11.list()
}
