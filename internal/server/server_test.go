package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"

	"reelcast/internal/metrics"
	"reelcast/internal/session"
	"reelcast/internal/sink/whep"
)

const testToken = "s3cret"

var locationRE = regexp.MustCompile(`^/whep\?session_id=[0-9]{16}$`)

func newTestServer(t *testing.T, token string) (*httptest.Server, *whep.Broadcaster) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	bc := whep.New(whep.Config{FPS: 25, Audio: true}, nil, whep.WithMetrics(m))
	s := New(Config{
		Token:    token,
		Session:  session.Config{Audio: true},
		Gatherer: reg,
	}, bc, m, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = bc.Close()
	})
	return ts, bc
}

// viewer is the browser side of a WHEP exchange.
func viewer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Fatal(err)
		}
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	select {
	case <-gathered:
	case <-time.After(10 * time.Second):
		t.Fatal("offer gathering timed out")
	}
	return pc, pc.LocalDescription().SDP
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestOfferAnswerAndDelete(t *testing.T) {
	t.Parallel()
	ts, bc := newTestServer(t, testToken)
	pc, offer := viewer(t)

	resp := do(t, http.MethodPost, ts.URL+"/whep", offer, map[string]string{
		"Content-Type":  "application/sdp",
		"Authorization": "Bearer " + testToken,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /whep = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/sdp" {
		t.Errorf("Content-Type = %q", ct)
	}
	loc := resp.Header.Get("Location")
	if !locationRE.MatchString(loc) {
		t.Fatalf("Location = %q", loc)
	}
	answer, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(answer), "a=group:BUNDLE") {
		t.Error("answer has no BUNDLE group")
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(answer)}); err != nil {
		t.Fatalf("viewer rejected answer: %v", err)
	}

	id := strings.TrimPrefix(loc, "/whep?session_id=")
	if got := bc.Sessions(); len(got) != 1 || got[0] != id {
		t.Fatalf("sessions = %v, want [%s]", got, id)
	}

	auth := map[string]string{"Authorization": "Bearer " + testToken}
	if resp := do(t, http.MethodDelete, ts.URL+loc, "", auth); resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE = %d", resp.StatusCode)
	}
	if got := bc.Sessions(); len(got) != 0 {
		t.Fatalf("sessions after DELETE = %v", got)
	}
	if resp := do(t, http.MethodDelete, ts.URL+loc, "", auth); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second DELETE = %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, testToken)
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{name: "no token", path: "/whep", want: http.StatusUnauthorized},
		{name: "wrong bearer", path: "/whep", header: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "wrong query", path: "/whep?token=nope", want: http.StatusUnauthorized},
		// authorized requests get past auth and fail on the empty body
		{name: "bearer", path: "/whep", header: map[string]string{"Authorization": "Bearer " + testToken}, want: http.StatusBadRequest},
		{name: "query", path: "/whep?token=" + testToken, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp := do(t, http.MethodPost, ts.URL+tt.path, "", tt.header)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestBadOffer(t *testing.T) {
	t.Parallel()
	ts, bc := newTestServer(t, "")
	resp := do(t, http.MethodPost, ts.URL+"/whep", "v=0\r\nnot an offer\r\n", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if n := len(bc.Sessions()); n != 0 {
		t.Fatalf("%d sessions left behind", n)
	}
}

func TestUnknownSession(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, "")
	for _, method := range []string{http.MethodPatch, http.MethodDelete} {
		resp := do(t, method, ts.URL+"/whep?session_id=0000000000000000", "a=candidate:1 1 udp 1 192.0.2.1 9 typ host\r\n", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s unknown session = %d", method, resp.StatusCode)
		}
	}
}

func TestOptionsAndStatic(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, testToken)

	resp := do(t, http.MethodOptions, ts.URL+"/whep", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("OPTIONS = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Errorf("Allow-Methods = %q", got)
	}

	tests := []struct {
		path, contains string
	}{
		{"/", "<video"},
		{"/whep.js", "WHEPClient"},
		{"/favicon.ico", ""},
		{"/metrics", "reelcast_http_requests_total"},
	}
	for _, tt := range tests {
		resp := do(t, http.MethodGet, ts.URL+tt.path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", tt.path, resp.StatusCode)
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), tt.contains) {
			t.Errorf("GET %s body lacks %q", tt.path, tt.contains)
		}
	}
}

func TestSessionID(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := newSessionID()
		if err != nil {
			t.Fatal(err)
		}
		if !regexp.MustCompile(`^[0-9]{16}$`).MatchString(id) {
			t.Fatalf("id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
