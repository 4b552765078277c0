// Package server is the WHEP HTTP surface: offer/answer, trickle ICE,
// teardown, the built-in test client and the metrics endpoint.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"reelcast/internal/logging"
	"reelcast/internal/metrics"
	"reelcast/internal/session"
	"reelcast/internal/sink/whep"
	"reelcast/web"
)

const (
	DefaultAnswerTimeout = 10 * time.Second

	maxOfferBytes = 1 << 20
	idDigits      = 16
)

// ErrUnauthorized is returned by the auth check for a missing or wrong token.
var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	Addr  string
	Token string
	// TLS, when set, serves HTTPS.
	TLS           *tls.Config
	AnswerTimeout time.Duration
	Session       session.Config
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg     Config
	bc      *whep.Broadcaster
	logger  *zap.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux

	// newSession is replaced in tests.
	newSession func(id string) (*session.Session, error)
}

func New(cfg Config, bc *whep.Broadcaster, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	s := &Server{
		cfg:     cfg,
		bc:      bc,
		logger:  logging.OrNop(logger).Named("server"),
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.newSession = func(id string) (*session.Session, error) {
		return session.New(id, s.cfg.Session, s.logger)
	}

	s.handle("POST /whep", "whep", s.handleOffer)
	s.handle("PATCH /whep", "whep", s.handlePatch)
	s.handle("DELETE /whep", "whep", s.handleDelete)
	s.handle("OPTIONS /", "options", s.handleOptions)
	if cfg.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.handle("GET /", "static", http.FileServer(http.FS(web.Content)).ServeHTTP)
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		TLSConfig:         s.cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	scheme := "http"
	if s.cfg.TLS != nil {
		scheme = "https"
	}
	s.logger.Info("whep endpoint listening", zap.String("addr", ln.Addr().String()), zap.String("scheme", scheme))

	errc := make(chan error, 1)
	go func() {
		if s.cfg.TLS != nil {
			errc <- srv.ServeTLS(ln, "", "")
			return
		}
		errc <- srv.Serve(ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// handle registers fn with CORS headers and request metrics.
func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Expose-Headers", "Location")
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		s.metrics.ObserveHTTP(route, strconv.Itoa(sw.code), time.Since(start).Seconds())
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

// checkAuth accepts the token as a Bearer header or a ?token= query value.
// An empty configured token disables auth.
func (s *Server) checkAuth(r *http.Request) error {
	if s.cfg.Token == "" {
		return nil
	}
	got := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.checkAuth(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		http.Error(w, "empty offer", http.StatusBadRequest)
		return
	}

	id, err := newSessionID()
	if err != nil {
		s.logger.Error("session id", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sess, err := s.newSession(id)
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AnswerTimeout)
	defer cancel()
	answer, err := sess.Answer(ctx, string(body))
	if err != nil {
		sess.Close()
		if errors.Is(err, session.ErrBadOffer) {
			s.logger.Info("rejected offer", zap.Error(err))
			http.Error(w, "bad SDP offer", http.StatusBadRequest)
			return
		}
		s.logger.Error("answer offer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.bc.Add(id, sess); err != nil {
		s.logger.Warn("attach viewer", zap.Error(err))
		http.Error(w, "not streaming", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep?session_id="+id)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

// handlePatch applies trickled ICE candidates to a session.
func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	if err := s.checkAuth(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	v, ok := s.bc.Get(r.URL.Query().Get("session_id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sess, ok := v.(*session.Session)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOfferBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if _, err := sess.AddCandidates(string(body)); err != nil {
		s.logger.Info("trickle candidate", zap.String("session", sess.ID), zap.Error(err))
		http.Error(w, "bad candidate", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.checkAuth(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if !s.bc.Remove(r.URL.Query().Get("session_id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

var idLimit = new(big.Int).Exp(big.NewInt(10), big.NewInt(idDigits), nil)

// newSessionID returns a random 16 digit decimal id.
func newSessionID() (string, error) {
	n, err := rand.Int(rand.Reader, idLimit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", idDigits, n), nil
}
