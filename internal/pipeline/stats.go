package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"reelcast/internal/queue"
	"reelcast/internal/types"
)

// reportStats logs process CPU and memory with the queue drop counters every
// interval until ctx is done.
func (s *Session) reportStats(ctx context.Context, raw, composed *queue.Queue[*types.PixelBuffer], interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.logger.Debug("process stats unavailable", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fields := []zap.Field{
			zap.Uint64("raw_dropped", raw.Dropped()),
			zap.Uint64("composed_dropped", composed.Dropped()),
		}
		if proc != nil {
			if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
				fields = append(fields, zap.Float64("cpu_percent", pct))
			}
			if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
				fields = append(fields, zap.Uint64("rss_mb", mem.RSS/1024/1024))
			}
		}
		s.logger.Info("session stats", fields...)
	}
}

// serveMetrics exposes g on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
