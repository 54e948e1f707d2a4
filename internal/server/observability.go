package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigbes/netmeter/internal/config"
)

// ObservabilityHandler serves /metrics and /debug/pprof/ as enabled in obs.
func ObservabilityHandler(obs config.ObservabilityConfig) http.Handler {
	mux := http.NewServeMux()
	if obs.Pprof {
		// net/http/pprof registers on DefaultServeMux in its init.
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	}
	if obs.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// RunObservability serves ObservabilityHandler on obs.Addr until ctx is
// cancelled.
func RunObservability(ctx context.Context, obs config.ObservabilityConfig, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              obs.Addr,
		Handler:           ObservabilityHandler(obs),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: observability: %w", err)
	}
	return nil
}
