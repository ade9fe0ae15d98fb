package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"towerward/internal/logger"
)

var (
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "towerward_connections_total",
		Help: "Connections accepted since start.",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "towerward_connections_active",
		Help: "Connections currently open.",
	})
	MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "towerward_messages_total",
		Help: "Decrypted envelopes dispatched, by type.",
	}, []string{"type"})
	MatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "towerward_matches_total",
		Help: "Matches formed by the matchmaker.",
	})
	WaitingPlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "towerward_waiting_players",
		Help: "Connections waiting in the matchmaking queue.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "towerward_auth_failures_total",
		Help: "Rejected authentication attempts, by reason.",
	}, []string{"reason"})
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "towerward_frames_dropped_total",
		Help: "Inbound frames discarded without dispatch, by reason.",
	}, []string{"reason"})
)

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve runs the metrics server until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("metrics server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
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
