package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "sentinel"

// Monitoring cycle.
var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time of a monitoring cycle.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "total",
		Help:      "Monitoring cycles by outcome.",
	}, []string{"result"}) // ok, error, overlap, locked

	AccountsProcessed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "accounts_processed",
		Help:      "Accounts scored in the most recent cycle.",
	})

	AccountsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "accounts_skipped_total",
		Help:      "Accounts skipped for a cycle by reason.",
	}, []string{"reason"})

	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "write_failures_total",
		Help:      "Failed persistence writes by record kind.",
	}, []string{"kind"})
)

// Risk.
var (
	VolatilityIndex = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "volatility_index",
		Help:      "Latest composite volatility index.",
	})

	AccountsByAction = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "accounts_by_action",
		Help:      "Accounts per recommended action in the most recent cycle.",
	}, []string{"action"})

	DangerZoneAccounts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "danger_zone_accounts",
		Help:      "Accounts below the danger-zone health factor.",
	})
)

// Alerts.
var (
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "transitions_total",
		Help:      "Alert lifecycle transitions by target status.",
	}, []string{"status"})

	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "active",
		Help:      "Alerts currently ACTIVE.",
	})
)

// Inputs.
var (
	PriceFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "fetch_failures_total",
		Help:      "Price fetches that exhausted their retry budget.",
	}, []string{"asset"})

	PriceAgeSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "age_seconds",
		Help:      "Age of the cached price at the last lookup.",
	}, []string{"asset"})

	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Push feed reconnect attempts.",
	})

	FeedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "messages_total",
		Help:      "Push feed messages by outcome.",
	}, []string{"result"}) // parsed, rejected

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the dispatch queue was full or a sink failed.",
	}, []string{"reason"})
)

// Serve exposes /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
