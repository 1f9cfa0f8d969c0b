package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_bets_placed_total",
		Help: "Bets accepted by the ledger, by type.",
	}, []string{"type"})

	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_bets_rejected_total",
		Help: "Bet placements rejected at validation, by reason.",
	}, []string{"reason"})

	MatchesExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_matches_total",
		Help: "Fills produced by the matching engine.",
	})

	MatchedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_matched_volume",
		Help: "Total stake volume matched.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_market_transitions_total",
		Help: "Market lifecycle transitions, by target state.",
	}, []string{"to"})

	BetsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_bets_resolved_total",
		Help: "Bets resolved by the settlement processor, by result.",
	}, []string{"result"})

	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_payout_failures_total",
		Help: "Account-service adjustments that failed and will be retried.",
	})

	PlaceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_place_bet_seconds",
		Help:    "End-to-end bet placement latency, including matching.",
		Buckets: prometheus.DefBuckets,
	})
)

type HealthFunc func(ctx context.Context) error

// StartServer runs a small HTTP server that serves only /metrics and
// /healthz, on its own port, detached from the public API.
func StartServer(port string, healthFn HealthFunc) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
