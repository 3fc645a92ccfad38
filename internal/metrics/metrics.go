// Package metrics registers the Prometheus series exported by the bot and serves them.
package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lpbot_signals_total", Help: "Signals evaluated by the risk gate"},
		[]string{"verdict", "reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lpbot_orders_total", Help: "Orders handed to the venue"},
		[]string{"side", "mode"},
	)
	FillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "lpbot_fills_total", Help: "Resting quotes detected as filled"},
	)
	StopLossTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "lpbot_stoploss_total", Help: "Forced exits emitted by the stop-loss monitor"},
	)
	MarketsFilteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lpbot_markets_filtered_total", Help: "Markets excluded from ranking"},
		[]string{"reason"},
	)
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "lpbot_cycles_total", Help: "Completed engine cycles"},
	)
	BalanceUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "lpbot_balance_usd", Help: "Free cash balance"},
	)
	ExposureUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "lpbot_exposure_usd", Help: "Cost basis of open positions"},
	)
	QuotedMarkets = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "lpbot_quoted_markets", Help: "Markets with a resting quote"},
	)
	Halted = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "lpbot_halted", Help: "1 once the drawdown kill switch fired"},
	)
)

func init() {
	prometheus.MustRegister(
		SignalsTotal, OrdersTotal, FillsTotal, StopLossTotal, MarketsFilteredTotal,
		CyclesTotal, BalanceUSD, ExposureUSD, QuotedMarkets, Halted,
	)
}

// Serve exposes /metrics plus any extra handlers (for example the event stream) on addr.
func Serve(addr string, mounts map[string]http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	paths := make([]string, 0, len(mounts))
	for path := range mounts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if path == "/metrics" || mounts[path] == nil {
			continue
		}
		mux.Handle(path, mounts[path])
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Handler builds the same mux as Serve without listening, for tests and embedding.
func Handler(mounts map[string]http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for path, h := range mounts {
		if path != "/metrics" && h != nil {
			mux.Handle(path, h)
		}
	}
	return mux
}
