// Package engine runs the quoting loop: stop-loss exits, fill detection, market selection
// and quote maintenance, once per jittered refresh interval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/execution"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/jitter"
	"lpbot-go/internal/journal"
	"lpbot-go/internal/market"
	"lpbot-go/internal/metrics"
	"lpbot-go/internal/quote"
	"lpbot-go/internal/risk"
	"lpbot-go/internal/signal"
	"lpbot-go/internal/stoploss"
	"lpbot-go/internal/util"
)

// QuoteSource tags liquidity quotes in signals and the journal.
const QuoteSource = "lp_quote"

// MarketSource lists reward-eligible markets.
type MarketSource interface {
	Markets(ctx context.Context) ([]market.Market, error)
}

// BookSource fetches a token's order book.
type BookSource interface {
	OrderBook(ctx context.Context, tokenID string) (market.OrderBook, error)
}

// Deps are the collaborators an Engine composes.
type Deps struct {
	Markets  MarketSource
	Books    BookSource
	Prices   stoploss.PriceSource
	Pipeline *execution.Pipeline
	Gate     *risk.Gate
	Ledger   *inventory.Ledger
	Tracker  *quote.Tracker
	Planner  *quote.Planner
	Monitor  *stoploss.Monitor
	Jitter   *jitter.Jitter
	Events   events.Publisher
	Clock    util.Clock
}

// Report summarizes one cycle.
type Report struct {
	Exits     int
	Fills     int
	Scanned   int
	Eligible  int
	Placed    int
	Replaced  int
	Kept      int
	Cancelled int
	Failed    int
}

// Engine is the single cooperative loop driving every component. It is not safe to call
// RunCycle from more than one goroutine.
type Engine struct {
	log zerolog.Logger
	cfg config.Config
	Deps
}

// New wires an engine over one config snapshot.
func New(log zerolog.Logger, cfg config.Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Markets == nil, deps.Books == nil, deps.Prices == nil:
		return nil, errors.New("engine: market data sources are required")
	case deps.Pipeline == nil, deps.Gate == nil, deps.Ledger == nil:
		return nil, errors.New("engine: pipeline, gate and ledger are required")
	}
	if deps.Tracker == nil {
		deps.Tracker = quote.NewTracker(log, cfg.FillCooldown(), deps.Events)
	}
	if deps.Planner == nil {
		deps.Planner = quote.NewPlanner(log)
	}
	if deps.Monitor == nil {
		deps.Monitor = stoploss.NewMonitor(log, cfg, deps.Events)
	}
	if deps.Jitter == nil {
		deps.Jitter = jitter.Seeded(time.Now().UnixNano())
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Clock == nil {
		deps.Clock = util.SystemClock{}
	}
	return &Engine{log: log, cfg: cfg, Deps: deps}, nil
}

// Restore rebuilds state from the trade journal: today's placed volume seeds the daily
// cap and, in paper mode, fills replay into the ledger. Open positions then seed the
// stop-loss monitor.
func (e *Engine) Restore(path string) error {
	now := e.Clock.Now()
	if path != "" {
		volume, err := journal.VolumeOn(path, now)
		if err != nil {
			return fmt.Errorf("restore volume: %w", err)
		}
		e.Gate.Volume().Seed(risk.Day(now), volume)

		if e.cfg.App.DryRun {
			replayed := inventory.NewLedger(e.cfg.Risk.StartingBalance)
			fills := 0
			skipped, err := journal.Replay(path, func(entry journal.Entry) {
				if entry.Kind != journal.KindFill || !entry.DryRun {
					return
				}
				err := replayed.UpdateOnFill(inventory.Fill{
					MarketID: entry.MarketID,
					TokenID:  entry.TokenID,
					Side:     signal.TokenSide(entry.Side),
					Action:   signal.Action(entry.Action),
					Size:     entry.FillSize,
					Price:    entry.FillPrice,
					Fee:      entry.Fee,
					At:       entry.Time,
				})
				if err != nil {
					e.log.Warn().Err(err).Str("order_id", entry.OrderID).Msg("journal fill not replayable")
					return
				}
				fills++
			})
			if err != nil {
				return fmt.Errorf("restore ledger: %w", err)
			}
			if fills > 0 {
				e.Ledger.Reconcile(replayed.Balance(), replayed.Positions())
			}
			e.log.Info().
				Int("fills", fills).
				Int("skipped", skipped).
				Float64("balance", e.Ledger.Balance()).
				Float64("volume_today", volume).
				Msg("restored state from journal")
		}
	}
	e.Monitor.Seed(e.Ledger.Positions())
	metrics.BalanceUSD.Set(e.Ledger.Balance())
	metrics.ExposureUSD.Set(e.Ledger.Exposure())
	return nil
}

// RunCycle performs one pass. It returns the session's HaltError once the drawdown kill
// switch has fired, after pulling every resting quote. Market data failures abort the
// quoting half of the cycle and are returned; quotes stay as they were.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	var rep Report
	if err := e.Gate.Session().Err(); err != nil {
		rep.Cancelled = e.CancelAll(ctx)
		return rep, err
	}
	now := e.Clock.Now()

	rep.Exits = e.runStopLoss(ctx, now)
	rep.Fills = e.detectFills(ctx, now)

	markets, err := e.Markets.Markets(ctx)
	if err != nil && len(markets) == 0 {
		return rep, fmt.Errorf("fetch markets: %w", err)
	}
	if err != nil {
		e.log.Warn().Err(err).Int("markets", len(markets)).Msg("partial market list")
	}
	rep.Scanned = len(markets)

	pre := market.Prefilter(markets, e.Tracker, e.cfg, now)
	books := e.fetchBooks(ctx, pre.Ranked)
	sel := market.Select(pre.Ranked, books, e.Tracker, e.cfg, now)
	rejected := append(pre.Rejected, sel.Rejected...)
	for _, rej := range rejected {
		metrics.MarketsFilteredTotal.WithLabelValues(string(rej.Reason)).Inc()
		e.Events.Publish(events.Event{Type: events.MarketFiltered, MarketID: rej.MarketID, Reason: string(rej.Reason), At: now})
		if rej.Err != nil {
			e.log.Debug().Err(rej.Err).Str("market", rej.MarketID).Msg("market metadata rejected")
		}
	}
	rep.Eligible = len(sel.Ranked)

	plan := e.Planner.Fill(sel.Ranked, books, e.Tracker, e.cfg)
	keep := make(map[string]struct{}, len(plan.Active))
	for _, d := range plan.Active {
		keep[d.MarketID] = struct{}{}
	}
	for _, q := range e.Tracker.Quotes() {
		if _, ok := keep[q.MarketID]; ok {
			continue
		}
		if e.cancelQuote(ctx, q, "deselected") {
			rep.Cancelled++
		}
	}

	for _, d := range plan.Active {
		if e.Gate.Session().Halted() {
			break
		}
		switch d.Action {
		case quote.Keep:
			rep.Kept++
		case quote.Replace:
			if d.Existing != nil {
				if !e.cancelQuote(ctx, *d.Existing, "refresh") {
					rep.Failed++
					continue
				}
				rep.Cancelled++
			}
			if e.place(ctx, d) {
				rep.Replaced++
			} else {
				rep.Failed++
			}
		case quote.Place:
			if e.place(ctx, d) {
				rep.Placed++
			} else {
				rep.Failed++
			}
		}
	}

	quoted := len(e.Tracker.Quotes())
	metrics.QuotedMarkets.Set(float64(quoted))
	metrics.BalanceUSD.Set(e.Ledger.Balance())
	metrics.ExposureUSD.Set(e.Ledger.Exposure())
	metrics.CyclesTotal.Inc()
	e.Events.Publish(events.Event{
		Type:   events.MarketScanned,
		Amount: float64(rep.Eligible),
		Size:   float64(quoted),
		Reason: fmt.Sprintf("scanned=%d eligible=%d quoted=%d", rep.Scanned, rep.Eligible, quoted),
		At:     now,
	})
	e.log.Info().
		Int("scanned", rep.Scanned).
		Int("eligible", rep.Eligible).
		Int("placed", rep.Placed).
		Int("replaced", rep.Replaced).
		Int("kept", rep.Kept).
		Int("cancelled", rep.Cancelled).
		Int("fills", rep.Fills).
		Int("exits", rep.Exits).
		Float64("balance", e.Ledger.Balance()).
		Msg("cycle complete")

	if err := e.Gate.Session().Err(); err != nil {
		rep.Cancelled += e.CancelAll(ctx)
		return rep, err
	}
	return rep, nil
}

func (e *Engine) runStopLoss(ctx context.Context, now time.Time) int {
	exits := 0
	for _, sig := range e.Monitor.Scan(ctx, e.Ledger, e.Prices, now) {
		metrics.StopLossTotal.Inc()
		res := e.Pipeline.Execute(ctx, sig)
		if !res.Success {
			e.Monitor.Rearm(sig.MarketID, sig.Side)
			e.log.Warn().Str("market", sig.MarketID).Str("reason", res.Reason).Err(res.Err).Msg("stop-loss exit not placed, retrying next cycle")
			continue
		}
		exits++
	}
	return exits
}

func (e *Engine) detectFills(ctx context.Context, now time.Time) int {
	if len(e.Tracker.Quotes()) == 0 {
		return 0
	}
	open, err := e.Pipeline.OpenOrders(ctx)
	if err != nil {
		// Without a reliable open set every quote would look filled.
		e.log.Warn().Err(err).Msg("open orders unavailable, skipping fill detection")
		return 0
	}
	fills := e.Tracker.DetectFills(open, now)
	for _, f := range fills {
		metrics.FillsTotal.Inc()
		fill := inventory.Fill{
			MarketID: f.Quote.MarketID,
			TokenID:  f.Quote.TokenID,
			Side:     f.Quote.Side,
			Action:   signal.Buy,
			Size:     f.Quote.Size,
			Price:    f.Quote.Price,
			At:       f.DetectedAt,
		}
		if err := e.Pipeline.ApplyFill(fill, f.Quote.OrderID, QuoteSource); err != nil {
			e.log.Error().Err(err).Str("market", f.Quote.MarketID).Msg("fill not booked")
		}
	}
	return len(fills)
}

func (e *Engine) fetchBooks(ctx context.Context, markets []market.Market) map[string]market.OrderBook {
	books := make(map[string]market.OrderBook, len(markets)*2)
	for _, m := range markets {
		for _, side := range []signal.TokenSide{signal.Yes, signal.No} {
			tok, ok := m.Token(side)
			if !ok {
				continue
			}
			book, err := e.Books.OrderBook(ctx, tok.ID)
			if err != nil {
				e.log.Debug().Err(err).Str("market", m.ID).Str("token", tok.ID).Msg("book unavailable")
				continue
			}
			books[tok.ID] = book
		}
	}
	return books
}

func (e *Engine) place(ctx context.Context, d quote.Decision) bool {
	sig := d.Intent.Signal(QuoteSource, e.Clock.Now())
	res := e.Pipeline.Execute(ctx, sig)
	if !res.Success {
		e.log.Info().Str("market", d.MarketID).Str("reason", res.Reason).Msg("quote not placed")
		return false
	}
	if res.Resting() {
		e.Tracker.Placed(quote.QuoteState{
			MarketID:       d.MarketID,
			TokenID:        d.Intent.TokenID,
			Side:           d.Intent.Side,
			Price:          res.Signal.Price,
			Size:           res.Size,
			MidAtPlacement: d.Intent.Mid,
			OrderID:        res.OrderID,
			PlacedAt:       e.Clock.Now(),
		})
	}
	return true
}

func (e *Engine) cancelQuote(ctx context.Context, q quote.QuoteState, why string) bool {
	if err := e.Pipeline.Cancel(ctx, q.OrderID); err != nil {
		return false
	}
	e.Tracker.Dropped(q.MarketID)
	e.log.Info().Str("market", q.MarketID).Str("order_id", q.OrderID).Str("why", why).Msg("quote cancelled")
	return true
}

// CancelAll pulls every resting quote and returns how many were cancelled.
func (e *Engine) CancelAll(ctx context.Context) int {
	n := 0
	for _, q := range e.Tracker.Quotes() {
		if e.cancelQuote(ctx, q, "shutdown") {
			n++
		}
	}
	metrics.QuotedMarkets.Set(float64(len(e.Tracker.Quotes())))
	return n
}

// Run loops RunCycle until ctx is cancelled or the kill switch fires, sleeping a jittered
// refresh interval between cycles. On the way out every resting quote is cancelled on a
// fresh context so shutdown is not blocked by the cancelled parent.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info().Bool("dry_run", e.cfg.App.DryRun).Dur("interval", e.cfg.RefreshInterval()).Msg("engine started")
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout()+5*time.Second)
		defer cancel()
		if n := e.CancelAll(cleanup); n > 0 {
			e.log.Info().Int("cancelled", n).Msg("resting quotes pulled")
		}
		e.log.Info().Msg("engine stopped")
	}()

	for {
		_, err := e.RunCycle(ctx)
		var halt *risk.HaltError
		switch {
		case errors.As(err, &halt):
			e.log.Error().Bool("alert", true).Err(err).Msg("trading halted")
			return err
		case err != nil:
			e.log.Warn().Err(err).Msg("cycle aborted")
		}

		delay := e.Jitter.Delay(e.cfg.RefreshInterval(), e.cfg.AntiDetection.TimingJitterPct)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
