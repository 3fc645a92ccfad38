package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/execution"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/jitter"
	"lpbot-go/internal/journal"
	"lpbot-go/internal/market"
	"lpbot-go/internal/paper"
	"lpbot-go/internal/quote"
	"lpbot-go/internal/risk"
	"lpbot-go/internal/signal"
	"lpbot-go/internal/util"
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeData struct {
	markets   []market.Market
	books     map[string]market.OrderBook
	prices    map[string]float64
	marketErr error
}

func (f *fakeData) Markets(context.Context) ([]market.Market, error) {
	return f.markets, f.marketErr
}

func (f *fakeData) OrderBook(_ context.Context, tokenID string) (market.OrderBook, error) {
	book, ok := f.books[tokenID]
	if !ok {
		return market.OrderBook{}, errors.New("no book")
	}
	return book, nil
}

func (f *fakeData) SellPrice(_ context.Context, tokenID string) (float64, error) {
	price, ok := f.prices[tokenID]
	if !ok {
		return 0, errors.New("no price")
	}
	return price, nil
}

func (f *fakeData) setBook(m market.Market, bids []float64, ask float64) {
	levels := make([]market.Level, len(bids))
	for i, b := range bids {
		levels[i] = market.Level{Price: b, Size: 100}
	}
	tok := m.Tokens[0].ID
	f.books[tok] = market.NewOrderBook(tok, levels, []market.Level{{Price: ask, Size: 100}})
}

func lpMarket(id string, reward float64) market.Market {
	return market.Market{
		ID:                 id,
		Question:           "Will " + id + " resolve YES?",
		Tokens:             []market.Token{{ID: id + "-yes", Outcome: "Yes"}, {ID: id + "-no", Outcome: "No"}},
		EndDate:            start.Add(10 * 24 * time.Hour).Format(time.RFC3339),
		MaxIncentiveSpread: 0.05,
		MinIncentiveSize:   20,
		DailyReward:        reward,
		Active:             true,
	}
}

type harness struct {
	engine *Engine
	data   *fakeData
	venue  *paper.Venue
	ledger *inventory.Ledger
	gate   *risk.Gate
	events *events.Recorder
	clock  *util.ManualClock
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Liquidity.OrderSizeUSD = 20
	cfg.AntiDetection.SizeJitterPct = 0
	return cfg
}

func newHarness(t *testing.T, cfg config.Config, balance, fillProb float64) *harness {
	t.Helper()
	log := zerolog.Nop()
	rec := &events.Recorder{}
	clock := util.NewManualClock(start)
	ledger := inventory.NewLedger(balance)
	gate := risk.NewGate(log, risk.NewSession(), risk.NewVolumeBook(), rec)
	venue := paper.NewVenue(log, fillProb, 7, clock)
	j := jitter.Seeded(1)
	pipeline := execution.NewPipeline(log, cfg, gate, j, venue, ledger, execution.WithEvents(rec), execution.WithClock(clock))
	data := &fakeData{books: map[string]market.OrderBook{}, prices: map[string]float64{}}

	eng, err := New(log, cfg, Deps{
		Markets:  data,
		Books:    data,
		Prices:   data,
		Pipeline: pipeline,
		Gate:     gate,
		Ledger:   ledger,
		Tracker:  quote.NewTracker(log, cfg.FillCooldown(), rec),
		Jitter:   j,
		Events:   rec,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &harness{engine: eng, data: data, venue: venue, ledger: ledger, gate: gate, events: rec, clock: clock}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func (h *harness) twoMarkets() (market.Market, market.Market) {
	m1, m2 := lpMarket("m1", 20), lpMarket("m2", 10)
	cheap := lpMarket("cheap", 0.5)
	h.data.markets = []market.Market{m2, cheap, m1}
	h.data.setBook(m1, []float64{0.48, 0.47}, 0.52)
	h.data.setBook(m2, []float64{0.48, 0.47}, 0.52)
	h.data.setBook(cheap, []float64{0.48, 0.47}, 0.52)
	return m1, m2
}

func TestNewRequiresSources(t *testing.T) {
	if _, err := New(zerolog.Nop(), config.Default(), Deps{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}

func TestCyclePlacesThenKeepsQuotes(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	h.twoMarkets()
	ctx := context.Background()

	rep, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Placed != 2 || rep.Eligible != 2 || rep.Scanned != 3 {
		t.Fatalf("unexpected first cycle report: %+v", rep)
	}
	if h.venue.Resting() != 2 {
		t.Fatalf("expected 2 resting bids, got %d", h.venue.Resting())
	}
	q, ok := h.engine.Tracker.Quote("m1")
	if !ok || q.Price != 0.47 || q.Side != signal.Yes || !near(q.Size, 20/0.47) {
		t.Fatalf("unexpected quote for m1: %+v", q)
	}
	if h.events.Count(events.MarketFiltered) != 1 || h.events.Count(events.MarketScanned) != 1 {
		t.Fatalf("expected one filtered and one scanned event, got %+v", h.events.Events())
	}
	if h.ledger.PositionCount() != 0 {
		t.Fatalf("resting quotes must not open positions")
	}

	rep, err = h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Kept != 2 || rep.Placed != 0 || rep.Cancelled != 0 {
		t.Fatalf("expected quotes kept, got %+v", rep)
	}
	if h.venue.Resting() != 2 {
		t.Fatalf("expected quotes untouched, got %d resting", h.venue.Resting())
	}
}

func TestCycleReplacesOnDrift(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	m1, _ := h.twoMarkets()
	ctx := context.Background()
	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	before, _ := h.engine.Tracker.Quote("m1")

	h.data.setBook(m1, []float64{0.58, 0.57}, 0.62)
	rep, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Replaced != 1 || rep.Kept != 1 || rep.Cancelled != 1 {
		t.Fatalf("expected one replace and one keep, got %+v", rep)
	}
	after, _ := h.engine.Tracker.Quote("m1")
	if after.OrderID == before.OrderID || after.Price != 0.57 || !near(after.MidAtPlacement, 0.60) {
		t.Fatalf("expected refreshed quote, got %+v", after)
	}
	if h.venue.Resting() != 2 {
		t.Fatalf("expected old bid cancelled, got %d resting", h.venue.Resting())
	}
}

func TestCycleCancelsDeselectedMarkets(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	m1, _ := h.twoMarkets()
	ctx := context.Background()
	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	h.data.markets = []market.Market{m1}
	rep, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Cancelled != 1 || rep.Kept != 1 {
		t.Fatalf("expected m2 cancelled, got %+v", rep)
	}
	if _, ok := h.engine.Tracker.Quote("m2"); ok {
		t.Fatalf("m2 quote should be dropped")
	}
	if h.venue.Resting() != 1 {
		t.Fatalf("expected 1 resting bid, got %d", h.venue.Resting())
	}
}

func TestCycleDetectsFillsAndCoolsDown(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 1)
	h.twoMarkets()
	ctx := context.Background()
	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	h.clock.Advance(time.Minute)
	rep, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Fills != 2 || rep.Placed != 0 {
		t.Fatalf("expected 2 fills and no new quotes during cooldown, got %+v", rep)
	}
	if h.ledger.PositionCount() != 2 || !near(h.ledger.Balance(), 460) {
		t.Fatalf("expected fills booked, got %d positions balance %.4f", h.ledger.PositionCount(), h.ledger.Balance())
	}
	st := h.engine.Tracker.State("m1")
	if st.Phase != quote.Cooldown || st.Preference != signal.No {
		t.Fatalf("expected cooldown with flipped side, got %+v", st)
	}
	if h.events.Count(events.FillDetected) != 2 {
		t.Fatalf("expected 2 FILL_DETECTED events")
	}

	h.clock.Advance(testConfig().FillCooldown())
	if h.engine.Tracker.InCooldown("m1", h.clock.Now()) {
		t.Fatalf("cooldown should expire after fill_cooldown")
	}
}

func TestCycleRunsStopLossExits(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	err := h.ledger.UpdateOnFill(inventory.Fill{MarketID: "m9", TokenID: "m9-yes", Side: signal.Yes, Action: signal.Buy, Size: 40, Price: 0.5, At: start})
	if err != nil {
		t.Fatalf("seed fill: %v", err)
	}
	if err := h.engine.Restore(""); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	h.data.prices["m9-yes"] = 0.2

	rep, err := h.engine.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Exits != 1 {
		t.Fatalf("expected one exit, got %+v", rep)
	}
	if h.ledger.PositionCount() != 0 {
		t.Fatalf("expected position closed")
	}
	// 40 bought at 0.5, sold at 0.2*0.5.
	if !near(h.ledger.Balance(), 500-20+4) {
		t.Fatalf("unexpected balance after exit: %.4f", h.ledger.Balance())
	}
	if h.events.Count(events.StopLossTriggered) != 1 {
		t.Fatalf("expected STOPLOSS_TRIGGERED event")
	}
}

func TestCycleRetriesRejectedStopLossExit(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, 500, 0)
	err := h.ledger.UpdateOnFill(inventory.Fill{MarketID: "m9", TokenID: "m9-yes", Side: signal.Yes, Action: signal.Buy, Size: 40, Price: 0.5, At: start})
	if err != nil {
		t.Fatalf("seed fill: %v", err)
	}
	if err := h.engine.Restore(""); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	h.data.prices["m9-yes"] = 0.2
	ctx := context.Background()

	// Volume exhausted: the exit is rejected by the gate.
	h.gate.Volume().Seed(risk.Day(start), cfg.Risk.DailyVolumeCap)
	rep, err := h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}
	if rep.Exits != 0 || h.ledger.PositionCount() != 1 {
		t.Fatalf("expected rejected exit to leave the position open, got %+v", rep)
	}

	h.gate.Volume().Seed(risk.Day(start), 0)
	h.clock.Advance(cfg.RefreshInterval())
	rep, err = h.engine.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle error: %v", err)
	}
	if rep.Exits != 1 || h.ledger.PositionCount() != 0 {
		t.Fatalf("expected exit retried on the next cycle, got %+v", rep)
	}
	if h.events.Count(events.StopLossTriggered) != 2 {
		t.Fatalf("expected two STOPLOSS_TRIGGERED events, got %d", h.events.Count(events.StopLossTriggered))
	}
}

func TestCycleHaltsOnDrawdown(t *testing.T) {
	h := newHarness(t, testConfig(), 200, 0)
	h.twoMarkets()
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	var halt *risk.HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("expected HaltError, got %v", err)
	}
	if h.venue.Resting() != 0 {
		t.Fatalf("halted engine must not leave quotes resting")
	}
	if h.events.Count(events.DrawdownHalt) != 1 {
		t.Fatalf("expected one DRAWDOWN_HALT event")
	}

	rep, err := h.engine.RunCycle(ctx)
	if !errors.As(err, &halt) || rep.Placed != 0 {
		t.Fatalf("halt must be sticky, got %+v %v", rep, err)
	}
}

func TestCycleMarketFetchFailureKeepsQuotes(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	h.twoMarkets()
	ctx := context.Background()
	if _, err := h.engine.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle error: %v", err)
	}

	h.data.markets = nil
	h.data.marketErr = errors.New("gamma down")
	if _, err := h.engine.RunCycle(ctx); err == nil {
		t.Fatalf("expected error when markets cannot be fetched")
	}
	if len(h.engine.Tracker.Quotes()) != 2 || h.venue.Resting() != 2 {
		t.Fatalf("quotes should survive a data outage")
	}
}

func TestRestoreFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.jsonl")
	w, err := journal.Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	entries := []journal.Entry{
		{Time: start.Add(-time.Hour), MarketID: "m1", Kind: journal.KindPlaced, Notional: 60, DryRun: true},
		{Time: start.Add(-48 * time.Hour), MarketID: "m1", Kind: journal.KindPlaced, Notional: 999, DryRun: true},
		{Time: start.Add(-time.Hour), MarketID: "m1", TokenID: "m1-yes", Side: "YES", Action: "BUY", Kind: journal.KindFill, FillSize: 10, FillPrice: 0.5, DryRun: true},
		{Time: start.Add(-time.Hour), MarketID: "live", TokenID: "live-yes", Side: "YES", Action: "BUY", Kind: journal.KindFill, FillSize: 10, FillPrice: 0.5},
	}
	for _, e := range entries {
		if err := w.Record(e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = w.Close()

	h := newHarness(t, testConfig(), 500, 0)
	if err := h.engine.Restore(path); err != nil {
		t.Fatalf("Restore error: %v", err)
	}
	if got := h.gate.Volume().Today(start); got != 60 {
		t.Fatalf("expected today's volume 60, got %.2f", got)
	}
	if h.ledger.PositionCount() != 1 || !near(h.ledger.Balance(), 495) {
		t.Fatalf("expected paper fill replayed, got %d positions balance %.2f", h.ledger.PositionCount(), h.ledger.Balance())
	}
	if h.engine.Monitor.Tracked() != 1 {
		t.Fatalf("expected monitor seeded with restored position")
	}
}

type cancelOnScan struct {
	*events.Recorder
	cancel context.CancelFunc
}

func (c cancelOnScan) Publish(ev events.Event) {
	c.Recorder.Publish(ev)
	if ev.Type == events.MarketScanned {
		c.cancel()
	}
}

func TestRunCancelsQuotesOnShutdown(t *testing.T) {
	h := newHarness(t, testConfig(), 500, 0)
	h.twoMarkets()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Events = cancelOnScan{Recorder: h.events, cancel: cancel}

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancellation")
	}
	if h.venue.Resting() != 0 || len(h.engine.Tracker.Quotes()) != 0 {
		t.Fatalf("expected every quote cancelled on shutdown")
	}
	if len(h.venue.Fills()) != 0 {
		t.Fatalf("shutdown must not fill anything")
	}
}
