package execution

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/jitter"
	"lpbot-go/internal/journal"
	"lpbot-go/internal/risk"
	"lpbot-go/internal/signal"
	"lpbot-go/internal/util"
)

type fakeVenue struct {
	placed    []Order
	fill      bool
	placeErr  error
	cancelN   int
	cancelErr error
}

func (v *fakeVenue) Place(_ context.Context, order Order) (Placement, error) {
	if v.placeErr != nil {
		return Placement{}, v.placeErr
	}
	v.placed = append(v.placed, order)
	p := Placement{OrderID: "ord-" + order.MarketID}
	if v.fill || order.Action == signal.Sell {
		p.FilledSize = order.Size
		p.FillPrice = order.Price
	}
	return p, nil
}

func (v *fakeVenue) Cancel(context.Context, string) (int, error) { return v.cancelN, v.cancelErr }

func (v *fakeVenue) OpenOrders(context.Context) ([]string, error) { return nil, nil }

type memJournal struct{ entries []journal.Entry }

func (m *memJournal) Record(e journal.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	pipeline *Pipeline
	venue    *fakeVenue
	ledger   *inventory.Ledger
	gate     *risk.Gate
	journal  *memJournal
	events   *events.Recorder
}

func newHarness(t *testing.T, log zerolog.Logger, balance float64) harness {
	t.Helper()
	cfg := config.Default()
	h := harness{
		venue:   &fakeVenue{},
		ledger:  inventory.NewLedger(balance),
		journal: &memJournal{},
		events:  &events.Recorder{},
	}
	h.gate = risk.NewGate(log, risk.NewSession(), risk.NewVolumeBook(), h.events)
	h.pipeline = NewPipeline(log, cfg, h.gate, jitter.Seeded(5), h.venue, h.ledger,
		WithJournal(h.journal), WithEvents(h.events), WithClock(util.NewManualClock(start)))
	return h
}

func buy(size, price float64) signal.Signal {
	return signal.New("m1", "m1-yes", signal.Yes, signal.Buy, size, price, "liquidity", start)
}

func TestExecuteRestingBuy(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	res := h.pipeline.Execute(context.Background(), buy(40, 0.5))
	if !res.Success || !res.Resting() {
		t.Fatalf("expected resting success, got %+v", res)
	}
	if len(h.venue.placed) != 1 {
		t.Fatalf("expected one placement")
	}
	if got := h.venue.placed[0].Size; got < 36 || got > 44 {
		t.Fatalf("jittered size %.4f outside +/-10%%", got)
	}
	if h.ledger.Balance() != 500 || h.ledger.PositionCount() != 0 {
		t.Fatalf("resting order must not touch the ledger")
	}
	if vol := h.gate.Volume().Today(start); math.Abs(vol-res.Signal.Notional()) > 1e-9 {
		t.Fatalf("expected volume %.4f, got %.4f", res.Signal.Notional(), vol)
	}
	if len(h.journal.entries) != 1 || h.journal.entries[0].Kind != journal.KindPlaced {
		t.Fatalf("expected one placed journal entry, got %+v", h.journal.entries)
	}
	if h.events.Count(events.TradeExecuted) != 1 {
		t.Fatalf("expected TRADE_EXECUTED event")
	}
}

func TestExecuteJitterNeverDropsBelowMinSize(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	below := 0
	for i := 0; i < 12; i++ {
		res := h.pipeline.Execute(context.Background(), buy(40, 0.5).WithMinSize(40))
		if !res.Success {
			t.Fatalf("execute %d failed: %s", i, res.Reason)
		}
		if res.Size < 40-1e-9 {
			t.Fatalf("jittered size %.4f below reward minimum", res.Size)
		}
	}
	// Without a floor the same jitter does draw below.
	for i := 0; i < 12; i++ {
		if res := h.pipeline.Execute(context.Background(), buy(40, 0.5)); res.Size < 40 {
			below++
		}
	}
	if below == 0 {
		t.Fatalf("expected unfloored jitter to draw below 40 at least once")
	}
}

func TestExecuteMinSizeFloorCappedByGate(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	// Trade size cap shrinks 100@0.5 to 50 shares; the floor must not lift it back.
	res := h.pipeline.Execute(context.Background(), buy(100, 0.5).WithMinSize(80))
	if !res.Success {
		t.Fatalf("expected success, got %s", res.Reason)
	}
	if res.Size > 55+1e-9 || res.Size < 50-1e-9 {
		t.Fatalf("expected size floored at the gate-approved 50, got %.4f", res.Size)
	}
}

func TestExecuteImmediateFillUpdatesLedger(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	h.venue.fill = true
	res := h.pipeline.Execute(context.Background(), buy(40, 0.5))
	if !res.Success || res.FillSize == 0 {
		t.Fatalf("expected filled result, got %+v", res)
	}
	pos, ok := h.ledger.Position("m1", signal.Yes)
	if !ok || math.Abs(pos.Size-res.FillSize) > 1e-9 {
		t.Fatalf("ledger not updated: %+v", pos)
	}
	if math.Abs(h.ledger.Balance()-(500-res.FillSize*0.5)) > 1e-9 {
		t.Fatalf("unexpected balance %.4f", h.ledger.Balance())
	}
	if len(h.journal.entries) != 2 || h.journal.entries[1].Kind != journal.KindFill {
		t.Fatalf("expected placed and fill entries, got %+v", h.journal.entries)
	}
}

func TestExecuteRejectionHasNoSideEffects(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 100)
	res := h.pipeline.Execute(context.Background(), buy(40, 0.5))
	if res.Success || res.Reason != string(risk.DrawdownHalt) {
		t.Fatalf("expected drawdown rejection, got %+v", res)
	}
	if len(h.venue.placed) != 0 || len(h.journal.entries) != 0 || h.events.Count(events.TradeExecuted) != 0 {
		t.Fatalf("rejection leaked side effects")
	}
	if h.pipeline.State() != Halted {
		t.Fatalf("expected HALTED state")
	}
}

func TestExecuteVenueFailure(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	h.venue.placeErr = errors.New("503")
	res := h.pipeline.Execute(context.Background(), buy(40, 0.5))
	if res.Success || res.Err == nil {
		t.Fatalf("expected failure, got %+v", res)
	}
	if h.gate.Volume().Today(start) != 0 || len(h.journal.entries) != 0 {
		t.Fatalf("failed placement must not be booked")
	}
	if h.pipeline.State() != Active {
		t.Fatalf("venue failure must not halt")
	}
}

func TestExecuteSellNeverExceedsPosition(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	_ = h.ledger.UpdateOnFill(inventory.Fill{MarketID: "m1", TokenID: "m1-yes", Side: signal.Yes, Action: signal.Buy, Size: 10, Price: 0.4})

	for i := 0; i < 20; i++ {
		if _, ok := h.ledger.Position("m1", signal.Yes); !ok {
			break
		}
		pos, _ := h.ledger.Position("m1", signal.Yes)
		sell := signal.New("m1", "m1-yes", signal.Yes, signal.Sell, pos.Size, 0.2, "stoploss", start)
		res := h.pipeline.Execute(context.Background(), sell)
		if !res.Success || res.Err != nil {
			t.Fatalf("sell failed: %+v", res)
		}
		if res.Size > pos.Size+1e-9 {
			t.Fatalf("sold %.4f of %.4f held", res.Size, pos.Size)
		}
	}
}

func TestCancelZeroAffectedIsSuccess(t *testing.T) {
	h := newHarness(t, zerolog.Nop(), 500)
	if err := h.pipeline.Cancel(context.Background(), "gone"); err != nil {
		t.Fatalf("expected zero-affected cancel to succeed, got %v", err)
	}
	h.venue.cancelErr = errors.New("boom")
	if err := h.pipeline.Cancel(context.Background(), "x"); err == nil {
		t.Fatalf("expected cancel error")
	}
	if err := h.pipeline.Cancel(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestExecuteLogsOrder(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, zerolog.New(&buf), 500)
	h.pipeline.Execute(context.Background(), buy(10, 0.5))
	out := buf.String()
	if !strings.Contains(out, "order placed") || !strings.Contains(out, `"market":"m1"`) {
		t.Fatalf("log does not contain order: %s", out)
	}
}
