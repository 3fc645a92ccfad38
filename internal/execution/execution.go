// Package execution runs signals through the risk gate and jitter, hands them to a venue and
// books the result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/jitter"
	"lpbot-go/internal/journal"
	"lpbot-go/internal/metrics"
	"lpbot-go/internal/risk"
	"lpbot-go/internal/signal"
	"lpbot-go/internal/util"
)

// Order is a placement request the venue can process.
type Order struct {
	ClientID string
	MarketID string
	TokenID  string
	Side     signal.TokenSide
	Action   signal.Action
	Price    float64
	Size     float64
}

// Placement is the venue's answer. A resting GTC order reports FilledSize 0.
type Placement struct {
	OrderID    string
	FilledSize float64
	FillPrice  float64
	Fee        float64
}

// Venue places and cancels orders.
type Venue interface {
	Place(ctx context.Context, order Order) (Placement, error)
	// Cancel returns how many orders it removed; zero means the order was already gone.
	Cancel(ctx context.Context, orderID string) (int, error)
	OpenOrders(ctx context.Context) ([]string, error)
}

// State is the pipeline lifecycle; Halted is terminal.
type State string

const (
	Active State = "ACTIVE"
	Halted State = "HALTED"
)

// OrderResult reports what happened to one signal.
type OrderResult struct {
	Signal    signal.Signal
	Verdict   risk.Verdict
	Success   bool
	OrderID   string
	Size      float64
	FillSize  float64
	FillPrice float64
	Fee       float64
	DryRun    bool
	Reason    string
	Err       error
}

// Resting reports an accepted order that has not filled yet.
func (r OrderResult) Resting() bool { return r.Success && r.FillSize == 0 }

// Journal persists trade records.
type Journal interface {
	Record(journal.Entry) error
}

// Pipeline wires Gate -> Jitter -> Venue -> Ledger/Journal/Events.
type Pipeline struct {
	log     zerolog.Logger
	cfg     config.Config
	gate    *risk.Gate
	jitter  *jitter.Jitter
	venue   Venue
	ledger  *inventory.Ledger
	journal Journal
	events  events.Publisher
	clock   util.Clock
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithJournal persists every accepted order and fill.
func WithJournal(j Journal) Option { return func(p *Pipeline) { p.journal = j } }

// WithEvents publishes TRADE_EXECUTED events.
func WithEvents(pub events.Publisher) Option { return func(p *Pipeline) { p.events = pub } }

// WithClock overrides the wall clock.
func WithClock(c util.Clock) Option { return func(p *Pipeline) { p.clock = c } }

// NewPipeline builds a pipeline over a config snapshot.
func NewPipeline(log zerolog.Logger, cfg config.Config, gate *risk.Gate, j *jitter.Jitter, venue Venue, ledger *inventory.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:    log,
		cfg:    cfg,
		gate:   gate,
		jitter: j,
		venue:  venue,
		ledger: ledger,
		events: events.Discard,
		clock:  util.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State reports ACTIVE until the gate's session halts.
func (p *Pipeline) State() State {
	if p.gate.Session().Halted() {
		return Halted
	}
	return Active
}

func (p *Pipeline) mode() string {
	if p.cfg.App.DryRun {
		return "paper"
	}
	return "live"
}

// Execute runs one signal end to end. Rejections and venue failures come back as
// unsuccessful results; nothing is mutated for them.
func (p *Pipeline) Execute(ctx context.Context, sig signal.Signal) OrderResult {
	now := p.clock.Now()
	res := OrderResult{Signal: sig, DryRun: p.cfg.App.DryRun}

	verdict := p.gate.Check(sig, p.ledger, p.cfg, now)
	res.Verdict = verdict
	if !verdict.Allowed {
		metrics.SignalsTotal.WithLabelValues("rejected", string(verdict.Reason)).Inc()
		if verdict.Reason == risk.DrawdownHalt {
			metrics.Halted.Set(1)
		}
		res.Reason = string(verdict.Reason)
		return res
	}
	metrics.SignalsTotal.WithLabelValues("allowed", string(verdict.Reason)).Inc()

	active := *verdict.Adjusted
	size := p.jitter.Size(active.Size, p.cfg.AntiDetection.SizeJitterPct)
	switch active.Action {
	case signal.Sell:
		// Jitter must never sell more than is held.
		if pos, ok := p.ledger.Position(active.MarketID, active.Side); ok {
			size = math.Min(size, pos.Size)
		}
	case signal.Buy:
		// Quotes below the reward minimum earn nothing; never jitter under it or above
		// what the gate approved.
		if floor := math.Min(active.MinSize, active.Size); size < floor {
			size = floor
		}
	}
	if size <= 0 {
		res.Reason = "zero size after jitter"
		return res
	}
	active = active.WithSize(size)
	res.Signal = active
	res.Size = size

	placement, err := p.venue.Place(ctx, Order{
		ClientID: active.ID,
		MarketID: active.MarketID,
		TokenID:  active.TokenID,
		Side:     active.Side,
		Action:   active.Action,
		Price:    active.Price,
		Size:     size,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("market", active.MarketID).Str("action", string(active.Action)).Msg("order placement failed")
		res.Err = err
		res.Reason = "venue error"
		return res
	}

	res.Success = true
	res.OrderID = placement.OrderID
	res.FillSize = placement.FilledSize
	res.FillPrice = placement.FillPrice
	res.Fee = placement.Fee
	metrics.OrdersTotal.WithLabelValues(string(active.Action), p.mode()).Inc()

	p.gate.Volume().Add(now, active.Notional())
	p.record(active, placement, journal.KindPlaced, now)

	if placement.FilledSize > 0 {
		price := placement.FillPrice
		if price <= 0 {
			price = active.Price
		}
		fill := inventory.Fill{
			MarketID: active.MarketID,
			TokenID:  active.TokenID,
			Side:     active.Side,
			Action:   active.Action,
			Size:     placement.FilledSize,
			Price:    price,
			Fee:      placement.Fee,
			At:       now,
		}
		if err := p.ApplyFill(fill, placement.OrderID, active.Source); err != nil {
			res.Err = err
		}
	}

	p.log.Info().
		Str("market", active.MarketID).
		Str("side", string(active.Side)).
		Str("action", string(active.Action)).
		Float64("price", active.Price).
		Float64("size", size).
		Float64("filled", placement.FilledSize).
		Str("order_id", placement.OrderID).
		Str("mode", p.mode()).
		Msg("order placed")
	p.events.Publish(events.Event{
		Type:     events.TradeExecuted,
		MarketID: active.MarketID,
		TokenID:  active.TokenID,
		Side:     string(active.Side),
		Action:   string(active.Action),
		Size:     size,
		Price:    active.Price,
		Amount:   active.Notional(),
		Reason:   active.Source,
		At:       now,
	})
	return res
}

// ApplyFill books a fill into the ledger and the journal. Fill detection calls this for
// resting quotes that left the book.
func (p *Pipeline) ApplyFill(fill inventory.Fill, orderID, source string) error {
	if err := p.ledger.UpdateOnFill(fill); err != nil {
		p.log.Error().Err(err).Str("market", fill.MarketID).Str("order_id", orderID).Msg("ledger rejected fill")
		return fmt.Errorf("apply fill %s: %w", orderID, err)
	}
	if p.journal != nil {
		entry := journal.Entry{
			Time:      fill.At,
			OrderID:   orderID,
			MarketID:  fill.MarketID,
			TokenID:   fill.TokenID,
			Side:      string(fill.Side),
			Action:    string(fill.Action),
			Price:     fill.Price,
			Size:      fill.Size,
			Notional:  fill.Notional(),
			FillSize:  fill.Size,
			FillPrice: fill.Price,
			Fee:       fill.Fee,
			Source:    source,
			Kind:      journal.KindFill,
			DryRun:    p.cfg.App.DryRun,
		}
		if err := p.journal.Record(entry); err != nil {
			p.log.Warn().Err(err).Msg("journal write failed")
		}
	}
	metrics.BalanceUSD.Set(p.ledger.Balance())
	metrics.ExposureUSD.Set(p.ledger.Exposure())
	return nil
}

// Cancel removes a resting order. A venue reporting zero affected orders counts as success.
func (p *Pipeline) Cancel(ctx context.Context, orderID string) error {
	if orderID == "" {
		return errors.New("empty order id")
	}
	n, err := p.venue.Cancel(ctx, orderID)
	if err != nil {
		p.log.Warn().Err(err).Str("order_id", orderID).Msg("cancel failed")
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if n == 0 {
		p.log.Debug().Str("order_id", orderID).Msg("cancel found nothing to remove")
	}
	return nil
}

// OpenOrders proxies the venue's open order ids.
func (p *Pipeline) OpenOrders(ctx context.Context) ([]string, error) {
	return p.venue.OpenOrders(ctx)
}

func (p *Pipeline) record(sig signal.Signal, placement Placement, kind string, now time.Time) {
	if p.journal == nil {
		return
	}
	entry := journal.Entry{
		Time:      now,
		SignalID:  sig.ID,
		OrderID:   placement.OrderID,
		MarketID:  sig.MarketID,
		TokenID:   sig.TokenID,
		Side:      string(sig.Side),
		Action:    string(sig.Action),
		Price:     sig.Price,
		Size:      sig.Size,
		Notional:  sig.Notional(),
		FillSize:  placement.FilledSize,
		FillPrice: placement.FillPrice,
		Fee:       placement.Fee,
		Source:    sig.Source,
		Kind:      kind,
		DryRun:    p.cfg.App.DryRun,
	}
	if err := p.journal.Record(entry); err != nil {
		p.log.Warn().Err(err).Msg("journal write failed")
	}
}
