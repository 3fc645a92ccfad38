// Package stoploss watches open positions and emits forced exits once a loss threshold is hit.
package stoploss

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/inventory"
	"lpbot-go/internal/market"
	"lpbot-go/internal/signal"
)

// Source tags exit signals.
const Source = "stoploss"

// PriceSource quotes the price a position could be sold at right now.
type PriceSource interface {
	SellPrice(ctx context.Context, tokenID string) (float64, error)
}

// Positions is the ledger view the monitor scans.
type Positions interface {
	Positions() []inventory.Position
}

type key struct {
	market string
	side   signal.TokenSide
}

// Monitor evaluates every tracked position once per scan.
type Monitor struct {
	log    zerolog.Logger
	cfg    config.Config
	events events.Publisher

	mu      sync.Mutex
	seeded  bool
	tracked map[key]inventory.Position
	// size at the moment tracking stopped; a later size change re-arms the position
	parked map[key]float64
}

// NewMonitor builds a monitor for one config snapshot.
func NewMonitor(log zerolog.Logger, cfg config.Config, pub events.Publisher) *Monitor {
	if pub == nil {
		pub = events.Discard
	}
	return &Monitor{
		log:     log,
		cfg:     cfg,
		events:  pub,
		tracked: make(map[key]inventory.Position),
		parked:  make(map[key]float64),
	}
}

// Seed registers positions carried over from a prior run. Only the first call has any
// effect; it reports whether seeding happened.
func (m *Monitor) Seed(positions []inventory.Position) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seeded {
		return false
	}
	m.seeded = true
	for _, pos := range positions {
		m.tracked[key{pos.MarketID, pos.Side}] = pos
	}
	m.log.Info().Int("positions", len(positions)).Msg("stop-loss monitor seeded")
	return true
}

// Tracked returns how many positions are currently monitored.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Scan syncs tracking with the ledger and returns a SELL signal for every position whose
// loss fraction reached exit_loss_pct. Positions whose price cannot be fetched are skipped
// this round.
func (m *Monitor) Scan(ctx context.Context, ledger Positions, prices PriceSource, now time.Time) []signal.Signal {
	m.sync(ledger.Positions())

	m.mu.Lock()
	candidates := make([]inventory.Position, 0, len(m.tracked))
	for _, pos := range m.tracked {
		candidates = append(candidates, pos)
	}
	m.mu.Unlock()
	sortPositions(candidates)

	var out []signal.Signal
	for _, pos := range candidates {
		if ctx.Err() != nil {
			break
		}
		if pos.AvgEntryPrice <= 0 || pos.TokenID == "" {
			continue
		}
		current, err := prices.SellPrice(ctx, pos.TokenID)
		if err != nil {
			m.log.Warn().Err(err).Str("market", pos.MarketID).Str("token", pos.TokenID).Msg("stop-loss price fetch failed")
			continue
		}
		if current <= 0 {
			continue
		}
		loss := (pos.AvgEntryPrice - current) / pos.AvgEntryPrice
		if loss < m.cfg.StopLoss.ExitLossPct {
			continue
		}

		k := key{pos.MarketID, pos.Side}
		m.park(k, pos.Size)
		if pos.Size < m.cfg.StopLoss.DustShares {
			m.log.Info().Str("market", pos.MarketID).Float64("size", pos.Size).Msg("stop-loss dropped dust position")
			continue
		}

		tick := m.cfg.Liquidity.TickSize
		price := math.Max(tick, market.RoundToTick(current*m.cfg.StopLoss.PriceFactor, tick))
		sig := signal.New(pos.MarketID, pos.TokenID, pos.Side, signal.Sell, pos.Size, price, Source, now).
			WithReason("stop-loss")
		out = append(out, sig)

		m.log.Warn().
			Str("market", pos.MarketID).
			Str("side", string(pos.Side)).
			Float64("entry", pos.AvgEntryPrice).
			Float64("current", current).
			Float64("loss_pct", loss).
			Float64("exit_price", price).
			Float64("size", pos.Size).
			Msg("stop-loss triggered")
		m.events.Publish(events.Event{
			Type:     events.StopLossTriggered,
			MarketID: pos.MarketID,
			TokenID:  pos.TokenID,
			Side:     string(pos.Side),
			Action:   string(signal.Sell),
			Size:     pos.Size,
			Price:    price,
			Amount:   (pos.AvgEntryPrice - current) * pos.Size,
			Reason:   "loss threshold reached",
			Alert:    true,
			At:       now,
		})
	}
	return out
}

// sync adds new ledger positions, forgets closed ones and re-arms parked positions whose
// size changed since they were parked.
func (m *Monitor) sync(positions []inventory.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[key]struct{}, len(positions))
	for _, pos := range positions {
		k := key{pos.MarketID, pos.Side}
		live[k] = struct{}{}
		if size, ok := m.parked[k]; ok {
			if math.Abs(size-pos.Size) < 1e-9 {
				continue
			}
			delete(m.parked, k)
		}
		m.tracked[k] = pos
	}
	for k := range m.tracked {
		if _, ok := live[k]; !ok {
			delete(m.tracked, k)
		}
	}
	for k := range m.parked {
		if _, ok := live[k]; !ok {
			delete(m.parked, k)
		}
	}
}

// Rearm releases a parked position so the next scan evaluates it again. The engine calls
// it when an exit order could not be placed.
func (m *Monitor) Rearm(marketID string, side signal.TokenSide) {
	m.mu.Lock()
	delete(m.parked, key{marketID, side})
	m.mu.Unlock()
}

func (m *Monitor) park(k key, size float64) {
	m.mu.Lock()
	delete(m.tracked, k)
	m.parked[k] = size
	m.mu.Unlock()
}

func sortPositions(positions []inventory.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketID != positions[j].MarketID {
			return positions[i].MarketID < positions[j].MarketID
		}
		return positions[i].Side < positions[j].Side
	})
}
