// Package inventory tracks cash balance and outcome-token positions built up from fills.
package inventory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lpbot-go/internal/signal"
)

const epsilon = 1e-9

// Fill is an executed quantity reported by the venue or inferred by fill detection.
type Fill struct {
	MarketID string
	TokenID  string
	Side     signal.TokenSide
	Action   signal.Action
	Size     float64
	Price    float64
	Fee      float64
	At       time.Time
}

// Notional is size times price.
func (f Fill) Notional() float64 { return f.Size * f.Price }

// Position is a holding in one outcome token of one market.
type Position struct {
	MarketID      string           `json:"market_id"`
	TokenID       string           `json:"token_id"`
	Side          signal.TokenSide `json:"side"`
	Size          float64          `json:"size"`
	AvgEntryPrice float64          `json:"avg_entry_price"`
	OpenedAt      time.Time        `json:"opened_at"`
}

// Notional is the cost basis of the position.
func (p Position) Notional() float64 { return p.Size * p.AvgEntryPrice }

type key struct {
	market string
	side   signal.TokenSide
}

// Ledger is the single owner of balance and positions. It is mutated only through
// UpdateOnFill and Reconcile; the mutex lets metrics and the event stream read concurrently.
type Ledger struct {
	mu          sync.Mutex
	balance     float64
	realizedPnL float64
	feesPaid    float64
	positions   map[key]Position
}

// Snapshot is a point-in-time copy of the ledger, optionally marked to market.
type Snapshot struct {
	Balance     float64
	RealizedPnL float64
	FeesPaid    float64
	Exposure    float64
	Equity      float64
	Positions   []Position
}

// NewLedger starts with the supplied cash balance and no positions.
func NewLedger(balance float64) *Ledger {
	return &Ledger{balance: balance, positions: make(map[key]Position)}
}

// UpdateOnFill applies a fill: BUY opens or grows a position at the size-weighted average
// entry price, SELL shrinks or closes it. Balance moves by the notional, net of fees.
func (l *Ledger) UpdateOnFill(fill Fill) error {
	if fill.Size <= 0 {
		return errors.New("fill size must be positive")
	}
	if fill.Price <= 0 {
		return errors.New("fill price must be positive")
	}
	if fill.MarketID == "" {
		return errors.New("fill market id is empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key{market: fill.MarketID, side: fill.Side}
	pos, held := l.positions[k]
	notional := fill.Notional()

	switch fill.Action {
	case signal.Buy:
		newSize := pos.Size + fill.Size
		pos.AvgEntryPrice = ((pos.AvgEntryPrice * pos.Size) + notional) / newSize
		pos.Size = newSize
		if !held {
			pos.MarketID = fill.MarketID
			pos.Side = fill.Side
			pos.OpenedAt = fill.At
		}
		if fill.TokenID != "" {
			pos.TokenID = fill.TokenID
		}
		l.balance -= notional + fill.Fee
		l.positions[k] = pos

	case signal.Sell:
		if !held || pos.Size+epsilon < fill.Size {
			return fmt.Errorf("insufficient position to sell %.4f of %s/%s", fill.Size, fill.MarketID, fill.Side)
		}
		l.realizedPnL += (fill.Price-pos.AvgEntryPrice)*fill.Size - fill.Fee
		l.balance += notional - fill.Fee
		pos.Size -= fill.Size
		if pos.Size <= epsilon {
			delete(l.positions, k)
		} else {
			l.positions[k] = pos
		}

	default:
		return fmt.Errorf("unknown fill action %q", fill.Action)
	}
	l.feesPaid += fill.Fee
	return nil
}

// Reconcile replaces balance and positions with an externally sourced snapshot.
func (l *Ledger) Reconcile(balance float64, positions []Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance = balance
	l.positions = make(map[key]Position, len(positions))
	for _, pos := range positions {
		if pos.Size <= epsilon {
			continue
		}
		l.positions[key{market: pos.MarketID, side: pos.Side}] = pos
	}
}

// Balance returns free cash.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Equity is free cash plus every open position at cost.
func (l *Ledger) Equity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := l.balance
	for _, pos := range l.positions {
		total += pos.Notional()
	}
	return total
}

// RealizedPnL returns closed-trade profit and loss net of fees.
func (l *Ledger) RealizedPnL() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realizedPnL
}

// Exposure is the summed cost basis of every open position.
func (l *Ledger) Exposure() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, pos := range l.positions {
		total += pos.Notional()
	}
	return total
}

// MarketExposure is the summed cost basis of both sides of one market.
func (l *Ledger) MarketExposure(marketID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for k, pos := range l.positions {
		if k.market == marketID {
			total += pos.Notional()
		}
	}
	return total
}

// PositionCount returns the number of open positions.
func (l *Ledger) PositionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Position looks up a single holding.
func (l *Ledger) Position(marketID string, side signal.TokenSide) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[key{market: marketID, side: side}]
	return pos, ok
}

// Positions returns a copy of every holding ordered by market then side.
func (l *Ledger) Positions() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Snapshot copies the ledger and marks positions with marks keyed by token id. Positions
// without a mark are valued at cost.
func (l *Ledger) Snapshot(marks map[string]float64) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	positions := l.sortedLocked()
	snap := Snapshot{
		Balance:     l.balance,
		RealizedPnL: l.realizedPnL,
		FeesPaid:    l.feesPaid,
		Equity:      l.balance,
		Positions:   positions,
	}
	for _, pos := range positions {
		snap.Exposure += pos.Notional()
		if mark, ok := marks[pos.TokenID]; ok && mark > 0 {
			snap.Equity += pos.Size * mark
		} else {
			snap.Equity += pos.Notional()
		}
	}
	return snap
}

func (l *Ledger) sortedLocked() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Side < out[j].Side
	})
	return out
}
