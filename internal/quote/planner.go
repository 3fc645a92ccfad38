// Package quote prices resting liquidity orders, keeps them fresh, and tracks which markets
// are quoted, filled or cooling down.
package quote

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/market"
	"lpbot-go/internal/signal"
)

const (
	minPrice = 0.01
	maxPrice = 0.99
	priceEps = 1e-9
)

// Action is the planner's verdict for one market.
type Action string

const (
	Skip    Action = "SKIP"
	Keep    Action = "KEEP"
	Place   Action = "PLACE"
	Replace Action = "REPLACE"
)

// QuoteState is the single resting order the bot owns in a market.
type QuoteState struct {
	MarketID       string
	TokenID        string
	Side           signal.TokenSide
	Price          float64
	Size           float64
	MidAtPlacement float64
	OrderID        string
	PlacedAt       time.Time
}

// Intent is a new order the planner wants resting.
type Intent struct {
	MarketID        string
	Question        string
	TokenID         string
	Side            signal.TokenSide
	Price           float64
	Size            float64
	MinSize         float64
	Mid             float64
	EstimatedReward float64
}

// Signal turns the intent into a BUY signal.
func (i Intent) Signal(source string, now time.Time) signal.Signal {
	return signal.New(i.MarketID, i.TokenID, i.Side, signal.Buy, i.Size, i.Price, source, now).
		WithMinSize(i.MinSize).
		WithReason(fmt.Sprintf("lp quote mid=%.3f", i.Mid))
}

// Decision is what to do with a market this cycle. Existing is the quote to keep or cancel.
type Decision struct {
	Action   Action
	MarketID string
	Intent   Intent
	Existing *QuoteState
	Reason   string
}

// Planner computes prices and sizes for resting bids.
type Planner struct {
	log zerolog.Logger
}

// NewPlanner builds a planner that logs skips at debug level.
func NewPlanner(log zerolog.Logger) *Planner {
	return &Planner{log: log}
}

// Plan prices one side of a market. A price goes one level behind the best bid, clamped
// into the reward band; size is order_size_usd/price, lifted to the market's minimum
// incentive size when that stays inside the per-market cap. An existing quote on the same
// side is kept while the midpoint has drifted less than refresh_drift since placement.
func (p *Planner) Plan(m market.Market, book market.OrderBook, existing *QuoteState, side signal.TokenSide, cfg config.Config) Decision {
	lc := cfg.Liquidity
	skip := func(reason string) Decision {
		p.log.Debug().Str("market", m.ID).Str("side", string(side)).Str("reason", reason).Msg("quote skipped")
		return Decision{Action: Skip, MarketID: m.ID, Existing: existing, Reason: reason}
	}

	token, ok := m.Token(side)
	if !ok {
		return skip("missing token")
	}
	mid, ok := book.Midpoint()
	if !ok {
		return skip("no midpoint")
	}
	if existing != nil && existing.Side == side && math.Abs(mid-existing.MidAtPlacement) < lc.RefreshDrift {
		return Decision{Action: Keep, MarketID: m.ID, Existing: existing, Reason: "mid within drift"}
	}
	if !market.InBand(mid, cfg) {
		return skip("mid out of band")
	}
	bestBid, ok := book.BestBid()
	if !ok || bestBid < lc.MinBestBid {
		return skip("best bid too low")
	}

	price, ok := book.SecondBestBid()
	if !ok {
		price = market.RoundToTick(bestBid-lc.TickSize, lc.TickSize)
	}
	if math.Abs(mid-price) > m.MaxIncentiveSpread {
		price = market.RoundToTick(mid-m.MaxIncentiveSpread+lc.TickSize, lc.TickSize)
	}
	if price <= minPrice+priceEps || price >= maxPrice-priceEps {
		return skip("price outside tradable range")
	}

	size := lc.OrderSizeUSD / price
	if size < m.MinIncentiveSize {
		if m.MinIncentiveSize*price > cfg.Risk.MaxPerMarket {
			return skip("minimum incentive size exceeds market cap")
		}
		size = m.MinIncentiveSize
	}

	est := market.EstimateDailyReward(m, book, price, size)
	if lc.MinEstimatedReward > 0 && est < lc.MinEstimatedReward {
		return skip("estimated reward below floor")
	}

	action := Place
	if existing != nil {
		action = Replace
	}
	return Decision{
		Action:   action,
		MarketID: m.ID,
		Existing: existing,
		Intent: Intent{
			MarketID:        m.ID,
			Question:        m.Question,
			TokenID:         token.ID,
			Side:            side,
			Price:           price,
			Size:            size,
			MinSize:         m.MinIncentiveSize,
			Mid:             mid,
			EstimatedReward: est,
		},
	}
}

// PlanMarket tries the preferred side, then the opposite one. It returns the side that
// produced the decision so the caller can store it as the new preference.
func (p *Planner) PlanMarket(m market.Market, books map[string]market.OrderBook, existing *QuoteState, pref signal.TokenSide, cfg config.Config) (Decision, signal.TokenSide) {
	var first Decision
	for i, side := range []signal.TokenSide{pref, pref.Opposite()} {
		token, ok := m.Token(side)
		if !ok {
			if i == 0 {
				first = Decision{Action: Skip, MarketID: m.ID, Existing: existing, Reason: "missing token"}
			}
			continue
		}
		book, ok := books[token.ID]
		if !ok {
			if i == 0 {
				first = Decision{Action: Skip, MarketID: m.ID, Existing: existing, Reason: "no book"}
			}
			continue
		}
		d := p.Plan(m, book, existing, side, cfg)
		if d.Action != Skip {
			return d, side
		}
		if i == 0 {
			first = d
		}
	}
	return first, pref
}

// Result splits a deep search into markets to quote and markets that failed viability.
type Result struct {
	Active  []Decision
	Skipped []Decision
}

// Fill walks the whole ranked list until max_markets quoting slots are taken or the list
// runs out, so early viability failures never leave slots empty. Side preference changes
// are written back to the tracker.
func (p *Planner) Fill(ranked []market.Market, books map[string]market.OrderBook, tracker *Tracker, cfg config.Config) Result {
	var res Result
	for _, m := range ranked {
		if len(res.Active) >= cfg.Liquidity.MaxMarkets {
			break
		}
		var existing *QuoteState
		if q, ok := tracker.Quote(m.ID); ok {
			existing = &q
		}
		pref := tracker.Preference(m.ID)
		d, side := p.PlanMarket(m, books, existing, pref, cfg)
		if d.Action == Skip {
			res.Skipped = append(res.Skipped, d)
			continue
		}
		if side != pref {
			tracker.SetPreference(m.ID, side)
			p.log.Info().Str("market", m.ID).Str("side", string(side)).Msg("quoting opposite side")
		}
		res.Active = append(res.Active, d)
	}
	return res
}
