// Package market models reward-eligible prediction markets and their order books, and
// decides which of them are worth quoting.
package market

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"lpbot-go/internal/signal"
)

// Token is one outcome of a binary market.
type Token struct {
	ID      string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// Market is read-only metadata refreshed every cycle.
type Market struct {
	ID                 string  `json:"id"`
	Question           string  `json:"question"`
	Tokens             []Token `json:"tokens"`
	EndDate            string  `json:"end_date"`
	MaxIncentiveSpread float64 `json:"max_incentive_spread"`
	MinIncentiveSize   float64 `json:"min_incentive_size"`
	DailyReward        float64 `json:"daily_reward"`
	Active             bool    `json:"active"`
}

// Token returns the token for side; tokens are ordered YES then NO.
func (m Market) Token(side signal.TokenSide) (Token, bool) {
	idx := side.Index()
	if idx >= len(m.Tokens) || m.Tokens[idx].ID == "" {
		return Token{}, false
	}
	return m.Tokens[idx], true
}

// IntegrityError flags malformed market metadata. The market is dropped for the cycle.
type IntegrityError struct {
	MarketID string
	Field    string
	Value    string
	Err      error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("market %s: bad %s %q: %v", e.MarketID, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("market %s: bad %s %q", e.MarketID, e.Field, e.Value)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

var endDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// EndTime parses the resolution date. Date-only values resolve at 00:00 UTC.
func (m Market) EndTime() (time.Time, error) {
	raw := strings.TrimSpace(m.EndDate)
	if raw == "" {
		return time.Time{}, &IntegrityError{MarketID: m.ID, Field: "end_date", Value: m.EndDate}
	}
	var lastErr error
	for _, layout := range endDateLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, &IntegrityError{MarketID: m.ID, Field: "end_date", Value: m.EndDate, Err: lastErr}
}

// DaysToResolution is the fractional number of days between now and the end date.
func (m Market) DaysToResolution(now time.Time) (float64, error) {
	end, err := m.EndTime()
	if err != nil {
		return 0, err
	}
	return end.Sub(now).Hours() / 24, nil
}

// Level is one price level of a book side.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a per-cycle snapshot for one token. Bids are sorted descending, asks ascending.
type OrderBook struct {
	TokenID string
	Bids    []Level
	Asks    []Level
}

// NewOrderBook copies and sorts the supplied levels.
func NewOrderBook(tokenID string, bids, asks []Level) OrderBook {
	b := append([]Level(nil), bids...)
	a := append([]Level(nil), asks...)
	sort.SliceStable(b, func(i, j int) bool { return b[i].Price > b[j].Price })
	sort.SliceStable(a, func(i, j int) bool { return a[i].Price < a[j].Price })
	return OrderBook{TokenID: tokenID, Bids: b, Asks: a}
}

// BestBid returns the highest bid.
func (b OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

// SecondBestBid returns the next bid level below the best.
func (b OrderBook) SecondBestBid() (float64, bool) {
	if len(b.Bids) < 2 {
		return 0, false
	}
	return b.Bids[1].Price, true
}

// BestAsk returns the lowest ask.
func (b OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Midpoint averages best bid and best ask; both sides must be present.
func (b OrderBook) Midpoint() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid + ask) / 2, true
}
