package quote

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/events"
	"lpbot-go/internal/signal"
)

// Phase is the per-market lifecycle: NoQuote -> Quoted -> Filled -> Cooldown -> NoQuote.
type Phase int

const (
	NoQuote Phase = iota
	Quoted
	Filled
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Quoted:
		return "QUOTED"
	case Filled:
		return "FILLED"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "NO_QUOTE"
	}
}

// CooldownEntry starts when a fill is detected. StartedAt keeps the monotonic reading.
type CooldownEntry struct {
	MarketID  string
	StartedAt time.Time
}

// MarketState is the tagged per-market variant. Quote is set only while Quoted and
// Cooldown only while Cooldown.
type MarketState struct {
	Phase      Phase
	Preference signal.TokenSide
	Quote      *QuoteState
	Cooldown   *CooldownEntry
}

// Fill is a resting quote that left the venue's open order set.
type Fill struct {
	Quote      QuoteState
	DetectedAt time.Time
}

// Tracker owns quote state, cooldowns and side preferences for every market. It is driven
// by the single engine loop and is not safe for concurrent writers.
type Tracker struct {
	log      zerolog.Logger
	events   events.Publisher
	cooldown time.Duration
	markets  map[string]*MarketState
}

// NewTracker builds a tracker with the post-fill blackout duration.
func NewTracker(log zerolog.Logger, cooldown time.Duration, pub events.Publisher) *Tracker {
	if pub == nil {
		pub = events.Discard
	}
	return &Tracker{log: log, events: pub, cooldown: cooldown, markets: make(map[string]*MarketState)}
}

func (t *Tracker) state(marketID string) *MarketState {
	st, ok := t.markets[marketID]
	if !ok {
		st = &MarketState{Phase: NoQuote, Preference: signal.Yes}
		t.markets[marketID] = st
	}
	return st
}

// State returns a copy of a market's state.
func (t *Tracker) State(marketID string) MarketState {
	if st, ok := t.markets[marketID]; ok {
		return *st
	}
	return MarketState{Phase: NoQuote, Preference: signal.Yes}
}

// Preference is the side to try first; YES until a fill or a side switch changes it.
func (t *Tracker) Preference(marketID string) signal.TokenSide {
	return t.State(marketID).Preference
}

// SetPreference stores the side to try first next cycle.
func (t *Tracker) SetPreference(marketID string, side signal.TokenSide) {
	t.state(marketID).Preference = side
}

// Quote returns the live quote for a market.
func (t *Tracker) Quote(marketID string) (QuoteState, bool) {
	st, ok := t.markets[marketID]
	if !ok || st.Phase != Quoted || st.Quote == nil {
		return QuoteState{}, false
	}
	return *st.Quote, true
}

// Quotes lists every live quote ordered by market id.
func (t *Tracker) Quotes() []QuoteState {
	out := make([]QuoteState, 0, len(t.markets))
	for _, st := range t.markets {
		if st.Phase == Quoted && st.Quote != nil {
			out = append(out, *st.Quote)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Placed records a new resting order, replacing whatever quote the market had.
func (t *Tracker) Placed(q QuoteState) {
	st := t.state(q.MarketID)
	st.Phase = Quoted
	st.Quote = &q
	st.Cooldown = nil
}

// Dropped forgets a market's quote after a cancel.
func (t *Tracker) Dropped(marketID string) {
	st, ok := t.markets[marketID]
	if !ok || st.Phase != Quoted {
		return
	}
	st.Phase = NoQuote
	st.Quote = nil
}

// DetectFills treats every quote whose order id is missing from openOrderIDs as filled.
// Each fill removes the quote, starts a cooldown and flips the preferred side.
func (t *Tracker) DetectFills(openOrderIDs []string, now time.Time) []Fill {
	open := make(map[string]struct{}, len(openOrderIDs))
	for _, id := range openOrderIDs {
		open[id] = struct{}{}
	}

	var fills []Fill
	for _, q := range t.Quotes() {
		if _, ok := open[q.OrderID]; ok {
			continue
		}
		st := t.markets[q.MarketID]
		st.Phase = Filled
		st.Quote = nil
		st.Preference = q.Side.Opposite()
		fills = append(fills, Fill{Quote: q, DetectedAt: now})

		if t.cooldown > 0 {
			st.Phase = Cooldown
			st.Cooldown = &CooldownEntry{MarketID: q.MarketID, StartedAt: now}
		} else {
			st.Phase = NoQuote
		}

		t.log.Info().
			Str("market", q.MarketID).
			Str("order_id", q.OrderID).
			Str("side", string(q.Side)).
			Float64("price", q.Price).
			Float64("size", q.Size).
			Str("next_side", string(st.Preference)).
			Msg("fill detected")
		t.events.Publish(events.Event{
			Type:     events.FillDetected,
			MarketID: q.MarketID,
			TokenID:  q.TokenID,
			Side:     string(q.Side),
			Action:   string(signal.Buy),
			Size:     q.Size,
			Price:    q.Price,
			Amount:   q.Size * q.Price,
			At:       now,
		})
	}
	return fills
}

// InCooldown reports whether a market is still in its post-fill blackout. Expired entries
// are deleted on the check that observes them.
func (t *Tracker) InCooldown(marketID string, now time.Time) bool {
	st, ok := t.markets[marketID]
	if !ok || st.Phase != Cooldown || st.Cooldown == nil {
		return false
	}
	if now.Sub(st.Cooldown.StartedAt) < t.cooldown {
		return true
	}
	st.Phase = NoQuote
	st.Cooldown = nil
	return false
}

// Cooldowns lists active cooldown entries without expiring any.
func (t *Tracker) Cooldowns() []CooldownEntry {
	var out []CooldownEntry
	for _, st := range t.markets {
		if st.Phase == Cooldown && st.Cooldown != nil {
			out = append(out, *st.Cooldown)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}
