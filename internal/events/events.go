// Package events carries typed notifications from the decision core to dashboards and alerting.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Type names a notification kind.
type Type string

const (
	DrawdownHalt      Type = "DRAWDOWN_HALT"
	DrawdownWarning   Type = "DRAWDOWN_WARNING"
	FillDetected      Type = "FILL_DETECTED"
	StopLossTriggered Type = "STOPLOSS_TRIGGERED"
	TradeExecuted     Type = "TRADE_EXECUTED"
	MarketFiltered    Type = "MARKET_FILTERED"
	MarketScanned     Type = "MARKET_SCANNED"
)

// Event carries enough context for consumers to act without re-deriving state.
type Event struct {
	Type     Type      `json:"type"`
	MarketID string    `json:"market_id,omitempty"`
	TokenID  string    `json:"token_id,omitempty"`
	Side     string    `json:"side,omitempty"`
	Action   string    `json:"action,omitempty"`
	Size     float64   `json:"size,omitempty"`
	Price    float64   `json:"price,omitempty"`
	Amount   float64   `json:"amount,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Alert    bool      `json:"alert,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher accepts events. Implementations must not block the caller.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Bus fans events out to subscribers over buffered channels. Slow subscribers lose events
// instead of stalling the trading loop.
type Bus struct {
	log     zerolog.Logger
	mu      sync.RWMutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

// NewBus constructs an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log, subs: make(map[int]chan Event)}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Debug().Int("subscriber", id).Str("type", string(ev.Type)).Msg("event dropped for slow subscriber")
		}
	}
}

// Subscribe registers a new consumer. Call the returned func to unsubscribe; the channel is
// closed afterwards.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts events discarded because a subscriber buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends ev.
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type typ were recorded.
func (r *Recorder) Count(typ Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// Multi publishes to several publishers in order.
type Multi []Publisher

// Publish forwards ev to every member.
func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}
