package paper

import (
	"sync"
	"time"

	"lpbot-go/internal/execution"
)

// Fill is a simulated execution of a paper order.
type Fill struct {
	OrderID string
	Order   execution.Order
	Size    float64
	Price   float64
	At      time.Time
}

// Notional is the USD value of the fill.
func (f Fill) Notional() float64 { return f.Size * f.Price }

// Ledger keeps paper fills in arrival order, indexed by order id. Paper orders fill whole,
// so each order id appears at most once.
type Ledger struct {
	mu      sync.Mutex
	fills   []Fill
	byOrder map[string]int
}

// NewLedger creates an empty ledger optionally pre-sizing storage.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{fills: make([]Fill, 0, capacity), byOrder: make(map[string]int, capacity)}
}

// Record appends a fill. A second fill for a known order id replaces the first.
func (l *Ledger) Record(fill Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.byOrder[fill.OrderID]; ok {
		l.fills[i] = fill
		return
	}
	l.byOrder[fill.OrderID] = len(l.fills)
	l.fills = append(l.fills, fill)
}

// Lookup returns the fill for one order id.
func (l *Ledger) Lookup(orderID string) (Fill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byOrder[orderID]
	if !ok {
		return Fill{}, false
	}
	return l.fills[i], true
}

// Snapshot returns a copy of the recorded fills.
func (l *Ledger) Snapshot() []Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Reset clears all stored fills.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.fills = l.fills[:0]
	l.byOrder = make(map[string]int)
	l.mu.Unlock()
}
