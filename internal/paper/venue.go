// Package paper simulates a venue for dry runs: bids rest until a seeded coin flip fills
// them, sells cross immediately.
package paper

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lpbot-go/internal/execution"
	"lpbot-go/internal/signal"
	"lpbot-go/internal/util"
)

type restingOrder struct {
	id    string
	order execution.Order
	seq   int
}

// Venue implements execution.Venue without touching the network.
type Venue struct {
	log      zerolog.Logger
	clock    util.Clock
	fillProb float64
	fills    *Ledger

	mu      sync.Mutex
	rng     *rand.Rand
	seq     int
	resting map[string]restingOrder
}

// NewVenue builds a simulated venue. fillProb is the chance each resting order fills on
// every OpenOrders poll.
func NewVenue(log zerolog.Logger, fillProb float64, seed int64, clock util.Clock) *Venue {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Venue{
		log:      log,
		clock:    clock,
		fillProb: fillProb,
		fills:    NewLedger(64),
		rng:      rand.New(rand.NewSource(seed)),
		resting:  make(map[string]restingOrder),
	}
}

// Place accepts the order. BUYs rest as GTC orders; SELLs are treated as marketable and
// fill in full at their limit price.
func (v *Venue) Place(ctx context.Context, order execution.Order) (execution.Placement, error) {
	if err := ctx.Err(); err != nil {
		return execution.Placement{}, err
	}
	if order.Size <= 0 || order.Price <= 0 {
		return execution.Placement{}, errors.New("paper: invalid order")
	}
	id := uuid.NewString()

	v.mu.Lock()
	defer v.mu.Unlock()
	if order.Action == signal.Sell {
		v.fills.Record(Fill{OrderID: id, Order: order, Size: order.Size, Price: order.Price, At: v.clock.Now()})
		v.log.Debug().Str("order_id", id).Str("market", order.MarketID).Msg("paper sell filled")
		return execution.Placement{OrderID: id, FilledSize: order.Size, FillPrice: order.Price}, nil
	}
	v.seq++
	v.resting[id] = restingOrder{id: id, order: order, seq: v.seq}
	v.log.Debug().Str("order_id", id).Str("market", order.MarketID).Msg("paper bid resting")
	return execution.Placement{OrderID: id}, nil
}

// Cancel removes a resting order and reports how many were removed.
func (v *Venue) Cancel(ctx context.Context, orderID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.resting[orderID]; !ok {
		return 0, nil
	}
	delete(v.resting, orderID)
	return 1, nil
}

// OpenOrders first lets each resting order fill with probability fillProb, in placement
// order, then returns the ids still resting.
func (v *Venue) OpenOrders(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	ordered := make([]restingOrder, 0, len(v.resting))
	for _, ro := range v.resting {
		ordered = append(ordered, ro)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	open := make([]string, 0, len(ordered))
	for _, ro := range ordered {
		if v.fillProb > 0 && v.rng.Float64() < v.fillProb {
			delete(v.resting, ro.id)
			v.fills.Record(Fill{OrderID: ro.id, Order: ro.order, Size: ro.order.Size, Price: ro.order.Price, At: v.clock.Now()})
			v.log.Info().Str("order_id", ro.id).Str("market", ro.order.MarketID).Msg("paper bid filled")
			continue
		}
		open = append(open, ro.id)
	}
	return open, nil
}

// Fills exposes every simulated execution.
func (v *Venue) Fills() []Fill { return v.fills.Snapshot() }

// Fill returns the simulated execution of one order, if it filled.
func (v *Venue) Fill(orderID string) (Fill, bool) { return v.fills.Lookup(orderID) }

// Resting returns the number of open paper orders.
func (v *Venue) Resting() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.resting)
}
