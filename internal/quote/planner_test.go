package quote

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/market"
	"lpbot-go/internal/signal"
)

func lpMarket(id string) market.Market {
	return market.Market{
		ID:                 id,
		Question:           id + "?",
		Tokens:             []market.Token{{ID: id + "-yes", Outcome: "Yes"}, {ID: id + "-no", Outcome: "No"}},
		EndDate:            "2026-12-31",
		MaxIncentiveSpread: 0.04,
		MinIncentiveSize:   20,
		DailyReward:        10,
		Active:             true,
	}
}

func levels(prices ...float64) []market.Level {
	out := make([]market.Level, len(prices))
	for i, p := range prices {
		out[i] = market.Level{Price: p, Size: 100}
	}
	return out
}

func book(token string, bids []float64, asks ...float64) market.OrderBook {
	return market.NewOrderBook(token, levels(bids...), levels(asks...))
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestPlanPricesBehindBestBid(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")

	d := p.Plan(m, book("m1-yes", []float64{0.48, 0.47}, 0.52), nil, signal.Yes, cfg)
	if d.Action != Place || !near(d.Intent.Price, 0.47) {
		t.Fatalf("expected place at second best bid 0.47, got %+v", d)
	}
	if !near(d.Intent.Size, 25/0.47) {
		t.Fatalf("expected size order_size/price, got %.4f", d.Intent.Size)
	}
	if d.Intent.TokenID != "m1-yes" || !near(d.Intent.Mid, 0.50) {
		t.Fatalf("unexpected intent: %+v", d.Intent)
	}

	d = p.Plan(m, book("m1-yes", []float64{0.48}, 0.52), nil, signal.Yes, cfg)
	if d.Action != Place || !near(d.Intent.Price, 0.47) {
		t.Fatalf("expected best bid minus one tick, got %+v", d)
	}
}

func TestPlanClampsIntoRewardBand(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")

	d := p.Plan(m, book("m1-yes", []float64{0.48, 0.40}, 0.52), nil, signal.Yes, cfg)
	if d.Action != Place || !near(d.Intent.Price, 0.47) {
		t.Fatalf("expected clamp to mid-spread+tick=0.47, got %+v", d)
	}
	if math.Abs(d.Intent.Mid-d.Intent.Price) > m.MaxIncentiveSpread {
		t.Fatalf("clamped price still outside band")
	}
}

func TestPlanRejectsPricesAtTheEdges(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")
	m.MaxIncentiveSpread = 0.10

	d := p.Plan(m, book("m1-yes", []float64{0.06, 0.01}, 0.14), nil, signal.Yes, cfg)
	if d.Action != Skip {
		t.Fatalf("expected skip for price at 0.01, got %+v", d)
	}
}

func TestPlanMinimumIncentiveSize(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")
	b := book("m1-yes", []float64{0.48, 0.47}, 0.52)

	m.MinIncentiveSize = 100
	d := p.Plan(m, b, nil, signal.Yes, cfg)
	if d.Action != Place || d.Intent.Size != 100 {
		t.Fatalf("expected scale up to 100 shares, got %+v", d)
	}
	if sig := d.Intent.Signal("lp_quote", time.Time{}); sig.MinSize != 100 {
		t.Fatalf("expected signal to carry the reward minimum, got %+v", sig)
	}

	m.MinIncentiveSize = 300
	d = p.Plan(m, b, nil, signal.Yes, cfg)
	if d.Action != Skip {
		t.Fatalf("expected skip when min size breaches market cap, got %+v", d)
	}
}

func TestPlanEstimatedRewardFloor(t *testing.T) {
	cfg := config.Default()
	cfg.Liquidity.MinEstimatedReward = 1000
	p := NewPlanner(zerolog.Nop())
	d := p.Plan(lpMarket("m1"), book("m1-yes", []float64{0.48, 0.47}, 0.52), nil, signal.Yes, cfg)
	if d.Action != Skip {
		t.Fatalf("expected skip under estimated reward floor, got %+v", d)
	}
}

func TestSmartRefresh(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")
	existing := &QuoteState{MarketID: "m1", TokenID: "m1-yes", Side: signal.Yes, Price: 0.47, MidAtPlacement: 0.50, OrderID: "o1"}

	cases := []struct {
		bid, ask float64
		want     Action
	}{
		{0.49, 0.51, Keep},    // mid 0.50
		{0.50, 0.52, Keep},    // mid 0.51
		{0.48, 0.52, Keep},    // mid 0.50
		{0.505, 0.525, Keep},  // mid 0.515
		{0.52, 0.54, Replace}, // mid 0.53
		{0.45, 0.47, Replace}, // mid 0.46
	}
	for _, tc := range cases {
		d := p.Plan(m, book("m1-yes", []float64{tc.bid, tc.bid - 0.01}, tc.ask), existing, signal.Yes, cfg)
		if d.Action != tc.want {
			t.Fatalf("bid %.3f ask %.3f: expected %s, got %s (%s)", tc.bid, tc.ask, tc.want, d.Action, d.Reason)
		}
		if d.Action == Replace && (d.Existing == nil || d.Existing.OrderID != "o1" || d.Intent.Price <= 0) {
			t.Fatalf("replace must carry the old quote and a new intent: %+v", d)
		}
		if d.Action == Keep && d.Intent.Size != 0 {
			t.Fatalf("keep must not produce an intent")
		}
	}

	otherSide := *existing
	otherSide.Side = signal.No
	d := p.Plan(m, book("m1-yes", []float64{0.49, 0.48}, 0.51), &otherSide, signal.Yes, cfg)
	if d.Action != Replace {
		t.Fatalf("quote on the other side must be replaced, got %s", d.Action)
	}
}

func TestPlanMarketFallsBackToOppositeSide(t *testing.T) {
	cfg := config.Default()
	p := NewPlanner(zerolog.Nop())
	m := lpMarket("m1")
	m.MinIncentiveSize = 150
	books := map[string]market.OrderBook{
		"m1-yes": book("m1-yes", []float64{0.79, 0.78}, 0.81),
		"m1-no":  book("m1-no", []float64{0.19, 0.18}, 0.21),
	}

	d, side := p.PlanMarket(m, books, nil, signal.Yes, cfg)
	if d.Action != Place || side != signal.No {
		t.Fatalf("expected NO side placement, got %s on %s (%s)", d.Action, side, d.Reason)
	}
	if d.Intent.TokenID != "m1-no" || d.Intent.Size != 150 {
		t.Fatalf("unexpected intent: %+v", d.Intent)
	}

	delete(books, "m1-no")
	d, side = p.PlanMarket(m, books, nil, signal.Yes, cfg)
	if d.Action != Skip || side != signal.Yes {
		t.Fatalf("expected skip keeping YES preference, got %s on %s", d.Action, side)
	}
}

func TestFillWalksPastFailures(t *testing.T) {
	cfg := config.Default()
	cfg.Liquidity.MaxMarkets = 2
	p := NewPlanner(zerolog.Nop())
	tracker := NewTracker(zerolog.Nop(), time.Minute, nil)

	bad := lpMarket("bad")
	bad.MinIncentiveSize = 1000
	flip := lpMarket("flip")
	flip.MinIncentiveSize = 150
	good := lpMarket("good")
	extra := lpMarket("extra")

	books := map[string]market.OrderBook{
		"bad-yes":   book("bad-yes", []float64{0.48, 0.47}, 0.52),
		"bad-no":    book("bad-no", []float64{0.48, 0.47}, 0.52),
		"flip-yes":  book("flip-yes", []float64{0.79, 0.78}, 0.81),
		"flip-no":   book("flip-no", []float64{0.19, 0.18}, 0.21),
		"good-yes":  book("good-yes", []float64{0.48, 0.47}, 0.52),
		"extra-yes": book("extra-yes", []float64{0.48, 0.47}, 0.52),
	}

	res := p.Fill([]market.Market{bad, flip, good, extra}, books, tracker, cfg)
	if len(res.Active) != 2 || res.Active[0].MarketID != "flip" || res.Active[1].MarketID != "good" {
		t.Fatalf("expected flip and good to take the slots, got %+v", res.Active)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].MarketID != "bad" {
		t.Fatalf("expected bad skipped, got %+v", res.Skipped)
	}
	if tracker.Preference("flip") != signal.No {
		t.Fatalf("expected stored preference to switch to NO")
	}
	if tracker.Preference("good") != signal.Yes {
		t.Fatalf("expected default YES preference")
	}
}

func TestIntentSignal(t *testing.T) {
	in := Intent{MarketID: "m", TokenID: "t", Side: signal.No, Price: 0.4, Size: 50, Mid: 0.42}
	sig := in.Signal("liquidity", time.Unix(1, 0))
	if sig.Action != signal.Buy || sig.Side != signal.No || !near(sig.Notional(), 20) || sig.Source != "liquidity" {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}
