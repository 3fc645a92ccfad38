package market

import (
	"errors"
	"sort"
	"time"

	"lpbot-go/internal/config"
	"lpbot-go/internal/signal"
)

// FilterReason names the predicate a market failed.
type FilterReason string

const (
	Inactive      FilterReason = "inactive"
	NoIncentive   FilterReason = "no_incentive_spread"
	MissingTokens FilterReason = "missing_tokens"
	LowReward     FilterReason = "low_daily_reward"
	BadMetadata   FilterReason = "bad_metadata"
	ExpiringSoon  FilterReason = "expiring_soon"
	TooFarOut     FilterReason = "too_far_out"
	InCooldown    FilterReason = "cooldown"
	NoBook        FilterReason = "no_book"
	MidOutOfBand  FilterReason = "mid_out_of_band"
	LowBestBid    FilterReason = "low_best_bid"
)

// Cooldowns reports markets in their post-fill blackout.
type Cooldowns interface {
	InCooldown(marketID string, now time.Time) bool
}

// Rejection records why a market was left out of the ranking.
type Rejection struct {
	MarketID string
	Reason   FilterReason
	Err      error
}

// Selection is the ranked eligible list plus every rejection.
type Selection struct {
	Ranked   []Market
	Rejected []Rejection
}

// Select applies the eligibility predicates in order and ranks survivors by daily reward,
// highest first, ties broken by market id. books is keyed by token id; the YES token's book
// drives the midpoint and best-bid checks.
func Select(markets []Market, books map[string]OrderBook, cooldowns Cooldowns, cfg config.Config, now time.Time) Selection {
	var sel Selection
	for _, m := range markets {
		reason, err := check(m, books, cooldowns, cfg, now)
		if reason != "" {
			sel.Rejected = append(sel.Rejected, Rejection{MarketID: m.ID, Reason: reason, Err: err})
			continue
		}
		sel.Ranked = append(sel.Ranked, m)
	}
	sort.SliceStable(sel.Ranked, func(i, j int) bool {
		if sel.Ranked[i].DailyReward != sel.Ranked[j].DailyReward {
			return sel.Ranked[i].DailyReward > sel.Ranked[j].DailyReward
		}
		return sel.Ranked[i].ID < sel.Ranked[j].ID
	})
	return sel
}

// Prefilter applies only the metadata and cooldown predicates, so callers can limit book
// requests to the survivors. Survivors keep their input order.
func Prefilter(markets []Market, cooldowns Cooldowns, cfg config.Config, now time.Time) Selection {
	var sel Selection
	for _, m := range markets {
		if reason, err := checkMetadata(m, cooldowns, cfg, now); reason != "" {
			sel.Rejected = append(sel.Rejected, Rejection{MarketID: m.ID, Reason: reason, Err: err})
			continue
		}
		sel.Ranked = append(sel.Ranked, m)
	}
	return sel
}

func check(m Market, books map[string]OrderBook, cooldowns Cooldowns, cfg config.Config, now time.Time) (FilterReason, error) {
	if reason, err := checkMetadata(m, cooldowns, cfg, now); reason != "" {
		return reason, err
	}
	yes, ok := m.Token(signal.Yes)
	if !ok {
		return MissingTokens, nil
	}
	book, ok := books[yes.ID]
	if !ok {
		return NoBook, nil
	}
	mid, ok := book.Midpoint()
	if !ok || !InBand(mid, cfg) {
		return MidOutOfBand, nil
	}
	if bid, _ := book.BestBid(); bid < cfg.Liquidity.MinBestBid {
		return LowBestBid, nil
	}
	return "", nil
}

func checkMetadata(m Market, cooldowns Cooldowns, cfg config.Config, now time.Time) (FilterReason, error) {
	lc := cfg.Liquidity
	if !m.Active {
		return Inactive, nil
	}
	if m.MaxIncentiveSpread <= 0 {
		return NoIncentive, nil
	}
	if len(m.Tokens) < 2 {
		return MissingTokens, nil
	}
	if m.DailyReward < lc.MinDailyReward {
		return LowReward, nil
	}
	days, err := m.DaysToResolution(now)
	if err != nil {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			return BadMetadata, err
		}
		return BadMetadata, &IntegrityError{MarketID: m.ID, Field: "end_date", Value: m.EndDate, Err: err}
	}
	if days < lc.MinDaysToResolve {
		return ExpiringSoon, nil
	}
	if days > lc.MaxDaysToResolve {
		return TooFarOut, nil
	}
	if cooldowns != nil && cooldowns.InCooldown(m.ID, now) {
		return InCooldown, nil
	}
	return "", nil
}

const bandEpsilon = 1e-9

// InBand reports whether mid lies inside the inclusive quoting band.
func InBand(mid float64, cfg config.Config) bool {
	return mid >= cfg.Liquidity.MidBandLow-bandEpsilon && mid <= cfg.Liquidity.MidBandHigh+bandEpsilon
}
