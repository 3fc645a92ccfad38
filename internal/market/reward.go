package market

import (
	"math"

	"github.com/shopspring/decimal"
)

// RewardScore is the quadratic liquidity reward S(v, s) = ((v - s) / v)^2 * size for an
// order resting s away from the midpoint in a market paying out to spread v. Orders at or
// beyond v, or with a negative spread, score zero.
func RewardScore(maxSpread, spread, size float64) float64 {
	if maxSpread <= 0 || spread < 0 || spread >= maxSpread {
		return 0
	}
	r := (maxSpread - spread) / maxSpread
	return r * r * size
}

// PoolShare is our fraction of the pool given our score and the competing score.
func PoolShare(ours, competing float64) float64 {
	total := ours + competing
	if total <= 0 || ours <= 0 {
		return 0
	}
	return ours / total
}

// EstimateDailyReward approximates the daily payout of a bid resting at price for size
// shares, competing against every bid already inside the reward band.
func EstimateDailyReward(m Market, book OrderBook, price, size float64) float64 {
	mid, ok := book.Midpoint()
	if !ok {
		return 0
	}
	competing := 0.0
	for _, lvl := range book.Bids {
		spread := math.Abs(mid - lvl.Price)
		if spread <= m.MaxIncentiveSpread {
			competing += RewardScore(m.MaxIncentiveSpread, spread, lvl.Size)
		}
	}
	ours := RewardScore(m.MaxIncentiveSpread, math.Abs(mid-price), size)
	return m.DailyReward * PoolShare(ours, competing)
}

// RoundToTick snaps price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	out, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return out
}

// FloorToTick snaps price down to the tick grid.
func FloorToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	out, _ := decimal.NewFromFloat(price).Div(t).Floor().Mul(t).Float64()
	return out
}
