// Package signal standardizes the trade intents passed from the quoting layer to execution.
package signal

import (
	"time"

	"github.com/google/uuid"
)

// TokenSide identifies one of the two complementary outcome tokens of a binary market.
type TokenSide string

const (
	// Yes is the first outcome token.
	Yes TokenSide = "YES"
	// No is the second outcome token.
	No TokenSide = "NO"
)

// Opposite returns the complementary token side.
func (s TokenSide) Opposite() TokenSide {
	if s == No {
		return Yes
	}
	return No
}

// Index maps YES to 0 and NO to 1, matching the token order reported by the venue.
func (s TokenSide) Index() int {
	if s == No {
		return 1
	}
	return 0
}

// Action enumerates order directions.
type Action string

const (
	// Buy opens or increases a position.
	Buy Action = "BUY"
	// Sell reduces or closes a position.
	Sell Action = "SELL"
)

// Signal is an immutable trade intent. Derive adjusted copies with WithSize.
type Signal struct {
	ID        string
	MarketID  string
	TokenID   string
	Side      TokenSide
	Action    Action
	Size      float64 // shares
	Price     float64 // USD per share, in (0, 1)
	MinSize   float64 // smallest size still worth placing; 0 means no floor
	Source    string
	Reason    string
	CreatedAt time.Time
}

// New stamps a fresh signal with a random id.
func New(marketID, tokenID string, side TokenSide, action Action, size, price float64, source string, now time.Time) Signal {
	return Signal{
		ID:        uuid.NewString(),
		MarketID:  marketID,
		TokenID:   tokenID,
		Side:      side,
		Action:    action,
		Size:      size,
		Price:     price,
		Source:    source,
		CreatedAt: now,
	}
}

// WithSize derives a copy carrying a different size; the receiver is left untouched.
func (s Signal) WithSize(size float64) Signal {
	s.Size = size
	return s
}

// WithMinSize derives a copy carrying a size floor for post-gate adjustments.
func (s Signal) WithMinSize(size float64) Signal {
	s.MinSize = size
	return s
}

// WithReason derives a copy annotated with a human readable reason.
func (s Signal) WithReason(reason string) Signal {
	s.Reason = reason
	return s
}

// Notional is size times price in USD.
func (s Signal) Notional() float64 { return s.Size * s.Price }

// IsBuy reports whether the signal adds exposure.
func (s Signal) IsBuy() bool { return s.Action == Buy }
