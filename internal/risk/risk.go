// Package risk implements the pre-trade gate: a drawdown kill switch followed by size,
// volume, position and exposure limits that either pass, downsize or reject a signal.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lpbot-go/internal/config"
	"lpbot-go/internal/events"
	"lpbot-go/internal/signal"
)

// Reason explains a verdict. Rejections are values, never errors.
type Reason string

const (
	OK                   Reason = "OK"
	DrawdownHalt         Reason = "DRAWDOWN_HALT"
	InvalidSignal        Reason = "INVALID_SIGNAL"
	TradeSizeCap         Reason = "TRADE_SIZE_CAP"
	DailyVolumeCap       Reason = "DAILY_VOLUME_CAP"
	MaxOpenPositions     Reason = "MAX_OPEN_POSITIONS"
	MarketExposureCap    Reason = "MARKET_EXPOSURE_CAP"
	PortfolioExposureCap Reason = "PORTFOLIO_EXPOSURE_CAP"
)

// Verdict is produced once per signal. Adjusted is set only when Allowed; Downsized lists
// every limit that shrank the size on the way through.
type Verdict struct {
	Allowed   bool
	Adjusted  *signal.Signal
	Reason    Reason
	Downsized []Reason
}

// Book is the read side of the inventory ledger the gate needs. Equity is cash plus open
// inventory at cost; drawdown is measured against it so buying inventory is not a loss.
type Book interface {
	Balance() float64
	Equity() float64
	Exposure() float64
	MarketExposure(marketID string) float64
	PositionCount() int
}

// HaltError reports that the drawdown kill switch fired.
type HaltError struct {
	Equity    float64
	Threshold float64
	At        time.Time
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("trading halted: equity %.2f <= drawdown threshold %.2f", e.Equity, e.Threshold)
}

// Session owns the sticky halt flag and the drawdown warning watermark for one run. A halted
// session never resumes; build a new one from a fresh config to trade again.
type Session struct {
	mu     sync.Mutex
	halt   *HaltError
	warned bool
}

// NewSession returns an active session.
func NewSession() *Session { return &Session{} }

// Halted reports whether the kill switch has fired.
func (s *Session) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halt != nil
}

// Err returns the halt cause, or nil while active.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt == nil {
		return nil
	}
	return s.halt
}

// haltOnce records the first halt and reports whether this call set it.
func (s *Session) haltOnce(equity, threshold float64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halt != nil {
		return false
	}
	s.halt = &HaltError{Equity: equity, Threshold: threshold, At: now}
	return true
}

// crossWarning updates the watermark; it returns true only on the transition into the zone.
func (s *Session) crossWarning(inZone bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !inZone {
		s.warned = false
		return false
	}
	if s.warned {
		return false
	}
	s.warned = true
	return true
}

// Gate evaluates signals against the ledger and config.
type Gate struct {
	log     zerolog.Logger
	session *Session
	volume  *VolumeBook
	events  events.Publisher
}

// NewGate wires a gate to its session state, today's volume and an event sink.
func NewGate(log zerolog.Logger, session *Session, volume *VolumeBook, pub events.Publisher) *Gate {
	if session == nil {
		session = NewSession()
	}
	if volume == nil {
		volume = NewVolumeBook()
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Gate{log: log, session: session, volume: volume, events: pub}
}

// Session exposes the gate's halt state.
func (g *Gate) Session() *Session { return g.session }

// Volume exposes the daily volume book.
func (g *Gate) Volume() *VolumeBook { return g.volume }

// Check runs every limit in order. Each step passes, downsizes or rejects; a reject
// short-circuits the rest.
func (g *Gate) Check(sig signal.Signal, book Book, cfg config.Config, now time.Time) Verdict {
	if g.checkDrawdown(book, cfg, now) {
		return g.reject(sig, DrawdownHalt)
	}

	if !(sig.Price > 0) || !(sig.Size > 0) || math.IsInf(sig.Size, 0) {
		return g.reject(sig, InvalidSignal)
	}

	var downsized []Reason
	out := sig

	if out.Notional() > cfg.Risk.MaxTradeSize {
		out = out.WithSize(cfg.Risk.MaxTradeSize / out.Price)
		downsized = append(downsized, TradeSizeCap)
	}

	remaining := cfg.Risk.DailyVolumeCap - g.volume.Today(now)
	if remaining <= 0 {
		return g.reject(sig, DailyVolumeCap)
	}
	if out.Notional() > remaining {
		out = out.WithSize(remaining / out.Price)
		downsized = append(downsized, DailyVolumeCap)
	}

	if out.IsBuy() && book.PositionCount() >= cfg.Risk.MaxOpenPositions {
		return g.reject(sig, MaxOpenPositions)
	}

	if out.IsBuy() {
		remaining = cfg.Risk.MaxPerMarket - book.MarketExposure(out.MarketID)
		if remaining <= 0 {
			return g.reject(sig, MarketExposureCap)
		}
		if out.Notional() > remaining {
			out = out.WithSize(remaining / out.Price)
			downsized = append(downsized, MarketExposureCap)
		}
	}

	// The portfolio cap binds every side.
	remaining = cfg.Risk.MaxPortfolioExposure - book.Exposure()
	if remaining <= 0 {
		return g.reject(sig, PortfolioExposureCap)
	}
	if out.Notional() > remaining {
		out = out.WithSize(remaining / out.Price)
		downsized = append(downsized, PortfolioExposureCap)
	}

	if len(downsized) > 0 {
		g.log.Info().
			Str("market", out.MarketID).
			Float64("size", sig.Size).
			Float64("adjusted_size", out.Size).
			Interface("limits", downsized).
			Msg("signal downsized")
	}
	return Verdict{Allowed: true, Adjusted: &out, Reason: OK, Downsized: downsized}
}

// checkDrawdown fires the warning and halt side effects and reports whether to reject.
func (g *Gate) checkDrawdown(book Book, cfg config.Config, now time.Time) bool {
	if g.session.Halted() {
		return true
	}
	equity := book.Equity()
	used := cfg.Risk.StartingBalance - equity

	if g.session.crossWarning(used >= cfg.Risk.WarningFraction*cfg.Risk.MaxDrawdown) {
		g.log.Warn().
			Float64("equity", equity).
			Float64("drawdown_used", used).
			Float64("max_drawdown", cfg.Risk.MaxDrawdown).
			Msg("drawdown warning")
		g.events.Publish(events.Event{Type: events.DrawdownWarning, Amount: used, Reason: "drawdown warning", At: now})
	}

	threshold := cfg.DrawdownThreshold()
	if equity > threshold {
		return false
	}
	if g.session.haltOnce(equity, threshold, now) {
		g.log.Error().
			Bool("alert", true).
			Float64("equity", equity).
			Float64("threshold", threshold).
			Msg("drawdown kill switch fired, trading halted")
		g.events.Publish(events.Event{Type: events.DrawdownHalt, Amount: equity, Reason: string(DrawdownHalt), Alert: true, At: now})
	}
	return true
}

func (g *Gate) reject(sig signal.Signal, reason Reason) Verdict {
	g.log.Info().
		Str("market", sig.MarketID).
		Str("side", string(sig.Side)).
		Str("action", string(sig.Action)).
		Float64("size", sig.Size).
		Float64("price", sig.Price).
		Str("reason", string(reason)).
		Msg("signal rejected")
	return Verdict{Allowed: false, Reason: reason}
}
