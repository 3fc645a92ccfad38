package risk

import (
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// VolumeBook accumulates traded notional per UTC calendar day.
type VolumeBook struct {
	mu    sync.Mutex
	byDay map[string]float64
}

// NewVolumeBook returns an empty book.
func NewVolumeBook() *VolumeBook {
	return &VolumeBook{byDay: make(map[string]float64)}
}

// Day formats the UTC day key for t.
func Day(t time.Time) string { return t.UTC().Format(dayLayout) }

// Add records notional against the day containing now.
func (v *VolumeBook) Add(now time.Time, notional float64) {
	if notional <= 0 {
		return
	}
	v.mu.Lock()
	v.byDay[Day(now)] += notional
	v.mu.Unlock()
}

// Seed sets a day's total, used when replaying the journal at startup.
func (v *VolumeBook) Seed(day string, total float64) {
	v.mu.Lock()
	v.byDay[day] = total
	v.mu.Unlock()
}

// Today returns the notional traded so far on now's UTC day.
func (v *VolumeBook) Today(now time.Time) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byDay[Day(now)]
}
