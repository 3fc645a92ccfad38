// Package journal appends executed trades to a JSONL file and replays it at startup.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one line of the trade journal.
type Entry struct {
	Time      time.Time `json:"time"`
	SignalID  string    `json:"signal_id"`
	OrderID   string    `json:"order_id,omitempty"`
	MarketID  string    `json:"market_id"`
	TokenID   string    `json:"token_id"`
	Side      string    `json:"side"`
	Action    string    `json:"action"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Notional  float64   `json:"notional"`
	FillSize  float64   `json:"fill_size"`
	FillPrice float64   `json:"fill_price"`
	Fee       float64   `json:"fee"`
	Source    string    `json:"source"`
	Kind      string    `json:"kind"`
	DryRun    bool      `json:"dry_run"`
}

// Entry kinds.
const (
	KindPlaced = "placed"
	KindFill   = "fill"
)

// Writer appends entries as JSON lines. It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// Open creates/opens the target file for appending.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Writer{path: path, file: file, enc: json.NewEncoder(file)}, nil
}

// Path returns the journal location.
func (w *Writer) Path() string { return w.path }

// Record writes a single entry.
func (w *Writer) Record(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return errors.New("journal closed")
	}
	return w.enc.Encode(entry)
}

// Close closes the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Replay calls fn for every decodable entry in path. A missing file yields no entries;
// malformed lines are counted and skipped.
func Replay(path string, fn func(Entry)) (skipped int, err error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		fn(entry)
	}
	if err := scanner.Err(); err != nil {
		return skipped, fmt.Errorf("scan journal: %w", err)
	}
	return skipped, nil
}

// VolumeOn sums placed notional for the UTC day containing day.
func VolumeOn(path string, day time.Time) (float64, error) {
	key := day.UTC().Format("2006-01-02")
	total := 0.0
	_, err := Replay(path, func(e Entry) {
		if e.Kind == KindPlaced && e.Time.UTC().Format("2006-01-02") == key {
			total += e.Notional
		}
	})
	return total, err
}
