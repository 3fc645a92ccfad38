// Package exchange is the read-only market-data adapter: market metadata from the Gamma
// API, books and prices from the CLOB API through the Polymarket SDK. It never signs or
// submits orders.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"lpbot-go/internal/config"
	"lpbot-go/internal/market"
)

const (
	userAgent   = "Mozilla/5.0 (lpbot-go)"
	geoblockURL = "https://polymarket.com"
)

// IOError reports a failed call to an external API. Callers skip the affected market for
// the cycle and try again next time.
type IOError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *IOError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Client talks to the Gamma HTTP endpoint directly and to the CLOB through the SDK.
type Client struct {
	log      zerolog.Logger
	http     *http.Client
	clob     clob.Client
	gammaURL string
	clobURL  string
	pageSize int
	maxPages int
}

// NewClient builds a client from the exchange section of the config.
func NewClient(log zerolog.Logger, cfg config.Config) (*Client, error) {
	gamma, err := baseURL(cfg.Exchange.GammaURL)
	if err != nil {
		return nil, err
	}
	clobURL, err := baseURL(cfg.Exchange.ClobURL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	pageSize := cfg.Exchange.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxPages := cfg.Exchange.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	httpClient := &http.Client{Timeout: timeout}
	clobTransport := transport.NewClient(httpClient, clobURL)
	clobTransport.SetUserAgent(userAgent)
	return &Client{
		log:      log,
		http:     httpClient,
		clob:     clob.NewClientWithGeoblock(clobTransport, geoblockURL),
		gammaURL: gamma,
		clobURL:  clobURL,
		pageSize: pageSize,
		maxPages: maxPages,
	}, nil
}

func baseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("url must be http(s), got %q", raw)
	}
	return raw, nil
}

// flexFloat accepts numbers encoded either as JSON numbers or strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// stringList decodes Gamma lists that arrive as a JSON string holding a JSON array.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*s = nil
			return nil
		}
		b = []byte(raw)
	}
	var vals []string
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	*s = vals
	return nil
}

type gammaReward struct {
	DailyRate flexFloat `json:"rewardsDailyRate"`
}

type gammaMarket struct {
	ID               string        `json:"id"`
	ConditionID      string        `json:"conditionId"`
	Question         string        `json:"question"`
	Outcomes         stringList    `json:"outcomes"`
	ClobTokenIDs     stringList    `json:"clobTokenIds"`
	EndDateISO       string        `json:"endDateIso"`
	EndDate          string        `json:"endDate"`
	Active           bool          `json:"active"`
	Closed           bool          `json:"closed"`
	RewardsMinSize   flexFloat     `json:"rewardsMinSize"`
	RewardsMaxSpread flexFloat     `json:"rewardsMaxSpread"`
	ClobRewards      []gammaReward `json:"clobRewards"`
}

func (g gammaMarket) toMarket() market.Market {
	id := g.ConditionID
	if id == "" {
		id = g.ID
	}
	tokens := make([]market.Token, 0, len(g.ClobTokenIDs))
	for i, tokenID := range g.ClobTokenIDs {
		outcome := ""
		if i < len(g.Outcomes) {
			outcome = g.Outcomes[i]
		}
		tokens = append(tokens, market.Token{ID: tokenID, Outcome: outcome})
	}
	var daily float64
	for _, r := range g.ClobRewards {
		daily += float64(r.DailyRate)
	}
	end := g.EndDateISO
	if end == "" {
		end = g.EndDate
	}
	return market.Market{
		ID:       id,
		Question: g.Question,
		Tokens:   tokens,
		EndDate:  end,
		// Gamma quotes the reward band in cents.
		MaxIncentiveSpread: float64(g.RewardsMaxSpread) / 100,
		MinIncentiveSize:   float64(g.RewardsMinSize),
		DailyReward:        daily,
		Active:             g.Active && !g.Closed,
	}
}

// Markets pages through active Gamma markets. A failed page ends pagination; markets from
// earlier pages are still returned alongside the error.
func (c *Client) Markets(ctx context.Context) ([]market.Market, error) {
	out := make([]market.Market, 0, c.pageSize)
	for page := 0; page < c.maxPages; page++ {
		q := url.Values{}
		q.Set("active", "true")
		q.Set("closed", "false")
		q.Set("limit", strconv.Itoa(c.pageSize))
		q.Set("offset", strconv.Itoa(page*c.pageSize))
		var batch []gammaMarket
		if err := c.getJSON(ctx, "markets", c.gammaURL+"/markets?"+q.Encode(), &batch); err != nil {
			return out, err
		}
		for _, g := range batch {
			out = append(out, g.toMarket())
		}
		if len(batch) < c.pageSize {
			break
		}
	}
	c.log.Debug().Int("markets", len(out)).Msg("fetched markets")
	return out, nil
}

func levelsOf(raw []clobtypes.PriceLevel) ([]market.Level, error) {
	out := make([]market.Level, 0, len(raw))
	for _, l := range raw {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price level %q: %w", l.Price, err)
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid size level %q: %w", l.Size, err)
		}
		out = append(out, market.Level{Price: price.InexactFloat64(), Size: size.InexactFloat64()})
	}
	return out, nil
}

// OrderBook fetches the CLOB book for a token. Levels are re-sorted best first.
func (c *Client) OrderBook(ctx context.Context, tokenID string) (market.OrderBook, error) {
	endpoint := c.clobURL + "/book?token_id=" + url.QueryEscape(tokenID)
	resp, err := c.clob.OrderBook(ctx, &clobtypes.BookRequest{TokenID: tokenID})
	if err != nil {
		return market.OrderBook{}, &IOError{Op: "book", URL: endpoint, Err: err}
	}
	bids, err := levelsOf(resp.Bids)
	if err != nil {
		return market.OrderBook{}, &IOError{Op: "book", URL: endpoint, Err: err}
	}
	asks, err := levelsOf(resp.Asks)
	if err != nil {
		return market.OrderBook{}, &IOError{Op: "book", URL: endpoint, Err: err}
	}
	return market.NewOrderBook(tokenID, bids, asks), nil
}

// SellPrice returns the price a SELL of tokenID would currently get.
func (c *Client) SellPrice(ctx context.Context, tokenID string) (float64, error) {
	endpoint := c.clobURL + "/price?token_id=" + url.QueryEscape(tokenID) + "&side=SELL"
	resp, err := c.clob.Price(ctx, &clobtypes.PriceRequest{TokenID: tokenID, Side: "SELL"})
	if err != nil {
		return 0, &IOError{Op: "price", URL: endpoint, Err: err}
	}
	price, err := decimal.NewFromString(strings.TrimSpace(resp.Price))
	if err != nil || !price.IsPositive() {
		return 0, &IOError{Op: "price", URL: endpoint, Err: fmt.Errorf("no price for token %s", tokenID)}
	}
	return price.InexactFloat64(), nil
}

func (c *Client) getJSON(ctx context.Context, op, endpoint string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &IOError{Op: op, URL: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := c.http.Do(req)
	if err != nil {
		return &IOError{Op: op, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Bytes("body", body).Msg("exchange request failed")
		return &IOError{Op: op, URL: endpoint, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &IOError{Op: op, URL: endpoint, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
