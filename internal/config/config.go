// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	DryRun      bool   `yaml:"dry_run"`
	JournalPath string `yaml:"journal_path"`
}

// Exchange describes the read-only market data endpoints the bot polls.
type Exchange struct {
	GammaURL  string `yaml:"gamma_url"`
	ClobURL   string `yaml:"clob_url"`
	TimeoutMs int    `yaml:"timeout_ms"`
	PageSize  int    `yaml:"page_size"`
	MaxPages  int    `yaml:"max_pages"`
}

// Risk encodes guard-rails for how much size the executor may take on.
type Risk struct {
	StartingBalance      float64 `yaml:"starting_balance"`
	MaxDrawdown          float64 `yaml:"max_drawdown"`
	MaxTradeSize         float64 `yaml:"max_trade_size"`
	MaxPerMarket         float64 `yaml:"max_per_market"`
	MaxPortfolioExposure float64 `yaml:"max_portfolio_exposure"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	DailyVolumeCap       float64 `yaml:"daily_volume_cap"`
	WarningFraction      float64 `yaml:"warning_fraction"`
}

// Liquidity groups the quoting and market-selection knobs.
type Liquidity struct {
	OrderSizeUSD        float64 `yaml:"order_size_usd"`
	MaxMarkets          int     `yaml:"max_markets"`
	RefreshIntervalSecs float64 `yaml:"refresh_interval_secs"`
	MinDailyReward      float64 `yaml:"min_daily_reward"`
	MinDaysToResolve    float64 `yaml:"min_days_to_resolve"`
	MaxDaysToResolve    float64 `yaml:"max_days_to_resolve"`
	MinBestBid          float64 `yaml:"min_best_bid"`
	MidBandLow          float64 `yaml:"mid_band_low"`
	MidBandHigh         float64 `yaml:"mid_band_high"`
	RefreshDrift        float64 `yaml:"refresh_drift"`
	TickSize            float64 `yaml:"tick_size"`
	FillCooldownSecs    float64 `yaml:"fill_cooldown_secs"`
	MinEstimatedReward  float64 `yaml:"min_estimated_reward"`
}

// AntiDetection holds the randomization bounds applied to size and cadence.
type AntiDetection struct {
	TimingJitterPct float64 `yaml:"timing_jitter_pct"`
	SizeJitterPct   float64 `yaml:"size_jitter_pct"`
}

// StopLoss configures forced exits.
type StopLoss struct {
	ExitLossPct float64 `yaml:"exit_loss_pct"`
	PriceFactor float64 `yaml:"price_factor"`
	DustShares  float64 `yaml:"dust_shares"`
}

// Paper captures simulated-venue settings used when dry_run is enabled.
type Paper struct {
	FillProbability float64 `yaml:"fill_probability"`
	Seed            int64   `yaml:"seed"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
// A validated Config is passed by value and never mutated during a run.
type Config struct {
	App           App           `yaml:"app"`
	Exchange      Exchange      `yaml:"exchange"`
	Risk          Risk          `yaml:"risk"`
	Liquidity     Liquidity     `yaml:"liquidity"`
	AntiDetection AntiDetection `yaml:"anti_detection"`
	StopLoss      StopLoss      `yaml:"stop_loss"`
	Paper         Paper         `yaml:"paper"`
}

// Default returns the documented defaults for every knob.
func Default() Config {
	return Config{
		App: App{
			Name:        "lpbot",
			Env:         "dev",
			MetricsAddr: ":9102",
			LogLevel:    "info",
			DryRun:      true,
			JournalPath: "data/trades.jsonl",
		},
		Exchange: Exchange{
			GammaURL:  "https://gamma-api.polymarket.com",
			ClobURL:   "https://clob.polymarket.com",
			TimeoutMs: 12000,
			PageSize:  100,
			MaxPages:  5,
		},
		Risk: Risk{
			StartingBalance:      500,
			MaxDrawdown:          250,
			MaxTradeSize:         25,
			MaxPerMarket:         100,
			MaxPortfolioExposure: 400,
			MaxOpenPositions:     15,
			DailyVolumeCap:       25000,
			WarningFraction:      0.80,
		},
		Liquidity: Liquidity{
			OrderSizeUSD:        25,
			MaxMarkets:          10,
			RefreshIntervalSecs: 60,
			MinDailyReward:      1,
			MinDaysToResolve:    3,
			MaxDaysToResolve:    90,
			MinBestBid:          0.05,
			MidBandLow:          0.10,
			MidBandHigh:         0.90,
			RefreshDrift:        0.02,
			TickSize:            0.01,
			FillCooldownSecs:    1800,
			MinEstimatedReward:  0,
		},
		AntiDetection: AntiDetection{
			TimingJitterPct: 0.15,
			SizeJitterPct:   0.10,
		},
		StopLoss: StopLoss{
			ExitLossPct: 0.50,
			PriceFactor: 0.5,
			DustShares:  1,
		},
		Paper: Paper{
			FillProbability: 0.05,
			Seed:            1,
		},
	}
}

// RefreshInterval returns the base cycle cadence before jitter.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Liquidity.RefreshIntervalSecs * float64(time.Second))
}

// FillCooldown returns the post-fill blackout per market.
func (c Config) FillCooldown() time.Duration {
	return time.Duration(c.Liquidity.FillCooldownSecs * float64(time.Second))
}

// RequestTimeout returns the HTTP timeout for market data calls.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutMs) * time.Millisecond
}

// DrawdownThreshold is the balance at or below which trading halts.
func (c Config) DrawdownThreshold() float64 {
	return c.Risk.StartingBalance - c.Risk.MaxDrawdown
}

// Validate rejects configurations the risk gate cannot enforce.
func (c Config) Validate() error {
	var errs []error
	if c.Risk.StartingBalance <= 0 {
		errs = append(errs, errors.New("risk.starting_balance must be > 0"))
	}
	if c.Risk.MaxDrawdown <= 0 {
		errs = append(errs, errors.New("risk.max_drawdown must be > 0"))
	}
	if c.Risk.MaxTradeSize <= 0 {
		errs = append(errs, errors.New("risk.max_trade_size must be > 0"))
	}
	if c.Risk.MaxPerMarket <= 0 {
		errs = append(errs, errors.New("risk.max_per_market must be > 0"))
	}
	if c.Risk.MaxPortfolioExposure <= 0 {
		errs = append(errs, errors.New("risk.max_portfolio_exposure must be > 0"))
	}
	if c.Risk.MaxOpenPositions <= 0 {
		errs = append(errs, errors.New("risk.max_open_positions must be > 0"))
	}
	if c.Risk.DailyVolumeCap <= 0 {
		errs = append(errs, errors.New("risk.daily_volume_cap must be > 0"))
	}
	if c.Risk.WarningFraction <= 0 || c.Risk.WarningFraction > 1 {
		errs = append(errs, errors.New("risk.warning_fraction must be in (0, 1]"))
	}
	if c.Liquidity.OrderSizeUSD <= 0 {
		errs = append(errs, errors.New("liquidity.order_size_usd must be > 0"))
	}
	if c.Liquidity.MaxMarkets <= 0 {
		errs = append(errs, errors.New("liquidity.max_markets must be > 0"))
	}
	if c.Liquidity.RefreshIntervalSecs <= 0 {
		errs = append(errs, errors.New("liquidity.refresh_interval_secs must be > 0"))
	}
	if c.Liquidity.TickSize <= 0 || c.Liquidity.TickSize >= 1 {
		errs = append(errs, errors.New("liquidity.tick_size must be in (0, 1)"))
	}
	if c.Liquidity.MidBandLow < 0 || c.Liquidity.MidBandHigh > 1 || c.Liquidity.MidBandLow > c.Liquidity.MidBandHigh {
		errs = append(errs, fmt.Errorf("liquidity mid band [%.2f, %.2f] is invalid", c.Liquidity.MidBandLow, c.Liquidity.MidBandHigh))
	}
	if c.Liquidity.MinDaysToResolve < 0 || c.Liquidity.MaxDaysToResolve < c.Liquidity.MinDaysToResolve {
		errs = append(errs, errors.New("liquidity days-to-resolve window is invalid"))
	}
	if c.Liquidity.RefreshDrift < 0 {
		errs = append(errs, errors.New("liquidity.refresh_drift must be >= 0"))
	}
	if c.Liquidity.FillCooldownSecs < 0 {
		errs = append(errs, errors.New("liquidity.fill_cooldown_secs must be >= 0"))
	}
	if c.AntiDetection.TimingJitterPct < 0 || c.AntiDetection.TimingJitterPct >= 1 {
		errs = append(errs, errors.New("anti_detection.timing_jitter_pct must be in [0, 1)"))
	}
	if c.AntiDetection.SizeJitterPct < 0 || c.AntiDetection.SizeJitterPct >= 1 {
		errs = append(errs, errors.New("anti_detection.size_jitter_pct must be in [0, 1)"))
	}
	if c.StopLoss.ExitLossPct <= 0 || c.StopLoss.ExitLossPct > 1 {
		errs = append(errs, errors.New("stop_loss.exit_loss_pct must be in (0, 1]"))
	}
	if c.StopLoss.PriceFactor <= 0 || c.StopLoss.PriceFactor > 1 {
		errs = append(errs, errors.New("stop_loss.price_factor must be in (0, 1]"))
	}
	if c.Paper.FillProbability < 0 || c.Paper.FillProbability > 1 {
		errs = append(errs, errors.New("paper.fill_probability must be in [0, 1]"))
	}
	return errors.Join(errs...)
}

// Load reads a YAML file from disk and hydrates a Config struct on top of Default.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
