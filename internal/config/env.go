package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "LPBOT_"

// LoadEnv reads a .env file into the process environment. A missing file is not an error.
func LoadEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ApplyEnv overlays LPBOT_* environment variables on top of the YAML values.
func (c *Config) ApplyEnv() error {
	var err error
	c.App.LogLevel = envString("LOG_LEVEL", c.App.LogLevel)
	c.App.MetricsAddr = envString("METRICS_ADDR", c.App.MetricsAddr)
	c.App.JournalPath = envString("JOURNAL_PATH", c.App.JournalPath)
	c.Exchange.GammaURL = envString("GAMMA_URL", c.Exchange.GammaURL)
	c.Exchange.ClobURL = envString("CLOB_URL", c.Exchange.ClobURL)
	if c.App.DryRun, err = envBool("DRY_RUN", c.App.DryRun); err != nil {
		return err
	}
	if c.Risk.StartingBalance, err = envFloat("STARTING_BALANCE", c.Risk.StartingBalance); err != nil {
		return err
	}
	if c.Risk.MaxDrawdown, err = envFloat("MAX_DRAWDOWN", c.Risk.MaxDrawdown); err != nil {
		return err
	}
	if c.Risk.MaxTradeSize, err = envFloat("MAX_TRADE_SIZE", c.Risk.MaxTradeSize); err != nil {
		return err
	}
	if c.Liquidity.OrderSizeUSD, err = envFloat("ORDER_SIZE_USD", c.Liquidity.OrderSizeUSD); err != nil {
		return err
	}
	if c.Liquidity.MaxMarkets, err = envInt("MAX_MARKETS", c.Liquidity.MaxMarkets); err != nil {
		return err
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + key)); v != "" {
		return v
	}
	return def
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return f, nil
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(EnvPrefix + key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvPrefix + key))) {
	case "":
		return def, nil
	case "1", "true", "y", "yes":
		return true, nil
	case "0", "false", "n", "no":
		return false, nil
	default:
		return def, fmt.Errorf("%s%s: not a boolean", EnvPrefix, key)
	}
}
