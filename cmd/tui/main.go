package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lpbot-go/internal/config"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== LP Bot Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit bankroll and risk knobs")
		fmt.Println("3) Edit quoting and market selection")
		fmt.Println("4) Save config")
		fmt.Println("5) Launch LP bot")
		fmt.Println("6) Reload config from disk")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		choice := strings.TrimSpace(input)

		switch choice {
		case "1":
			printSummary(cfg)
		case "2":
			editRisk(reader, cfg)
		case "3":
			editLiquidity(reader, cfg)
		case "4":
			if err := saveConfig(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "5":
			launchPaper(reader)
		case "6":
			reloaded, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "reload failed: %v\n", err)
			} else {
				cfg = reloaded
				fmt.Println("config reloaded")
			}
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Mode: %s\n", modeLabel(cfg.App.DryRun))
	fmt.Printf("Starting balance: $%.2f | max drawdown: $%.2f (halt at $%.2f)\n", cfg.Risk.StartingBalance, cfg.Risk.MaxDrawdown, cfg.DrawdownThreshold())
	fmt.Printf("Per-trade cap: $%.2f | per-market cap: $%.2f | portfolio cap: $%.2f\n", cfg.Risk.MaxTradeSize, cfg.Risk.MaxPerMarket, cfg.Risk.MaxPortfolioExposure)
	fmt.Printf("Open positions limit: %d | daily volume cap: $%.0f\n", cfg.Risk.MaxOpenPositions, cfg.Risk.DailyVolumeCap)
	fmt.Printf("Order size: $%.2f across up to %d markets every %s\n", cfg.Liquidity.OrderSizeUSD, cfg.Liquidity.MaxMarkets, cfg.RefreshInterval())
	fmt.Printf("Resolution window: %.0f-%.0f days | min daily reward: $%.2f\n", cfg.Liquidity.MinDaysToResolve, cfg.Liquidity.MaxDaysToResolve, cfg.Liquidity.MinDailyReward)
	fmt.Printf("Midpoint band: [%.2f, %.2f] | min best bid: %.2f | refresh drift: %.3f\n", cfg.Liquidity.MidBandLow, cfg.Liquidity.MidBandHigh, cfg.Liquidity.MinBestBid, cfg.Liquidity.RefreshDrift)
	fmt.Printf("Fill cooldown: %s | stop-loss at %.0f%% loss\n", cfg.FillCooldown(), cfg.StopLoss.ExitLossPct*100)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("WARNING: config does not validate:\n%v\n", err)
	}
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return "paper"
	}
	return "live"
}

func editRisk(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Risk / Bankroll ---")
	cfg.Risk.StartingBalance = promptFloat(reader, "Starting balance (USD)", cfg.Risk.StartingBalance)
	cfg.Risk.MaxDrawdown = promptFloat(reader, "Max drawdown (USD)", cfg.Risk.MaxDrawdown)
	cfg.Risk.MaxTradeSize = promptFloat(reader, "Max notional per trade (USD)", cfg.Risk.MaxTradeSize)
	cfg.Risk.MaxPerMarket = promptFloat(reader, "Max exposure per market (USD)", cfg.Risk.MaxPerMarket)
	cfg.Risk.MaxPortfolioExposure = promptFloat(reader, "Max portfolio exposure (USD)", cfg.Risk.MaxPortfolioExposure)
	cfg.Risk.MaxOpenPositions = int(promptFloat(reader, "Max open positions", float64(cfg.Risk.MaxOpenPositions)))
	cfg.Risk.DailyVolumeCap = promptFloat(reader, "Daily volume cap (USD)", cfg.Risk.DailyVolumeCap)
	cfg.StopLoss.ExitLossPct = promptPercent(reader, "Stop-loss trigger (%)", cfg.StopLoss.ExitLossPct)
}

func editLiquidity(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Quoting ---")
	cfg.Liquidity.OrderSizeUSD = promptFloat(reader, "Order size (USD)", cfg.Liquidity.OrderSizeUSD)
	cfg.Liquidity.MaxMarkets = int(promptFloat(reader, "Max quoted markets", float64(cfg.Liquidity.MaxMarkets)))
	cfg.Liquidity.RefreshIntervalSecs = promptFloat(reader, "Refresh interval (s)", cfg.Liquidity.RefreshIntervalSecs)
	cfg.Liquidity.MinDailyReward = promptFloat(reader, "Min daily reward (USD)", cfg.Liquidity.MinDailyReward)
	cfg.Liquidity.MinDaysToResolve = promptFloat(reader, "Min days to resolution", cfg.Liquidity.MinDaysToResolve)
	cfg.Liquidity.MaxDaysToResolve = promptFloat(reader, "Max days to resolution", cfg.Liquidity.MaxDaysToResolve)
	cfg.Liquidity.FillCooldownSecs = promptFloat(reader, "Fill cooldown (s)", cfg.Liquidity.FillCooldownSecs)
	cfg.AntiDetection.SizeJitterPct = promptPercent(reader, "Size jitter (%)", cfg.AntiDetection.SizeJitterPct)
	cfg.AntiDetection.TimingJitterPct = promptPercent(reader, "Timing jitter (%)", cfg.AntiDetection.TimingJitterPct)
}

func launchPaper(reader *bufio.Reader) {
	fmt.Println("Launching LP bot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/lpbot")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}

	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%.2f]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %.2f\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	pct := promptFloat(reader, label, current*100)
	return pct / 100
}

func loadConfig() (*config.Config, error) {
	return config.Load(locateConfig())
}

func saveConfig(cfg *config.Config) error {
	return config.Save(locateConfig(), cfg)
}

func locateConfig() string {
	if filepath.IsAbs(defaultConfigPath) {
		return defaultConfigPath
	}
	return filepath.Clean(defaultConfigPath)
}
