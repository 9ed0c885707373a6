package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v2"

	"github.com/coldbell/confidex/backend/internal/config"
	"github.com/coldbell/confidex/backend/internal/logging"
	"github.com/coldbell/confidex/backend/internal/trader"
)

var app = &cli.App{
	Name:  "trader",
	Usage: "trade confidential pairs and manage shielded notes",
	Flags: []cli.Flag{jsonFlag},
	Commands: []*cli.Command{
		commandTrade,
		commandBalance,
		commandShield,
		commandWithdraw,
		commandNotes,
	},
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "output JSON instead of human-readable format",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withTrader loads configuration, builds the trader and runs fn with a
// context bounded by the configured transaction timeout.
func withTrader(c *cli.Context, fn func(ctx context.Context, t *trader.Trader) error) error {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadTraderConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		return err
	}

	logger, closeLogger, err := logging.New("trader", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		return err
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Debug("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	t, closeTrader, err := trader.Open(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize trader", "err", err)
		return err
	}
	defer func() {
		if closeErr := closeTrader(); closeErr != nil {
			logger.Error("failed to close note store", "err", closeErr)
		}
	}()

	// Settlement spans several confirmations; the relay timeout bounds it.
	ctx, cancel := context.WithTimeout(c.Context, cfg.RelayTimeout+cfg.TxTimeout)
	defer cancel()
	return fn(ctx, t)
}

func pubkeyFlag(c *cli.Context, name string) (solana.PublicKey, error) {
	raw := c.String(name)
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("--%s is required", name)
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return pk, nil
}

func printOutput(c *cli.Context, payload any, human func()) error {
	if c.Bool(jsonFlag.Name) {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(payload)
	}
	human()
	return nil
}
