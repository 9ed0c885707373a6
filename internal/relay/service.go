package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/confidex/backend/internal/config"
	"github.com/coldbell/confidex/backend/internal/ledger"
)

// Service is the relay-server process: the HTTP server plus the store it
// owns.
type Service struct {
	cfg    config.RelayConfig
	store  Store
	server *Server
	logger *slog.Logger
}

func NewService(cfg config.RelayConfig, logger *slog.Logger) (*Service, error) {
	authority, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.AuthorityKeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load authority keypair %q: %w", cfg.AuthorityKeypairPath, err)
	}

	var store Store
	storeDriver := "memory"
	if cfg.DBDSN != "" {
		pg, err := NewPostgresStore(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("init bundle store: %w", err)
		}
		store = pg
		storeDriver = "postgres"
	} else {
		store = NewMemoryStore()
	}

	chain := ledger.New(rpc.New(cfg.RPCURL), ledger.Config{
		Commitment:                    cfg.Commitment,
		SkipPreflight:                 cfg.SkipPreflight,
		MaxRetries:                    cfg.MaxRetries,
		ComputeUnitLimit:              cfg.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
	}, logger)

	relayer, err := NewRelayer(chain, store, Config{
		Authority:   authority,
		StepTimeout: cfg.TxTimeout,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	server := NewServer(ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
		PushInterval:   cfg.PushInterval,
	}, relayer, logger)

	logger.Info("relay initialized",
		"rpc", cfg.RPCURL,
		"commitment", cfg.Commitment,
		"store_driver", storeDriver,
	)

	return &Service{cfg: cfg, store: store, server: server, logger: logger}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close bundle store", "err", err)
		}
	}()
	return s.server.Run(ctx)
}
