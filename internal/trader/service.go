package trader

import (
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/confidex/backend/internal/bundle"
	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/config"
	"github.com/coldbell/confidex/backend/internal/kvstore"
	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/notes"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/relay"
	"github.com/coldbell/confidex/backend/internal/resolver"
)

// Open wires a Trader against the configured cluster and services. The
// returned close function releases the local note store.
func Open(cfg config.TraderConfig, logger *slog.Logger) (*Trader, func() error, error) {
	signer, err := ledger.LoadKeypairSigner(cfg.KeypairPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := kvstore.OpenLevelDB(cfg.NotesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open note store: %w", err)
	}

	programs := program.ProgramIDs{
		Orderbook:         cfg.Programs.Orderbook,
		ConfidentialToken: cfg.Programs.ConfidentialToken,
		Lightning:         cfg.Programs.Lightning,
		Wrap:              cfg.Programs.Wrap,
	}

	chain := ledger.New(rpc.New(cfg.RPCURL), ledger.Config{
		Commitment:                    cfg.Commitment,
		SkipPreflight:                 cfg.SkipPreflight,
		MaxRetries:                    cfg.MaxRetries,
		ComputeUnitLimit:              cfg.ComputeUnitLimit,
		ComputeUnitPriceMicroLamports: cfg.ComputeUnitPriceMicroLamports,
	}, logger)

	accounts, err := resolver.New(chain, programs.ConfidentialToken, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	codec := confidential.NewCodec(confidential.NewHTTPEncrypter(cfg.EncryptionURL, cfg.ServiceTimeout))

	t := New(Deps{
		Chain:         chain,
		Signer:        signer,
		Resolver:      accounts,
		Book:          orderbook.NewBook(chain, programs.Orderbook, logger),
		Builder:       bundle.NewBuilder(chain, codec, accounts, programs, logger),
		Settler:       relay.NewClient(cfg.RelayURL, cfg.RelayTimeout),
		Revealer:      confidential.NewDecryptor(cfg.DecryptionURL, cfg.ServiceTimeout, uint(cfg.DecryptAttempts), cfg.DecryptDelay, logger),
		Notes:         notes.NewLedger(store, notes.NewHTTPTree(cfg.TreeURL, cfg.ServiceTimeout), logger),
		Prover:        notes.NewHTTPProver(cfg.ProverURL, cfg.ProverTimeout),
		Logger:        logger,
		StaleAttempts: uint(cfg.StaleAttempts),
	})

	logger.Info("trader initialized",
		"rpc", cfg.RPCURL,
		"owner", signer.PublicKey(),
		"relay", cfg.RelayURL,
		"notes_path", cfg.NotesPath,
	)
	return t, store.Close, nil
}
