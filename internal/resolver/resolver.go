// Package resolver finds or provisions the single confidential account an
// owner holds for a mint.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	lru "github.com/hashicorp/golang-lru"

	"github.com/coldbell/confidex/backend/internal/kvstore"
	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/program"
)

var ErrNeedsProvision = errors.New("confidential account needs provisioning")

const (
	cacheSize   = 512
	storePrefix = "resolver/"
)

// Ledger is the part of *ledger.Ledger the resolver reads and writes through.
type Ledger interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters ...rpc.RPCFilter) (rpc.GetProgramAccountsResult, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendAndConfirm(ctx context.Context, tx *solana.Transaction) (ledger.Submission, error)
}

type Resolver struct {
	ledger    Ledger
	programID solana.PublicKey
	cache     *lru.Cache
	store     kvstore.Store
	logger    *slog.Logger

	// NewAccountKey generates the keypair for each provisioned account.
	NewAccountKey func() solana.PrivateKey
}

// New builds a resolver over the confidential token program. store may be
// nil, in which case only the in-memory cache is used.
func New(l Ledger, confidentialProgram solana.PublicKey, store kvstore.Store, logger *slog.Logger) (*Resolver, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolver cache: %w", err)
	}
	return &Resolver{
		ledger:    l,
		programID: confidentialProgram,
		cache:     cache,
		store:     store,
		logger:    logger,
		NewAccountKey: func() solana.PrivateKey {
			return solana.NewWallet().PrivateKey
		},
	}, nil
}

// Resolve returns the confidential account for (owner, mint), or an error
// wrapping ErrNeedsProvision when none exists. Cached addresses are checked
// against the ledger before use.
func (r *Resolver) Resolve(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	key := cacheKey(owner, mint)
	if cached, ok := r.cached(key); ok {
		valid, err := r.verify(ctx, cached, owner, mint)
		if err != nil {
			return solana.PublicKey{}, err
		}
		if valid {
			return cached, nil
		}
		r.logger.Warn("cached confidential account no longer matches; rescanning", "account", cached, "owner", owner, "mint", mint)
		r.forget(key)
	}

	found, err := r.ledger.ProgramAccounts(ctx, r.programID,
		ledger.MemcmpFilter(0, program.ConfidentialAccountDiscriminator[:]),
		ledger.MemcmpFilter(program.ConfidentialAccountMintOffset, mint.Bytes()),
		ledger.MemcmpFilter(program.ConfidentialAccountOwnerOffset, owner.Bytes()),
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("scan confidential accounts: %w", err)
	}
	if len(found) == 0 {
		return solana.PublicKey{}, fmt.Errorf("%w: owner %s mint %s", ErrNeedsProvision, owner, mint)
	}
	if len(found) > 1 {
		r.logger.Warn("multiple confidential accounts for one owner and mint; using the first", "owner", owner, "mint", mint, "count", len(found))
	}

	account := found[0].Pubkey
	r.remember(key, account)
	return account, nil
}

func (r *Resolver) verify(ctx context.Context, account, owner, mint solana.PublicKey) (bool, error) {
	data, err := r.ledger.AccountData(ctx, account)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify confidential account %s: %w", account, err)
	}
	decoded, err := program.DecodeConfidentialAccount(data)
	if err != nil {
		return false, nil
	}
	return decoded.Owner.Equals(owner) && decoded.Mint.Equals(mint), nil
}

func (r *Resolver) cached(key string) (solana.PublicKey, bool) {
	if value, ok := r.cache.Get(key); ok {
		return value.(solana.PublicKey), true
	}
	if r.store == nil {
		return solana.PublicKey{}, false
	}
	raw, err := r.store.Get([]byte(storePrefix + key))
	if err != nil || len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, false
	}
	pk := solana.PublicKeyFromBytes(raw)
	r.cache.Add(key, pk)
	return pk, true
}

func (r *Resolver) remember(key string, account solana.PublicKey) {
	r.cache.Add(key, account)
	if r.store == nil {
		return
	}
	if err := r.store.Put([]byte(storePrefix+key), account.Bytes()); err != nil {
		r.logger.Warn("persist resolved account failed", "account", account, "err", err)
	}
}

func (r *Resolver) forget(key string) {
	r.cache.Remove(key)
	if r.store == nil {
		return
	}
	if err := r.store.Delete([]byte(storePrefix + key)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		r.logger.Warn("drop resolved account failed", "key", key, "err", err)
	}
}

func cacheKey(owner, mint solana.PublicKey) string {
	return owner.String() + "/" + mint.String()
}
