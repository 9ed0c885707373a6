package resolver_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/kvstore"
	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/ledger/ledgertest"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/resolver"
)

type fixture struct {
	world    *ledgertest.World
	store    kvstore.Store
	resolver *resolver.Resolver
	trader   *ledger.KeypairSigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	world := ledgertest.NewWorld()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kvstore.NewMemory()
	r, err := resolver.New(ledger.New(world.Ledger, ledger.Config{}, logger), world.Programs.ConfidentialToken, store, logger)
	require.NoError(t, err)
	return &fixture{
		world:    world,
		store:    store,
		resolver: r,
		trader:   ledger.NewKeypairSigner(solana.NewWallet().PrivateKey),
	}
}

func (f *fixture) countAccounts(t *testing.T, owner, mint solana.PublicKey) int {
	t.Helper()
	l := ledger.New(f.world.Ledger, ledger.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	found, err := l.ProgramAccounts(context.Background(), f.world.Programs.ConfidentialToken,
		ledger.MemcmpFilter(0, program.ConfidentialAccountDiscriminator[:]),
		ledger.MemcmpFilter(program.ConfidentialAccountMintOffset, mint.Bytes()),
		ledger.MemcmpFilter(program.ConfidentialAccountOwnerOffset, owner.Bytes()),
	)
	require.NoError(t, err)
	return len(found)
}

func TestResolveFindsExistingAccount(t *testing.T) {
	f := newFixture(t)
	owner := f.trader.PublicKey()
	account := f.world.Fund(owner, f.world.Base, 10, false)
	// Same owner, other mint: must not be returned for the base mint.
	f.world.Fund(owner, f.world.Quote, 10, false)

	got, err := f.resolver.Resolve(context.Background(), owner, f.world.Base.ConfidentialMint)
	require.NoError(t, err)
	assert.Equal(t, account, got)
}

func TestResolveMissingNeedsProvision(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), f.trader.PublicKey(), f.world.Base.ConfidentialMint)
	assert.ErrorIs(t, err, resolver.ErrNeedsProvision)
}

func TestResolveRejectsStaleCacheEntry(t *testing.T) {
	f := newFixture(t)
	owner := f.trader.PublicKey()
	account := f.world.Fund(owner, f.world.Base, 10, false)

	key := "resolver/" + owner.String() + "/" + f.world.Base.ConfidentialMint.String()
	require.NoError(t, f.store.Put([]byte(key), solana.NewWallet().PublicKey().Bytes()))

	got, err := f.resolver.Resolve(context.Background(), owner, f.world.Base.ConfidentialMint)
	require.NoError(t, err)
	assert.Equal(t, account, got)

	persisted, err := f.store.Get([]byte(key))
	require.NoError(t, err)
	assert.Equal(t, account.Bytes(), persisted)
}

func TestProvisionBatchUsesOneTransaction(t *testing.T) {
	f := newFixture(t)
	mints := []solana.PublicKey{f.world.Base.ConfidentialMint, f.world.Quote.ConfidentialMint}

	out, err := f.resolver.ProvisionBatch(context.Background(), f.trader, mints)
	require.NoError(t, err)
	assert.Len(t, out.Created, 2)
	assert.Len(t, f.world.Ledger.Landed(), 1)
	assert.Equal(t, f.world.Ledger.Landed()[0], out.Signature)
	assert.NotEqual(t, out.Accounts[mints[0]], out.Accounts[mints[1]])

	for _, mint := range mints {
		assert.Equal(t, 1, f.countAccounts(t, f.trader.PublicKey(), mint))
		acct := f.world.ConfidentialAccount(out.Accounts[mint])
		require.NotNil(t, acct)
		assert.Equal(t, f.trader.PublicKey(), acct.Owner)
		assert.Equal(t, mint, acct.Mint)
	}
}

func TestProvisionBatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	mints := []solana.PublicKey{f.world.Base.ConfidentialMint, f.world.Quote.ConfidentialMint, f.world.Base.ConfidentialMint}

	first, err := f.resolver.ProvisionBatch(context.Background(), f.trader, mints)
	require.NoError(t, err)
	assert.Len(t, first.Created, 2)

	second, err := f.resolver.ProvisionBatch(context.Background(), f.trader, mints)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, solana.Signature{}, second.Signature)
	assert.Equal(t, first.Accounts, second.Accounts)
	assert.Len(t, f.world.Ledger.Landed(), 1)

	for _, mint := range mints {
		assert.Equal(t, 1, f.countAccounts(t, f.trader.PublicKey(), mint))
	}
}

func TestProvisionBatchSkipsExistingPair(t *testing.T) {
	f := newFixture(t)
	existing := f.world.Fund(f.trader.PublicKey(), f.world.Base, 5, false)

	out, err := f.resolver.ProvisionBatch(context.Background(), f.trader,
		[]solana.PublicKey{f.world.Base.ConfidentialMint, f.world.Quote.ConfidentialMint})
	require.NoError(t, err)
	require.Len(t, out.Created, 1)
	assert.Equal(t, existing, out.Accounts[f.world.Base.ConfidentialMint])
	assert.Equal(t, out.Created[0], out.Accounts[f.world.Quote.ConfidentialMint])
	assert.Equal(t, 1, f.countAccounts(t, f.trader.PublicKey(), f.world.Base.ConfidentialMint))
}
