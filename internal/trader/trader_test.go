package trader_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/bundle"
	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/kvstore"
	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/ledger/ledgertest"
	"github.com/coldbell/confidex/backend/internal/notes"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/relay"
	"github.com/coldbell/confidex/backend/internal/resolver"
	"github.com/coldbell/confidex/backend/internal/trader"
)

type fakeProver struct {
	calls int
	proof []byte
}

func (p *fakeProver) Prove(_ context.Context, inputs *notes.ProofInputs) ([]byte, error) {
	p.calls++
	return p.proof, nil
}

// flakySettler fails the first settlement with err, then delegates.
type flakySettler struct {
	next  relay.Settler
	err   error
	calls int
}

func (s *flakySettler) Settle(ctx context.Context, b *relay.Bundle) (*relay.Result, error) {
	s.calls++
	if s.calls == 1 {
		return nil, s.err
	}
	return s.next.Settle(ctx, b)
}

type fixture struct {
	world   *ledgertest.World
	ledger  *ledger.Ledger
	owner   *ledger.KeypairSigner
	notes   *notes.Ledger
	prover  *fakeProver
	relayer *relay.Relayer
	deps    trader.Deps
	market  bundle.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	world := ledgertest.NewWorld()
	l := ledger.New(world.Ledger, ledger.Config{ComputeUnitLimit: 400_000}, logger)

	r, err := resolver.New(l, world.Programs.ConfidentialToken, kvstore.NewMemory(), logger)
	require.NoError(t, err)
	relayer, err := relay.NewRelayer(l, relay.NewMemoryStore(), relay.Config{Authority: world.MatchingAuthority}, logger)
	require.NoError(t, err)
	tree, err := notes.NewMemoryTree()
	require.NoError(t, err)
	noteLedger := notes.NewLedger(kvstore.NewMemory(), tree, logger)
	prover := &fakeProver{proof: []byte("groth16")}
	owner := ledger.NewKeypairSigner(solana.NewWallet().PrivateKey)

	return &fixture{
		world:   world,
		ledger:  l,
		owner:   owner,
		notes:   noteLedger,
		prover:  prover,
		relayer: relayer,
		deps: trader.Deps{
			Chain:    l,
			Signer:   owner,
			Resolver: r,
			Book:     orderbook.NewBook(l, world.Programs.Orderbook, logger),
			Builder:  bundle.NewBuilder(l, confidential.NewCodec(world.Encrypter), r, world.Programs, logger),
			Settler:  relayer,
			Revealer: world,
			Notes:    noteLedger,
			Prover:   prover,
			Logger:   logger,
		},
		market: bundle.Market{
			State:           world.MarketState,
			BaseCollateral:  world.Base.CollateralMint,
			QuoteCollateral: world.Quote.CollateralMint,
		},
	}
}

func (f *fixture) restingAsk(price, size uint64) (order, makerQuote solana.PublicKey) {
	maker := solana.NewWallet().PublicKey()
	f.world.Fund(maker, f.world.Base, 0, false)
	makerQuote = f.world.Fund(maker, f.world.Quote, 0, false)
	return f.world.RestOrder(maker, program.SideAsk, price, size), makerQuote
}

func TestTradeWrapPlaceMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.owner.PublicKey()
	ownerQuote := f.world.Fund(owner, f.world.Quote, 400, true)
	f.world.CollateralAccount(owner, f.world.Quote.CollateralMint)
	makerOrder, makerQuote := f.restingAsk(50, 10)

	quoteBefore := f.world.ConfidentialAccount(ownerQuote).Handle
	makerBefore := f.world.ConfidentialAccount(makerQuote).Handle
	landedBefore := len(f.world.Ledger.Landed())

	res, err := trader.New(f.deps).Trade(ctx, trader.TradeRequest{
		Market:     f.market,
		Side:       program.SideBid,
		Size:       10,
		Price:      50,
		WrapAmount: 100,
	})
	require.NoError(t, err)

	assert.Equal(t, makerOrder, res.Maker)
	assert.Equal(t, bundle.Fill{Base: 10, Quote: 500, Price: 50}, res.Fill)
	assert.NotEqual(t, solana.Signature{}, res.Settlement.MatchSignature)
	require.Len(t, res.Settlement.PreSignatures, 1)
	assert.Empty(t, res.Settlement.PostSignatures)
	// provisioning, wrap, place, match, allowance refresh
	assert.Len(t, f.world.Ledger.Landed()[landedBefore:], 5)

	taker := f.world.Order(res.Order)
	assert.False(t, taker.IsOpen())
	assert.Equal(t, program.OrderFilled, taker.Status)
	assert.Equal(t, program.OrderFilled, f.world.Order(makerOrder).Status)

	assert.Equal(t, ownerQuote, res.OwnerQuote)
	assert.NotEqual(t, quoteBefore, f.world.ConfidentialAccount(ownerQuote).Handle)
	assert.NotEqual(t, makerBefore, f.world.ConfidentialAccount(makerQuote).Handle)
	assert.Equal(t, uint64(10), f.world.Balance(res.OwnerBase))
	assert.Equal(t, uint64(0), f.world.Balance(ownerQuote))
	assert.Equal(t, uint64(500), f.world.Balance(makerQuote))

	require.NotEqual(t, solana.Signature{}, res.AllowanceSignature)
	value, err := f.world.Reveal(ctx, f.world.ConfidentialAccount(res.OwnerBase).Handle, f.owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), value.Uint64())

	record, err := f.relayer.Record(ctx, res.Settlement.ID)
	require.NoError(t, err)
	assert.Equal(t, relay.StateDone, record.State)
}

func TestTradeRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 100, true)
	f.restingAsk(50, 10)
	landedBefore := len(f.world.Ledger.Landed())

	_, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	assert.ErrorIs(t, err, trader.ErrInsufficientBalance)
	assert.Len(t, f.world.Ledger.Landed(), landedBefore)
}

func TestTradeSkipsWrapWhenBalanceCoversEscrow(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	ownerQuote := f.world.Fund(owner, f.world.Quote, 1000, true)
	f.world.CollateralAccount(owner, f.world.Quote.CollateralMint)
	f.restingAsk(50, 10)

	res, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market:     f.market,
		Side:       program.SideBid,
		Size:       10,
		Price:      50,
		WrapAmount: 100,
	})
	require.NoError(t, err)

	assert.Empty(t, res.Settlement.PreSignatures)
	assert.Equal(t, uint64(500), f.world.Balance(ownerQuote))
	assert.Equal(t, uint64(10), f.world.Balance(res.OwnerBase))
}

func TestTradeSkipsOwnRestingOrders(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 500, true)
	own := f.world.RestOrder(owner, program.SideAsk, 40, 10)
	other, _ := f.restingAsk(50, 10)

	res, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, other, res.Maker)
	assert.True(t, f.world.Order(own).IsOpen())
}

func TestTradeWithOnlyOwnRestingOrders(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 500, true)
	f.world.RestOrder(owner, program.SideAsk, 50, 10)

	_, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	assert.ErrorIs(t, err, orderbook.ErrNoEligibleMaker)
}

func TestTradeWithoutMaker(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 1000, true)

	_, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	assert.ErrorIs(t, err, orderbook.ErrNoEligibleMaker)
}

func TestTradeRebuildsAfterStaleHandle(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 500, true)
	f.restingAsk(50, 10)

	settler := &flakySettler{next: f.relayer, err: &relay.BundleError{Step: "place", Err: ledger.ErrStaleHandle}}
	f.deps.Settler = settler

	res, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, settler.calls)
	assert.Equal(t, program.OrderFilled, f.world.Order(res.Order).Status)
}

func TestTradeDoesNotRebuildAfterPartialSettlement(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()
	f.world.Fund(owner, f.world.Base, 0, false)
	f.world.Fund(owner, f.world.Quote, 500, true)
	f.restingAsk(50, 10)

	settler := &flakySettler{next: f.relayer, err: &relay.BundleError{
		Step:      "match",
		Completed: []relay.CompletedStep{{Step: "place", Signature: "x"}},
		Err:       ledger.ErrStaleHandle,
	}}
	f.deps.Settler = settler

	_, err := trader.New(f.deps).Trade(context.Background(), trader.TradeRequest{
		Market: f.market, Side: program.SideBid, Size: 10, Price: 50,
	})
	assert.ErrorIs(t, err, ledger.ErrStaleHandle)
	assert.Equal(t, 1, settler.calls)
}

func TestShieldAndWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.owner.PublicKey()
	tr := trader.New(f.deps)

	note, err := tr.Shield(ctx, f.world.Base.CollateralMint, f.world.Base.ConfidentialMint, 75)
	require.NoError(t, err)
	assert.NotEmpty(t, note.CreationTx)
	assert.Equal(t, f.world.Base.Vault, note.Vault)
	assert.Equal(t, uint64(1), f.world.ShieldedPool(f.world.Base).NextIndex)

	active, err := f.notes.ListActive(owner)
	require.NoError(t, err)
	require.Len(t, active, 1)

	recipient := solana.NewWallet().PublicKey()
	sig, err := tr.Withdraw(ctx, note.ID, recipient)
	require.NoError(t, err)
	assert.NotEqual(t, solana.Signature{}, sig)
	assert.Equal(t, 1, f.prover.calls)

	stored, err := f.notes.Get(note.ID)
	require.NoError(t, err)
	assert.True(t, stored.Spent)
	assert.Equal(t, sig.String(), stored.SpentTx)

	active, err = f.notes.ListActive(owner)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = tr.Withdraw(ctx, note.ID, recipient)
	assert.ErrorIs(t, err, notes.ErrNoteSpent)
	assert.Equal(t, 1, f.prover.calls)
}

func TestWithdrawFailureKeepsNoteActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := trader.New(f.deps)

	note, err := tr.Shield(ctx, f.world.Base.CollateralMint, f.world.Base.ConfidentialMint, 20)
	require.NoError(t, err)

	inputs, err := f.notes.Spend(ctx, note.ID, f.owner.PublicKey())
	require.NoError(t, err)
	_, nullifier, err := inputs.PublicBytes()
	require.NoError(t, err)
	record, _, err := dex.DeriveNullifierPDA(f.world.Programs.Wrap, f.world.Base.ShieldedPool, nullifier)
	require.NoError(t, err)
	// A nullifier already on the ledger makes the unshield fail.
	f.world.Ledger.SetAccount(record, ledgertest.Account{Owner: f.world.Programs.Wrap, Data: nullifier[:]})

	_, err = tr.Withdraw(ctx, note.ID, f.owner.PublicKey())
	require.Error(t, err)

	stored, err := f.notes.Get(note.ID)
	require.NoError(t, err)
	assert.False(t, stored.Spent)

	again, err := f.notes.Spend(ctx, note.ID, f.owner.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, inputs.Nullifier, again.Nullifier)
}

func TestShieldRejectedBeforeSubmissionDiscardsNote(t *testing.T) {
	f := newFixture(t)
	owner := f.owner.PublicKey()

	_, err := trader.New(f.deps).Shield(context.Background(), f.world.Quote.CollateralMint, f.world.Quote.ConfidentialMint, 20)
	assert.ErrorIs(t, err, bundle.ErrMissingCollateralAccount)

	active, err := f.notes.ListActive(owner)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBalanceRevealsAllowedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.owner.PublicKey()
	account := f.world.Fund(owner, f.world.Quote, 1_250, true)
	tr := trader.New(f.deps)

	assert.Equal(t, owner, tr.Owner())

	balance, err := tr.Balance(ctx, f.world.Quote.ConfidentialMint)
	require.NoError(t, err)
	assert.Equal(t, account, balance.Account)
	assert.Equal(t, uint64(1_250), balance.Amount.Uint64())
	assert.Equal(t, f.world.Quote.Decimals, balance.Decimals)

	_, err = tr.Balance(ctx, f.world.Base.ConfidentialMint)
	assert.ErrorIs(t, err, resolver.ErrNeedsProvision)
}
