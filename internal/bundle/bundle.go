// Package bundle assembles the ordered transactions of one trade: wrap,
// place, match and unwrap.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/resolver"
)

var (
	ErrMintAuthorityNotDelegated  = errors.New("confidential mint authority is not delegated to the vault")
	ErrVaultNotInitialized        = errors.New("vault is not initialized")
	ErrMissingConfidentialAccount = errors.New("missing confidential account")
	ErrMissingCollateralAccount   = errors.New("missing collateral token account")
	ErrInvalidIntent              = errors.New("invalid trade intent")
)

// Ledger is the read and dry-run surface of *ledger.Ledger.
type Ledger interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error)
	Exists(ctx context.Context, pubkey solana.PublicKey) (bool, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Simulate(ctx context.Context, tx *solana.Transaction, addresses ...solana.PublicKey) ([][]byte, error)
	ComputeBudgetInstructions() ([]solana.Instruction, error)
}

type AccountResolver interface {
	Resolve(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error)
}

// Market identifies a market by its state account plus the collateral
// mints its confidential mints wrap.
type Market struct {
	State           solana.PublicKey
	BaseCollateral  solana.PublicKey
	QuoteCollateral solana.PublicKey
}

// Intent is one taker order. WrapAmount is the collateral to wrap into the
// committed side before placing; zero skips the wrap step.
type Intent struct {
	Owner          solana.PublicKey
	Market         Market
	Side           program.Side
	Size           uint64
	Price          uint64
	WrapAmount     uint64
	UnwrapProceeds bool
}

func (i Intent) validate() error {
	if i.Owner.IsZero() || i.Market.State.IsZero() {
		return fmt.Errorf("%w: owner and market are required", ErrInvalidIntent)
	}
	if i.Size == 0 || i.Price == 0 {
		return fmt.Errorf("%w: size and price must be positive", ErrInvalidIntent)
	}
	if i.Side == program.SideBid && i.Size > ^uint64(0)/i.Price {
		return fmt.Errorf("%w: size*price overflows", ErrInvalidIntent)
	}
	return nil
}

// Escrow is the amount the order commits: quote for a bid, base for an ask.
func (i Intent) Escrow() uint64 {
	if i.Side == program.SideBid {
		return i.Size * i.Price
	}
	return i.Size
}

type Builder struct {
	ledger   Ledger
	codec    *confidential.Codec
	resolver AccountResolver
	programs program.ProgramIDs
	logger   *slog.Logger
}

func NewBuilder(l Ledger, codec *confidential.Codec, r AccountResolver, programs program.ProgramIDs, logger *slog.Logger) *Builder {
	return &Builder{ledger: l, codec: codec, resolver: r, programs: programs, logger: logger}
}

// asset is one side of a market with its vault addresses resolved.
type asset struct {
	collateral    solana.PublicKey
	confidential  solana.PublicKey
	vault         solana.PublicKey
	wrapAuthority solana.PublicKey
	custody       solana.PublicKey
}

// Build produces the unsigned plan for intent against maker. Nothing is
// sent; the wrap step is dry-run to learn the handle it will produce.
func (b *Builder) Build(ctx context.Context, intent Intent, maker orderbook.RestingOrder) (*Plan, error) {
	if err := intent.validate(); err != nil {
		return nil, err
	}
	if maker.Order == nil {
		return nil, fmt.Errorf("%w: maker order is required", orderbook.ErrNoEligibleMaker)
	}
	if !orderbook.Crosses(intent.Side, intent.Price, maker.Order) {
		return nil, fmt.Errorf("%w: maker %s at %d does not cross %s at %d",
			orderbook.ErrNoEligibleMaker, maker.Address, maker.Order.Price, intent.Side, intent.Price)
	}

	state, err := b.market(ctx, intent.Market.State)
	if err != nil {
		return nil, err
	}
	base := asset{collateral: intent.Market.BaseCollateral, confidential: state.BaseMint}
	quote := asset{collateral: intent.Market.QuoteCollateral, confidential: state.QuoteMint}

	ownerBase, err := b.account(ctx, intent.Owner, base.confidential)
	if err != nil {
		return nil, err
	}
	ownerQuote, err := b.account(ctx, intent.Owner, quote.confidential)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Maker:      maker,
		OwnerBase:  ownerBase,
		OwnerQuote: ownerQuote,
	}

	committed, committedAccount := base, ownerBase
	if intent.Side == program.SideBid {
		committed, committedAccount = quote, ownerQuote
	}

	if intent.WrapAmount > 0 {
		if err := b.loadVault(ctx, &committed); err != nil {
			return nil, err
		}
		step, handle, err := b.wrapStep(ctx, intent.Owner, committed, committedAccount, intent.WrapAmount)
		if err != nil {
			return nil, err
		}
		plan.Pre = append(plan.Pre, step)
		plan.WrappedHandle = handle
	}

	place, order, err := b.placeStep(ctx, intent, intent.Market.State, state, committedAccount)
	if err != nil {
		return nil, err
	}
	plan.Place = place
	plan.Order = order

	match, fill, err := b.matchStep(ctx, intent, state, order, maker, ownerBase, ownerQuote)
	if err != nil {
		return nil, err
	}
	plan.Match = match
	plan.Fill = fill

	if intent.UnwrapProceeds {
		proceeds, proceedsAccount, amount := base, ownerBase, fill.Base
		if intent.Side == program.SideAsk {
			proceeds, proceedsAccount, amount = quote, ownerQuote, fill.Quote
		}
		if err := b.loadVault(ctx, &proceeds); err != nil {
			return nil, err
		}
		step, err := b.unwrapStep(ctx, intent.Owner, proceeds, proceedsAccount, amount)
		if err != nil {
			return nil, err
		}
		plan.Post = append(plan.Post, step)
	}

	b.logger.Info("bundle built",
		"owner", intent.Owner,
		"side", intent.Side,
		"order", plan.Order,
		"maker", maker.Address,
		"pre", len(plan.Pre),
		"post", len(plan.Post),
	)
	return plan, nil
}

func (b *Builder) market(ctx context.Context, address solana.PublicKey) (*program.MarketState, error) {
	data, err := b.ledger.AccountData(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load market %s: %w", address, err)
	}
	state, err := program.DecodeMarketState(data)
	if err != nil {
		return nil, fmt.Errorf("decode market %s: %w", address, err)
	}
	return state, nil
}

func (b *Builder) account(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	account, err := b.resolver.Resolve(ctx, owner, mint)
	if errors.Is(err, resolver.ErrNeedsProvision) {
		return solana.PublicKey{}, fmt.Errorf("%w: owner %s mint %s", ErrMissingConfidentialAccount, owner, mint)
	}
	return account, err
}

// loadVault fills in the vault addresses and checks that wrapping can
// succeed: the vault is initialized and the confidential mint's authority
// is the vault's derived authority.
func (b *Builder) loadVault(ctx context.Context, a *asset) error {
	vault, _, err := dex.DeriveVaultPDA(b.programs.Wrap, a.collateral, a.confidential)
	if err != nil {
		return err
	}
	authority, _, err := dex.DeriveWrapAuthorityPDA(b.programs.Wrap, vault)
	if err != nil {
		return err
	}

	data, err := b.ledger.AccountData(ctx, vault)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVaultNotInitialized, vault, err)
	}
	decoded, err := program.DecodeVault(data)
	if err != nil {
		return fmt.Errorf("decode vault %s: %w", vault, err)
	}
	if !decoded.Initialized {
		return fmt.Errorf("%w: %s", ErrVaultNotInitialized, vault)
	}

	mintData, err := b.ledger.AccountData(ctx, a.confidential)
	if err != nil {
		return fmt.Errorf("load confidential mint %s: %w", a.confidential, err)
	}
	mint, err := program.DecodeConfidentialMint(mintData)
	if err != nil {
		return fmt.Errorf("decode confidential mint %s: %w", a.confidential, err)
	}
	if !mint.MintAuthority.Equals(authority) {
		return fmt.Errorf("%w: mint %s authority is %s, want %s", ErrMintAuthorityNotDelegated, a.confidential, mint.MintAuthority, authority)
	}

	a.vault = vault
	a.wrapAuthority = authority
	a.custody = decoded.Custody
	return nil
}

// prefix returns the compute budget instructions every step starts with.
func (b *Builder) prefix() ([]solana.Instruction, error) {
	return b.ledger.ComputeBudgetInstructions()
}
