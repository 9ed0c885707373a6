// Package trader runs a trade from intent to settlement and manages the
// owner's shielded notes.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/coldbell/confidex/backend/internal/bundle"
	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/notes"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
	"github.com/coldbell/confidex/backend/internal/relay"
	"github.com/coldbell/confidex/backend/internal/resolver"
	"github.com/coldbell/confidex/backend/internal/retry"
)

var ErrInsufficientBalance = errors.New("insufficient confidential balance")

const defaultStaleAttempts = 3

// Chain is the part of *ledger.Ledger the trader sends through directly.
type Chain interface {
	AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendAndConfirm(ctx context.Context, tx *solana.Transaction) (ledger.Submission, error)
}

type Revealer interface {
	Reveal(ctx context.Context, handle confidential.Handle, signer confidential.MessageSigner) (*uint256.Int, error)
}

type Deps struct {
	Chain    Chain
	Signer   ledger.Signer
	Resolver *resolver.Resolver
	Book     *orderbook.Book
	Builder  *bundle.Builder
	Settler  relay.Settler
	Revealer Revealer
	Notes    *notes.Ledger
	Prover   notes.Prover
	Logger   *slog.Logger

	// StaleAttempts bounds rebuilds after a stale handle rejection that
	// happened before any step landed.
	StaleAttempts uint
}

type Trader struct {
	chain         Chain
	signer        ledger.Signer
	resolver      *resolver.Resolver
	book          *orderbook.Book
	builder       *bundle.Builder
	settler       relay.Settler
	revealer      Revealer
	notes         *notes.Ledger
	prover        notes.Prover
	logger        *slog.Logger
	staleAttempts uint
}

func New(d Deps) *Trader {
	if d.StaleAttempts == 0 {
		d.StaleAttempts = defaultStaleAttempts
	}
	return &Trader{
		chain:         d.Chain,
		signer:        d.Signer,
		resolver:      d.Resolver,
		book:          d.Book,
		builder:       d.Builder,
		settler:       d.Settler,
		revealer:      d.Revealer,
		notes:         d.Notes,
		prover:        d.Prover,
		logger:        d.Logger,
		staleAttempts: d.StaleAttempts,
	}
}

type TradeRequest struct {
	Market         bundle.Market
	Side           program.Side
	Size           uint64
	Price          uint64
	WrapAmount     uint64
	UnwrapProceeds bool
}

type TradeResult struct {
	Settlement *relay.Result
	Order      solana.PublicKey
	Maker      solana.PublicKey
	Fill       bundle.Fill
	OwnerBase  solana.PublicKey
	OwnerQuote solana.PublicKey
	// AllowanceSignature is zero when every allowance already existed or
	// the refresh failed; the trade itself is settled either way.
	AllowanceSignature solana.Signature
}

// Trade provisions the owner's accounts, checks the committed balance,
// picks a maker, then builds, signs and settles the bundle.
func (t *Trader) Trade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	owner := t.signer.PublicKey()
	intent := bundle.Intent{
		Owner:          owner,
		Market:         req.Market,
		Side:           req.Side,
		Size:           req.Size,
		Price:          req.Price,
		WrapAmount:     req.WrapAmount,
		UnwrapProceeds: req.UnwrapProceeds,
	}

	state, err := t.book.Market(ctx, req.Market.State)
	if err != nil {
		return nil, err
	}
	provisioned, err := t.resolver.ProvisionBatch(ctx, t.signer, []solana.PublicKey{state.BaseMint, state.QuoteMint})
	if err != nil {
		return nil, fmt.Errorf("provision confidential accounts: %w", err)
	}
	committedMint := state.BaseMint
	if req.Side == program.SideBid {
		committedMint = state.QuoteMint
	}
	covered, err := t.checkBalance(ctx, provisioned.Accounts[committedMint], intent)
	if err != nil {
		return nil, err
	}
	if covered && intent.WrapAmount > 0 {
		t.logger.Info("balance covers escrow, skipping wrap", "wrap_amount", intent.WrapAmount, "escrow", intent.Escrow())
		intent.WrapAmount = 0
	}

	var result *TradeResult
	_, err = retry.Retry(ctx, func(ctx context.Context) error {
		var err error
		result, err = t.settle(ctx, intent)
		return err
	}, retry.Limit(t.staleAttempts), t.retryStale)
	if err != nil {
		return nil, err
	}

	t.refreshAllowances(ctx, result)
	return result, nil
}

// retryStale rebuilds only when the rejection came before anything landed;
// after that a rebuild would repeat settled steps.
func (t *Trader) retryStale(_ context.Context, attempts uint, err error) bool {
	if !errors.Is(err, ledger.ErrStaleHandle) {
		return false
	}
	var bundleErr *relay.BundleError
	if errors.As(err, &bundleErr) && len(bundleErr.Completed) > 0 {
		return false
	}
	t.logger.Warn("stale handle, rebuilding bundle", "attempt", attempts, "err", err)
	return true
}

func (t *Trader) settle(ctx context.Context, intent bundle.Intent) (*TradeResult, error) {
	orders, err := t.book.RestingOrders(ctx, intent.Market.State)
	if err != nil {
		return nil, err
	}
	// The owner's own resting orders are never matched against.
	others := orders[:0:0]
	for _, o := range orders {
		if o.Order != nil && o.Order.Owner.Equals(intent.Owner) {
			continue
		}
		others = append(others, o)
	}
	maker, err := orderbook.SelectMaker(others, intent.Side)
	if err != nil {
		return nil, err
	}
	plan, err := t.builder.Build(ctx, intent, maker)
	if err != nil {
		return nil, err
	}

	blockhash, err := t.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	txs, err := plan.Stamp(blockhash, intent.Owner)
	if err != nil {
		return nil, err
	}
	for _, tx := range txs.All() {
		if err := t.signer.SignTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("sign bundle: %w", err)
		}
	}

	res, err := t.settler.Settle(ctx, &relay.Bundle{Pre: txs.Pre, Place: txs.Place, Match: txs.Match, Post: txs.Post})
	if err != nil {
		return nil, err
	}
	t.logger.Info("trade settled",
		"bundle_id", res.ID,
		"order", plan.Order,
		"maker", maker.Address,
		"base", plan.Fill.Base,
		"quote", plan.Fill.Quote,
	)
	return &TradeResult{
		Settlement: res,
		Order:      plan.Order,
		Maker:      maker.Address,
		Fill:       plan.Fill,
		OwnerBase:  plan.OwnerBase,
		OwnerQuote: plan.OwnerQuote,
	}, nil
}

// checkBalance reveals the committed account and reports whether the
// existing balance covers the escrow without a wrap. An account the owner
// may not decrypt yet is left for the ledger to enforce.
func (t *Trader) checkBalance(ctx context.Context, account solana.PublicKey, intent bundle.Intent) (bool, error) {
	if t.revealer == nil {
		return false, nil
	}
	handle, err := t.builder.CurrentHandle(ctx, account)
	if err != nil {
		return false, err
	}
	balance, err := t.revealer.Reveal(ctx, handle, t.signer)
	if errors.Is(err, confidential.ErrNotAllowed) {
		t.logger.Warn("balance check skipped", "account", account, "err", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reveal balance of %s: %w", account, err)
	}

	escrow := uint256.NewInt(intent.Escrow())
	if !balance.Lt(escrow) {
		return true, nil
	}
	available := new(uint256.Int).Add(balance, uint256.NewInt(intent.WrapAmount))
	if available.Lt(escrow) {
		return false, fmt.Errorf("%w: have %s plus %d to wrap, need %d", ErrInsufficientBalance, balance.ToBig().String(), intent.WrapAmount, intent.Escrow())
	}
	return false, nil
}

func (t *Trader) refreshAllowances(ctx context.Context, result *TradeResult) {
	step, err := t.builder.GrantAllowances(ctx, t.signer.PublicKey(), []solana.PublicKey{result.OwnerBase, result.OwnerQuote})
	if err == nil && step != nil {
		result.AllowanceSignature, err = t.sendStep(ctx, *step)
	}
	if err != nil {
		t.logger.Warn("allowance refresh failed", "err", err)
	}
}

// sendStep stamps, signs and confirms a single step owned by the signer.
func (t *Trader) sendStep(ctx context.Context, step bundle.Step) (solana.Signature, error) {
	blockhash, err := t.chain.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := bundle.StampStep(step, blockhash, t.signer.PublicKey())
	if err != nil {
		return solana.Signature{}, err
	}
	if err := t.signer.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("sign %s: %w", step.Kind, err)
	}
	sub, err := t.chain.SendAndConfirm(ctx, tx)
	return sub.Signature, err
}

func (t *Trader) Owner() solana.PublicKey {
	return t.signer.PublicKey()
}

// Balance is the owner's decrypted balance of a confidential mint together
// with the mint's decimals.
type Balance struct {
	Account  solana.PublicKey
	Amount   *uint256.Int
	Decimals uint8
}

func (b Balance) Display() string {
	return confidential.FormatDisplay(b.Amount, b.Decimals)
}

func (t *Trader) Balance(ctx context.Context, mint solana.PublicKey) (*Balance, error) {
	if t.revealer == nil {
		return nil, errors.New("no decryption service configured")
	}
	account, err := t.resolver.Resolve(ctx, t.signer.PublicKey(), mint)
	if err != nil {
		return nil, err
	}
	data, err := t.chain.AccountData(ctx, mint)
	if err != nil {
		return nil, fmt.Errorf("load confidential mint %s: %w", mint, err)
	}
	decoded, err := program.DecodeConfidentialMint(data)
	if err != nil {
		return nil, fmt.Errorf("decode confidential mint %s: %w", mint, err)
	}
	handle, err := t.builder.CurrentHandle(ctx, account)
	if err != nil {
		return nil, err
	}
	amount, err := t.revealer.Reveal(ctx, handle, t.signer)
	if err != nil {
		return nil, fmt.Errorf("reveal balance of %s: %w", account, err)
	}
	return &Balance{Account: account, Amount: amount, Decimals: decoded.Decimals}, nil
}
