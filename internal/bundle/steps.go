package bundle

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/orderbook"
	"github.com/coldbell/confidex/backend/internal/program"
)

// wrapStep converts collateral into confidential balance and grants the
// owner an allowance on the handle the wrap produces. That handle is only
// known after execution, so the wrap is simulated first.
func (b *Builder) wrapStep(ctx context.Context, owner solana.PublicKey, a asset, userConfidential solana.PublicKey, amount uint64) (Step, confidential.Handle, error) {
	instructions, err := b.prefix()
	if err != nil {
		return Step{}, confidential.Handle{}, err
	}

	funding, userCollateral, err := b.fundCollateral(ctx, owner, a.collateral, amount)
	if err != nil {
		return Step{}, confidential.Handle{}, err
	}
	instructions = append(instructions, funding...)

	ct, err := b.codec.EncodeAmount(ctx, amount)
	if err != nil {
		return Step{}, confidential.Handle{}, fmt.Errorf("encrypt wrap amount: %w", err)
	}
	accounts := program.WrapAccounts{
		Vault:               a.vault,
		WrapAuthority:       a.wrapAuthority,
		CollateralMint:      a.collateral,
		ConfidentialMint:    a.confidential,
		Custody:             a.custody,
		UserCollateral:      userCollateral,
		UserConfidential:    userConfidential,
		Owner:               owner,
		ConfidentialProgram: b.programs.ConfidentialToken,
		LightningProgram:    b.programs.Lightning,
	}
	args := program.NewAmountArgs(amount, ct)

	handle, err := b.previewWrapHandle(ctx, owner, instructions, accounts, args)
	if err != nil {
		return Step{}, confidential.Handle{}, err
	}
	allowance, _, err := dex.DeriveAllowancePDA(b.programs.Lightning, handle, owner)
	if err != nil {
		return Step{}, confidential.Handle{}, err
	}
	accounts.Remaining = solana.AccountMetaSlice{
		solana.NewAccountMeta(allowance, true, false),
		solana.NewAccountMeta(owner, false, false),
	}

	wrap, err := program.NewWrapInstruction(b.programs.Wrap, accounts, args)
	if err != nil {
		return Step{}, confidential.Handle{}, fmt.Errorf("build wrap: %w", err)
	}
	return Step{Kind: StepWrap, Instructions: append(instructions, wrap)}, handle, nil
}

// fundCollateral returns the owner's collateral token account. Native SOL
// is moved into the wrapped SOL account first, creating it when absent;
// any other collateral account must already exist.
func (b *Builder) fundCollateral(ctx context.Context, owner, collateral solana.PublicKey, amount uint64) ([]solana.Instruction, solana.PublicKey, error) {
	userCollateral, _, err := solana.FindAssociatedTokenAddress(owner, collateral)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive collateral account: %w", err)
	}
	exists, err := b.ledger.Exists(ctx, userCollateral)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	if !collateral.Equals(solana.SolMint) {
		if !exists {
			return nil, solana.PublicKey{}, fmt.Errorf("%w: %s for mint %s", ErrMissingCollateralAccount, userCollateral, collateral)
		}
		return nil, userCollateral, nil
	}

	var instructions []solana.Instruction
	if !exists {
		create, err := associatedtokenaccount.NewCreateInstruction(owner, owner, collateral).ValidateAndBuild()
		if err != nil {
			return nil, solana.PublicKey{}, fmt.Errorf("build wrapped SOL account: %w", err)
		}
		instructions = append(instructions, create)
	}
	transfer, err := system.NewTransferInstruction(amount, owner, userCollateral).ValidateAndBuild()
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("build native transfer: %w", err)
	}
	sync, err := token.NewSyncNativeInstruction(userCollateral).ValidateAndBuild()
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("build sync native: %w", err)
	}
	return append(instructions, transfer, sync), userCollateral, nil
}

func (b *Builder) previewWrapHandle(ctx context.Context, owner solana.PublicKey, prefix []solana.Instruction, accounts program.WrapAccounts, args program.AmountArgs) (confidential.Handle, error) {
	wrap, err := program.NewWrapInstruction(b.programs.Wrap, accounts, args)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("build wrap: %w", err)
	}
	blockhash, err := b.ledger.LatestBlockhash(ctx)
	if err != nil {
		return confidential.Handle{}, err
	}
	instructions := append(append([]solana.Instruction{}, prefix...), wrap)
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(owner))
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("build wrap preview: %w", err)
	}
	post, err := b.ledger.Simulate(ctx, tx, accounts.UserConfidential)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("simulate wrap: %w", err)
	}
	if len(post) == 0 || post[0] == nil {
		return confidential.Handle{}, fmt.Errorf("simulate wrap: no post-state for %s", accounts.UserConfidential)
	}
	return confidential.ExtractHandle(post[0])
}

// placeStep registers the taker order at the address derived from the
// market's current sequence, with fresh ciphertexts for size and escrow.
func (b *Builder) placeStep(ctx context.Context, intent Intent, marketAddress solana.PublicKey, state *program.MarketState, source solana.PublicKey) (Step, solana.PublicKey, error) {
	order, _, err := dex.DeriveOrderPDA(b.programs.Orderbook, marketAddress, intent.Owner, state.OrderSeq)
	if err != nil {
		return Step{}, solana.PublicKey{}, err
	}
	deposit, _, err := dex.DeriveUserDepositPDA(b.programs.Orderbook, marketAddress, intent.Owner)
	if err != nil {
		return Step{}, solana.PublicKey{}, err
	}
	size, err := b.codec.EncodeAmount(ctx, intent.Size)
	if err != nil {
		return Step{}, solana.PublicKey{}, fmt.Errorf("encrypt order size: %w", err)
	}
	escrow, err := b.codec.EncodeAmount(ctx, intent.Escrow())
	if err != nil {
		return Step{}, solana.PublicKey{}, fmt.Errorf("encrypt order escrow: %w", err)
	}

	vault := state.BaseVault
	if intent.Side == program.SideBid {
		vault = state.QuoteVault
	}
	ix, err := program.NewPlaceOrderInstruction(b.programs.Orderbook, program.PlaceOrderAccounts{
		MarketState:         marketAddress,
		Order:               order,
		Owner:               intent.Owner,
		OwnerSource:         source,
		Vault:               vault,
		VaultAuthority:      state.VaultAuthority,
		ConfidentialProgram: b.programs.ConfidentialToken,
		UserDeposit:         deposit,
	}, program.PlaceOrderArgs{
		Side:      intent.Side,
		Price:     intent.Price,
		Size:      size.Data,
		Escrow:    escrow.Data,
		InputType: size.InputType(),
	})
	if err != nil {
		return Step{}, solana.PublicKey{}, fmt.Errorf("build place_order: %w", err)
	}

	instructions, err := b.prefix()
	if err != nil {
		return Step{}, solana.PublicKey{}, err
	}
	return Step{Kind: StepPlace, Instructions: append(instructions, ix)}, order, nil
}

// matchStep fills the taker order against maker at the maker's price. The
// fill is the taker's full size; the program rejects it if the maker has
// less remaining.
func (b *Builder) matchStep(ctx context.Context, intent Intent, state *program.MarketState, takerOrder solana.PublicKey, maker orderbook.RestingOrder, ownerBase, ownerQuote solana.PublicKey) (Step, Fill, error) {
	fill := Fill{Base: intent.Size, Price: maker.Order.Price}
	if fill.Base > ^uint64(0)/fill.Price {
		return Step{}, Fill{}, fmt.Errorf("%w: fill quote overflows", ErrInvalidIntent)
	}
	fill.Quote = fill.Base * fill.Price

	bidOwnerBase, askOwnerQuote := ownerBase, ownerQuote
	var err error
	if intent.Side == program.SideBid {
		askOwnerQuote, err = b.account(ctx, maker.Order.Owner, state.QuoteMint)
	} else {
		bidOwnerBase, err = b.account(ctx, maker.Order.Owner, state.BaseMint)
	}
	if err != nil {
		return Step{}, Fill{}, fmt.Errorf("maker account: %w", err)
	}

	baseCT, err := b.codec.EncodeAmount(ctx, fill.Base)
	if err != nil {
		return Step{}, Fill{}, fmt.Errorf("encrypt fill base: %w", err)
	}
	quoteCT, err := b.codec.EncodeAmount(ctx, fill.Quote)
	if err != nil {
		return Step{}, Fill{}, fmt.Errorf("encrypt fill quote: %w", err)
	}

	ix, err := program.NewMatchOrdersInstruction(b.programs.Orderbook, program.MatchOrdersAccounts{
		MarketState:         intent.Market.State,
		MatchingAuthority:   state.MatchingAuthority,
		TakerOrder:          takerOrder,
		MakerOrder:          maker.Address,
		VaultAuthority:      state.VaultAuthority,
		BaseVault:           state.BaseVault,
		QuoteVault:          state.QuoteVault,
		BidOwnerBase:        bidOwnerBase,
		AskOwnerQuote:       askOwnerQuote,
		ConfidentialProgram: b.programs.ConfidentialToken,
	}, program.MatchOrdersArgs{
		BaseAmount:  baseCT.Data,
		QuoteAmount: quoteCT.Data,
		InputType:   baseCT.InputType(),
	})
	if err != nil {
		return Step{}, Fill{}, fmt.Errorf("build match_orders: %w", err)
	}

	instructions, err := b.prefix()
	if err != nil {
		return Step{}, Fill{}, err
	}
	return Step{
		Kind:         StepMatch,
		Instructions: append(instructions, ix),
		CoSigners:    []solana.PublicKey{state.MatchingAuthority},
	}, fill, nil
}

// unwrapStep releases confidential proceeds back to collateral, creating
// the destination token account when absent.
func (b *Builder) unwrapStep(ctx context.Context, owner solana.PublicKey, a asset, userConfidential solana.PublicKey, amount uint64) (Step, error) {
	instructions, err := b.prefix()
	if err != nil {
		return Step{}, err
	}
	destination, _, err := solana.FindAssociatedTokenAddress(owner, a.collateral)
	if err != nil {
		return Step{}, fmt.Errorf("derive collateral account: %w", err)
	}
	exists, err := b.ledger.Exists(ctx, destination)
	if err != nil {
		return Step{}, err
	}
	if !exists {
		create, err := associatedtokenaccount.NewCreateInstruction(owner, owner, a.collateral).ValidateAndBuild()
		if err != nil {
			return Step{}, fmt.Errorf("build collateral account: %w", err)
		}
		instructions = append(instructions, create)
	}

	ct, err := b.codec.EncodeAmount(ctx, amount)
	if err != nil {
		return Step{}, fmt.Errorf("encrypt unwrap amount: %w", err)
	}
	ix, err := program.NewUnwrapInstruction(b.programs.Wrap, program.UnwrapAccounts{
		Vault:               a.vault,
		WrapAuthority:       a.wrapAuthority,
		CollateralMint:      a.collateral,
		ConfidentialMint:    a.confidential,
		Custody:             a.custody,
		UserCollateral:      destination,
		UserConfidential:    userConfidential,
		Owner:               owner,
		ConfidentialProgram: b.programs.ConfidentialToken,
	}, program.NewAmountArgs(amount, ct))
	if err != nil {
		return Step{}, fmt.Errorf("build unwrap: %w", err)
	}
	return Step{Kind: StepUnwrap, Instructions: append(instructions, ix)}, nil
}
