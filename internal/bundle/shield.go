package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"

	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/program"
)

var ErrEmptyProof = errors.New("withdrawal proof is empty")

// ShieldTarget names the vault a note is shielded into.
type ShieldTarget struct {
	Collateral   solana.PublicKey
	Confidential solana.PublicKey
	Vault        solana.PublicKey
	Pool         solana.PublicKey
}

// Target resolves and checks the vault and shielded pool of a mint pair.
func (b *Builder) Target(ctx context.Context, collateral, confidentialMint solana.PublicKey) (ShieldTarget, error) {
	a := asset{collateral: collateral, confidential: confidentialMint}
	if err := b.loadVault(ctx, &a); err != nil {
		return ShieldTarget{}, err
	}
	pool, _, err := dex.DeriveShieldedPoolPDA(b.programs.Wrap, collateral, confidentialMint)
	if err != nil {
		return ShieldTarget{}, err
	}
	return ShieldTarget{Collateral: collateral, Confidential: confidentialMint, Vault: a.vault, Pool: pool}, nil
}

// ShieldStep deposits collateral into the vault behind a note commitment.
func (b *Builder) ShieldStep(ctx context.Context, owner solana.PublicKey, target ShieldTarget, amount uint64, commitment [32]byte) (Step, error) {
	if amount == 0 {
		return Step{}, fmt.Errorf("%w: shield amount must be positive", ErrInvalidIntent)
	}
	a := asset{collateral: target.Collateral, confidential: target.Confidential}
	if err := b.loadVault(ctx, &a); err != nil {
		return Step{}, err
	}

	instructions, err := b.prefix()
	if err != nil {
		return Step{}, err
	}
	funding, userCollateral, err := b.fundCollateral(ctx, owner, a.collateral, amount)
	if err != nil {
		return Step{}, err
	}
	instructions = append(instructions, funding...)

	ix, err := program.NewShieldInstruction(b.programs.Wrap, program.ShieldAccounts{
		Vault:          a.vault,
		ShieldedPool:   target.Pool,
		CollateralMint: a.collateral,
		Custody:        a.custody,
		UserCollateral: userCollateral,
		Owner:          owner,
	}, program.ShieldArgs{Amount: amount, Commitment: commitment})
	if err != nil {
		return Step{}, fmt.Errorf("build shield: %w", err)
	}
	return Step{Kind: StepShield, Instructions: append(instructions, ix)}, nil
}

// Withdrawal is a proven note spend.
type Withdrawal struct {
	Recipient solana.PublicKey
	Amount    uint64
	Root      [32]byte
	Nullifier [32]byte
	Proof     []byte
}

// UnshieldStep releases a shielded note's collateral to the recipient,
// creating the recipient's token account when absent.
func (b *Builder) UnshieldStep(ctx context.Context, payer solana.PublicKey, target ShieldTarget, w Withdrawal) (Step, error) {
	if len(w.Proof) == 0 {
		return Step{}, ErrEmptyProof
	}
	a := asset{collateral: target.Collateral, confidential: target.Confidential}
	if err := b.loadVault(ctx, &a); err != nil {
		return Step{}, err
	}
	record, _, err := dex.DeriveNullifierPDA(b.programs.Wrap, target.Pool, w.Nullifier)
	if err != nil {
		return Step{}, err
	}

	instructions, err := b.prefix()
	if err != nil {
		return Step{}, err
	}
	destination, _, err := solana.FindAssociatedTokenAddress(w.Recipient, a.collateral)
	if err != nil {
		return Step{}, fmt.Errorf("derive recipient account: %w", err)
	}
	exists, err := b.ledger.Exists(ctx, destination)
	if err != nil {
		return Step{}, err
	}
	if !exists {
		create, err := associatedtokenaccount.NewCreateInstruction(payer, w.Recipient, a.collateral).ValidateAndBuild()
		if err != nil {
			return Step{}, fmt.Errorf("build recipient account: %w", err)
		}
		instructions = append(instructions, create)
	}

	ix, err := program.NewUnshieldInstruction(b.programs.Wrap, program.UnshieldAccounts{
		Vault:               a.vault,
		WrapAuthority:       a.wrapAuthority,
		ShieldedPool:        target.Pool,
		NullifierRecord:     record,
		Custody:             a.custody,
		RecipientCollateral: destination,
		Payer:               payer,
	}, program.UnshieldArgs{
		Proof:     w.Proof,
		Root:      w.Root,
		Nullifier: w.Nullifier,
		Recipient: w.Recipient,
		Amount:    w.Amount,
	})
	if err != nil {
		return Step{}, fmt.Errorf("build unshield: %w", err)
	}
	return Step{Kind: StepUnshield, Instructions: append(instructions, ix)}, nil
}
