package trader

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/bundle"
	"github.com/coldbell/confidex/backend/internal/notes"
	"github.com/coldbell/confidex/backend/internal/program"
)

// Shield deposits collateral behind a new note. The note is discarded if
// the deposit is rejected before submission; if it was submitted but not
// confirmed the note stays pending for a later AttachCreationTx.
func (t *Trader) Shield(ctx context.Context, collateral, confidentialMint solana.PublicKey, amount uint64) (*notes.Note, error) {
	owner := t.signer.PublicKey()
	target, err := t.builder.Target(ctx, collateral, confidentialMint)
	if err != nil {
		return nil, err
	}
	note, err := t.notes.CreateNote(owner, collateral, target.Vault, amount)
	if err != nil {
		return nil, err
	}
	commitment, err := note.CommitmentBytes()
	if err != nil {
		return nil, err
	}

	step, err := t.builder.ShieldStep(ctx, owner, target, amount, commitment)
	if err != nil {
		return nil, t.discard(note, err)
	}
	sig, err := t.sendStep(ctx, step)
	if err != nil {
		if sig == (solana.Signature{}) {
			return nil, t.discard(note, err)
		}
		return nil, fmt.Errorf("shield %s submitted as %s but not confirmed: %w", note.ID, sig, err)
	}
	return t.notes.AttachCreationTx(ctx, note.ID, sig)
}

func (t *Trader) discard(note *notes.Note, cause error) error {
	if err := t.notes.Discard(note.ID); err != nil {
		t.logger.Warn("failed to discard note", "note_id", note.ID, "err", err)
	}
	return cause
}

// Withdraw proves a note and unshields it to recipient. The note is marked
// spent only after the unshield confirms.
func (t *Trader) Withdraw(ctx context.Context, noteID string, recipient solana.PublicKey) (solana.Signature, error) {
	note, err := t.notes.Get(noteID)
	if err != nil {
		return solana.Signature{}, err
	}
	inputs, err := t.notes.Spend(ctx, noteID, recipient)
	if err != nil {
		return solana.Signature{}, err
	}
	proof, err := t.prover.Prove(ctx, inputs)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("prove note %s: %w", noteID, err)
	}
	root, nullifier, err := inputs.PublicBytes()
	if err != nil {
		return solana.Signature{}, err
	}

	vaultData, err := t.chain.AccountData(ctx, note.Vault)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("load vault %s: %w", note.Vault, err)
	}
	vault, err := program.DecodeVault(vaultData)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode vault %s: %w", note.Vault, err)
	}
	target, err := t.builder.Target(ctx, vault.CollateralMint, vault.ConfidentialMint)
	if err != nil {
		return solana.Signature{}, err
	}

	step, err := t.builder.UnshieldStep(ctx, t.signer.PublicKey(), target, bundle.Withdrawal{
		Recipient: recipient,
		Amount:    note.Amount,
		Root:      root,
		Nullifier: nullifier,
		Proof:     proof,
	})
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := t.sendStep(ctx, step)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("unshield note %s: %w", noteID, err)
	}
	if err := t.notes.MarkSpent(noteID, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// ActiveNotes lists the owner's committed, unspent notes.
func (t *Trader) ActiveNotes() ([]*notes.Note, error) {
	return t.notes.ListActive(t.signer.PublicKey())
}
