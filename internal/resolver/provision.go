package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/ledger"
	"github.com/coldbell/confidex/backend/internal/program"
)

// Provisioned maps every requested mint to its confidential account.
// Created lists only the accounts this call initialized.
type Provisioned struct {
	Accounts  map[solana.PublicKey]solana.PublicKey
	Created   []solana.PublicKey
	Signature solana.Signature
}

// ProvisionBatch resolves each mint for the signer and initializes the
// missing ones in a single transaction, one fresh keypair per new account.
// Pairs that already have an account are never initialized again.
func (r *Resolver) ProvisionBatch(ctx context.Context, signer ledger.Signer, mints []solana.PublicKey) (*Provisioned, error) {
	owner := signer.PublicKey()
	out := &Provisioned{Accounts: make(map[solana.PublicKey]solana.PublicKey, len(mints))}

	var missing []solana.PublicKey
	seen := make(map[solana.PublicKey]bool, len(mints))
	for _, mint := range mints {
		if seen[mint] {
			continue
		}
		seen[mint] = true

		account, err := r.Resolve(ctx, owner, mint)
		switch {
		case err == nil:
			out.Accounts[mint] = account
		case errors.Is(err, ErrNeedsProvision):
			missing = append(missing, mint)
		default:
			return nil, err
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	instructions := make([]solana.Instruction, 0, len(missing))
	keys := make([]solana.PrivateKey, 0, len(missing))
	for _, mint := range missing {
		key := r.NewAccountKey()
		ix, err := program.NewInitializeAccountInstruction(r.programID, program.InitializeAccountAccounts{
			Account: key.PublicKey(),
			Mint:    mint,
			Owner:   owner,
			Payer:   owner,
		})
		if err != nil {
			return nil, fmt.Errorf("build initialize_account for mint %s: %w", mint, err)
		}
		instructions = append(instructions, ix)
		keys = append(keys, key)
	}

	blockhash, err := r.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(owner))
	if err != nil {
		return nil, fmt.Errorf("build provisioning transaction: %w", err)
	}
	if err := ledger.PartialSign(tx, keys...); err != nil {
		return nil, err
	}
	if err := signer.SignTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("owner signature: %w", err)
	}

	sub, err := r.ledger.SendAndConfirm(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("provision %d confidential accounts: %w", len(missing), err)
	}

	for i, mint := range missing {
		account := keys[i].PublicKey()
		out.Accounts[mint] = account
		out.Created = append(out.Created, account)
		r.remember(cacheKey(owner, mint), account)
	}
	out.Signature = sub.Signature
	r.logger.Info("provisioned confidential accounts", "owner", owner, "count", len(missing), "signature", sub.Signature)
	return out, nil
}
