package bundle

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/confidential"
	"github.com/coldbell/confidex/backend/internal/dex"
	"github.com/coldbell/confidex/backend/internal/program"
)

// GrantAllowances builds a step granting each grantee decryption rights on
// the current handle of every account. Handles change on every mutation,
// so this runs after settlement. Allowances that already exist are skipped;
// a nil step means nothing is missing.
func (b *Builder) GrantAllowances(ctx context.Context, payer solana.PublicKey, accounts []solana.PublicKey, grantees ...solana.PublicKey) (*Step, error) {
	if len(grantees) == 0 {
		grantees = []solana.PublicKey{payer}
	}

	var instructions []solana.Instruction
	for _, account := range accounts {
		handle, err := b.CurrentHandle(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, grantee := range grantees {
			allowance, _, err := dex.DeriveAllowancePDA(b.programs.Lightning, handle, grantee)
			if err != nil {
				return nil, err
			}
			exists, err := b.ledger.Exists(ctx, allowance)
			if err != nil {
				return nil, err
			}
			if exists {
				continue
			}
			ix, err := program.NewAllowInstruction(b.programs.Lightning, program.AllowAccounts{
				Allowance: allowance,
				Payer:     payer,
				Grantee:   grantee,
			}, program.AllowArgs{Handle: handle, Allowed: true})
			if err != nil {
				return nil, fmt.Errorf("build allow for %s: %w", account, err)
			}
			instructions = append(instructions, ix)
		}
	}
	if len(instructions) == 0 {
		return nil, nil
	}

	prefix, err := b.prefix()
	if err != nil {
		return nil, err
	}
	return &Step{Kind: StepAllow, Instructions: append(prefix, instructions...)}, nil
}

// CurrentHandle reads the handle an account holds right now.
func (b *Builder) CurrentHandle(ctx context.Context, account solana.PublicKey) (confidential.Handle, error) {
	data, err := b.ledger.AccountData(ctx, account)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("load confidential account %s: %w", account, err)
	}
	decoded, err := program.DecodeConfidentialAccount(data)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("decode confidential account %s: %w", account, err)
	}
	return decoded.Handle, nil
}

// StampStep turns a single step into a transaction.
func StampStep(step Step, blockhash solana.Hash, feePayer solana.PublicKey) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(step.Instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("stamp %s: %w", step.Kind, err)
	}
	return tx, nil
}
