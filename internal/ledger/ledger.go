// Package ledger wraps the RPC calls the client needs: account reads,
// simulation, raw submission and confirmation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrStaleHandle means a ciphertext proof referenced a handle that has
	// since changed. Re-resolve the account and rebuild the step.
	ErrStaleHandle = errors.New("stale confidential handle")
)

// Client is the subset of *rpc.Client used here.
type Client interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	SendRawTransactionWithOpts(ctx context.Context, txData []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

var _ Client = (*rpc.Client)(nil)

type Config struct {
	Commitment                    rpc.CommitmentType
	SkipPreflight                 bool
	MaxRetries                    *uint
	ConfirmInterval               time.Duration
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
}

type Ledger struct {
	rpc    Client
	cfg    Config
	logger *slog.Logger
}

func New(client Client, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.Commitment == "" {
		cfg.Commitment = rpc.CommitmentConfirmed
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 700 * time.Millisecond
	}
	return &Ledger{rpc: client, cfg: cfg, logger: logger}
}

func (l *Ledger) Commitment() rpc.CommitmentType {
	return l.cfg.Commitment
}

// Account fetches an account, mapping an empty value to ErrAccountNotFound.
func (l *Ledger) Account(ctx context.Context, pubkey solana.PublicKey) (*rpc.Account, error) {
	resp, err := l.rpc.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Commitment: l.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pubkey)
		}
		return nil, fmt.Errorf("fetch account %s: %w", pubkey, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pubkey)
	}
	return resp.Value, nil
}

func (l *Ledger) AccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error) {
	account, err := l.Account(ctx, pubkey)
	if err != nil {
		return nil, err
	}
	return account.Data.GetBinary(), nil
}

// Exists reports whether an account is present, treating only
// ErrAccountNotFound as absence.
func (l *Ledger) Exists(ctx context.Context, pubkey solana.PublicKey) (bool, error) {
	_, err := l.Account(ctx, pubkey)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) ProgramAccounts(ctx context.Context, programID solana.PublicKey, filters ...rpc.RPCFilter) (rpc.GetProgramAccountsResult, error) {
	out, err := l.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Commitment: l.cfg.Commitment,
		Encoding:   solana.EncodingBase64,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", programID, err)
	}
	return out, nil
}

// MemcmpFilter matches raw bytes at offset.
func MemcmpFilter(offset uint64, data []byte) rpc.RPCFilter {
	return rpc.RPCFilter{Memcmp: &rpc.RPCFilterMemcmp{Offset: offset, Bytes: solana.Base58(data)}}
}

func (l *Ledger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	recent, err := l.rpc.GetLatestBlockhash(ctx, l.cfg.Commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if recent == nil || recent.Value == nil {
		return solana.Hash{}, errors.New("get latest blockhash: empty response")
	}
	return recent.Value.Blockhash, nil
}

// ComputeBudgetInstructions returns the configured compute budget prefix.
func (l *Ledger) ComputeBudgetInstructions() ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 2)
	if l.cfg.ComputeUnitLimit > 0 {
		ix, err := computebudget.NewSetComputeUnitLimitInstruction(l.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	if l.cfg.ComputeUnitPriceMicroLamports > 0 {
		ix, err := computebudget.NewSetComputeUnitPriceInstruction(l.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, ix)
	}
	return instructions, nil
}
