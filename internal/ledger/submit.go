package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// SimulationError carries the program log of a rejected transaction.
type SimulationError struct {
	Err  any
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed: %v", e.Err)
}

// Submission is the outcome of sending one signed transaction.
type Submission struct {
	Signature solana.Signature
	// Duplicate is set when the ledger had already processed these bytes
	// and the prior signature was recovered.
	Duplicate bool
}

// Send submits an already signed transaction. A duplicate rejection is
// reported as success with the transaction's own signature.
func (l *Ledger) Send(ctx context.Context, tx *solana.Transaction) (Submission, error) {
	if len(tx.Signatures) == 0 {
		return Submission{}, errors.New("send transaction: not signed")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return Submission{}, fmt.Errorf("serialize transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       l.cfg.SkipPreflight,
		PreflightCommitment: l.cfg.Commitment,
	}
	if l.cfg.MaxRetries != nil {
		retries := *l.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := l.rpc.SendRawTransactionWithOpts(ctx, raw, opts)
	if err != nil {
		if IsAlreadyProcessed(err) {
			prior := tx.Signatures[0]
			l.logger.Info("duplicate submission recovered", "signature", prior)
			return Submission{Signature: prior, Duplicate: true}, nil
		}
		return Submission{}, classify(err)
	}
	return Submission{Signature: sig}, nil
}

// SendAndConfirm sends and waits until the signature reaches the configured
// commitment.
func (l *Ledger) SendAndConfirm(ctx context.Context, tx *solana.Transaction) (Submission, error) {
	sub, err := l.Send(ctx, tx)
	if err != nil {
		return Submission{}, err
	}
	if err := l.WaitForConfirmation(ctx, sub.Signature); err != nil {
		return sub, fmt.Errorf("confirm %s: %w", sub.Signature, err)
	}
	return sub, nil
}

func (l *Ledger) WaitForConfirmation(ctx context.Context, sig solana.Signature) error {
	if done, err := l.checkStatus(ctx, sig); done || err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done, err := l.checkStatus(ctx, sig); done || err != nil {
				return err
			}
		}
	}
}

func (l *Ledger) checkStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	result, err := l.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		l.logger.Debug("signature status lookup failed", "signature", sig, "err", err)
		return false, nil
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	status := result.Value[0]
	if status.Err != nil {
		return true, fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	if l.cfg.Commitment == rpc.CommitmentProcessed && status.ConfirmationStatus == rpc.ConfirmationStatusProcessed {
		return true, nil
	}
	return false, nil
}

// Simulate dry-runs tx and returns post-state data for the requested
// addresses, in order. A program error is a *SimulationError.
func (l *Ledger) Simulate(ctx context.Context, tx *solana.Transaction, addresses ...solana.PublicKey) ([][]byte, error) {
	opts := &rpc.SimulateTransactionOpts{
		SigVerify:              false,
		Commitment:             l.cfg.Commitment,
		ReplaceRecentBlockhash: true,
	}
	if len(addresses) > 0 {
		opts.Accounts = &rpc.SimulateTransactionAccountsOpts{
			Encoding:  solana.EncodingBase64,
			Addresses: addresses,
		}
	}

	resp, err := l.rpc.SimulateTransactionWithOpts(ctx, padSignatures(tx), opts)
	if err != nil {
		return nil, fmt.Errorf("simulate transaction: %w", err)
	}
	if resp == nil || resp.Value == nil {
		return nil, errors.New("simulate transaction: empty response")
	}
	if resp.Value.Err != nil {
		return nil, classify(&SimulationError{Err: resp.Value.Err, Logs: resp.Value.Logs})
	}

	out := make([][]byte, len(addresses))
	for i := range addresses {
		if i < len(resp.Value.Accounts) && resp.Value.Accounts[i] != nil {
			out[i] = resp.Value.Accounts[i].Data.GetBinary()
		}
	}
	return out, nil
}

// padSignatures returns tx with zero signatures filling unsigned slots so it
// serializes; the original is left alone.
func padSignatures(tx *solana.Transaction) *solana.Transaction {
	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) >= required {
		return tx
	}
	padded := *tx
	padded.Signatures = make([]solana.Signature, required)
	copy(padded.Signatures, tx.Signatures)
	return &padded
}

// IsAlreadyProcessed recognizes the ledger's duplicate-transaction error.
func IsAlreadyProcessed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "already been processed") || strings.Contains(msg, "alreadyprocessed") {
		return true
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if data, ok := rpcErr.Data.(map[string]any); ok {
			if text, ok := data["err"].(string); ok && strings.EqualFold(text, "AlreadyProcessed") {
				return true
			}
		}
	}
	return false
}

// Logs extracts program logs from a send or simulation error.
func Logs(err error) []string {
	var simErr *SimulationError
	if errors.As(err, &simErr) {
		return simErr.Logs
	}
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	data, ok := rpcErr.Data.(map[string]any)
	if !ok {
		return nil
	}
	rawLogs, ok := data["logs"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rawLogs))
	for _, line := range rawLogs {
		if text, ok := line.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

// classify converts RPC preflight failures into *SimulationError and tags
// stale-handle rejections.
func classify(err error) error {
	logs := Logs(err)
	var simErr *SimulationError
	if !errors.As(err, &simErr) {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) && logs != nil {
			var cause any = rpcErr.Message
			if data, ok := rpcErr.Data.(map[string]any); ok && data["err"] != nil {
				cause = data["err"]
			}
			err = &SimulationError{Err: cause, Logs: logs}
		}
	}
	for _, line := range logs {
		if strings.Contains(line, "StaleHandle") {
			return fmt.Errorf("%w: %w", ErrStaleHandle, err)
		}
	}
	return err
}
