package relay

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/confidex/backend/internal/ledger"
)

// SettleRequest carries base64 serialized transactions.
type SettleRequest struct {
	PreTxs  []string `json:"preTxs"`
	PlaceTx string   `json:"placeTx"`
	MatchTx string   `json:"matchTx,omitempty"`
	PostTxs []string `json:"postTxs"`
}

type SettleResponse struct {
	BundleID       string   `json:"bundleId"`
	PreSignatures  []string `json:"preSignatures"`
	PlaceSignature string   `json:"placeSignature"`
	MatchSignature string   `json:"matchSignature"`
	PostSignatures []string `json:"postSignatures"`
}

// Failure kinds carried on the wire so the client can restore the sentinel
// a caller matches with errors.Is.
const (
	KindStaleHandle       = "stale_handle"
	KindTransactionFailed = "transaction_failed"
	KindAuthorityMismatch = "authority_mismatch"
	KindInvalidBundle     = "invalid_bundle"
)

var failureKinds = []struct {
	kind string
	err  error
}{
	{KindStaleHandle, ledger.ErrStaleHandle},
	{KindAuthorityMismatch, ErrAuthorityMismatch},
	{KindInvalidBundle, ErrInvalidBundle},
	{KindTransactionFailed, ledger.ErrTransactionFailed},
}

type FailureResponse struct {
	Error          string                 `json:"error"`
	Kind           string                 `json:"kind,omitempty"`
	BundleID       string                 `json:"bundleId,omitempty"`
	FailedStep     string                 `json:"failedStep,omitempty"`
	Completed      []CompletedStep        `json:"completed,omitempty"`
	Logs           []string               `json:"logs,omitempty"`
	SignatureDebug *ledger.SignatureDebug `json:"signatureDebug,omitempty"`
}

func EncodeRequest(b *Bundle) (*SettleRequest, error) {
	out := &SettleRequest{PreTxs: []string{}, PostTxs: []string{}}
	for i, tx := range b.Pre {
		encoded, err := ledger.EncodeTransaction(tx)
		if err != nil {
			return nil, fmt.Errorf("pre[%d]: %w", i, err)
		}
		out.PreTxs = append(out.PreTxs, encoded)
	}
	var err error
	if out.PlaceTx, err = ledger.EncodeTransaction(b.Place); err != nil {
		return nil, fmt.Errorf("place: %w", err)
	}
	if b.Match != nil {
		if out.MatchTx, err = ledger.EncodeTransaction(b.Match); err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}
	}
	for i, tx := range b.Post {
		encoded, err := ledger.EncodeTransaction(tx)
		if err != nil {
			return nil, fmt.Errorf("post[%d]: %w", i, err)
		}
		out.PostTxs = append(out.PostTxs, encoded)
	}
	return out, nil
}

func (r *SettleRequest) Decode() (*Bundle, error) {
	if r.PlaceTx == "" {
		return nil, fmt.Errorf("%w: placeTx is required", ErrInvalidBundle)
	}
	out := &Bundle{}
	for i, raw := range r.PreTxs {
		tx, err := ledger.DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: preTxs[%d]: %w", ErrInvalidBundle, i, err)
		}
		out.Pre = append(out.Pre, tx)
	}
	var err error
	if out.Place, err = ledger.DecodeTransaction(r.PlaceTx); err != nil {
		return nil, fmt.Errorf("%w: placeTx: %w", ErrInvalidBundle, err)
	}
	if r.MatchTx != "" {
		if out.Match, err = ledger.DecodeTransaction(r.MatchTx); err != nil {
			return nil, fmt.Errorf("%w: matchTx: %w", ErrInvalidBundle, err)
		}
	}
	for i, raw := range r.PostTxs {
		tx, err := ledger.DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: postTxs[%d]: %w", ErrInvalidBundle, i, err)
		}
		out.Post = append(out.Post, tx)
	}
	return out, nil
}

func newSettleResponse(res *Result) SettleResponse {
	out := SettleResponse{
		BundleID:       res.ID,
		PreSignatures:  signatureStrings(res.PreSignatures),
		PostSignatures: signatureStrings(res.PostSignatures),
	}
	if res.PlaceSignature != (solana.Signature{}) {
		out.PlaceSignature = res.PlaceSignature.String()
	}
	if res.MatchSignature != (solana.Signature{}) {
		out.MatchSignature = res.MatchSignature.String()
	}
	return out
}

func (r *SettleResponse) result() (*Result, error) {
	out := &Result{ID: r.BundleID}
	for _, raw := range r.PreSignatures {
		sig, err := solana.SignatureFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("pre signature: %w", err)
		}
		out.PreSignatures = append(out.PreSignatures, sig)
	}
	var err error
	if out.PlaceSignature, err = solana.SignatureFromBase58(r.PlaceSignature); err != nil {
		return nil, fmt.Errorf("place signature: %w", err)
	}
	if r.MatchSignature != "" {
		if out.MatchSignature, err = solana.SignatureFromBase58(r.MatchSignature); err != nil {
			return nil, fmt.Errorf("match signature: %w", err)
		}
	}
	for _, raw := range r.PostSignatures {
		sig, err := solana.SignatureFromBase58(raw)
		if err != nil {
			return nil, fmt.Errorf("post signature: %w", err)
		}
		out.PostSignatures = append(out.PostSignatures, sig)
	}
	return out, nil
}

func signatureStrings(sigs []solana.Signature) []string {
	out := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, sig.String())
	}
	return out
}

func newFailureResponse(err error) FailureResponse {
	out := FailureResponse{Error: err.Error()}
	for _, k := range failureKinds {
		if errors.Is(err, k.err) {
			out.Kind = k.kind
			break
		}
	}
	var bundleErr *BundleError
	if errors.As(err, &bundleErr) {
		if bundleErr.Err != nil {
			out.Error = bundleErr.Err.Error()
		}
		out.BundleID = bundleErr.BundleID
		out.FailedStep = bundleErr.Step
		out.Completed = bundleErr.Completed
		out.Logs = bundleErr.Logs
		out.SignatureDebug = bundleErr.SignatureDebug
	}
	return out
}

// remoteError is a failure reported by the relay server. It keeps the
// server's message and unwraps to the sentinel named by the failure kind.
type remoteError struct {
	msg  string
	kind error
}

func (e *remoteError) Error() string {
	return e.msg
}

func (e *remoteError) Unwrap() error {
	return e.kind
}

func kindError(kind string) error {
	for _, k := range failureKinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}

func (f *FailureResponse) bundleError(fallback error) error {
	cause := error(&remoteError{msg: f.Error, kind: kindError(f.Kind)})
	if f.Kind == "" && fallback != nil {
		cause = &remoteError{msg: f.Error, kind: fallback}
	}
	return &BundleError{
		BundleID:       f.BundleID,
		Step:           f.FailedStep,
		Completed:      f.Completed,
		Logs:           f.Logs,
		SignatureDebug: f.SignatureDebug,
		Err:            cause,
	}
}
