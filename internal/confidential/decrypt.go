package confidential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/coldbell/confidex/backend/internal/retry"
	"github.com/coldbell/confidex/backend/internal/retry/backoff"
)

// ErrNotAllowed means the decryption service has not observed an allowance
// for the requester yet. Allowance propagation is asynchronous, so callers
// should retry after a delay.
var ErrNotAllowed = errors.New("decryption not allowed")

// MessageSigner proves the requester's identity to the decryption service.
type MessageSigner interface {
	PublicKey() solana.PublicKey
	SignMessage(message []byte) (solana.Signature, error)
}

type Decryptor struct {
	baseURL  string
	client   *http.Client
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

func NewDecryptor(baseURL string, timeout time.Duration, attempts uint, delay time.Duration, logger *slog.Logger) *Decryptor {
	if attempts == 0 {
		attempts = 1
	}
	return &Decryptor{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		delay:    delay,
		logger:   logger,
	}
}

type decryptRequest struct {
	Handle    string `json:"handle"`
	Requester string `json:"requester"`
	Signature string `json:"signature"`
}

type decryptResponse struct {
	Plaintext string `json:"plaintext"`
}

// RevealMessage is the payload signed by the requester for a handle.
func RevealMessage(handle Handle) []byte {
	return []byte("reveal:" + handle.String())
}

// Reveal returns the plaintext behind handle, retrying while the allowance
// has not propagated.
func (d *Decryptor) Reveal(ctx context.Context, handle Handle, signer MessageSigner) (*uint256.Int, error) {
	var plaintext *uint256.Int
	attempts, err := retry.Retry(ctx, func(ctx context.Context) error {
		value, err := d.revealOnce(ctx, handle, signer)
		if err != nil {
			return err
		}
		plaintext = value
		return nil
	},
		retry.RetriableErrors(ErrNotAllowed),
		retry.Limit(d.attempts),
		retry.Backoff(backoff.Linear(d.delay), 10*d.delay),
	)
	if err != nil {
		return nil, fmt.Errorf("reveal handle %s after %d attempts: %w", handle, attempts, err)
	}
	if attempts > 1 {
		d.logger.Debug("handle revealed after retries", "handle", handle.String(), "attempts", attempts)
	}
	return plaintext, nil
}

func (d *Decryptor) revealOnce(ctx context.Context, handle Handle, signer MessageSigner) (*uint256.Int, error) {
	sig, err := signer.SignMessage(RevealMessage(handle))
	if err != nil {
		return nil, fmt.Errorf("sign reveal request: %w", err)
	}

	var resp decryptResponse
	status, err := postJSON(ctx, d.client, d.baseURL+"/v1/decrypt", decryptRequest{
		Handle:    handle.String(),
		Requester: signer.PublicKey().String(),
		Signature: sig.String(),
	}, &resp)
	if status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	if err != nil {
		return nil, err
	}

	n, ok := new(big.Int).SetString(strings.TrimSpace(resp.Plaintext), 10)
	if !ok {
		return nil, fmt.Errorf("invalid plaintext %q", resp.Plaintext)
	}
	value, overflow := uint256.FromBig(n)
	if overflow || n.Sign() < 0 {
		return nil, fmt.Errorf("plaintext %q out of range", resp.Plaintext)
	}
	return value, nil
}
