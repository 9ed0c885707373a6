package confidential

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keySigner struct {
	key solana.PrivateKey
}

func (k keySigner) PublicKey() solana.PublicKey { return k.key.PublicKey() }

func (k keySigner) SignMessage(message []byte) (solana.Signature, error) {
	return k.key.Sign(message)
}

func TestRevealRetriesUntilAllowed(t *testing.T) {
	signer := keySigner{key: solana.NewWallet().PrivateKey}
	handle := Handle{7}
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req decryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, handle.String(), req.Handle)
		assert.Equal(t, signer.PublicKey().String(), req.Requester)

		sig, err := solana.SignatureFromBase58(req.Signature)
		require.NoError(t, err)
		assert.True(t, sig.Verify(signer.PublicKey(), RevealMessage(handle)))

		if calls < 3 {
			http.Error(w, "allowance not found", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(decryptResponse{Plaintext: "250"})
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDecryptor(srv.URL, time.Second, 5, time.Millisecond, logger)
	value, err := d.Reveal(context.Background(), handle, signer)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(250), value)
	assert.Equal(t, 3, calls)
}

func TestRevealGivesUpOnOtherErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDecryptor(srv.URL, time.Second, 5, time.Millisecond, logger)
	_, err := d.Reveal(context.Background(), Handle{1}, keySigner{key: solana.NewWallet().PrivateKey})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAllowed)
	assert.Equal(t, 1, calls)
}

func TestRevealExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDecryptor(srv.URL, time.Second, 2, time.Millisecond, logger)
	_, err := d.Reveal(context.Background(), Handle{1}, keySigner{key: solana.NewWallet().PrivateKey})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestFormatAndParseDisplay(t *testing.T) {
	assert.Equal(t, "1.5", FormatDisplay(uint256.NewInt(1_500_000_000), 9))
	assert.Equal(t, "0", FormatDisplay(nil, 6))

	v, err := ParseDisplay("1.5", 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000_000), v)

	_, err = ParseDisplay("0.0000001", 6)
	assert.Error(t, err)
	_, err = ParseDisplay("-1", 6)
	assert.Error(t, err)
}
