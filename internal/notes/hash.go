package notes

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// fieldBytes is the size of a random scalar. 31 bytes always fits the
// BN254 scalar field.
const fieldBytes = 31

func hash2(left, right *big.Int) (*big.Int, error) {
	return poseidon.Hash([]*big.Int{left, right})
}

// KeyField maps a ledger address into the scalar field.
func KeyField(pk solana.PublicKey) (*big.Int, error) {
	return poseidon.HashBytes(pk.Bytes())
}

// NoteHash is H(H(owner, mint), H(amount, blinding)).
func NoteHash(owner, mint, amount, blinding *big.Int) (*big.Int, error) {
	left, err := hash2(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("hash owner and mint: %w", err)
	}
	right, err := hash2(amount, blinding)
	if err != nil {
		return nil, fmt.Errorf("hash amount and blinding: %w", err)
	}
	return hash2(left, right)
}

func Nullifier(noteHash, secret *big.Int) (*big.Int, error) {
	return hash2(noteHash, secret)
}

func randomField(r io.Reader) (*big.Int, error) {
	if r == nil {
		r = rand.Reader
	}
	var buf [fieldBytes]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("read randomness: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

// FieldBytes is the 32-byte big-endian encoding used on-chain.
func FieldBytes(v *big.Int) [32]byte {
	var out [32]byte
	v.FillBytes(out[:])
	return out
}

func parseField(name, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s field %q", name, raw)
	}
	return v, nil
}
