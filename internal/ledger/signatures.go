package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SignatureDebug lists the signers a transaction requires and which of
// them are absent or do not verify.
type SignatureDebug struct {
	Required []string `json:"required"`
	Missing  []string `json:"missing"`
	Invalid  []string `json:"invalid"`
}

func (d *SignatureDebug) Complete() bool {
	return len(d.Missing) == 0 && len(d.Invalid) == 0
}

func DebugSignatures(tx *solana.Transaction) (*SignatureDebug, error) {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	out := &SignatureDebug{Required: []string{}, Missing: []string{}, Invalid: []string{}}
	for i, signer := range tx.Message.Signers() {
		out.Required = append(out.Required, signer.String())
		if i >= len(tx.Signatures) || tx.Signatures[i] == (solana.Signature{}) {
			out.Missing = append(out.Missing, signer.String())
			continue
		}
		if !tx.Signatures[i].Verify(signer, message) {
			out.Invalid = append(out.Invalid, signer.String())
		}
	}
	return out, nil
}

func RequiresSigner(tx *solana.Transaction, key solana.PublicKey) bool {
	for _, signer := range tx.Message.Signers() {
		if signer.Equals(key) {
			return true
		}
	}
	return false
}

func IsSignedBy(tx *solana.Transaction, key solana.PublicKey) bool {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return false
	}
	for i, signer := range tx.Message.Signers() {
		if signer.Equals(key) {
			return i < len(tx.Signatures) && tx.Signatures[i].Verify(key, message)
		}
	}
	return false
}

// PartialSign adds signatures for the given keys, leaving other signer
// slots untouched (zero when not yet signed). Keys the transaction does
// not require are ignored.
func PartialSign(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	signers := tx.Message.Signers()
	if len(tx.Signatures) < len(signers) {
		padded := make([]solana.Signature, len(signers))
		copy(padded, tx.Signatures)
		tx.Signatures = padded
	}

	for i, signer := range signers {
		for _, key := range keys {
			if !key.PublicKey().Equals(signer) {
				continue
			}
			sig, err := key.Sign(message)
			if err != nil {
				return fmt.Errorf("sign as %s: %w", signer, err)
			}
			tx.Signatures[i] = sig
		}
	}
	return nil
}
