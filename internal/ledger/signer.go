package ledger

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer is the trader's wallet. SignTransaction adds the signer's own
// signature and must leave other slots untouched.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) error
	SignMessage(message []byte) (solana.Signature, error)
}

// KeypairSigner signs with an in-process private key.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// LoadKeypairSigner reads a solana-keygen JSON keypair file.
func LoadKeypairSigner(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return NewKeypairSigner(key), nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) SignTransaction(_ context.Context, tx *solana.Transaction) error {
	if !RequiresSigner(tx, s.key.PublicKey()) {
		return fmt.Errorf("transaction does not require %s", s.key.PublicKey())
	}
	return PartialSign(tx, s.key)
}

func (s *KeypairSigner) SignMessage(message []byte) (solana.Signature, error) {
	return s.key.Sign(message)
}

func (s *KeypairSigner) PrivateKey() solana.PrivateKey {
	return s.key
}
