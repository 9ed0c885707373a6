package program

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ProgramIDs are the deployed programs the client talks to.
type ProgramIDs struct {
	Orderbook         solana.PublicKey
	ConfidentialToken solana.PublicKey
	Lightning         solana.PublicKey
	Wrap              solana.PublicKey
}

func InstructionDiscriminator(name string) [8]byte {
	return discriminator("global:" + name)
}

func AccountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	hash := sha256.Sum256([]byte(preimage))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

var (
	ConfidentialAccountDiscriminator = AccountDiscriminator("ConfidentialAccount")
	ConfidentialMintDiscriminator    = AccountDiscriminator("ConfidentialMint")
	MarketStateDiscriminator         = AccountDiscriminator("MarketState")
	OrderDiscriminator               = AccountDiscriminator("Order")
	VaultDiscriminator               = AccountDiscriminator("Vault")
	ShieldedPoolDiscriminator        = AccountDiscriminator("ShieldedPool")
	AllowanceDiscriminator           = AccountDiscriminator("Allowance")
)

var (
	initializeAccountDisc = InstructionDiscriminator("initialize_account")
	allowDisc             = InstructionDiscriminator("allow")
	wrapDisc              = InstructionDiscriminator("wrap")
	unwrapDisc            = InstructionDiscriminator("unwrap")
	shieldDisc            = InstructionDiscriminator("shield")
	unshieldDisc          = InstructionDiscriminator("unshield")
	placeOrderDisc        = InstructionDiscriminator("place_order")
	matchOrdersDisc       = InstructionDiscriminator("match_orders")
)

// InstructionName resolves instruction data back to its name.
func InstructionName(data []byte) (string, bool) {
	if len(data) < 8 {
		return "", false
	}
	for name, disc := range map[string][8]byte{
		"initialize_account": initializeAccountDisc,
		"allow":              allowDisc,
		"wrap":               wrapDisc,
		"unwrap":             unwrapDisc,
		"shield":             shieldDisc,
		"unshield":           unshieldDisc,
		"place_order":        placeOrderDisc,
		"match_orders":       matchOrdersDisc,
	} {
		if bytes.Equal(data[:8], disc[:]) {
			return name, true
		}
	}
	return "", false
}

func checkDiscriminator(kind string, data []byte, want [8]byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %s payload too short (%d bytes)", ErrInvalidAccount, kind, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return fmt.Errorf("%w: %s discriminator mismatch", ErrInvalidAccount, kind)
	}
	return nil
}
