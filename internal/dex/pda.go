package dex

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	marketSeed         = []byte("market")
	vaultAuthoritySeed = []byte("vault_authority")
	depositSeed        = []byte("deposit")
	orderSeed          = []byte("order")
	vaultSeed          = []byte("vault")
	wrapAuthoritySeed  = []byte("wrap_authority")
	shieldedPoolSeed   = []byte("shielded_pool")
	nullifierSeed      = []byte("nullifier")
)

// Derive returns the program address for the concatenated seed parts.
func Derive(programID solana.PublicKey, seeds ...[]byte) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(seeds, programID)
}

func DeriveMarketStatePDA(orderbookProgramID, baseMint, quoteMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(orderbookProgramID, marketSeed, baseMint.Bytes(), quoteMint.Bytes())
}

func DeriveVaultAuthorityPDA(orderbookProgramID, marketState solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(orderbookProgramID, vaultAuthoritySeed, marketState.Bytes())
}

func DeriveUserDepositPDA(orderbookProgramID, marketState, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(orderbookProgramID, depositSeed, marketState.Bytes(), owner.Bytes())
}

// DeriveOrderPDA keys an order by the market's sequence counter at placement.
func DeriveOrderPDA(orderbookProgramID, marketState, owner solana.PublicKey, seq uint64) (solana.PublicKey, uint8, error) {
	return Derive(orderbookProgramID, orderSeed, marketState.Bytes(), owner.Bytes(), u64LE(seq))
}

// DeriveAllowancePDA derives the decryption allowance for (handle, grantee).
// handle must be the 16-byte little-endian encoding.
func DeriveAllowancePDA(lightningProgramID solana.PublicKey, handle [16]byte, grantee solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(lightningProgramID, handle[:], grantee.Bytes())
}

func DeriveVaultPDA(wrapProgramID, collateralMint, confidentialMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(wrapProgramID, vaultSeed, collateralMint.Bytes(), confidentialMint.Bytes())
}

// DeriveWrapAuthorityPDA is the signer that must hold mint authority over
// the vault's confidential mint.
func DeriveWrapAuthorityPDA(wrapProgramID, vault solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(wrapProgramID, wrapAuthoritySeed, vault.Bytes())
}

func DeriveShieldedPoolPDA(wrapProgramID, collateralMint, confidentialMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return Derive(wrapProgramID, shieldedPoolSeed, collateralMint.Bytes(), confidentialMint.Bytes())
}

func DeriveNullifierPDA(wrapProgramID, shieldedPool solana.PublicKey, nullifier [32]byte) (solana.PublicKey, uint8, error) {
	return Derive(wrapProgramID, nullifierSeed, shieldedPool.Bytes(), nullifier[:])
}

func MustDeriveMarketStatePDA(orderbookProgramID, baseMint, quoteMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveMarketStatePDA(orderbookProgramID, baseMint, quoteMint)
	if err != nil {
		panic(fmt.Errorf("derive market state PDA: %w", err))
	}
	return pk
}

func MustDeriveVaultAuthorityPDA(orderbookProgramID, marketState solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveVaultAuthorityPDA(orderbookProgramID, marketState)
	if err != nil {
		panic(fmt.Errorf("derive vault authority PDA: %w", err))
	}
	return pk
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
