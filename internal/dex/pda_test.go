package dex

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOrderbook = solana.MustPublicKeyFromBase58("GpMobZUKPtEE1eiZQAADo2ecD54JXhNHPNts5kPGwLtb")
	testLightning = solana.MustPublicKeyFromBase58("BsA8fuyw8XqBMiUfpLbdiBwbKg8MZMHB1jdZzjs7c46q")
	testWrap      = solana.MustPublicKeyFromBase58("F8gkLV5nMaCG16PQAwkKKsTdWC2yuPektUXAFHQF4Cds")
)

func TestDeriveIsDeterministic(t *testing.T) {
	base := solana.NewWallet().PublicKey()
	quote := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()

	first, bump1, err := DeriveMarketStatePDA(testOrderbook, base, quote)
	require.NoError(t, err)
	second, bump2, err := DeriveMarketStatePDA(testOrderbook, base, quote)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, bump1, bump2)

	o1, _, err := DeriveOrderPDA(testOrderbook, first, owner, 7)
	require.NoError(t, err)
	o2, _, err := DeriveOrderPDA(testOrderbook, first, owner, 7)
	require.NoError(t, err)
	assert.Equal(t, o1, o2)
}

func TestDeriveChangesWithEverySeed(t *testing.T) {
	base := solana.NewWallet().PublicKey()
	quote := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	state := MustDeriveMarketStatePDA(testOrderbook, base, quote)

	swapped := MustDeriveMarketStatePDA(testOrderbook, quote, base)
	assert.NotEqual(t, state, swapped)

	other := MustDeriveMarketStatePDA(testLightning, base, quote)
	assert.NotEqual(t, state, other)

	seq1, _, err := DeriveOrderPDA(testOrderbook, state, owner, 1)
	require.NoError(t, err)
	seq2, _, err := DeriveOrderPDA(testOrderbook, state, owner, 2)
	require.NoError(t, err)
	assert.NotEqual(t, seq1, seq2)

	deposit, _, err := DeriveUserDepositPDA(testOrderbook, state, owner)
	require.NoError(t, err)
	assert.NotEqual(t, deposit, MustDeriveVaultAuthorityPDA(testOrderbook, state))
}

func TestDeriveAllowanceFlipsOnHandleByte(t *testing.T) {
	grantee := solana.NewWallet().PublicKey()
	var handle [16]byte
	handle[0] = 0x2a

	a, _, err := DeriveAllowancePDA(testLightning, handle, grantee)
	require.NoError(t, err)

	handle[15] ^= 0x01
	b, _, err := DeriveAllowancePDA(testLightning, handle, grantee)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	expected, _, err := solana.FindProgramAddress([][]byte{append([]byte{0x2a}, make([]byte, 15)...), grantee.Bytes()}, testLightning)
	require.NoError(t, err)
	assert.Equal(t, expected, a)
}

func TestDeriveWrapAddresses(t *testing.T) {
	collateral := solana.SolMint
	confidential := solana.NewWallet().PublicKey()

	vault, _, err := DeriveVaultPDA(testWrap, collateral, confidential)
	require.NoError(t, err)
	pool, _, err := DeriveShieldedPoolPDA(testWrap, collateral, confidential)
	require.NoError(t, err)
	authority, _, err := DeriveWrapAuthorityPDA(testWrap, vault)
	require.NoError(t, err)

	assert.NotEqual(t, vault, pool)
	assert.NotEqual(t, vault, authority)

	var nullifier [32]byte
	n1, _, err := DeriveNullifierPDA(testWrap, pool, nullifier)
	require.NoError(t, err)
	nullifier[31] = 1
	n2, _, err := DeriveNullifierPDA(testWrap, pool, nullifier)
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
}

func TestOrderSeedEncoding(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x02, 0, 0, 0, 0, 0, 0}, u64LE(0x0201))
}
