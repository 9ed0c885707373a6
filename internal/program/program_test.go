package program

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbell/confidex/backend/internal/confidential"
)

func TestConfidentialAccountLayout(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()
	handle := confidential.Handle{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	data, err := EncodeAccount(ConfidentialAccountDiscriminator, &ConfidentialAccount{
		Mint:          mint,
		Owner:         owner,
		Handle:        handle,
		IsInitialized: true,
	})
	require.NoError(t, err)
	require.Len(t, data, ConfidentialAccountSize)

	assert.Equal(t, mint.Bytes(), data[ConfidentialAccountMintOffset:ConfidentialAccountMintOffset+32])
	assert.Equal(t, owner.Bytes(), data[ConfidentialAccountOwnerOffset:ConfidentialAccountOwnerOffset+32])

	extracted, err := confidential.ExtractHandle(data)
	require.NoError(t, err)
	assert.Equal(t, handle, extracted)

	decoded, err := DecodeConfidentialAccount(data)
	require.NoError(t, err)
	assert.Equal(t, mint, decoded.Mint)
	assert.Equal(t, owner, decoded.Owner)
	assert.Equal(t, handle, decoded.Handle)
	assert.True(t, decoded.IsInitialized)
}

func TestDecodeConfidentialAccountTruncated(t *testing.T) {
	data := make([]byte, 40)
	copy(data, ConfidentialAccountDiscriminator[:])

	_, err := DecodeConfidentialAccount(data)
	var decodeErr *confidential.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecodeRejectsWrongDiscriminator(t *testing.T) {
	data, err := EncodeAccount(VaultDiscriminator, &Vault{Initialized: true})
	require.NoError(t, err)

	order, err := DecodeOrder(data)
	assert.ErrorIs(t, err, ErrInvalidAccount)
	assert.Nil(t, order)

	pool, err := DecodeShieldedPool(data[:4])
	assert.Error(t, err)
	assert.Nil(t, pool)

	vault, err := DecodeVault(data)
	require.NoError(t, err)
	assert.True(t, vault.Initialized)
}

func TestOrderRoundTrip(t *testing.T) {
	in := Order{
		Market: solana.NewWallet().PublicKey(),
		Owner:  solana.NewWallet().PublicKey(),
		Side:   SideAsk,
		Price:  50,
		Seq:    3,
		Status: OrderFilled,
	}
	data, err := EncodeAccount(OrderDiscriminator, &in)
	require.NoError(t, err)

	out, err := DecodeOrder(data)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
	assert.False(t, out.IsOpen())
}

func TestInstructionEncoding(t *testing.T) {
	programID := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	ix, err := NewMatchOrdersInstruction(programID, MatchOrdersAccounts{
		MatchingAuthority: authority,
	}, MatchOrdersArgs{BaseAmount: []byte{1}, QuoteAmount: []byte{2, 3}, InputType: 1})
	require.NoError(t, err)

	data, err := ix.Data()
	require.NoError(t, err)
	name, ok := InstructionName(data)
	require.True(t, ok)
	assert.Equal(t, "match_orders", name)

	var args MatchOrdersArgs
	require.NoError(t, DecodeArgs(data, &args))
	assert.Equal(t, []byte{2, 3}, args.QuoteAmount)

	signers := 0
	for _, meta := range ix.Accounts() {
		if meta.IsSigner {
			signers++
			assert.Equal(t, authority, meta.PublicKey)
		}
	}
	assert.Equal(t, 1, signers)

	_, ok = InstructionName([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestSide(t *testing.T) {
	side, err := ParseSide("buy")
	require.NoError(t, err)
	assert.Equal(t, SideBid, side)
	assert.Equal(t, SideAsk, side.Opposite())
	assert.Equal(t, "ask", SideAsk.String())

	_, err = ParseSide("hold")
	assert.Error(t, err)
}
