package confidential

import (
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountBuffer(handle []byte, tail int) []byte {
	buf := make([]byte, HandleOffset, HandleOffset+len(handle)+tail)
	for i := range buf {
		buf[i] = 0xee
	}
	buf = append(buf, handle...)
	return append(buf, make([]byte, tail)...)
}

func TestExtractHandleRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	h, err := ExtractHandle(accountBuffer(raw, 8))
	require.NoError(t, err)
	assert.Equal(t, raw, h.Bytes())

	expected := new(big.Int)
	for i := len(raw) - 1; i >= 0; i-- {
		expected.Lsh(expected, 8)
		expected.Or(expected, big.NewInt(int64(raw[i])))
	}
	assert.Equal(t, 0, expected.Cmp(h.BigInt()))
}

func TestExtractHandleShortBuffer(t *testing.T) {
	for _, size := range []int{0, 8, HandleOffset, HandleOffset + HandleSize - 1} {
		_, err := ExtractHandle(make([]byte, size))
		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr, "size %d", size)
		assert.Equal(t, HandleOffset, decodeErr.Offset)
		assert.Equal(t, size, decodeErr.Have)
		assert.Equal(t, HandleOffset+HandleSize, decodeErr.Need)
	}
}

func TestExtractHandleExactLength(t *testing.T) {
	raw := make([]byte, HandleSize)
	raw[0] = 9
	h, err := ExtractHandle(accountBuffer(raw, 0))
	require.NoError(t, err)
	assert.Equal(t, "9", h.String())
}

func TestDecodeHandleRepresentations(t *testing.T) {
	want, err := HandleFromBig(big.NewInt(0x1234))
	require.NoError(t, err)
	assert.Equal(t, byte(0x34), want[0])
	assert.Equal(t, byte(0x12), want[1])

	cases := []any{
		want,
		[16]byte(want),
		want.Bytes(),
		bin.Uint128{Lo: 0x1234},
		big.NewInt(0x1234),
		"4660",
	}
	for _, c := range cases {
		got, err := DecodeHandle(c)
		require.NoError(t, err, "%T", c)
		assert.Equal(t, want, got, "%T", c)
	}

	_, err = DecodeHandle(3.5)
	assert.Error(t, err)
	_, err = DecodeHandle("not-a-number")
	assert.Error(t, err)
	_, err = DecodeHandle(new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Error(t, err)
	_, err = DecodeHandle([]byte{1, 2})
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestHandleFromUint128HighBits(t *testing.T) {
	h := HandleFromUint128(bin.Uint128{Lo: 1, Hi: 1})
	expected := new(big.Int).Lsh(big.NewInt(1), 64)
	expected.Add(expected, big.NewInt(1))
	assert.Equal(t, expected.String(), h.String())
	assert.False(t, h.IsZero())
	assert.True(t, Handle{}.IsZero())
}
