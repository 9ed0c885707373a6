package confidential

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEncrypter struct {
	out   []byte
	err   error
	calls int
}

func (s *stubEncrypter) Encrypt(_ context.Context, _ *uint256.Int, _ BitWidth) ([]byte, error) {
	s.calls++
	return s.out, s.err
}

func TestEncodeReturnsPayloadUnmodified(t *testing.T) {
	enc := &stubEncrypter{out: []byte{0xde, 0xad, 0xbe, 0xef}}
	ct, err := NewCodec(enc).Encode(context.Background(), uint256.NewInt(42), Width64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, ct.Data)
	assert.Equal(t, "deadbeef", ct.Hex())
	assert.Equal(t, uint8(0), ct.InputType())

	parsed, err := ParseCiphertextHex("0x"+ct.Hex(), Width64)
	require.NoError(t, err)
	assert.Equal(t, ct, parsed)
}

func TestEncodeRejectsEmptyPayload(t *testing.T) {
	_, err := NewCodec(&stubEncrypter{}).EncodeAmount(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEmptyCiphertext)
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	enc := &stubEncrypter{out: []byte{1}}
	codec := NewCodec(enc)

	big := new(uint256.Int).Lsh(uint256.NewInt(1), 64)
	_, err := codec.Encode(context.Background(), big, Width64)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = codec.Encode(context.Background(), big, Width128)
	assert.NoError(t, err)

	tooBig := new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	_, err = codec.Encode(context.Background(), tooBig, Width128)
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = codec.Encode(context.Background(), uint256.NewInt(1), BitWidth(32))
	assert.ErrorIs(t, err, ErrUnsupportedWidth)

	assert.Equal(t, 1, enc.calls)
}

func TestEncodePropagatesEncrypterError(t *testing.T) {
	failure := errors.New("service down")
	_, err := NewCodec(&stubEncrypter{err: failure}).EncodeAmount(context.Background(), 5)
	assert.ErrorIs(t, err, failure)
}

func TestHTTPEncrypter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/encrypt", r.URL.Path)
		var req encryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "1000", req.Value)
		assert.Equal(t, uint8(128), req.Bits)
		_ = json.NewEncoder(w).Encode(encryptResponse{Ciphertext: "0a0b"})
	}))
	defer srv.Close()

	ct, err := NewCodec(NewHTTPEncrypter(srv.URL, 0)).EncodeAmount(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, ct.Data)
}
