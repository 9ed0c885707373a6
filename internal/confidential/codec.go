package confidential

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrEmptyCiphertext  = errors.New("encryption returned an empty ciphertext")
	ErrAmountOutOfRange = errors.New("amount exceeds bit width")
	ErrUnsupportedWidth = errors.New("unsupported bit width")
)

type BitWidth uint8

const (
	Width64  BitWidth = 64
	Width128 BitWidth = 128
)

// InputType is the tag the confidential token program expects next to a
// ciphertext payload.
func (w BitWidth) InputType() uint8 {
	switch w {
	case Width64:
		return 0
	default:
		return 1
	}
}

func (w BitWidth) valid() bool {
	return w == Width64 || w == Width128
}

// Ciphertext is an encrypted amount exactly as returned by the encryption
// service.
type Ciphertext struct {
	Data  []byte
	Width BitWidth
}

func (c Ciphertext) Hex() string {
	return hex.EncodeToString(c.Data)
}

func (c Ciphertext) InputType() uint8 {
	return c.Width.InputType()
}

func ParseCiphertextHex(raw string, width BitWidth) (Ciphertext, error) {
	if !width.valid() {
		return Ciphertext{}, fmt.Errorf("%w: %d", ErrUnsupportedWidth, width)
	}
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return Ciphertext{}, fmt.Errorf("decode ciphertext hex: %w", err)
	}
	if len(data) == 0 {
		return Ciphertext{}, ErrEmptyCiphertext
	}
	return Ciphertext{Data: data, Width: width}, nil
}

// Encrypter turns a plaintext into the payload the program accepts.
type Encrypter interface {
	Encrypt(ctx context.Context, value *uint256.Int, width BitWidth) ([]byte, error)
}

// Codec validates the shape of amounts going into and out of an Encrypter.
type Codec struct {
	enc Encrypter
}

func NewCodec(enc Encrypter) *Codec {
	return &Codec{enc: enc}
}

func (c *Codec) Encode(ctx context.Context, amount *uint256.Int, width BitWidth) (Ciphertext, error) {
	if !width.valid() {
		return Ciphertext{}, fmt.Errorf("%w: %d", ErrUnsupportedWidth, width)
	}
	if amount == nil {
		return Ciphertext{}, fmt.Errorf("%w: nil amount", ErrAmountOutOfRange)
	}
	if amount.BitLen() > int(width) {
		return Ciphertext{}, fmt.Errorf("%w: %s needs %d bits, width %d", ErrAmountOutOfRange, amount.ToBig().String(), amount.BitLen(), width)
	}

	data, err := c.enc.Encrypt(ctx, amount, width)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("encrypt amount: %w", err)
	}
	if len(data) == 0 {
		return Ciphertext{}, ErrEmptyCiphertext
	}
	return Ciphertext{Data: data, Width: width}, nil
}

// EncodeAmount encrypts a token amount as a 128-bit value, the width used by
// confidential balances.
func (c *Codec) EncodeAmount(ctx context.Context, amount uint64) (Ciphertext, error) {
	return c.Encode(ctx, uint256.NewInt(amount), Width128)
}
