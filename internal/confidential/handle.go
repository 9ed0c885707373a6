package confidential

import (
	"fmt"
	"math/big"
	"strings"

	bin "github.com/gagliardetto/binary"
)

const (
	HandleSize = 16
	// HandleOffset is discriminator + mint + owner in a confidential account.
	HandleOffset = 8 + 32 + 32
)

// Handle is a 128-bit reference to an encrypted value, stored little-endian.
type Handle [HandleSize]byte

// DecodeError reports a buffer too short to hold a handle.
type DecodeError struct {
	Offset int
	Need   int
	Have   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode handle: need %d bytes at offset %d, have %d", e.Need, e.Offset, e.Have)
}

// ExtractHandle reads the handle from raw confidential account data.
func ExtractHandle(data []byte) (Handle, error) {
	return HandleAt(data, HandleOffset)
}

func HandleAt(data []byte, offset int) (Handle, error) {
	var h Handle
	if offset < 0 || len(data) < offset+HandleSize {
		return h, &DecodeError{Offset: offset, Need: offset + HandleSize, Have: len(data)}
	}
	copy(h[:], data[offset:offset+HandleSize])
	return h, nil
}

// DecodeHandle converts a program-client value into a Handle. It is the only
// place where foreign handle representations are accepted.
func DecodeHandle(value any) (Handle, error) {
	switch v := value.(type) {
	case Handle:
		return v, nil
	case [HandleSize]byte:
		return Handle(v), nil
	case []byte:
		if len(v) != HandleSize {
			return Handle{}, &DecodeError{Offset: 0, Need: HandleSize, Have: len(v)}
		}
		var h Handle
		copy(h[:], v)
		return h, nil
	case bin.Uint128:
		return HandleFromUint128(v), nil
	case *big.Int:
		return HandleFromBig(v)
	case string:
		n, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return Handle{}, fmt.Errorf("decode handle: invalid decimal %q", v)
		}
		return HandleFromBig(n)
	default:
		return Handle{}, fmt.Errorf("decode handle: unsupported type %T", value)
	}
}

func HandleFromBig(n *big.Int) (Handle, error) {
	if n == nil || n.Sign() < 0 || n.BitLen() > 8*HandleSize {
		return Handle{}, fmt.Errorf("decode handle: %v out of u128 range", n)
	}
	var be [HandleSize]byte
	n.FillBytes(be[:])
	var h Handle
	for i := range be {
		h[i] = be[HandleSize-1-i]
	}
	return h, nil
}

func HandleFromUint128(v bin.Uint128) Handle {
	var h Handle
	for i := 0; i < 8; i++ {
		h[i] = byte(v.Lo >> (8 * i))
		h[8+i] = byte(v.Hi >> (8 * i))
	}
	return h
}

func (h Handle) BigInt() *big.Int {
	var be [HandleSize]byte
	for i := range h {
		be[i] = h[HandleSize-1-i]
	}
	return new(big.Int).SetBytes(be[:])
}

func (h Handle) Bytes() []byte {
	out := make([]byte, HandleSize)
	copy(out, h[:])
	return out
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) String() string {
	return h.BigInt().String()
}
