package confidential

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// FormatDisplay renders a base-unit amount with the mint's decimals.
func FormatDisplay(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}

// ParseDisplay converts a human amount ("1.5") into base units.
func ParseDisplay(raw string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("parse amount %q: must not be negative", raw)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: more than %d decimals", raw, decimals)
	}
	n := shifted.BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("parse amount %q: out of range", raw)
	}
	return n.Uint64(), nil
}
