package invoice

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// PiconeroPerXMR is the number of atomic units in one XMR.
const PiconeroPerXMR = 1_000_000_000_000

const xmrDecimals = 12

var (
	ErrInvalidAmount = errors.New("invalid amount")
	maxPiconero      = piconero(^uint64(0))
)

func piconero(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ParseXMR converts a decimal XMR string such as "1.5" to piconero.
func ParseXMR(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.IsNegative() || !d.Equal(d.Truncate(xmrDecimals)) {
		return 0, ErrInvalidAmount
	}
	p := d.Shift(xmrDecimals)
	if p.GreaterThan(maxPiconero) {
		return 0, ErrInvalidAmount
	}
	return p.BigInt().Uint64(), nil
}

// FormatXMR renders piconero as a decimal XMR string without trailing zeros.
func FormatXMR(v uint64) string {
	return piconero(v).Shift(-xmrDecimals).String()
}
