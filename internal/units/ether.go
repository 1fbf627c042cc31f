// Package units converts between wei and ether-denominated decimal strings.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of base-unit digits in one ether.
const EtherDecimals = 18

var (
	ErrEmptyAmount    = errors.New("amount is required")
	ErrInvalidAmount  = errors.New("amount is not a decimal number")
	ErrTooPrecise     = errors.New("amount has more than 18 decimal places")
	ErrNegativeAmount = errors.New("amount is negative")
	ErrTooLarge       = errors.New("amount exceeds the uint256 range")
)

// ParseEther converts a decimal ether string such as "1.5" into wei.
// Exponent notation and signs other than a leading minus are rejected.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if !plainDecimal(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}
	wei := d.Shift(EtherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	out := wei.BigInt()
	if out.Cmp(math.MaxBig256) > 0 {
		return nil, ErrTooLarge
	}
	return out, nil
}

// FormatEther renders wei as an ether decimal string. Whole amounts keep one
// fractional digit ("1.0"), matching the common wallet rendering.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	s := decimal.NewFromBigInt(wei, -EtherDecimals).String()
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func plainDecimal(s string) bool {
	s = strings.TrimPrefix(s, "-")
	digits, dots := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
