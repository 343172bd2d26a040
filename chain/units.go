package chain

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// WeiDecimals is the number of fractional digits between ether and wei.
const WeiDecimals = 18

var (
	// ErrNonPositiveAmount signals a zero or negative transfer amount.
	ErrNonPositiveAmount = errors.New("chain: amount must be positive")
	// ErrAmountPrecision signals an amount with more fractional digits than wei allows.
	ErrAmountPrecision = errors.New("chain: amount has more than 18 fractional digits")
)

// ToWei converts an ether-denominated amount to wei without rounding.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrNonPositiveAmount
	}
	shifted := amount.Shift(WeiDecimals)
	if !shifted.IsInteger() {
		return nil, ErrAmountPrecision
	}
	return shifted.BigInt(), nil
}

// FromWei converts wei back to an ether-denominated decimal.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}
