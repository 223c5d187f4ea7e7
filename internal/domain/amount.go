/**
 * @description
 * Monetary amounts in this service follow the 18-decimal convention of the
 * external token: one whole token is 1e18 base units. Amounts are carried as
 * *big.Int everywhere so that mint/burn round trips never accumulate rounding
 * drift, and fee splits are expressed in basis points out of 10000.
 *
 * @notes
 * - Floating point is never used for money. The price reported by the oracle
 *   is itself scaled by 1e18 (token base units per native unit), so a
 *   native-to-token conversion is amount * price / 1e18.
 */

package domain

import "math/big"

// TokenScale is the base-unit scale of the external token (18 decimals).
var TokenScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// FeeBasisDenominator is the denominator for fee-split basis points.
const FeeBasisDenominator = 10000

// ConvertNativeToToken converts a native-denominated amount into token base
// units using an oracle price scaled by TokenScale.
func ConvertNativeToToken(amount, price *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, TokenScale)
}

// ApplyBasisPoints returns amount * bps / 10000, truncating toward zero.
func ApplyBasisPoints(amount *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, big.NewInt(FeeBasisDenominator))
}

// IsPositive reports whether the amount is strictly greater than zero.
// A nil amount is treated as zero.
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
