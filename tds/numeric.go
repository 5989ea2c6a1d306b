package tds

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// decodeNumeric decodes a DECIMALN/NUMERICN wire value: a one-byte sign
// (1 = positive, 0 = negative) followed by a little-endian unsigned integer
// of 4, 8, 12, or 16 bytes depending on precision, scaled by -scale.
//
// SQL Server's wire numeric is a plain big unsigned magnitude rather than
// the two's-complement/two-limb layout used internally by some TDS client
// libraries (see tdscpp's numeric<N> template, which splits the magnitude
// into two uint64 limbs and implements ten_mult/ten_div to shift the
// decimal point during precision promotion); since shopspring/decimal
// already carries an arbitrary-precision big.Int coefficient, the limb
// split buys nothing here and decoding goes straight to big.Int.
func decodeNumeric(b []byte, precision, scale uint8) (decimal.Decimal, error) {
	if len(b) < 1 {
		return decimal.Decimal{}, protoViolation("decimeal: empty numeric body")
	}
	positive := b[0] != 0
	mag := make([]byte, len(b)-1)
	// Wire bytes are little-endian; big.Int.SetBytes wants big-endian.
	for i, bb := range b[1:] {
		mag[len(mag)-1-i] = bb
	}
	i := new(big.Int).SetBytes(mag)
	if !positive {
		i.Neg(i)
	}
	return decimal.NewFromBigInt(i, -int32(scale)), nil
}

// encodeNumeric is the inverse of decodeNumeric, used for RPC/bulkcopy
// parameter encoding. byteLen is the wire body length (including the sign
// byte) for the column's declared precision.
func encodeNumeric(d decimal.Decimal, scale uint8, byteLen int) []byte {
	rescaled := d.Rescale(-int32(scale))
	coeff := rescaled.Coefficient()
	positive := coeff.Sign() >= 0
	mag := new(big.Int).Abs(coeff)

	out := make([]byte, byteLen)
	if positive {
		out[0] = 1
	} else {
		out[0] = 0
	}
	magBytes := mag.Bytes() // big-endian
	for i := range magBytes {
		out[1+i] = magBytes[len(magBytes)-1-i]
	}
	return out
}

// tenMult scales v up by 10^n, the same scale-promotion step tdscpp's
// numeric<N>::ten_mult performs one digit at a time in a loop when widening
// a value to a larger scale N. The original splits its 128-bit magnitude
// into two uint64 limbs and shifts to multiply by 10 without overflow; a
// big.Int already carries an arbitrary-precision magnitude, so there is no
// limb to split and the n digits are applied in one big.Int.Exp/Mul instead
// of n loop iterations. Used by datetime.go's decodeTime/encodeTime to
// convert between a TIME(n) wire value's 10^-scale-second units and
// nanoseconds.
func tenMult(v *big.Int, n int) *big.Int {
	if n <= 0 {
		return new(big.Int).Set(v)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	return new(big.Int).Mul(v, factor)
}

// tenDiv scales v down by 10^n, truncating toward zero: the inverse of
// tenMult, mirroring tdscpp's numeric<N>::ten_div (which divides its low
// limb by 10 and folds the remainder into the high limb via a magic-constant
// reciprocal multiply, one digit per call). big.Int.Quo gets the same
// truncating result directly.
func tenDiv(v *big.Int, n int) *big.Int {
	if n <= 0 {
		return new(big.Int).Set(v)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	q := new(big.Int)
	q.Quo(v, factor)
	return q
}
