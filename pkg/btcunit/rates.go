// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin sizes and
// fee rates.
package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string.
	floatStringPrecision = 3
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)
)

// baseFeeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-weight-unit (sat/kwu). All other fee rate units are
// derived from this.
type baseFeeRate struct {
	// satsPerKWU is the fee rate in satoshis per kilo-weight-unit. Rates
	// coming from estimators are fractional, so a rational is kept to
	// avoid rounding before the final fee is computed.
	satsPerKWU *big.Rat
}

// newBaseFeeRate creates a new baseFeeRate with the given numerator and
// denominator. It handles the zero denominator case by returning a zero fee
// rate.
func newBaseFeeRate(numerator btcutil.Amount, denominator uint64) baseFeeRate {
	if denominator == 0 {
		return baseFeeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return baseFeeRate{satsPerKWU: big.NewRat(
		int64(numerator), safeUint64ToInt64(denominator),
	)}
}

// feeRat returns the exact, unrounded fee for the given weight.
func (f baseFeeRate) feeRat(weightUnit WeightUnit) *big.Rat {
	fee := big.NewRat(0, 1)
	fee.Mul(f.satsPerKWU, big.NewRat(
		safeUint64ToInt64(weightUnit.wu), kilo,
	))

	return fee
}

// FeeForWeight calculates the fee resulting from this fee rate and the given
// weight in weight units (wu). The result is truncated.
func (f baseFeeRate) FeeForWeight(weightUnit WeightUnit) btcutil.Amount {
	fee := f.feeRat(weightUnit)

	quotient := big.NewInt(0)
	quotient.Div(fee.Num(), fee.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForWeightRoundUp calculates the fee resulting from this fee rate and the
// given weight in weight units (wu), rounding up to the nearest satoshi.
func (f baseFeeRate) FeeForWeightRoundUp(weightUnit WeightUnit) btcutil.Amount {
	fee := f.feeRat(weightUnit)

	// Ceiling division: (numerator + denominator - 1) / denominator.
	result := big.NewInt(0)
	result.Add(fee.Num(), fee.Denom())
	result.Sub(result, big.NewInt(1))
	result.Div(result, fee.Denom())

	return btcutil.Amount(result.Int64())
}

// FeeForVSize calculates the fee for a transaction of the given weight the
// way virtual-size based wallets quote it: the weight is first rounded up to
// whole virtual bytes and the resulting fee is rounded up to the next satoshi.
func (f baseFeeRate) FeeForVSize(weightUnit WeightUnit) btcutil.Amount {
	vbytes := weightUnit.ToVB().Ceil()

	return f.FeeForWeightRoundUp(NewVByte(vbytes).ToWU())
}

// equal returns true if the fee rate is equal to the other fee rate.
func (f baseFeeRate) equal(other baseFeeRate) bool {
	return f.satsPerKWU.Cmp(other.satsPerKWU) == 0
}

// cmp compares the fee rate to the other fee rate.
func (f baseFeeRate) cmp(other baseFeeRate) int {
	return f.satsPerKWU.Cmp(other.satsPerKWU)
}

// SatPerVByte represents a fee rate in sat/vbyte. Internally, all fee rates
// are stored and operated on as satoshis per kilo-weight-unit (sat/kw).
type SatPerVByte struct {
	baseFeeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// NewSatPerVByteFromFloat creates a fee rate from a fractional sat/vb value as
// returned by fee estimators. Negative or non-finite values yield a zero rate.
func NewSatPerVByteFromFloat(rate float64) SatPerVByte {
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return ZeroSatPerVByte
	}

	// sat/kwu = sat/vb * 1000 / 4.
	perKWU := new(big.Rat).SetFloat64(rate)
	perKWU.Mul(perKWU, big.NewRat(kilo, blockchain.WitnessScaleFactor))

	return SatPerVByte{baseFeeRate{satsPerKWU: perKWU}}
}

// CalcSatPerVByte calculates the fee rate in sat/vb for a given fee and size.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	// To convert the rate to the canonical sat/kwu unit, we use the
	// formula: (fee * 1000) / size_in_wu.
	return SatPerVByte{newBaseFeeRate(fee*kilo, vb.wu)}
}

// CalcSatPerVSize calculates the sat/vb rate a fee pays for a transaction of
// the given weight, counting the weight in whole virtual bytes. It is the
// inverse of FeeForVSize up to rounding.
func CalcSatPerVSize(fee btcutil.Amount, weightUnit WeightUnit) SatPerVByte {
	return CalcSatPerVByte(fee, NewVByte(weightUnit.ToVB().Ceil()))
}

// Float64 returns the fee rate in sat/vb as a float.
func (s SatPerVByte) Float64() float64 {
	perVB := big.NewRat(0, 1)
	perVB.Mul(s.satsPerKWU, big.NewRat(blockchain.WitnessScaleFactor, kilo))

	f, _ := perVB.Float64()

	return f
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	perVB := big.NewRat(0, 1)
	perVB.Mul(s.satsPerKWU, big.NewRat(blockchain.WitnessScaleFactor, kilo))

	return perVB.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.equal(other.baseFeeRate)
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.cmp(other.baseFeeRate) > 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.cmp(other.baseFeeRate) < 0
}

// SatPerKVByte represents a fee rate in sat/kvb, the unit bitcoind quotes
// its estimates in.
type SatPerKVByte struct {
	baseFeeRate
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(rate*kilo, NewKVByte(1).wu)}
}

// ToSatPerVByte converts the fee rate to sat/vb.
func (s SatPerKVByte) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{s.baseFeeRate}
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	perKVB := big.NewRat(0, 1)
	perKVB.Mul(s.satsPerKWU, big.NewRat(blockchain.WitnessScaleFactor, 1))

	return perKVB.FloatString(floatStringPrecision) + " sat/kvb"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// Transaction weights never come close to the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
