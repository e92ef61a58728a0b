package wallet

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

// BlocksPerDay is the expected number of blocks mined in a day.
const BlocksPerDay = 144

// FeeRateToAbsolute returns the fee a transaction of the given weight pays at
// rate sat/vB. The weight is rounded up to whole vbytes and the fee is
// rounded up to whole satoshis.
func FeeRateToAbsolute(rate float64, weight uint64) btcutil.Amount {
	feeRate := btcunit.NewSatPerVByteFromFloat(rate)

	return feeRate.FeeForVSize(btcunit.NewWeightUnit(weight))
}

// FeeAbsoluteToRate returns the rate in sat/vB a fee pays for a transaction
// of the given weight.
func FeeAbsoluteToRate(fee btcutil.Amount, weight uint64) float64 {
	rate := btcunit.CalcSatPerVSize(fee, btcunit.NewWeightUnit(weight))

	return rate.Float64()
}

// DaysToBlocks converts a number of days into the expected number of blocks.
func DaysToBlocks(days uint32) uint32 {
	return days * BlocksPerDay
}

// EstimateFeeRate returns the fee rate in sat/vB needed to confirm within
// target blocks.
func (w *Wallet) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerVByte, error) {

	backend, err := w.requireBackend()
	if err != nil {
		return btcunit.SatPerVByte{}, err
	}

	rate, err := backend.EstimateFeeRate(ctx, target)
	if err != nil {
		return btcunit.SatPerVByte{}, errkind.Classify(
			errkind.NetworkError, err,
		)
	}

	return rate, nil
}

// BestHeight returns the height of the chain tip.
func (w *Wallet) BestHeight(ctx context.Context) (int32, error) {
	backend, err := w.requireBackend()
	if err != nil {
		return 0, err
	}

	height, err := backend.BestHeight(ctx)
	if err != nil {
		return 0, errkind.Classify(errkind.NetworkError, err)
	}

	return height, nil
}
