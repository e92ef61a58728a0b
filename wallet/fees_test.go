package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// TestFeeConversion checks the conversion between fee rates and absolute
// fees.
func TestFeeConversion(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		rate   float64
		weight uint64
		fee    btcutil.Amount
	}{{
		name:   "whole vbytes",
		rate:   1,
		weight: 400,
		fee:    100,
	}, {
		name:   "partial vbyte rounds up",
		rate:   1,
		weight: 401,
		fee:    101,
	}, {
		name:   "fractional rate rounds up",
		rate:   2.1,
		weight: 250,
		fee:    133,
	}, {
		name:   "signed psbt weight",
		rate:   5,
		weight: 576,
		fee:    720,
	}, {
		name:   "zero rate",
		rate:   0,
		weight: 576,
		fee:    0,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fee := FeeRateToAbsolute(tc.rate, tc.weight)
			require.Equal(t, tc.fee, fee)

			if tc.rate == 0 {
				return
			}

			// Going back never yields less than the requested rate.
			rate := FeeAbsoluteToRate(fee, tc.weight)
			require.GreaterOrEqual(t, rate, tc.rate)
		})
	}

	require.InDelta(t, 2.5, FeeAbsoluteToRate(250, 400), 1e-9)
}

// TestDaysToBlocks checks the day to block conversion.
func TestDaysToBlocks(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint32(0), DaysToBlocks(0))
	require.Equal(t, uint32(144), DaysToBlocks(1))
	require.Equal(t, uint32(4320), DaysToBlocks(30))
}

// TestEstimateFeeRate checks that estimates come from the backend and that
// its failures are network errors.
func TestEstimateFeeRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	errUnreachable := errors.New("connection refused")

	backend := &mockBackend{}
	backend.On("EstimateFeeRate", mock.Anything, uint32(6)).Return(
		btcunit.NewSatPerVByte(12), nil,
	)
	backend.On("EstimateFeeRate", mock.Anything, uint32(1)).Return(
		btcunit.SatPerVByte{}, errUnreachable,
	)
	backend.On("BestHeight", mock.Anything).Return(int32(840_000), nil)

	w := newTestWallet(t, keychainDescriptor(testXpub), backend)

	rate, err := w.EstimateFeeRate(ctx, 6)
	require.NoError(t, err)
	require.True(t, rate.Equal(btcunit.NewSatPerVByte(12)))

	_, err = w.EstimateFeeRate(ctx, 1)
	require.ErrorIs(t, err, errUnreachable)
	require.True(t, errkind.Is(err, errkind.NetworkError))

	height, err := w.BestHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(840_000), height)

	backend.AssertExpectations(t)
}
