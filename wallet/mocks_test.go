package wallet

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/stretchr/testify/mock"
)

var _ chain.Backend = (*mockBackend)(nil)

// mockBackend is a mock implementation of the chain.Backend interface.
type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Name() string {
	return "mock"
}

func (m *mockBackend) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerVByte, error) {

	args := m.Called(ctx, target)
	return args.Get(0).(btcunit.SatPerVByte), args.Error(1)
}

func (m *mockBackend) BestHeight(ctx context.Context) (int32, error) {
	args := m.Called(ctx)
	return args.Get(0).(int32), args.Error(1)
}

func (m *mockBackend) FetchHistory(ctx context.Context,
	descs []*descriptor.Descriptor) ([]*chain.TxDetail, error) {

	args := m.Called(ctx, descs)
	details, _ := args.Get(0).([]*chain.TxDetail)

	return details, args.Error(1)
}

func (m *mockBackend) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*chain.TxDetail, error) {

	args := m.Called(ctx, txid)
	detail, _ := args.Get(0).(*chain.TxDetail)

	return detail, args.Error(1)
}

func (m *mockBackend) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	args := m.Called(ctx, tx)
	hash, _ := args.Get(0).(*chainhash.Hash)

	return hash, args.Error(1)
}

func (m *mockBackend) Stop() {
	m.Called()
}

// expectHistory makes the backend report the given chain tip and history.
func (m *mockBackend) expectHistory(tip int32, details ...*chain.TxDetail) {
	m.On("BestHeight", mock.Anything).Return(tip, nil)
	m.On("FetchHistory", mock.Anything, mock.Anything).Return(
		details, nil,
	)
}
