// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store persists the transaction ledger of a descriptor wallet. Every
// wallet lives in its own top level bucket named after the checksum of its
// deposit descriptor, so one database file can hold many wallets.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
	"github.com/btcsuite/btcwallet/wtxmgr"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// DBName is the file name of the database inside the data directory.
	DBName = "descwallet.db"

	// dbDriver is the walletdb driver backing the database file.
	dbDriver = "bdb"

	// DefaultDBTimeout is how long opening the database waits for the
	// file lock.
	DefaultDBTimeout = 10 * time.Second
)

var (
	// txmgrBucketKey is the nested bucket holding the wtxmgr namespace.
	txmgrBucketKey = []byte("wtxmgr")

	// metaBucketKey is the nested bucket holding wallet metadata.
	metaBucketKey = []byte("meta")

	// descriptorKey stores the public deposit descriptor text.
	descriptorKey = []byte("descriptor")

	// syncStateKey stores the serialized SyncState.
	syncStateKey = []byte("syncstate")
)

var (
	// ErrDescriptorMismatch is returned when the bucket of a descriptor
	// identity holds another descriptor.
	ErrDescriptorMismatch = errors.New("stored descriptor does not match")

	// ErrNotSynced is returned when no sync state was recorded yet.
	ErrNotSynced = errors.New("wallet was never synced")

	// ErrMissingBucket is returned when a wallet bucket disappeared.
	ErrMissingBucket = errors.New("missing wallet bucket")

	// ErrUnknownRequiredType is returned when a serialized record carries
	// an even TLV type this version does not know.
	ErrUnknownRequiredType = errors.New("unknown required tlv type")
)

// Credit marks a transaction output as belonging to the wallet.
type Credit struct {
	// Index is the output index within the transaction.
	Index uint32

	// Change is true for outputs paying the change keychain.
	Change bool
}

// SyncState records the chain height the ledger was last synced to and the
// address usage seen at that point.
type SyncState struct {
	Height    int32
	Timestamp time.Time

	// NextDeposit and NextChange are the first unused address indexes
	// of the two keychains.
	NextDeposit uint32
	NextChange  uint32
}

// TLV types of the serialized sync state. Even types are required.
const (
	syncHeightType    tlv.Type = 0
	syncTimestampType tlv.Type = 2
	nextDepositType   tlv.Type = 4
	nextChangeType    tlv.Type = 6
)

func (s *SyncState) records(height *uint32,
	timestamp *uint64) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(syncHeightType, height),
		tlv.MakePrimitiveRecord(syncTimestampType, timestamp),
		tlv.MakePrimitiveRecord(nextDepositType, &s.NextDeposit),
		tlv.MakePrimitiveRecord(nextChangeType, &s.NextChange),
	}
}

func (s *SyncState) serialize() ([]byte, error) {
	height := uint32(s.Height)
	timestamp := uint64(s.Timestamp.Unix())

	stream, err := tlv.NewStream(s.records(&height, &timestamp)...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, fmt.Errorf("encode sync state: %w", err)
	}

	return b.Bytes(), nil
}

func deserializeSyncState(b []byte) (*SyncState, error) {
	var (
		state     SyncState
		height    uint32
		timestamp uint64
	)

	stream, err := tlv.NewStream(state.records(&height, &timestamp)...)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode sync state: %w", err)
	}

	// Known types are recorded with nil values, unknown ones with their
	// raw bytes. Odd types may be skipped, even ones may not.
	for typ, raw := range parsed {
		if raw != nil && typ%2 == 0 {
			return nil, fmt.Errorf("decode sync state: %w %d",
				ErrUnknownRequiredType, typ)
		}
	}

	state.Height = int32(height)
	state.Timestamp = time.Unix(int64(timestamp), 0)

	return &state, nil
}

// Store is the persisted ledger of one descriptor wallet.
type Store struct {
	db     walletdb.DB
	ownsDB bool

	id      []byte
	params  *chaincfg.Params
	txStore *wtxmgr.Store
}

// OpenFile opens or creates the database file inside dir and opens the
// ledger of desc in it. The database is closed together with the store.
func OpenFile(dir string, desc *descriptor.Descriptor) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, DBName)

	var (
		db  walletdb.DB
		err error
	)
	if fileExists(dbPath) {
		db, err = walletdb.Open(
			dbDriver, dbPath, true, DefaultDBTimeout, false,
		)
	} else {
		db, err = walletdb.Create(
			dbDriver, dbPath, true, DefaultDBTimeout, false,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := Open(db, desc)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true

	return s, nil
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// Open opens the ledger of desc inside db, creating its buckets on first
// use. The identity of a wallet is the checksum of its deposit descriptor.
func Open(db walletdb.DB, desc *descriptor.Descriptor) (*Store, error) {
	s := &Store{
		db:     db,
		id:     []byte(desc.Checksum()),
		params: desc.Params(),
	}
	public := []byte(desc.PublicString())

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(s.id)
		if root == nil {
			var err error
			root, err = tx.CreateTopLevelBucket(s.id)
			if err != nil {
				return err
			}
		}

		meta, err := root.CreateBucketIfNotExists(metaBucketKey)
		if err != nil {
			return err
		}

		stored := meta.Get(descriptorKey)
		switch {
		case stored == nil:
			log.Infof("Creating ledger for descriptor %s", s.id)

			if err := meta.Put(descriptorKey, public); err != nil {
				return err
			}

			ns, err := root.CreateBucket(txmgrBucketKey)
			if err != nil {
				return err
			}

			if err := wtxmgr.Create(ns); err != nil {
				return fmt.Errorf("create wtxmgr: %w", err)
			}

		case string(stored) != string(public):
			return fmt.Errorf("%w: %s", ErrDescriptorMismatch, s.id)
		}

		ns := root.NestedReadWriteBucket(txmgrBucketKey)
		if ns == nil {
			return ErrMissingBucket
		}

		s.txStore, err = wtxmgr.Open(ns, s.params)
		if err != nil {
			return fmt.Errorf("open wtxmgr: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Opened ledger %s", s.id)

	return s, nil
}

// ID returns the descriptor identity the store is keyed by.
func (s *Store) ID() string {
	return string(s.id)
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}

	return s.db.Close()
}

// Descriptor returns the public deposit descriptor the ledger belongs to.
func (s *Store) Descriptor() (string, error) {
	var desc string
	err := s.view(func(_, meta walletdb.ReadBucket) error {
		desc = string(meta.Get(descriptorKey))
		return nil
	})

	return desc, err
}

// view runs f with the wtxmgr namespace and the metadata bucket.
func (s *Store) view(f func(ns, meta walletdb.ReadBucket) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		root := tx.ReadBucket(s.id)
		if root == nil {
			return ErrMissingBucket
		}

		return f(root.NestedReadBucket(txmgrBucketKey),
			root.NestedReadBucket(metaBucketKey))
	})
}

// update runs f with writable wtxmgr and metadata buckets.
func (s *Store) update(f func(ns, meta walletdb.ReadWriteBucket) error) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		root := tx.ReadWriteBucket(s.id)
		if root == nil {
			return ErrMissingBucket
		}

		return f(root.NestedReadWriteBucket(txmgrBucketKey),
			root.NestedReadWriteBucket(metaBucketKey))
	})
}

// txRecord builds the wtxmgr record and block of a backend transaction.
func txRecord(detail *chain.TxDetail) (*wtxmgr.TxRecord, *wtxmgr.BlockMeta,
	error) {

	received := detail.Received
	if received.IsZero() && detail.Block != nil {
		received = detail.Block.Time
	}
	if received.IsZero() {
		received = time.Now()
	}

	rec, err := wtxmgr.NewTxRecordFromMsgTx(detail.Tx, received)
	if err != nil {
		return nil, nil, err
	}

	if detail.Block == nil {
		return rec, nil, nil
	}

	return rec, &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Hash:   detail.Block.Hash,
			Height: detail.Block.Height,
		},
		Time: detail.Block.Time,
	}, nil
}

// InsertTx records a wallet transaction and the outputs it pays the wallet.
// Inserting a known transaction again is a no-op, and inserting a mined
// version of an unmined transaction moves it into its block. Parents must be
// inserted before the transactions spending them for the spends to be
// tracked.
func (s *Store) InsertTx(detail *chain.TxDetail, credits []Credit) error {
	rec, block, err := txRecord(detail)
	if err != nil {
		return err
	}

	return s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		if err := s.txStore.InsertTx(ns, rec, block); err != nil {
			return fmt.Errorf("insert tx %v: %w", rec.Hash, err)
		}

		for _, c := range credits {
			err := s.txStore.AddCredit(ns, rec, block, c.Index,
				c.Change)
			if err != nil {
				return fmt.Errorf("add credit %v:%d: %w",
					rec.Hash, c.Index, err)
			}
		}

		return nil
	})
}

// UnminedTxs returns the transactions recorded without a block.
func (s *Store) UnminedTxs() ([]*wire.MsgTx, error) {
	var txs []*wire.MsgTx
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		txs, err = s.txStore.UnminedTxs(ns)

		return err
	})

	return txs, err
}

// RemoveUnminedTx drops an unmined transaction and everything spending it,
// used when the backend no longer reports it.
func (s *Store) RemoveUnminedTx(tx *wire.MsgTx) error {
	rec, err := wtxmgr.NewTxRecordFromMsgTx(tx, time.Now())
	if err != nil {
		return err
	}

	log.Debugf("Removing unmined tx %v", rec.Hash)

	return s.update(func(ns, _ walletdb.ReadWriteBucket) error {
		return s.txStore.RemoveUnminedTx(ns, rec)
	})
}

// UnspentOutputs returns the unspent wallet outputs, unmined ones included.
// Outputs spent by unmined transactions are excluded.
func (s *Store) UnspentOutputs() ([]wtxmgr.Credit, error) {
	var credits []wtxmgr.Credit
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		credits, err = s.txStore.UnspentOutputs(ns)

		return err
	})
	if err != nil {
		return nil, err
	}

	// Unspent outputs come back in key order, sort them by age.
	sort.SliceStable(credits, func(i, j int) bool {
		hi, hj := credits[i].Height, credits[j].Height
		if hi != hj {
			return hj == -1 || (hi != -1 && hi < hj)
		}

		return credits[i].Received.Before(credits[j].Received)
	})

	return credits, nil
}

// Balance returns the balance of outputs with at least minConf confirmations
// at the last synced height. A minConf of zero includes unmined outputs.
func (s *Store) Balance(minConf int32) (btcutil.Amount, error) {
	var balance btcutil.Amount
	err := s.view(func(ns, meta walletdb.ReadBucket) error {
		var height int32
		if b := meta.Get(syncStateKey); b != nil {
			state, err := deserializeSyncState(b)
			if err != nil {
				return err
			}
			height = state.Height
		}

		var err error
		balance, err = s.txStore.Balance(ns, minConf, height)

		return err
	})

	return balance, err
}

// Transactions returns every recorded transaction, mined ones by ascending
// height followed by the unmined ones.
func (s *Store) Transactions() ([]wtxmgr.TxDetails, error) {
	var all []wtxmgr.TxDetails
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		return s.txStore.RangeTransactions(ns, 0, -1,
			func(details []wtxmgr.TxDetails) (bool, error) {
				// The slice is reused between calls.
				all = append(all, details...)
				return false, nil
			},
		)
	})

	return all, err
}

// TxDetails returns a recorded transaction, or nil when it is unknown.
func (s *Store) TxDetails(txid chainhash.Hash) (*wtxmgr.TxDetails, error) {
	var details *wtxmgr.TxDetails
	err := s.view(func(ns, _ walletdb.ReadBucket) error {
		var err error
		details, err = s.txStore.TxDetails(ns, &txid)

		return err
	})

	return details, err
}

// PutSyncState records the sync progress.
func (s *Store) PutSyncState(state *SyncState) error {
	return s.update(func(_, meta walletdb.ReadWriteBucket) error {
		b, err := state.serialize()
		if err != nil {
			return err
		}

		return meta.Put(syncStateKey, b)
	})
}

// SyncState returns the last recorded sync progress, or ErrNotSynced.
func (s *Store) SyncState() (*SyncState, error) {
	var state *SyncState
	err := s.view(func(_, meta walletdb.ReadBucket) error {
		b := meta.Get(syncStateKey)
		if b == nil {
			return ErrNotSynced
		}

		var err error
		state, err = deserializeSyncState(b)

		return err
	})

	return state, err
}
