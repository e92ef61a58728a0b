package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

const (
	// DefaultImportRange is the last address index imported into the
	// watch-only wallet for ranged descriptors.
	DefaultImportRange = 1000

	// listTransactionsCount is the number of entries requested from
	// listtransactions.
	listTransactionsCount = 10_000

	// Error codes of the bitcoind wallet RPCs.
	rpcWalletNotFound      btcjson.RPCErrorCode = -18
	rpcWalletAlreadyLoaded btcjson.RPCErrorCode = -35
	rpcInvalidAddressOrKey btcjson.RPCErrorCode = -5
)

// A compile-time check to ensure that Bitcoind satisfies the Backend
// interface.
var _ Backend = (*Bitcoind)(nil)

// BitcoindConfig defines the config options used when initializing the
// bitcoind backend.
type BitcoindConfig struct {
	// Host is the host:port of the RPC server, optionally followed by a
	// path.
	Host string

	// User and Pass authenticate the RPC connection.
	User string
	Pass string

	// DisableTLS selects plain HTTP.
	DisableTLS bool

	// Chain defines the Bitcoin network the wallet operates on.
	Chain *chaincfg.Params

	// ImportRange is the last index imported for ranged descriptors. Zero
	// selects DefaultImportRange.
	ImportRange uint32

	// Proxy is the host:port of an optional SOCKS5 proxy.
	Proxy string
}

// validate checks the required config options are set.
func (c *BitcoindConfig) validate() error {
	if c == nil {
		return errors.New("missing bitcoind config")
	}

	if c.Host == "" {
		return errors.New("missing rpc host")
	}

	if c.Chain == nil {
		return errors.New("missing chain params config")
	}

	return nil
}

// Bitcoind reads the wallet's history through a watch-only descriptor wallet
// created on a bitcoind node and named after the deposit descriptor checksum.
type Bitcoind struct {
	cfg *BitcoindConfig

	// node serves the calls that need no wallet.
	node *rpcclient.Client

	mu         sync.Mutex
	walletName string
	wallet     *rpcclient.Client
}

// NewBitcoindWithConfig creates a bitcoind backend based on the config options
// supplied. The client uses HTTP POST mode so no connection is held between
// requests.
func NewBitcoindWithConfig(cfg *BitcoindConfig) (*Bitcoind, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.ImportRange == 0 {
		cfg.ImportRange = DefaultImportRange
	}

	node, err := newPostClient(cfg, cfg.Host)
	if err != nil {
		return nil, err
	}

	return &Bitcoind{cfg: cfg, node: node}, nil
}

func newPostClient(cfg *BitcoindConfig, host string) (*rpcclient.Client,
	error) {

	return rpcclient.New(&rpcclient.ConnConfig{
		Host:                 host,
		User:                 cfg.User,
		Pass:                 cfg.Pass,
		DisableTLS:           cfg.DisableTLS,
		Proxy:                proxyURL(cfg.Proxy),
		DisableAutoReconnect: false,
		DisableConnectOnNew:  true,
		HTTPPostMode:         true,
	}, nil)
}

// proxyURL returns the proxy address in the URL form the HTTP POST client
// parses. A bare host:port is a SOCKS5 proxy.
func proxyURL(addr string) string {
	if addr == "" || strings.Contains(addr, "://") {
		return addr
	}

	return "socks5://" + addr
}

// Name returns the name of the backend kind.
func (b *Bitcoind) Name() string {
	return "bitcoind"
}

// Stop shuts down the RPC clients.
func (b *Bitcoind) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.node.Shutdown()
	if b.wallet != nil {
		b.wallet.Shutdown()
	}
}

// request performs a JSON-RPC call and decodes the result into result, which
// may be nil.
func request(ctx context.Context, client *rpcclient.Client, method string,
	result any, params ...any) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return err
		}
		rawParams = append(rawParams, raw)
	}

	log.Tracef("bitcoind request %s", method)

	resp, err := client.RawRequest(method, rawParams)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) {
			return rpcErr
		}

		return errkind.New(errkind.NetworkError, "bitcoind "+method,
			err)
	}

	if result == nil {
		return nil
	}

	return json.Unmarshal(resp, result)
}

func isRPCCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// EstimateFeeRate returns the estimatesmartfee rate for target.
func (b *Bitcoind) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerVByte, error) {

	var result btcjson.EstimateSmartFeeResult
	err := request(ctx, b.node, "estimatesmartfee", &result, target)
	if err != nil {
		return btcunit.ZeroSatPerVByte, err
	}

	if result.FeeRate == nil || *result.FeeRate <= 0 {
		return btcunit.ZeroSatPerVByte, fmt.Errorf("%w: %v",
			ErrNoFeeEstimate, result.Errors)
	}

	// The estimate is quoted in BTC/kvB.
	perKVB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return btcunit.ZeroSatPerVByte, err
	}

	return btcunit.NewSatPerKVByte(perKVB).ToSatPerVByte(), nil
}

// BestHeight returns the block count of the node.
func (b *Bitcoind) BestHeight(ctx context.Context) (int32, error) {
	var height int32
	if err := request(ctx, b.node, "getblockcount", &height); err != nil {
		return 0, err
	}

	return height, nil
}

// importRequest is one entry of an importdescriptors call.
type importRequest struct {
	Desc      string   `json:"desc"`
	Timestamp int64    `json:"timestamp"`
	Range     []uint32 `json:"range,omitempty"`
	Internal  bool     `json:"internal,omitempty"`
	Active    bool     `json:"active,omitempty"`
}

// importResult is one entry of the importdescriptors response.
type importResult struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// walletTxResult holds the fields of gettransaction and getrawtransaction the
// backend reads.
type walletTxResult struct {
	TxID         string `json:"txid"`
	Hex          string `json:"hex"`
	BlockHash    string `json:"blockhash"`
	BlockHeight  int32  `json:"blockheight"`
	BlockTime    int64  `json:"blocktime"`
	Time         int64  `json:"time"`
	TimeReceived int64  `json:"timereceived"`
}

// listTxResult holds the fields of a listtransactions entry the backend
// reads.
type listTxResult struct {
	TxID string `json:"txid"`
}

// ensureWallet loads, or creates, the watch-only wallet for the descriptors
// and imports them. It returns the wallet scoped client.
func (b *Bitcoind) ensureWallet(ctx context.Context,
	descs []*descriptor.Descriptor) (*rpcclient.Client, error) {

	name := descs[0].Checksum()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wallet != nil && b.walletName == name {
		return b.wallet, nil
	}

	err := request(ctx, b.node, "loadwallet", nil, name)
	switch {
	case err == nil, isRPCCode(err, rpcWalletAlreadyLoaded):

	case isRPCCode(err, rpcWalletNotFound):
		log.Infof("Creating watch-only bitcoind wallet %s", name)

		// createwallet name disable_private_keys blank passphrase
		// avoid_reuse descriptors.
		err = request(ctx, b.node, "createwallet", nil, name, true,
			true, "", false, true)
		if err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	wallet, err := newPostClient(b.cfg, b.cfg.Host+"/wallet/"+name)
	if err != nil {
		return nil, err
	}

	requests := make([]importRequest, 0, len(descs))
	for i, desc := range descs {
		text, err := descriptor.AddChecksum(desc.PublicString())
		if err != nil {
			wallet.Shutdown()
			return nil, err
		}

		req := importRequest{Desc: text}
		if desc.IsRange() {
			req.Range = []uint32{0, b.cfg.ImportRange}
			req.Active = true
			req.Internal = i > 0
		}
		requests = append(requests, req)
	}

	var results []importResult
	err = request(ctx, wallet, "importdescriptors", &results, requests)
	if err != nil {
		wallet.Shutdown()
		return nil, err
	}

	for i, result := range results {
		if result.Success {
			continue
		}

		msg := "unknown failure"
		if result.Error != nil {
			msg = result.Error.Message
		}
		wallet.Shutdown()

		return nil, errkind.Newf(errkind.NetworkError, "bitcoind "+
			"rejected descriptor %d: %s", i, msg)
	}

	if b.wallet != nil {
		b.wallet.Shutdown()
	}
	b.wallet = wallet
	b.walletName = name

	return wallet, nil
}

// FetchHistory imports the descriptors into the node's watch-only wallet and
// lists its transactions.
func (b *Bitcoind) FetchHistory(ctx context.Context,
	descs []*descriptor.Descriptor) ([]*TxDetail, error) {

	if err := checkDescriptors(descs, b.cfg.Chain); err != nil {
		return nil, err
	}

	wallet, err := b.ensureWallet(ctx, descs)
	if err != nil {
		return nil, err
	}

	// listtransactions label count skip include_watchonly.
	var entries []listTxResult
	err = request(ctx, wallet, "listtransactions", &entries, "*",
		listTransactionsCount, 0, true)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	details := make([]*TxDetail, 0, len(entries))
	for _, entry := range entries {
		if seen[entry.TxID] {
			continue
		}
		seen[entry.TxID] = true

		var result walletTxResult
		err := request(ctx, wallet, "gettransaction", &result,
			entry.TxID, true)
		if err != nil {
			return nil, err
		}

		detail, err := result.detail()
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}

	log.Debugf("Fetched %d transactions from bitcoind wallet %s",
		len(details), descs[0].Checksum())

	return details, nil
}

// GetTransaction looks the transaction up in the wallet when one is loaded
// and in the node's mempool and transaction index otherwise.
func (b *Bitcoind) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*TxDetail, error) {

	b.mu.Lock()
	wallet := b.wallet
	b.mu.Unlock()

	var (
		result walletTxResult
		err    error
	)
	if wallet != nil {
		err = request(ctx, wallet, "gettransaction", &result,
			txid.String(), true)
	} else {
		err = request(ctx, b.node, "getrawtransaction", &result,
			txid.String(), true)
	}

	switch {
	case isRPCCode(err, rpcInvalidAddressOrKey):
		return nil, fmt.Errorf("%w: %v", ErrTxNotFound, txid)

	case err != nil:
		return nil, err
	}

	return result.detail()
}

func (r *walletTxResult) detail() (*TxDetail, error) {
	tx, err := decodeTxHex(r.Hex)
	if err != nil {
		return nil, err
	}

	received := r.TimeReceived
	if received == 0 {
		received = r.Time
	}

	detail := &TxDetail{Tx: tx, Received: time.Unix(received, 0)}
	if r.BlockHash == "" {
		return detail, nil
	}

	hash, err := chainhash.NewHashFromStr(r.BlockHash)
	if err != nil {
		return nil, err
	}

	detail.Block = &BlockMeta{
		Height: r.BlockHeight,
		Hash:   *hash,
		Time:   time.Unix(r.BlockTime, 0),
	}
	if received == 0 {
		detail.Received = detail.Block.Time
	}

	return detail, nil
}

// Broadcast submits the transaction with sendrawtransaction.
func (b *Bitcoind) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	txHex, err := encodeTxHex(tx)
	if err != nil {
		return nil, err
	}

	var txid string
	err = request(ctx, b.node, "sendrawtransaction", &txid, txHex)
	if err != nil {
		return nil, errkind.Classify(errkind.NetworkError, err)
	}

	return chainhash.NewHashFromStr(txid)
}

func decodeTxHex(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx hex: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}

	return tx, nil
}

func encodeTxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx: %w", err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}
