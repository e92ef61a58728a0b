package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultScanConcurrency bounds the parallel address lookups of a
	// history scan.
	defaultScanConcurrency = 4

	// confirmedPageSize is the number of confirmed transactions Esplora
	// returns per page of an address history.
	confirmedPageSize = 25
)

// A compile-time check to ensure that Esplora satisfies the Backend
// interface.
var _ Backend = (*Esplora)(nil)

// EsploraConfig holds the configuration for the Esplora backend.
type EsploraConfig struct {
	// URL is the base URL of the Esplora API, e.g.
	// https://blockstream.info/testnet/api.
	URL string

	// Chain defines the Bitcoin network the wallet operates on.
	Chain *chaincfg.Params

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// StopGap is the number of consecutive unused addresses that ends an
	// address scan.
	StopGap uint32

	// Concurrency bounds the parallel requests of a scan.
	Concurrency int

	// Proxy is the host:port of an optional SOCKS5 proxy all requests
	// are routed through.
	Proxy string
}

// validate checks the required config options are set and fills in defaults.
func (c *EsploraConfig) validate() error {
	if c == nil {
		return errors.New("missing esplora config")
	}

	if c.URL == "" {
		return errors.New("missing esplora url")
	}

	if c.Chain == nil {
		return errors.New("missing chain params config")
	}

	if c.MaxRetries < 0 {
		return errors.New("maxRetries must be positive")
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.StopGap == 0 {
		c.StopGap = DefaultStopGap
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultScanConcurrency
	}

	c.URL = strings.TrimSuffix(c.URL, "/")

	return nil
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int32  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID   string   `json:"txid"`
	Status TxStatus `json:"status"`
}

// FeeEstimates maps confirmation targets to fee rates in sat/vB.
type FeeEstimates map[string]float64

// Esplora reads wallet history from an Esplora REST indexer by scanning the
// descriptors' addresses.
type Esplora struct {
	cfg *EsploraConfig

	httpClient *http.Client
}

// NewEsploraWithConfig creates a new Esplora backend with the given
// configuration.
func NewEsploraWithConfig(cfg *EsploraConfig) (*Esplora, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks proxy: %w", err)
		}

		ctxDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks proxy: no context dialer")
		}
		transport.Proxy = nil
		transport.DialContext = ctxDialer.DialContext
	}

	return &Esplora{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
	}, nil
}

// Name returns the name of the backend kind.
func (e *Esplora) Name() string {
	return "esplora"
}

// Stop closes idle connections.
func (e *Esplora) Stop() {
	e.httpClient.CloseIdleConnections()
}

// doRequest performs an HTTP request with retries. Transport failures are
// reported as NetworkError.
func (e *Esplora) doRequest(ctx context.Context, method, path string,
	body []byte) (*http.Response, error) {

	url := e.cfg.URL + path

	var lastErr error
	for i := 0; i <= e.cfg.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w",
				err)
		}

		if body != nil {
			req.Header.Set("Content-Type", "text/plain")
		}

		resp, err := e.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if i < e.cfg.MaxRetries {
				time.Sleep(time.Duration(i+1) * 100 *
					time.Millisecond)
			}
			continue
		}

		return resp, nil
	}

	return nil, errkind.New(errkind.NetworkError, "esplora unreachable",
		fmt.Errorf("request failed after %d attempts: %w",
			e.cfg.MaxRetries+1, lastErr))
}

// doGet performs a GET request and returns the response body.
func (e *Esplora) doGet(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil

	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, path)
	}

	return nil, errkind.Newf(errkind.NetworkError, "esplora returned "+
		"status %d: %s", resp.StatusCode, string(body))
}

func (e *Esplora) getJSON(ctx context.Context, path string, v any) error {
	body, err := e.doGet(ctx, path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// EstimateFeeRate returns the estimate of the largest target not above the
// requested one, or of the smallest target when all are above it.
func (e *Esplora) EstimateFeeRate(ctx context.Context,
	target uint32) (btcunit.SatPerVByte, error) {

	var estimates FeeEstimates
	if err := e.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return btcunit.ZeroSatPerVByte, err
	}

	rate, ok := pickEstimate(estimates, target)
	if !ok {
		return btcunit.ZeroSatPerVByte, ErrNoFeeEstimate
	}

	return btcunit.NewSatPerVByteFromFloat(rate), nil
}

func pickEstimate(estimates FeeEstimates, target uint32) (float64, bool) {
	targets := make([]int, 0, len(estimates))
	for key := range estimates {
		t, err := strconv.Atoi(key)
		if err != nil || t <= 0 {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return 0, false
	}
	sort.Ints(targets)

	chosen := targets[0]
	for _, t := range targets {
		if t > int(target) {
			break
		}
		chosen = t
	}

	return estimates[strconv.Itoa(chosen)], true
}

// BestHeight returns the current blockchain tip height.
func (e *Esplora) BestHeight(ctx context.Context) (int32, error) {
	body, err := e.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	text := strings.TrimSpace(string(body))
	height, err := strconv.ParseInt(text, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return int32(height), nil
}

// addressTxs fetches the full history of an address, following the
// confirmed transaction pages.
func (e *Esplora) addressTxs(ctx context.Context,
	address string) ([]*TxInfo, error) {

	var txs []*TxInfo
	if err := e.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return nil, err
	}

	confirmed := 0
	for _, tx := range txs {
		if tx.Status.Confirmed {
			confirmed++
		}
	}

	for confirmed >= confirmedPageSize {
		last := txs[len(txs)-1].TxID

		var page []*TxInfo
		err := e.getJSON(ctx, "/address/"+address+"/txs/chain/"+last,
			&page)
		if err != nil {
			return nil, err
		}

		txs = append(txs, page...)
		confirmed = len(page)
	}

	return txs, nil
}

// scanDescriptor collects the history of the descriptor's addresses until
// StopGap consecutive addresses have none.
func (e *Esplora) scanDescriptor(ctx context.Context,
	desc *descriptor.Descriptor, found map[string]*TxInfo,
	mu *sync.Mutex) error {

	if !desc.IsRange() {
		_, err := e.scanBatch(ctx, desc, 0, 1, found, mu)
		return err
	}

	gap := e.cfg.StopGap
	next, lastUsed := uint32(0), int64(-1)
	for int64(next)-(lastUsed+1) < int64(gap) {
		used, err := e.scanBatch(ctx, desc, next, gap, found, mu)
		if err != nil {
			return err
		}

		if used > lastUsed {
			lastUsed = used
		}
		next += gap
	}

	log.Debugf("Scanned %d addresses of %s, last used index %d", next,
		desc.Checksum(), lastUsed)

	return nil
}

// scanBatch looks up count addresses starting at from in parallel. It
// returns the highest used index, or -1.
func (e *Esplora) scanBatch(ctx context.Context, desc *descriptor.Descriptor,
	from, count uint32, found map[string]*TxInfo,
	mu *sync.Mutex) (int64, error) {

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	var (
		usedMu   sync.Mutex
		lastUsed = int64(-1)
	)
	for index := from; index < from+count; index++ {
		g.Go(func() error {
			out, err := desc.At(index)
			if err != nil {
				return err
			}

			txs, err := e.addressTxs(gctx, out.Address.EncodeAddress())
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				return nil
			}

			usedMu.Lock()
			if int64(index) > lastUsed {
				lastUsed = int64(index)
			}
			usedMu.Unlock()

			mu.Lock()
			for _, tx := range txs {
				found[tx.TxID] = tx
			}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return -1, err
	}

	return lastUsed, nil
}

// FetchHistory scans the descriptors' addresses and downloads every
// transaction found.
func (e *Esplora) FetchHistory(ctx context.Context,
	descs []*descriptor.Descriptor) ([]*TxDetail, error) {

	if err := checkDescriptors(descs, e.cfg.Chain); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	found := make(map[string]*TxInfo)
	for _, desc := range descs {
		if err := e.scanDescriptor(ctx, desc, found, &mu); err != nil {
			return nil, err
		}
	}

	txids := make([]string, 0, len(found))
	for txid := range found {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	details := make([]*TxDetail, len(txids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, txid := range txids {
		g.Go(func() error {
			tx, err := e.rawTx(gctx, txid)
			if err != nil {
				return err
			}

			details[i], err = statusDetail(tx, found[txid].Status)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return details, nil
}

func (e *Esplora) rawTx(ctx context.Context, txid string) (*wire.MsgTx,
	error) {

	body, err := e.doGet(ctx, "/tx/"+txid+"/hex")
	if err != nil {
		return nil, err
	}

	return decodeTxHex(strings.TrimSpace(string(body)))
}

func statusDetail(tx *wire.MsgTx, status TxStatus) (*TxDetail, error) {
	detail := &TxDetail{Tx: tx, Received: time.Now()}
	if !status.Confirmed {
		return detail, nil
	}

	hash, err := chainhash.NewHashFromStr(status.BlockHash)
	if err != nil {
		return nil, err
	}

	detail.Block = &BlockMeta{
		Height: status.BlockHeight,
		Hash:   *hash,
		Time:   time.Unix(status.BlockTime, 0),
	}
	detail.Received = detail.Block.Time

	return detail, nil
}

// GetTransaction fetches a transaction and its confirmation status.
func (e *Esplora) GetTransaction(ctx context.Context,
	txid chainhash.Hash) (*TxDetail, error) {

	tx, err := e.rawTx(ctx, txid.String())
	if err != nil {
		return nil, err
	}

	var status TxStatus
	err = e.getJSON(ctx, "/tx/"+txid.String()+"/status", &status)
	if err != nil {
		return nil, err
	}

	return statusDetail(tx, status)
}

// Broadcast posts the raw transaction and returns the txid the indexer
// reports.
func (e *Esplora) Broadcast(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	txHex, err := encodeTxHex(tx)
	if err != nil {
		return nil, err
	}

	resp, err := e.doRequest(ctx, http.MethodPost, "/tx", []byte(txHex))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.Newf(errkind.NetworkError, "broadcast "+
			"failed with status %d: %s", resp.StatusCode,
			string(body))
	}

	return chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
}
