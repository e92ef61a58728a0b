package chain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/errkind"
)

var (
	// ErrElectrumUnsupported is returned for Electrum server URLs.
	ErrElectrumUnsupported = errors.New("electrum backends are not " +
		"supported")

	// ErrInvalidURL is returned for URLs that select no backend.
	ErrInvalidURL = errors.New("invalid backend url")
)

// BackendOption modifies the construction of a backend selected by URL.
type BackendOption func(*backendOptions)

type backendOptions struct {
	proxy string
}

// WithProxy routes all backend connections through the SOCKS5 proxy at
// addr.
func WithProxy(addr string) BackendOption {
	return func(o *backendOptions) {
		o.proxy = addr
	}
}

// NewBackend selects a backend by URL. A URL carrying an auth=user:pass query
// parameter connects to bitcoind over JSON-RPC, any other http or https URL to
// an Esplora indexer. Electrum URLs are rejected.
func NewBackend(rawURL string, params *chaincfg.Params,
	opts ...BackendOption) (Backend, error) {

	var options backendOptions
	for _, opt := range opts {
		opt(&options)
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, errkind.New(errkind.OpError, "Invalid Backend URL",
			fmt.Errorf("%w: %v", ErrInvalidURL, err))
	}

	switch {
	case u.Scheme == "ssl", u.Scheme == "tcp",
		strings.Contains(u.Host, "electrum"):

		return nil, errkind.New(errkind.OpError, "Invalid Backend URL",
			ErrElectrumUnsupported)

	case u.Scheme != "http" && u.Scheme != "https", u.Host == "":
		return nil, errkind.New(errkind.OpError, "Invalid Backend URL",
			fmt.Errorf("%w: %q", ErrInvalidURL, rawURL))
	}

	if auth := u.Query().Get("auth"); auth != "" {
		user, pass, ok := strings.Cut(auth, ":")
		if !ok {
			return nil, errkind.New(errkind.OpError,
				"Invalid Backend URL", fmt.Errorf("%w: auth "+
					"must be user:pass", ErrInvalidURL))
		}

		log.Infof("Using bitcoind backend at %s", u.Host)

		backend, err := NewBitcoindWithConfig(&BitcoindConfig{
			Host:       u.Host + strings.TrimSuffix(u.Path, "/"),
			User:       user,
			Pass:       pass,
			DisableTLS: u.Scheme == "http",
			Chain:      params,
			Proxy:      options.proxy,
		})
		if err != nil {
			return nil, errkind.New(errkind.OpError,
				"Backend Construction Failed", err)
		}

		return backend, nil
	}

	u.RawQuery = ""
	log.Infof("Using esplora backend at %s", u.String())

	backend, err := NewEsploraWithConfig(&EsploraConfig{
		URL:   u.String(),
		Chain: params,
		Proxy: options.proxy,
	})
	if err != nil {
		return nil, errkind.New(errkind.OpError,
			"Backend Construction Failed", err)
	}

	return backend, nil
}
