package chain

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

// TestNewBackend checks backend selection by URL.
func TestNewBackend(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		url     string
		backend string
		err     error
	}{{
		name:    "bitcoind",
		url:     "http://127.0.0.1:18332?auth=user:pass",
		backend: "bitcoind",
	}, {
		name:    "bitcoind over tls",
		url:     "https://localhost:8332/?auth=user:pass",
		backend: "bitcoind",
	}, {
		name:    "esplora",
		url:     "https://127.0.0.1:3002/testnet/api",
		backend: "esplora",
	}, {
		name: "electrum ssl",
		url:  "ssl://electrum.blockstream.info:60002",
		err:  ErrElectrumUnsupported,
	}, {
		name: "electrum host",
		url:  "http://electrum.example.com:50001",
		err:  ErrElectrumUnsupported,
	}, {
		name: "bad auth",
		url:  "http://127.0.0.1:18332?auth=user",
		err:  ErrInvalidURL,
	}, {
		name: "unknown scheme",
		url:  "ftp://example.com",
		err:  ErrInvalidURL,
	}, {
		name: "not a url",
		url:  "::",
		err:  ErrInvalidURL,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			backend, err := NewBackend(tc.url,
				&chaincfg.TestNet3Params)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.True(t, errkind.Is(err, errkind.OpError))
				return
			}

			require.NoError(t, err)
			t.Cleanup(backend.Stop)
			require.Equal(t, tc.backend, backend.Name())
		})
	}
}

// TestNewBackendHost checks the connection details taken from the URL.
func TestNewBackendHost(t *testing.T) {
	t.Parallel()

	backend, err := NewBackend("https://127.0.0.1:8332/?auth=a:b",
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	t.Cleanup(backend.Stop)

	bitcoind, ok := backend.(*Bitcoind)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:8332", bitcoind.cfg.Host)
	require.Equal(t, "a", bitcoind.cfg.User)
	require.Equal(t, "b", bitcoind.cfg.Pass)
	require.False(t, bitcoind.cfg.DisableTLS)

	backend, err = NewBackend("https://127.0.0.1:3000/api/?x=1",
		&chaincfg.MainNetParams)
	require.NoError(t, err)
	t.Cleanup(backend.Stop)

	esplora, ok := backend.(*Esplora)
	require.True(t, ok)
	require.Equal(t, "https://127.0.0.1:3000/api", esplora.cfg.URL)
}

// TestNewBackendProxy checks that the proxy option reaches both backends.
func TestNewBackendProxy(t *testing.T) {
	t.Parallel()

	backend, err := NewBackend("http://127.0.0.1:18332?auth=a:b",
		&chaincfg.TestNet3Params, WithProxy("127.0.0.1:9050"))
	require.NoError(t, err)
	t.Cleanup(backend.Stop)

	bitcoind, ok := backend.(*Bitcoind)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:9050", bitcoind.cfg.Proxy)

	backend, err = NewBackend("https://127.0.0.1:3002/testnet/api",
		&chaincfg.TestNet3Params, WithProxy("127.0.0.1:9050"))
	require.NoError(t, err)
	t.Cleanup(backend.Stop)

	esplora, ok := backend.(*Esplora)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1:9050", esplora.cfg.Proxy)

	transport, ok := esplora.httpClient.Transport.(*http.Transport)
	require.True(t, ok)
	require.NotNil(t, transport.DialContext)
	require.Nil(t, transport.Proxy)
}

// TestProxyURL checks the proxy form handed to the RPC client.
func TestProxyURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		addr     string
		expected string
	}{{
		name:     "none",
		addr:     "",
		expected: "",
	}, {
		name:     "host and port",
		addr:     "127.0.0.1:9050",
		expected: "socks5://127.0.0.1:9050",
	}, {
		name:     "with scheme",
		addr:     "socks5h://localhost:9050",
		expected: "socks5h://localhost:9050",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.expected, proxyURL(tc.addr))

			parsed, err := url.Parse(proxyURL(tc.addr))
			require.NoError(t, err)
			require.Equal(t, tc.addr == "", parsed.Host == "")
		})
	}
}
