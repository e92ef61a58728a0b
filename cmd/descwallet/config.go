// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/store"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	defaultConfigFilename = "descwallet.conf"
	defaultLogFilename    = "descwallet.log"
	defaultLogDirname     = "logs"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultNetwork        = "mainnet"
)

var (
	defaultAppDir     = btcutil.AppDataDir("descwallet", false)
	defaultConfigFile = filepath.Join(defaultAppDir, defaultConfigFilename)

	// errNoDescriptor is returned by wallet commands run without a
	// descriptor.
	errNoDescriptor = errors.New("no descriptor given, use --descriptor " +
		"or set descriptor in the config file")
)

// config defines the global options of every command. Options are read from
// the config file first and the command line second.
//
//nolint:lll
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDir     string `short:"A" long:"appdir" description:"Directory holding the wallet database and logs"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	DebugLevel     string `short:"l" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	Descriptor string `short:"d" long:"descriptor" description:"Deposit descriptor of the wallet"`
	Backend    string `short:"b" long:"backend" description:"Chain backend URL: bitcoind JSON-RPC when it carries ?auth=user:pass, an Esplora API otherwise"`
	Proxy      string `long:"proxy" description:"Connect to the backend through the SOCKS5 proxy at host:port"`
	NoStore    bool   `long:"nostore" description:"Do not keep the wallet ledger on disk"`

	Network string `long:"network" description:"Network of newly generated keys" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`
}

// defaultConfig returns the options before any file or flag is applied.
func defaultConfig() config {
	return config{
		ConfigFile:     defaultConfigFile,
		AppDir:         defaultAppDir,
		DebugLevel:     defaultLogLevel,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Network:        defaultNetwork,
	}
}

// loadConfigFile pre-parses the command line for the location of the config
// file and the app dir, then applies the config file to the parser. A missing
// default config file is not an error.
func loadConfigFile(parser *flags.Parser, cfg *config) error {
	preCfg := defaultConfig()
	var preOpts flags.Options = flags.HelpFlag | flags.PassDoubleDash |
		flags.IgnoreUnknown
	preParser := flags.NewParser(&preCfg, preOpts)
	if _, err := preParser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil
		}

		return err
	}

	// A custom app dir moves the default config file with it.
	configFile := preCfg.ConfigFile
	if preCfg.AppDir != defaultAppDir &&
		preCfg.ConfigFile == defaultConfigFile {

		configFile = filepath.Join(preCfg.AppDir, defaultConfigFilename)
	}
	configFile = cleanAndExpandPath(configFile)

	err := flags.NewIniParser(parser).ParseFile(configFile)
	switch {
	case err == nil:
		cfg.ConfigFile = configFile

	case errors.Is(err, os.ErrNotExist) &&
		preCfg.ConfigFile == defaultConfigFile:

	default:
		return fmt.Errorf("error parsing config file %s: %w",
			configFile, err)
	}

	return nil
}

// validate normalises the paths of the config and checks its values.
func (c *config) validate() error {
	c.AppDir = cleanAndExpandPath(c.AppDir)
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.AppDir, defaultLogDirname)
	}
	c.LogDir = cleanAndExpandPath(c.LogDir)

	if c.MaxLogFiles < 0 || c.MaxLogFileSize <= 0 {
		return fmt.Errorf("invalid log rotation: %d files of %d MB",
			c.MaxLogFiles, c.MaxLogFileSize)
	}

	if _, err := c.params(); err != nil {
		return err
	}

	return parseAndSetDebugLevels(c.DebugLevel)
}

// params returns the chain parameters selected by the network option.
func (c *config) params() (*chaincfg.Params, error) {
	return networkParams(c.Network)
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "bitcoin":
		return &chaincfg.MainNetParams, nil

	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", network)
}

// offlineWallet builds the wallet of the configured descriptor without a
// backend or store.
func (c *config) offlineWallet() (*wallet.Wallet, error) {
	if c.Descriptor == "" {
		return nil, errNoDescriptor
	}

	return wallet.New(
		c.Descriptor, fn.None[chain.Backend](), fn.None[*store.Store](),
	)
}

// openWallet builds the wallet of the configured descriptor with the
// configured backend and store. The returned cleanup stops the backend and
// closes the store.
func (c *config) openWallet(needBackend bool) (*wallet.Wallet, func(),
	error) {

	// Parse once without handles to learn the network of the keys.
	offline, err := c.offlineWallet()
	if err != nil {
		return nil, nil, err
	}
	params := offline.Params()

	var (
		backend  = fn.None[chain.Backend]()
		db       = fn.None[*store.Store]()
		cleanups []func()
	)
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	switch {
	case c.Backend != "":
		var opts []chain.BackendOption
		if c.Proxy != "" {
			opts = append(opts, chain.WithProxy(c.Proxy))
		}

		b, err := chain.NewBackend(c.Backend, params, opts...)
		if err != nil {
			return nil, nil, err
		}
		backend = fn.Some(b)
		cleanups = append(cleanups, b.Stop)

	case needBackend:
		return nil, nil, wallet.ErrNoBackend
	}

	if !c.NoStore {
		dir := filepath.Join(c.AppDir, params.Name)
		s, err := store.OpenFile(dir, offline.Deposit())
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("unable to open store: %w",
				err)
		}
		db = fn.Some(s)
		cleanups = append(cleanups, func() {
			if err := s.Close(); err != nil {
				log.Errorf("Unable to close store: %v", err)
			}
		})
	}

	w, err := wallet.New(c.Descriptor, backend, db)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return w, cleanup, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
