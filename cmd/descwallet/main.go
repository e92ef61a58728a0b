// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command descwallet is a command line descriptor wallet. It derives
// addresses, tracks coins through a bitcoind or Esplora backend, builds and
// signs PSBTs and manages keys.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// registrar is a command that can add itself to the parser.
type registrar interface {
	Register(parser *flags.Parser) error
}

// commands returns every command of the tool bound to cfg.
func commands(cfg *config) []registrar {
	return []registrar{
		newGenerateCommand(cfg),
		newDeriveCommand(),
		newCompileCommand(),
		newRecoverCommand(),
		newColdcardCommand(),
		newPolicyCommand(cfg),
		newAddressCommand(cfg),
		newSyncCommand(cfg),
		newBalanceCommand(cfg),
		newUnspentCommand(cfg),
		newHistoryCommand(cfg),
		newFeesCommand(cfg),
		newBuildCommand(cfg),
		newBumpCommand(cfg),
		newSignCommand(cfg),
		newDecodeCommand(cfg),
		newWeightCommand(cfg),
		newBroadcastCommand(cfg),
	}
}

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, flagsErr.Message)
			os.Exit(0)
		}

		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)

	for _, cmd := range commands(&cfg) {
		if err := cmd.Register(parser); err != nil {
			return err
		}
	}

	if err := loadConfigFile(parser, &cfg); err != nil {
		return err
	}

	// Logging is set up once all options are known and before the
	// command runs.
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := cfg.validate(); err != nil {
			return err
		}

		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		err := initLogRotator(
			logFile, cfg.MaxLogFileSize, cfg.MaxLogFiles,
		)
		if err != nil {
			return err
		}
		defer closeLogRotator()

		log.Debugf("Using config file %v", cfg.ConfigFile)

		return cmd.Execute(args)
	}

	_, err := parser.Parse()

	return err
}
