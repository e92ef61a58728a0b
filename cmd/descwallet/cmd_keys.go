package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/policy"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jessevdk/go-flags"
)

// keychainSource turns a ranged key source into the deposit keychain of an
// account.
func keychainSource(source string) string {
	return strings.TrimSuffix(source, "/*") + "/0/*"
}

//nolint:lll
type generateCommand struct {
	Words      int  `long:"words" description:"Number of mnemonic words" choice:"12" choice:"24"`
	Import     bool `long:"import" description:"Read an existing mnemonic from stdin instead of creating one"`
	Passphrase bool `long:"passphrase" description:"Prompt for a BIP39 passphrase"`

	cfg *config
}

func newGenerateCommand(cfg *config) *generateCommand {
	return &generateCommand{Words: 24, cfg: cfg}
}

func (x *generateCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"generate",
		"Create or import a mnemonic",
		"Create a fresh BIP39 mnemonic, or import one with --import, "+
			"and print its master key with the native segwit "+
			"descriptor of its first account",
		x,
	)
	return err
}

type generateResult struct {
	Mnemonic    string `json:"mnemonic"`
	Fingerprint string `json:"fingerprint"`
	Xprv        string `json:"xprv"`
	Descriptor  string `json:"descriptor"`
	Watch       string `json:"watch_only"`
}

func (x *generateCommand) Execute(_ []string) error {
	params, err := x.cfg.params()
	if err != nil {
		return err
	}

	var mnemonic string
	if x.Import {
		mnemonic, err = readSecret("Mnemonic: ")
		if err != nil {
			return err
		}
	}

	var passphrase string
	if x.Passphrase {
		passphrase, err = readSecret("Passphrase: ")
		if err != nil {
			return err
		}
	}

	var master *keychain.MasterKey
	if x.Import {
		master, err = keychain.ImportMaster(
			params, mnemonic, passphrase,
		)
	} else {
		master, err = keychain.GenerateMaster(
			params, x.Words, passphrase,
		)
	}
	if err != nil {
		return err
	}

	account, err := keychain.DeriveHardenedAccount(
		master.Xprv, keychain.Native, 0,
	)
	if err != nil {
		return err
	}

	private, err := descriptor.AddChecksum(
		"wpkh(" + keychainSource(account.XprvKeySource()) + ")",
	)
	if err != nil {
		return err
	}
	public, err := descriptor.AddChecksum(
		"wpkh(" + keychainSource(account.XpubKeySource()) + ")",
	)
	if err != nil {
		return err
	}

	return printJSON(&generateResult{
		Mnemonic:    master.Mnemonic,
		Fingerprint: master.Fingerprint,
		Xprv:        master.Xprv,
		Descriptor:  private,
		Watch:       public,
	})
}

//nolint:lll
type deriveCommand struct {
	Purpose string `long:"purpose" description:"BIP43 purpose of the account {44, 49, 84, 86, 392}"`
	Account uint32 `long:"account" description:"Hardened account number"`
	Path    string `long:"path" description:"Derive an arbitrary path such as m/0'/1 instead of an account"`
}

func newDeriveCommand() *deriveCommand {
	return &deriveCommand{Purpose: "84"}
}

func (x *deriveCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"derive",
		"Derive an account key from a master key",
		"Derive the key pair of an account, or of --path, from the "+
			"master xprv given as argument or on stdin",
		x,
	)
	return err
}

type deriveResult struct {
	Fingerprint string `json:"fingerprint"`
	Path        string `json:"path"`
	Xprv        string `json:"xprv"`
	Xpub        string `json:"xpub"`
	XprvSource  string `json:"xprv_key_source"`
	XpubSource  string `json:"xpub_key_source"`
}

func (x *deriveCommand) Execute(args []string) error {
	master, err := argOrStdin(args, "master key")
	if err != nil {
		return err
	}

	var pair *keychain.ExtendedKeyPair
	if x.Path != "" {
		pair, err = keychain.DeriveToPath(master, x.Path)
	} else {
		var purpose keychain.Purpose
		purpose, err = keychain.ParsePurpose(x.Purpose)
		if err != nil {
			return err
		}
		pair, err = keychain.DeriveHardenedAccount(
			master, purpose, x.Account,
		)
	}
	if err != nil {
		return err
	}

	return printJSON(&deriveResult{
		Fingerprint: pair.Fingerprint,
		Path:        pair.HardenedPath,
		Xprv:        pair.Xprv,
		Xpub:        pair.Xpub,
		XprvSource:  pair.XprvKeySource(),
		XpubSource:  pair.XpubKeySource(),
	})
}

//nolint:lll
type compileCommand struct {
	Type string `long:"type" description:"Script type of the descriptor" choice:"wpkh" choice:"wsh" choice:"sh" choice:"sh-wsh" choice:"tr"`
}

func newCompileCommand() *compileCommand {
	return &compileCommand{Type: policy.WSH.String()}
}

func (x *compileCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"compile",
		"Compile a policy into a descriptor",
		"Compile the spending policy given as argument or on stdin, "+
			"for example or(pk(A),and(pk(B),after(600000))), into "+
			"a descriptor with checksum",
		x,
	)
	return err
}

func (x *compileCommand) Execute(args []string) error {
	text, err := argOrStdin(args, "policy")
	if err != nil {
		return err
	}

	scriptType, err := policy.ParseScriptType(x.Type)
	if err != nil {
		return err
	}

	desc, err := policy.Compile(text, scriptType)
	if err != nil {
		return err
	}

	desc, err = descriptor.AddChecksum(desc)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, desc)

	return err
}

type recoverCommand struct{}

func newRecoverCommand() *recoverCommand {
	return &recoverCommand{}
}

func (x *recoverCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"recover",
		"Classify a backup",
		"Check whether the text given on stdin is a descriptor or a "+
			"BIP39 mnemonic a wallet can be restored from",
		x,
	)
	return err
}

func (x *recoverCommand) Execute(args []string) error {
	text, err := argOrStdin(args, "backup")
	if err != nil {
		return err
	}

	option, err := wallet.ParseRecoveryOption(text)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, option)

	return err
}

type coldcardCommand struct{}

func newColdcardCommand() *coldcardCommand {
	return &coldcardCommand{}
}

func (x *coldcardCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"coldcard",
		"Import a Coldcard generic wallet export",
		"Print the watch-only descriptors of the Coldcard generic "+
			"wallet export file given as argument",
		x,
	)
	return err
}

func (x *coldcardCommand) Execute(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected the export file as only argument")
	}

	data, err := os.ReadFile(cleanAndExpandPath(args[0]))
	if err != nil {
		return err
	}

	descs, err := wallet.ImportColdcard(data)
	if err != nil {
		return err
	}

	return printJSON(descs)
}

type policyCommand struct {
	cfg *config
}

func newPolicyCommand(cfg *config) *policyCommand {
	return &policyCommand{cfg: cfg}
}

func (x *policyCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"policy",
		"List the branches a spend must choose between",
		"List the nodes of the descriptor's script whose children "+
			"carry different timelocks. A spend selects children "+
			"of each with --policy ID:0,1;ID2:1",
		x,
	)
	return err
}

type branchResult struct {
	ID       string   `json:"id"`
	Fragment string   `json:"fragment"`
	Need     int      `json:"need"`
	Children []string `json:"children"`
}

type policyResult struct {
	Root     string          `json:"root"`
	Required bool            `json:"required"`
	Branches []*branchResult `json:"branches"`
}

func (x *policyCommand) Execute(_ []string) error {
	// Node ids follow the key text, so they are taken from the wallet's
	// deposit keychain that transaction building resolves paths against.
	w, err := x.cfg.offlineWallet()
	if err != nil {
		return err
	}
	desc := w.Deposit()

	required, root := policy.RequiresPath(desc)
	result := &policyResult{
		Root:     root,
		Required: required,
		Branches: []*branchResult{},
	}
	for _, branch := range policy.Branches(desc) {
		children := make([]string, 0, len(branch.Children))
		for _, conditions := range branch.Children {
			children = append(children, conditions.String())
		}

		result.Branches = append(result.Branches, &branchResult{
			ID:       branch.ID,
			Fragment: branch.Fragment,
			Need:     branch.Need,
			Children: children,
		})
	}

	return printJSON(result)
}
