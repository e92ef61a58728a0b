package keychain

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/tyler-smith/go-bip39"
)

const (
	// shortMnemonicWords is the word count of a 128 bit mnemonic.
	shortMnemonicWords = 12

	// longMnemonicWords is the word count of a 256 bit mnemonic and the
	// default length.
	longMnemonicWords = 24
)

// MasterKey is a BIP39 mnemonic together with the BIP32 master key it
// produces.
type MasterKey struct {
	// Fingerprint is the hex encoded master fingerprint.
	Fingerprint string

	// Mnemonic is the space separated word list.
	Mnemonic string

	// Xprv is the base58 master extended private key.
	Xprv string
}

// entropyBits maps a requested word count to the entropy size. Any count other
// than 12 falls back to 24 words.
func entropyBits(words int) int {
	if words == shortMnemonicWords {
		return 128
	}

	return 256
}

// GenerateMaster creates a fresh mnemonic of 12 or 24 words and returns the
// master key it derives with the given passphrase on the given network.
func GenerateMaster(params *chaincfg.Params, words int,
	passphrase string) (*MasterKey, error) {

	entropy, err := bip39.NewEntropy(entropyBits(words))
	if err != nil {
		return nil, errkind.New(errkind.KeyError,
			"unable to read entropy", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, errkind.New(errkind.KeyError,
			"unable to create mnemonic", err)
	}

	return ImportMaster(params, mnemonic, passphrase)
}

// ImportMaster rebuilds the master key of an existing mnemonic.
func ImportMaster(params *chaincfg.Params, mnemonic,
	passphrase string) (*MasterKey, error) {

	mnemonic = strings.Join(strings.Fields(mnemonic), " ")

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Mnemonic", err)
	}

	root, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, errkind.New(errkind.KeyError, errInvalidMasterKey, err)
	}

	fp, err := Fingerprint(root)
	if err != nil {
		return nil, errkind.New(errkind.KeyError, errInvalidMasterKey, err)
	}

	return &MasterKey{
		Fingerprint: hex.EncodeToString(fp[:]),
		Mnemonic:    mnemonic,
		Xprv:        root.String(),
	}, nil
}

// IsMnemonic reports whether the text is a valid BIP39 mnemonic of at least
// twelve words.
func IsMnemonic(text string) bool {
	words := strings.Fields(text)
	if len(words) < shortMnemonicWords {
		return false
	}

	return bip39.IsMnemonicValid(strings.Join(words, " "))
}
