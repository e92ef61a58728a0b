package wallet

import (
	"strings"
	"unicode"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/keychain"
)

// minMnemonicWords is the shortest word list treated as a mnemonic.
const minMnemonicWords = 12

// RecoveryKind classifies text a user offers to restore a wallet from.
type RecoveryKind uint8

const (
	// RecoveryNone means the text is neither a descriptor nor a mnemonic.
	RecoveryNone RecoveryKind = iota

	// RecoveryDescriptor means the text is a wpkh or wsh descriptor.
	RecoveryDescriptor

	// RecoveryMnemonic means the text is a BIP39 mnemonic.
	RecoveryMnemonic
)

// RecoveryOption is what a wallet can be restored from.
type RecoveryOption struct {
	Kind RecoveryKind

	// Text is the descriptor without whitespace, or the mnemonic as
	// given.
	Text string
}

// String renders the option as "descriptor:...", "mnemonic:..." or "None".
func (r RecoveryOption) String() string {
	switch r.Kind {
	case RecoveryDescriptor:
		return "descriptor:" + r.Text

	case RecoveryMnemonic:
		return "mnemonic:" + r.Text

	default:
		return "None"
	}
}

// ParseRecoveryOption classifies backup text. Text starting with wpkh( or
// wsh( must parse as a descriptor, text of twelve or more words must be a
// valid mnemonic. Anything else yields RecoveryNone.
func ParseRecoveryOption(text string) (RecoveryOption, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "wpkh(") || strings.HasPrefix(text, "wsh(") {
		compact := strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, text)

		if _, err := descriptor.Parse(compact); err != nil {
			return RecoveryOption{}, errkind.New(errkind.InputError,
				"Invalid Descriptor", err)
		}

		return RecoveryOption{Kind: RecoveryDescriptor, Text: compact},
			nil
	}

	if len(strings.Fields(text)) < minMnemonicWords {
		return RecoveryOption{Kind: RecoveryNone}, nil
	}

	if !keychain.IsMnemonic(text) {
		return RecoveryOption{}, errkind.New(errkind.InputError,
			"Looks like a bad mnemonic phrase", nil)
	}

	return RecoveryOption{Kind: RecoveryMnemonic, Text: text}, nil
}
