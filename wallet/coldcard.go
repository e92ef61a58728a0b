package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

// ErrFirstAddressMismatch is returned when a descriptor built from a Coldcard
// export does not derive the first address the export lists.
var ErrFirstAddressMismatch = errors.New("first address mismatch")

// coldcardAccount is one script type section of a Coldcard generic wallet
// export.
type coldcardAccount struct {
	Xpub  string `json:"xpub"`
	First string `json:"first"`
	Deriv string `json:"deriv"`
	Xfp   string `json:"xfp"`
	Name  string `json:"name"`
	Pub   string `json:"_pub,omitempty"`
}

// coldcardExport is the generic wallet export of a Coldcard.
type coldcardExport struct {
	Chain   string          `json:"chain"`
	Xpub    string          `json:"xpub"`
	Xfp     string          `json:"xfp"`
	Account int64           `json:"account"`
	Bip44   coldcardAccount `json:"bip44"`
	Bip49   coldcardAccount `json:"bip49"`
	Bip84   coldcardAccount `json:"bip84"`
}

// ColdcardDescriptors are the watch-only deposit descriptors of a Coldcard
// account.
type ColdcardDescriptors struct {
	// Wpkh is the native segwit descriptor.
	Wpkh string

	// ShWpkh is the nested segwit descriptor.
	ShWpkh string

	// Pkh is the legacy descriptor.
	Pkh string
}

// ImportColdcard builds watch-only descriptors from a Coldcard generic wallet
// export and checks each against the first address the export lists.
func ImportColdcard(data []byte) (*ColdcardDescriptors, error) {
	var export coldcardExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, errkind.New(errkind.InputError,
			"Invalid Coldcard Export", err)
	}

	fingerprint := strings.ToLower(export.Xfp)

	descs := &ColdcardDescriptors{}
	sections := []struct {
		account *coldcardAccount
		format  string
		target  *string
	}{
		{&export.Bip84, "wpkh(%s)", &descs.Wpkh},
		{&export.Bip49, "sh(wpkh(%s))", &descs.ShWpkh},
		{&export.Bip44, "pkh(%s)", &descs.Pkh},
	}

	for _, section := range sections {
		desc, err := coldcardDescriptor(
			section.account, fingerprint, section.format,
		)
		if err != nil {
			return nil, err
		}
		*section.target = desc
	}

	return descs, nil
}

// coldcardDescriptor renders the deposit descriptor of one export section.
func coldcardDescriptor(account *coldcardAccount, fingerprint,
	format string) (string, error) {

	origin := strings.Replace(account.Deriv, "m", fingerprint, 1)
	key := fmt.Sprintf("[%s]%s/0/*", origin, account.Xpub)
	text := fmt.Sprintf(format, key)

	desc, err := descriptor.Parse(text)
	if err != nil {
		return "", errkind.New(errkind.InputError,
			"Invalid Coldcard Export", err)
	}

	out, err := desc.At(0)
	if err != nil {
		return "", errkind.New(errkind.KeyError,
			"unable to derive address", err)
	}

	if account.First != "" && out.Address.EncodeAddress() != account.First {
		return "", errkind.New(errkind.InputError,
			"Invalid Coldcard Export", fmt.Errorf("%w: %s derives "+
				"%s, export lists %s", ErrFirstAddressMismatch,
				account.Name, out.Address.EncodeAddress(),
				account.First))
	}

	return desc.String(), nil
}
