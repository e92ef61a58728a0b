package wallet

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/stretchr/testify/require"
)

const coldcardMnemonic = "transfer spare party divorce screen used pole " +
	"march warfare another balance find"

// coldcardSection derives one section of a generic wallet export the way the
// device writes it.
func coldcardSection(t *testing.T, master string, purpose uint32,
	format, name string) coldcardAccount {

	t.Helper()

	deriv := fmt.Sprintf("m/%d'/0'/0'", purpose)
	pair, err := keychain.DeriveToPath(master, deriv)
	require.NoError(t, err)

	origin := strings.Replace(deriv, "m", pair.Fingerprint, 1)
	desc, err := descriptor.Parse(fmt.Sprintf(
		format, "["+origin+"]"+pair.Xpub+"/0/*",
	))
	require.NoError(t, err)

	out, err := desc.At(0)
	require.NoError(t, err)

	return coldcardAccount{
		Xpub:  pair.Xpub,
		First: out.Address.EncodeAddress(),
		Deriv: deriv,
		Xfp:   strings.ToUpper(pair.Fingerprint),
		Name:  name,
	}
}

func coldcardFixture(t *testing.T) (*coldcardExport, string) {
	t.Helper()

	master, err := keychain.ImportMaster(
		&chaincfg.MainNetParams, coldcardMnemonic, "",
	)
	require.NoError(t, err)

	return &coldcardExport{
		Chain:   "BTC",
		Xfp:     strings.ToUpper(master.Fingerprint),
		Account: 0,
		Bip44: coldcardSection(
			t, master.Xprv, 44, "pkh(%s)", "p2pkh",
		),
		Bip49: coldcardSection(
			t, master.Xprv, 49, "sh(wpkh(%s))", "p2sh-p2wpkh",
		),
		Bip84: coldcardSection(
			t, master.Xprv, 84, "wpkh(%s)", "p2wpkh",
		),
	}, master.Fingerprint
}

// TestImportColdcard checks the descriptors built from a generic wallet
// export.
func TestImportColdcard(t *testing.T) {
	t.Parallel()

	export, fingerprint := coldcardFixture(t)
	data, err := json.Marshal(export)
	require.NoError(t, err)

	descs, err := ImportColdcard(data)
	require.NoError(t, err)

	require.Equal(t, "wpkh(["+fingerprint+"/84'/0'/0']"+export.Bip84.Xpub+
		"/0/*)", descs.Wpkh)
	require.True(t, strings.HasPrefix(descs.ShWpkh, "sh(wpkh(["+
		fingerprint+"/49'/0'/0']"))
	require.True(t, strings.HasPrefix(descs.Pkh, "pkh(["+fingerprint+
		"/44'/0'/0']"))

	// The descriptors watch mainnet wallets with change keychains.
	w := newTestWallet(t, descs.Wpkh, nil)
	require.Equal(t, chaincfg.MainNetParams.Name, w.Params().Name)
	require.False(t, w.singleKeychain())

	addr, err := w.DeriveAddress(0)
	require.NoError(t, err)
	require.Equal(t, export.Bip84.First, addr.EncodeAddress())
	require.True(t, strings.HasPrefix(addr.EncodeAddress(), "bc1q"))
}

// TestImportColdcardInvalid checks rejected exports.
func TestImportColdcardInvalid(t *testing.T) {
	t.Parallel()

	export, _ := coldcardFixture(t)
	export.Bip49.First = export.Bip84.First
	data, err := json.Marshal(export)
	require.NoError(t, err)

	_, err = ImportColdcard(data)
	require.ErrorIs(t, err, ErrFirstAddressMismatch)
	require.True(t, errkind.Is(err, errkind.InputError))

	_, err = ImportColdcard([]byte("{not json"))
	require.True(t, errkind.Is(err, errkind.InputError))

	export, _ = coldcardFixture(t)
	export.Bip84.Xpub = "xpubgarbage"
	data, err = json.Marshal(export)
	require.NoError(t, err)

	_, err = ImportColdcard(data)
	require.True(t, errkind.Is(err, errkind.InputError))
}
