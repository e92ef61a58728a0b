package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

// DeriveAddress returns the deposit address at index. It does not mark the
// address as used.
func (w *Wallet) DeriveAddress(index uint32) (btcutil.Address, error) {
	return deriveAddress(w.deposit, index)
}

// DeriveChangeAddress returns the change address at index.
func (w *Wallet) DeriveChangeAddress(index uint32) (btcutil.Address, error) {
	return deriveAddress(w.change, index)
}

func deriveAddress(desc *descriptor.Descriptor,
	index uint32) (btcutil.Address, error) {

	if index >= hdkeychain.HardenedKeyStart {
		return nil, errkind.Newf(errkind.InputError,
			"Invalid Address Index %d", index)
	}

	out, err := desc.At(index)
	if err != nil {
		return nil, errkind.New(errkind.KeyError,
			"unable to derive address", err)
	}

	return out.Address, nil
}
