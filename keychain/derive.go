// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keychain implements the hierarchical key handling of the wallet:
// hardened account derivation from a BIP32 master key, key origin rendering
// for descriptors, BIP39 master key generation and a few secp256k1 helpers.
package keychain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/errkind"
)

const (
	// errInvalidMasterKey is the description for unparsable master keys.
	errInvalidMasterKey = "Invalid Master Key."

	// errInvalidAccountPath is the description for purpose or account
	// values that cannot form a hardened path.
	errInvalidAccountPath = "Invalid purpose or account in derivation path."

	// errInvalidDerivationPath is the description for malformed path
	// strings.
	errInvalidDerivationPath = "Invalid Derivation Path."
)

// Purpose is the BIP43 purpose of a hardened account. It selects both the
// first hardened path step and the script family the account is used with.
type Purpose uint32

const (
	// Legacy is the BIP44 purpose for P2PKH accounts.
	Legacy Purpose = 44

	// Compatible is the BIP49 purpose for P2SH nested segwit accounts.
	Compatible Purpose = 49

	// Native is the BIP84 purpose for native segwit v0 accounts.
	Native Purpose = 84

	// Taproot is the BIP86 purpose for taproot key path accounts.
	Taproot Purpose = 86

	// Encryption is the BIP392 purpose used to derive keys that never
	// hold coins.
	Encryption Purpose = 392
)

// ParsePurpose maps a purpose number or name to a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	switch s {
	case "44", "legacy":
		return Legacy, nil
	case "49", "compatible":
		return Compatible, nil
	case "84", "native":
		return Native, nil
	case "86", "taproot":
		return Taproot, nil
	case "392", "encryption":
		return Encryption, nil
	}

	return 0, errkind.New(errkind.KeyError, errInvalidAccountPath, nil)
}

// String returns the purpose number.
func (p Purpose) String() string {
	return fmt.Sprintf("%d", uint32(p))
}

// valid returns whether the purpose is one of the known values.
func (p Purpose) valid() bool {
	switch p {
	case Legacy, Compatible, Native, Taproot, Encryption:
		return true
	}

	return false
}

// ExtendedKeyPair is a derived extended key pair together with the origin
// information needed to embed it into a descriptor.
type ExtendedKeyPair struct {
	// Fingerprint is the hex encoded fingerprint of the master key the
	// pair was derived from.
	Fingerprint string

	// HardenedPath is the path from the master key, rendered with the "h"
	// hardened marker.
	HardenedPath string

	// Xprv is the base58 extended private key.
	Xprv string

	// Xpub is the base58 extended public key.
	Xpub string
}

// XprvKeySource renders the private key as a descriptor key expression of the
// form [fingerprint/path]xprv/*.
func (e *ExtendedKeyPair) XprvKeySource() string {
	return keySource(e.Fingerprint, e.HardenedPath, e.Xprv)
}

// XpubKeySource renders the public key as a descriptor key expression of the
// form [fingerprint/path]xpub/*.
func (e *ExtendedKeyPair) XpubKeySource() string {
	return keySource(e.Fingerprint, e.HardenedPath, e.Xpub)
}

// keySource replaces the root marker of the path with the fingerprint and
// appends the wildcard.
func keySource(fingerprint, path, key string) string {
	origin := fingerprint
	if len(path) > 1 && path[0] == 'm' {
		origin += path[1:]
	}

	return fmt.Sprintf("[%s]%s/*", origin, key)
}

// Fingerprint returns the BIP32 fingerprint of the given extended key: the
// first four bytes of the hash160 of its compressed public key.
func Fingerprint(key *hdkeychain.ExtendedKey) ([4]byte, error) {
	var fp [4]byte

	pub, err := key.ECPubKey()
	if err != nil {
		return fp, err
	}

	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])

	return fp, nil
}

// FingerprintUint32 returns the fingerprint in the little endian integer form
// used by PSBT key origin fields.
func FingerprintUint32(fp [4]byte) uint32 {
	return binary.LittleEndian.Uint32(fp[:])
}

// parseMaster parses a master extended private key.
func parseMaster(master string) (*hdkeychain.ExtendedKey, error) {
	root, err := hdkeychain.NewKeyFromString(master)
	if err != nil {
		return nil, errkind.New(errkind.KeyError, errInvalidMasterKey, err)
	}

	if !root.IsPrivate() {
		return nil, errkind.New(errkind.KeyError, errInvalidMasterKey,
			hdkeychain.ErrNotPrivExtKey)
	}

	return root, nil
}

// CoinType returns the BIP44 coin type for the network of the given key: 0 for
// mainnet and 1 for every test network.
func CoinType(key *hdkeychain.ExtendedKey) uint32 {
	if key.IsForNet(&chaincfg.MainNetParams) {
		return 0
	}

	return 1
}

// DeriveHardenedAccount derives the account key at m/purpose'/coin'/account'
// from the given master extended private key. For the Taproot purpose the
// resulting private key is normalised so that its public key has an even y
// coordinate.
func DeriveHardenedAccount(master string, purpose Purpose,
	account uint32) (*ExtendedKeyPair, error) {

	root, err := parseMaster(master)
	if err != nil {
		return nil, err
	}

	if !purpose.valid() || account >= hdkeychain.HardenedKeyStart {
		return nil, errkind.New(errkind.KeyError, errInvalidAccountPath,
			nil)
	}

	path := Path{
		uint32(purpose) + hdkeychain.HardenedKeyStart,
		CoinType(root) + hdkeychain.HardenedKeyStart,
		account + hdkeychain.HardenedKeyStart,
	}

	child, err := derivePath(root, path)
	if err != nil {
		return nil, err
	}

	if purpose == Taproot {
		child, err = evenParity(child)
		if err != nil {
			return nil, errkind.New(errkind.KeyError,
				"unable to normalise taproot key", err)
		}
	}

	return newKeyPair(root, path, child)
}

// DeriveToPath derives the key at an arbitrary path from the given master
// extended private key.
func DeriveToPath(master, derivationPath string) (*ExtendedKeyPair, error) {
	root, err := parseMaster(master)
	if err != nil {
		return nil, err
	}

	path, err := ParsePath(derivationPath)
	if err != nil {
		return nil, errkind.New(errkind.KeyError,
			errInvalidDerivationPath, err)
	}

	child, err := derivePath(root, path)
	if err != nil {
		return nil, err
	}

	return newKeyPair(root, path, child)
}

// derivePath walks the path from the given key.
func derivePath(key *hdkeychain.ExtendedKey,
	path Path) (*hdkeychain.ExtendedKey, error) {

	for _, step := range path {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, errkind.New(errkind.KeyError,
				fmt.Sprintf("unable to derive step %s",
					FormatStep(step)), err)
		}
	}

	return key, nil
}

// newKeyPair assembles the ExtendedKeyPair for a child derived from root.
func newKeyPair(root *hdkeychain.ExtendedKey, path Path,
	child *hdkeychain.ExtendedKey) (*ExtendedKeyPair, error) {

	fp, err := Fingerprint(root)
	if err != nil {
		return nil, errkind.New(errkind.KeyError, errInvalidMasterKey, err)
	}

	pub, err := child.Neuter()
	if err != nil {
		return nil, errkind.New(errkind.KeyError, "unable to neuter key",
			err)
	}

	return &ExtendedKeyPair{
		Fingerprint:  hex.EncodeToString(fp[:]),
		HardenedPath: path.String(),
		Xprv:         child.String(),
		Xpub:         pub.String(),
	}, nil
}

// evenParity returns the key unchanged if its public key has an even y
// coordinate. Otherwise the private scalar is negated and the key is
// re-encoded with the same chain code and position in the tree.
func evenParity(key *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	if pub.SerializeCompressed()[0] == 0x02 {
		return key, nil
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}

	priv.Key.Negate()
	keyBytes := priv.Key.Bytes()

	var parentFP [4]byte
	binary.BigEndian.PutUint32(parentFP[:], key.ParentFingerprint())

	return hdkeychain.NewExtendedKey(
		key.Version(), keyBytes[:], key.ChainCode(), parentFP[:],
		key.Depth(), key.ChildIndex(), true,
	), nil
}

// IsValidExtendedPublicKey reports whether s parses as an extended public key.
func IsValidExtendedPublicKey(s string) bool {
	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return false
	}

	return !key.IsPrivate()
}
