package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/keychain"
)

var (
	// ErrInvalidKey is returned when a key expression cannot be parsed.
	ErrInvalidKey = errors.New("invalid key expression")

	// ErrInvalidOrigin is returned when the [fingerprint/path] prefix of a
	// key expression is malformed.
	ErrInvalidOrigin = errors.New("invalid key origin")

	// ErrOpaqueKey is returned when key material is requested from a key
	// that was only carried as text.
	ErrOpaqueKey = errors.New("key has no parsed key material")
)

// KeyOrigin is the [fingerprint/path] prefix of a key expression.
type KeyOrigin struct {
	// Fingerprint is the fingerprint of the master key.
	Fingerprint [4]byte

	// Path is the derivation path from the master key to the key that
	// follows the origin.
	Path keychain.Path
}

// FingerprintUint32 returns the fingerprint in PSBT integer form.
func (o *KeyOrigin) FingerprintUint32() uint32 {
	return binary.LittleEndian.Uint32(o.Fingerprint[:])
}

// Key is a single key expression of a descriptor: an optional origin, the key
// itself (extended key, hex public key or WIF) and for extended keys an
// unhardened derivation suffix with an optional trailing wildcard.
type Key struct {
	origin *KeyOrigin

	// originText and text keep the expression as written so the key
	// renders back byte for byte.
	originText string
	text       string

	ext *hdkeychain.ExtendedKey
	pub *btcec.PublicKey
	wif *btcutil.WIF

	path     keychain.Path
	wildcard bool
	xonly    bool
}

// DerivedKey is a concrete public key produced by a key expression for one
// address index, together with the BIP32 origin a signer needs to find it.
type DerivedKey struct {
	// PubKey is the derived public key.
	PubKey *btcec.PublicKey

	// PrivKey is set when the expression carries private material.
	PrivKey *btcec.PrivateKey

	// Fingerprint is the master fingerprint of the full derivation.
	Fingerprint [4]byte

	// Path is the full derivation path from the master key.
	Path keychain.Path
}

// FingerprintUint32 returns the fingerprint in PSBT integer form.
func (d *DerivedKey) FingerprintUint32() uint32 {
	return binary.LittleEndian.Uint32(d.Fingerprint[:])
}

// NewOpaqueKey wraps key text that is carried through unparsed. Opaque keys
// render and size like real keys but cannot be derived.
func NewOpaqueKey(text string) *Key {
	return &Key{text: text}
}

// ParseKey parses a key expression such as
// "[d34db33f/84h/1h/0h]tpub.../0/*".
func ParseKey(s string) (*Key, error) {
	k := &Key{}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: missing ]", ErrInvalidOrigin)
		}

		origin, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}

		k.origin = origin
		k.originText = s[:end+1]
		s = s[end+1:]
	}

	parts := strings.Split(s, "/")
	k.text = parts[0]
	if k.text == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	if err := k.parseMaterial(); err != nil {
		return nil, err
	}

	steps := parts[1:]
	if len(steps) > 0 && k.ext == nil {
		return nil, fmt.Errorf("%w: derivation on non-extended key %q",
			ErrInvalidKey, k.text)
	}

	for i, step := range steps {
		if step == "*" {
			if i != len(steps)-1 {
				return nil, fmt.Errorf("%w: wildcard must be last",
					ErrInvalidKey)
			}
			k.wildcard = true

			break
		}

		idx, err := keychain.ParseStep(step)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}

		if idx >= hdkeychain.HardenedKeyStart && !k.ext.IsPrivate() {
			return nil, fmt.Errorf("%w: hardened step %s on public "+
				"key", ErrInvalidKey, step)
		}

		k.path = append(k.path, idx)
	}

	return k, nil
}

// parseOrigin parses the inside of a [fingerprint/path] prefix.
func parseOrigin(s string) (*KeyOrigin, error) {
	parts := strings.Split(s, "/")

	fp, err := hex.DecodeString(parts[0])
	if err != nil || len(fp) != 4 {
		return nil, fmt.Errorf("%w: fingerprint %q", ErrInvalidOrigin,
			parts[0])
	}

	origin := &KeyOrigin{}
	copy(origin.Fingerprint[:], fp)

	for _, step := range parts[1:] {
		idx, err := keychain.ParseStep(step)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
		}

		origin.Path = append(origin.Path, idx)
	}

	return origin, nil
}

// parseMaterial decodes the key text as an extended key, a hex public key or
// a WIF private key, in that order.
func (k *Key) parseMaterial() error {
	if ext, err := hdkeychain.NewKeyFromString(k.text); err == nil {
		k.ext = ext
		return nil
	}

	if raw, err := hex.DecodeString(k.text); err == nil {
		switch len(raw) {
		case btcec.PubKeyBytesLenCompressed:
			pub, err := btcec.ParsePubKey(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			k.pub = pub

			return nil

		case schnorr.PubKeyBytesLen:
			pub, err := schnorr.ParsePubKey(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			k.pub = pub
			k.xonly = true

			return nil
		}

		return fmt.Errorf("%w: unsupported public key length %d",
			ErrInvalidKey, len(raw))
	}

	if wif, err := btcutil.DecodeWIF(k.text); err == nil {
		if !wif.CompressPubKey {
			return fmt.Errorf("%w: uncompressed WIF", ErrInvalidKey)
		}
		k.wif = wif

		return nil
	}

	return fmt.Errorf("%w: %q", ErrInvalidKey, k.text)
}

// String renders the key expression.
func (k *Key) String() string {
	return k.render(k.text)
}

// PublicString renders the key expression with any private material replaced
// by its public counterpart.
func (k *Key) PublicString() string {
	return k.render(k.publicText())
}

// publicText returns the key text with private material neutered.
func (k *Key) publicText() string {
	switch {
	case k.ext != nil && k.ext.IsPrivate():
		pub, err := k.ext.Neuter()
		if err != nil {
			return k.text
		}

		return pub.String()

	case k.wif != nil:
		return hex.EncodeToString(
			k.wif.PrivKey.PubKey().SerializeCompressed(),
		)
	}

	return k.text
}

func (k *Key) render(keyText string) string {
	var sb strings.Builder
	sb.WriteString(k.originText)
	sb.WriteString(keyText)

	for _, step := range k.path {
		sb.WriteString("/")
		sb.WriteString(k.formatStep(step))
	}

	if k.wildcard {
		sb.WriteString("/*")
	}

	return sb.String()
}

// formatStep follows the hardened marker style of the origin.
func (k *Key) formatStep(step uint32) string {
	s := keychain.FormatStep(step)
	if strings.Contains(k.originText, "'") {
		s = strings.Replace(s, "h", "'", 1)
	}

	return s
}

// Origin returns the key origin, if any.
func (k *Key) Origin() *KeyOrigin {
	return k.origin
}

// IsRange reports whether the key ends in a wildcard.
func (k *Key) IsRange() bool {
	return k.wildcard
}

// IsOpaque reports whether the key was carried as text only.
func (k *Key) IsOpaque() bool {
	return k.ext == nil && k.pub == nil && k.wif == nil
}

// XOnly reports whether the key was written as a 32-byte x-only key.
func (k *Key) XOnly() bool {
	return k.xonly
}

// HasPrivate reports whether the expression carries private key material.
func (k *Key) HasPrivate() bool {
	return k.wif != nil || (k.ext != nil && k.ext.IsPrivate())
}

// IsForNet reports whether the key material is encoded for the given network.
// Hex public keys carry no network and report false.
func (k *Key) IsForNet(params *chaincfg.Params) bool {
	switch {
	case k.ext != nil:
		return k.ext.IsForNet(params)
	case k.wif != nil:
		return k.wif.IsForNet(params)
	}

	return false
}

// WithKeychain returns a copy of the key whose last derivation step before
// the wildcard is replaced by to, provided it currently equals from. A bare
// wildcard directly on the extended key counts as keychain 0. The second
// return value reports whether a replacement happened.
func (k *Key) WithKeychain(from, to uint32) (*Key, bool) {
	if !k.wildcard || k.ext == nil {
		return k, false
	}

	clone := *k
	clone.path = append(keychain.Path{}, k.path...)

	switch n := len(clone.path); {
	case n > 0 && clone.path[n-1] == from:
		clone.path[n-1] = to

	case n == 0 && from == 0:
		clone.path = append(clone.path, to)

	default:
		return k, false
	}

	return &clone, true
}

// masterFingerprint returns the origin fingerprint, or the fingerprint of the
// key itself when the key has no origin.
func (k *Key) masterFingerprint(pub *btcec.PublicKey) ([4]byte, error) {
	if k.origin != nil {
		return k.origin.Fingerprint, nil
	}

	if k.ext != nil {
		return keychain.Fingerprint(k.ext)
	}

	var fp [4]byte
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed())[:4])

	return fp, nil
}

// Derive produces the concrete key for an address index. The index is
// ignored for keys without a wildcard.
func (k *Key) Derive(index uint32) (*DerivedKey, error) {
	if k.IsOpaque() {
		return nil, ErrOpaqueKey
	}

	var fullPath keychain.Path
	if k.origin != nil {
		fullPath = append(fullPath, k.origin.Path...)
	}

	derived := &DerivedKey{}

	switch {
	case k.ext != nil:
		child := k.ext
		steps := append(keychain.Path{}, k.path...)
		if k.wildcard {
			if index >= hdkeychain.HardenedKeyStart {
				return nil, fmt.Errorf("%w: index %d out of "+
					"range", ErrInvalidKey, index)
			}
			steps = append(steps, index)
		}

		for _, step := range steps {
			var err error
			child, err = child.Derive(step)
			if err != nil {
				return nil, fmt.Errorf("derive %s: %w",
					keychain.FormatStep(step), err)
			}
		}
		fullPath = append(fullPath, steps...)

		pub, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}
		derived.PubKey = pub

		if child.IsPrivate() {
			derived.PrivKey, err = child.ECPrivKey()
			if err != nil {
				return nil, err
			}
		}

	case k.wif != nil:
		derived.PrivKey = k.wif.PrivKey
		derived.PubKey = k.wif.PrivKey.PubKey()

	default:
		derived.PubKey = k.pub
	}

	fp, err := k.masterFingerprint(derived.PubKey)
	if err != nil {
		return nil, err
	}
	derived.Fingerprint = fp
	derived.Path = fullPath

	return derived, nil
}

// MatchDerivation returns the address index at which this key produces the
// given master fingerprint and full path. The second return value is false if
// the derivation does not belong to the key.
func (k *Key) MatchDerivation(fingerprint [4]byte,
	path keychain.Path) (uint32, bool) {

	if k.IsOpaque() {
		return 0, false
	}

	pub, err := k.Derive(0)
	if err != nil || pub.Fingerprint != fingerprint {
		return 0, false
	}

	prefix := pub.Path
	if k.wildcard {
		prefix = prefix[:len(prefix)-1]
		if len(path) != len(prefix)+1 || !path.HasPrefix(prefix) {
			return 0, false
		}

		return path[len(path)-1], true
	}

	if len(path) != len(prefix) || !path.HasPrefix(prefix) {
		return 0, false
	}

	return 0, true
}
