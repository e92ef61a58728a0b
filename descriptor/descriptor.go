// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements output descriptors: the checksum, key
// expressions with origins and wildcards, a miniscript subset with its type
// system, script assembly, address derivation and witness satisfaction.
package descriptor

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrUnsupported is returned for descriptor forms outside the
	// supported set, such as taproot script trees.
	ErrUnsupported = errors.New("unsupported descriptor")

	// ErrUnsatisfied is returned when the available signatures and
	// timelocks cannot satisfy an output.
	ErrUnsatisfied = errors.New("descriptor cannot be satisfied")
)

// Type is the outer script type of a descriptor.
type Type uint8

const (
	TypePkh Type = iota
	TypeWpkh
	TypeShWpkh
	TypeSh
	TypeWsh
	TypeShWsh
	TypeTr
)

// String returns the short name of the type.
func (t Type) String() string {
	switch t {
	case TypePkh:
		return "pkh"
	case TypeWpkh:
		return "wpkh"
	case TypeShWpkh:
		return "sh-wpkh"
	case TypeSh:
		return "sh"
	case TypeWsh:
		return "wsh"
	case TypeShWsh:
		return "sh-wsh"
	case TypeTr:
		return "tr"
	}

	return fmt.Sprintf("Unknown Type (%d)", uint8(t))
}

// IsSegwit reports whether spends of the type carry a witness.
func (t Type) IsSegwit() bool {
	return t != TypePkh && t != TypeSh
}

// Descriptor is a parsed output descriptor. Single key types carry a key,
// script types carry a miniscript tree.
type Descriptor struct {
	typ Type
	key *Key
	ms  *Node
}

// Parse parses descriptor text with an optional checksum suffix.
func Parse(text string) (*Descriptor, error) {
	body, _, err := SplitChecksum(strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}

	switch {
	case hasWrapper(body, "sh(wpkh(", "))"):
		return newKeyDescriptor(TypeShWpkh, unwrap(body, "sh(wpkh(", "))"))

	case hasWrapper(body, "sh(wsh(", "))"):
		return newScriptDescriptor(TypeShWsh, unwrap(body, "sh(wsh(", "))"))

	case hasWrapper(body, "pkh(", ")"):
		return newKeyDescriptor(TypePkh, unwrap(body, "pkh(", ")"))

	case hasWrapper(body, "wpkh(", ")"):
		return newKeyDescriptor(TypeWpkh, unwrap(body, "wpkh(", ")"))

	case hasWrapper(body, "wsh(", ")"):
		return newScriptDescriptor(TypeWsh, unwrap(body, "wsh(", ")"))

	case hasWrapper(body, "sh(", ")"):
		return newScriptDescriptor(TypeSh, unwrap(body, "sh(", ")"))

	case hasWrapper(body, "tr(", ")"):
		inner := unwrap(body, "tr(", ")")
		args, err := SplitArgs(inner)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: taproot script trees",
				ErrUnsupported)
		}

		return newKeyDescriptor(TypeTr, inner)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupported, body)
}

func hasWrapper(s, prefix, suffix string) bool {
	return strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) &&
		len(s) >= len(prefix)+len(suffix)
}

func unwrap(s, prefix, suffix string) string {
	return s[len(prefix) : len(s)-len(suffix)]
}

func newKeyDescriptor(typ Type, text string) (*Descriptor, error) {
	key, err := ParseKey(text)
	if err != nil {
		return nil, err
	}

	if key.XOnly() && typ != TypeTr {
		return nil, fmt.Errorf("%w: x-only key outside tr()",
			ErrInvalidKey)
	}

	return &Descriptor{typ: typ, key: key}, nil
}

// parseScriptKey parses keys inside segwit v0 and legacy scripts, which
// cannot carry x-only keys.
func parseScriptKey(s string) (*Key, error) {
	key, err := ParseKey(s)
	if err != nil {
		return nil, err
	}

	if key.XOnly() {
		return nil, fmt.Errorf("%w: x-only key %q in script",
			ErrInvalidKey, s)
	}

	return key, nil
}

func newScriptDescriptor(typ Type, text string) (*Descriptor, error) {
	ms, err := ParseMiniscript(text, parseScriptKey)
	if err != nil {
		return nil, err
	}

	if typ == TypeSh {
		err = ms.checkLimits(MaxP2SHScriptSize, true)
	} else {
		err = ms.checkLimits(MaxP2WSHScriptSize, false)
	}
	if err != nil {
		return nil, err
	}

	return &Descriptor{typ: typ, ms: ms}, nil
}

// Type returns the outer script type.
func (d *Descriptor) Type() Type {
	return d.typ
}

// Miniscript returns the script tree of wsh, sh and sh(wsh) descriptors.
func (d *Descriptor) Miniscript() *Node {
	return d.ms
}

// Keys returns every key expression in script order.
func (d *Descriptor) Keys() []*Key {
	if d.key != nil {
		return []*Key{d.key}
	}

	return d.ms.AllKeys()
}

// IsRange reports whether any key ends in a wildcard.
func (d *Descriptor) IsRange() bool {
	for _, key := range d.Keys() {
		if key.IsRange() {
			return true
		}
	}

	return false
}

// HasPrivate reports whether any key carries private material.
func (d *Descriptor) HasPrivate() bool {
	for _, key := range d.Keys() {
		if key.HasPrivate() {
			return true
		}
	}

	return false
}

// Params infers the network from the key material. Any mainnet key makes the
// descriptor a mainnet descriptor, everything else is testnet3.
func (d *Descriptor) Params() *chaincfg.Params {
	for _, key := range d.Keys() {
		if key.IsForNet(&chaincfg.MainNetParams) {
			return &chaincfg.MainNetParams
		}
	}

	return &chaincfg.TestNet3Params
}

func (d *Descriptor) render(keyText func(*Key) string,
	msText func(*Node) string) string {

	switch d.typ {
	case TypePkh:
		return "pkh(" + keyText(d.key) + ")"
	case TypeWpkh:
		return "wpkh(" + keyText(d.key) + ")"
	case TypeShWpkh:
		return "sh(wpkh(" + keyText(d.key) + "))"
	case TypeTr:
		return "tr(" + keyText(d.key) + ")"
	case TypeSh:
		return "sh(" + msText(d.ms) + ")"
	case TypeWsh:
		return "wsh(" + msText(d.ms) + ")"
	case TypeShWsh:
		return "sh(wsh(" + msText(d.ms) + "))"
	}

	return ""
}

// String renders the descriptor without a checksum.
func (d *Descriptor) String() string {
	return d.render((*Key).String, (*Node).String)
}

// PublicString renders the descriptor with every private key replaced by its
// public counterpart.
func (d *Descriptor) PublicString() string {
	return d.render((*Key).PublicString, (*Node).PublicString)
}

// Checksum returns the checksum of the rendered descriptor.
func (d *Descriptor) Checksum() string {
	// Parsed descriptors only contain checksum charset characters.
	sum, _ := Checksum(d.String())
	return sum
}

// StringWithChecksum renders the descriptor with its "#checksum" suffix.
func (d *Descriptor) StringWithChecksum() string {
	return d.String() + "#" + d.Checksum()
}

// withKeychain maps every key through WithKeychain. The second return value
// is false when no key was replaced, in which case the receiver is returned.
func (d *Descriptor) withKeychain(from, to uint32) (*Descriptor, bool) {
	changed := false
	swap := func(k *Key) *Key {
		next, ok := k.WithKeychain(from, to)
		changed = changed || ok

		return next
	}

	clone := &Descriptor{typ: d.typ}
	if d.key != nil {
		clone.key = swap(d.key)
	} else {
		clone.ms = d.ms.mapKeys(swap)
	}

	if !changed {
		return d, false
	}

	return clone, true
}

// Change returns the descriptor with every /0/* key suffix, or bare /*
// wildcard, replaced by /1/*. The second return value is false when no key
// is ranged that way, in which case the receiver is returned unchanged.
func (d *Descriptor) Change() (*Descriptor, bool) {
	return d.withKeychain(0, 1)
}

// Keychains splits the descriptor into its receive and change keychains. A
// bare /* wildcard is read as the receive keychain /0/*. Descriptors without
// such a key return themselves for both and false.
func (d *Descriptor) Keychains() (*Descriptor, *Descriptor, bool) {
	receive, ok := d.withKeychain(0, 0)
	if !ok {
		return d, d, false
	}

	change, _ := receive.withKeychain(0, 1)

	return receive, change, true
}

// Output is a descriptor instantiated at one address index.
type Output struct {
	Index uint32

	PkScript      []byte
	RedeemScript  []byte
	WitnessScript []byte

	Address btcutil.Address

	// Keys are the derived keys in script order.
	Keys []*DerivedKey

	pubs map[*Key][]byte
}

// resolve returns the derived public key of a key expression.
func (o *Output) resolve(k *Key) ([]byte, error) {
	pub, ok := o.pubs[k]
	if !ok {
		return nil, fmt.Errorf("%w: key %s not part of output",
			ErrInvalidKey, k)
	}

	return pub, nil
}

// At derives the output at an address index.
func (d *Descriptor) At(index uint32) (*Output, error) {
	out := &Output{Index: index, pubs: make(map[*Key][]byte)}

	for _, key := range d.Keys() {
		derived, err := key.Derive(index)
		if err != nil {
			return nil, err
		}

		out.Keys = append(out.Keys, derived)
		out.pubs[key] = derived.PubKey.SerializeCompressed()
	}

	params := d.Params()

	var err error
	switch d.typ {
	case TypePkh:
		out.Address, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(out.pubs[d.key]), params,
		)

	case TypeWpkh:
		out.Address, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(out.pubs[d.key]), params,
		)

	case TypeShWpkh:
		var wpkh btcutil.Address
		wpkh, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(out.pubs[d.key]), params,
		)
		if err != nil {
			return nil, err
		}

		out.RedeemScript, err = txscript.PayToAddrScript(wpkh)
		if err != nil {
			return nil, err
		}

		out.Address, err = btcutil.NewAddressScriptHash(
			out.RedeemScript, params,
		)

	case TypeTr:
		outputKey := txscript.ComputeTaprootKeyNoScript(
			out.Keys[0].PubKey,
		)
		out.Address, err = btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), params,
		)

	case TypeSh:
		out.RedeemScript, err = d.ms.Script(out.resolve)
		if err != nil {
			return nil, err
		}

		out.Address, err = btcutil.NewAddressScriptHash(
			out.RedeemScript, params,
		)

	case TypeWsh, TypeShWsh:
		out.WitnessScript, err = d.ms.Script(out.resolve)
		if err != nil {
			return nil, err
		}

		scriptHash := sha256.Sum256(out.WitnessScript)
		out.Address, err = btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], params,
		)
		if err != nil || d.typ == TypeWsh {
			break
		}

		out.RedeemScript, err = txscript.PayToAddrScript(out.Address)
		if err != nil {
			return nil, err
		}

		out.Address, err = btcutil.NewAddressScriptHash(
			out.RedeemScript, params,
		)
	}
	if err != nil {
		return nil, err
	}

	out.PkScript, err = txscript.PayToAddrScript(out.Address)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Satisfy builds the final scriptSig and witness of an input spending out.
// ErrUnsatisfied is returned when sat lacks the signatures or timelocks any
// spending branch needs.
func (d *Descriptor) Satisfy(out *Output,
	sat Satisfier) ([]byte, wire.TxWitness, error) {

	switch d.typ {
	case TypePkh, TypeWpkh, TypeShWpkh:
		pub := out.pubs[d.key]
		sig, ok := sat.Signature(pub)
		if !ok {
			return nil, nil, ErrUnsatisfied
		}

		if d.typ == TypePkh {
			scriptSig, err := pushAll([][]byte{sig, pub})
			return scriptSig, nil, err
		}

		var scriptSig []byte
		if d.typ == TypeShWpkh {
			var err error
			scriptSig, err = pushAll([][]byte{out.RedeemScript})
			if err != nil {
				return nil, nil, err
			}
		}

		return scriptSig, wire.TxWitness{sig, pub}, nil

	case TypeTr:
		sig, ok := sat.TaprootKeySpendSig()
		if !ok {
			return nil, nil, ErrUnsatisfied
		}

		return nil, wire.TxWitness{sig}, nil
	}

	s := &satisfier{sat: sat, resolve: out.resolve}
	w, _, err := s.satisfy(d.ms)
	if err != nil {
		return nil, nil, err
	}
	if !w.ok {
		return nil, nil, ErrUnsatisfied
	}

	switch d.typ {
	case TypeSh:
		stack := append(w.stack, out.RedeemScript)
		scriptSig, err := pushAll(stack)

		return scriptSig, nil, err

	case TypeWsh:
		return nil, append(wire.TxWitness(w.stack), out.WitnessScript),
			nil
	}

	scriptSig, err := pushAll([][]byte{out.RedeemScript})
	if err != nil {
		return nil, nil, err
	}

	return scriptSig, append(wire.TxWitness(w.stack), out.WitnessScript),
		nil
}

// pushAll builds a push only script from the elements.
func pushAll(elems [][]byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	for _, elem := range elems {
		bldr.AddData(elem)
	}

	return bldr.Script()
}

// Sizes used by the satisfaction weights of the single key types.
const (
	// sigElemSize is a maximum size signature with its length prefix.
	sigElemSize = 1 + maxSigLen

	// pubElemSize is a compressed key with its length prefix.
	pubElemSize = 1 + 33

	// p2wpkhRedeemPush is the 22-byte P2WPKH program with its push.
	p2wpkhRedeemPush = 1 + 22

	// p2wshRedeemPush is the 34-byte P2WSH program with its push.
	p2wshRedeemPush = 1 + 34
)

// MaxSatisfactionWeight returns the largest weight the scriptSig and witness
// of an input spending this descriptor can add to a transaction whose inputs
// are still unsigned.
func (d *Descriptor) MaxSatisfactionWeight() (uint64, error) {
	scale := uint64(4)
	varInt := func(n int) uint64 {
		return uint64(wire.VarIntSerializeSize(uint64(n)))
	}

	switch d.typ {
	case TypePkh:
		ss := sigElemSize + pubElemSize
		return scale * (varInt(ss) + uint64(ss)), nil

	case TypeWpkh:
		return scale*varInt(0) + varInt(2) + sigElemSize + pubElemSize,
			nil

	case TypeShWpkh:
		return scale*(varInt(p2wpkhRedeemPush)+p2wpkhRedeemPush) +
			varInt(2) + sigElemSize + pubElemSize, nil

	case TypeTr:
		return scale*varInt(0) + varInt(1) + 1 + maxSchnorrSigLen, nil
	}

	s := &satisfier{sat: maxSatisfier{}, resolve: DummyResolver, max: true}
	w, _, err := s.satisfy(d.ms)
	if err != nil {
		return 0, err
	}
	if !w.ok {
		return 0, fmt.Errorf("%w: no satisfaction exists", ErrUnsatisfied)
	}

	scriptLen, err := d.ms.ScriptSize()
	if err != nil {
		return 0, err
	}

	if d.typ == TypeSh {
		ss := legacySize(w.stack) + pushSize(make([]byte, scriptLen))
		return scale * (varInt(ss) + uint64(ss)), nil
	}

	witnessWeight := varInt(len(w.stack)+1) + uint64(w.size()) +
		varInt(scriptLen) + uint64(scriptLen)

	if d.typ == TypeShWsh {
		return scale*(varInt(p2wshRedeemPush)+p2wshRedeemPush) +
			witnessWeight, nil
	}

	return scale*varInt(0) + witnessWeight, nil
}
