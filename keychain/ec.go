package keychain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// XOnlyPair is a raw secp256k1 key pair with the public key in BIP340 x-only
// form, both hex encoded.
type XOnlyPair struct {
	SecKey string
	PubKey string
}

// XOnlyPairFromXprv extracts the raw key pair behind an extended private key.
func XOnlyPairFromXprv(xprv string) (*XOnlyPair, error) {
	key, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Master-Xprv", err)
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Master-Xprv", err)
	}

	return &XOnlyPair{
		SecKey: hex.EncodeToString(priv.Serialize()),
		PubKey: hex.EncodeToString(
			schnorr.SerializePubKey(priv.PubKey()),
		),
	}, nil
}

// parseSecKey decodes a hex encoded 32-byte secret key.
func parseSecKey(s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != btcec.PrivKeyBytesLen {
		return nil, errkind.New(errkind.InputError, "Secret-Key", err)
	}

	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, errkind.New(errkind.InputError, "Secret-Key", nil)
	}

	return priv, nil
}

// parsePubKey decodes a hex public key in x-only or compressed form.
func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Public-Key", err)
	}

	var pub *btcec.PublicKey
	if len(b) == schnorr.PubKeyBytesLen {
		pub, err = schnorr.ParsePubKey(b)
	} else {
		pub, err = btcec.ParsePubKey(b)
	}
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Public-Key", err)
	}

	return pub, nil
}

// SharedSecret computes an ECDH secret between a local secret key and a
// remote public key. The result is the hex SHA-256 of the compressed shared
// point.
func SharedSecret(localPriv, remotePub string) (string, error) {
	priv, err := parseSecKey(localPriv)
	if err != nil {
		return "", err
	}

	pub, err := parsePubKey(remotePub)
	if err != nil {
		return "", err
	}

	var point, shared secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &shared)
	shared.ToAffine()

	sharedPub := secp256k1.NewPublicKey(&shared.X, &shared.Y)
	secret := sha256.Sum256(sharedPub.SerializeCompressed())

	return hex.EncodeToString(secret[:]), nil
}

// SignMessage produces a hex BIP340 signature over the SHA-256 of message.
func SignMessage(message, secKey string) (string, error) {
	priv, err := parseSecKey(secKey)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(message))
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return "", errkind.New(errkind.KeyError, "unable to sign", err)
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyMessage checks a hex BIP340 signature produced by SignMessage against
// an x-only public key.
func VerifyMessage(signature, message, pubKey string) (bool, error) {
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false, errkind.New(errkind.InputError, "Signature", err)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, errkind.New(errkind.InputError, "Signature", err)
	}

	pub, err := parsePubKey(pubKey)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256([]byte(message))

	return sig.Verify(digest[:], pub), nil
}
