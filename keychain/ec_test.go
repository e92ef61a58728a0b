package keychain

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

// TestSharedSecret checks that both sides of an ECDH exchange agree.
func TestSharedSecret(t *testing.T) {
	t.Parallel()

	alice, err := DeriveToPath(testMaster, "m/392h/1h/0h")
	require.NoError(t, err)
	bob, err := DeriveToPath(testMaster, "m/392h/1h/1h")
	require.NoError(t, err)

	alicePair, err := XOnlyPairFromXprv(alice.Xprv)
	require.NoError(t, err)
	bobPair, err := XOnlyPairFromXprv(bob.Xprv)
	require.NoError(t, err)

	require.Len(t, alicePair.SecKey, 64)
	require.Len(t, alicePair.PubKey, 64)

	// Compressed keys keep the y parity, so both sides land on the same
	// point.
	ab, err := SharedSecret(alicePair.SecKey, compressedPub(t, alice.Xpub))
	require.NoError(t, err)
	ba, err := SharedSecret(bobPair.SecKey, compressedPub(t, bob.Xpub))
	require.NoError(t, err)
	require.NotEqual(t, ab, ba)

	ab, err = SharedSecret(alicePair.SecKey, compressedPub(t, bob.Xpub))
	require.NoError(t, err)
	ba, err = SharedSecret(bobPair.SecKey, compressedPub(t, alice.Xpub))
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Len(t, ab, 64)

	// X-only keys are accepted as well.
	_, err = SharedSecret(alicePair.SecKey, bobPair.PubKey)
	require.NoError(t, err)

	_, err = SharedSecret("zz", bobPair.PubKey)
	require.True(t, errkind.Is(err, errkind.InputError))
	_, err = SharedSecret(alicePair.SecKey, "02")
	require.True(t, errkind.Is(err, errkind.InputError))
}

// TestSignVerifyMessage covers the schnorr message helpers.
func TestSignVerifyMessage(t *testing.T) {
	t.Parallel()

	pair, err := XOnlyPairFromXprv(testAccountXprv)
	require.NoError(t, err)

	sig, err := SignMessage("hello descriptors", pair.SecKey)
	require.NoError(t, err)
	require.Len(t, sig, 128)

	ok, err := VerifyMessage(sig, "hello descriptors", pair.PubKey)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyMessage(sig, "tampered", pair.PubKey)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = VerifyMessage("00", "hello descriptors", pair.PubKey)
	require.True(t, errkind.Is(err, errkind.InputError))

	_, err = XOnlyPairFromXprv(testAccountXpub)
	require.True(t, errkind.Is(err, errkind.InputError))
}

func compressedPub(t *testing.T, xpub string) string {
	t.Helper()

	key, err := hdkeychain.NewKeyFromString(xpub)
	require.NoError(t, err)
	pub, err := key.ECPubKey()
	require.NoError(t, err)

	return hex.EncodeToString(pub.SerializeCompressed())
}
