package descriptor

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// dummyHex is the placeholder key every test key resolves to.
const dummyHex = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b" +
	"16f81798"

func parseOpaque(t *testing.T, text string) *Node {
	t.Helper()

	node, err := ParseMiniscript(text, func(s string) (*Key, error) {
		return NewOpaqueKey(s), nil
	})
	require.NoError(t, err)

	return node
}

// TestMiniscriptTypes checks type inference and canonical rendering.
func TestMiniscriptTypes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		text     string
		rendered string
		props    string
	}{
		{"pk(A)", "pk(A)", "Bondu"},
		{"c:pk_k(A)", "pk(A)", "Bondu"},
		{"pkh(A)", "pkh(A)", "Bndu"},
		{"older(10)", "older(10)", "Bz"},
		{"after(600000)", "after(600000)", "Bz"},
		{"multi(2,A,B,C)", "multi(2,A,B,C)", "Bndu"},
		{"and_v(v:pk(A),pk(B))", "and_v(v:pk(A),pk(B))", "Bnu"},
		{"or_d(pk(A),older(10))", "or_d(pk(A),older(10))", "Bo"},
		{
			"or_d(pk(A),and_v(v:pk(E),after(600000)))",
			"or_d(pk(A),and_v(v:pk(E),after(600000)))",
			"B",
		},
		{"or_i(pk(A),pk(B))", "or_i(pk(A),pk(B))", "Bdu"},
		{"thresh(2,pk(A),s:pk(B),a:pk(C))", "thresh(2,pk(A),s:pk(B),a:pk(C))",
			"Bdu"},
		{"and_b(pk(A),s:pk(B))", "and_b(pk(A),s:pk(B))", "Bndu"},
		{"or_b(pk(A),s:pk(B))", "or_b(pk(A),s:pk(B))", "Bdu"},
		{"l:pk(A)", "l:pk(A)", "Bdu"},
		{"u:pk(A)", "u:pk(A)", "Bdu"},
		{"n:older(5)", "n:older(5)", "Bzu"},
		{"t:v:pk(A)", "tv:pk(A)", "Bonu"},
	}

	for _, tc := range testCases {
		t.Run(tc.text, func(t *testing.T) {
			t.Parallel()

			node := parseOpaque(t, tc.text)
			require.Equal(t, tc.rendered, node.String())

			props, err := node.Properties()
			require.NoError(t, err)
			require.Equal(t, tc.props, props.String())
		})
	}
}

// TestScriptAssembly checks the opcodes emitted for common fragments.
func TestScriptAssembly(t *testing.T) {
	t.Parallel()

	push := "21" + dummyHex

	testCases := []struct {
		name     string
		text     string
		expected string
		ops      int
	}{{
		name:     "pk",
		text:     "pk(A)",
		expected: push + "ac",
		ops:      1,
	}, {
		name:     "verify merges into checksig",
		text:     "and_v(v:pk(A),pk(B))",
		expected: push + "ad" + push + "ac",
		ops:      2,
	}, {
		name:     "or_d with relative lock",
		text:     "or_d(pk(A),older(10))",
		expected: push + "ac" + "73" + "64" + "5a" + "b2" + "68",
		ops:      5,
	}, {
		name:     "multi",
		text:     "multi(2,A,B)",
		expected: "52" + push + push + "52" + "ae",
		ops:      3,
	}, {
		name:     "verify merges into checkmultisig",
		text:     "and_v(v:multi(1,A),pk(B))",
		expected: "51" + push + "51" + "af" + push + "ac",
		ops:      3,
	}, {
		name: "thresh",
		text: "thresh(2,pk(A),s:pk(B),a:pk(C))",
		expected: push + "ac" + "7c" + push + "ac" + "93" + "6b" +
			push + "ac" + "6c" + "93" + "52" + "87",
		ops: 9,
	}, {
		name:     "after pushes script number",
		text:     "after(600000)",
		expected: "03c02709" + "b1",
		ops:      1,
	}, {
		name:     "plain verify",
		text:     "and_v(v:older(1),pk(A))",
		expected: "51" + "b2" + "69" + push + "ac",
		ops:      3,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			node := parseOpaque(t, tc.text)

			script, err := node.Script(DummyResolver)
			require.NoError(t, err)
			require.Equal(t, tc.expected, hex.EncodeToString(script))

			ops, err := node.OpCount()
			require.NoError(t, err)
			require.Equal(t, tc.ops, ops)
		})
	}
}

// TestSortedMulti checks that sortedmulti orders keys bytewise.
func TestSortedMulti(t *testing.T) {
	t.Parallel()

	const (
		low  = "02" + "11"
		high = "03" + "00"
	)

	node := parseOpaque(t, "sortedmulti(1,HIGH,LOW)")
	resolve := func(k *Key) ([]byte, error) {
		pad := strings.Repeat("00", 31)
		if k.String() == "HIGH" {
			return hex.DecodeString(high + pad)
		}

		return hex.DecodeString(low + pad)
	}

	script, err := node.Script(resolve)
	require.NoError(t, err)

	keys, err := node.multiKeys(resolve)
	require.NoError(t, err)
	require.Equal(t, low, hex.EncodeToString(keys[0][:2]))
	require.Equal(t, high, hex.EncodeToString(keys[1][:2]))
	require.Contains(t, hex.EncodeToString(script), "21"+low)
}

// TestMalformedTrees makes sure hand built trees fail the type check instead
// of panicking.
func TestMalformedTrees(t *testing.T) {
	t.Parallel()

	trees := []*Node{
		{Fragment: FragAndV},
		{Fragment: FragWrapC},
		{Fragment: FragThresh, K: 1},
		{Fragment: FragOrD, Children: []*Node{{Fragment: FragTrue}}},
		{Fragment: FragPkK},
		{Fragment: Fragment(200)},
	}

	for _, tree := range trees {
		_, err := tree.Properties()
		require.Error(t, err)
	}
}
