package policy

import (
	"testing"

	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

// TestParse checks that well formed policies parse into the expected tree
// and render back to their input.
func TestParse(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		text string
		kind Kind
		keys []string
	}{{
		name: "single key",
		text: "pk(A)",
		kind: KindKey,
		keys: []string{"A"},
	}, {
		name: "multi",
		text: "multi(2,A,B,C)",
		kind: KindThresh,
		keys: []string{"A", "B", "C"},
	}, {
		name: "thresh of sub-policies",
		text: "thresh(2,pk(A),pk(B),after(100))",
		kind: KindThresh,
		keys: []string{"A", "B"},
	}, {
		name: "raft",
		text: "or(pk(A),and(pk(E),after(595600)))",
		kind: KindOr,
		keys: []string{"A", "E"},
	}, {
		name: "weighted or",
		text: "or(9@pk(A),1@and(pk(B),older(144)))",
		kind: KindOr,
		keys: []string{"A", "B"},
	}, {
		name: "and",
		text: "and(pk(A),older(4194305))",
		kind: KindAnd,
		keys: []string{"A"},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			node, err := Parse(tc.text)
			require.NoError(t, err)
			require.Equal(t, tc.kind, node.Kind)
			require.Equal(t, tc.keys, node.Keys())
			require.Equal(t, tc.text, node.String())
		})
	}
}

// TestParseWeights checks that or weights are recorded per branch.
func TestParseWeights(t *testing.T) {
	t.Parallel()

	node, err := Parse("or(9@pk(A),1@pk(B))")
	require.NoError(t, err)
	require.Equal(t, []uint32{9, 1}, node.Weights)

	node, err = Parse("or(pk(A),pk(B))")
	require.NoError(t, err)
	require.Nil(t, node.Weights)
}

// TestParseErrors checks that malformed policies fail with an InputError.
func TestParseErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		text string
		err  error
	}{{
		name: "empty",
		text: "",
		err:  ErrMalformed,
	}, {
		name: "unbalanced",
		text: "pk(A",
		err:  ErrMalformed,
	}, {
		name: "unknown keyword",
		text: "sha256(00)",
		err:  ErrMalformed,
	}, {
		name: "zero threshold",
		text: "thresh(0,pk(A),pk(B))",
		err:  ErrThreshold,
	}, {
		name: "threshold above children",
		text: "multi(3,A,B)",
		err:  ErrThreshold,
	}, {
		name: "threshold not a number",
		text: "thresh(x,pk(A))",
		err:  ErrMalformed,
	}, {
		name: "zero timelock",
		text: "and(pk(A),after(0))",
		err:  ErrMalformed,
	}, {
		name: "timelock out of range",
		text: "and(pk(A),older(2147483648))",
		err:  ErrMalformed,
	}, {
		name: "and arity",
		text: "and(pk(A))",
		err:  ErrMalformed,
	}, {
		name: "weight in and",
		text: "and(2@pk(A),pk(B))",
		err:  ErrMalformed,
	}, {
		name: "zero weight",
		text: "or(0@pk(A),pk(B))",
		err:  ErrMalformed,
	}, {
		name: "no keys",
		text: "after(100)",
		err:  ErrNoKeys,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.text)
			require.ErrorIs(t, err, tc.err)
			require.True(t, errkind.Is(err, errkind.InputError))
		})
	}
}
