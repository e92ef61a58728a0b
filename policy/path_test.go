package policy

import (
	"testing"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

func mustDescriptor(t *testing.T, template string) *descriptor.Descriptor {
	t.Helper()

	desc, err := descriptor.Parse(expand(template))
	require.NoError(t, err)

	return desc
}

// TestRequiresPath checks which descriptors need a policy path.
func TestRequiresPath(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		desc     string
		required bool
	}{{
		name:     "single key",
		desc:     "wpkh(A)",
		required: false,
	}, {
		name:     "escrow",
		desc:     "wsh(multi(2,A,B,E))",
		required: false,
	}, {
		name:     "raft",
		desc:     "wsh(or_d(pk(A),and_v(v:pk(E),after(600000))))",
		required: true,
	}, {
		name:     "or of keys",
		desc:     "wsh(or_d(pk(A),pk(B)))",
		required: false,
	}, {
		name:     "timelock on every branch",
		desc:     "wsh(and_v(v:pk(A),after(100)))",
		required: false,
	}, {
		name:     "thresh with timelock",
		desc:     "wsh(thresh(2,pk(A),s:pk(B),snl:after(100)))",
		required: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			desc := mustDescriptor(t, tc.desc)
			required, rootID := RequiresPath(desc)
			require.Equal(t, tc.required, required)
			require.Len(t, rootID, 8)

			if ms := desc.Miniscript(); ms != nil {
				require.Equal(t, NodeID(ms), rootID)
			} else {
				require.Equal(t, desc.Checksum(), rootID)
			}
		})
	}
}

// TestNodeIDStable checks that private and public forms of a descriptor share
// node ids.
func TestNodeIDStable(t *testing.T) {
	t.Parallel()

	const aXprv = "[c2cb6b81/84h/1h/0h]tprv8gooCbWUp5z9GWY95JWHgMSs28YCp" +
		"KTdwL2G3GbYSch2ME8SPzVxAjiaHgCDdyHBLGkUB7Nh5U66G5uLwykSAvECA78" +
		"Bx6T8mS3wVgQMAGf/*"

	public := mustDescriptor(t,
		"wsh(or_d(pk(A),and_v(v:pk(E),after(600000))))")

	private, err := descriptor.Parse("wsh(or_d(pk(" + aXprv + "),and_v(v:" +
		"pk(" + keyE + "),after(600000))))")
	require.NoError(t, err)

	_, publicID := RequiresPath(public)
	_, privateID := RequiresPath(private)
	require.Equal(t, publicID, privateID)
}

// TestResolveRaft checks the conditions of every raft selection.
func TestResolveRaft(t *testing.T) {
	t.Parallel()

	desc := mustDescriptor(t, "wsh(or_d(pk(A),and_v(v:pk(E),after(600000))))")
	_, root := RequiresPath(desc)

	testCases := []struct {
		name     string
		path     Path
		expected Conditions
		err      error
	}{{
		name: "no path",
		path: nil,
		err:  ErrSpendingPolicyRequired,
	}, {
		name: "path for another node",
		path: Path{"abcdefgh": {0}},
		err:  ErrSpendingPolicyRequired,
	}, {
		name:     "primary",
		path:     Path{root: {0}},
		expected: Conditions{},
	}, {
		name:     "escape",
		path:     Path{root: {1}},
		expected: Conditions{After: 600000},
	}, {
		name:     "either",
		path:     Path{root: {0, 1}},
		expected: Conditions{After: 600000},
	}, {
		name: "empty selection",
		path: Path{root: {}},
		err:  ErrInvalidSelection,
	}, {
		name: "out of range",
		path: Path{root: {2}},
		err:  ErrInvalidSelection,
	}, {
		name: "negative",
		path: Path{root: {-1}},
		err:  ErrInvalidSelection,
	}, {
		name: "duplicate",
		path: Path{root: {1, 1}},
		err:  ErrInvalidSelection,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conds, err := ResolveConditions(desc, tc.path)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				require.True(t, errkind.Is(err, errkind.InputError))
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, conds)
		})
	}
}

// TestResolveThresh checks that a thresh selection needs k children.
func TestResolveThresh(t *testing.T) {
	t.Parallel()

	desc := mustDescriptor(t, "wsh(thresh(2,pk(A),s:pk(B),snl:after(100)))")
	_, root := RequiresPath(desc)

	conds, err := ResolveConditions(desc, Path{root: {0, 1}})
	require.NoError(t, err)
	require.True(t, conds.IsZero())

	conds, err = ResolveConditions(desc, Path{root: {2, 0}})
	require.NoError(t, err)
	require.Equal(t, Conditions{After: 100}, conds)

	_, err = ResolveConditions(desc, Path{root: {2}})
	require.ErrorIs(t, err, ErrInvalidSelection)
}

// TestResolveWithoutChoice checks descriptors that need no path.
func TestResolveWithoutChoice(t *testing.T) {
	t.Parallel()

	conds, err := ResolveConditions(mustDescriptor(t, "wpkh(A)"), nil)
	require.NoError(t, err)
	require.True(t, conds.IsZero())

	conds, err = ResolveConditions(
		mustDescriptor(t, "wsh(and_v(v:pk(A),older(144)))"), nil,
	)
	require.NoError(t, err)
	require.Equal(t, Conditions{Older: 144}, conds)
}

// TestMixedTimelocks checks that height and time locks do not merge.
func TestMixedTimelocks(t *testing.T) {
	t.Parallel()

	desc := mustDescriptor(t, "wsh(and_v(v:pk(A),and_v(v:after(100),"+
		"after(500000001))))")

	_, err := ResolveConditions(desc, nil)
	require.ErrorIs(t, err, ErrMixedTimelocks)
	require.True(t, errkind.Is(err, errkind.InputError))

	merged, err := Conditions{After: 100}.merge(Conditions{After: 200})
	require.NoError(t, err)
	require.Equal(t, uint32(200), merged.After)

	_, err = Conditions{Older: 10}.merge(
		Conditions{Older: sequenceTypeFlag | 10},
	)
	require.ErrorIs(t, err, ErrMixedTimelocks)
}

// TestBranches checks the listing of nodes that need a choice.
func TestBranches(t *testing.T) {
	t.Parallel()

	desc := mustDescriptor(t, "wsh(or_d(pk(A),and_v(v:pk(E),after(600000))))")
	_, root := RequiresPath(desc)

	branches := Branches(desc)
	require.Len(t, branches, 1)
	require.Equal(t, root, branches[0].ID)
	require.Equal(t, 1, branches[0].Need)
	require.Equal(t, []Conditions{{}, {After: 600000}},
		branches[0].Children)

	require.Empty(t, Branches(mustDescriptor(t, "wsh(multi(2,A,B,E))")))
}

// TestParsePath checks the textual path form.
func TestParsePath(t *testing.T) {
	t.Parallel()

	path, err := ParsePath("abcdefgh:0,1; 12345678:2")
	require.NoError(t, err)
	require.Equal(t, Path{"abcdefgh": {0, 1}, "12345678": {2}}, path)
	require.Equal(t, "12345678:2;abcdefgh:0,1", path.String())

	_, err = ParsePath("abcdefgh")
	require.True(t, errkind.Is(err, errkind.InputError))

	_, err = ParsePath("abcdefgh:x")
	require.True(t, errkind.Is(err, errkind.InputError))
}
