package descriptor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxMultiKeys is the largest key count of a multi fragment.
	MaxMultiKeys = 20

	// maxLockValue bounds timelock arguments to the positive int32 range
	// script numbers can carry.
	maxLockValue = 1<<31 - 1
)

var (
	// ErrUnknownFragment is returned for fragment names outside the
	// supported subset.
	ErrUnknownFragment = errors.New("unknown miniscript fragment")

	// ErrMalformed is returned for syntax errors in descriptor text.
	ErrMalformed = errors.New("malformed descriptor")

	// ErrTypeCheck is returned when a fragment is combined with children of
	// the wrong type.
	ErrTypeCheck = errors.New("miniscript type check failed")
)

// Fragment identifies a miniscript fragment or wrapper.
type Fragment uint8

const (
	FragFalse Fragment = iota
	FragTrue
	FragPkK
	FragPkH
	FragOlder
	FragAfter
	FragMulti
	FragSortedMulti
	FragAndV
	FragAndB
	FragOrB
	FragOrD
	FragOrI
	FragThresh

	// Wrappers carry a single child.
	FragWrapA
	FragWrapS
	FragWrapC
	FragWrapV
	FragWrapN
	FragWrapT
	FragWrapL
	FragWrapU
)

var fragmentNames = map[Fragment]string{
	FragFalse:       "0",
	FragTrue:        "1",
	FragPkK:         "pk_k",
	FragPkH:         "pk_h",
	FragOlder:       "older",
	FragAfter:       "after",
	FragMulti:       "multi",
	FragSortedMulti: "sortedmulti",
	FragAndV:        "and_v",
	FragAndB:        "and_b",
	FragOrB:         "or_b",
	FragOrD:         "or_d",
	FragOrI:         "or_i",
	FragThresh:      "thresh",
}

var wrapperLetters = map[Fragment]byte{
	FragWrapA: 'a',
	FragWrapS: 's',
	FragWrapC: 'c',
	FragWrapV: 'v',
	FragWrapN: 'n',
	FragWrapT: 't',
	FragWrapL: 'l',
	FragWrapU: 'u',
}

// String returns the fragment name or wrapper letter.
func (f Fragment) String() string {
	if name, ok := fragmentNames[f]; ok {
		return name
	}
	if letter, ok := wrapperLetters[f]; ok {
		return string(letter) + ":"
	}

	return fmt.Sprintf("Unknown Fragment (%d)", uint8(f))
}

// IsWrapper reports whether the fragment is a single letter wrapper.
func (f Fragment) IsWrapper() bool {
	_, ok := wrapperLetters[f]
	return ok
}

// Node is one fragment of a miniscript tree.
type Node struct {
	Fragment Fragment

	// K is the threshold of multi, sortedmulti and thresh.
	K uint32

	// Value is the argument of older and after.
	Value uint32

	// Keys holds the key of pk_k and pk_h or the keys of a multi.
	Keys []*Key

	// Children are the sub-fragments in script order.
	Children []*Node
}

// NewPk returns the c:pk_k(key) node written as pk(key).
func NewPk(key *Key) *Node {
	return Wrap(FragWrapC, &Node{Fragment: FragPkK, Keys: []*Key{key}})
}

// Wrap applies a wrapper fragment to a node.
func Wrap(wrapper Fragment, child *Node) *Node {
	return &Node{Fragment: wrapper, Children: []*Node{child}}
}

// KeyParser turns key expression text into a Key.
type KeyParser func(string) (*Key, error)

// ParseMiniscript parses and type checks miniscript text. The top level
// fragment must be of base type B.
func ParseMiniscript(s string, parseKey KeyParser) (*Node, error) {
	node, err := parseNode(s, parseKey)
	if err != nil {
		return nil, err
	}

	props, err := node.Properties()
	if err != nil {
		return nil, err
	}

	if props.Base != BaseB {
		return nil, fmt.Errorf("%w: top level %s is not B", ErrTypeCheck,
			node)
	}

	return node, nil
}

func parseNode(s string, parseKey KeyParser) (*Node, error) {
	switch s {
	case "0":
		return &Node{Fragment: FragFalse}, nil
	case "1":
		return &Node{Fragment: FragTrue}, nil
	}

	paren := strings.IndexByte(s, '(')
	colon := strings.IndexByte(s, ':')
	if colon >= 0 && (paren < 0 || colon < paren) {
		inner, err := parseNode(s[colon+1:], parseKey)
		if err != nil {
			return nil, err
		}

		return applyWrappers(s[:colon], inner)
	}

	if paren <= 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	name := s[:paren]
	args, err := SplitArgs(s[paren+1 : len(s)-1])
	if err != nil {
		return nil, err
	}

	switch name {
	case "pk", "pkh", "pk_k", "pk_h":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one key", ErrMalformed,
				name)
		}

		key, err := parseKey(args[0])
		if err != nil {
			return nil, err
		}

		frag := FragPkK
		if name == "pkh" || name == "pk_h" {
			frag = FragPkH
		}
		node := &Node{Fragment: frag, Keys: []*Key{key}}

		if name == "pk" || name == "pkh" {
			node = Wrap(FragWrapC, node)
		}

		return node, nil

	case "older", "after":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one value",
				ErrMalformed, name)
		}

		value, err := parseLockValue(args[0])
		if err != nil {
			return nil, err
		}

		frag := FragOlder
		if name == "after" {
			frag = FragAfter
		}

		return &Node{Fragment: frag, Value: value}, nil

	case "multi", "sortedmulti":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: %s needs a threshold and keys",
				ErrMalformed, name)
		}

		k, err := parseThreshold(args[0])
		if err != nil {
			return nil, err
		}

		node := &Node{Fragment: FragMulti, K: k}
		if name == "sortedmulti" {
			node.Fragment = FragSortedMulti
		}

		for _, arg := range args[1:] {
			key, err := parseKey(arg)
			if err != nil {
				return nil, err
			}
			node.Keys = append(node.Keys, key)
		}

		return node, nil

	case "and_v", "and_b", "or_b", "or_d", "or_i":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes two arguments",
				ErrMalformed, name)
		}

		node := &Node{Fragment: binaryFragment(name)}
		for _, arg := range args {
			child, err := parseNode(arg, parseKey)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}

		return node, nil

	case "thresh":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: thresh needs a threshold and "+
				"sub-fragments", ErrMalformed)
		}

		k, err := parseThreshold(args[0])
		if err != nil {
			return nil, err
		}

		node := &Node{Fragment: FragThresh, K: k}
		for _, arg := range args[1:] {
			child, err := parseNode(arg, parseKey)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}

		return node, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownFragment, name)
}

func binaryFragment(name string) Fragment {
	switch name {
	case "and_v":
		return FragAndV
	case "and_b":
		return FragAndB
	case "or_b":
		return FragOrB
	case "or_d":
		return FragOrD
	}

	return FragOrI
}

// applyWrappers applies wrapper letters right to left, so "sv:X" is s:(v:X).
func applyWrappers(letters string, inner *Node) (*Node, error) {
	node := inner
	for i := len(letters) - 1; i >= 0; i-- {
		var frag Fragment
		found := false
		for f, letter := range wrapperLetters {
			if letter == letters[i] {
				frag, found = f, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: wrapper %q", ErrUnknownFragment,
				letters[i])
		}

		node = Wrap(frag, node)
	}

	return node, nil
}

func parseLockValue(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 || v > maxLockValue {
		return 0, fmt.Errorf("%w: timelock %q", ErrMalformed, s)
	}

	return uint32(v), nil
}

func parseThreshold(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: threshold %q", ErrMalformed, s)
	}

	return uint32(v), nil
}

// SplitArgs splits a comma separated argument list at the top nesting level.
func SplitArgs(s string) ([]string, error) {
	var (
		args  []string
		depth int
		start int
	)

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced brackets",
					ErrMalformed)
			}
		case ',':
			if depth == 0 {
				args = append(args, s[start:i])
				start = i + 1
			}
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced brackets", ErrMalformed)
	}

	args = append(args, s[start:])
	for _, arg := range args {
		if arg == "" {
			return nil, fmt.Errorf("%w: empty argument", ErrMalformed)
		}
	}

	return args, nil
}

// String renders the node in canonical miniscript form. c:pk_k and c:pk_h
// render as pk and pkh.
func (n *Node) String() string {
	var letters []byte
	cur := n
	for cur.Fragment.IsWrapper() {
		letters = append(letters, wrapperLetters[cur.Fragment])
		cur = cur.Children[0]
	}

	var core string
	last := len(letters) - 1
	switch {
	case last >= 0 && letters[last] == 'c' && cur.Fragment == FragPkK:
		letters = letters[:last]
		core = "pk(" + cur.Keys[0].String() + ")"

	case last >= 0 && letters[last] == 'c' && cur.Fragment == FragPkH:
		letters = letters[:last]
		core = "pkh(" + cur.Keys[0].String() + ")"

	default:
		core = cur.coreString()
	}

	if len(letters) == 0 {
		return core
	}

	return string(letters) + ":" + core
}

// PublicString renders the node with private key material replaced by the
// matching public keys.
func (n *Node) PublicString() string {
	pub := n.mapKeys(func(k *Key) *Key {
		public := *k
		public.text = k.publicText()
		return &public
	})

	return pub.String()
}

func (n *Node) coreString() string {
	name := fragmentNames[n.Fragment]

	switch n.Fragment {
	case FragFalse, FragTrue:
		return name

	case FragPkK, FragPkH:
		return name + "(" + n.Keys[0].String() + ")"

	case FragOlder, FragAfter:
		return fmt.Sprintf("%s(%d)", name, n.Value)

	case FragMulti, FragSortedMulti:
		parts := []string{strconv.FormatUint(uint64(n.K), 10)}
		for _, key := range n.Keys {
			parts = append(parts, key.String())
		}

		return name + "(" + strings.Join(parts, ",") + ")"

	case FragThresh:
		parts := []string{strconv.FormatUint(uint64(n.K), 10)}
		for _, child := range n.Children {
			parts = append(parts, child.String())
		}

		return name + "(" + strings.Join(parts, ",") + ")"
	}

	parts := make([]string, 0, len(n.Children))
	for _, child := range n.Children {
		parts = append(parts, child.String())
	}

	return name + "(" + strings.Join(parts, ",") + ")"
}

// mapKeys returns a copy of the tree with every key replaced by fn(key).
func (n *Node) mapKeys(fn func(*Key) *Key) *Node {
	clone := *n

	if len(n.Keys) > 0 {
		clone.Keys = make([]*Key, len(n.Keys))
		for i, key := range n.Keys {
			clone.Keys[i] = fn(key)
		}
	}

	if len(n.Children) > 0 {
		clone.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			clone.Children[i] = child.mapKeys(fn)
		}
	}

	return &clone
}

// AllKeys returns every key of the tree in script order.
func (n *Node) AllKeys() []*Key {
	keys := append([]*Key{}, n.Keys...)
	for _, child := range n.Children {
		keys = append(keys, child.AllKeys()...)
	}

	return keys
}

// Walk calls fn for the node and all of its descendants, parents first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
