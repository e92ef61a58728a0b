// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package policy parses spending policies, compiles them into output
// descriptors and resolves which branches of a compiled script a transaction
// spends through.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

const (
	// maxLockValue is the largest timelock a script number can carry.
	maxLockValue = 1<<31 - 1
)

var (
	// ErrMalformed is returned for policy text that does not follow the
	// grammar.
	ErrMalformed = errors.New("malformed policy")

	// ErrThreshold is returned when a threshold is zero or exceeds the
	// number of sub-policies.
	ErrThreshold = errors.New("invalid threshold")

	// ErrNoKeys is returned for policies that do not reference any key.
	ErrNoKeys = errors.New("policy has no keys")
)

// Kind is the variant of a policy node.
type Kind uint8

const (
	KindKey Kind = iota
	KindThresh
	KindAfter
	KindOlder
	KindAnd
	KindOr
)

// String returns the policy keyword of the kind.
func (k Kind) String() string {
	switch k {
	case KindKey:
		return "pk"
	case KindThresh:
		return "thresh"
	case KindAfter:
		return "after"
	case KindOlder:
		return "older"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	}

	return fmt.Sprintf("Unknown Kind (%d)", uint8(k))
}

// Node is one node of a policy tree.
type Node struct {
	Kind Kind

	// Key is the key expression of a KindKey node, kept as written.
	Key string

	// K is the threshold of a KindThresh node.
	K uint32

	// Value is the argument of after and older.
	Value uint32

	// Children are the sub-policies of thresh, and and or.
	Children []*Node

	// Weights are the optional branch weights of an or. They are kept for
	// rendering only.
	Weights []uint32

	// multi records that a key threshold was written as multi(...).
	multi bool
}

// Parse parses policy text into a tree. Malformed text, bad thresholds,
// timelocks out of range and policies without keys fail with an InputError.
func Parse(text string) (*Node, error) {
	node, err := parseNode(strings.TrimSpace(text))
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Invalid Policy", err)
	}

	if len(node.Keys()) == 0 {
		return nil, errkind.New(errkind.InputError, "Invalid Policy",
			ErrNoKeys)
	}

	return node, nil
}

func parseNode(s string) (*Node, error) {
	paren := strings.IndexByte(s, '(')
	if paren <= 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	name := s[:paren]
	args, err := descriptor.SplitArgs(s[paren+1 : len(s)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch name {
	case "pk":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: pk takes one key", ErrMalformed)
		}

		return &Node{Kind: KindKey, Key: args[0]}, nil

	case "after", "older":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s takes one value",
				ErrMalformed, name)
		}

		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || v == 0 || v > maxLockValue {
			return nil, fmt.Errorf("%w: timelock %q", ErrMalformed,
				args[0])
		}

		kind := KindAfter
		if name == "older" {
			kind = KindOlder
		}

		return &Node{Kind: kind, Value: uint32(v)}, nil

	case "thresh", "multi":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: %s needs a threshold and "+
				"sub-policies", ErrMalformed, name)
		}

		k, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: threshold %q", ErrMalformed,
				args[0])
		}

		node := &Node{Kind: KindThresh, K: uint32(k), multi: name == "multi"}
		for _, arg := range args[1:] {
			child := &Node{Kind: KindKey, Key: arg}
			if name == "thresh" {
				child, err = parseNode(arg)
				if err != nil {
					return nil, err
				}
			}
			node.Children = append(node.Children, child)
		}

		if node.K == 0 || int(node.K) > len(node.Children) {
			return nil, fmt.Errorf("%w: %d of %d", ErrThreshold,
				node.K, len(node.Children))
		}

		return node, nil

	case "and", "or":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: %s takes two sub-policies",
				ErrMalformed, name)
		}

		node := &Node{Kind: KindAnd}
		if name == "or" {
			node.Kind = KindOr
		}

		weighted := false
		for _, arg := range args {
			weight := uint32(1)
			if at := strings.IndexByte(arg, '@'); at > 0 &&
				at < strings.IndexByte(arg, '(') {

				if name != "or" {
					return nil, fmt.Errorf("%w: weights are "+
						"only allowed in or", ErrMalformed)
				}

				w, err := strconv.ParseUint(arg[:at], 10, 32)
				if err != nil || w == 0 {
					return nil, fmt.Errorf("%w: weight %q",
						ErrMalformed, arg[:at])
				}
				weight = uint32(w)
				weighted = true
				arg = arg[at+1:]
			}

			child, err := parseNode(arg)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
			node.Weights = append(node.Weights, weight)
		}

		if !weighted {
			node.Weights = nil
		}

		return node, nil
	}

	return nil, fmt.Errorf("%w: unknown policy %q", ErrMalformed, name)
}

// Keys returns the key expressions of the tree in document order.
func (n *Node) Keys() []string {
	if n.Kind == KindKey {
		return []string{n.Key}
	}

	var keys []string
	for _, child := range n.Children {
		keys = append(keys, child.Keys()...)
	}

	return keys
}

// IsKey reports whether the node is a bare key.
func (n *Node) IsKey() bool {
	return n.Kind == KindKey
}

// String renders the policy back into text.
func (n *Node) String() string {
	switch n.Kind {
	case KindKey:
		return "pk(" + n.Key + ")"

	case KindAfter, KindOlder:
		return fmt.Sprintf("%s(%d)", n.Kind, n.Value)

	case KindThresh:
		parts := []string{strconv.FormatUint(uint64(n.K), 10)}
		for _, child := range n.Children {
			if n.multi {
				parts = append(parts, child.Key)
				continue
			}
			parts = append(parts, child.String())
		}

		name := "thresh"
		if n.multi {
			name = "multi"
		}

		return name + "(" + strings.Join(parts, ",") + ")"
	}

	parts := make([]string, len(n.Children))
	for i, child := range n.Children {
		parts[i] = child.String()
		if len(n.Weights) == len(n.Children) {
			parts[i] = strconv.FormatUint(uint64(n.Weights[i]), 10) +
				"@" + parts[i]
		}
	}

	return n.Kind.String() + "(" + strings.Join(parts, ",") + ")"
}
