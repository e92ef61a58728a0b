package policy

import (
	"fmt"
	"strings"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

// ScriptType selects the descriptor wrapper a policy compiles into.
type ScriptType uint8

const (
	WPKH ScriptType = iota
	WSH
	SH
	SHWSH
	TR
)

// String returns the name of the script type.
func (s ScriptType) String() string {
	switch s {
	case WPKH:
		return "wpkh"
	case WSH:
		return "wsh"
	case SH:
		return "sh"
	case SHWSH:
		return "sh-wsh"
	case TR:
		return "tr"
	}

	return fmt.Sprintf("Unknown ScriptType (%d)", uint8(s))
}

// ParseScriptType parses the name of a script type.
func ParseScriptType(s string) (ScriptType, error) {
	for _, t := range []ScriptType{WPKH, WSH, SH, SHWSH, TR} {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, errkind.Newf(errkind.InputError, "Invalid Script Type %q", s)
}

// scriptContext holds the resource limits of the script a tree is lowered
// into.
type scriptContext struct {
	maxMultiKeys  int
	maxScriptSize int
}

var (
	segwitContext = scriptContext{
		maxMultiKeys:  descriptor.MaxMultiKeys,
		maxScriptSize: descriptor.MaxP2WSHScriptSize,
	}

	legacyContext = scriptContext{
		maxMultiKeys:  descriptor.MaxLegacyMultiKeys,
		maxScriptSize: descriptor.MaxP2SHScriptSize,
	}
)

// Compile turns policy text into descriptor text without a checksum. WPKH and
// TR only accept a single pk(KEY) policy and substitute the wrapper keyword.
// The script types lower the policy into miniscript.
func Compile(text string, scriptType ScriptType) (string, error) {
	policy, err := Parse(text)
	if err != nil {
		return "", err
	}

	switch scriptType {
	case WPKH, TR:
		if !policy.IsKey() {
			return "", errkind.Newf(errkind.InputError, "Invalid "+
				"Policy: %s only accepts pk(KEY)", scriptType)
		}

		return strings.Replace(policy.String(), "pk(",
			scriptType.String()+"(", 1), nil

	case WSH, SHWSH:
		ms, err := lowerPolicy(policy, segwitContext)
		if err != nil {
			return "", err
		}

		if scriptType == WSH {
			return "wsh(" + ms.String() + ")", nil
		}

		return "sh(wsh(" + ms.String() + "))", nil

	case SH:
		ms, err := lowerPolicy(policy, legacyContext)
		if err != nil {
			return "", err
		}

		return "sh(" + ms.String() + ")", nil
	}

	return "", errkind.Newf(errkind.InputError, "Invalid Script Type %d",
		uint8(scriptType))
}

// lowerPolicy compiles a policy tree into a type checked miniscript tree that
// fits the limits of ctx. Keys are carried as opaque text.
func lowerPolicy(policy *Node, ctx scriptContext) (*descriptor.Node, error) {
	ms, err := lower(policy, ctx)
	if err != nil {
		return nil, errkind.New(errkind.OpError, "Compiler Error", err)
	}

	props, err := ms.Properties()
	if err != nil {
		return nil, errkind.New(errkind.OpError, "Compiler Error", err)
	}
	if props.Base != descriptor.BaseB {
		return nil, errkind.Newf(errkind.OpError, "Compiler Error: "+
			"top level %s is not B", props)
	}

	if err := checkLimits(ms, ctx); err != nil {
		return nil, errkind.New(errkind.OpError, "Compiler Error", err)
	}

	return ms, nil
}

func checkLimits(ms *descriptor.Node, ctx scriptContext) error {
	ops, err := ms.OpCount()
	if err != nil {
		return err
	}
	if ops > descriptor.MaxOpsPerScript {
		return fmt.Errorf("%w: %d opcodes", descriptor.ErrResourceLimit,
			ops)
	}

	size, err := ms.ScriptSize()
	if err != nil {
		return err
	}
	if size > ctx.maxScriptSize {
		return fmt.Errorf("%w: %d byte script",
			descriptor.ErrResourceLimit, size)
	}

	return nil
}

func lower(n *Node, ctx scriptContext) (*descriptor.Node, error) {
	switch n.Kind {
	case KindKey:
		return descriptor.NewPk(descriptor.NewOpaqueKey(n.Key)), nil

	case KindAfter:
		return &descriptor.Node{
			Fragment: descriptor.FragAfter, Value: n.Value,
		}, nil

	case KindOlder:
		return &descriptor.Node{
			Fragment: descriptor.FragOlder, Value: n.Value,
		}, nil

	case KindAnd:
		x, err := lower(n.Children[0], ctx)
		if err != nil {
			return nil, err
		}
		y, err := lower(n.Children[1], ctx)
		if err != nil {
			return nil, err
		}

		return &descriptor.Node{
			Fragment: descriptor.FragAndV,
			Children: []*descriptor.Node{verify(x), y},
		}, nil

	case KindOr:
		x, err := lower(n.Children[0], ctx)
		if err != nil {
			return nil, err
		}
		z, err := lower(n.Children[1], ctx)
		if err != nil {
			return nil, err
		}

		props, err := x.Properties()
		if err != nil {
			return nil, err
		}

		frag := descriptor.FragOrI
		if props.Base == descriptor.BaseB && props.D && props.U {
			frag = descriptor.FragOrD
		}

		return &descriptor.Node{
			Fragment: frag,
			Children: []*descriptor.Node{x, z},
		}, nil

	case KindThresh:
		return lowerThresh(n, ctx)
	}

	return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, n.Kind)
}

// verify turns a B fragment into a V fragment. The verify is pushed into the
// last child of an and_v so nested ands stay flat.
func verify(n *descriptor.Node) *descriptor.Node {
	if n.Fragment == descriptor.FragAndV {
		return &descriptor.Node{
			Fragment: descriptor.FragAndV,
			Children: []*descriptor.Node{
				n.Children[0], verify(n.Children[1]),
			},
		}
	}

	return descriptor.Wrap(descriptor.FragWrapV, n)
}

func lowerThresh(n *Node, ctx scriptContext) (*descriptor.Node, error) {
	allKeys := true
	for _, child := range n.Children {
		allKeys = allKeys && child.IsKey()
	}

	if allKeys && len(n.Children) <= ctx.maxMultiKeys {
		node := &descriptor.Node{Fragment: descriptor.FragMulti, K: n.K}
		for _, child := range n.Children {
			node.Keys = append(node.Keys,
				descriptor.NewOpaqueKey(child.Key))
		}

		return node, nil
	}

	node := &descriptor.Node{Fragment: descriptor.FragThresh, K: n.K}
	for i, child := range n.Children {
		ms, err := lower(child, ctx)
		if err != nil {
			return nil, err
		}

		ms, err = dissatisfiable(ms)
		if err != nil {
			return nil, err
		}

		if i > 0 {
			ms, err = toW(ms)
			if err != nil {
				return nil, err
			}
		}

		node.Children = append(node.Children, ms)
	}

	return node, nil
}

// dissatisfiable wraps a B fragment so it has the d and u properties thresh
// requires of its children.
func dissatisfiable(n *descriptor.Node) (*descriptor.Node, error) {
	props, err := n.Properties()
	if err != nil {
		return nil, err
	}

	if !props.D {
		n = descriptor.Wrap(descriptor.FragWrapL, n)
		if props, err = n.Properties(); err != nil {
			return nil, err
		}
	}

	if !props.U {
		n = descriptor.Wrap(descriptor.FragWrapN, n)
	}

	return n, nil
}

// toW turns a B fragment into a W fragment, with a swap when it takes exactly
// one input and through the alt stack otherwise.
func toW(n *descriptor.Node) (*descriptor.Node, error) {
	props, err := n.Properties()
	if err != nil {
		return nil, err
	}

	if props.O {
		return descriptor.Wrap(descriptor.FragWrapS, n), nil
	}

	return descriptor.Wrap(descriptor.FragWrapA, n), nil
}
