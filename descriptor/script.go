package descriptor

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// MaxOpsPerScript is the consensus limit of non-push opcodes.
	MaxOpsPerScript = 201

	// MaxP2SHScriptSize is the largest redeem script a P2SH output can
	// commit to.
	MaxP2SHScriptSize = 520

	// MaxP2WSHScriptSize is the standardness limit of witness scripts.
	MaxP2WSHScriptSize = 3600

	// MaxLegacyMultiKeys is the largest multi fragment allowed outside of
	// segwit.
	MaxLegacyMultiKeys = 15
)

// ErrResourceLimit is returned when a script exceeds a size or opcode limit
// of the context it is used in.
var ErrResourceLimit = errors.New("script exceeds resource limits")

// dummyKey sizes scripts that only carry opaque key text. It is the
// compressed secp256k1 generator point.
var dummyKey, _ = hex.DecodeString(
	"0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798",
)

// KeyResolver maps a key expression to the 33-byte public key placed in a
// script.
type KeyResolver func(*Key) ([]byte, error)

// DummyResolver resolves every key to the same placeholder key. Scripts built
// with it have the size and shape of the real script.
func DummyResolver(*Key) ([]byte, error) {
	return dummyKey, nil
}

// DeriveResolver returns a resolver that derives every key at index. Opaque
// keys resolve to the placeholder key.
func DeriveResolver(index uint32) KeyResolver {
	return func(k *Key) ([]byte, error) {
		if k.IsOpaque() {
			return dummyKey, nil
		}

		derived, err := k.Derive(index)
		if err != nil {
			return nil, err
		}

		return derived.PubKey.SerializeCompressed(), nil
	}
}

type opKind uint8

const (
	opCode opKind = iota
	opData
	opInt
)

// scriptOp is a single element of a script under construction.
type scriptOp struct {
	kind   opKind
	opcode byte
	data   []byte
	num    int64

	// keys is the key count consumed by a CHECKMULTISIG, which counts
	// towards the opcode limit.
	keys int
}

func code(c byte) scriptOp {
	return scriptOp{kind: opCode, opcode: c}
}

func data(d []byte) scriptOp {
	return scriptOp{kind: opData, data: d}
}

func num(n int64) scriptOp {
	return scriptOp{kind: opInt, num: n}
}

// verifyForms maps opcodes to their VERIFY variant.
var verifyForms = map[byte]byte{
	txscript.OP_CHECKSIG:      txscript.OP_CHECKSIGVERIFY,
	txscript.OP_CHECKMULTISIG: txscript.OP_CHECKMULTISIGVERIFY,
	txscript.OP_EQUAL:         txscript.OP_EQUALVERIFY,
	txscript.OP_NUMEQUAL:      txscript.OP_NUMEQUALVERIFY,
}

// multiKeys returns the resolved keys of a multi fragment in script order.
func (n *Node) multiKeys(resolve KeyResolver) ([][]byte, error) {
	keys := make([][]byte, 0, len(n.Keys))
	for _, key := range n.Keys {
		pub, err := resolve(key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, pub)
	}

	if n.Fragment == FragSortedMulti {
		sort.Slice(keys, func(i, j int) bool {
			return bytes.Compare(keys[i], keys[j]) < 0
		})
	}

	return keys, nil
}

// ops compiles the node into its script elements.
func (n *Node) ops(resolve KeyResolver) ([]scriptOp, error) {
	var children [][]scriptOp
	for _, child := range n.Children {
		childOps, err := child.ops(resolve)
		if err != nil {
			return nil, err
		}
		children = append(children, childOps)
	}

	join := func(parts ...[]scriptOp) []scriptOp {
		var out []scriptOp
		for _, part := range parts {
			out = append(out, part...)
		}

		return out
	}

	switch n.Fragment {
	case FragFalse:
		return []scriptOp{code(txscript.OP_0)}, nil

	case FragTrue:
		return []scriptOp{code(txscript.OP_1)}, nil

	case FragPkK:
		pub, err := resolve(n.Keys[0])
		if err != nil {
			return nil, err
		}

		return []scriptOp{data(pub)}, nil

	case FragPkH:
		pub, err := resolve(n.Keys[0])
		if err != nil {
			return nil, err
		}

		return []scriptOp{
			code(txscript.OP_DUP),
			code(txscript.OP_HASH160),
			data(btcutil.Hash160(pub)),
			code(txscript.OP_EQUALVERIFY),
		}, nil

	case FragOlder:
		return []scriptOp{
			num(int64(n.Value)),
			code(txscript.OP_CHECKSEQUENCEVERIFY),
		}, nil

	case FragAfter:
		return []scriptOp{
			num(int64(n.Value)),
			code(txscript.OP_CHECKLOCKTIMEVERIFY),
		}, nil

	case FragMulti, FragSortedMulti:
		keys, err := n.multiKeys(resolve)
		if err != nil {
			return nil, err
		}

		out := []scriptOp{num(int64(n.K))}
		for _, key := range keys {
			out = append(out, data(key))
		}

		checkOp := code(txscript.OP_CHECKMULTISIG)
		checkOp.keys = len(keys)

		return append(out, num(int64(len(keys))), checkOp), nil

	case FragAndV:
		return join(children[0], children[1]), nil

	case FragAndB:
		return join(children[0], children[1],
			[]scriptOp{code(txscript.OP_BOOLAND)}), nil

	case FragOrB:
		return join(children[0], children[1],
			[]scriptOp{code(txscript.OP_BOOLOR)}), nil

	case FragOrD:
		return join(
			children[0],
			[]scriptOp{code(txscript.OP_IFDUP), code(txscript.OP_NOTIF)},
			children[1],
			[]scriptOp{code(txscript.OP_ENDIF)},
		), nil

	case FragOrI:
		return join(
			[]scriptOp{code(txscript.OP_IF)},
			children[0],
			[]scriptOp{code(txscript.OP_ELSE)},
			children[1],
			[]scriptOp{code(txscript.OP_ENDIF)},
		), nil

	case FragThresh:
		out := append([]scriptOp{}, children[0]...)
		for _, child := range children[1:] {
			out = append(out, child...)
			out = append(out, code(txscript.OP_ADD))
		}

		return append(out, num(int64(n.K)), code(txscript.OP_EQUAL)), nil

	case FragWrapA:
		return join(
			[]scriptOp{code(txscript.OP_TOALTSTACK)},
			children[0],
			[]scriptOp{code(txscript.OP_FROMALTSTACK)},
		), nil

	case FragWrapS:
		return join([]scriptOp{code(txscript.OP_SWAP)}, children[0]), nil

	case FragWrapC:
		return join(children[0],
			[]scriptOp{code(txscript.OP_CHECKSIG)}), nil

	case FragWrapV:
		out := append([]scriptOp{}, children[0]...)
		last := out[len(out)-1]
		if last.kind == opCode {
			if verify, ok := verifyForms[last.opcode]; ok {
				last.opcode = verify
				out[len(out)-1] = last

				return out, nil
			}
		}

		return append(out, code(txscript.OP_VERIFY)), nil

	case FragWrapN:
		return join(children[0],
			[]scriptOp{code(txscript.OP_0NOTEQUAL)}), nil

	case FragWrapT:
		return join(children[0], []scriptOp{code(txscript.OP_1)}), nil

	case FragWrapL:
		return join(
			[]scriptOp{
				code(txscript.OP_IF), code(txscript.OP_0),
				code(txscript.OP_ELSE),
			},
			children[0],
			[]scriptOp{code(txscript.OP_ENDIF)},
		), nil

	case FragWrapU:
		return join(
			[]scriptOp{code(txscript.OP_IF)},
			children[0],
			[]scriptOp{
				code(txscript.OP_ELSE), code(txscript.OP_0),
				code(txscript.OP_ENDIF),
			},
		), nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownFragment, n.Fragment)
}

// Script assembles the script of the node with keys resolved by resolve.
func (n *Node) Script(resolve KeyResolver) ([]byte, error) {
	ops, err := n.ops(resolve)
	if err != nil {
		return nil, err
	}

	bldr := txscript.NewScriptBuilder()
	for _, op := range ops {
		switch op.kind {
		case opCode:
			bldr.AddOp(op.opcode)
		case opData:
			bldr.AddData(op.data)
		case opInt:
			bldr.AddInt64(op.num)
		}
	}

	return bldr.Script()
}

// OpCount returns the number of non-push opcodes of the script, counting the
// keys of every CHECKMULTISIG as well.
func (n *Node) OpCount() (int, error) {
	ops, err := n.ops(DummyResolver)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, op := range ops {
		if op.kind != opCode || op.opcode <= txscript.OP_16 {
			continue
		}

		count++
		count += op.keys
	}

	return count, nil
}

// ScriptSize returns the length of the script.
func (n *Node) ScriptSize() (int, error) {
	script, err := n.Script(DummyResolver)
	if err != nil {
		return 0, err
	}

	return len(script), nil
}

// checkLimits validates the node against the opcode and script size limits
// of a context. Legacy contexts also cap multi at 15 keys.
func (n *Node) checkLimits(maxScriptSize int, legacy bool) error {
	if legacy {
		var err error
		n.Walk(func(node *Node) {
			isMulti := node.Fragment == FragMulti ||
				node.Fragment == FragSortedMulti
			if err == nil && isMulti &&
				len(node.Keys) > MaxLegacyMultiKeys {

				err = fmt.Errorf("%w: multi with %d keys",
					ErrResourceLimit, len(node.Keys))
			}
		})
		if err != nil {
			return err
		}
	}

	ops, err := n.OpCount()
	if err != nil {
		return err
	}
	if ops > MaxOpsPerScript {
		return fmt.Errorf("%w: %d opcodes", ErrResourceLimit, ops)
	}

	size, err := n.ScriptSize()
	if err != nil {
		return err
	}
	if size > maxScriptSize {
		return fmt.Errorf("%w: %d byte script", ErrResourceLimit, size)
	}

	return nil
}
