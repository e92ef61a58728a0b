package descriptor

import (
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

const (
	// lockTimeThreshold separates block height locktimes from timestamp
	// locktimes.
	lockTimeThreshold = 500_000_000

	// sequenceDisableFlag turns off relative locktime checks for an input.
	sequenceDisableFlag = 1 << 31

	// sequenceTypeFlag marks a relative locktime as time based.
	sequenceTypeFlag = 1 << 22

	// sequenceLockMask extracts the relative locktime value.
	sequenceLockMask = 0x0000ffff

	// maxSigLen is the largest DER signature plus sighash byte.
	maxSigLen = 72

	// maxSchnorrSigLen is a schnorr signature plus a sighash byte.
	maxSchnorrSigLen = 65
)

// Satisfier provides the signatures and timelock answers a satisfaction
// needs.
type Satisfier interface {
	// Signature returns the signature for the 33-byte public key.
	Signature(pubKey []byte) ([]byte, bool)

	// TaprootKeySpendSig returns the key path signature of a taproot
	// output.
	TaprootKeySpendSig() ([]byte, bool)

	// CheckAfter reports whether an after(value) fragment is satisfied.
	CheckAfter(value uint32) bool

	// CheckOlder reports whether an older(value) fragment is satisfied.
	CheckOlder(value uint32) bool
}

// TxSatisfier answers satisfaction queries from the signatures collected for
// one input and the transaction fields that input is spent with.
type TxSatisfier struct {
	// Sigs maps hex encoded compressed public keys to signatures.
	Sigs map[string][]byte

	// TaprootSig is the key path signature of a taproot input.
	TaprootSig []byte

	LockTime  uint32
	Sequence  uint32
	TxVersion int32
}

// A compile time check to ensure TxSatisfier implements Satisfier.
var _ Satisfier = (*TxSatisfier)(nil)

// Signature returns the collected signature of the key.
func (s *TxSatisfier) Signature(pubKey []byte) ([]byte, bool) {
	sig, ok := s.Sigs[hex.EncodeToString(pubKey)]
	return sig, ok
}

// TaprootKeySpendSig returns the key path signature, if any.
func (s *TxSatisfier) TaprootKeySpendSig() ([]byte, bool) {
	return s.TaprootSig, len(s.TaprootSig) > 0
}

// CheckAfter applies the CHECKLOCKTIMEVERIFY rules.
func (s *TxSatisfier) CheckAfter(value uint32) bool {
	if (value < lockTimeThreshold) != (s.LockTime < lockTimeThreshold) {
		return false
	}

	return s.LockTime >= value && s.Sequence != wire.MaxTxInSequenceNum
}

// CheckOlder applies the CHECKSEQUENCEVERIFY rules.
func (s *TxSatisfier) CheckOlder(value uint32) bool {
	if s.TxVersion < 2 || s.Sequence&sequenceDisableFlag != 0 {
		return false
	}

	if (value & sequenceTypeFlag) != (s.Sequence & sequenceTypeFlag) {
		return false
	}

	return s.Sequence&sequenceLockMask >= value&sequenceLockMask
}

// maxSatisfier answers every query with the largest possible element, so
// satisfying with it in max mode yields the worst case witness.
type maxSatisfier struct{}

func (maxSatisfier) Signature([]byte) ([]byte, bool) {
	return make([]byte, maxSigLen), true
}

func (maxSatisfier) TaprootKeySpendSig() ([]byte, bool) {
	return make([]byte, maxSchnorrSigLen), true
}

func (maxSatisfier) CheckAfter(uint32) bool { return true }

func (maxSatisfier) CheckOlder(uint32) bool { return true }

// witness is a candidate stack, bottom element first.
type witness struct {
	stack [][]byte
	ok    bool
}

var (
	unavailable = witness{}
	emptyStack  = witness{ok: true}
	zeroPush    = []byte{}
	onePush     = []byte{1}
)

func push(elems ...[]byte) witness {
	return witness{stack: elems, ok: true}
}

// then places w on top of the receiver.
func (w witness) then(top witness) witness {
	if !w.ok || !top.ok {
		return unavailable
	}

	stack := make([][]byte, 0, len(w.stack)+len(top.stack))
	stack = append(stack, w.stack...)
	stack = append(stack, top.stack...)

	return witness{stack: stack, ok: true}
}

// size is the serialized witness size of the stack elements.
func (w witness) size() int {
	total := 0
	for _, elem := range w.stack {
		total += wire.VarIntSerializeSize(uint64(len(elem))) + len(elem)
	}

	return total
}

// satisfier drives the satisfaction algebra. In max mode the larger of two
// alternatives is chosen so the result bounds every real satisfaction.
type satisfier struct {
	sat     Satisfier
	resolve KeyResolver
	max     bool
}

func (s *satisfier) pick(a, b witness) witness {
	switch {
	case !a.ok:
		return b
	case !b.ok:
		return a
	case s.max && b.size() > a.size():
		return b
	case !s.max && b.size() < a.size():
		return b
	}

	return a
}

// satisfy returns the satisfaction and dissatisfaction of the node.
func (s *satisfier) satisfy(n *Node) (witness, witness, error) {
	children := make([][2]witness, len(n.Children))
	for i, child := range n.Children {
		sat, dissat, err := s.satisfy(child)
		if err != nil {
			return unavailable, unavailable, err
		}
		children[i] = [2]witness{sat, dissat}
	}

	switch n.Fragment {
	case FragFalse:
		return unavailable, emptyStack, nil

	case FragTrue:
		return emptyStack, unavailable, nil

	case FragPkK:
		pub, err := s.resolve(n.Keys[0])
		if err != nil {
			return unavailable, unavailable, err
		}

		sat := unavailable
		if sig, ok := s.sat.Signature(pub); ok {
			sat = push(sig)
		}

		return sat, push(zeroPush), nil

	case FragPkH:
		pub, err := s.resolve(n.Keys[0])
		if err != nil {
			return unavailable, unavailable, err
		}

		sat := unavailable
		if sig, ok := s.sat.Signature(pub); ok {
			sat = push(sig, pub)
		}

		return sat, push(zeroPush, pub), nil

	case FragOlder:
		if s.sat.CheckOlder(n.Value) {
			return emptyStack, unavailable, nil
		}

		return unavailable, unavailable, nil

	case FragAfter:
		if s.sat.CheckAfter(n.Value) {
			return emptyStack, unavailable, nil
		}

		return unavailable, unavailable, nil

	case FragMulti, FragSortedMulti:
		return s.satisfyMulti(n)

	case FragAndV:
		x, y := children[0], children[1]
		return y[0].then(x[0]), unavailable, nil

	case FragAndB:
		x, y := children[0], children[1]
		return y[0].then(x[0]), y[1].then(x[1]), nil

	case FragOrB:
		x, z := children[0], children[1]
		sat := s.pick(z[1].then(x[0]), z[0].then(x[1]))

		return sat, z[1].then(x[1]), nil

	case FragOrD:
		x, z := children[0], children[1]
		sat := s.pick(x[0], z[0].then(x[1]))

		return sat, z[1].then(x[1]), nil

	case FragOrI:
		x, z := children[0], children[1]
		sat := s.pick(x[0].then(push(onePush)), z[0].then(push(zeroPush)))
		dissat := s.pick(
			x[1].then(push(onePush)), z[1].then(push(zeroPush)),
		)

		return sat, dissat, nil

	case FragThresh:
		return s.satisfyThresh(n.K, children), unsatisfiedThresh(children),
			nil

	case FragWrapA, FragWrapS, FragWrapC, FragWrapN:
		return children[0][0], children[0][1], nil

	case FragWrapV, FragWrapT:
		return children[0][0], unavailable, nil

	case FragWrapL:
		x := children[0]
		dissat := s.pick(push(onePush), x[1].then(push(zeroPush)))

		return x[0].then(push(zeroPush)), dissat, nil

	case FragWrapU:
		x := children[0]
		dissat := s.pick(x[1].then(push(onePush)), push(zeroPush))

		return x[0].then(push(onePush)), dissat, nil
	}

	return unavailable, unavailable, ErrUnknownFragment
}

// satisfyMulti collects k signatures in key order behind the extra element
// CHECKMULTISIG pops.
func (s *satisfier) satisfyMulti(n *Node) (witness, witness, error) {
	keys, err := n.multiKeys(s.resolve)
	if err != nil {
		return unavailable, unavailable, err
	}

	dissat := push(zeroPush)
	for i := uint32(0); i < n.K; i++ {
		dissat = dissat.then(push(zeroPush))
	}

	sat := push(zeroPush)
	count := uint32(0)
	for _, key := range keys {
		if count == n.K {
			break
		}

		if sig, ok := s.sat.Signature(key); ok {
			sat = sat.then(push(sig))
			count++
		}
	}

	if count < n.K {
		sat = unavailable
	}

	return sat, dissat, nil
}

// satisfyThresh satisfies exactly k children and dissatisfies the rest.
// Children without a dissatisfaction must be satisfied, the remaining picks go
// to the children whose satisfaction costs least over their dissatisfaction.
func (s *satisfier) satisfyThresh(k uint32,
	children [][2]witness) witness {

	chosen := make([]bool, len(children))
	var optional []int
	picked := uint32(0)

	for i, child := range children {
		switch {
		case !child[1].ok:
			if !child[0].ok {
				return unavailable
			}
			chosen[i] = true
			picked++

		case child[0].ok:
			optional = append(optional, i)
		}
	}

	if picked > k || picked+uint32(len(optional)) < k {
		return unavailable
	}

	sort.SliceStable(optional, func(a, b int) bool {
		ca, cb := children[optional[a]], children[optional[b]]
		da := ca[0].size() - ca[1].size()
		db := cb[0].size() - cb[1].size()
		if s.max {
			return da > db
		}

		return da < db
	})

	for _, i := range optional[:k-picked] {
		chosen[i] = true
	}

	// The first child runs first, so its witness goes on top.
	result := emptyStack
	for i := len(children) - 1; i >= 0; i-- {
		if chosen[i] {
			result = result.then(children[i][0])
		} else {
			result = result.then(children[i][1])
		}
	}

	return result
}

func unsatisfiedThresh(children [][2]witness) witness {
	result := emptyStack
	for i := len(children) - 1; i >= 0; i-- {
		result = result.then(children[i][1])
	}

	return result
}

// legacySize is the scriptSig size of the stack when every element is pushed
// with the smallest push. Empty and single byte 1 elements are OP_0 and OP_1.
func legacySize(stack [][]byte) int {
	total := 0
	for _, elem := range stack {
		total += pushSize(elem)
	}

	return total
}

func pushSize(elem []byte) int {
	switch {
	case len(elem) == 0:
		return 1
	case len(elem) == 1 && elem[0] >= 1 && elem[0] <= 16:
		return 1
	case len(elem) < 0x4c:
		return 1 + len(elem)
	case len(elem) <= 0xff:
		return 2 + len(elem)
	case len(elem) <= 0xffff:
		return 3 + len(elem)
	}

	return 5 + len(elem)
}
