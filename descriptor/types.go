package descriptor

import "fmt"

// BaseType is the basic miniscript type of a fragment.
type BaseType uint8

const (
	// BaseB fragments push a nonzero value on satisfaction and an exact
	// zero on dissatisfaction.
	BaseB BaseType = iota

	// BaseV fragments push nothing and abort on failure.
	BaseV

	// BaseK fragments push a public key for a following CHECKSIG.
	BaseK

	// BaseW fragments take their input from one below the stack top.
	BaseW
)

// String returns the single letter name of the type.
func (b BaseType) String() string {
	switch b {
	case BaseB:
		return "B"
	case BaseV:
		return "V"
	case BaseK:
		return "K"
	case BaseW:
		return "W"
	}

	return "?"
}

// Properties is the type of a fragment: its base type plus the z, o, n, d
// and u properties.
type Properties struct {
	Base BaseType

	// Z means the fragment consumes exactly zero stack elements.
	Z bool

	// O means the fragment consumes exactly one stack element.
	O bool

	// N means the fragment's satisfaction never needs a zero top element.
	N bool

	// D means a dissatisfaction exists.
	D bool

	// U means a satisfaction leaves exactly 1 on the stack.
	U bool
}

// String renders the type like "Bondu".
func (p Properties) String() string {
	s := p.Base.String()
	for _, f := range []struct {
		set    bool
		letter string
	}{{p.Z, "z"}, {p.O, "o"}, {p.N, "n"}, {p.D, "d"}, {p.U, "u"}} {
		if f.set {
			s += f.letter
		}
	}

	return s
}

func typeErr(n *Node, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrTypeCheck, n.Fragment,
		fmt.Sprintf(format, args...))
}

// Properties type checks the subtree and returns the type of the node.
func (n *Node) Properties() (Properties, error) {
	if err := n.checkArity(); err != nil {
		return Properties{}, err
	}

	children := make([]Properties, len(n.Children))
	for i, child := range n.Children {
		props, err := child.Properties()
		if err != nil {
			return Properties{}, err
		}
		children[i] = props
	}

	switch n.Fragment {
	case FragFalse:
		return Properties{Base: BaseB, Z: true, U: true, D: true}, nil

	case FragTrue:
		return Properties{Base: BaseB, Z: true, U: true}, nil

	case FragPkK:
		if len(n.Keys) != 1 {
			return Properties{}, typeErr(n, "needs one key")
		}

		return Properties{Base: BaseK, O: true, N: true, D: true,
			U: true}, nil

	case FragPkH:
		if len(n.Keys) != 1 {
			return Properties{}, typeErr(n, "needs one key")
		}

		return Properties{Base: BaseK, N: true, D: true, U: true}, nil

	case FragOlder, FragAfter:
		if n.Value == 0 || n.Value > maxLockValue {
			return Properties{}, typeErr(n, "value %d out of range",
				n.Value)
		}

		return Properties{Base: BaseB, Z: true}, nil

	case FragMulti, FragSortedMulti:
		if n.K == 0 || int(n.K) > len(n.Keys) ||
			len(n.Keys) > MaxMultiKeys {

			return Properties{}, typeErr(n, "%d of %d keys", n.K,
				len(n.Keys))
		}

		return Properties{Base: BaseB, N: true, D: true, U: true}, nil

	case FragAndV:
		x, y := children[0], children[1]
		if x.Base != BaseV || y.Base == BaseW {
			return Properties{}, typeErr(n, "got %s and %s", x, y)
		}

		return Properties{
			Base: y.Base,
			Z:    x.Z && y.Z,
			O:    (x.Z && y.O) || (x.O && y.Z),
			N:    x.N || (x.Z && y.N),
			U:    y.U,
		}, nil

	case FragAndB:
		x, y := children[0], children[1]
		if x.Base != BaseB || y.Base != BaseW {
			return Properties{}, typeErr(n, "got %s and %s", x, y)
		}

		return Properties{
			Base: BaseB,
			Z:    x.Z && y.Z,
			O:    (x.Z && y.O) || (x.O && y.Z),
			N:    x.N || (x.Z && y.N),
			D:    x.D && y.D,
			U:    true,
		}, nil

	case FragOrB:
		x, z := children[0], children[1]
		if x.Base != BaseB || !x.D || z.Base != BaseW || !z.D {
			return Properties{}, typeErr(n, "got %s and %s", x, z)
		}

		return Properties{
			Base: BaseB,
			Z:    x.Z && z.Z,
			O:    (x.Z && z.O) || (x.O && z.Z),
			D:    true,
			U:    true,
		}, nil

	case FragOrD:
		x, z := children[0], children[1]
		if x.Base != BaseB || !x.D || !x.U || z.Base != BaseB {
			return Properties{}, typeErr(n, "got %s and %s", x, z)
		}

		return Properties{
			Base: BaseB,
			Z:    x.Z && z.Z,
			O:    x.O && z.Z,
			D:    z.D,
			U:    z.U,
		}, nil

	case FragOrI:
		x, z := children[0], children[1]
		if x.Base != z.Base || x.Base == BaseW {
			return Properties{}, typeErr(n, "got %s and %s", x, z)
		}

		return Properties{
			Base: x.Base,
			O:    x.Z && z.Z,
			D:    x.D || z.D,
			U:    x.U && z.U,
		}, nil

	case FragThresh:
		if n.K == 0 || int(n.K) > len(children) {
			return Properties{}, typeErr(n, "%d of %d", n.K,
				len(children))
		}

		allZ, zeroCount, oneCount := true, 0, 0
		for i, c := range children {
			want := BaseW
			if i == 0 {
				want = BaseB
			}
			if c.Base != want || !c.D || !c.U {
				return Properties{}, typeErr(n, "child %d is %s",
					i, c)
			}

			allZ = allZ && c.Z
			switch {
			case c.Z:
				zeroCount++
			case c.O:
				oneCount++
			}
		}

		return Properties{
			Base: BaseB,
			Z:    allZ,
			O:    oneCount == 1 && zeroCount == len(children)-1,
			D:    true,
			U:    true,
		}, nil

	case FragWrapA:
		x := children[0]
		if x.Base != BaseB {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseW, D: x.D, U: x.U}, nil

	case FragWrapS:
		x := children[0]
		if x.Base != BaseB || !x.O {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseW, D: x.D, U: x.U}, nil

	case FragWrapC:
		x := children[0]
		if x.Base != BaseK {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseB, O: x.O, N: x.N, D: x.D,
			U: true}, nil

	case FragWrapV:
		x := children[0]
		if x.Base != BaseB {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseV, Z: x.Z, O: x.O, N: x.N}, nil

	case FragWrapN:
		x := children[0]
		if x.Base != BaseB {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseB, Z: x.Z, O: x.O, N: x.N, D: x.D,
			U: true}, nil

	case FragWrapT:
		x := children[0]
		if x.Base != BaseV {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseB, Z: x.Z, O: x.O, N: x.N,
			U: true}, nil

	case FragWrapL, FragWrapU:
		x := children[0]
		if x.Base != BaseB {
			return Properties{}, typeErr(n, "got %s", x)
		}

		return Properties{Base: BaseB, O: x.Z, D: true, U: x.U}, nil
	}

	return Properties{}, fmt.Errorf("%w: %d", ErrUnknownFragment,
		n.Fragment)
}

// checkArity makes sure hand built trees carry the number of children their
// fragment expects.
func (n *Node) checkArity() error {
	want := 0
	switch {
	case n.Fragment.IsWrapper():
		want = 1
	case n.Fragment == FragAndV, n.Fragment == FragAndB,
		n.Fragment == FragOrB, n.Fragment == FragOrD,
		n.Fragment == FragOrI:

		want = 2
	case n.Fragment == FragThresh:
		if len(n.Children) == 0 {
			return typeErr(n, "no sub-fragments")
		}

		return nil
	}

	if len(n.Children) != want {
		return typeErr(n, "expected %d sub-fragments, got %d", want,
			len(n.Children))
	}

	return nil
}
