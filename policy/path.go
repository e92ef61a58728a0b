package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

const (
	// lockTimeThreshold separates block height locktimes from timestamp
	// locktimes.
	lockTimeThreshold = 500_000_000

	// sequenceTypeFlag marks a relative locktime as time based.
	sequenceTypeFlag = 1 << 22
)

var (
	// ErrSpendingPolicyRequired is returned when a branch of the script
	// carries different timelocks than its siblings and the caller did not
	// choose between them.
	ErrSpendingPolicyRequired = errors.New("spending policy required")

	// ErrInvalidSelection is returned for a path entry that selects too few
	// children, an index out of range or the same child twice.
	ErrInvalidSelection = errors.New("invalid branch selection")

	// ErrMixedTimelocks is returned when the chosen branches combine a block
	// based and a time based lock of the same kind.
	ErrMixedTimelocks = errors.New("mixed height and time timelocks")
)

// Path selects, for every branching node of a script that needs a choice, the
// zero based indices of the children the spend goes through. Keys are node
// ids as returned by NodeID.
type Path map[string][]int

// ParsePath parses "ID:0,1" entries separated by semicolons.
func ParsePath(text string) (Path, error) {
	path := make(Path)
	for _, entry := range strings.Split(text, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, list, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return nil, errkind.Newf(errkind.InputError,
				"Invalid Policy Path %q", entry)
		}

		for _, field := range strings.Split(list, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				return nil, errkind.New(errkind.InputError,
					"Invalid Policy Path", err)
			}
			path[id] = append(path[id], idx)
		}
	}

	return path, nil
}

// String renders the path in the form ParsePath reads, ordered by id.
func (p Path) String() string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]string, len(ids))
	for i, id := range ids {
		idx := make([]string, len(p[id]))
		for j, v := range p[id] {
			idx[j] = strconv.Itoa(v)
		}
		entries[i] = id + ":" + strings.Join(idx, ",")
	}

	return strings.Join(entries, ";")
}

// Conditions are the timelocks a spend must carry. Zero means no lock of that
// kind.
type Conditions struct {
	// After is the absolute lock, a block height or a unix timestamp.
	After uint32

	// Older is the relative lock in BIP68 encoding.
	Older uint32
}

// IsZero reports whether the conditions carry no timelock.
func (c Conditions) IsZero() bool {
	return c.After == 0 && c.Older == 0
}

// String renders the conditions for display.
func (c Conditions) String() string {
	var parts []string
	if c.After != 0 {
		parts = append(parts, fmt.Sprintf("after(%d)", c.After))
	}
	if c.Older != 0 {
		parts = append(parts, fmt.Sprintf("older(%d)", c.Older))
	}
	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, ",")
}

// merge combines two sets of conditions into the set satisfying both.
func (c Conditions) merge(o Conditions) (Conditions, error) {
	after, err := mergeLock(c.After, o.After, func(v uint32) bool {
		return v < lockTimeThreshold
	})
	if err != nil {
		return Conditions{}, err
	}

	older, err := mergeLock(c.Older, o.Older, func(v uint32) bool {
		return v&sequenceTypeFlag == 0
	})
	if err != nil {
		return Conditions{}, err
	}

	return Conditions{After: after, Older: older}, nil
}

func mergeLock(a, b uint32, isHeight func(uint32) bool) (uint32, error) {
	switch {
	case a == 0:
		return b, nil
	case b == 0:
		return a, nil
	case isHeight(a) != isHeight(b):
		return 0, fmt.Errorf("%w: %d and %d", ErrMixedTimelocks, a, b)
	case a > b:
		return a, nil
	}

	return b, nil
}

// NodeID identifies a script fragment by the checksum of its public text.
// Identical sub-trees share an id and therefore a selection.
func NodeID(n *descriptor.Node) string {
	// Public fragment text only uses checksum charset characters.
	id, _ := descriptor.Checksum(n.PublicString())
	return id
}

// Branch is a node of the script that needs a path entry.
type Branch struct {
	// ID is the key of the node in a Path.
	ID string

	// Fragment is the public text of the node.
	Fragment string

	// Need is the number of children a selection must contain.
	Need int

	// Children are the conditions of each child, in script order.
	Children []Conditions
}

// resolver walks a script tree collecting the conditions of the chosen
// branches. In lenient mode missing entries are recorded instead of failing
// and the first child stands in for the choice.
type resolver struct {
	path     Path
	lenient  bool
	branches []Branch
}

func (r *resolver) conditions(n *descriptor.Node) (Conditions, error) {
	switch n.Fragment {
	case descriptor.FragAfter:
		return Conditions{After: n.Value}, nil

	case descriptor.FragOlder:
		return Conditions{Older: n.Value}, nil

	case descriptor.FragAndV, descriptor.FragAndB:
		var merged Conditions
		for _, child := range n.Children {
			c, err := r.conditions(child)
			if err != nil {
				return Conditions{}, err
			}

			merged, err = merged.merge(c)
			if err != nil {
				return Conditions{}, err
			}
		}

		return merged, nil

	case descriptor.FragOrB, descriptor.FragOrD, descriptor.FragOrI:
		return r.choose(n, 1)

	case descriptor.FragThresh:
		return r.choose(n, int(n.K))
	}

	if n.Fragment.IsWrapper() {
		return r.conditions(n.Children[0])
	}

	// Keys, multi and the constants carry no timelock.
	return Conditions{}, nil
}

// choose resolves a node satisfied by need of its children.
func (r *resolver) choose(n *descriptor.Node, need int) (Conditions, error) {
	children := make([]Conditions, len(n.Children))
	same := true
	for i, child := range n.Children {
		c, err := r.conditions(child)
		if err != nil {
			return Conditions{}, err
		}
		children[i] = c
		same = same && c == children[0]
	}

	id := NodeID(n)
	selection, ok := r.path[id]

	switch {
	case !ok && same:
		return children[0], nil

	case !ok && r.lenient:
		r.branches = append(r.branches, Branch{
			ID:       id,
			Fragment: n.PublicString(),
			Need:     need,
			Children: children,
		})

		return children[0], nil

	case !ok:
		return Conditions{}, errkind.New(errkind.InputError,
			"Spending Policy Required",
			fmt.Errorf("%w: node %s", ErrSpendingPolicyRequired, id))
	}

	if len(selection) < need {
		return Conditions{}, r.invalid(fmt.Errorf("%w: node %s needs %d "+
			"children, got %d", ErrInvalidSelection, id, need,
			len(selection)))
	}

	seen := make(map[int]bool, len(selection))
	var merged Conditions
	for _, idx := range selection {
		if idx < 0 || idx >= len(children) || seen[idx] {
			return Conditions{}, r.invalid(fmt.Errorf("%w: node %s "+
				"index %d", ErrInvalidSelection, id, idx))
		}
		seen[idx] = true

		var err error
		merged, err = merged.merge(children[idx])
		if err != nil {
			return Conditions{}, r.invalid(err)
		}
	}

	return merged, nil
}

func (r *resolver) invalid(err error) error {
	return errkind.New(errkind.InputError, "Invalid Policy Path", err)
}

// RequiresPath reports whether spending from the descriptor needs a policy
// path, and returns the id of the root of its script. Single key descriptors
// never need one and return the descriptor checksum as root id.
func RequiresPath(desc *descriptor.Descriptor) (bool, string) {
	ms := desc.Miniscript()
	if ms == nil {
		return false, desc.Checksum()
	}

	return len(Branches(desc)) > 0, NodeID(ms)
}

// Branches lists the nodes of the descriptor's script that need a path entry,
// in the order they are reached. Nodes below an unchosen branch are resolved
// as if the first child was taken.
func Branches(desc *descriptor.Descriptor) []Branch {
	ms := desc.Miniscript()
	if ms == nil {
		return nil
	}

	r := &resolver{lenient: true}

	// Lenient resolution still fails on mixed timelocks inside a single
	// branch, the branches found up to that point are returned.
	_, _ = r.conditions(ms)

	return r.branches
}

// ResolveConditions validates path against the descriptor's script and
// returns the timelocks the spending transaction must carry.
func ResolveConditions(desc *descriptor.Descriptor,
	path Path) (Conditions, error) {

	ms := desc.Miniscript()
	if ms == nil {
		return Conditions{}, nil
	}

	r := &resolver{path: path}
	conds, err := r.conditions(ms)
	if err != nil {
		return Conditions{}, errkind.Classify(errkind.InputError, err)
	}

	return conds, nil
}
