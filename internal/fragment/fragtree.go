package fragment

// FragTree records how a directory is known to be split. It starts as a single
// root fragment and learns splits from the fragments replicas actually serve.
// A FragTree is not safe for concurrent use.
type FragTree struct {
	splits map[FragmentID]uint8
}

func NewFragTree() *FragTree {
	return &FragTree{splits: make(map[FragmentID]uint8)}
}

// Split records that f is divided into 2^by children.
func (t *FragTree) Split(f FragmentID, by uint8) error {
	if by == 0 {
		return nil
	}
	if _, err := Make(f.Bits()+by, f.Value()); err != nil {
		return err
	}
	t.splits[f] = by
	return nil
}

// Choose returns the leaf fragment the tree believes contains value.
func (t *FragTree) Choose(value uint32) FragmentID {
	f := Root
	for {
		by, ok := t.splits[f]
		if !ok {
			return f
		}
		child, err := f.Child(by, value)
		if err != nil {
			return f
		}
		f = child
	}
}

// Learn records that leaf is a leaf of the directory: every ancestor on the
// path to it is split toward it and nothing below it is split.
func (t *FragTree) Learn(leaf FragmentID) {
	f := Root
	for f.Bits() < leaf.Bits() {
		by, ok := t.splits[f]
		if !ok || f.Bits()+by > leaf.Bits() {
			t.splits[f] = leaf.Bits() - f.Bits()
			break
		}
		child, err := f.Child(by, leaf.Value())
		if err != nil {
			break
		}
		f = child
	}
	for k := range t.splits {
		if leaf.ContainsFragment(k) {
			delete(t.splits, k)
		}
	}
}

// Leaves returns the leaf fragments in hash order.
func (t *FragTree) Leaves() []FragmentID {
	var out []FragmentID
	var walk func(f FragmentID)
	walk = func(f FragmentID) {
		by, ok := t.splits[f]
		if !ok {
			out = append(out, f)
			return
		}
		child, err := Make(f.Bits()+by, f.Value())
		if err != nil {
			out = append(out, f)
			return
		}
		for {
			walk(child)
			next, err := child.Next()
			if err != nil || !f.ContainsFragment(next) {
				return
			}
			child = next
		}
	}
	walk(Root)
	return out
}
