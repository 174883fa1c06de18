package catpt

import (
	"fmt"
	"iter"
	"slices"
)

// ResourceFlag describes a region of a Tree.
type ResourceFlag uint32

// Resource flags.
const (
	IORESOURCE_MEM  ResourceFlag = 0x00000200
	IORESOURCE_BUSY ResourceFlag = 0x80000000
)

// Region is a handle to a node of a Tree. The zero Region refers to nothing.
type Region struct {
	idx uint32
	gen uint32
}

// IsValid reports whether r was ever returned by a Tree.
// A released region stays non-zero but is no longer found by its Tree.
func (r Region) IsValid() bool {
	return r.gen != 0
}

const noParent = -1

type resNode struct {
	start    uint64
	end      uint64
	flags    ResourceFlag
	parent   int
	children []uint32 // address ordered
	gen      uint32
	live     bool
}

// Tree is an address-ordered interval allocator with nested regions.
// Nodes are kept in an arena and addressed by Region handles; a node owns its list of
// children and refers to its parent by index.
// A Tree is not safe for concurrent use.
type Tree struct {
	nodes []resNode
	free  []uint32
}

// Init adds a root covering [start, start+size) and returns it.
func (t *Tree) Init(start, size uint64) (Region, error) {
	if size == 0 || start+size-1 < start {
		return Region{}, fmt.Errorf("root [%#x+%#x]: %w", start, size, ErrInvalidParameter)
	}

	return t.alloc(start, start+size-1, IORESOURCE_MEM, noParent), nil
}

func (t *Tree) alloc(start, end uint64, flags ResourceFlag, parent int) Region {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.nodes))
		t.nodes = append(t.nodes, resNode{gen: 1})
	}

	node := &t.nodes[idx]
	node.start = start
	node.end = end
	node.flags = flags
	node.parent = parent
	node.children = node.children[:0]
	node.live = true

	return Region{idx: idx, gen: node.gen}
}

func (t *Tree) lookup(r Region) (*resNode, bool) {
	if !r.IsValid() || int(r.idx) >= len(t.nodes) {
		return nil, false
	}

	node := &t.nodes[r.idx]
	if !node.live || node.gen != r.gen {
		return nil, false
	}

	return node, true
}

func (t *Tree) handle(idx uint32) Region {
	return Region{idx: idx, gen: t.nodes[idx].gen}
}

// Start returns the first address of r, or 0 if r is not live.
func (t *Tree) Start(r Region) uint64 {
	if node, ok := t.lookup(r); ok {
		return node.start
	}

	return 0
}

// End returns the last address of r, or 0 if r is not live.
func (t *Tree) End(r Region) uint64 {
	if node, ok := t.lookup(r); ok {
		return node.end
	}

	return 0
}

// Size returns end - start + 1, or 0 if r is not live.
func (t *Tree) Size(r Region) uint64 {
	if node, ok := t.lookup(r); ok {
		return node.end - node.start + 1
	}

	return 0
}

// Flags returns the flags of r.
func (t *Tree) Flags(r Region) ResourceFlag {
	if node, ok := t.lookup(r); ok {
		return node.flags
	}

	return 0
}

// Live reports whether r is currently part of t.
func (t *Tree) Live(r Region) bool {
	_, ok := t.lookup(r)

	return ok
}

// Children iterates over the direct children of r in address order.
// The set is captured when iteration starts, so the loop body may release them.
func (t *Tree) Children(r Region) iter.Seq[Region] {
	return func(yield func(Region) bool) {
		node, ok := t.lookup(r)
		if !ok {
			return
		}

		for _, idx := range slices.Clone(node.children) {
			if !yield(t.handle(idx)) {
				return
			}
		}
	}
}

// insert links [start, end] under parent in address order. It returns the index of the
// first sibling overlapping the range, or -1 and the new node on success.
func (t *Tree) insert(parent uint32, start, end uint64, flags ResourceFlag) (int, Region) {
	p := &t.nodes[parent]

	pos := len(p.children)
	for i, idx := range p.children {
		sib := &t.nodes[idx]
		if sib.start > end {
			pos = i
			break
		}

		if sib.end >= start {
			return int(idx), Region{}
		}
	}

	r := t.alloc(start, end, flags, int(parent))

	p = &t.nodes[parent]
	p.children = slices.Insert(p.children, pos, r.idx)

	return -1, r
}

// Request reserves [start, start+size) under parent and marks it busy.
// A range overlapping a region that is not busy is placed inside that region instead.
// A range overlapping a busy region fails with a *ConflictError.
func (t *Tree) Request(parent Region, start, size uint64, flags ResourceFlag) (Region, error) {
	if size == 0 || start+size-1 < start {
		return Region{}, fmt.Errorf("request [%#x+%#x]: %w", start, size, ErrInvalidParameter)
	}

	end := start + size - 1

	if _, ok := t.lookup(parent); !ok {
		return Region{}, fmt.Errorf("request [%#x-%#x]: parent: %w", start, end, ErrNotFound)
	}

	pidx := parent.idx
	for {
		p := &t.nodes[pidx]
		if start < p.start || end > p.end {
			if p.parent != noParent {
				return Region{}, &ConflictError{Region: t.handle(pidx), Start: p.start, End: p.end}
			}

			return Region{}, fmt.Errorf("request [%#x-%#x] outside [%#x-%#x]: %w", start, end, p.start, p.end, ErrInvalidParameter)
		}

		conflict, r := t.insert(pidx, start, end, flags|IORESOURCE_BUSY)
		if conflict < 0 {
			return r, nil
		}

		c := &t.nodes[conflict]
		if c.flags&IORESOURCE_BUSY != 0 {
			return Region{}, &ConflictError{Region: t.handle(uint32(conflict)), Start: c.start, End: c.end}
		}

		pidx = uint32(conflict)
	}
}

// RequestFirstFit reserves the lowest-addressed free gap of size bytes directly under root.
// It returns false if no gap is large enough.
func (t *Tree) RequestFirstFit(root Region, size uint64) (Region, bool) {
	p, ok := t.lookup(root)
	if !ok || size == 0 {
		return Region{}, false
	}

	addr := p.start
	found := false
	for _, idx := range p.children {
		sib := &t.nodes[idx]
		if sib.start > addr && sib.start-addr >= size {
			found = true
			break
		}

		if sib.end >= addr {
			if sib.end == ^uint64(0) {
				return Region{}, false
			}
			addr = sib.end + 1
		}
	}

	if !found && (addr > p.end || p.end-addr+1 < size) {
		return Region{}, false
	}

	r, err := t.Request(root, addr, size, 0)
	if err != nil {
		return Region{}, false
	}

	return r, true
}

// Release unlinks r from its parent. Regions nested inside r are not released: while r has any,
// Release fails with ErrDeviceBusy. It fails with ErrNotFound if r is not a direct child of its
// recorded parent.
func (t *Tree) Release(r Region) error {
	node, ok := t.lookup(r)
	if !ok || node.parent == noParent {
		return fmt.Errorf("release region: %w", ErrNotFound)
	}

	if len(node.children) > 0 {
		return fmt.Errorf("release region [%#x-%#x]: %d nested regions: %w", node.start, node.end, len(node.children), ErrDeviceBusy)
	}

	p := &t.nodes[node.parent]

	pos := slices.Index(p.children, r.idx)
	if pos < 0 {
		return fmt.Errorf("release region [%#x-%#x]: %w", node.start, node.end, ErrNotFound)
	}

	p.children = slices.Delete(p.children, pos, pos+1)
	t.destroy(r.idx)

	return nil
}

// ReleaseRegion releases the direct busy child of parent spanning exactly [start, start+size).
func (t *Tree) ReleaseRegion(parent Region, start, size uint64) error {
	p, ok := t.lookup(parent)
	if !ok || size == 0 {
		return fmt.Errorf("release [%#x+%#x]: %w", start, size, ErrNotFound)
	}

	end := start + size - 1
	for _, idx := range p.children {
		c := &t.nodes[idx]
		if c.start == start && c.end == end && c.flags&IORESOURCE_BUSY != 0 {
			return t.Release(t.handle(idx))
		}
	}

	return fmt.Errorf("release [%#x-%#x]: %w", start, end, ErrNotFound)
}

// FreeSubtree releases every region below root, innermost first. root itself stays.
func (t *Tree) FreeSubtree(root Region) {
	for c := range t.Children(root) {
		t.FreeSubtree(c)
		_ = t.Release(c)
	}
}

func (t *Tree) destroy(idx uint32) {
	node := &t.nodes[idx]
	node.children = node.children[:0]
	node.live = false
	node.gen++
	if node.gen == 0 {
		node.gen = 1
	}

	t.free = append(t.free, idx)
}
