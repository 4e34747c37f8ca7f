package indexset

import (
	"sort"
	"sync"

	"github.com/kvtab/congl/pkg/store"
)

// maxLeafEntries is the default block size (spec's "typical 1024")
// used when a caller does not request a specific one.
const maxLeafEntries = 1024

// leaf is one arena-resident block of sorted, distinct integers. Leaves
// are copy-on-write: mutating a BlockList never edits a leaf another
// snapshot might still reference, it clones into a new arena-issued
// leaf instead.
type leaf struct {
	id       int
	values   []int64
	refcount int32
	// area is the on-disk element area holding this leaf's values, once
	// flushed by Commit. Zero means the leaf has only ever existed
	// in-memory (created or modified since the last commit).
	area store.AreaID
}

// arena owns the lifetime of every leaf belonging to one index across
// every live snapshot, tracked by explicit refcounts rather than by
// walking a parent chain of block pointers.
type arena struct {
	mu        sync.Mutex
	leaves    map[int]*leaf
	nextID    int
	blockSize int
}

func newArena() *arena {
	return newArenaWithBlockSize(maxLeafEntries)
}

// newArenaWithBlockSize issues an arena whose leaves split once they
// exceed blockSize entries. blockSize <= 0 falls back to the default.
func newArenaWithBlockSize(blockSize int) *arena {
	if blockSize <= 0 {
		blockSize = maxLeafEntries
	}
	return &arena{leaves: make(map[int]*leaf), blockSize: blockSize}
}

// newLeaf issues a brand-new arena-owned leaf with refcount 1.
func (a *arena) newLeaf(values []int64) *leaf {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	l := &leaf{id: a.nextID, values: values, refcount: 1}
	a.leaves[l.id] = l
	return l
}

// retain increments a leaf's refcount, used when a Snapshot shares a
// leaf unchanged with its parent.
func (a *arena) retain(l *leaf) {
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refcount++
}

// release decrements a leaf's refcount and, if it drops to zero, frees
// its on-disk element area (if any) and removes it from the arena.
func (a *arena) release(l *leaf, s store.Store) error {
	a.mu.Lock()
	l.refcount--
	dead := l.refcount <= 0
	if dead {
		delete(a.leaves, l.id)
	}
	a.mu.Unlock()

	if dead && l.area != 0 && s != nil {
		return s.DeleteArea(l.area)
	}
	return nil
}

// BlockList is one index's sorted, distinct integer list: the in-memory
// working structure a transaction mutates before it is flushed back
// into the index set store's on-disk layout at commit.
type BlockList struct {
	arena  *arena
	leaves []*leaf
}

func newBlockList(a *arena) *BlockList {
	return &BlockList{arena: a}
}

// BlockSize returns the leaf-split threshold this list's arena was
// created with.
func (bl *BlockList) BlockSize() int { return bl.arena.blockSize }

// Snapshot returns an independent BlockList sharing every current leaf
// with bl (each leaf's refcount incremented), so mutations made through
// the snapshot never affect bl or any other outstanding snapshot.
func (bl *BlockList) Snapshot() *BlockList {
	out := &BlockList{arena: bl.arena, leaves: make([]*leaf, len(bl.leaves))}
	for i, l := range bl.leaves {
		bl.arena.retain(l)
		out.leaves[i] = l
	}
	return out
}

// Release drops this BlockList's reference to every leaf it holds. It
// must be called exactly once when a snapshot is no longer needed.
func (bl *BlockList) Release(s store.Store) error {
	for _, l := range bl.leaves {
		if err := bl.arena.release(l, s); err != nil {
			return err
		}
	}
	bl.leaves = nil
	return nil
}

// Len returns the total number of integers across every leaf.
func (bl *BlockList) Len() int {
	n := 0
	for _, l := range bl.leaves {
		n += len(l.values)
	}
	return n
}

// ToSlice returns every value in ascending order. For diagnostics and
// small-scale tests; not used on the hot insert/contains path.
func (bl *BlockList) ToSlice() []int64 {
	out := make([]int64, 0, bl.Len())
	for _, l := range bl.leaves {
		out = append(out, l.values...)
	}
	return out
}

// locate finds the leaf index that would contain v (or where a new leaf
// for v should be inserted if none does).
func (bl *BlockList) locate(v int64) int {
	return sort.Search(len(bl.leaves), func(i int) bool {
		vals := bl.leaves[i].values
		if len(vals) == 0 {
			return true
		}
		return vals[len(vals)-1] >= v
	})
}

// Contains reports whether v is present in the list.
func (bl *BlockList) Contains(v int64) bool {
	i := bl.locate(v)
	if i >= len(bl.leaves) {
		return false
	}
	vals := bl.leaves[i].values
	pos := sort.Search(len(vals), func(j int) bool { return vals[j] >= v })
	return pos < len(vals) && vals[pos] == v
}

// Insert adds v to the list, copy-on-write cloning (and, if needed,
// splitting) the leaf it belongs in. Inserting a value already present
// is a no-op.
func (bl *BlockList) Insert(v int64, s store.Store) error {
	if len(bl.leaves) == 0 {
		bl.leaves = []*leaf{bl.arena.newLeaf([]int64{v})}
		return nil
	}

	i := bl.locate(v)
	if i >= len(bl.leaves) {
		i = len(bl.leaves) - 1
	}
	old := bl.leaves[i]

	pos := sort.Search(len(old.values), func(j int) bool { return old.values[j] >= v })
	if pos < len(old.values) && old.values[pos] == v {
		return nil // already present
	}

	updated := make([]int64, 0, len(old.values)+1)
	updated = append(updated, old.values[:pos]...)
	updated = append(updated, v)
	updated = append(updated, old.values[pos:]...)

	if len(updated) > bl.arena.blockSize {
		mid := len(updated) / 2
		left := bl.arena.newLeaf(append([]int64(nil), updated[:mid]...))
		right := bl.arena.newLeaf(append([]int64(nil), updated[mid:]...))
		bl.leaves = append(bl.leaves[:i], append([]*leaf{left, right}, bl.leaves[i+1:]...)...)
	} else {
		bl.leaves[i] = bl.arena.newLeaf(updated)
	}
	return bl.arena.release(old, s)
}

// Remove deletes v from the list if present. It is a no-op if v is
// absent.
func (bl *BlockList) Remove(v int64, s store.Store) error {
	i := bl.locate(v)
	if i >= len(bl.leaves) {
		return nil
	}
	old := bl.leaves[i]
	pos := sort.Search(len(old.values), func(j int) bool { return old.values[j] >= v })
	if pos >= len(old.values) || old.values[pos] != v {
		return nil
	}

	updated := make([]int64, 0, len(old.values)-1)
	updated = append(updated, old.values[:pos]...)
	updated = append(updated, old.values[pos+1:]...)

	if len(updated) == 0 {
		bl.leaves = append(bl.leaves[:i], bl.leaves[i+1:]...)
	} else {
		bl.leaves[i] = bl.arena.newLeaf(updated)
	}
	return bl.arena.release(old, s)
}
