package indexset

import (
	"sync"

	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// Store is the C4 IndexSetStore: a snapshot-isolated collection of
// sorted integer lists persisted beneath a single start area. A
// MasterTable (C5) keeps one Store per table, one list per secondary
// index plus one for the row-presence set.
type Store struct {
	backing   store.Store
	startArea store.AreaID

	mu      sync.Mutex
	arenas  []*arena
	current []*BlockList // the committed, published list per index

	// headerArea and blockAreas name the on-disk areas backing the
	// currently published index header and each index's index block.
	// Commit supersedes both on every publish and frees the previous
	// ones once the new start area is safely in place (spec §4.4: "old
	// header area is queued for deletion").
	headerArea store.AreaID
	blockAreas []store.AreaID
}

// Create allocates a brand-new, empty index set store inside backing
// and returns it along with the AreaID of its start area — the single
// pointer a MasterTable must persist to find it again on reopen.
func Create(backing store.Store) (*Store, error) {
	backing.LockForWrite()
	defer backing.UnlockForWrite()

	headerArea, err := backing.CreateArea(encodeIndexHeader(nil))
	if err != nil {
		return nil, domain.WrapEngineError(domain.CodeStorageIO, "indexset: create index header", err)
	}
	startBytes := encodeStartArea(startAreaRecord{indexHeaderPointer: int64(headerArea)})
	startArea, err := backing.CreateArea(startBytes)
	if err != nil {
		return nil, domain.WrapEngineError(domain.CodeStorageIO, "indexset: create start area", err)
	}

	return &Store{backing: backing, startArea: startArea, headerArea: headerArea}, nil
}

// Open reconstructs a Store previously created at startArea.
func Open(backing store.Store, startArea store.AreaID) (*Store, error) {
	raw, err := backing.GetArea(startArea)
	if err != nil {
		return nil, err
	}
	rec, err := decodeStartArea(raw)
	if err != nil {
		return nil, err
	}

	headerRaw, err := backing.GetArea(store.AreaID(rec.indexHeaderPointer))
	if err != nil {
		return nil, domain.WrapEngineError(domain.CodeCorruption, "indexset: read index header", err)
	}
	headerEntries, err := decodeIndexHeader(headerRaw)
	if err != nil {
		return nil, err
	}

	s := &Store{backing: backing, startArea: startArea, headerArea: store.AreaID(rec.indexHeaderPointer)}
	for _, he := range headerEntries {
		a := newArenaWithBlockSize(int(he.blockSize))
		bl := newBlockList(a)

		if he.indexBlockPointer != 0 {
			blockRaw, err := backing.GetArea(store.AreaID(he.indexBlockPointer))
			if err != nil {
				return nil, domain.WrapEngineError(domain.CodeCorruption, "indexset: read index block", err)
			}
			entries, err := decodeIndexBlock(blockRaw)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				elemRaw, err := backing.GetArea(store.AreaID(e.elementPointer))
				if err != nil {
					return nil, domain.WrapEngineError(domain.CodeCorruption, "indexset: read element area", err)
				}
				values, err := decodeElements(elemRaw, e.count, e.class)
				if err != nil {
					return nil, err
				}
				l := a.newLeaf(values)
				l.area = store.AreaID(e.elementPointer)
				bl.leaves = append(bl.leaves, l)
			}
		}

		s.arenas = append(s.arenas, a)
		s.current = append(s.current, bl)
		s.blockAreas = append(s.blockAreas, store.AreaID(he.indexBlockPointer))
	}
	return s, nil
}

// StartArea returns the AreaID a MasterTable must remember to reopen
// this index set store.
func (s *Store) StartArea() store.AreaID { return s.startArea }

// IndexCount returns how many sorted lists this store currently holds.
func (s *Store) IndexCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.current)
}

// Txn is a mutable working copy of every index in a Store, obtained via
// Snapshot and either published with Commit or thrown away with
// Discard. A transaction (C8) holds exactly one Txn for the lifetime of
// its write set against one table.
type Txn struct {
	s     *Store
	lists []*BlockList
}

// Snapshot returns a Txn whose lists are independent, copy-on-write
// clones of the store's currently committed lists.
func (s *Store) Snapshot() *Txn {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Txn{s: s, lists: make([]*BlockList, len(s.current))}
	for i, bl := range s.current {
		t.lists[i] = bl.Snapshot()
	}
	return t
}

// Index returns the working BlockList for index i.
func (t *Txn) Index(i int) *BlockList { return t.lists[i] }

// AddIndex appends a new, empty index to this transaction's working
// set, using the default block size, and returns its index.
func (t *Txn) AddIndex() int {
	return t.AddIndexWithBlockSize(maxLeafEntries)
}

// AddIndexWithBlockSize appends a new, empty index whose leaves split
// once they exceed blockSize entries (spec's addIndices(count,
// blockSize)) and returns its index.
func (t *Txn) AddIndexWithBlockSize(blockSize int) int {
	a := newArenaWithBlockSize(blockSize)
	t.lists = append(t.lists, newBlockList(a))
	return len(t.lists) - 1
}

// DropIndex removes index i from this transaction's working set,
// releasing every leaf it holds.
func (t *Txn) DropIndex(i int) error {
	if err := t.lists[i].Release(t.s.backing); err != nil {
		return err
	}
	t.lists = append(t.lists[:i], t.lists[i+1:]...)
	return nil
}

// Discard releases every reference this transaction's working lists
// hold without publishing them, used on transaction rollback.
func (t *Txn) Discard() error {
	for _, bl := range t.lists {
		if err := bl.Release(t.s.backing); err != nil {
			return err
		}
	}
	t.lists = nil
	return nil
}

// Commit flushes every unflushed leaf in txn's working lists to the
// backing store, rewrites the index block and index header areas, and
// atomically swaps them in as the store's new committed state. The
// previously committed lists' references are released, freeing any
// leaf that is no longer reachable from any live snapshot.
func (s *Store) Commit(txn *Txn) error {
	s.backing.LockForWrite()
	defer s.backing.UnlockForWrite()

	headerEntries := make([]indexHeaderEntry, len(txn.lists))
	for i, bl := range txn.lists {
		blockEntries := make([]indexBlockEntry, 0, len(bl.leaves))
		for _, l := range bl.leaves {
			encoded, class := encodeElements(l.values)
			if l.area == 0 {
				area, err := s.backing.CreateArea(encoded)
				if err != nil {
					return domain.WrapEngineError(domain.CodeStorageIO, "indexset: flush element area", err)
				}
				l.area = area
			}
			var first, last int64
			if len(l.values) > 0 {
				first, last = l.values[0], l.values[len(l.values)-1]
			}
			blockEntries = append(blockEntries, indexBlockEntry{
				firstInt:       first,
				lastInt:        last,
				elementPointer: int64(l.area),
				count:          len(l.values),
				class:          class,
			})
		}
		blockArea, err := s.backing.CreateArea(encodeIndexBlock(blockEntries))
		if err != nil {
			return domain.WrapEngineError(domain.CodeStorageIO, "indexset: write index block", err)
		}
		headerEntries[i] = indexHeaderEntry{blockSize: uint32(bl.BlockSize()), indexBlockPointer: int64(blockArea)}
	}

	headerArea, err := s.backing.CreateArea(encodeIndexHeader(headerEntries))
	if err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "indexset: write index header", err)
	}
	newStart := encodeStartArea(startAreaRecord{indexHeaderPointer: int64(headerArea)})
	if err := s.backing.PutArea(s.startArea, newStart); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "indexset: publish start area", err)
	}

	s.mu.Lock()
	oldCurrent := s.current
	oldHeaderArea := s.headerArea
	oldBlockAreas := s.blockAreas
	s.arenas = make([]*arena, len(txn.lists))
	s.current = make([]*BlockList, len(txn.lists))
	s.blockAreas = make([]store.AreaID, len(headerEntries))
	for i, bl := range txn.lists {
		s.arenas[i] = bl.arena
		s.current[i] = bl
		s.blockAreas[i] = store.AreaID(headerEntries[i].indexBlockPointer)
	}
	s.headerArea = headerArea
	s.mu.Unlock()

	for _, bl := range oldCurrent {
		if err := bl.Release(s.backing); err != nil {
			return err
		}
	}

	// The previous header and index-block areas are superseded now that
	// the start area points at the new ones; no live snapshot reads them
	// back from disk (Snapshot clones s.current in memory), so they are
	// safe to free immediately rather than refcounted like leaf areas.
	if oldHeaderArea != 0 && oldHeaderArea != headerArea {
		if err := s.backing.DeleteArea(oldHeaderArea); err != nil {
			return domain.WrapEngineError(domain.CodeStorageIO, "indexset: delete superseded index header", err)
		}
	}
	for _, area := range oldBlockAreas {
		if area == 0 {
			continue
		}
		if err := s.backing.DeleteArea(area); err != nil {
			return domain.WrapEngineError(domain.CodeStorageIO, "indexset: delete superseded index block", err)
		}
	}
	return nil
}
