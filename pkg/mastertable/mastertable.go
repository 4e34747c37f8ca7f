// Package mastertable implements the row-state lifecycle and garbage
// collection component (C5 MasterTable): the allocator and accessor for
// one table's row records, layered over a Store (C1) for row bytes and
// an IndexSetStore (C4) for the table's row-presence set and secondary
// indexes.
package mastertable

import (
	"sync"
	"sync/atomic"

	"github.com/kvtab/congl/pkg/indexset"
	"github.com/kvtab/congl/pkg/journal"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// presenceIndex is the reserved IndexSetStore slot (index 0) holding,
// in the published snapshot, every row in the COMMITTED_ADDED state; a
// row leaves it when a transaction deletes it or updates it away.
// Secondary indexes occupy slots 1..N.
const presenceIndex = 0

// MasterTable owns row storage for one table: allocation, the
// state-byte lifecycle, column cell access, and the table's
// IndexSetStore.
type MasterTable struct {
	Name string

	backing store.Store
	indexes *indexset.Store
	Journal *journal.Journal

	mu        sync.Mutex
	rootLocks int32
}

// Create allocates a brand-new MasterTable named name inside backing.
func Create(backing store.Store, name string) (*MasterTable, error) {
	idxStore, err := indexset.Create(backing)
	if err != nil {
		return nil, err
	}
	mt := &MasterTable{Name: name, backing: backing, indexes: idxStore, Journal: journal.New(name)}
	return mt, nil
}

// Open reconstructs a MasterTable whose IndexSetStore start area is
// known.
func Open(backing store.Store, name string, indexStartArea store.AreaID) (*MasterTable, error) {
	idxStore, err := indexset.Open(backing, indexStartArea)
	if err != nil {
		return nil, err
	}
	mt := &MasterTable{Name: name, backing: backing, indexes: idxStore, Journal: journal.New(name)}
	return mt, nil
}

// IndexStartArea returns the AreaID a Conglomerate must persist in the
// table's catalog entry to reopen this table's index set store.
func (mt *MasterTable) IndexStartArea() store.AreaID { return mt.indexes.StartArea() }

// Indexes exposes the underlying index set store so a transaction can
// snapshot/commit secondary index mutations alongside row changes.
func (mt *MasterTable) Indexes() *indexset.Store { return mt.indexes }

// AddRow allocates a new, as-yet-uncommitted row holding cells and
// returns its RowID — the AreaID of its backing area, which doubles as
// the row's stable identity for the lifetime of the table.
func (mt *MasterTable) AddRow(cells []Cell) (store.AreaID, error) {
	rec := record{state: RowUncommitted, cells: toInternalCells(cells)}
	mt.backing.LockForWrite()
	defer mt.backing.UnlockForWrite()
	id, err := mt.backing.CreateArea(encodeRecord(rec))
	if err != nil {
		return 0, domain.WrapEngineError(domain.CodeStorageIO, "mastertable: add row", err)
	}
	return id, nil
}

// Cell is the externally visible form of one column value.
type Cell struct {
	Tag  CellTag
	Data []byte
}

func toInternalCells(cells []Cell) []cell {
	out := make([]cell, len(cells))
	for i, c := range cells {
		out[i] = cell{tag: c.Tag, data: c.Data}
	}
	return out
}

// GetRow returns the full decoded record for rowID, for callers (the
// conglomerate's visibility check, compaction) that need the state byte
// and commit stamps alongside the cells.
func (mt *MasterTable) GetRow(rowID store.AreaID) (State RowState, AddedCommit, RemovedCommit uint64, cells []Cell, err error) {
	raw, err := mt.backing.GetArea(rowID)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	out := make([]Cell, len(rec.cells))
	for i, c := range rec.cells {
		out[i] = Cell{Tag: c.tag, Data: c.data}
	}
	return rec.state, rec.addedCommit, rec.removedCommit, out, nil
}

// GetCell returns a single column's cell. It decodes the whole row
// through GetRow and picks out column col.
func (mt *MasterTable) GetCell(rowID store.AreaID, col int) (Cell, error) {
	_, _, _, cells, err := mt.GetRow(rowID)
	if err != nil {
		return Cell{}, err
	}
	if col < 0 || col >= len(cells) {
		return Cell{}, domain.NewEngineError(domain.CodeCorruption, "mastertable: column index out of range")
	}
	return cells[col], nil
}

// WriteRecordState transitions rowID's state byte and, where
// applicable, stamps the commit id at which the transition took effect.
// Commit publication calls it while holding the table's write lock;
// transaction rollback also calls it, to move rows the transaction
// inserted to RowDeleted.
func (mt *MasterTable) WriteRecordState(rowID store.AreaID, to RowState, commitID uint64) error {
	raw, err := mt.backing.GetMutableArea(rowID)
	if err != nil {
		return err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return err
	}

	if err := checkTransition(rec.state, to); err != nil {
		return err
	}
	rec.state = to
	switch to {
	case RowCommittedAdded:
		rec.addedCommit = commitID
	case RowCommittedRemoved:
		rec.removedCommit = commitID
	}

	return mt.backing.PutArea(rowID, encodeRecord(rec))
}

func checkTransition(from, to RowState) error {
	valid := map[RowState][]RowState{
		RowUncommitted:      {RowCommittedAdded, RowDeleted},
		RowCommittedAdded:   {RowCommittedRemoved},
		RowCommittedRemoved: {RowDeleted},
	}
	for _, allowed := range valid[from] {
		if allowed == to {
			return nil
		}
	}
	return domain.NewEngineError(domain.CodeCorruption, "mastertable: invalid row state transition")
}

// IsVisible reports whether rowID is visible to a snapshot whose commit
// floor (the highest commit id that had published before the snapshot
// was taken) is floorCommit.
func (mt *MasterTable) IsVisible(state RowState, addedCommit, removedCommit uint64, floorCommit uint64) bool {
	switch state {
	case RowCommittedAdded:
		return addedCommit <= floorCommit
	case RowCommittedRemoved:
		return addedCommit <= floorCommit && removedCommit > floorCommit
	default:
		return false
	}
}

// AddRootLock registers that some open transaction's snapshot still
// needs rows below the current GC watermark, preventing GC from
// reclaiming RowCommittedRemoved rows until the matching RemoveRootLock.
func (mt *MasterTable) AddRootLock() {
	atomic.AddInt32(&mt.rootLocks, 1)
}

// RemoveRootLock releases a lock taken by AddRootLock.
func (mt *MasterTable) RemoveRootLock() {
	atomic.AddInt32(&mt.rootLocks, -1)
}

// hasRootLocks reports whether any transaction still holds a root lock,
// which GC consults before reclaiming COMMITTED_REMOVED rows.
func (mt *MasterTable) hasRootLocks() bool {
	return atomic.LoadInt32(&mt.rootLocks) > 0
}

// GC scans the table's tracked rows and physically reclaims every
// RowCommittedRemoved row whose RemovedCommit is at or below
// safeFloorCommit — the lowest commit floor any still-open transaction's
// snapshot could need — by deleting its area outright; the state byte is
// not rewritten first. It is a no-op while any root lock is held.
func (mt *MasterTable) GC(candidateRows []store.AreaID, safeFloorCommit uint64) (reclaimed int, err error) {
	if mt.hasRootLocks() {
		return 0, nil
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.backing.LockForWrite()
	defer mt.backing.UnlockForWrite()

	for _, rowID := range candidateRows {
		raw, err := mt.backing.GetArea(rowID)
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		if rec.state == RowCommittedRemoved && rec.removedCommit <= safeFloorCommit {
			if err := mt.backing.DeleteArea(rowID); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// RepairOnOpen scans every row area in candidateRows left in state
// RowUncommitted — meaning the process died between AddRow and the
// owning transaction's commit — and transitions it to RowDeleted so it
// is never mistaken for live data.
func (mt *MasterTable) RepairOnOpen(candidateRows []store.AreaID) (repaired int, err error) {
	mt.backing.LockForWrite()
	defer mt.backing.UnlockForWrite()

	for _, rowID := range candidateRows {
		raw, err := mt.backing.GetArea(rowID)
		if err != nil {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			continue
		}
		if rec.state == RowUncommitted {
			rec.state = RowDeleted
			if err := mt.backing.PutArea(rowID, encodeRecord(rec)); err != nil {
				return repaired, err
			}
			repaired++
		}
	}
	return repaired, nil
}
