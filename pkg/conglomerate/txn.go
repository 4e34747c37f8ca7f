package conglomerate

import (
	"context"
	"fmt"
	"sort"

	"github.com/kvtab/congl/pkg/indexset"
	"github.com/kvtab/congl/pkg/journal"
	"github.com/kvtab/congl/pkg/lockqueue"
	"github.com/kvtab/congl/pkg/mastertable"
	"github.com/kvtab/congl/pkg/mvcc"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// rowOp is one row-level operation buffered by a Txn, waiting to become
// a journal.Entry with the commit id Commit eventually assigns.
type rowOp struct {
	rowID store.AreaID
	op    journal.OpCode
}

// txnTable is a Txn's working state against one table: the snapshot of
// its index set store taken at first access, and every row operation
// buffered against it so far.
type txnTable struct {
	entry    *tableEntry
	idxTxn   *indexset.Txn
	ops      []rowOp
	selected bool // true once Select has read from this table
}

// Row is one row surfaced by Select, paired with its stable identity.
type Row struct {
	ID    store.AreaID
	Cells []mastertable.Cell
}

// Txn is one open transaction against a Conglomerate: a snapshot floor,
// plus the set of tables it has touched. It is not safe for concurrent
// use by multiple goroutines.
type Txn struct {
	conglomerate *Conglomerate
	mvccTxn      *mvcc.Transaction
	tables       map[string]*txnTable
}

func (t *Txn) ensureTable(name string) (*txnTable, error) {
	if tt, ok := t.tables[name]; ok {
		return tt, nil
	}
	t.conglomerate.mu.RLock()
	entry, ok := t.conglomerate.tables[name]
	t.conglomerate.mu.RUnlock()
	if !ok {
		return nil, domain.NewEngineError(domain.CodeCorruption, fmt.Sprintf("conglomerate: table %q does not exist", name))
	}
	entry.mt.AddRootLock()
	tt := &txnTable{
		entry:  entry,
		idxTxn: entry.mt.Indexes().Snapshot(),
	}
	t.tables[name] = tt
	return tt, nil
}

// floor is the commit id this transaction's snapshot is pinned to: the
// highest commit published before it began.
func (t *Txn) floor() uint64 { return uint64(t.mvccTxn.StartCommitID()) }

// removedByOps returns the set of row ids this txn has already queued
// for removal against table tt, so a scan can exclude them from its own
// just-written visibility.
func removedByOps(tt *txnTable) map[store.AreaID]bool {
	out := make(map[store.AreaID]bool)
	for _, op := range tt.ops {
		if op.op == journal.TableRemove || op.op == journal.TableUpdateRemove {
			out[op.rowID] = true
		}
	}
	return out
}

// visibleRowIDs returns every row id visible to this transaction in tt's
// table: rows published before this txn's snapshot floor (minus any this
// txn has itself queued for removal), plus rows this txn has itself
// inserted or updated into existence but not yet committed.
func (t *Txn) visibleRowIDs(tt *txnTable) []store.AreaID {
	removed := removedByOps(tt)
	floor := t.floor()

	var out []store.AreaID
	if tt.entry.mt.Indexes().IndexCount() > 0 {
		for _, v := range tt.idxTxn.Index(presenceIndexSlot).ToSlice() {
			rowID := store.AreaID(v)
			if removed[rowID] {
				continue
			}
			state, added, rem, _, err := tt.entry.mt.GetRow(rowID)
			if err != nil {
				continue
			}
			if tt.entry.mt.IsVisible(state, added, rem, floor) {
				out = append(out, rowID)
			}
		}
	}
	for _, op := range tt.ops {
		if (op.op == journal.TableAdd || op.op == journal.TableUpdateAdd) && !removed[op.rowID] {
			out = append(out, op.rowID)
		}
	}
	return out
}

// indexInsert records rowID's presence and, for every indexed column
// whose cell is non-null, records it in that column's secondary index
// too. Secondary index lists hold row ids rather than column values — a
// deliberate scope simplification recorded in the design ledger — but a
// row absent from a column's index is known to hold NULL there, so
// constraints.go's filterByIndexMembership still uses membership to
// skip rows a scan would otherwise have to read and discard.
func indexInsert(tt *txnTable, def *TableDef, rowID store.AreaID, cells []mastertable.Cell, backing store.Store) error {
	if err := tt.idxTxn.Index(presenceIndexSlot).Insert(int64(rowID), backing); err != nil {
		return err
	}
	for i, col := range def.Columns {
		if col.Index == IndexNone || cells[i].Tag == mastertable.TagNull {
			continue
		}
		slot := def.indexSlotFor(i)
		if slot < 0 {
			continue
		}
		if err := tt.idxTxn.Index(slot).Insert(int64(rowID), backing); err != nil {
			return err
		}
	}
	return nil
}

// indexRemove is indexInsert's inverse, used on delete and on the old
// half of an update.
func indexRemove(tt *txnTable, def *TableDef, rowID store.AreaID, backing store.Store) error {
	if err := tt.idxTxn.Index(presenceIndexSlot).Remove(int64(rowID), backing); err != nil {
		return err
	}
	for i, col := range def.Columns {
		if col.Index == IndexNone {
			continue
		}
		slot := def.indexSlotFor(i)
		if slot < 0 {
			continue
		}
		if err := tt.idxTxn.Index(slot).Remove(int64(rowID), backing); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a new row to table, validating NOT NULL, CHECK, UNIQUE,
// and FOREIGN KEY constraints against the rows currently visible to
// this transaction.
func (t *Txn) Insert(table string, cells []mastertable.Cell) (store.AreaID, error) {
	tt, err := t.ensureTable(table)
	if err != nil {
		return 0, err
	}
	if err := validateRowConstraints(t, table, tt, cells, 0); err != nil {
		return 0, err
	}
	rowID, err := tt.entry.mt.AddRow(cells)
	if err != nil {
		return 0, err
	}
	tt.ops = append(tt.ops, rowOp{rowID: rowID, op: journal.TableAdd})
	if err := indexInsert(tt, tt.entry.def, rowID, cells, t.conglomerate.backing); err != nil {
		return 0, err
	}
	return rowID, nil
}

// Delete removes rowID from table, applying whatever FOREIGN KEY cascade
// rule every other table's FK into this one specifies.
func (t *Txn) Delete(table string, rowID store.AreaID) error {
	tt, err := t.ensureTable(table)
	if err != nil {
		return err
	}
	state, added, removed, cells, err := tt.entry.mt.GetRow(rowID)
	if err != nil {
		return err
	}
	if !tt.entry.mt.IsVisible(state, added, removed, t.floor()) {
		return domain.NewEngineError(domain.CodeRowConflict, fmt.Sprintf("conglomerate: row is not visible to this transaction's snapshot in table %q", table))
	}

	if err := applyDeleteCascade(t, table, cells); err != nil {
		return err
	}

	tt.ops = append(tt.ops, rowOp{rowID: rowID, op: journal.TableRemove})
	return indexRemove(tt, tt.entry.def, rowID, t.conglomerate.backing)
}

// Update replaces rowID's cells with newCells, recorded as a paired
// TableUpdateRemove/TableUpdateAdd so commit-conflict detection can tell
// it apart from an unrelated delete-then-insert. It returns the new
// row's id; the old id is retired once the transaction commits.
func (t *Txn) Update(table string, rowID store.AreaID, newCells []mastertable.Cell) (store.AreaID, error) {
	tt, err := t.ensureTable(table)
	if err != nil {
		return 0, err
	}
	state, added, removed, _, err := tt.entry.mt.GetRow(rowID)
	if err != nil {
		return 0, err
	}
	if !tt.entry.mt.IsVisible(state, added, removed, t.floor()) {
		return 0, domain.NewEngineError(domain.CodeRowConflict, fmt.Sprintf("conglomerate: row is not visible to this transaction's snapshot in table %q", table))
	}
	if err := validateRowConstraints(t, table, tt, newCells, rowID); err != nil {
		return 0, err
	}

	newRowID, err := tt.entry.mt.AddRow(newCells)
	if err != nil {
		return 0, err
	}
	tt.ops = append(tt.ops, rowOp{rowID: rowID, op: journal.TableUpdateRemove})
	tt.ops = append(tt.ops, rowOp{rowID: newRowID, op: journal.TableUpdateAdd})

	if err := indexRemove(tt, tt.entry.def, rowID, t.conglomerate.backing); err != nil {
		return 0, err
	}
	if err := indexInsert(tt, tt.entry.def, newRowID, newCells, t.conglomerate.backing); err != nil {
		return 0, err
	}
	return newRowID, nil
}

// Select returns every row currently visible to this transaction in
// table.
func (t *Txn) Select(table string) ([]Row, error) {
	tt, err := t.ensureTable(table)
	if err != nil {
		return nil, err
	}
	tt.selected = true
	ids := t.visibleRowIDs(tt)
	out := make([]Row, 0, len(ids))
	for _, rowID := range ids {
		_, _, _, cells, err := tt.entry.mt.GetRow(rowID)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{ID: rowID, Cells: cells})
	}
	return out, nil
}

// rollbackLocked undoes every buffered operation: rows this transaction
// inserted (state RowUncommitted) are transitioned directly to
// RowDeleted — the only legal transition out of RowUncommitted besides
// RowCommittedAdded — since nothing about a delete or update-remove op
// was ever written to mastertable state prior to Commit. It then
// discards every table's working index snapshot and releases the root
// lock ensureTable took.
func (t *Txn) rollbackLocked() error {
	for _, tt := range t.tables {
		for _, op := range tt.ops {
			if op.op == journal.TableAdd || op.op == journal.TableUpdateAdd {
				_ = tt.entry.mt.WriteRecordState(op.rowID, mastertable.RowDeleted, 0)
			}
		}
		_ = tt.idxTxn.Discard()
		tt.entry.mt.RemoveRootLock()
	}
	return t.conglomerate.mvccMgr.Rollback(t.mvccTxn)
}

// Rollback discards every buffered change and aborts the underlying
// mvcc transaction.
func (t *Txn) Rollback() error {
	return t.rollbackLocked()
}

// Commit validates this transaction against every table it touched and,
// if validation passes, publishes its buffered operations under a
// commit id assigned atomically by the conglomerate's mvcc.Manager
// (spec §4.8): acquire each touched table's write lock in a
// deterministic order, check for row conflicts against concurrent
// commits, re-validate constraints, assign the commit id, publish row
// states and journal entries, commit each table's index transaction,
// and release every lock and root lock held.
func (t *Txn) Commit(ctx context.Context) error {
	names := make([]string, 0, len(t.tables))
	for name := range t.tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()

	for _, name := range names {
		tt := t.tables[name]
		release, err := tt.entry.queue.Acquire(ctx, lockqueue.Write)
		if err != nil {
			_ = t.rollbackLocked()
			return err
		}
		releases = append(releases, release)
	}

	// Commit validation (spec §4.8 step 3b): for every table with a
	// concurrently committed journal entry since this transaction's
	// snapshot floor, dirty-select strictness (when configured) fails the
	// whole transaction with TRANSACTION_CONFLICT if it ever selected from
	// that table; otherwise only a row this transaction itself modified
	// that an intervening commit also touched is a conflict, and that is
	// ROW_CONFLICT, not TRANSACTION_CONFLICT.
	for _, name := range names {
		tt := t.tables[name]
		entries := tt.entry.mt.Journal.EntriesAfterCommit(t.floor())
		if len(entries) == 0 {
			continue
		}
		if t.conglomerate.dirtySelect && tt.selected {
			_ = t.rollbackLocked()
			return domain.NewEngineError(domain.CodeTransactionConflict, fmt.Sprintf("conglomerate: dirty select against table %q conflicts with a concurrently committed journal", name))
		}
		touched := make(map[int64]struct{}, len(entries))
		for _, e := range entries {
			touched[e.RowIndex] = struct{}{}
		}
		for _, op := range tt.ops {
			if _, conflict := touched[int64(op.rowID)]; conflict {
				_ = t.rollbackLocked()
				return domain.NewEngineError(domain.CodeRowConflict, fmt.Sprintf("conglomerate: concurrent commit removed or updated a row this transaction also modified in table %q", name))
			}
		}
	}

	if err := validateCommitConstraints(t, names); err != nil {
		_ = t.rollbackLocked()
		return err
	}

	commitID, err := t.conglomerate.mvccMgr.Commit(t.mvccTxn)
	if err != nil {
		_ = t.rollbackLocked()
		return err
	}

	for _, name := range names {
		tt := t.tables[name]
		for _, op := range tt.ops {
			var target mastertable.RowState
			switch op.op {
			case journal.TableAdd, journal.TableUpdateAdd:
				target = mastertable.RowCommittedAdded
			case journal.TableRemove, journal.TableUpdateRemove:
				target = mastertable.RowCommittedRemoved
			}
			if err := tt.entry.mt.WriteRecordState(op.rowID, target, uint64(commitID)); err != nil {
				return err
			}
			tt.entry.mt.Journal.Append(op.op, int64(op.rowID), uint64(commitID))
		}
		if err := tt.entry.mt.Indexes().Commit(tt.idxTxn); err != nil {
			return err
		}
		tt.entry.mt.RemoveRootLock()
	}
	return nil
}
