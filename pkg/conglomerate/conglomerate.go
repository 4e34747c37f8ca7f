package conglomerate

import (
	"fmt"
	"sync"
	"time"

	"github.com/kvtab/congl/pkg/lockqueue"
	"github.com/kvtab/congl/pkg/mastertable"
	"github.com/kvtab/congl/pkg/mvcc"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// tableEntry is one table's live state: its definition, its MasterTable,
// and the FIFO lock queue (C7) serializing writers against it.
type tableEntry struct {
	def   *TableDef
	mt    *mastertable.MasterTable
	queue *lockqueue.Queue
}

// Conglomerate is the C8 component: the set of a database's
// MasterTables (C5) backed by one Store (C1), plus the mvcc.Manager
// that allocates CommitIDs and the per-table lock queues (C7) that
// serialize commit publication. No package-level state is kept here;
// every caller constructs and threads its own Conglomerate.
type Conglomerate struct {
	mu          sync.RWMutex
	backing     store.Store
	mvccMgr     *mvcc.Manager
	tables      map[string]*tableEntry
	catalogArea store.AreaID

	// dirtySelect mirrors config.Config.TransactionErrorOnDirtySelect
	// (spec §4.8.3b / §6): when set, a transaction that selected from a
	// table another transaction concurrently committed a modification to
	// fails the whole commit with TRANSACTION_CONFLICT, rather than only
	// conflicting on rows it itself wrote.
	dirtySelect bool

	stopMaintenance chan struct{}
	maintDone       chan struct{}
}

// Create allocates a brand-new, empty Conglomerate backed by backing.
// The returned AreaID is the catalog's location; the caller (the
// top-level database handle) must persist it to reopen this
// conglomerate later with Open.
func Create(backing store.Store, mvccCfg *mvcc.Config, dirtySelect bool) (*Conglomerate, store.AreaID, error) {
	backing.LockForWrite()
	area, err := backing.CreateArea(encodeCatalog(nil))
	backing.UnlockForWrite()
	if err != nil {
		return nil, 0, domain.WrapEngineError(domain.CodeStorageIO, "conglomerate: create catalog", err)
	}
	c := &Conglomerate{
		backing:     backing,
		mvccMgr:     mvcc.NewManager(mvccCfg),
		tables:      make(map[string]*tableEntry),
		catalogArea: area,
		dirtySelect: dirtySelect,
	}
	return c, area, nil
}

// Open reconstructs a Conglomerate whose catalog lives at catalogArea,
// reopening every table it names and repairing any row left
// UNCOMMITTED by a process that died mid-transaction (row-state repair
// on open, resolving the spec's Open Question on crash recovery).
func Open(backing store.Store, catalogArea store.AreaID, mvccCfg *mvcc.Config, dirtySelect bool) (*Conglomerate, error) {
	raw, err := backing.GetArea(catalogArea)
	if err != nil {
		return nil, err
	}
	entries, err := decodeCatalog(raw)
	if err != nil {
		return nil, err
	}

	c := &Conglomerate{
		backing:     backing,
		mvccMgr:     mvcc.NewManager(mvccCfg),
		tables:      make(map[string]*tableEntry),
		catalogArea: catalogArea,
		dirtySelect: dirtySelect,
	}
	for _, e := range entries {
		def := e.def
		mt, err := mastertable.Open(backing, def.Name, e.indexStartArea)
		if err != nil {
			return nil, err
		}
		rowIDs, err := presenceRowIDs(mt)
		if err != nil {
			return nil, err
		}
		if _, err := mt.RepairOnOpen(rowIDs); err != nil {
			return nil, err
		}
		defCopy := def
		c.tables[def.Name] = &tableEntry{def: &defCopy, mt: mt, queue: lockqueue.New()}
	}
	return c, nil
}

// presenceRowIDs returns every row area currently tracked in a table's
// presence index (slot 0), the candidate set GC and crash repair scan.
func presenceRowIDs(mt *mastertable.MasterTable) ([]store.AreaID, error) {
	if mt.Indexes().IndexCount() == 0 {
		return nil, nil
	}
	snap := mt.Indexes().Snapshot()
	defer snap.Discard()
	values := snap.Index(presenceIndexSlot).ToSlice()
	out := make([]store.AreaID, len(values))
	for i, v := range values {
		out[i] = store.AreaID(v)
	}
	return out, nil
}

// presenceIndexSlot mirrors mastertable's reserved presence index slot.
const presenceIndexSlot = 0

// CreateTable registers a brand-new table, materializing its presence
// index (slot 0) and one secondary index per indexed column, then
// persists the updated catalog.
func (c *Conglomerate) CreateTable(def TableDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[def.Name]; exists {
		return domain.NewEngineError(domain.CodeCorruption, fmt.Sprintf("conglomerate: table %q already exists", def.Name))
	}

	mt, err := mastertable.Create(c.backing, def.Name)
	if err != nil {
		return err
	}

	idxTxn := mt.Indexes().Snapshot()
	idxTxn.AddIndex() // slot 0: presence
	for _, col := range def.Columns {
		if col.Index != IndexNone {
			idxTxn.AddIndex()
		}
	}
	if err := mt.Indexes().Commit(idxTxn); err != nil {
		return err
	}

	defCopy := def
	c.tables[def.Name] = &tableEntry{def: &defCopy, mt: mt, queue: lockqueue.New()}
	return c.persistCatalogLocked()
}

// DropTable removes a table entirely: it waits for exclusive access via
// the table's lock queue, frees every row area listed in its presence
// index and its index store's start area, and removes it from the
// catalog.
func (c *Conglomerate) DropTable(name string) error {
	c.mu.Lock()
	entry, ok := c.tables[name]
	if !ok {
		c.mu.Unlock()
		return domain.NewEngineError(domain.CodeCorruption, fmt.Sprintf("conglomerate: table %q does not exist", name))
	}
	c.mu.Unlock()

	release, err := entry.queue.Acquire(noCancelContext{}, lockqueue.Write)
	if err != nil {
		return err
	}
	defer release()

	rows, err := presenceRowIDs(entry.mt)
	if err != nil {
		return err
	}

	c.backing.LockForWrite()
	batch := store.NewBatch(c.backing)
	for _, rowID := range rows {
		batch.Delete(rowID)
	}
	batch.Delete(entry.mt.IndexStartArea())
	err = batch.Commit()
	c.backing.UnlockForWrite()
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.tables, name)
	err = c.persistCatalogLocked()
	c.mu.Unlock()
	return err
}

// persistCatalogLocked writes the current table set to the catalog
// area. Callers must hold c.mu.
func (c *Conglomerate) persistCatalogLocked() error {
	entries := make([]catalogEntry, 0, len(c.tables))
	for _, te := range c.tables {
		entries = append(entries, catalogEntry{def: *te.def, indexStartArea: te.mt.IndexStartArea()})
	}
	if err := c.backing.PutArea(c.catalogArea, encodeCatalog(entries)); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "conglomerate: persist catalog", err)
	}
	return nil
}

// Begin opens a new transaction. The transaction's snapshot floor is
// recorded immediately; it does not touch any table's lock queue until
// Commit.
func (c *Conglomerate) Begin() (*Txn, error) {
	mvccTxn, err := c.mvccMgr.Begin()
	if err != nil {
		return nil, err
	}
	return &Txn{
		conglomerate: c,
		mvccTxn:      mvccTxn,
		tables:       make(map[string]*txnTable),
	}, nil
}

// Stats is a diagnostic snapshot of the whole conglomerate, surfaced
// for operational tooling.
type Stats struct {
	MVCC         mvcc.Stats
	TableCount   int
	QueueWaiting int
	Store        store.Stats
}

// Stats returns a diagnostic snapshot.
func (c *Conglomerate) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	waiting := 0
	for _, te := range c.tables {
		w, _, _ := te.queue.Stats()
		waiting += w
	}
	return Stats{
		MVCC:         c.mvccMgr.Stats(),
		TableCount:   len(c.tables),
		QueueWaiting: waiting,
		Store:        c.backing.Stats(),
	}
}

// StartAutoMaintenance launches a background loop that periodically
// reaps stale mvcc.Manager bookkeeping, truncates every table's journal
// up to the current safe floor, and reclaims COMMITTED_REMOVED rows no
// snapshot can still need. It is a no-op if already running.
func (c *Conglomerate) StartAutoMaintenance(interval time.Duration) {
	c.mu.Lock()
	if c.stopMaintenance != nil {
		c.mu.Unlock()
		return
	}
	c.stopMaintenance = make(chan struct{})
	c.maintDone = make(chan struct{})
	stop := c.stopMaintenance
	done := c.maintDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.runMaintenance()
			case <-stop:
				return
			}
		}
	}()
}

// StopAutoMaintenance stops the background loop started by
// StartAutoMaintenance, blocking until it has exited. It is a no-op if
// no loop is running.
func (c *Conglomerate) StopAutoMaintenance() {
	c.mu.Lock()
	stop := c.stopMaintenance
	done := c.maintDone
	c.stopMaintenance = nil
	c.maintDone = nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *Conglomerate) runMaintenance() {
	c.mvccMgr.GC()
	floor := uint64(c.mvccMgr.SafeFloor())

	c.mu.RLock()
	entries := make([]*tableEntry, 0, len(c.tables))
	for _, te := range c.tables {
		entries = append(entries, te)
	}
	c.mu.RUnlock()

	for _, te := range entries {
		te.mt.Journal.Truncate(floor)
		rows, err := presenceRowIDs(te.mt)
		if err != nil {
			continue
		}
		_, _ = te.mt.GC(rows, floor)
	}
}

// Close stops any running maintenance loop and closes the mvcc manager.
// The backing Store itself is owned by the caller and is not closed
// here.
func (c *Conglomerate) Close() error {
	c.StopAutoMaintenance()
	return c.mvccMgr.Close()
}

// noCancelContext is a context.Context that is never cancelled and
// carries no deadline or values, used for the internal lock-queue
// acquisitions DropTable performs on behalf of the caller. Txn.Commit
// acquires its lock queues with the caller-supplied context instead.
type noCancelContext struct{}

func (noCancelContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (noCancelContext) Done() <-chan struct{}        { return nil }
func (noCancelContext) Err() error                   { return nil }
func (noCancelContext) Value(key interface{}) interface{} { return nil }
