// Package congl wires the engine's components into a single database
// handle: a congl.Config loads into a store.Store (C1), which a
// Conglomerate (C8) sits on top of. This is the construction path every
// caller outside the pkg/ tree is expected to use instead of reaching
// into the component packages directly.
package congl

import (
	"encoding/binary"

	"github.com/kvtab/congl/pkg/conglomerate"
	"github.com/kvtab/congl/pkg/config"
	"github.com/kvtab/congl/pkg/mvcc"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// catalogAreaMetaKey names the meta record that remembers where a
// Conglomerate's catalog area lives across restarts, since a reopened
// Store's area-id sequence does not hand out the same id twice.
const catalogAreaMetaKey = "catalog_area"

// DB is a single open database: one Store and the Conglomerate built on
// it. The zero value is not usable; construct one with Open.
type DB struct {
	cfg     *config.Config
	backing store.Store
	congl   *conglomerate.Conglomerate
	maint   *store.Maintenance
}

// Open loads cfg (DefaultConfig if nil), opens its backing Store, and
// either creates a fresh Conglomerate or reopens the one the store's
// metadata already points at.
func Open(cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	storeCfg := &store.Config{
		DataDir:       cfg.DatabasePath,
		InMemory:      cfg.DatabasePath == "",
		SyncWrites:    cfg.IOSafetyLevel >= 2,
		ReadOnly:      cfg.ReadOnly,
		PageSize:      0,
		DataCacheSize: cfg.DataCacheSize,
		IOSafetyLevel: cfg.IOSafetyLevel,
	}

	backing, err := store.Open(storeCfg)
	if err != nil {
		return nil, err
	}

	mvccCfg := &mvcc.Config{
		GCInterval:            cfg.MVCC.GCInterval,
		GCAgeThreshold:        cfg.MVCC.GCAgeThreshold,
		MaxActiveTransactions: cfg.MVCC.MaxActiveTransactions,
	}
	if mvccCfg.GCInterval == 0 {
		mvccCfg = mvcc.DefaultConfig()
	}

	c, err := openOrCreateConglomerate(backing, mvccCfg, cfg.TransactionErrorOnDirtySelect)
	if err != nil {
		_ = backing.Close()
		return nil, err
	}

	// Badger's own value-log GC only has anything to reclaim once areas
	// are actually deleted from disk, so a purely in-memory store skips
	// it entirely.
	maint := store.NewMaintenance(backing)
	if !storeCfg.InMemory {
		maint.Start(nil)
	}

	return &DB{cfg: cfg, backing: backing, congl: c, maint: maint}, nil
}

// openOrCreateConglomerate resolves the catalog area from the store's
// metadata record, creating both on first open of a fresh store.
func openOrCreateConglomerate(backing store.Store, mvccCfg *mvcc.Config, dirtySelect bool) (*conglomerate.Conglomerate, error) {
	raw, err := backing.GetMeta(catalogAreaMetaKey)
	if err == store.ErrMetaNotFound {
		c, area, err := conglomerate.Create(backing, mvccCfg, dirtySelect)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(area))
		if err := backing.PutMeta(catalogAreaMetaKey, buf); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) != 8 {
		return nil, domain.NewEngineError(domain.CodeCorruption, "congl: malformed catalog area meta record")
	}
	area := store.AreaID(binary.BigEndian.Uint64(raw))
	return conglomerate.Open(backing, area, mvccCfg, dirtySelect)
}

// CreateTable registers a new table.
func (db *DB) CreateTable(def conglomerate.TableDef) error {
	return db.congl.CreateTable(def)
}

// DropTable removes a table entirely.
func (db *DB) DropTable(name string) error {
	return db.congl.DropTable(name)
}

// Begin opens a new transaction against the database.
func (db *DB) Begin() (*conglomerate.Txn, error) {
	return db.congl.Begin()
}

// StartAutoMaintenance launches the Conglomerate's background GC loop.
func (db *DB) StartAutoMaintenance() {
	interval := db.cfg.MVCC.GCInterval
	if interval <= 0 {
		interval = mvcc.DefaultConfig().GCInterval
	}
	db.congl.StartAutoMaintenance(interval)
}

// StopAutoMaintenance stops the background GC loop, if running.
func (db *DB) StopAutoMaintenance() {
	db.congl.StopAutoMaintenance()
}

// Stats returns a diagnostic snapshot of the whole database.
func (db *DB) Stats() conglomerate.Stats {
	return db.congl.Stats()
}

// Close stops maintenance, closes the Conglomerate's mvcc manager, and
// closes the backing Store.
func (db *DB) Close() error {
	db.maint.Stop()
	if err := db.congl.Close(); err != nil {
		_ = db.backing.Close()
		return err
	}
	return db.backing.Close()
}
