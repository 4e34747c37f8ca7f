// Package store implements the byte-addressable persistent container (C1)
// that every higher layer of the engine — the buffer manager, the blob
// store, the index set store, and the master table row file — is built
// on top of. An Area is the unit of allocation: a variable-length,
// independently readable/writable/deletable span of bytes identified by
// a stable AreaID that survives for as long as the area is live.
package store

import (
	"time"

	"github.com/dgraph-io/badger/v4"
)

// AreaID identifies a single allocated area within a Store. Zero is never
// a valid, live AreaID.
type AreaID uint64

// Key prefixes partitioning the single Badger keyspace backing a Store.
const (
	prefixArea = "a:" // a:{area_id} -> area bytes
	prefixSeq  = "s:" // s:{name} -> badger sequence counter
	prefixMeta = "m:" // m:{name} -> small fixed metadata records
)

// Config configures a Store backed by Badger.
type Config struct {
	// DataDir is the directory holding the on-disk database files.
	DataDir string `json:"data_dir"`

	// InMemory runs the store with no on-disk persistence at all, for
	// tests and scratch conglomerates.
	InMemory bool `json:"in_memory"`

	// SyncWrites forces an fsync on every commit when true. Mirrors the
	// IOSafetyLevel knob at the congl.Config level: callers translate
	// IOSafetyLevel >= 2 into SyncWrites true.
	SyncWrites bool `json:"sync_writes"`

	// ValueThreshold is the size above which a value is stored in
	// Badger's separate value log rather than inline in the LSM tree.
	ValueThreshold int64 `json:"value_threshold"`

	NumMemtables  int   `json:"num_memtables"`
	BaseTableSize int64 `json:"base_table_size"`

	ReadOnly bool `json:"read_only"`

	// PageSize and DataCacheSize configure the buffer manager (C2)
	// layered over this store's area reads and writes. Zero takes
	// buffermanager.DefaultConfig's values.
	PageSize      uint32 `json:"page_size"`
	DataCacheSize int64  `json:"data_cache_size"`

	// IOSafetyLevel mirrors congl.Config.IOSafetyLevel, passed straight
	// through to the buffer manager to decide write-through vs
	// write-behind.
	IOSafetyLevel int `json:"io_safety_level"`

	Logger badger.Logger `json:"-"`
}

// DefaultConfig returns sensible defaults for a disk-backed Store rooted
// at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		SyncWrites:     false,
		ValueThreshold: 1 << 10,
		NumMemtables:   5,
		BaseTableSize:  2 << 20,
		PageSize:       8 << 10,
		DataCacheSize:  64 << 20,
		IOSafetyLevel:  1,
	}
}

// Stats is a diagnostic snapshot of a Store's state.
type Stats struct {
	LSMSize   int64  `json:"lsm_size"`
	VLogSize  int64  `json:"vlog_size"`
	AreaCount int64  `json:"area_count"`
	MaxAreaID AreaID `json:"max_area_id"`

	// DirtyPages, CacheHits, and CacheMiss surface the buffer manager's
	// (C2) own bookkeeping: pages buffered since the last checkpoint,
	// and the page cache's hit/miss counters.
	DirtyPages int    `json:"dirty_pages"`
	CacheHits  uint64 `json:"cache_hits"`
	CacheMiss  uint64 `json:"cache_miss"`

	UpdatedAt time.Time `json:"updated_at"`
}
