// Package buffermanager implements the paged, logged, read-through/
// write-behind cache (C2) that sits between the Store (C1) and every
// component that reads or writes area bytes. It groups writes into a
// redo journal so a batch of dirty pages becomes durable — and visible
// to recovery after a crash — at a single Checkpoint, instead of one
// fsync per write.
//
// BufferManager does not know anything about areas, rows, or index
// blocks: it caches and journals opaque page ids and byte slices.
// pkg/store is the only caller, using it to back Store.GetArea,
// Store.PutArea, and Store.CheckPoint.
package buffermanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kvtab/congl/pkg/resource/domain"
)

// ErrPageNotFound is the sentinel a Backing implementation must return
// from ReadPage/DeletePage when the page has never been written. It
// lets recover() and FetchPage tell "page genuinely absent" apart from
// a real storage-IO failure.
var ErrPageNotFound = errors.New("buffermanager: page not found")

// journalPageID is a page id no real area ever uses — pkg/store hands
// out AreaIDs counting up from 1, so the maximum uint64 is never reached
// — so the write-ahead redo record can live in the same backing keyspace
// as ordinary pages without colliding.
const journalPageID = ^uint64(0)

// Backing is the minimal durable read/write surface a BufferManager
// writes through to once it decides a page must become durable. pkg/store
// implements this directly against Badger.
type Backing interface {
	ReadPage(id uint64) ([]byte, error)
	WritePage(id uint64, data []byte) error
	DeletePage(id uint64) error
	Sync() error
}

// Config controls paging granularity and durability behavior.
type Config struct {
	// PageSize is advisory: callers are free to write pages of any
	// size, but it sizes the cache's cost accounting. Default 8 KiB,
	// matching spec.md's on-heap default; a memory-mapped backing
	// could raise it to 1 MiB.
	PageSize uint32

	// MaxCacheBytes bounds the page cache's total held cost, fed
	// directly by congl.Config.DataCacheSize.
	MaxCacheBytes int64

	// IOSafetyLevel mirrors congl.Config.IOSafetyLevel. Below
	// WriteThroughBelow, the manager disables the redo journal and
	// behaves as a pure write-through cache: every DirtyPage call is
	// synchronously applied to Backing. At or above it, writes are
	// buffered and only become durable on Checkpoint or Flush.
	IOSafetyLevel int

	// WriteThroughBelow is the threshold IOSafetyLevel is compared
	// against. Spec.md's default config carries IOSafetyLevel 1 and
	// this field defaults to 1, so a freshly configured engine starts
	// in write-behind mode; callers wanting the safest, slowest
	// behavior set IOSafetyLevel to 0.
	WriteThroughBelow int
}

// DefaultConfig returns an 8 KiB page, 64 MiB cache, write-behind buffer
// manager — the engine's default durability/throughput trade-off.
func DefaultConfig() Config {
	return Config{
		PageSize:          8 << 10,
		MaxCacheBytes:     64 << 20,
		IOSafetyLevel:     1,
		WriteThroughBelow: 1,
	}
}

// Manager is the C2 BufferManager: a page cache plus a write-ahead redo
// journal over a Backing store.
type Manager struct {
	backing Backing
	cfg     Config
	cache   *ristretto.Cache[uint64, []byte]

	mu    sync.Mutex
	dirty map[uint64][]byte
}

// New constructs a Manager over backing and immediately replays any
// redo record left behind by a Checkpoint that wrote the journal but
// crashed before applying it — recovery after an unclean shutdown.
func New(backing Backing, cfg Config) (*Manager, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxCacheBytes <= 0 {
		cfg.MaxCacheBytes = DefaultConfig().MaxCacheBytes
	}

	numCounters := cfg.MaxCacheBytes / int64(cfg.PageSize) * 10
	if numCounters < 100 {
		numCounters = 100
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: numCounters,
		MaxCost:     cfg.MaxCacheBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: create page cache", err)
	}

	m := &Manager{
		backing: backing,
		cfg:     cfg,
		cache:   cache,
		dirty:   make(map[uint64][]byte),
	}
	if err := m.recover(); err != nil {
		cache.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) writeThrough() bool {
	return m.cfg.IOSafetyLevel < m.cfg.WriteThroughBelow
}

// recover replays a pending redo record, if one exists, applying every
// page it names to Backing before the manager serves its first request.
// It is the crash-recovery half of Checkpoint's write-ahead protocol:
// Checkpoint writes the record before applying pages, so a record found
// here means the crash happened after the journal write but at or
// before the matching pages were all durably applied — replaying is
// always safe, even if some pages were already applied, because the
// replay is idempotent (it rewrites the identical bytes).
func (m *Manager) recover() error {
	raw, err := m.backing.ReadPage(journalPageID)
	if errors.Is(err, ErrPageNotFound) {
		return nil // no journal page yet: fresh database
	}
	if err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: read redo journal", err)
	}
	rec, err := decodeRedoRecord(raw)
	if err != nil {
		return domain.WrapEngineError(domain.CodeCorruption, "buffermanager: decode redo journal", err)
	}
	if len(rec) == 0 {
		return nil
	}
	for id, data := range rec {
		if err := m.backing.WritePage(id, data); err != nil {
			return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: replay redo journal", err)
		}
	}
	if err := m.backing.Sync(); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: sync after replay", err)
	}
	return m.backing.WritePage(journalPageID, encodeRedoRecord(nil))
}

// FetchPage returns the current bytes of page id, checking the dirty
// buffer, then the cache, then reading through to Backing.
func (m *Manager) FetchPage(id uint64) ([]byte, error) {
	m.mu.Lock()
	if data, ok := m.dirty[id]; ok {
		m.mu.Unlock()
		return cloneBytes(data), nil
	}
	m.mu.Unlock()

	if data, ok := m.cache.Get(id); ok {
		return cloneBytes(data), nil
	}

	data, err := m.backing.ReadPage(id)
	if err != nil {
		return nil, err
	}
	m.cache.Set(id, data, int64(len(data)))
	return cloneBytes(data), nil
}

// DirtyPage records a new value for page id. Below WriteThroughBelow it
// is applied to Backing immediately; otherwise it is buffered until the
// next Flush or Checkpoint.
func (m *Manager) DirtyPage(id uint64, data []byte) error {
	buf := cloneBytes(data)

	if m.writeThrough() {
		if err := m.backing.WritePage(id, buf); err != nil {
			return err
		}
		m.cache.Set(id, buf, int64(len(buf)))
		return nil
	}

	m.mu.Lock()
	m.dirty[id] = buf
	m.mu.Unlock()
	m.cache.Set(id, buf, int64(len(buf)))
	return nil
}

// DeletePage removes id from the dirty buffer and cache and deletes it
// from Backing directly; deletion is never buffered, since a deleted
// page must stop being visible to FetchPage immediately.
func (m *Manager) DeletePage(id uint64) error {
	m.mu.Lock()
	delete(m.dirty, id)
	m.mu.Unlock()
	m.cache.Del(id)
	return m.backing.DeletePage(id)
}

// Flush applies every currently buffered dirty page to Backing without
// writing a redo record first. It is cheaper than Checkpoint and
// appropriate when the caller does not need crash-safe atomicity across
// the whole dirty set (e.g. an explicit cache-pressure eviction), only
// durability of each individual write.
func (m *Manager) Flush() error {
	m.mu.Lock()
	snapshot := m.dirty
	m.dirty = make(map[uint64][]byte)
	m.mu.Unlock()

	for id, data := range snapshot {
		if err := m.backing.WritePage(id, data); err != nil {
			m.mu.Lock()
			for k, v := range snapshot {
				if _, still := m.dirty[k]; !still {
					m.dirty[k] = v
				}
			}
			m.mu.Unlock()
			return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: flush", err)
		}
	}
	return nil
}

// Checkpoint performs the three-step journaled checkpoint spec.md §4.2
// describes: (1) write a redo record naming every currently dirty page,
// (2) apply those pages to Backing, (3) truncate the journal by writing
// an empty record. Steps 1 and 2 are each followed by Backing.Sync so a
// crash between any two steps leaves the journal in a state recover() can
// interpret unambiguously.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	snapshot := make(map[uint64][]byte, len(m.dirty))
	for k, v := range m.dirty {
		snapshot[k] = v
	}
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	if err := m.backing.WritePage(journalPageID, encodeRedoRecord(snapshot)); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: write redo journal", err)
	}
	if err := m.backing.Sync(); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: sync redo journal", err)
	}

	for id, data := range snapshot {
		if err := m.backing.WritePage(id, data); err != nil {
			return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: apply checkpoint page", err)
		}
	}
	if err := m.backing.Sync(); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: sync checkpoint", err)
	}

	if err := m.backing.WritePage(journalPageID, encodeRedoRecord(nil)); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "buffermanager: truncate redo journal", err)
	}

	m.mu.Lock()
	for id := range snapshot {
		if _, stillDirty := m.dirty[id]; stillDirty && bytesEqual(m.dirty[id], snapshot[id]) {
			delete(m.dirty, id)
		}
	}
	m.mu.Unlock()
	return nil
}

// Prime inserts data into the cache for id without marking it dirty,
// for callers that already wrote id durably through a path other than
// DirtyPage (area creation, a batched multi-page commit) and want the
// next FetchPage to hit the cache instead of reading through.
func (m *Manager) Prime(id uint64, data []byte) {
	m.cache.Set(id, cloneBytes(data), int64(len(data)))
}

// Invalidate drops id from both the dirty buffer and the cache without
// touching Backing. It is for callers that write to Backing through a
// path other than DirtyPage — an atomic multi-page batch commit, for
// instance — and only need the manager to stop serving a stale cached
// copy on the next FetchPage.
func (m *Manager) Invalidate(id uint64) {
	m.mu.Lock()
	delete(m.dirty, id)
	m.mu.Unlock()
	m.cache.Del(id)
}

// Close checkpoints any remaining dirty pages and releases the cache.
func (m *Manager) Close() error {
	err := m.Checkpoint()
	m.cache.Close()
	return err
}

// Stats is a diagnostic snapshot of the buffer manager's cache.
type Stats struct {
	DirtyPages int
	CacheHits  uint64
	CacheMiss  uint64
}

// Stats returns the current cache hit/miss counters and dirty page count.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	dirty := len(m.dirty)
	m.mu.Unlock()

	metrics := m.cache.Metrics
	if metrics == nil {
		return Stats{DirtyPages: dirty}
	}
	return Stats{
		DirtyPages: dirty,
		CacheHits:  metrics.Hits(),
		CacheMiss:  metrics.Misses(),
	}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// encodeRedoRecord packs a dirty-page set as count(u32) followed by
// count * (id u64, len u32, bytes) — the same length-prefixed TLV
// convention pkg/indexset and pkg/conglomerate/catalog.go use for their
// own on-disk records.
func encodeRedoRecord(pages map[uint64][]byte) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(pages)))
	for id, data := range pages {
		entry := make([]byte, 8+4+len(data))
		binary.BigEndian.PutUint64(entry[0:8], id)
		binary.BigEndian.PutUint32(entry[8:12], uint32(len(data)))
		copy(entry[12:], data)
		buf = append(buf, entry...)
	}
	return buf
}

func decodeRedoRecord(raw []byte) (map[uint64][]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("buffermanager: truncated redo record header")
	}
	count := binary.BigEndian.Uint32(raw[0:4])
	pos := 4
	out := make(map[uint64][]byte, count)
	for i := uint32(0); i < count; i++ {
		if pos+12 > len(raw) {
			return nil, fmt.Errorf("buffermanager: truncated redo record entry %d", i)
		}
		id := binary.BigEndian.Uint64(raw[pos : pos+8])
		length := binary.BigEndian.Uint32(raw[pos+8 : pos+12])
		pos += 12
		if pos+int(length) > len(raw) {
			return nil, fmt.Errorf("buffermanager: truncated redo record payload %d", i)
		}
		data := make([]byte, length)
		copy(data, raw[pos:pos+int(length)])
		pos += int(length)
		out[id] = data
	}
	return out, nil
}
