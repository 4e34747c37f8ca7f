package buffermanager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBacking is an in-memory Backing used to test Manager without a
// real Store, with a SyncCount so tests can assert Checkpoint's
// write-ahead-then-apply-then-truncate protocol actually syncs twice.
type memBacking struct {
	mu        sync.Mutex
	pages     map[uint64][]byte
	SyncCount int
}

func newMemBacking() *memBacking {
	return &memBacking{pages: make(map[uint64][]byte)}
}

func (b *memBacking) ReadPage(id uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.pages[id]
	if !ok {
		return nil, ErrPageNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *memBacking) WritePage(id uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	b.pages[id] = buf
	return nil
}

func (b *memBacking) DeletePage(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, id)
	return nil
}

func (b *memBacking) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SyncCount++
	return nil
}

func TestFetchPage_NotFound(t *testing.T) {
	backing := newMemBacking()
	m, err := New(backing, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	_, err = m.FetchPage(1)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestDirtyPage_BufferedUntilCheckpoint(t *testing.T) {
	backing := newMemBacking()
	cfg := DefaultConfig()
	m, err := New(backing, cfg)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DirtyPage(1, []byte("hello")))

	// Visible to FetchPage immediately even though not yet durable.
	data, err := m.FetchPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	// Not yet applied to the backing store.
	_, err = backing.ReadPage(1)
	assert.ErrorIs(t, err, ErrPageNotFound)

	require.NoError(t, m.Checkpoint())

	applied, err := backing.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), applied)
}

func TestCheckpoint_WriteAheadThenApplyThenTruncate(t *testing.T) {
	backing := newMemBacking()
	m, err := New(backing, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DirtyPage(10, []byte("a")))
	require.NoError(t, m.DirtyPage(20, []byte("b")))
	require.NoError(t, m.Checkpoint())

	// Journal was synced twice: once after the write-ahead record, once
	// after applying the pages, per spec.md's three-step checkpoint.
	assert.GreaterOrEqual(t, backing.SyncCount, 2)

	raw, err := backing.ReadPage(journalPageID)
	require.NoError(t, err)
	rec, err := decodeRedoRecord(raw)
	require.NoError(t, err)
	assert.Empty(t, rec, "journal must be truncated after a successful checkpoint")
}

func TestRecover_ReplaysPendingJournal(t *testing.T) {
	backing := newMemBacking()

	// Simulate a crash between the write-ahead journal write and the
	// page application step: the journal names a page that was never
	// actually applied to backing.
	require.NoError(t, backing.WritePage(journalPageID, encodeRedoRecord(map[uint64][]byte{
		99: []byte("recovered"),
	})))

	m, err := New(backing, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	data, err := backing.ReadPage(99)
	require.NoError(t, err)
	assert.Equal(t, []byte("recovered"), data)

	// The journal must be truncated after replay.
	raw, err := backing.ReadPage(journalPageID)
	require.NoError(t, err)
	rec, err := decodeRedoRecord(raw)
	require.NoError(t, err)
	assert.Empty(t, rec)
}

func TestWriteThrough_BelowSafetyThreshold(t *testing.T) {
	backing := newMemBacking()
	cfg := DefaultConfig()
	cfg.IOSafetyLevel = 0
	cfg.WriteThroughBelow = 1

	m, err := New(backing, cfg)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DirtyPage(5, []byte("sync-me")))

	// Write-through mode applies immediately, with no Checkpoint needed.
	data, err := backing.ReadPage(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("sync-me"), data)

	stats := m.Stats()
	assert.Equal(t, 0, stats.DirtyPages)
}

func TestDeletePage_RemovesFromCacheAndBacking(t *testing.T) {
	backing := newMemBacking()
	m, err := New(backing, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DirtyPage(7, []byte("gone-soon")))
	require.NoError(t, m.Checkpoint())

	require.NoError(t, m.DeletePage(7))

	_, err = m.FetchPage(7)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestFlush_AppliesWithoutJournalRecord(t *testing.T) {
	backing := newMemBacking()
	m, err := New(backing, DefaultConfig())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.DirtyPage(3, []byte("flushed")))
	require.NoError(t, m.Flush())

	data, err := backing.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("flushed"), data)

	stats := m.Stats()
	assert.Equal(t, 0, stats.DirtyPages)
}
