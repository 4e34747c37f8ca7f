package blobstore

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvtab/congl/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(&store.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet_RoundTrips(t *testing.T) {
	backing := newTestStore(t)
	bs := Open(backing)

	data := []byte("a value too large to stay inline")
	ref, err := bs.Put(data)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), ref.Length)
	assert.Equal(t, xxhash.Sum64(data), ref.Digest)

	got, err := bs.Get(ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPut_DedupesIdenticalContent(t *testing.T) {
	backing := newTestStore(t)
	bs := Open(backing)

	data := []byte("repeated payload")
	ref1, err := bs.Put(data)
	require.NoError(t, err)
	ref2, err := bs.Put(append([]byte(nil), data...))
	require.NoError(t, err)

	assert.Equal(t, ref1.Area, ref2.Area, "identical content must reuse the existing area")
}

func TestPut_DifferentContentGetsDistinctAreas(t *testing.T) {
	backing := newTestStore(t)
	bs := Open(backing)

	ref1, err := bs.Put([]byte("one"))
	require.NoError(t, err)
	ref2, err := bs.Put([]byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, ref1.Area, ref2.Area)
}

func TestRelease_FreesAreaAndDedupEntry(t *testing.T) {
	backing := newTestStore(t)
	bs := Open(backing)

	data := []byte("ephemeral blob")
	ref, err := bs.Put(data)
	require.NoError(t, err)

	require.NoError(t, bs.Release(ref))

	_, err = backing.GetArea(ref.Area)
	require.Error(t, err, "released blob area must no longer be readable")

	// Put after Release must recreate the area rather than reuse a
	// stale dedup entry pointing at a now-deleted area.
	ref2, err := bs.Put(data)
	require.NoError(t, err)
	got, err := bs.Get(ref2)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
