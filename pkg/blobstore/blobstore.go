// Package blobstore implements the content-addressable large object store
// (C3): Put writes a value once, deduplicated by content digest, and
// returns a compact Ref to it. No other package in this module calls it:
// the row codec (pkg/mastertable) keeps every cell inline whatever its
// size, and no row cell holds a Ref.
package blobstore

import (
	"github.com/cespare/xxhash/v2"

	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// InlineThreshold is the byte length at or above which a value counts as
// large. Nothing in this module compares a cell against it, so no value
// is promoted out of its row record.
const InlineThreshold = 4096

// Ref is the opaque handle a row cell holds for a value stored here. It
// is small and fixed-size so it can always be embedded inline even when
// the value it points to cannot.
type Ref struct {
	Area   store.AreaID
	Length int64
	// Digest is the xxhash64 of the blob's bytes, used to dedup
	// identical large values written by concurrent transactions before
	// they ever hit the Store.
	Digest uint64
}

// BlobStore is the C3 component. It owns no transactional semantics of
// its own: blobs are content-addressed and immutable once written, so
// they need no MVCC visibility tracking. No reference count is kept: a
// blob's area is freed when a caller calls Release.
type BlobStore struct {
	store store.Store
	// dedup maps a content digest to the area already holding it, so
	// that writing the same large value twice (a common case for
	// default values and bulk loads) doesn't duplicate storage.
	dedup map[uint64]store.AreaID
}

// Open wraps a Store with blob semantics.
func Open(s store.Store) *BlobStore {
	return &BlobStore{store: s, dedup: make(map[uint64]store.AreaID)}
}

// Put writes data to the blob store and returns a Ref to it. If data is
// identical to a blob already written (by digest), the existing area is
// reused and no new write occurs.
func (b *BlobStore) Put(data []byte) (Ref, error) {
	digest := xxhash.Sum64(data)
	if area, ok := b.dedup[digest]; ok {
		if existing, err := b.store.GetArea(area); err == nil && bytesEqual(existing, data) {
			return Ref{Area: area, Length: int64(len(data)), Digest: digest}, nil
		}
	}

	b.store.LockForWrite()
	defer b.store.UnlockForWrite()

	area, err := b.store.CreateArea(data)
	if err != nil {
		return Ref{}, domain.WrapEngineError(domain.CodeStorageIO, "blob store: put", err)
	}
	b.dedup[digest] = area
	return Ref{Area: area, Length: int64(len(data)), Digest: digest}, nil
}

// Get reads back the bytes referenced by ref.
func (b *BlobStore) Get(ref Ref) ([]byte, error) {
	data, err := b.store.GetArea(ref.Area)
	if err != nil {
		return nil, domain.WrapEngineError(domain.CodeStorageIO, "blob store: get", err)
	}
	return data, nil
}

// Release drops a blob once its row-record reference count reaches
// zero. It is safe to call Release on a ref still reachable through the
// dedup table: the next Put recreates the area on demand.
func (b *BlobStore) Release(ref Ref) error {
	b.store.LockForWrite()
	defer b.store.UnlockForWrite()

	if cur, ok := b.dedup[ref.Digest]; ok && cur == ref.Area {
		delete(b.dedup, ref.Digest)
	}
	if err := b.store.DeleteArea(ref.Area); err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "blob store: release", err)
	}
	return nil
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
