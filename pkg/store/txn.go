package store

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/kvtab/congl/pkg/resource/domain"
)

// Batch accumulates area writes and deletes to be applied atomically.
// Conglomerate.DropTable uses a Batch to delete a table's row areas and
// its index store's start area in one indivisible step; transaction
// commit does not use one.
type Batch struct {
	store *badgerStore
	puts  map[AreaID][]byte
	dels  map[AreaID]struct{}
}

// NewBatch creates an empty batch against s. The caller must hold
// s.LockForWrite for the lifetime of the batch.
func NewBatch(s Store) *Batch {
	bs, _ := s.(*badgerStore)
	return &Batch{
		store: bs,
		puts:  make(map[AreaID][]byte),
		dels:  make(map[AreaID]struct{}),
	}
}

// Put stages an area write.
func (b *Batch) Put(id AreaID, data []byte) {
	delete(b.dels, id)
	buf := make([]byte, len(data))
	copy(buf, data)
	b.puts[id] = buf
}

// Delete stages an area deletion.
func (b *Batch) Delete(id AreaID) {
	delete(b.puts, id)
	b.dels[id] = struct{}{}
}

// Commit applies every staged write and delete as a single Badger
// transaction, so a reader never observes a partially applied batch.
func (b *Batch) Commit() error {
	if b.store == nil {
		return domain.NewEngineError(domain.CodeStorageIO, "batch: store unavailable")
	}
	err := b.store.db.Update(func(txn *badger.Txn) error {
		for id, data := range b.puts {
			if err := txn.Set(b.store.keys.encodeArea(id), data); err != nil {
				return err
			}
		}
		for id := range b.dels {
			if err := txn.Delete(b.store.keys.encodeArea(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.WrapEngineError(domain.CodeStorageIO, "commit batch", err)
	}

	// The batch wrote directly to Badger, bypassing the buffer manager's
	// dirty-page buffer; prime written ids and invalidate deleted ones so
	// a subsequent GetArea doesn't serve a stale cached copy.
	for id, data := range b.puts {
		b.store.bm.Prime(uint64(id), data)
	}
	for id := range b.dels {
		b.store.bm.Invalidate(uint64(id))
	}
	return nil
}
