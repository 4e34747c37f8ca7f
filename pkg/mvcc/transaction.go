package mvcc

import (
	"sync"
	"time"
)

// Transaction is a Manager-tracked handle for one open transaction's
// commit-clock bookkeeping: when it started (as a CommitID floor), what
// it eventually committed as (if it did), and its current status.
// pkg/conglomerate embeds one of these per live transaction alongside
// the MasterTable snapshots and TableJournals it actually owns.
type Transaction struct {
	mu            sync.RWMutex
	startCommitID CommitID
	commitID      CommitID
	status        TransactionStatus
	startedAt     time.Time
	endedAt       time.Time
	manager       *Manager
}

// StartCommitID is the snapshot floor recorded at Begin: the highest
// CommitID published before this transaction started. Every row whose
// AddedCommit is at or below this value is visible to it.
func (t *Transaction) StartCommitID() CommitID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startCommitID
}

// CommitID returns the CommitID this transaction was assigned, valid
// only once Status() is StatusCommitted.
func (t *Transaction) CommitID() CommitID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.commitID
}

// Status returns the transaction's current lifecycle state.
func (t *Transaction) Status() TransactionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Age reports how long this transaction has been open (or was open,
// once closed).
func (t *Transaction) Age() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.endedAt.IsZero() {
		return time.Since(t.startedAt)
	}
	return t.endedAt.Sub(t.startedAt)
}
