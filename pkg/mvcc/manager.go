package mvcc

import (
	"fmt"
	"sync"
	"time"
)

// Config configures a Manager's commit-clock and active-transaction
// bookkeeping.
type Config struct {
	// GCInterval is how often GC() is expected to be invoked by a
	// caller-owned ticker (pkg/conglomerate's maintenance loop); Manager
	// itself never starts a goroutine, per this engine's rule against
	// process-wide state (spec DESIGN NOTES: pass a context handle, not
	// a singleton).
	GCInterval time.Duration
	// GCAgeThreshold is how long a closed transaction's bookkeeping
	// entry is kept before GC reclaims it, giving late diagnostics a
	// window to inspect a just-finished transaction.
	GCAgeThreshold time.Duration
	// MaxActiveTransactions bounds concurrently open transactions. Zero
	// means unbounded.
	MaxActiveTransactions int
}

// DefaultConfig returns the Manager defaults used when NewManager is
// called with nil.
func DefaultConfig() *Config {
	return &Config{
		GCInterval:            time.Minute,
		GCAgeThreshold:        10 * time.Minute,
		MaxActiveTransactions: 0,
	}
}

// Manager allocates CommitIDs, tracks which transactions are still
// open, and answers the "what is the oldest snapshot any live
// transaction could still need" query GC uses before reclaiming
// COMMITTED_REMOVED rows. It carries no package-level singleton: every
// caller threads a *Manager through explicitly.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	current  CommitID
	active   map[*Transaction]struct{}
	closedAt map[*Transaction]time.Time
	closed   bool
}

// NewManager creates a Manager. A nil cfg uses DefaultConfig.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		config:   cfg,
		active:   make(map[*Transaction]struct{}),
		closedAt: make(map[*Transaction]time.Time),
	}
}

// CurrentCommitID returns the most recently assigned CommitID.
func (m *Manager) CurrentCommitID() CommitID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Begin opens a new transaction whose snapshot floor is the CommitID of
// the last commit published before it started (spec §4.8.1: "record
// startCommitId = currentCommitId").
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("mvcc: manager is closed")
	}
	if m.config.MaxActiveTransactions > 0 && len(m.active) >= m.config.MaxActiveTransactions {
		return nil, fmt.Errorf("mvcc: too many active transactions (max %d)", m.config.MaxActiveTransactions)
	}

	txn := &Transaction{
		startCommitID: m.current,
		status:        StatusInProgress,
		startedAt:     time.Now(),
		manager:       m,
	}
	m.active[txn] = struct{}{}
	return txn, nil
}

// Commit assigns the next CommitID to txn, marks it committed, and
// removes it from the active set. The caller (pkg/conglomerate) must
// already hold the write lock of every table the transaction touched
// and must have finished validation before calling this, then publishes
// row states under the returned CommitID — Commit itself does no
// conflict checking.
func (m *Manager) Commit(txn *Transaction) (CommitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[txn]; !ok {
		return 0, fmt.Errorf("mvcc: transaction is not in progress")
	}
	m.current++
	txn.mu.Lock()
	txn.status = StatusCommitted
	txn.commitID = m.current
	txn.endedAt = time.Now()
	txn.mu.Unlock()

	delete(m.active, txn)
	m.closedAt[txn] = time.Now()
	return m.current, nil
}

// Rollback marks txn aborted and removes it from the active set,
// without consuming a CommitID.
func (m *Manager) Rollback(txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[txn]; !ok {
		return fmt.Errorf("mvcc: transaction is not in progress")
	}
	txn.mu.Lock()
	txn.status = StatusAborted
	txn.endedAt = time.Now()
	txn.mu.Unlock()

	delete(m.active, txn)
	m.closedAt[txn] = time.Now()
	return nil
}

// SafeFloor returns the lowest startCommitID of any still-open
// transaction, or the current CommitID if none are open. A
// MasterTable's GC pass may reclaim a COMMITTED_REMOVED row whose
// RemovedCommit is at or below this value (spec invariant 5: a
// committed journal is retained "until every active transaction T has
// T.snapshotId >= c").
func (m *Manager) SafeFloor() CommitID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	floor := m.current
	for txn := range m.active {
		txn.mu.RLock()
		start := txn.startCommitID
		txn.mu.RUnlock()
		if start < floor {
			floor = start
		}
	}
	return floor
}

// ActiveCount returns how many transactions are currently open.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// GC drops bookkeeping for transactions that closed more than
// GCAgeThreshold ago. The caller is responsible for invoking this
// periodically; Manager never schedules its own timer.
func (m *Manager) GC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.config.GCAgeThreshold)
	for txn, closedAt := range m.closedAt {
		if closedAt.Before(cutoff) {
			delete(m.closedAt, txn)
		}
	}
}

// Stats is a diagnostic snapshot of Manager state.
type Stats struct {
	CurrentCommitID CommitID
	ActiveCount     int
	ClosedTracked   int
	Closed          bool
}

// Stats returns a diagnostic snapshot, used by Conglomerate.Stats.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		CurrentCommitID: m.current,
		ActiveCount:     len(m.active),
		ClosedTracked:   len(m.closedAt),
		Closed:          m.closed,
	}
}

// Close marks the manager closed; further Begin calls fail. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
