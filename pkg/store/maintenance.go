package store

import (
	"sync"
	"time"
)

// MaintenanceConfig configures the Store's background value-log garbage
// collection, which reclaims space Badger's own compaction leaves behind
// after DeleteArea calls.
type MaintenanceConfig struct {
	EnableAutoGC   bool          `json:"enable_auto_gc"`
	GCInterval     time.Duration `json:"gc_interval"`
	GCDiscardRatio float64       `json:"gc_discard_ratio"`
}

// DefaultMaintenanceConfig returns the default background GC cadence.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		EnableAutoGC:   true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// Maintenance drives a Store's background value-log GC on an interval.
// It is separate from Store itself because not every caller (tests,
// one-shot tools) wants a background goroutine running.
type Maintenance struct {
	store *badgerStore
	mu    sync.Mutex
	stop  chan struct{}
}

// NewMaintenance returns a Maintenance driver for s. s must be a
// Badger-backed Store returned by Open.
func NewMaintenance(s Store) *Maintenance {
	bs, _ := s.(*badgerStore)
	return &Maintenance{store: bs}
}

// Start begins the background GC loop. Calling Start twice without an
// intervening Stop is a no-op.
func (m *Maintenance) Start(cfg *MaintenanceConfig) {
	if cfg == nil {
		cfg = DefaultMaintenanceConfig()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil || !cfg.EnableAutoGC || m.store == nil {
		return
	}
	m.stop = make(chan struct{})
	go m.run(cfg, m.stop)
}

// Stop halts the background GC loop, if running.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.stop = nil
}

func (m *Maintenance) run(cfg *MaintenanceConfig, stop chan struct{}) {
	ticker := time.NewTicker(cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for m.store.db.RunValueLogGC(cfg.GCDiscardRatio) == nil {
			}
		}
	}
}
