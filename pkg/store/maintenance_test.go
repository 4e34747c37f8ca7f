package store

import (
	"testing"
	"time"
)

func TestMaintenance_StartStopIdempotent(t *testing.T) {
	s := newTestStore(t)
	m := NewMaintenance(s)

	m.Start(&MaintenanceConfig{EnableAutoGC: true, GCInterval: time.Millisecond, GCDiscardRatio: 0.5})
	m.Start(nil) // second Start before Stop must be a no-op, not a second goroutine

	m.Stop()
	m.Stop() // Stop on an already-stopped driver must not panic
}

func TestMaintenance_DisabledNeverStarts(t *testing.T) {
	s := newTestStore(t)
	m := NewMaintenance(s)
	m.Start(&MaintenanceConfig{EnableAutoGC: false})
	m.Stop() // no-op: nothing was started
}
