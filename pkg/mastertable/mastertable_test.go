package mastertable

import (
	"testing"

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

func TestCreate_AddRowGetRow(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)

	cells := []Cell{
		{Tag: TagInt, Data: []byte{0, 0, 0, 0, 0, 0, 0, 7}},
		{Tag: TagString, Data: []byte("gadget")},
	}
	rowID, err := mt.AddRow(cells)
	require.NoError(t, err)

	state, added, removed, got, err := mt.GetRow(rowID)
	require.NoError(t, err)
	assert.Equal(t, RowUncommitted, state)
	assert.Zero(t, added)
	assert.Zero(t, removed)
	require.Len(t, got, 2)
	assert.Equal(t, cells[0], got[0])
	assert.Equal(t, cells[1], got[1])
}

func TestGetCell_OutOfRange(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)
	rowID, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)

	_, err = mt.GetCell(rowID, 5)
	require.Error(t, err)
}

func TestWriteRecordState_ValidTransitions(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)
	rowID, err := mt.AddRow([]Cell{{Tag: TagInt, Data: []byte{0, 0, 0, 0, 0, 0, 0, 1}}})
	require.NoError(t, err)

	require.NoError(t, mt.WriteRecordState(rowID, RowCommittedAdded, 10))
	state, added, _, _, err := mt.GetRow(rowID)
	require.NoError(t, err)
	assert.Equal(t, RowCommittedAdded, state)
	assert.EqualValues(t, 10, added)

	require.NoError(t, mt.WriteRecordState(rowID, RowCommittedRemoved, 20))
	state, _, removed, _, err := mt.GetRow(rowID)
	require.NoError(t, err)
	assert.Equal(t, RowCommittedRemoved, state)
	assert.EqualValues(t, 20, removed)
}

func TestWriteRecordState_InvalidTransitionRejected(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)
	rowID, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)

	// Uncommitted -> CommittedRemoved is not a legal transition; it must
	// go through CommittedAdded first.
	err = mt.WriteRecordState(rowID, RowCommittedRemoved, 1)
	require.Error(t, err)
}

func TestIsVisible(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)

	assert.True(t, mt.IsVisible(RowCommittedAdded, 5, 0, 10))
	assert.False(t, mt.IsVisible(RowCommittedAdded, 15, 0, 10))
	assert.True(t, mt.IsVisible(RowCommittedRemoved, 5, 15, 10))
	assert.False(t, mt.IsVisible(RowCommittedRemoved, 5, 8, 10))
	assert.False(t, mt.IsVisible(RowUncommitted, 0, 0, 10))
	assert.False(t, mt.IsVisible(RowDeleted, 0, 0, 10))
}

func TestGC_ReclaimsOnlyBelowSafeFloor(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)

	row1, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)
	require.NoError(t, mt.WriteRecordState(row1, RowCommittedAdded, 1))
	require.NoError(t, mt.WriteRecordState(row1, RowCommittedRemoved, 5))

	row2, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)
	require.NoError(t, mt.WriteRecordState(row2, RowCommittedAdded, 1))
	require.NoError(t, mt.WriteRecordState(row2, RowCommittedRemoved, 50))

	reclaimed, err := mt.GC([]store.AreaID{row1, row2}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	_, err = backing.GetArea(row1)
	require.Error(t, err, "reclaimed row's area should be gone")
	_, err = backing.GetArea(row2)
	require.NoError(t, err, "row above the safe floor must survive GC")
}

func TestGC_NoOpWhileRootLockHeld(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)

	row, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)
	require.NoError(t, mt.WriteRecordState(row, RowCommittedAdded, 1))
	require.NoError(t, mt.WriteRecordState(row, RowCommittedRemoved, 2))

	mt.AddRootLock()
	reclaimed, err := mt.GC([]store.AreaID{row}, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	mt.RemoveRootLock()

	reclaimed, err = mt.GC([]store.AreaID{row}, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}

func TestRepairOnOpen_TransitionsUncommittedToDeleted(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)

	row, err := mt.AddRow([]Cell{{Tag: TagNull}})
	require.NoError(t, err)

	repaired, err := mt.RepairOnOpen([]store.AreaID{row})
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	state, _, _, _, err := mt.GetRow(row)
	require.NoError(t, err)
	assert.Equal(t, RowDeleted, state)
}

func TestOpen_ReopensWithSameIndexStartArea(t *testing.T) {
	backing := newTestStore(t)
	mt, err := Create(backing, "widgets")
	require.NoError(t, err)
	startArea := mt.IndexStartArea()

	reopened, err := Open(backing, "widgets", startArea)
	require.NoError(t, err)
	assert.Equal(t, startArea, reopened.IndexStartArea())
}
