package conglomerate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvtab/congl/pkg/eval"
	"github.com/kvtab/congl/pkg/mastertable"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

func parentChildSchema(onDelete ForeignKeyRule) (TableDef, TableDef) {
	parent := TableDef{
		Name: "parents",
		Columns: []ColumnDef{
			{Name: "id", Tag: mastertable.TagInt, Nullable: false, Index: IndexSorted},
		},
		PrimaryKey: []int{0},
	}
	child := TableDef{
		Name: "children",
		Columns: []ColumnDef{
			{Name: "id", Tag: mastertable.TagInt, Nullable: false, Index: IndexSorted},
			{Name: "parent_id", Tag: mastertable.TagInt, Nullable: true},
		},
		PrimaryKey: []int{0},
		ForeignKeys: []ForeignKeyDef{
			{
				Name:       "fk_parent",
				Columns:    []int{1},
				RefTable:   "parents",
				RefColumns: []int{0},
				OnDelete:   onDelete,
			},
		},
	}
	return parent, child
}

func setupParentChild(t *testing.T, onDelete ForeignKeyRule) (*Conglomerate, store.AreaID) {
	t.Helper()
	c := newTestConglomerate(t)
	parent, child := parentChildSchema(onDelete)
	require.NoError(t, c.CreateTable(parent))
	require.NoError(t, c.CreateTable(child))

	txn, err := c.Begin()
	require.NoError(t, err)
	parentID, err := txn.Insert("parents", []mastertable.Cell{intCell(1)})
	require.NoError(t, err)
	_, err = txn.Insert("children", []mastertable.Cell{intCell(100), intCell(1)})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(context.Background()))
	return c, parentID
}

func TestForeignKeyInsert_NoMatchingParentRejected(t *testing.T) {
	c := newTestConglomerate(t)
	parent, child := parentChildSchema(FKNoAction)
	require.NoError(t, c.CreateTable(parent))
	require.NoError(t, c.CreateTable(child))

	txn, err := c.Begin()
	require.NoError(t, err)
	_, err = txn.Insert("children", []mastertable.Cell{intCell(1), intCell(999)})
	assert.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeFKViolation))
}

func TestForeignKeyInsert_NullFKSkipsCheck(t *testing.T) {
	c := newTestConglomerate(t)
	parent, child := parentChildSchema(FKNoAction)
	require.NoError(t, c.CreateTable(parent))
	require.NoError(t, c.CreateTable(child))

	txn, err := c.Begin()
	require.NoError(t, err)
	_, err = txn.Insert("children", []mastertable.Cell{intCell(1), nullCell()})
	assert.NoError(t, err)
}

func TestForeignKeyDelete_NoActionRejectsWhenReferenced(t *testing.T) {
	c, parentID := setupParentChild(t, FKNoAction)

	txn, err := c.Begin()
	require.NoError(t, err)
	err = txn.Delete("parents", parentID)
	assert.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeFKViolation))
}

func TestForeignKeyDelete_CascadeRemovesChild(t *testing.T) {
	c, parentID := setupParentChild(t, FKCascade)

	txn, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Delete("parents", parentID))
	require.NoError(t, txn.Commit(context.Background()))

	txn2, err := c.Begin()
	require.NoError(t, err)
	rows, err := txn2.Select("children")
	require.NoError(t, err)
	assert.Empty(t, rows, "cascade delete should have removed the referencing child row")
	require.NoError(t, txn2.Commit(context.Background()))
}

func TestForeignKeyDelete_SetNullClearsChildColumn(t *testing.T) {
	c, parentID := setupParentChild(t, FKSetNull)

	txn, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Delete("parents", parentID))
	require.NoError(t, txn.Commit(context.Background()))

	txn2, err := c.Begin()
	require.NoError(t, err)
	rows, err := txn2.Select("children")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, mastertable.TagNull, rows[0].Cells[1].Tag)
	require.NoError(t, txn2.Commit(context.Background()))
}

func TestForeignKeyDelete_SetDefaultAppliesColumnDefault(t *testing.T) {
	c := newTestConglomerate(t)
	parent := TableDef{
		Name: "parents",
		Columns: []ColumnDef{
			{Name: "id", Tag: mastertable.TagInt, Nullable: false, Index: IndexSorted},
		},
		PrimaryKey: []int{0},
	}
	child := TableDef{
		Name: "children",
		Columns: []ColumnDef{
			{Name: "id", Tag: mastertable.TagInt, Nullable: false, Index: IndexSorted},
			{
				Name:     "parent_id",
				Tag:      mastertable.TagInt,
				Nullable: true,
				Default:  &eval.Node{Kind: eval.KindLiteral, Literal: int64(-1)},
			},
		},
		PrimaryKey: []int{0},
		ForeignKeys: []ForeignKeyDef{
			{Name: "fk_parent", Columns: []int{1}, RefTable: "parents", RefColumns: []int{0}, OnDelete: FKSetDefault},
		},
	}
	require.NoError(t, c.CreateTable(parent))
	require.NoError(t, c.CreateTable(child))

	txn, err := c.Begin()
	require.NoError(t, err)
	parentID, err := txn.Insert("parents", []mastertable.Cell{intCell(1)})
	require.NoError(t, err)
	_, err = txn.Insert("children", []mastertable.Cell{intCell(100), intCell(1)})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(context.Background()))

	txn2, err := c.Begin()
	require.NoError(t, err)
	require.NoError(t, txn2.Delete("parents", parentID))
	require.NoError(t, txn2.Commit(context.Background()))

	txn3, err := c.Begin()
	require.NoError(t, err)
	rows, err := txn3.Select("children")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, err := cellToValue(rows[0].Cells[1])
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
	require.NoError(t, txn3.Commit(context.Background()))
}
