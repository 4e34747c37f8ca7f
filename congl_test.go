package congl_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvtab/congl"
	"github.com/kvtab/congl/pkg/conglomerate"
	"github.com/kvtab/congl/pkg/config"
	"github.com/kvtab/congl/pkg/mastertable"
)

func ordersDef() conglomerate.TableDef {
	return conglomerate.TableDef{
		Name: "orders",
		Columns: []conglomerate.ColumnDef{
			{Name: "id", Tag: mastertable.TagInt, Nullable: false, Index: conglomerate.IndexSorted},
			{Name: "customer", Tag: mastertable.TagString, Nullable: false},
		},
		PrimaryKey: []int{0},
	}
}

func TestOpen_FreshInMemoryDatabase(t *testing.T) {
	cfg := config.DefaultConfig()
	db, err := congl.Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateTable(ordersDef()))

	txn, err := db.Begin()
	require.NoError(t, err)
	_, err = txn.Insert("orders", []mastertable.Cell{
		{Tag: mastertable.TagInt, Data: []byte{0, 0, 0, 0, 0, 0, 0, 1}},
		{Tag: mastertable.TagString, Data: []byte("acme")},
	})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(context.Background()))

	stats := db.Stats()
	require.Equal(t, 1, stats.TableCount)
}

func TestOpen_ReopensCatalogAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DatabasePath = dir

	db, err := congl.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.CreateTable(ordersDef()))
	require.NoError(t, db.Close())

	db2, err := congl.Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	stats := db2.Stats()
	require.Equal(t, 1, stats.TableCount)

	// DropTable should find the table the first handle created.
	require.NoError(t, db2.DropTable("orders"))
	require.Equal(t, 0, db2.Stats().TableCount)
}

func TestOpen_NilConfigUsesDefaults(t *testing.T) {
	db, err := congl.Open(nil)
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, 0, db.Stats().TableCount)
}
