// Package conglomerate implements the Transaction/Conglomerate
// component (C8): the set of MasterTables backed by one Store plus the
// commit machinery that validates, publishes, and constraint-checks a
// transaction's journal against them. It is the component every other
// piece of this engine — MasterTable (C5), TableJournal (C6),
// LockingQueue (C7), IndexSetStore (C4), and the expression evaluator
// (C9) — exists to serve.
package conglomerate

import (
	"github.com/kvtab/congl/pkg/eval"
	"github.com/kvtab/congl/pkg/mastertable"
)

// IndexPref is a column's indexing preference, chosen at table creation
// and immutable afterward (spec §3 TableDefinition).
type IndexPref int

const (
	// IndexNone means the column has no secondary index; point lookups
	// and uniqueness checks against it fall back to a full table scan.
	IndexNone IndexPref = iota
	// IndexSorted maintains a secondary IndexSetStore list of the ids of
	// rows whose cell in this column is non-null, used as a membership
	// pre-filter for unique/PK and FK checks. The list is ordered by row
	// id, not by this column's value, and no range lookup reads it; it
	// is maintained exactly like an IndexBlind list.
	IndexSorted
	// IndexBlind maintains the same membership-only secondary list
	// (row ids, no value ordering), useful for FK columns that are
	// looked up by equality but never ranged over.
	IndexBlind
)

// ForeignKeyRule is the action taken against referring rows when the
// referenced key is deleted or updated (spec §4.8.1).
type ForeignKeyRule int

const (
	FKNoAction ForeignKeyRule = iota
	FKCascade
	FKSetNull
	FKSetDefault
)

// ColumnDef describes one column of a TableDef.
type ColumnDef struct {
	Name     string
	Tag      mastertable.CellTag
	Nullable bool
	Index    IndexPref
	// Default is the column's default value expression, evaluated with
	// no row bound (a KindLiteral node in practice). Nil means no
	// default; SET DEFAULT against such a column assigns NULL.
	Default *eval.Node
	// Check is an optional per-column CHECK expression, evaluated with
	// the row's own cells bound by column name.
	Check *eval.Node
}

// ForeignKeyDef is one FK constraint from this table to another.
type ForeignKeyDef struct {
	Name       string
	Columns    []int // local column indices, in order
	RefTable   string
	RefColumns []int // referenced table's column indices, in order
	OnDelete   ForeignKeyRule
	OnUpdate   ForeignKeyRule
}

// TableDef is the immutable shape of one table (spec §3
// TableDefinition). ALTER is out of scope per spec §1 Non-goals beyond
// ADD/DROP INDEX, and Conglomerate has no ADD/DROP INDEX operation, so
// a TableDef never changes after creation.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  []int   // column indices forming the primary key, or nil
	UniqueKeys  [][]int // additional unique constraints, each a column-index group
	ForeignKeys []ForeignKeyDef
	// TableChecks are CHECK expressions that reference more than one
	// column and so can't be attached to a single ColumnDef.
	TableChecks []*eval.Node
}

// indexSlotFor returns the IndexSetStore slot (1..N-1; slot 0 is always
// the presence/master index) assigned to column col, or -1 if the
// column carries no secondary index. Slots are assigned in column
// order among only the indexed columns, matching the order AddIndex
// calls were made when the table was created.
func (t *TableDef) indexSlotFor(col int) int {
	slot := 1
	for i, c := range t.Columns {
		if c.Index == IndexNone {
			continue
		}
		if i == col {
			return slot
		}
		slot++
	}
	return -1
}

// HasColumn reports whether name identifies a column of t, returning
// its index.
func (t *TableDef) HasColumn(name string) (int, bool) {
	for i, c := range t.Columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}
