package conglomerate

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kvtab/congl/pkg/eval"
	"github.com/kvtab/congl/pkg/indexset"
	"github.com/kvtab/congl/pkg/journal"
	"github.com/kvtab/congl/pkg/mastertable"
	"github.com/kvtab/congl/pkg/resource/domain"
	"github.com/kvtab/congl/pkg/store"
)

// cellToValue decodes a mastertable.Cell into the eval.Value it
// represents, the shared currency CHECK expressions and constraint
// comparisons operate on.
func cellToValue(c mastertable.Cell) (eval.Value, error) {
	switch c.Tag {
	case mastertable.TagNull:
		return nil, nil
	case mastertable.TagBool:
		if len(c.Data) < 1 {
			return nil, domain.NewEngineError(domain.CodeCorruption, "conglomerate: truncated bool cell")
		}
		return c.Data[0] != 0, nil
	case mastertable.TagInt:
		if len(c.Data) < 8 {
			return nil, domain.NewEngineError(domain.CodeCorruption, "conglomerate: truncated int cell")
		}
		return int64(binary.BigEndian.Uint64(c.Data)), nil
	case mastertable.TagFloat:
		if len(c.Data) < 8 {
			return nil, domain.NewEngineError(domain.CodeCorruption, "conglomerate: truncated float cell")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(c.Data)), nil
	case mastertable.TagString:
		return string(c.Data), nil
	case mastertable.TagBlobRef:
		return string(c.Data), nil
	default:
		return nil, domain.NewEngineError(domain.CodeCorruption, "conglomerate: unknown cell tag")
	}
}

// valueToCell encodes an eval.Value back into a cell of the given tag,
// used to materialize a column's default expression or a SET NULL /
// SET DEFAULT cascade substitution.
func valueToCell(v eval.Value, tag mastertable.CellTag) (mastertable.Cell, error) {
	if v == nil {
		return mastertable.Cell{Tag: mastertable.TagNull}, nil
	}
	switch tag {
	case mastertable.TagBool:
		b, ok := v.(bool)
		if !ok {
			return mastertable.Cell{}, fmt.Errorf("conglomerate: expected bool value, got %T", v)
		}
		data := []byte{0}
		if b {
			data[0] = 1
		}
		return mastertable.Cell{Tag: tag, Data: data}, nil
	case mastertable.TagInt:
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case float64:
			n = int64(x)
		default:
			return mastertable.Cell{}, fmt.Errorf("conglomerate: expected numeric value, got %T", v)
		}
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, uint64(n))
		return mastertable.Cell{Tag: tag, Data: data}, nil
	case mastertable.TagFloat:
		f, ok := toFloatValue(v)
		if !ok {
			return mastertable.Cell{}, fmt.Errorf("conglomerate: expected numeric value, got %T", v)
		}
		data := make([]byte, 8)
		binary.BigEndian.PutUint64(data, math.Float64bits(f))
		return mastertable.Cell{Tag: tag, Data: data}, nil
	case mastertable.TagString:
		s, ok := v.(string)
		if !ok {
			return mastertable.Cell{}, fmt.Errorf("conglomerate: expected string value, got %T", v)
		}
		return mastertable.Cell{Tag: tag, Data: []byte(s)}, nil
	default:
		return mastertable.Cell{}, fmt.Errorf("conglomerate: cannot build a default cell for tag %v", tag)
	}
}

func toFloatValue(v eval.Value) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b eval.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case int64:
		if bf, ok := toFloatValue(b); ok {
			return float64(av) == bf
		}
	case float64:
		if bf, ok := toFloatValue(b); ok {
			return av == bf
		}
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func cellsEqual(a, b mastertable.Cell) bool {
	av, aerr := cellToValue(a)
	bv, berr := cellToValue(b)
	if aerr != nil || berr != nil {
		return false
	}
	return valuesEqual(av, bv)
}

// rowVars resolves a CHECK expression's column references against one
// row's cells, by column name.
type rowVars struct {
	def   *TableDef
	cells []mastertable.Cell
}

func (r rowVars) Resolve(name string) (eval.Value, error) {
	idx, ok := r.def.HasColumn(name)
	if !ok {
		return nil, fmt.Errorf("conglomerate: unknown column %q in CHECK expression", name)
	}
	return cellToValue(r.cells[idx])
}

// validateRowConstraints checks NOT NULL, CHECK, UNIQUE, and FOREIGN
// KEY constraints for a row about to be inserted or updated into
// tableName. excludeRowID is the row's own prior id on an update (so its
// own previous version is never compared against itself for
// uniqueness), or zero for a fresh insert.
func validateRowConstraints(t *Txn, tableName string, tt *txnTable, cells []mastertable.Cell, excludeRowID store.AreaID) error {
	def := tt.entry.def

	for i, col := range def.Columns {
		if !col.Nullable && cells[i].Tag == mastertable.TagNull {
			return domain.NewEngineError(domain.CodeNotNullViolation, fmt.Sprintf("conglomerate: column %q of table %q cannot be null", col.Name, tableName))
		}
	}

	ev := eval.New(rowVars{def: def, cells: cells}, nil)
	for _, col := range def.Columns {
		if col.Check == nil {
			continue
		}
		ok, err := ev.EvalBool(col.Check)
		if err != nil {
			return domain.WrapEngineError(domain.CodeCheckViolation, fmt.Sprintf("conglomerate: CHECK on column %q of table %q", col.Name, tableName), err)
		}
		if ok != nil && !*ok {
			return domain.NewEngineError(domain.CodeCheckViolation, fmt.Sprintf("conglomerate: CHECK constraint failed on column %q of table %q", col.Name, tableName))
		}
	}
	for _, expr := range def.TableChecks {
		ok, err := ev.EvalBool(expr)
		if err != nil {
			return domain.WrapEngineError(domain.CodeCheckViolation, fmt.Sprintf("conglomerate: table CHECK on %q", tableName), err)
		}
		if ok != nil && !*ok {
			return domain.NewEngineError(domain.CodeCheckViolation, fmt.Sprintf("conglomerate: table CHECK constraint failed on %q", tableName))
		}
	}

	uniqueGroups := def.UniqueKeys
	if len(def.PrimaryKey) > 0 {
		uniqueGroups = append([][]int{def.PrimaryKey}, uniqueGroups...)
	}
	if len(uniqueGroups) > 0 {
		if err := checkUnique(t, tableName, tt, def, cells, excludeRowID, uniqueGroups); err != nil {
			return err
		}
	}

	for _, fk := range def.ForeignKeys {
		if err := checkForeignKey(t, tableName, def, fk, cells); err != nil {
			return err
		}
	}
	return nil
}

// filterByIndexMembership narrows candidates to the rows present in
// idx, using a single-column secondary index's row-id membership as a
// cheap pre-filter: a row absent from the index holds NULL in that
// column and can never match a non-null group or foreign key, so this
// skips its GetRow read entirely.
func filterByIndexMembership(candidates []store.AreaID, idx *indexset.BlockList) []store.AreaID {
	out := candidates[:0:0]
	for _, rowID := range candidates {
		if idx.Contains(int64(rowID)) {
			out = append(out, rowID)
		}
	}
	return out
}

func checkUnique(t *Txn, tableName string, tt *txnTable, def *TableDef, cells []mastertable.Cell, excludeRowID store.AreaID, groups [][]int) error {
	for _, group := range groups {
		anyNull := false
		for _, col := range group {
			if cells[col].Tag == mastertable.TagNull {
				anyNull = true
				break
			}
		}
		if anyNull {
			continue
		}

		candidates := t.visibleRowIDs(tt)
		if len(group) == 1 {
			if slot := def.indexSlotFor(group[0]); slot > 0 {
				candidates = filterByIndexMembership(candidates, tt.idxTxn.Index(slot))
			}
		}

		for _, rowID := range candidates {
			if rowID == excludeRowID {
				continue
			}
			_, _, _, other, err := tt.entry.mt.GetRow(rowID)
			if err != nil {
				return err
			}
			matches := true
			for _, col := range group {
				if other[col].Tag == mastertable.TagNull || !cellsEqual(cells[col], other[col]) {
					matches = false
					break
				}
			}
			if matches {
				return domain.NewEngineError(domain.CodeUniqueViolation, fmt.Sprintf("conglomerate: unique constraint violated on table %q", tableName))
			}
		}
	}
	return nil
}

func checkForeignKey(t *Txn, tableName string, def *TableDef, fk ForeignKeyDef, cells []mastertable.Cell) error {
	anyNull := false
	for _, col := range fk.Columns {
		if cells[col].Tag == mastertable.TagNull {
			anyNull = true
			break
		}
	}
	if anyNull {
		return nil
	}

	refTt, err := t.ensureTable(fk.RefTable)
	if err != nil {
		return domain.WrapEngineError(domain.CodeFKViolation, fmt.Sprintf("conglomerate: foreign key %q on table %q references unknown table %q", fk.Name, tableName, fk.RefTable), err)
	}

	candidates := t.visibleRowIDs(refTt)
	if len(fk.RefColumns) == 1 {
		if slot := refTt.entry.def.indexSlotFor(fk.RefColumns[0]); slot > 0 {
			candidates = filterByIndexMembership(candidates, refTt.idxTxn.Index(slot))
		}
	}

	for _, rowID := range candidates {
		_, _, _, refCells, err := refTt.entry.mt.GetRow(rowID)
		if err != nil {
			return err
		}
		matches := true
		for i, localCol := range fk.Columns {
			refCol := fk.RefColumns[i]
			if !cellsEqual(cells[localCol], refCells[refCol]) {
				matches = false
				break
			}
		}
		if matches {
			return nil
		}
	}
	return domain.NewEngineError(domain.CodeFKViolation, fmt.Sprintf("conglomerate: foreign key %q on table %q has no matching row in %q", fk.Name, tableName, fk.RefTable))
}

// applyDeleteCascade enforces every other table's FOREIGN KEY ON DELETE
// rule against deletedCells, the row about to be removed from
// tableName. It must run before the delete's own ops are buffered, so a
// FKNoAction violation aborts before any state changes.
func applyDeleteCascade(t *Txn, tableName string, deletedCells []mastertable.Cell) error {
	t.conglomerate.mu.RLock()
	referrers := make(map[string]*TableDef, len(t.conglomerate.tables))
	for name, entry := range t.conglomerate.tables {
		referrers[name] = entry.def
	}
	t.conglomerate.mu.RUnlock()

	for childName, childDef := range referrers {
		for _, fk := range childDef.ForeignKeys {
			if fk.RefTable != tableName {
				continue
			}
			if err := cascadeOneForeignKey(t, childName, childDef, fk, deletedCells); err != nil {
				return err
			}
		}
	}
	return nil
}

func cascadeOneForeignKey(t *Txn, childName string, childDef *TableDef, fk ForeignKeyDef, deletedCells []mastertable.Cell) error {
	refVals := make([]eval.Value, len(fk.RefColumns))
	for i, refCol := range fk.RefColumns {
		v, err := cellToValue(deletedCells[refCol])
		if err != nil {
			return err
		}
		refVals[i] = v
	}

	childTt, err := t.ensureTable(childName)
	if err != nil {
		return err
	}
	candidates := append([]store.AreaID(nil), t.visibleRowIDs(childTt)...)

	for _, rowID := range candidates {
		_, _, _, childCells, err := childTt.entry.mt.GetRow(rowID)
		if err != nil {
			return err
		}
		matches := true
		for i, col := range fk.Columns {
			v, err := cellToValue(childCells[col])
			if err != nil {
				return err
			}
			if !valuesEqual(v, refVals[i]) {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}

		switch fk.OnDelete {
		case FKNoAction:
			return domain.NewEngineError(domain.CodeFKViolation, fmt.Sprintf("conglomerate: row referenced by foreign key %q on table %q", fk.Name, childName))
		case FKCascade:
			if err := t.Delete(childName, rowID); err != nil {
				return err
			}
		case FKSetNull:
			newCells := append([]mastertable.Cell(nil), childCells...)
			for _, col := range fk.Columns {
				newCells[col] = mastertable.Cell{Tag: mastertable.TagNull}
			}
			if _, err := t.Update(childName, rowID, newCells); err != nil {
				return err
			}
		case FKSetDefault:
			newCells := append([]mastertable.Cell(nil), childCells...)
			for _, col := range fk.Columns {
				defaultExpr := childDef.Columns[col].Default
				var defaultVal eval.Value
				if defaultExpr != nil {
					ev := eval.New(nil, nil)
					dv, evalErr := ev.Eval(defaultExpr)
					if evalErr != nil {
						return evalErr
					}
					defaultVal = dv
				}
				cell, cellErr := valueToCell(defaultVal, childDef.Columns[col].Tag)
				if cellErr != nil {
					return cellErr
				}
				newCells[col] = cell
			}
			if _, err := t.Update(childName, rowID, newCells); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateCommitConstraints re-validates FOREIGN KEY references for
// every row this transaction is about to publish as added, guarding
// against the case where a later operation within the same transaction
// (e.g. an FK cascade triggered by a different table's delete) removed
// the referenced row after the original Insert/Update-time check passed.
func validateCommitConstraints(t *Txn, names []string) error {
	for _, name := range names {
		tt := t.tables[name]
		def := tt.entry.def
		if len(def.ForeignKeys) == 0 {
			continue
		}
		for _, op := range tt.ops {
			if op.op != journal.TableAdd && op.op != journal.TableUpdateAdd {
				continue
			}
			_, _, _, cells, err := tt.entry.mt.GetRow(op.rowID)
			if err != nil {
				return err
			}
			for _, fk := range def.ForeignKeys {
				if err := checkForeignKey(t, name, def, fk, cells); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
