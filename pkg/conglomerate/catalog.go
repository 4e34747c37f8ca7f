package conglomerate

import (
	"encoding/binary"
	"fmt"

	"github.com/kvtab/congl/pkg/eval"
	"github.com/kvtab/congl/pkg/mastertable"
	"github.com/kvtab/congl/pkg/store"
)

// catalogEntry is the persisted shape of one table: everything
// Conglomerate.Open needs to reconstruct a MasterTable and its TableDef
// without replaying any journal. The encoding follows the same
// length-prefixed, big-endian tag-length-value discipline as
// pkg/eval's expression codec rather than gob or JSON, so the catalog
// area survives a restart without trusting Go's object serializer.
type catalogEntry struct {
	def            TableDef
	indexStartArea store.AreaID
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendCatalogString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendIntSlice(buf []byte, vals []int) []byte {
	buf = appendUint32(buf, uint32(len(vals)))
	for _, v := range vals {
		buf = appendUint32(buf, uint32(v))
	}
	return buf
}

func appendExpr(buf []byte, n *eval.Node) []byte {
	if n == nil {
		return appendUint32(buf, 0)
	}
	encoded := eval.Encode(n)
	buf = appendUint32(buf, uint32(len(encoded)))
	return append(buf, encoded...)
}

func encodeCatalog(entries []catalogEntry) []byte {
	buf := appendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		buf = appendCatalogString(buf, e.def.Name)
		buf = appendUint64(buf, uint64(e.indexStartArea))
		buf = appendUint32(buf, uint32(len(e.def.Columns)))
		for _, c := range e.def.Columns {
			buf = appendCatalogString(buf, c.Name)
			buf = append(buf, byte(c.Tag))
			if c.Nullable {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = append(buf, byte(c.Index))
			buf = appendExpr(buf, c.Default)
			buf = appendExpr(buf, c.Check)
		}
		buf = appendIntSlice(buf, e.def.PrimaryKey)
		buf = appendUint32(buf, uint32(len(e.def.UniqueKeys)))
		for _, g := range e.def.UniqueKeys {
			buf = appendIntSlice(buf, g)
		}
		buf = appendUint32(buf, uint32(len(e.def.ForeignKeys)))
		for _, fk := range e.def.ForeignKeys {
			buf = appendCatalogString(buf, fk.Name)
			buf = appendIntSlice(buf, fk.Columns)
			buf = appendCatalogString(buf, fk.RefTable)
			buf = appendIntSlice(buf, fk.RefColumns)
			buf = append(buf, byte(fk.OnDelete), byte(fk.OnUpdate))
		}
		buf = appendUint32(buf, uint32(len(e.def.TableChecks)))
		for _, expr := range e.def.TableChecks {
			buf = appendExpr(buf, expr)
		}
	}
	return buf
}

func readCatalogString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, fmt.Errorf("conglomerate: truncated catalog string length")
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	if len(buf) < 4+n {
		return "", 0, fmt.Errorf("conglomerate: truncated catalog string body")
	}
	return string(buf[4 : 4+n]), 4 + n, nil
}

func readIntSlice(buf []byte) ([]int, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("conglomerate: truncated catalog int slice")
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	off := 4
	if len(buf) < off+4*n {
		return nil, 0, fmt.Errorf("conglomerate: truncated catalog int slice body")
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return out, off, nil
}

func readExpr(buf []byte) (*eval.Node, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("conglomerate: truncated catalog expr length")
	}
	n := int(binary.BigEndian.Uint32(buf[:4]))
	if n == 0 {
		return nil, 4, nil
	}
	if len(buf) < 4+n {
		return nil, 0, fmt.Errorf("conglomerate: truncated catalog expr body")
	}
	node, consumed, err := eval.Decode(buf[4 : 4+n])
	if err != nil {
		return nil, 0, err
	}
	if consumed != n {
		return nil, 0, fmt.Errorf("conglomerate: catalog expr length mismatch")
	}
	return node, 4 + n, nil
}

func decodeCatalog(buf []byte) ([]catalogEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("conglomerate: truncated catalog")
	}
	count := int(binary.BigEndian.Uint32(buf[:4]))
	off := 4
	entries := make([]catalogEntry, 0, count)
	for i := 0; i < count; i++ {
		var e catalogEntry
		var n int
		var err error

		e.def.Name, n, err = readCatalogString(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n

		if len(buf[off:]) < 8 {
			return nil, fmt.Errorf("conglomerate: truncated catalog index area pointer")
		}
		e.indexStartArea = store.AreaID(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8

		if len(buf[off:]) < 4 {
			return nil, fmt.Errorf("conglomerate: truncated catalog column count")
		}
		colCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		e.def.Columns = make([]ColumnDef, colCount)
		for c := 0; c < colCount; c++ {
			var col ColumnDef
			col.Name, n, err = readCatalogString(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if len(buf[off:]) < 3 {
				return nil, fmt.Errorf("conglomerate: truncated catalog column flags")
			}
			col.Tag = mastertable.CellTag(buf[off])
			col.Nullable = buf[off+1] != 0
			col.Index = IndexPref(buf[off+2])
			off += 3
			col.Default, n, err = readExpr(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			col.Check, n, err = readExpr(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			e.def.Columns[c] = col
		}

		e.def.PrimaryKey, n, err = readIntSlice(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n

		if len(buf[off:]) < 4 {
			return nil, fmt.Errorf("conglomerate: truncated catalog unique group count")
		}
		ugCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		e.def.UniqueKeys = make([][]int, ugCount)
		for g := 0; g < ugCount; g++ {
			e.def.UniqueKeys[g], n, err = readIntSlice(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
		}

		if len(buf[off:]) < 4 {
			return nil, fmt.Errorf("conglomerate: truncated catalog fk count")
		}
		fkCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		e.def.ForeignKeys = make([]ForeignKeyDef, fkCount)
		for f := 0; f < fkCount; f++ {
			var fk ForeignKeyDef
			fk.Name, n, err = readCatalogString(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			fk.Columns, n, err = readIntSlice(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			fk.RefTable, n, err = readCatalogString(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			fk.RefColumns, n, err = readIntSlice(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
			if len(buf[off:]) < 2 {
				return nil, fmt.Errorf("conglomerate: truncated catalog fk rules")
			}
			fk.OnDelete = ForeignKeyRule(buf[off])
			fk.OnUpdate = ForeignKeyRule(buf[off+1])
			off += 2
			e.def.ForeignKeys[f] = fk
		}

		if len(buf[off:]) < 4 {
			return nil, fmt.Errorf("conglomerate: truncated catalog check count")
		}
		checkCount := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		e.def.TableChecks = make([]*eval.Node, checkCount)
		for c := 0; c < checkCount; c++ {
			e.def.TableChecks[c], n, err = readExpr(buf[off:])
			if err != nil {
				return nil, err
			}
			off += n
		}

		entries = append(entries, e)
	}
	return entries, nil
}
