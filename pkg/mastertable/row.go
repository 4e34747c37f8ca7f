package mastertable

import (
	"encoding/binary"

	"github.com/kvtab/congl/pkg/resource/domain"
)

// RowState is the lifecycle state of a single row record, recorded as
// the first byte of its on-disk record.
type RowState byte

const (
	// RowUncommitted is the state of a freshly inserted row before its
	// owning transaction's commit has been validated and published.
	RowUncommitted RowState = iota + 1
	// RowCommittedAdded means a committed transaction made this row
	// visible starting at its AddedCommit commit id.
	RowCommittedAdded
	// RowCommittedRemoved means a committed transaction removed this row
	// starting at its RemovedCommit commit id; it remains visible to any
	// snapshot whose floor is below that commit id.
	RowCommittedRemoved
	// RowDeleted means the row is no longer visible to any snapshot and
	// is eligible for physical reclamation.
	RowDeleted
)

// CellTag identifies the wire representation of one column's bytes.
type CellTag byte

const (
	TagNull CellTag = iota + 1
	TagBool
	TagInt
	TagFloat
	TagString
	TagBlobRef
)

// record is the decoded form of a row's on-disk bytes.
type record struct {
	state         RowState
	addedCommit   uint64
	removedCommit uint64
	cells         []cell
}

type cell struct {
	tag  CellTag
	data []byte
}

const recordFixedHeader = 1 + 8 + 8 + 2 // state + addedCommit + removedCommit + cellCount
const cellHeaderSize = 1 + 4            // tag + offset

func encodeRecord(r record) []byte {
	headerLen := recordFixedHeader + cellHeaderSize*len(r.cells)
	dataLen := 0
	for _, c := range r.cells {
		dataLen += len(c.data)
	}
	buf := make([]byte, headerLen+dataLen)

	buf[0] = byte(r.state)
	binary.BigEndian.PutUint64(buf[1:9], r.addedCommit)
	binary.BigEndian.PutUint64(buf[9:17], r.removedCommit)
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(r.cells)))

	off := headerLen
	hoff := recordFixedHeader
	for _, c := range r.cells {
		buf[hoff] = byte(c.tag)
		binary.BigEndian.PutUint32(buf[hoff+1:hoff+5], uint32(off))
		copy(buf[off:off+len(c.data)], c.data)
		off += len(c.data)
		hoff += cellHeaderSize
	}
	return buf
}

func decodeRecord(buf []byte) (record, error) {
	if len(buf) < recordFixedHeader {
		return record{}, domain.NewEngineError(domain.CodeCorruption, "mastertable: truncated row record")
	}
	r := record{
		state:         RowState(buf[0]),
		addedCommit:   binary.BigEndian.Uint64(buf[1:9]),
		removedCommit: binary.BigEndian.Uint64(buf[9:17]),
	}
	count := int(binary.BigEndian.Uint16(buf[17:19]))
	need := recordFixedHeader + cellHeaderSize*count
	if len(buf) < need {
		return record{}, domain.NewEngineError(domain.CodeCorruption, "mastertable: truncated row cell headers")
	}

	offsets := make([]int, count)
	tags := make([]CellTag, count)
	hoff := recordFixedHeader
	for i := 0; i < count; i++ {
		tags[i] = CellTag(buf[hoff])
		offsets[i] = int(binary.BigEndian.Uint32(buf[hoff+1 : hoff+5]))
		hoff += cellHeaderSize
	}

	r.cells = make([]cell, count)
	for i := 0; i < count; i++ {
		start := offsets[i]
		end := len(buf)
		if i+1 < count {
			end = offsets[i+1]
		}
		if start < 0 || end > len(buf) || start > end {
			return record{}, domain.NewEngineError(domain.CodeCorruption, "mastertable: row cell offset out of range")
		}
		r.cells[i] = cell{tag: tags[i], data: buf[start:end]}
	}
	return r, nil
}
