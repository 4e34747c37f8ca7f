// Package indexset implements the persistent index set store (C4): a
// snapshot-isolated collection of sorted integer lists, each backing one
// secondary index or the primary row-presence list of a MasterTable.
//
// On-disk layout (all multi-byte integers big-endian):
//
//	start area (32 bytes)
//	  magic               uint32  = startAreaMagic
//	  version              uint32  = startAreaVersion
//	  indexHeaderPointer  int64   -> index header area
//	  reserved            [16]byte
//
//	index header area (16 + 16*N bytes, N = index count)
//	  version             uint32  = indexHeaderVersion
//	  reserved            uint32
//	  indexCount          int64
//	  [N]indexHeaderEntry
//	    type              uint32  = 1 (only kind defined so far)
//	    blockSize         uint32  max leaf entries this index was built with
//	    indexBlockPointer int64  -> that index's index block area
//
//	index block area (16 + 28*E bytes, E = number of leaf blocks in the index)
//	  version             uint32  = indexBlockVersion
//	  reserved            uint32
//	  entryCount          int64
//	  [E]indexBlockEntry
//	    firstInt            int64  smallest integer in the leaf
//	    lastInt             int64  largest integer in the leaf
//	    elementPointer      int64  -> element area holding the leaf's integers
//	    sizeAndCompaction   uint32 (compactionClass<<24 | count, low 24 bits)
//
//	element area: compactionClass-encoded run of `count` sorted int64s,
//	  one of:
//	    1 (byte)     1 byte/int,  sign-extended
//	    2 (short)    2 bytes/int, sign-extended
//	    3 (24-bit)   3 bytes/int, sign-extended
//	    4 (int)      8 bytes/int, full range
package indexset

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kvtab/congl/pkg/resource/domain"
)

const (
	startAreaMagic   uint32 = 0x0CA90291
	startAreaVersion uint32 = 1
	startAreaSize           = 32

	indexHeaderVersion   uint32 = 1
	indexHeaderFixedSize        = 16
	indexHeaderEntrySize        = 16
	indexHeaderEntryType uint32 = 1

	indexBlockVersion   uint32 = 1
	indexBlockFixedSize        = 16
	indexBlockEntrySize        = 28
)

type compactionClass byte

const (
	compactByte  compactionClass = 1
	compactShort compactionClass = 2
	compact24    compactionClass = 3
	compactInt   compactionClass = 4
)

// classFor picks the narrowest compaction class that can hold every
// value in a sorted run without loss.
func classFor(values []int64) compactionClass {
	var lo, hi int64 = math.MaxInt64, math.MinInt64
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if len(values) == 0 {
		return compactByte
	}
	switch {
	case lo >= -(1<<7) && hi < 1<<7:
		return compactByte
	case lo >= -(1<<15) && hi < 1<<15:
		return compactShort
	case lo >= -(1<<23) && hi < 1<<23:
		return compact24
	default:
		return compactInt
	}
}

func bytesPerClass(c compactionClass) int {
	switch c {
	case compactByte:
		return 1
	case compactShort:
		return 2
	case compact24:
		return 3
	case compactInt:
		return 8
	default:
		return 8
	}
}

// encodeElements packs a sorted run of integers into an element area
// using the narrowest compaction class that represents them exactly.
func encodeElements(values []int64) ([]byte, compactionClass) {
	class := classFor(values)
	width := bytesPerClass(class)
	buf := make([]byte, width*len(values))
	for i, v := range values {
		putSigned(buf[i*width:(i+1)*width], v, width)
	}
	return buf, class
}

func putSigned(dst []byte, v int64, width int) {
	switch width {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(dst, uint16(v))
	case 3:
		dst[0] = byte(v >> 16)
		dst[1] = byte(v >> 8)
		dst[2] = byte(v)
	case 8:
		binary.BigEndian.PutUint64(dst, uint64(v))
	}
}

func getSigned(src []byte, width int) int64 {
	switch width {
	case 1:
		return int64(int8(src[0]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(src)))
	case 3:
		v := uint32(src[0])<<16 | uint32(src[1])<<8 | uint32(src[2])
		// sign-extend from 24 bits
		if v&0x800000 != 0 {
			v |= 0xFF000000
		}
		return int64(int32(v))
	case 8:
		return int64(binary.BigEndian.Uint64(src))
	default:
		return 0
	}
}

// decodeElements unpacks count integers of the given compaction class
// from an element area's raw bytes.
func decodeElements(data []byte, count int, class compactionClass) ([]int64, error) {
	width := bytesPerClass(class)
	if len(data) < width*count {
		return nil, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated element area")
	}
	out := make([]int64, count)
	for i := 0; i < count; i++ {
		out[i] = getSigned(data[i*width:(i+1)*width], width)
	}
	return out, nil
}

// startAreaRecord is the decoded form of the fixed start area.
type startAreaRecord struct {
	indexHeaderPointer int64
}

func encodeStartArea(rec startAreaRecord) []byte {
	buf := make([]byte, startAreaSize)
	binary.BigEndian.PutUint32(buf[0:4], startAreaMagic)
	binary.BigEndian.PutUint32(buf[4:8], startAreaVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.indexHeaderPointer))
	return buf
}

func decodeStartArea(buf []byte) (startAreaRecord, error) {
	if len(buf) < startAreaSize {
		return startAreaRecord{}, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated start area")
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint32(buf[4:8])
	if magic != startAreaMagic {
		return startAreaRecord{}, domain.NewEngineError(domain.CodeCorruption, "indexset: bad start area magic")
	}
	if version != startAreaVersion {
		return startAreaRecord{}, domain.NewEngineError(domain.CodeVersionMismatch,
			fmt.Sprintf("indexset: unsupported start area version %d", version))
	}
	return startAreaRecord{indexHeaderPointer: int64(binary.BigEndian.Uint64(buf[8:16]))}, nil
}

// indexHeaderEntry describes one index's index block area.
type indexHeaderEntry struct {
	blockSize         uint32
	indexBlockPointer int64
}

func encodeIndexHeader(entries []indexHeaderEntry) []byte {
	buf := make([]byte, indexHeaderFixedSize+indexHeaderEntrySize*len(entries))
	binary.BigEndian.PutUint32(buf[0:4], indexHeaderVersion)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(entries)))
	off := indexHeaderFixedSize
	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[off:off+4], indexHeaderEntryType)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.blockSize)
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.indexBlockPointer))
		off += indexHeaderEntrySize
	}
	return buf
}

func decodeIndexHeader(buf []byte) ([]indexHeaderEntry, error) {
	if len(buf) < indexHeaderFixedSize {
		return nil, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated index header")
	}
	version := binary.BigEndian.Uint32(buf[0:4])
	if version != indexHeaderVersion {
		return nil, domain.NewEngineError(domain.CodeVersionMismatch,
			fmt.Sprintf("indexset: unsupported index header version %d", version))
	}
	count := int(binary.BigEndian.Uint64(buf[8:16]))
	need := indexHeaderFixedSize + indexHeaderEntrySize*count
	if len(buf) < need {
		return nil, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated index header entries")
	}
	entries := make([]indexHeaderEntry, count)
	off := indexHeaderFixedSize
	for i := 0; i < count; i++ {
		entries[i].blockSize = binary.BigEndian.Uint32(buf[off+4 : off+8])
		entries[i].indexBlockPointer = int64(binary.BigEndian.Uint64(buf[off+8 : off+16]))
		off += indexHeaderEntrySize
	}
	return entries, nil
}

// indexBlockEntry describes one leaf block within a single index.
type indexBlockEntry struct {
	firstInt       int64
	lastInt        int64
	elementPointer int64
	count          int
	class          compactionClass
}

// packSizeAndCompaction packs the low 24 bits as the block's element
// count and the high 8 bits as its compaction class.
func packSizeAndCompaction(count int, class compactionClass) uint32 {
	return uint32(class)<<24 | uint32(count)&0x00FFFFFF
}

func unpackSizeAndCompaction(v uint32) (count int, class compactionClass) {
	return int(v & 0x00FFFFFF), compactionClass(v >> 24)
}

func encodeIndexBlock(entries []indexBlockEntry) []byte {
	buf := make([]byte, indexBlockFixedSize+indexBlockEntrySize*len(entries))
	binary.BigEndian.PutUint32(buf[0:4], indexBlockVersion)
	binary.BigEndian.PutUint32(buf[4:8], 0)
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(entries)))
	off := indexBlockFixedSize
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.firstInt))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(e.lastInt))
		binary.BigEndian.PutUint64(buf[off+16:off+24], uint64(e.elementPointer))
		binary.BigEndian.PutUint32(buf[off+24:off+28], packSizeAndCompaction(e.count, e.class))
		off += indexBlockEntrySize
	}
	return buf
}

func decodeIndexBlock(buf []byte) ([]indexBlockEntry, error) {
	if len(buf) < indexBlockFixedSize {
		return nil, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated index block")
	}
	version := binary.BigEndian.Uint32(buf[0:4])
	if version != indexBlockVersion {
		return nil, domain.NewEngineError(domain.CodeVersionMismatch,
			fmt.Sprintf("indexset: unsupported index block version %d", version))
	}
	count := int(binary.BigEndian.Uint64(buf[8:16]))
	need := indexBlockFixedSize + indexBlockEntrySize*count
	if len(buf) < need {
		return nil, domain.NewEngineError(domain.CodeCorruption, "indexset: truncated index block entries")
	}
	entries := make([]indexBlockEntry, count)
	off := indexBlockFixedSize
	for i := 0; i < count; i++ {
		entries[i].firstInt = int64(binary.BigEndian.Uint64(buf[off : off+8]))
		entries[i].lastInt = int64(binary.BigEndian.Uint64(buf[off+8 : off+16]))
		entries[i].elementPointer = int64(binary.BigEndian.Uint64(buf[off+16 : off+24]))
		entries[i].count, entries[i].class = unpackSizeAndCompaction(binary.BigEndian.Uint32(buf[off+24 : off+28]))
		off += indexBlockEntrySize
	}
	return entries, nil
}
