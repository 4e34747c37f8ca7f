package store

import (
	"fmt"
	"strconv"
	"strings"
)

// keyEncoder encodes the logical keys (area id, sequence name, metadata
// name) this package needs onto the single flat Badger keyspace.
type keyEncoder struct{}

func (keyEncoder) encodeArea(id AreaID) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixArea, uint64(id)))
}

func (keyEncoder) decodeArea(key []byte) (AreaID, bool) {
	s := string(key)
	if !strings.HasPrefix(s, prefixArea) {
		return 0, false
	}
	v, err := strconv.ParseUint(s[len(prefixArea):], 10, 64)
	if err != nil {
		return 0, false
	}
	return AreaID(v), true
}

func (keyEncoder) areaScanPrefix() []byte {
	return []byte(prefixArea)
}

func (keyEncoder) encodeSeq(name string) []byte {
	return []byte(prefixSeq + name)
}

func (keyEncoder) encodeMeta(name string) []byte {
	return []byte(prefixMeta + name)
}
