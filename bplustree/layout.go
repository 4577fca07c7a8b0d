// Package bplustree implements a latch-crabbing concurrent B+Tree
// index whose pages are tuples inside a dedicated heaptable.Table used
// as the page manager. It provides latch-coupled descent, direct,
// first-of-run and last-of-run search modes, top-down split on insert
// and merge-free delete, so the tree grows but never shrinks in place.
package bplustree

import (
	"encoding/binary"
	"errors"
)

// PageType distinguishes a page's role.
type PageType uint32

const (
	PageNode PageType = iota
	PageLeaf
	PageRoot
	PageInfo
)

// IndexType selects uniqueness semantics.
type IndexType uint32

const (
	Primary IndexType = iota
	Secondary
)

// EndChain terminates a page's intra-page free-slot chain.
const EndChain int32 = -1

// NoChild marks an absent (block,tuple) reference: a missing child,
// or the end of the leaf sibling chain.
const NoChild int32 = -1

var (
	ErrNotFound       = errors.New("bplustree: key not found")
	ErrDuplicateKey   = errors.New("bplustree: primary key already exists")
	ErrTreeCorrupt    = errors.New("bplustree: structural invariant violated")
	ErrBadParameters  = errors.New("bplustree: bad parameters")
)

// Page header layout (48 bytes), followed by a keys-per-page array of
// int32 key-pointer slots, followed by a keys-per-page array of key
// records.
const (
	pageHeaderSize = 48

	offLatch         = 0
	offFreeChainHead = 4
	offNumKeys       = 8
	offPageType      = 12
	offSelfBlock     = 16
	offSelfTuple     = 20
	offLowChildBlock = 24
	offLowChildTuple = 28
	offPrevLeafBlock = 32
	offPrevLeafTuple = 36
	offNextLeafBlock = 40
	offNextLeafTuple = 44
)

// keyRecordFixedSize is the fixed portion of a key record
// (child block, child tuple, target block, target tuple), before the
// key bytes.
const keyRecordFixedSize = 16

// page is a byte-slice view over one tree page, the heaptable payload
// for one (block,tuple) slot.
type page struct {
	data        []byte
	keyLength   int
	keysPerPage int
}

func (p page) latchWord() *uint32 { return (*uint32)(ptrAt(p.data, offLatch)) }

func (p page) FreeChainHead() int32 { return readI32(p.data, offFreeChainHead) }
func (p page) setFreeChainHead(v int32) { writeI32(p.data, offFreeChainHead, v) }

func (p page) NumKeys() int32     { return readI32(p.data, offNumKeys) }
func (p page) setNumKeys(v int32) { writeI32(p.data, offNumKeys, v) }

func (p page) Type() PageType     { return PageType(binary.LittleEndian.Uint32(p.data[offPageType:])) }
func (p page) setType(t PageType) { binary.LittleEndian.PutUint32(p.data[offPageType:], uint32(t)) }

func (p page) Self() (int32, int32) {
	return readI32(p.data, offSelfBlock), readI32(p.data, offSelfTuple)
}
func (p page) setSelf(block, tuple int32) {
	writeI32(p.data, offSelfBlock, block)
	writeI32(p.data, offSelfTuple, tuple)
}

func (p page) LowChild() (int32, int32) {
	return readI32(p.data, offLowChildBlock), readI32(p.data, offLowChildTuple)
}
func (p page) setLowChild(block, tuple int32) {
	writeI32(p.data, offLowChildBlock, block)
	writeI32(p.data, offLowChildTuple, tuple)
}

func (p page) PrevLeaf() (int32, int32) {
	return readI32(p.data, offPrevLeafBlock), readI32(p.data, offPrevLeafTuple)
}
func (p page) setPrevLeaf(block, tuple int32) {
	writeI32(p.data, offPrevLeafBlock, block)
	writeI32(p.data, offPrevLeafTuple, tuple)
}

func (p page) NextLeaf() (int32, int32) {
	return readI32(p.data, offNextLeafBlock), readI32(p.data, offNextLeafTuple)
}
func (p page) setNextLeaf(block, tuple int32) {
	writeI32(p.data, offNextLeafBlock, block)
	writeI32(p.data, offNextLeafTuple, tuple)
}

// keyPointer returns the i'th entry of the key-pointers array: the
// index into the key-records array, forming the sorted permutation.
func (p page) keyPointer(i int) int32 {
	off := pageHeaderSize + i*4
	return readI32(p.data, off)
}
func (p page) setKeyPointer(i int, v int32) {
	off := pageHeaderSize + i*4
	writeI32(p.data, off, v)
}

func (p page) recordsOffset() int { return pageHeaderSize + p.keysPerPage*4 }

func (p page) recordSize() int { return keyRecordFixedSize + p.keyLength }

// record returns the i'th key record (by storage slot, not sorted
// position).
func (p page) record(i int32) keyRecord {
	off := p.recordsOffset() + int(i)*p.recordSize()
	return keyRecord{data: p.data[off : off+p.recordSize()], keyLength: p.keyLength}
}

// keyRecord views one {child, target, key bytes} entry.
type keyRecord struct {
	data      []byte
	keyLength int
}

func (r keyRecord) ChildBlock() int32     { return readI32(r.data, 0) }
func (r keyRecord) ChildTuple() int32     { return readI32(r.data, 4) }
func (r keyRecord) TargetBlock() int32    { return readI32(r.data, 8) }
func (r keyRecord) TargetTuple() int32    { return readI32(r.data, 12) }
func (r keyRecord) setChild(b, t int32)   { writeI32(r.data, 0, b); writeI32(r.data, 4, t) }
func (r keyRecord) setTarget(b, t int32)  { writeI32(r.data, 8, b); writeI32(r.data, 12, t) }
func (r keyRecord) Key() []byte           { return r.data[keyRecordFixedSize : keyRecordFixedSize+r.keyLength] }
func (r keyRecord) setKey(k []byte)       { copy(r.data[keyRecordFixedSize:keyRecordFixedSize+r.keyLength], k) }

// freeNext/setFreeNext reuse TargetTuple as the intra-page free chain
// link for unused record slots.
func (r keyRecord) freeNext() int32     { return r.TargetTuple() }
func (r keyRecord) setFreeNext(v int32) { writeI32(r.data, 12, v) }

func readI32(data []byte, off int) int32 {
	return int32(binary.LittleEndian.Uint32(data[off : off+4]))
}
func writeI32(data []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(data[off:off+4], uint32(v))
}

// infoPage fields are overlaid on the same page bytes starting right
// after the common 48-byte header: an info page never uses key
// pointers or records. (key_length, true_key_length, keys_per_page,
// alloc_size, index_type, total_page_size are uint32; system_key is
// int64).
type infoPage struct{ data []byte }

func (f infoPage) KeyLength() int32      { return readI32(f.data, pageHeaderSize+0) }
func (f infoPage) TrueKeyLength() int32  { return readI32(f.data, pageHeaderSize+4) }
func (f infoPage) KeysPerPage() int32    { return readI32(f.data, pageHeaderSize+8) }
func (f infoPage) AllocSize() int32      { return readI32(f.data, pageHeaderSize+12) }
func (f infoPage) Type() IndexType {
	return IndexType(binary.LittleEndian.Uint32(f.data[pageHeaderSize+16:]))
}
func (f infoPage) SystemKey() int64 {
	return int64(binary.LittleEndian.Uint64(f.data[pageHeaderSize+20:]))
}
func (f infoPage) TotalPageSize() int32 { return readI32(f.data, pageHeaderSize+28) }

func (f infoPage) setKeyLength(v int32)     { writeI32(f.data, pageHeaderSize+0, v) }
func (f infoPage) setTrueKeyLength(v int32) { writeI32(f.data, pageHeaderSize+4, v) }
func (f infoPage) setKeysPerPage(v int32)   { writeI32(f.data, pageHeaderSize+8, v) }
func (f infoPage) setAllocSize(v int32)     { writeI32(f.data, pageHeaderSize+12, v) }
func (f infoPage) setType(t IndexType) {
	binary.LittleEndian.PutUint32(f.data[pageHeaderSize+16:], uint32(t))
}
func (f infoPage) setSystemKey(v int64) {
	binary.LittleEndian.PutUint64(f.data[pageHeaderSize+20:], uint64(v))
}
func (f infoPage) setTotalPageSize(v int32) { writeI32(f.data, pageHeaderSize+28, v) }

// TotalPageSize computes the byte size of one page given key length
// and keys-per-page, the Create()-time sizing computation.
func TotalPageSize(keyLength, keysPerPage int) int {
	return pageHeaderSize + keysPerPage*4 + keysPerPage*(keyRecordFixedSize+keyLength)
}
