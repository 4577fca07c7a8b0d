package heaptable

import "unsafe"

// ptrAt returns a pointer to the uint32 at offset off within data. Used
// to hand synclatch or sync/atomic a *uint32 aliasing bytes inside an
// mmap'd segment: block-header latches, shard locks, slot lock words,
// and the num_blocks and instance_count fields. Each such word's byte
// layout (4-byte little-endian-agnostic, since it is only ever touched
// via atomic ops, never Get/Put) is fixed by the layout constants in
// layout.go and never reinterpreted as anything else.
func ptrAt(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}
