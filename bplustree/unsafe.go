package bplustree

import "unsafe"

// ptrAt mirrors heaptable's helper: a pointer to the uint32 at offset
// off within data, handed to synclatch so a page's latch word can live
// directly inside the mmap'd page bytes.
func ptrAt(data []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&data[off])
}
