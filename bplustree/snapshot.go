package bplustree

import (
	"encoding/binary"
	"fmt"
	"io"
)

// snapshotVersion tags the on-disk format so Load can refuse a
// mismatched writer.
const snapshotVersion = "BTREE-SNAPSHOT-v1\x00\x00"

var errSnapshotMismatch = fmt.Errorf("bplustree: snapshot parameters do not match this index")

// WriteSnapshot writes the index's defining parameters followed by its
// entire page-manager table: reopening against a differently-configured
// index is rejected at Load time rather than silently misinterpreting
// page bytes.
func (idx *Index) WriteSnapshot(w io.Writer) error {
	if _, err := io.WriteString(w, snapshotVersion); err != nil {
		return err
	}
	header := struct {
		KeyLength   int32
		KeysPerPage int32
		AllocSize   int32
		IndexType   int32
		SystemKey   int64
		TotalPage   int32
	}{
		int32(idx.keyLength), int32(idx.keysPerPage),
		int32(TotalPageSize(idx.keyLength, idx.keysPerPage)),
		int32(idx.indexType), idx.systemKey,
		int32(TotalPageSize(idx.keyLength, idx.keysPerPage)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	return idx.pages.WriteSnapshot(w)
}

// LoadSnapshot validates the stored parameters against this index's
// own configuration, defers to the page-manager table's snapshot
// loader, then zeroes every page's latch word: a latch has no meaning
// outside the writer's process.
func (idx *Index) LoadSnapshot(r io.Reader) error {
	versionBuf := make([]byte, len(snapshotVersion))
	if _, err := io.ReadFull(r, versionBuf); err != nil {
		return fmt.Errorf("bplustree: reading snapshot version: %w", err)
	}
	if string(versionBuf) != snapshotVersion {
		return errSnapshotMismatch
	}
	var header struct {
		KeyLength   int32
		KeysPerPage int32
		AllocSize   int32
		IndexType   int32
		SystemKey   int64
		TotalPage   int32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return err
	}
	pageSize := int32(TotalPageSize(idx.keyLength, idx.keysPerPage))
	if int(header.KeyLength) != idx.keyLength ||
		int(header.KeysPerPage) != idx.keysPerPage ||
		header.AllocSize != pageSize ||
		IndexType(header.IndexType) != idx.indexType ||
		header.TotalPage != pageSize {
		return errSnapshotMismatch
	}
	if err := idx.pages.LoadSnapshot(r); err != nil {
		return err
	}
	cur := idx.pages.NewCursor()
	for {
		payload, slot, err := cur.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		p := idx.pageView(payload)
		*p.latchWord() = 0
		if p.Type() == PageRoot {
			idx.rootSlot = slot
		}
	}
}
