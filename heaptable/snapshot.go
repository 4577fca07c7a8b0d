package heaptable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SnapshotVersion is the fixed-length ASCII version string prefixed to
// every whole-table snapshot.
const SnapshotVersion = "SHTBL-SNAPSHOT-v1\x00\x00"

// ErrSnapshotMismatch is returned when a snapshot's layout parameters
// do not match the live table it is being loaded into.
var ErrSnapshotMismatch = errors.New("heaptable: snapshot layout does not match table")

// WriteSnapshot writes the whole-table on-disk format: version string,
// table-info bytes, delete-shard records (locks zeroed), then each
// block's header, add-shard records and slot data in order.
func (t *Table) WriteSnapshot(w io.Writer) error {
	if _, err := io.WriteString(w, SnapshotVersion); err != nil {
		return err
	}
	if _, err := w.Write(t.info.data); err != nil {
		return err
	}
	for _, ds := range t.deleteShards {
		var buf [DeleteShardSize]byte
		copy(buf[:], ds.data)
		binary.LittleEndian.PutUint32(buf[0:4], 0) // locks zeroed on write
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	numBlocks := t.NumBlocks()
	for b := int32(0); b < numBlocks; b++ {
		bd, err := t.getHeader(b)
		if err != nil {
			return err
		}
		if _, err := w.Write(bd.header.data); err != nil {
			return err
		}
		for _, as := range bd.addShards {
			var buf [AddShardSize]byte
			copy(buf[:], as.data)
			binary.LittleEndian.PutUint32(buf[0:4], 0)
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
		n := bd.header.TuplesAllocated()
		slotBytes := int(n) * bd.slotSize
		start := bd.slotsStart
		if _, err := w.Write(bd.seg.Data[start : start+slotBytes]); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshot restores r into t, which must have just been created
// with a matching layout: {true_tuple_size, initial_alloc,
// num_add_shards, num_delete_shards}. Per-slot locks are zeroed on
// load unless the lock equals DeletedSentinel, which is preserved.
func (t *Table) LoadSnapshot(r io.Reader) error {
	var version [len(SnapshotVersion)]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return fmt.Errorf("heaptable: read snapshot version: %w", err)
	}

	fileInfo := make([]byte, TableInfoSize)
	if _, err := io.ReadFull(r, fileInfo); err != nil {
		return fmt.Errorf("heaptable: read snapshot table info: %w", err)
	}
	fi := tableInfo{fileInfo}
	if fi.TrueTupleSize() != uint32(t.trueTupleSize) ||
		fi.InitialAlloc() != uint32(t.initialAlloc) ||
		fi.NumAddShards() != uint32(t.numAddShards) ||
		fi.NumDeleteShards() != uint32(t.numDeleteShards) {
		return ErrSnapshotMismatch
	}

	for i := 0; i < t.numDeleteShards; i++ {
		buf := make([]byte, DeleteShardSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("heaptable: read delete shard %d: %w", i, err)
		}
		copy(t.deleteShards[i].data, buf)
		t.deleteShards[i].SetLock(0)
	}

	// Read exactly the file's num_blocks blocks: the stream may carry
	// further data (engine.WriteTable appends index snapshots).
	for b := int32(0); b < int32(fi.NumBlocks()); b++ {
		hdr := make([]byte, BlockHeaderSize)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return fmt.Errorf("heaptable: read block %d header: %w", b, err)
		}
		fileHeader := blockHeader{hdr}
		n := int(fileHeader.TuplesAllocated())

		bd, err := t.getHeader(b)
		if err != nil {
			grown, err := t.growBlock(n)
			if err != nil {
				return fmt.Errorf("heaptable: grow block %d while loading: %w", b, err)
			}
			if grown == nil {
				// another opener raced the growth; pick up its block.
				if grown, err = t.getHeader(b); err != nil {
					return fmt.Errorf("heaptable: grow block %d while loading: %w", b, err)
				}
			}
			bd = grown
		}

		for i := 0; i < t.numAddShards; i++ {
			buf := make([]byte, AddShardSize)
			if _, err := io.ReadFull(r, buf); err != nil {
				return fmt.Errorf("heaptable: read block %d add shard %d: %w", b, i, err)
			}
			copy(bd.addShards[i].data, buf)
			bd.addShards[i].SetLock(0)
		}

		slotBytes := n * bd.slotSize
		buf := make([]byte, slotBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("heaptable: read block %d slots: %w", b, err)
		}
		copy(bd.seg.Data[bd.slotsStart:bd.slotsStart+slotBytes], buf)
		for i := 0; i < n; i++ {
			cw := bd.control(int32(i))
			if cw.Lock() != DeletedSentinel {
				cw.SetLock(0)
			}
		}
		bd.header.setTuplesAllocated(int32(n))
	}
	return nil
}
