// Package engine couples a heap table to its primary and secondary
// B+Tree indexes: inserts and deletes fan out across all of them under
// a sentinel-first ordering, the one cross-subsystem invariant this
// coupling depends on, with a compensating delete on any partial
// insert failure.
package engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"sharedtable/bplustree"
	"sharedtable/heaptable"
)

// KeyFunc derives an index key from a row's raw payload bytes.
type KeyFunc func(payload []byte) []byte

// MaxIndexes bounds how many indexes (one primary plus secondaries) a
// single table will fan out to.
const MaxIndexes = 16

type boundIndex struct {
	name    string
	primary bool
	index   *bplustree.Index
	makeKey KeyFunc
}

// Engine is the coupling point between one heap table and the indexes
// built over it. The zero value is not usable; construct with New.
type Engine struct {
	table *heaptable.Table

	mu      sync.RWMutex
	order   []string
	indexes map[string]*boundIndex
}

// New wraps an already-open heap table. Indexes are registered
// separately via RegisterIndex so callers can attach them in any
// order convenient for setup, independent of engine construction.
func New(table *heaptable.Table) *Engine {
	return &Engine{table: table, indexes: map[string]*boundIndex{}}
}

// RegisterIndex attaches a named index to the engine. Registering
// under a name that is already attached is a no-op (idempotent), so
// re-registration never duplicates a fan-out target. Exactly one
// registered index may be primary; it is always applied first so a
// primary-key collision is detected before any secondary index is
// touched.
func (e *Engine) RegisterIndex(name string, idx *bplustree.Index, primary bool, makeKey KeyFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.indexes[name]; exists {
		return nil
	}
	if len(e.order) >= MaxIndexes {
		return fmt.Errorf("engine: table already carries %d indexes", MaxIndexes)
	}
	if primary {
		for _, n := range e.order {
			if e.indexes[n].primary {
				return fmt.Errorf("engine: table already has a primary index %q", n)
			}
		}
	}
	e.indexes[name] = &boundIndex{name: name, primary: primary, index: idx, makeKey: makeKey}
	e.order = append(e.order, name)
	return nil
}

// UnregisterIndex detaches a named index. Unregistering an unknown
// name is a no-op.
func (e *Engine) UnregisterIndex(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.indexes[name]; !exists {
		return nil
	}
	delete(e.indexes, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// orderedIndexes returns the registered indexes with the primary
// first (if any), followed by secondaries in registration order, so a
// primary-key collision is caught before any secondary index is
// mutated.
func (e *Engine) orderedIndexes() []*boundIndex {
	var primary *boundIndex
	secondaries := make([]*boundIndex, 0, len(e.order))
	for _, n := range e.order {
		b := e.indexes[n]
		if b.primary {
			primary = b
			continue
		}
		secondaries = append(secondaries, b)
	}
	result := make([]*boundIndex, 0, len(e.order))
	if primary != nil {
		result = append(result, primary)
	}
	return append(result, secondaries...)
}

// AddTuple inserts payload into the heap table and fans the new row
// into every registered index in order. If any index insert fails
// (most commonly ErrDuplicateKey on the primary), every index that
// already accepted the row is unwound and the heap tuple itself is
// compensating-deleted by heaptable.Table.AddTuple before the error is
// returned to the caller — the row never exists in the table without
// being fully indexed, nor in an index without existing in the table.
func (e *Engine) AddTuple(payload []byte, kilroy uint32) (heaptable.Slot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ordered := e.orderedIndexes()

	return e.table.AddTuple(payload, kilroy, func(slot heaptable.Slot, payload []byte) error {
		inserted := make([]*boundIndex, 0, len(ordered))
		for _, b := range ordered {
			key := b.makeKey(payload)
			if err := b.index.Insert(key, slot.Block, slot.Tuple); err != nil {
				for _, done := range inserted {
					_ = done.index.Delete(done.makeKey(payload), slot.Block, slot.Tuple)
				}
				return err
			}
			inserted = append(inserted, b)
		}
		return nil
	})
}

// DeleteTuple removes the tuple at (block, tuple), which the caller
// must already hold locked under kilroy (heaptable.Table.LockTuple).
// The heap slot's control word is flipped to the deleted sentinel
// first; only then does the callback fan the still-intact payload's
// keys out to every registered index.
func (e *Engine) DeleteTuple(block, tuple int32, kilroy uint32) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ordered := e.orderedIndexes()

	return e.table.DeleteTuple(block, tuple, kilroy, func(payload []byte) error {
		for _, b := range ordered {
			key := b.makeKey(payload)
			if err := b.index.Delete(key, block, tuple); err != nil && err != bplustree.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// Export writes every live tuple's raw payload bytes, back to back,
// with no control words or slot metadata.
func (e *Engine) Export(w io.Writer) error {
	cur := e.table.NewCursor()
	for {
		payload, _, err := cur.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			return nil
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
}

// Import reads a raw export stream back in, one tuple_size-byte
// payload at a time, and re-inserts each one through AddTuple so every
// registered index is rebuilt from scratch.
func (e *Engine) Import(r io.Reader, kilroy uint32) error {
	size := e.table.TupleSize()
	buf := make([]byte, size)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("engine: import stream truncated mid-tuple")
		}
		if err != nil {
			return err
		}
		if _, err := e.AddTuple(buf, kilroy); err != nil {
			return err
		}
	}
}

// snapshotMagic precedes the table snapshot and the count of index
// snapshots that follow, so LoadTable can validate a whole-table dump
// was produced by WriteTable rather than a raw Export.
const snapshotMagic = "SHENGINE-SNAPSHOT-v1\x00"

// WriteTable writes the heap table's own snapshot, then the count of
// registered indexes, then each index's length-prefixed name followed
// by its snapshot, in registration order, so LoadTable can read them
// back and match each one to a registered index by name.
func (e *Engine) WriteTable(w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return err
	}
	if err := e.table.WriteSnapshot(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(e.order))); err != nil {
		return err
	}
	for _, name := range e.order {
		b := e.indexes[name]
		nameBytes := []byte(b.name)
		if err := binary.Write(w, binary.LittleEndian, int32(len(nameBytes))); err != nil {
			return err
		}
		if _, err := w.Write(nameBytes); err != nil {
			return err
		}
		if err := b.index.WriteSnapshot(w); err != nil {
			return err
		}
	}
	return nil
}

// LoadTable reads a WriteTable stream back into the engine's already-
// registered table and indexes, validating the index set by name.
func (e *Engine) LoadTable(r io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("engine: reading snapshot magic: %w", err)
	}
	if string(magic) != snapshotMagic {
		return fmt.Errorf("engine: not a whole-table snapshot stream")
	}
	if err := e.table.LoadSnapshot(r); err != nil {
		return err
	}
	var count int32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := int32(0); i < count; i++ {
		var nameLen int32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return err
		}
		name := string(nameBytes)
		b, ok := e.indexes[name]
		if !ok {
			return fmt.Errorf("engine: snapshot references unregistered index %q", name)
		}
		if err := b.index.LoadSnapshot(r); err != nil {
			return err
		}
	}
	return nil
}
