package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"sharedtable/bplustree"
	"sharedtable/heaptable"
	"sharedtable/shmem"
)

// row layout: 4-byte id, 4-byte group, for a total tuple size of 8.
const rowSize = 8

func newTestManager(t *testing.T) *shmem.Manager {
	t.Helper()
	mgr, err := shmem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func rowKeyID(payload []byte) []byte    { return append([]byte(nil), payload[0:4]...) }
func rowKeyGroup(payload []byte) []byte { return append([]byte(nil), payload[4:8]...) }

func compareBytes(a, b []byte) int { return bytes.Compare(a, b) }

func encodeRow(id, group int32) []byte {
	buf := make([]byte, rowSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(group))
	return buf
}

func newTestEngine(t *testing.T) (*Engine, *heaptable.Table) {
	t.Helper()
	mgr := newTestManager(t)
	// Block n of a table or index page manager lives at segment key+n,
	// so the three base keys are spaced far enough apart not to overlap.
	tbl, err := heaptable.Create(mgr, 10000, rowSize, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("heaptable.Create: %v", err)
	}
	pk, err := bplustree.Create(mgr, 20000, 0, 4, 4, bplustree.Primary, compareBytes, rowKeyID)
	if err != nil {
		t.Fatalf("bplustree.Create primary: %v", err)
	}
	sk, err := bplustree.Create(mgr, 30000, 0, 4, 4, bplustree.Secondary, compareBytes, rowKeyGroup)
	if err != nil {
		t.Fatalf("bplustree.Create secondary: %v", err)
	}

	e := New(tbl)
	if err := e.RegisterIndex("by_id", pk, true, rowKeyID); err != nil {
		t.Fatalf("RegisterIndex primary: %v", err)
	}
	if err := e.RegisterIndex("by_group", sk, false, rowKeyGroup); err != nil {
		t.Fatalf("RegisterIndex secondary: %v", err)
	}
	return e, tbl
}

func TestAddTupleFansOutToBothIndexes(t *testing.T) {
	e, _ := newTestEngine(t)

	slot, err := e.AddTuple(encodeRow(1, 100), 9)
	if err != nil {
		t.Fatalf("AddTuple: %v", err)
	}

	pk := e.indexes["by_id"].index
	tb, tt, err := pk.Find(rowKeyID(encodeRow(1, 100)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock)
	if err != nil {
		t.Fatalf("primary Find: %v", err)
	}
	if tb != slot.Block || tt != slot.Tuple {
		t.Fatalf("primary Find = (%d,%d), want slot %+v", tb, tt, slot)
	}

	sk := e.indexes["by_group"].index
	tb, tt, err = sk.Find(rowKeyGroup(encodeRow(1, 100)), slot.Block, slot.Tuple, bplustree.FindDirect, bplustree.ReadCrablock)
	if err != nil {
		t.Fatalf("secondary Find: %v", err)
	}
	if tb != slot.Block || tt != slot.Tuple {
		t.Fatalf("secondary Find = (%d,%d), want slot %+v", tb, tt, slot)
	}
}

func TestAddTupleCompensatesOnPrimaryCollision(t *testing.T) {
	e, tbl := newTestEngine(t)

	if _, err := e.AddTuple(encodeRow(5, 1), 9); err != nil {
		t.Fatalf("first AddTuple: %v", err)
	}
	if _, err := e.AddTuple(encodeRow(5, 2), 9); err != bplustree.ErrDuplicateKey {
		t.Fatalf("colliding AddTuple = %v, want ErrDuplicateKey", err)
	}

	cur := tbl.NewCursor()
	count := 0
	for {
		payload, _, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if payload == nil {
			break
		}
		count++
	}
	if count != 1 {
		t.Fatalf("heap table has %d live rows after rejected collision, want 1 (rejected row rolled back)", count)
	}

	sk := e.indexes["by_group"].index
	if _, _, err := sk.Find(rowKeyGroup(encodeRow(5, 2)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock); err != bplustree.ErrNotFound {
		t.Fatalf("secondary Find for rejected row = %v, want ErrNotFound (unwound)", err)
	}
}

func TestDeleteTupleRemovesFromBothIndexes(t *testing.T) {
	e, tbl := newTestEngine(t)
	slot, err := e.AddTuple(encodeRow(7, 42), 9)
	if err != nil {
		t.Fatalf("AddTuple: %v", err)
	}

	if err := tbl.LockTuple(slot.Block, slot.Tuple, 9); err != nil {
		t.Fatalf("LockTuple: %v", err)
	}
	if err := e.DeleteTuple(slot.Block, slot.Tuple, 9); err != nil {
		t.Fatalf("DeleteTuple: %v", err)
	}

	pk := e.indexes["by_id"].index
	if _, _, err := pk.Find(rowKeyID(encodeRow(7, 42)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock); err != bplustree.ErrNotFound {
		t.Fatalf("primary Find after delete = %v, want ErrNotFound", err)
	}
	sk := e.indexes["by_group"].index
	if _, _, err := sk.Find(rowKeyGroup(encodeRow(7, 42)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock); err != bplustree.ErrNotFound {
		t.Fatalf("secondary Find after delete = %v, want ErrNotFound", err)
	}
}

func TestConcurrentInsertDeleteDisjointRanges(t *testing.T) {
	e, tbl := newTestEngine(t)

	const perWorker = 400
	const deletesPerWorker = 200
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for w := 0; w < 2; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := int32(w * perWorker)
			kilroy := uint32(100 + w)
			for i := int32(0); i < perWorker; i++ {
				if _, err := e.AddTuple(encodeRow(base+i, (base+i)%7), kilroy); err != nil {
					errs <- fmt.Errorf("worker %d insert %d: %w", w, base+i, err)
					return
				}
			}
			pk := e.indexes["by_id"].index
			for i := int32(0); i < deletesPerWorker; i++ {
				id := base + i
				tb, tt, err := pk.Find(rowKeyID(encodeRow(id, 0)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock)
				if err != nil {
					errs <- fmt.Errorf("worker %d find %d: %w", w, id, err)
					return
				}
				if err := tbl.LockTuple(tb, tt, kilroy); err != nil {
					errs <- fmt.Errorf("worker %d lock %d: %w", w, id, err)
					return
				}
				if err := e.DeleteTuple(tb, tt, kilroy); err != nil {
					errs <- fmt.Errorf("worker %d delete %d: %w", w, id, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for _, name := range []string{"by_id", "by_group"} {
		if err := e.indexes[name].index.CheckBTree(); err != nil {
			t.Fatalf("%s invariants after concurrent run: %v", name, err)
		}
	}

	cur := tbl.NewCursor()
	live := 0
	for {
		payload, _, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if payload == nil {
			break
		}
		live++
	}
	want := 2 * (perWorker - deletesPerWorker)
	if live != want {
		t.Fatalf("live count = %d, want %d (inserts minus deletes)", live, want)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	for i := int32(0); i < 10; i++ {
		if _, err := e.AddTuple(encodeRow(i, i%3), 9); err != nil {
			t.Fatalf("AddTuple(%d): %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := e.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if buf.Len() != 10*rowSize {
		t.Fatalf("exported %d bytes, want %d", buf.Len(), 10*rowSize)
	}

	e2, _ := newTestEngine(t)
	if err := e2.Import(&buf, 9); err != nil {
		t.Fatalf("Import: %v", err)
	}
	pk := e2.indexes["by_id"].index
	for i := int32(0); i < 10; i++ {
		if _, _, err := pk.Find(rowKeyID(encodeRow(i, 0)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock); err != nil {
			t.Fatalf("Find(%d) after import: %v", i, err)
		}
	}
}

func TestWriteTableLoadTableRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	for i := int32(0); i < 10; i++ {
		if _, err := e.AddTuple(encodeRow(i, i%3), 9); err != nil {
			t.Fatalf("AddTuple(%d): %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := e.WriteTable(&buf); err != nil {
		t.Fatalf("WriteTable: %v", err)
	}

	e2, _ := newTestEngine(t)
	if err := e2.LoadTable(&buf); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	pk := e2.indexes["by_id"].index
	for i := int32(0); i < 10; i++ {
		if _, _, err := pk.Find(rowKeyID(encodeRow(i, 0)), 0, 0, bplustree.FindDirect, bplustree.ReadCrablock); err != nil {
			t.Fatalf("Find(%d) after LoadTable: %v", i, err)
		}
	}
}
