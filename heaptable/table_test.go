package heaptable

import (
	"bytes"
	"testing"

	"sharedtable/shmem"
)

func newTestManager(t *testing.T) *shmem.Manager {
	t.Helper()
	mgr, err := shmem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestCreateThreadsAddLists(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 1000, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	seen := map[int32]bool{}
	for i := 0; i < 4; i++ {
		slot, err := tbl.AllocateTuple(42)
		if err != nil {
			t.Fatalf("AllocateTuple %d: %v", i, err)
		}
		if slot.Block != 0 {
			t.Fatalf("slot %d in block %d, want 0", i, slot.Block)
		}
		if seen[slot.Tuple] {
			t.Fatalf("tuple %d allocated twice", slot.Tuple)
		}
		seen[slot.Tuple] = true
	}
	if len(seen) != 4 {
		t.Fatalf("allocated %d distinct tuples, want 4", len(seen))
	}
}

func TestAddTupleDeleteTupleCursor(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 2000, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	payloads := [][]byte{
		[]byte("AAAA____________"[:16]),
		[]byte("BBBB____________"[:16]),
		[]byte("CCCC____________"[:16]),
	}
	var slots []Slot
	for _, p := range payloads {
		slot, err := tbl.AddTuple(p, 1, nil)
		if err != nil {
			t.Fatalf("AddTuple(%s): %v", p, err)
		}
		slots = append(slots, slot)
	}

	cur := tbl.NewCursor()
	var got [][]byte
	for {
		payload, _, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if payload == nil {
			break
		}
		cp := append([]byte(nil), payload...)
		got = append(got, cp)
	}
	if len(got) != 3 {
		t.Fatalf("cursor yielded %d tuples, want 3", len(got))
	}

	if err := tbl.LockTuple(slots[1].Block, slots[1].Tuple, 1); err != nil {
		t.Fatalf("LockTuple: %v", err)
	}
	if err := tbl.DeleteTuple(slots[1].Block, slots[1].Tuple, 1, nil); err != nil {
		t.Fatalf("DeleteTuple: %v", err)
	}

	if _, err := tbl.SetTuple(slots[1].Block, slots[1].Tuple); err != ErrDeadSlot {
		t.Fatalf("SetTuple on deleted slot = %v, want ErrDeadSlot", err)
	}

	cur.Reset()
	got = got[:0]
	for {
		payload, _, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next after delete: %v", err)
		}
		if payload == nil {
			break
		}
		got = append(got, append([]byte(nil), payload...))
	}
	if len(got) != 2 {
		t.Fatalf("cursor yielded %d live tuples after delete, want 2", len(got))
	}

	reused, err := tbl.AllocateTuple(1)
	if err != nil {
		t.Fatalf("AllocateTuple after delete: %v", err)
	}
	if reused != slots[1] {
		t.Fatalf("reused slot = %+v, want the deleted slot %+v", reused, slots[1])
	}
}

func TestCursorPrevAfterEOTReturnsLastLive(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 2500, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	var last []byte
	for i := 0; i < 3; i++ {
		p := []byte{byte('A' + i)}
		p = append(p, make([]byte, 15)...)
		if _, err := tbl.AddTuple(p, 1, nil); err != nil {
			t.Fatalf("AddTuple %d: %v", i, err)
		}
	}

	cur := tbl.NewCursor()
	for {
		payload, _, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if payload == nil {
			break
		}
		last = append(last[:0], payload...)
	}
	if _, status := cur.Position(); status != EOT {
		t.Fatalf("status after exhausting Next = %v, want EOT", status)
	}

	payload, _, err := cur.Prev()
	if err != nil {
		t.Fatalf("cursor.Prev after EOT: %v", err)
	}
	if payload == nil {
		t.Fatal("Prev after EOT returned nil, want the last live tuple")
	}
	if !bytes.Equal(payload, last) {
		t.Fatalf("Prev after EOT = %q, want the last tuple %q", payload[:1], last[:1])
	}
}

func TestAllocateTupleGrowsTable(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 3000, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	var last Slot
	for i := 0; i < 8; i++ {
		slot, err := tbl.AllocateTuple(7)
		if err != nil {
			t.Fatalf("AllocateTuple %d: %v", i, err)
		}
		last = slot
	}
	if tbl.NumBlocks() != 2 {
		t.Fatalf("num_blocks = %d, want 2", tbl.NumBlocks())
	}
	if last.Block != 1 {
		t.Fatalf("8th slot in block %d, want block 1", last.Block)
	}
}

func TestAddTupleCompensatingDelete(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 4000, 8, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	failErr := bytes.ErrTooLarge
	_, err = tbl.AddTuple(make([]byte, 8), 1, func(Slot, []byte) error {
		return failErr
	})
	if err != failErr {
		t.Fatalf("AddTuple error = %v, want %v", err, failErr)
	}

	slot, err := tbl.AllocateTuple(1)
	if err != nil {
		t.Fatalf("AllocateTuple after compensating delete: %v", err)
	}
	if slot.Block != 0 || slot.Tuple != 1 {
		t.Fatalf("slot = %+v, want the compensating-deleted slot (0,1) reclaimed", slot)
	}
}

func BenchmarkAllocateTuple(b *testing.B) {
	mgr, err := shmem.NewManager(b.TempDir())
	if err != nil {
		b.Fatalf("NewManager: %v", err)
	}
	tbl, err := Create(mgr, 9000, 16, 256, 256, 8, 8)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := tbl.AllocateTuple(uint32(i + 1)); err != nil {
			b.Fatalf("AllocateTuple: %v", err)
		}
	}
}

func BenchmarkAddTuple(b *testing.B) {
	mgr, err := shmem.NewManager(b.TempDir())
	if err != nil {
		b.Fatalf("NewManager: %v", err)
	}
	tbl, err := Create(mgr, 9001, 16, 256, 256, 8, 8)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	defer tbl.Destroy()

	payload := make([]byte, 16)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := tbl.AddTuple(payload, 1, nil); err != nil {
			b.Fatalf("AddTuple: %v", err)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	tbl, err := Create(mgr, 5000, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := tbl.AddTuple([]byte("XXXXXXXXXXXXXXXX"), 1, nil); err != nil {
			t.Fatalf("AddTuple %d: %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := tbl.WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	tbl.Destroy()

	mgr2, err := shmem.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	tbl2, err := Create(mgr2, 5000, 16, 4, 4, 2, 2)
	if err != nil {
		t.Fatalf("Create for load: %v", err)
	}
	defer tbl2.Destroy()
	if err := tbl2.LoadSnapshot(&buf); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if tbl2.NumBlocks() != 2 {
		t.Fatalf("loaded num_blocks = %d, want 2", tbl2.NumBlocks())
	}

	cur := tbl2.NewCursor()
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
	if count != 6 {
		t.Fatalf("loaded table has %d live tuples, want 6", count)
	}
}
