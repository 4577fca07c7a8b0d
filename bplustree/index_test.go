package bplustree

import (
	"bytes"
	"encoding/binary"
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

func intKey(n int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

func compareInt(a, b []byte) int {
	return bytes.Compare(a, b)
}

func noopMakeKey(payload []byte) []byte { return payload }

func TestCreateEmptyTreeChecksOut(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 100, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree on empty tree: %v", err)
	}
	if _, _, err := idx.Find(intKey(1), 0, 0, FindDirect, ReadCrablock); err != ErrNotFound {
		t.Fatalf("Find on empty tree = %v, want ErrNotFound", err)
	}
}

func TestInsertFindDelete(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 101, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := int32(0); i < 20; i++ {
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree after inserts: %v", err)
	}

	for i := int32(0); i < 20; i++ {
		tb, tt, err := idx.Find(intKey(i), 0, 0, FindDirect, ReadCrablock)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if tb != 0 || tt != i {
			t.Fatalf("Find(%d) = (%d,%d), want (0,%d)", i, tb, tt, i)
		}
	}

	if err := idx.Delete(intKey(5), 0, 5); err != nil {
		t.Fatalf("Delete(5): %v", err)
	}
	if _, _, err := idx.Find(intKey(5), 0, 0, FindDirect, ReadCrablock); err != ErrNotFound {
		t.Fatalf("Find(5) after delete = %v, want ErrNotFound", err)
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree after delete: %v", err)
	}
}

func TestPrimaryRejectsDuplicateKey(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 102, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := idx.Insert(intKey(7), 0, 0); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := idx.Insert(intKey(7), 0, 1); err != ErrDuplicateKey {
		t.Fatalf("second Insert(same key) = %v, want ErrDuplicateKey", err)
	}
}

func TestSecondaryAllowsDuplicateKeyAndScansInOrder(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 103, 1, 4, 4, Secondary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Three rows all sharing key 7, disambiguated by target identity.
	if err := idx.Insert(intKey(7), 0, 0); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := idx.Insert(intKey(7), 0, 1); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if err := idx.Insert(intKey(7), 0, 2); err != nil {
		t.Fatalf("Insert c: %v", err)
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree: %v", err)
	}

	cur := idx.NewCursor()
	if err := cur.SeekFirst(intKey(7)); err != nil {
		t.Fatalf("SeekFirst: %v", err)
	}
	count := 0
	for {
		k, _, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if !ok || compareInt(k, intKey(7)) != 0 {
			break
		}
		count++
	}
	if count != 3 {
		t.Fatalf("scanned %d rows for key 7, want 3", count)
	}
}

func TestInsertWithHoldlockProtocol(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 109, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Drive every insert through the pessimistic protocol directly;
	// the resulting tree must be indistinguishable from the optimistic
	// path's, splits, root growth and all.
	const n = 60
	for i := int32(0); i < n; i++ {
		if err := idx.InsertWith(intKey(i), 0, i, WriteHoldlock); err != nil {
			t.Fatalf("InsertWith(%d): %v", i, err)
		}
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree: %v", err)
	}
	for i := int32(0); i < n; i++ {
		tb, tt, err := idx.Find(intKey(i), 0, 0, FindDirect, ReadCrablock)
		if err != nil {
			t.Fatalf("Find(%d): %v", i, err)
		}
		if tb != 0 || tt != i {
			t.Fatalf("Find(%d) = (%d,%d), want (0,%d)", i, tb, tt, i)
		}
	}
	if err := idx.InsertWith(intKey(7), 0, 99, WriteHoldlock); err != ErrDuplicateKey {
		t.Fatalf("duplicate InsertWith = %v, want ErrDuplicateKey", err)
	}
}

func TestReinsertAfterDeletingDividerKey(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 106, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Enough inserts that several keys become inner-node dividers.
	for i := int32(0); i < 40; i++ {
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	// Delete and re-insert every key: a divider key's inner-node entry
	// survives its leaf entry, and the re-insert must still succeed.
	for i := int32(0); i < 40; i++ {
		if err := idx.Delete(intKey(i), 0, i); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			t.Fatalf("re-Insert(%d): %v", i, err)
		}
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree after delete/re-insert cycle: %v", err)
	}
	for i := int32(0); i < 40; i++ {
		if _, _, err := idx.Find(intKey(i), 0, 0, FindDirect, ReadCrablock); err != nil {
			t.Fatalf("Find(%d) after re-insert: %v", i, err)
		}
	}
}

func TestSecondaryDuplicatesAcrossSplits(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 107, 1, 2, 3, Secondary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	type ins struct {
		key    string
		target int32
	}
	inserts := []ins{
		{"AA", 0}, {"AA", 1}, {"AA", 2},
		{"AB", 3},
		{"BA", 4}, {"BA", 5},
	}
	for _, in := range inserts {
		if err := idx.Insert([]byte(in.key), 0, in.target); err != nil {
			t.Fatalf("Insert(%s,%d): %v", in.key, in.target, err)
		}
	}
	if err := idx.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree: %v", err)
	}

	// The full scan must yield AA,AA,AA,AB,BA,BA with equal keys in
	// target order even though keysPerPage=3 forces the AA run across a
	// page boundary.
	cur := idx.NewCursor()
	if err := cur.SeekFirst([]byte("AA")); err != nil {
		t.Fatalf("SeekFirst: %v", err)
	}
	wantKeys := []string{"AA", "AA", "AA", "AB", "BA", "BA"}
	wantTargets := []int32{0, 1, 2, 3, 4, 5}
	for i := range wantKeys {
		k, _, tt, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("cursor exhausted at %d, want %d entries", i, len(wantKeys))
		}
		if string(k) != wantKeys[i] || tt != wantTargets[i] {
			t.Fatalf("entry %d = (%q,%d), want (%q,%d)", i, k, tt, wantKeys[i], wantTargets[i])
		}
	}

	// FIND_DIRECT on a specific duplicate must honor the target
	// tiebreak even when that duplicate sits left of an equal divider.
	for _, in := range inserts {
		_, tt, err := idx.Find([]byte(in.key), 0, in.target, FindDirect, ReadCrablock)
		if err != nil {
			t.Fatalf("Find(%s,%d): %v", in.key, in.target, err)
		}
		if tt != in.target {
			t.Fatalf("Find(%s,%d) returned target %d", in.key, in.target, tt)
		}
	}
}

func TestFindFirstAndFindLastOnDuplicateRun(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 108, 1, 4, 4, Secondary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Ten entries under one key plus sentinels on both sides.
	if err := idx.Insert(intKey(1), 0, 100); err != nil {
		t.Fatalf("Insert low sentinel: %v", err)
	}
	for i := int32(0); i < 10; i++ {
		if err := idx.Insert(intKey(5), 0, i); err != nil {
			t.Fatalf("Insert dup %d: %v", i, err)
		}
	}
	if err := idx.Insert(intKey(9), 0, 200); err != nil {
		t.Fatalf("Insert high sentinel: %v", err)
	}

	_, tt, err := idx.Find(intKey(5), NoChild, NoChild, FindFirst, ReadCrablock)
	if err != nil {
		t.Fatalf("FindFirst: %v", err)
	}
	if tt != 0 {
		t.Fatalf("FindFirst target = %d, want 0 (least target of the run)", tt)
	}

	_, tt, err = idx.Find(intKey(5), int32(1<<30), int32(1<<30), FindLast, ReadCrablock)
	if err != nil {
		t.Fatalf("FindLast: %v", err)
	}
	if tt != 9 {
		t.Fatalf("FindLast target = %d, want 9 (greatest target of the run)", tt)
	}
}


func TestInsertForcesLeafAndRootSplit(t *testing.T) {
	mgr := newTestManager(t)
	// keysPerPage=4 forces a split well before 100 inserts, and a deep
	// enough run forces at least one root split (tree growing to depth 2).
	idx, err := Create(mgr, 104, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	const n = 100
	for i := int32(0); i < n; i++ {
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		if err := idx.CheckBTree(); err != nil {
			t.Fatalf("CheckBTree after Insert(%d): %v", i, err)
		}
	}
	lb, lt := idx.rootSlot.Block, idx.rootSlot.Tuple
	rootData, err := idx.pages.Locate(lb, lt)
	if err != nil {
		t.Fatalf("Locate root: %v", err)
	}
	root := idx.pageView(rootData)
	if root.isLeaf() {
		t.Fatalf("root still leaf-shaped after %d inserts, want it to have split", n)
	}

	cur := idx.NewCursor()
	count := 0
	var lastKey []byte
	for {
		k, _, _, ok, err := cur.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if !ok {
			break
		}
		if lastKey != nil && compareInt(lastKey, k) > 0 {
			t.Fatalf("cursor yielded out-of-order keys")
		}
		lastKey = append([]byte(nil), k...)
		count++
	}
	if count != n {
		t.Fatalf("cursor scanned %d entries, want %d", count, n)
	}

	// Stepping back after running off the end must yield the greatest
	// key again.
	k, _, _, ok, err := cur.Prev()
	if err != nil {
		t.Fatalf("cursor.Prev after end: %v", err)
	}
	if !ok || compareInt(k, lastKey) != 0 {
		t.Fatalf("Prev after end = (%q,%v), want the last key %q", k, ok, lastKey)
	}
}

func BenchmarkInsert(b *testing.B) {
	mgr, err := shmem.NewManager(b.TempDir())
	if err != nil {
		b.Fatalf("NewManager: %v", err)
	}
	idx, err := Create(mgr, 200, 1, 4, 64, Primary, compareInt, noopMakeKey)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := idx.Insert(intKey(int32(i)), 0, int32(i)); err != nil {
			b.Fatalf("Insert(%d): %v", i, err)
		}
	}
}

func BenchmarkFind(b *testing.B) {
	mgr, err := shmem.NewManager(b.TempDir())
	if err != nil {
		b.Fatalf("NewManager: %v", err)
	}
	idx, err := Create(mgr, 201, 1, 4, 64, Primary, compareInt, noopMakeKey)
	if err != nil {
		b.Fatalf("Create: %v", err)
	}
	const n = 10000
	for i := int32(0); i < n; i++ {
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			b.Fatalf("Insert(%d): %v", i, err)
		}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, _, err := idx.Find(intKey(int32(i%n)), 0, 0, FindDirect, ReadCrablock); err != nil {
			b.Fatalf("Find: %v", err)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	idx, err := Create(mgr, 105, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := int32(0); i < 30; i++ {
		if err := idx.Insert(intKey(i), 0, i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := idx.WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	mgr2 := newTestManager(t)
	idx2, err := Create(mgr2, 105, 1, 4, 4, Primary, compareInt, noopMakeKey)
	if err != nil {
		t.Fatalf("Create for load: %v", err)
	}
	if err := idx2.LoadSnapshot(&buf); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if err := idx2.CheckBTree(); err != nil {
		t.Fatalf("CheckBTree after load: %v", err)
	}
	for i := int32(0); i < 30; i++ {
		tb, tt, err := idx2.Find(intKey(i), 0, 0, FindDirect, ReadCrablock)
		if err != nil {
			t.Fatalf("Find(%d) after load: %v", i, err)
		}
		if tb != 0 || tt != i {
			t.Fatalf("Find(%d) after load = (%d,%d), want (0,%d)", i, tb, tt, i)
		}
	}
}
