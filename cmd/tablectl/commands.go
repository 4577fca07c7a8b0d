package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"sync"

	"sharedtable/bplustree"
)

// command is a single REPL handler; args excludes the command word
// itself.
type command func(st *state, args []string) error

func registerCommands() map[string]command {
	return map[string]command{
		"insert":     cmdInsert,
		"get":        cmdGet,
		"delete":     cmdDelete,
		"scan":       cmdScan,
		"scan-group": cmdScanGroup,
		"check":      cmdCheck,
		"stats":      cmdStats,
		"export":     cmdExport,
		"import":     cmdImport,
		"snapshot-save": cmdSnapshotSave,
		"snapshot-load": cmdSnapshotLoad,
		"benchmark":  cmdBenchmark,
		"help":       cmdHelp,
	}
}

func encodeRow(id, group int32) []byte {
	buf := make([]byte, rowSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(group))
	return buf
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}

func cmdInsert(st *state, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: insert <id> <group>")
	}
	id, err := parseInt32(args[0])
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}
	group, err := parseInt32(args[1])
	if err != nil {
		return fmt.Errorf("bad group: %w", err)
	}
	slot, err := st.eng.AddTuple(encodeRow(id, group), st.kilroy)
	if err != nil {
		return err
	}
	fmt.Printf("inserted id=%d group=%d at (%d,%d)\n", id, group, slot.Block, slot.Tuple)
	return nil
}

func cmdGet(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <id>")
	}
	id, err := parseInt32(args[0])
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, uint32(id))

	pk, ok := lookupIndex(st, "by_id")
	if !ok {
		return fmt.Errorf("primary index not registered")
	}
	tb, tt, err := pk.Find(key, 0, 0, bplustree.FindDirect, bplustree.ReadCrablock)
	if err != nil {
		return err
	}
	payload, err := st.table.SetTuple(tb, tt)
	if err != nil {
		return err
	}
	group := binary.LittleEndian.Uint32(payload[4:8])
	fmt.Printf("id=%d group=%d at (%d,%d)\n", id, group, tb, tt)
	return nil
}

func cmdDelete(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <id>")
	}
	id, err := parseInt32(args[0])
	if err != nil {
		return fmt.Errorf("bad id: %w", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, uint32(id))

	pk, ok := lookupIndex(st, "by_id")
	if !ok {
		return fmt.Errorf("primary index not registered")
	}
	tb, tt, err := pk.Find(key, 0, 0, bplustree.FindDirect, bplustree.ReadCrablock)
	if err != nil {
		return err
	}
	kilroy := st.kilroy
	if err := st.table.LockTuple(tb, tt, kilroy); err != nil {
		return err
	}
	if err := st.eng.DeleteTuple(tb, tt, kilroy); err != nil {
		return err
	}
	fmt.Printf("deleted id=%d\n", id)
	return nil
}

func cmdScan(st *state, args []string) error {
	cur := st.table.NewCursor()
	count := 0
	for {
		payload, slot, err := cur.Next()
		if err != nil {
			return err
		}
		if payload == nil {
			break
		}
		id := binary.LittleEndian.Uint32(payload[0:4])
		group := binary.LittleEndian.Uint32(payload[4:8])
		fmt.Printf("(%d,%d) id=%d group=%d\n", slot.Block, slot.Tuple, id, group)
		count++
	}
	fmt.Printf("%d rows\n", count)
	return nil
}

func cmdScanGroup(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scan-group <group>")
	}
	group, err := parseInt32(args[0])
	if err != nil {
		return fmt.Errorf("bad group: %w", err)
	}
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, uint32(group))

	sk, ok := lookupIndex(st, "by_group")
	if !ok {
		return fmt.Errorf("secondary index not registered")
	}
	cur := sk.NewCursor()
	if err := cur.SeekFirst(key); err != nil {
		return err
	}
	count := 0
	for {
		k, tb, tt, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok || !bytes.Equal(k, key) {
			break
		}
		payload, err := st.table.SetTuple(tb, tt)
		if err != nil {
			return err
		}
		id := binary.LittleEndian.Uint32(payload[0:4])
		fmt.Printf("(%d,%d) id=%d group=%d\n", tb, tt, id, group)
		count++
	}
	fmt.Printf("%d rows in group %d\n", count, group)
	return nil
}

func cmdCheck(st *state, args []string) error {
	for _, name := range []string{"by_id", "by_group"} {
		idx, ok := lookupIndex(st, name)
		if !ok {
			continue
		}
		if err := idx.CheckBTree(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	fmt.Println("all tree invariants hold")
	return nil
}

func cmdStats(st *state, args []string) error {
	fmt.Printf("num_blocks=%d tuple_size=%d initial_alloc=%d growth_alloc=%d\n",
		st.table.NumBlocks(), st.table.TupleSize(), st.table.InitialAlloc(), st.table.GrowthAlloc())
	return nil
}

func cmdExport(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: export <file>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := st.eng.Export(f); err != nil {
		return err
	}
	fmt.Println("exported to", args[0])
	return nil
}

func cmdImport(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: import <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := st.eng.Import(f, st.kilroy); err != nil {
		return err
	}
	fmt.Println("imported from", args[0])
	return nil
}

func cmdSnapshotSave(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: snapshot-save <file>")
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := st.eng.WriteTable(f); err != nil {
		return err
	}
	fmt.Println("snapshot written to", args[0])
	return nil
}

func cmdSnapshotLoad(st *state, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: snapshot-load <file>")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := st.eng.LoadTable(f); err != nil {
		return err
	}
	fmt.Println("snapshot loaded from", args[0])
	return nil
}

// cmdBenchmark runs two goroutines, each inserting 10,000 rows and
// then deleting 5,000 of its own rows across disjoint id ranges, then
// runs CheckBTree on both indexes.
func cmdBenchmark(st *state, args []string) error {
	const perWorker = 10000
	const deletesPerWorker = 5000

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for w := 0; w < 2; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			base := int32(w * perWorker)
			kilroy := uint32(1000 + w)
			for i := int32(0); i < perWorker; i++ {
				id := base + i
				if _, err := st.eng.AddTuple(encodeRow(id, id%7), kilroy); err != nil {
					errs <- fmt.Errorf("worker %d insert %d: %w", w, id, err)
					return
				}
			}
			key := make([]byte, 4)
			pk, _ := lookupIndex(st, "by_id")
			for i := int32(0); i < deletesPerWorker; i++ {
				id := base + i
				binary.LittleEndian.PutUint32(key, uint32(id))
				tb, tt, err := pk.Find(key, 0, 0, bplustree.FindDirect, bplustree.ReadCrablock)
				if err != nil {
					errs <- fmt.Errorf("worker %d find %d: %w", w, id, err)
					return
				}
				if err := st.table.LockTuple(tb, tt, kilroy); err != nil {
					errs <- fmt.Errorf("worker %d lock %d: %w", w, id, err)
					return
				}
				if err := st.eng.DeleteTuple(tb, tt, kilroy); err != nil {
					errs <- fmt.Errorf("worker %d delete %d: %w", w, id, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}

	if err := cmdCheck(st, nil); err != nil {
		return fmt.Errorf("benchmark invariant check failed: %w", err)
	}
	fmt.Println("benchmark complete: 2 workers x (10000 inserts, 5000 deletes), zero invariant violations")
	return nil
}

func cmdHelp(st *state, args []string) error {
	fmt.Println(`commands:
  insert <id> <group>     insert a row
  get <id>                 look up a row by id
  delete <id>              delete a row by id
  scan                     list every live row
  scan-group <group>       list every row in a group, via the secondary index
  check                    verify both indexes' structural invariants
  stats                    print table sizing
  export <file>            raw dump of every live row's payload bytes
  import <file>            re-insert rows from a raw export
  snapshot-save <file>     whole-table + whole-index snapshot
  snapshot-load <file>     restore a snapshot
  benchmark                concurrent insert/delete stress test + invariant check
  help                     this message
  exit                     quit`)
	return nil
}

func lookupIndex(st *state, name string) (*bplustree.Index, bool) {
	switch name {
	case "by_id":
		return st.byID, st.byID != nil
	case "by_group":
		return st.byGroup, st.byGroup != nil
	}
	return nil, false
}
