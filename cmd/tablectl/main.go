// Command tablectl is a REPL exercising the whole shared heap
// table / B+Tree index stack end to end, plus a concurrent
// benchmark mode that drives two workers against disjoint key
// ranges and checks every tree invariant holds afterward.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"sharedtable/bplustree"
	"sharedtable/engine"
	"sharedtable/heaptable"
	"sharedtable/shmem"
)

// Block n of the table or of an index's page manager lives at segment
// key+n, so the base keys are spaced far apart to keep the ranges
// from overlapping as the table and indexes grow.
const (
	tableKey     int64 = 100000
	primaryKey   int64 = 200000
	secondaryKey int64 = 300000
	rowSize            = 8
	keysPerPage        = 64
)

// state bundles the handles every REPL command operates on. byID and
// byGroup are kept alongside eng (rather than looked up through it)
// because engine.Engine does not expose its registered indexes by
// name — callers that built them keep their own handles.
type state struct {
	mgr     *shmem.Manager
	table   *heaptable.Table
	eng     *engine.Engine
	byID    *bplustree.Index
	byGroup *bplustree.Index
	kilroy  uint32
}

func rowKeyID(payload []byte) []byte    { return append([]byte(nil), payload[0:4]...) }
func rowKeyGroup(payload []byte) []byte { return append([]byte(nil), payload[4:8]...) }

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func openOrCreate(mgr *shmem.Manager) (*state, error) {
	tbl, err := heaptable.Open(mgr, tableKey)
	if err != nil {
		tbl, err = heaptable.Create(mgr, tableKey, rowSize, 64, 64, 8, 8)
		if err != nil {
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	pk, err := bplustree.Open(mgr, primaryKey, compareBytes, rowKeyID)
	if err != nil {
		pk, err = bplustree.Create(mgr, primaryKey, 0, 4, keysPerPage, bplustree.Primary, compareBytes, rowKeyID)
		if err != nil {
			return nil, fmt.Errorf("create primary index: %w", err)
		}
	}
	sk, err := bplustree.Open(mgr, secondaryKey, compareBytes, rowKeyGroup)
	if err != nil {
		sk, err = bplustree.Create(mgr, secondaryKey, 0, 4, keysPerPage, bplustree.Secondary, compareBytes, rowKeyGroup)
		if err != nil {
			return nil, fmt.Errorf("create secondary index: %w", err)
		}
	}

	eng := engine.New(tbl)
	if err := eng.RegisterIndex("by_id", pk, true, rowKeyID); err != nil {
		return nil, err
	}
	if err := eng.RegisterIndex("by_group", sk, false, rowKeyGroup); err != nil {
		return nil, err
	}
	return &state{mgr: mgr, table: tbl, eng: eng, byID: pk, byGroup: sk}, nil
}

func main() {
	dir := flag.String("dir", "./tablectl-data", "base directory for table/index segment files")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("create base dir: %v", err)
	}
	mgr, err := shmem.NewManager(*dir)
	if err != nil {
		log.Fatalf("open segment manager: %v", err)
	}

	st, err := openOrCreate(mgr)
	if err != nil {
		log.Fatalf("initialize table: %v", err)
	}
	st.kilroy = uint32(os.Getpid())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nExiting...")
		os.Exit(0)
	}()

	commands := registerCommands()
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("tablectl ready. Type 'help' for a command list.")

	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			fmt.Println("Exiting...")
			return
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		cmd := strings.ToLower(fields[0])
		if cmd == "exit" || cmd == "quit" {
			fmt.Println("Exiting...")
			return
		}
		handler, ok := commands[cmd]
		if !ok {
			fmt.Println("Unknown command:", cmd, "(try 'help')")
			continue
		}
		if err := handler(st, fields[1:]); err != nil {
			fmt.Println("error:", err)
		}
	}
}
