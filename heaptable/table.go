package heaptable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"sharedtable/shmem"
	"sharedtable/synclatch"
)

// Slot identifies one tuple by its (block, tuple) position in place of
// a raw pointer: every process resolves the pair through its own local
// block descriptor table.
type Slot struct {
	Block int32
	Tuple int32
}

// Position reports where a cursor sits relative to the live sequence.
type Position int

const (
	BOT Position = iota
	InRange
	EOT
)

// blockDescriptor is a process-local view of one shared segment: the
// mapped bytes plus pre-sliced accessor views, kept at a stable address
// once published into Table.blocks.
type blockDescriptor struct {
	seg        *shmem.Segment
	header     blockHeader
	addShards  []addShard
	slotsStart int
	slotSize   int
}

func (bd *blockDescriptor) control(tuple int32) controlWord {
	off := bd.slotsStart + int(tuple)*bd.slotSize
	return controlWord{bd.seg.Data[off : off+ControlWordSize]}
}

func (bd *blockDescriptor) payload(tuple int32) []byte {
	off := bd.slotsStart + int(tuple)*bd.slotSize + ControlWordSize
	return bd.seg.Data[off : off+bd.slotSize-ControlWordSize]
}

// Table is a growing, sharded shared-heap container of fixed-size
// tuples. Exported methods are safe to call from any goroutine; the
// wire format of the underlying segments is additionally safe across
// process boundaries, which is the point of the whole package.
type Table struct {
	mgr *shmem.Manager
	key int64

	tupleSize       int
	trueTupleSize   int
	initialAlloc    int
	growthAlloc     int
	numDeleteShards int
	numAddShards    int
	isCreator       bool

	seg0         *shmem.Segment
	info         tableInfo
	deleteShards []deleteShard

	mu            sync.Mutex // guards local bookkeeping only, never shared bytes
	blocks        []*blockDescriptor
	lastAddShard  uint32
	lastDeleteShard uint32
}

func block0Size(tupleSize, initialAlloc, numDeleteShards, numAddShards int) (int, int) {
	trueTupleSize := tupleSize + ControlWordSize
	size := TableInfoSize + numDeleteShards*DeleteShardSize + BlockHeaderSize +
		numAddShards*AddShardSize + initialAlloc*trueTupleSize
	return size, trueTupleSize
}

func blockNSize(trueTupleSize, growthAlloc, numAddShards int) int {
	return BlockHeaderSize + numAddShards*AddShardSize + growthAlloc*trueTupleSize
}

// Create allocates the first segment and threads its add-lists.
func Create(mgr *shmem.Manager, key int64, tupleSize, initialAlloc, growthAlloc, numDeleteShards, numAddShards int) (*Table, error) {
	if tupleSize <= 0 || initialAlloc <= 0 || growthAlloc <= 0 || numDeleteShards <= 0 || numAddShards <= 0 {
		return nil, fmt.Errorf("heaptable: bad parameters creating table %d", key)
	}
	size0, trueTupleSize := block0Size(tupleSize, initialAlloc, numDeleteShards, numAddShards)
	seg0, err := mgr.Create(key, size0)
	if err != nil {
		return nil, err
	}

	t := &Table{
		mgr:             mgr,
		key:             key,
		tupleSize:       tupleSize,
		trueTupleSize:   trueTupleSize,
		initialAlloc:    initialAlloc,
		growthAlloc:     growthAlloc,
		numDeleteShards: numDeleteShards,
		numAddShards:    numAddShards,
		isCreator:       true,
		seg0:            seg0,
	}

	t.info = tableInfo{seg0.Data[0:TableInfoSize]}
	t.info.setSig()
	t.info.setTupleSize(uint32(tupleSize))
	t.info.setTrueTupleSize(uint32(trueTupleSize))
	t.info.setInitialAlloc(uint32(initialAlloc))
	t.info.setGrowthAlloc(uint32(growthAlloc))
	t.info.setNumDeleteShards(uint32(numDeleteShards))
	t.info.setNumAddShards(uint32(numAddShards))
	t.info.setKey(key)
	t.info.setInstanceCount(1)
	t.info.setNumBlocks(1)

	dsOff := deleteShardsOffset()
	for i := 0; i < numDeleteShards; i++ {
		off := dsOff + i*DeleteShardSize
		ds := deleteShard{seg0.Data[off : off+DeleteShardSize]}
		ds.SetLock(0)
		ds.SetBlock(ChainEnd)
		ds.SetTuple(ChainEnd)
		t.deleteShards = append(t.deleteShards, ds)
	}

	bhOff := blockHeaderOffsetInBlock0(numDeleteShards)
	header := blockHeader{seg0.Data[bhOff : bhOff+BlockHeaderSize]}
	header.setTuplesAllocated(int32(initialAlloc))
	header.setTuplesUsed(0)
	header.setBlockIndex(0)
	header.setSharedMemID(key)
	header.setNextSharedMemID(-1)

	addOff := bhOff + BlockHeaderSize
	slotsStart := addOff + numAddShards*AddShardSize
	bd := &blockDescriptor{seg: seg0, header: header, slotsStart: slotsStart, slotSize: trueTupleSize}
	for i := 0; i < numAddShards; i++ {
		off := addOff + i*AddShardSize
		bd.addShards = append(bd.addShards, addShard{seg0.Data[off : off+AddShardSize]})
	}
	buildAddChains(bd, initialAlloc, numAddShards)
	t.blocks = []*blockDescriptor{bd}
	return t, nil
}

// Open attaches an existing table's first segment and fault-maps the
// rest on demand.
func Open(mgr *shmem.Manager, key int64) (*Table, error) {
	size, err := mgr.Size(key)
	if err != nil {
		return nil, err
	}
	seg0, err := mgr.Open(key, size)
	if err != nil {
		return nil, err
	}
	info := tableInfo{seg0.Data[0:TableInfoSize]}
	if !info.hasSig() {
		seg0.Detach()
		return nil, fmt.Errorf("heaptable: segment %d has no table signature", key)
	}

	t := &Table{
		mgr:             mgr,
		key:             key,
		tupleSize:       int(info.TupleSize()),
		trueTupleSize:   int(info.TrueTupleSize()),
		initialAlloc:    int(info.InitialAlloc()),
		growthAlloc:     int(info.GrowthAlloc()),
		numDeleteShards: int(info.NumDeleteShards()),
		numAddShards:    int(info.NumAddShards()),
		isCreator:       false,
		seg0:            seg0,
		info:            info,
	}

	dsOff := deleteShardsOffset()
	for i := 0; i < t.numDeleteShards; i++ {
		off := dsOff + i*DeleteShardSize
		t.deleteShards = append(t.deleteShards, deleteShard{seg0.Data[off : off+DeleteShardSize]})
	}

	bhOff := blockHeaderOffsetInBlock0(t.numDeleteShards)
	header := blockHeader{seg0.Data[bhOff : bhOff+BlockHeaderSize]}
	addOff := bhOff + BlockHeaderSize
	slotsStart := addOff + t.numAddShards*AddShardSize
	bd := &blockDescriptor{seg: seg0, header: header, slotsStart: slotsStart, slotSize: t.trueTupleSize}
	for i := 0; i < t.numAddShards; i++ {
		off := addOff + i*AddShardSize
		bd.addShards = append(bd.addShards, addShard{seg0.Data[off : off+AddShardSize]})
	}
	t.blocks = []*blockDescriptor{bd}

	atomic.AddUint32(infoPtr(t.info, 36), 1) // instance_count++

	if err := t.attachMissingBlocks(); err != nil {
		return nil, err
	}
	return t, nil
}

// infoPtr exposes a *uint32 into the table-info header for atomic
// increment/decrement of instance_count and num_blocks, the two fields
// that mutate atomically after creation.
func infoPtr(info tableInfo, off int) *uint32 {
	return (*uint32)(ptrAt(info.data, off))
}

func (t *Table) numBlocksPtr() *uint32  { return infoPtr(t.info, 24) }
func (t *Table) instanceCountPtr() *uint32 { return infoPtr(t.info, 36) }

// NumBlocks reads the table's current block count.
func (t *Table) NumBlocks() int32 { return int32(atomic.LoadUint32(t.numBlocksPtr())) }

// TupleSize, TrueTupleSize, InitialAlloc, GrowthAlloc, NumDeleteShards,
// NumAddShards and Key expose the immutable table-info fields, used by
// snapshot and index code that must replicate or validate this table's
// layout without reaching into package-private types.
func (t *Table) TupleSize() int       { return t.tupleSize }
func (t *Table) TrueTupleSize() int   { return t.trueTupleSize }
func (t *Table) InitialAlloc() int    { return t.initialAlloc }
func (t *Table) GrowthAlloc() int     { return t.growthAlloc }
func (t *Table) NumDeleteShards() int { return t.numDeleteShards }
func (t *Table) NumAddShards() int    { return t.numAddShards }
func (t *Table) Key() int64           { return t.key }

// attachMissingBlocks walks next_shared_mem_id from the last locally
// known block until it catches up with num_blocks.
func (t *Table) attachMissingBlocks() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for int32(len(t.blocks)) < t.NumBlocks() {
		last := t.blocks[len(t.blocks)-1]
		nextKey := last.header.NextSharedMemID()
		if nextKey < 0 {
			return fmt.Errorf("heaptable: block chain broken before num_blocks reached")
		}
		size := blockNSize(t.trueTupleSize, t.growthAlloc, t.numAddShards)
		seg, err := t.mgr.Open(nextKey, size)
		if err != nil {
			return err
		}
		header := blockHeader{seg.Data[0:BlockHeaderSize]}
		addOff := BlockHeaderSize
		slotsStart := addOff + t.numAddShards*AddShardSize
		bd := &blockDescriptor{seg: seg, header: header, slotsStart: slotsStart, slotSize: t.trueTupleSize}
		for i := 0; i < t.numAddShards; i++ {
			off := addOff + i*AddShardSize
			bd.addShards = append(bd.addShards, addShard{seg.Data[off : off+AddShardSize]})
		}
		t.blocks = append(t.blocks, bd)
	}
	return nil
}

// getHeader returns the local descriptor for block, attaching any
// segments it has not yet mapped.
func (t *Table) getHeader(block int32) (*blockDescriptor, error) {
	t.mu.Lock()
	haveIt := int32(len(t.blocks)) > block
	t.mu.Unlock()
	if !haveIt {
		if err := t.attachMissingBlocks(); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if block < 0 || int32(len(t.blocks)) <= block {
		return nil, fmt.Errorf("heaptable: block %d out of range", block)
	}
	return t.blocks[block], nil
}

// buildAddChains threads initialAlloc/growthAlloc fresh slots into
// numAddShards add-lists, round robin, highest-tuple-first so that
// popping yields ascending tuple numbers per shard.
func buildAddChains(bd *blockDescriptor, numTuples, numAddShards int) {
	for s := 0; s < numAddShards; s++ {
		var indices []int
		for idx := s; idx < numTuples; idx += numAddShards {
			indices = append(indices, idx)
		}
		prev := ChainEnd
		for i := len(indices) - 1; i >= 0; i-- {
			idx := indices[i]
			cw := bd.control(int32(idx))
			cw.SetLock(0)
			cw.SetNextBlock(Virgin)
			cw.SetNextTuple(int32(prev))
			prev = int32(idx)
		}
		bd.addShards[s].SetLock(0)
		bd.addShards[s].SetLastTuple(int32(prev))
	}
}

// growBlock creates and links a new segment sized for tuplesIn slots,
// used by both addBlock (growthAlloc-sized) and snapshot loading
// (sized from the file).
func (t *Table) growBlock(tuplesIn int) (*blockDescriptor, error) {
	t.mu.Lock()
	last := t.blocks[len(t.blocks)-1]
	newIndex := int32(len(t.blocks))
	t.mu.Unlock()

	latch := last.header.latchWord()
	if err := synclatch.QueueExclusive(latch); err != nil {
		// another process is growing the chain right now; wait it out
		// and let the caller rescan the (now larger) table.
		var attempt int
		for synclatch.ExclusiveRequested(latch) {
			synclatch.Backoff(&attempt)
		}
		return nil, nil
	}
	defer synclatch.ReleaseExclusive(latch)

	if int32(atomic.LoadUint32(t.numBlocksPtr())) != newIndex {
		// someone else already grew the table; caller rescans.
		return nil, nil
	}

	newKey := t.key + int64(newIndex)
	size := blockNSize(t.trueTupleSize, tuplesIn, t.numAddShards)
	seg, err := t.mgr.Create(newKey, size)
	if err != nil {
		return nil, err
	}
	header := blockHeader{seg.Data[0:BlockHeaderSize]}
	header.setTuplesAllocated(int32(tuplesIn))
	header.setTuplesUsed(0)
	header.setBlockIndex(newIndex)
	header.setSharedMemID(newKey)
	header.setNextSharedMemID(-1)

	addOff := BlockHeaderSize
	slotsStart := addOff + t.numAddShards*AddShardSize
	bd := &blockDescriptor{seg: seg, header: header, slotsStart: slotsStart, slotSize: t.trueTupleSize}
	for i := 0; i < t.numAddShards; i++ {
		off := addOff + i*AddShardSize
		bd.addShards = append(bd.addShards, addShard{seg.Data[off : off+AddShardSize]})
	}
	buildAddChains(bd, tuplesIn, t.numAddShards)

	t.mu.Lock()
	t.blocks = append(t.blocks, bd)
	t.mu.Unlock()

	last.header.setNextSharedMemID(newKey) // link before publish
	atomic.AddUint32(t.numBlocksPtr(), 1)  // publish num_blocks last
	return bd, nil
}

func (t *Table) addBlock() error {
	_, err := t.growBlock(t.growthAlloc)
	return err
}

// getDeletedRecord scans delete shards round robin for a reusable
// slot.
func (t *Table) getDeletedRecord(kilroy uint32) (Slot, bool, error) {
	n := t.numDeleteShards
	start := atomic.LoadUint32(&t.lastDeleteShard)
	for i := 0; i < n; i++ {
		idx := (int(start) + 1 + i) % n
		ds := t.deleteShards[idx]
		if ds.Tuple() == ChainEnd {
			continue
		}
		if !synclatch.BounceSpinlock(shardLock(ds.data)) {
			continue
		}
		block, tuple := ds.Block(), ds.Tuple()
		if tuple == ChainEnd {
			synclatch.SpinlockRelease(shardLock(ds.data))
			continue
		}
		bd, err := t.getHeader(block)
		if err != nil {
			synclatch.SpinlockRelease(shardLock(ds.data))
			return Slot{}, false, err
		}
		cw := bd.control(tuple)
		nb, nt := cw.NextBlock(), cw.NextTuple()
		ds.SetBlock(nb)
		ds.SetTuple(nt)
		cw.SetNextBlock(Normal)
		cw.SetNextTuple(Normal)
		cw.storeLock(kilroy)
		synclatch.SpinlockRelease(shardLock(ds.data))
		atomic.StoreUint32(&t.lastDeleteShard, uint32(idx))
		return Slot{Block: block, Tuple: tuple}, true, nil
	}
	return Slot{}, false, nil
}

func shardLock(data []byte) *uint32 { return (*uint32)(ptrAt(data, 0)) }

// lockPtr and storeLock give atomic access to a control word's lock
// field: other threads CAS the same word from LockTuple/DeleteTuple, so
// every post-publication write must be atomic too.
func (c controlWord) lockPtr() *uint32   { return (*uint32)(ptrAt(c.data, 0)) }
func (c controlWord) storeLock(v uint32) { atomic.StoreUint32(c.lockPtr(), v) }

// AllocateTuple returns a slot locked under kilroy, reusing a deleted
// slot first and otherwise popping an add-list head, growing the table
// if every shard in the last block is empty.
func (t *Table) AllocateTuple(kilroy uint32) (Slot, error) {
	if slot, ok, err := t.getDeletedRecord(kilroy); err != nil {
		return Slot{}, err
	} else if ok {
		return slot, nil
	}

	const maxSweeps = 1 << 20
	for sweep := 0; sweep < maxSweeps; sweep++ {
		lastIdx := t.NumBlocks() - 1
		bd, err := t.getHeader(lastIdx)
		if err != nil {
			return Slot{}, err
		}
		n := t.numAddShards
		start := atomic.LoadUint32(&t.lastAddShard)
		for i := 0; i < n; i++ {
			idx := (int(start) + 1 + i) % n
			as := bd.addShards[idx]
			if as.LastTuple() == ChainEnd {
				continue
			}
			if !synclatch.BounceSpinlock(shardLock(as.data)) {
				continue
			}
			head := as.LastTuple()
			if head == ChainEnd {
				synclatch.SpinlockRelease(shardLock(as.data))
				continue
			}
			cw := bd.control(head)
			next := cw.NextTuple()
			as.SetLastTuple(next)
			cw.SetNextBlock(Normal)
			cw.SetNextTuple(Normal)
			cw.storeLock(kilroy)
			synclatch.SpinlockRelease(shardLock(as.data))
			atomic.StoreUint32(&t.lastAddShard, uint32(idx))
			return Slot{Block: lastIdx, Tuple: head}, nil
		}

		// nothing acquired this sweep: grow, unless someone beat us to it
		if err := t.addBlock(); err != nil {
			return Slot{}, err
		}
	}
	return Slot{}, ErrFull
}

// Locate returns the payload bytes at (block, tuple) without any
// liveness check, fault-mapping the segment if needed.
func (t *Table) Locate(block, tuple int32) ([]byte, error) {
	bd, err := t.getHeader(block)
	if err != nil {
		return nil, err
	}
	return bd.payload(tuple), nil
}

// SetTuple positions a cursor at (block, tuple), returning nil if the
// slot is not live.
func (t *Table) SetTuple(block, tuple int32) ([]byte, error) {
	bd, err := t.getHeader(block)
	if err != nil {
		return nil, err
	}
	cw := bd.control(tuple)
	if !cw.isLive() {
		return nil, ErrDeadSlot
	}
	return bd.payload(tuple), nil
}

// LockTuple spins until it owns the slot under kilroy, aborting if the
// slot dies while waiting.
func (t *Table) LockTuple(block, tuple int32, kilroy uint32) error {
	bd, err := t.getHeader(block)
	if err != nil {
		return err
	}
	cw := bd.control(tuple)
	lockPtr := cw.lockPtr()
	var attempt int
	for {
		lock := atomic.LoadUint32(lockPtr)
		if lock == DeletedSentinel || cw.NextBlock() != Normal {
			return ErrDeadSlot
		}
		if lock == kilroy {
			return nil
		}
		if lock == 0 && atomic.CompareAndSwapUint32(lockPtr, 0, kilroy) {
			return nil
		}
		synclatch.Backoff(&attempt)
	}
}

// BounceLockTuple makes one attempt and reports contention instead of
// spinning.
func (t *Table) BounceLockTuple(block, tuple int32, kilroy uint32) error {
	bd, err := t.getHeader(block)
	if err != nil {
		return err
	}
	cw := bd.control(tuple)
	lockPtr := cw.lockPtr()
	lock := atomic.LoadUint32(lockPtr)
	if lock == DeletedSentinel || cw.NextBlock() != Normal {
		return ErrDeadSlot
	}
	if lock == kilroy {
		return nil
	}
	if lock == 0 && atomic.CompareAndSwapUint32(lockPtr, 0, kilroy) {
		return nil
	}
	return synclatch.ErrContended
}

// UnlockTuple releases a slot locked under kilroy.
func (t *Table) UnlockTuple(block, tuple int32, kilroy uint32) error {
	bd, err := t.getHeader(block)
	if err != nil {
		return err
	}
	cw := bd.control(tuple)
	lockPtr := cw.lockPtr()
	if !atomic.CompareAndSwapUint32(lockPtr, kilroy, 0) {
		return ErrNotLocked
	}
	return nil
}

// DeleteTuple requires the caller already hold the slot under kilroy.
// It flips the control word's lock to DeletedSentinel, links the slot
// onto a delete shard, invokes onMarked with the still-intact payload
// (for index key removal) and only then releases the shard — the
// sentinel-first ordering this system's cross-subsystem coupling
// depends on.
func (t *Table) DeleteTuple(block, tuple int32, kilroy uint32, onMarked func(payload []byte) error) error {
	bd, err := t.getHeader(block)
	if err != nil {
		return err
	}
	cw := bd.control(tuple)
	lockPtr := cw.lockPtr()
	if !atomic.CompareAndSwapUint32(lockPtr, kilroy, DeletedSentinel) {
		return ErrNotLocked
	}
	payload := bd.payload(tuple)

	n := t.numDeleteShards
	start := atomic.LoadUint32(&t.lastDeleteShard)
	var ds deleteShard
	var idx int
	var attempt int
	for i := 0; ; i = (i + 1) % n {
		idx = (int(start) + 1 + i) % n
		cand := t.deleteShards[idx]
		if synclatch.BounceSpinlock(shardLock(cand.data)) {
			ds = cand
			break
		}
		if i == n-1 {
			synclatch.Backoff(&attempt)
		}
	}
	oldBlock, oldTuple := ds.Block(), ds.Tuple()
	cw.SetNextBlock(oldBlock)
	cw.SetNextTuple(oldTuple)
	ds.SetBlock(block)
	ds.SetTuple(tuple)

	var cbErr error
	if onMarked != nil {
		cbErr = onMarked(payload)
	}
	synclatch.SpinlockRelease(shardLock(ds.data))
	atomic.StoreUint32(&t.lastDeleteShard, uint32(idx))
	return cbErr
}

// AddTuple allocates a slot, copies payload into it, then invokes
// afterCopy (typically index insertion). If afterCopy fails, the slot
// is unwound via a compensating DeleteTuple and the error is returned.
func (t *Table) AddTuple(payload []byte, kilroy uint32, afterCopy func(slot Slot, payload []byte) error) (Slot, error) {
	if len(payload) != t.tupleSize {
		return Slot{}, fmt.Errorf("heaptable: payload is %d bytes, want %d", len(payload), t.tupleSize)
	}
	slot, err := t.AllocateTuple(kilroy)
	if err != nil {
		return Slot{}, err
	}
	bd, err := t.getHeader(slot.Block)
	if err != nil {
		return Slot{}, err
	}
	copy(bd.payload(slot.Tuple), payload)

	if afterCopy != nil {
		if cbErr := afterCopy(slot, payload); cbErr != nil {
			_ = t.DeleteTuple(slot.Block, slot.Tuple, kilroy, nil)
			return Slot{}, cbErr
		}
	}
	return slot, nil
}

// Close detaches every locally mapped segment without destroying
// backing storage.
func (t *Table) Close() error {
	atomic.AddUint32(t.instanceCountPtr(), ^uint32(0))
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for _, bd := range t.blocks {
		if err := bd.seg.Detach(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy closes the table and, if this process created it, removes
// every backing segment once instance_count has reached zero.
func (t *Table) Destroy() error {
	remaining := atomic.LoadUint32(t.instanceCountPtr())
	if err := t.Close(); err != nil {
		return err
	}
	if !t.isCreator || remaining != 1 {
		return nil
	}
	t.mu.Lock()
	n := len(t.blocks)
	t.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := t.mgr.Destroy(t.key + int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// liveUpperBound returns the exclusive tuple-index bound for scanning
// block: tuples_allocated for every non-last block, but for the last
// block the highest head currently on any add shard, because that
// head and every slot above it are still unused.
func (t *Table) liveUpperBound(block int32) (int32, error) {
	bd, err := t.getHeader(block)
	if err != nil {
		return 0, err
	}
	if block != t.NumBlocks()-1 {
		return bd.header.TuplesAllocated(), nil
	}
	var bound int32 = 0
	for _, as := range bd.addShards {
		head := as.LastTuple()
		if head == ChainEnd {
			// this shard is fully drained; slots above another shard's
			// head may still be live, so the cheap bound is off.
			return bd.header.TuplesAllocated(), nil
		}
		if head > bound {
			bound = head
		}
	}
	return bound, nil
}

// io.Writer/io.Reader-based snapshot support lives in snapshot.go.
