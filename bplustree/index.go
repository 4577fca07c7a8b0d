package bplustree

import (
	"fmt"

	"sharedtable/heaptable"
	"sharedtable/shmem"
	"sharedtable/synclatch"
)

// CompareFunc is the caller-supplied three-argument byte compare. It
// must be pure and safe under concurrent use.
type CompareFunc func(a, b []byte) int

// KeyFunc derives the key bytes for a payload (the row being indexed).
type KeyFunc func(payload []byte) []byte

// FindMode selects how a search resolves ties among equal keys.
type FindMode int

const (
	FindDirect FindMode = iota
	FindFirst
	FindLast
)

// LockMode selects the latch-coupling discipline for a descent.
// ReadOptimistic and ReadCrablock drive Find and the cursor;
// WriteOptimistic and WriteHoldlock choose Insert's protocol (see
// InsertWith); DeleteLock names the share-crab-then-upgrade-the-leaf
// discipline Delete applies. Passing a write or delete mode to Find
// descends like ReadCrablock, since a find mutates nothing.
type LockMode int

const (
	ReadOptimistic LockMode = iota
	ReadCrablock
	WriteOptimistic
	WriteHoldlock
	DeleteLock
)

// internalKilroy is the tree's own fixed owner token for the table
// slot lock it briefly holds while allocating a page; the page's own
// latch word (not the table's slot lock) governs concurrent access
// from then on.
const internalKilroy uint32 = 0xB7EE

// Index is a latch-crabbing B+Tree whose pages live as tuples inside
// a dedicated heaptable.Table.
type Index struct {
	pages       *heaptable.Table
	keyLength   int
	keysPerPage int
	indexType   IndexType
	systemKey   int64
	compare     CompareFunc
	makeKey     KeyFunc

	infoSlot heaptable.Slot
	rootSlot heaptable.Slot
}

// Create allocates a new page-manager table sized for keysPerPage
// records of keyLength bytes, writes its info page, and allocates an
// empty root leaf.
func Create(mgr *shmem.Manager, key, systemKey int64, keyLength, keysPerPage int, it IndexType, cmp CompareFunc, mk KeyFunc) (*Index, error) {
	if keyLength <= 0 || keysPerPage < 2 || cmp == nil || mk == nil {
		return nil, ErrBadParameters
	}
	totalPageSize := TotalPageSize(keyLength, keysPerPage)
	growth := keysPerPage
	if growth < 4 {
		growth = 4
	}
	pages, err := heaptable.Create(mgr, key, totalPageSize, 4, growth, 2, 2)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		pages:       pages,
		keyLength:   keyLength,
		keysPerPage: keysPerPage,
		indexType:   it,
		systemKey:   systemKey,
		compare:     cmp,
		makeKey:     mk,
	}

	infoSlot, err := idx.allocRawPage()
	if err != nil {
		return nil, err
	}
	infoData, err := pages.Locate(infoSlot.Block, infoSlot.Tuple)
	if err != nil {
		return nil, err
	}
	page{data: infoData}.setType(PageInfo)
	fp := infoPage{infoData}
	fp.setKeyLength(int32(keyLength))
	fp.setTrueKeyLength(int32(keyLength))
	fp.setKeysPerPage(int32(keysPerPage))
	fp.setAllocSize(int32(totalPageSize))
	fp.setType(it)
	fp.setSystemKey(systemKey)
	fp.setTotalPageSize(int32(totalPageSize))
	idx.infoSlot = infoSlot

	rootSlot, err := idx.allocLeafPage()
	if err != nil {
		return nil, err
	}
	rootData, err := pages.Locate(rootSlot.Block, rootSlot.Tuple)
	if err != nil {
		return nil, err
	}
	rp := page{data: rootData, keyLength: keyLength, keysPerPage: keysPerPage}
	rp.setType(PageRoot)
	rp.setSelf(rootSlot.Block, rootSlot.Tuple)
	rp.setLowChild(NoChild, NoChild)
	rp.setPrevLeaf(NoChild, NoChild)
	rp.setNextLeaf(NoChild, NoChild)
	idx.rootSlot = rootSlot

	return idx, nil
}

// Open attaches an existing index's page-manager table and locates the
// info and root pages by scanning for their page types.
func Open(mgr *shmem.Manager, key int64, cmp CompareFunc, mk KeyFunc) (*Index, error) {
	pages, err := heaptable.Open(mgr, key)
	if err != nil {
		return nil, err
	}
	idx := &Index{pages: pages, compare: cmp, makeKey: mk}

	cur := pages.NewCursor()
	for {
		payload, slot, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if payload == nil {
			break
		}
		switch (page{data: payload}).Type() {
		case PageInfo:
			fp := infoPage{payload}
			idx.infoSlot = slot
			idx.keyLength = int(fp.KeyLength())
			idx.keysPerPage = int(fp.KeysPerPage())
			idx.indexType = fp.Type()
			idx.systemKey = fp.SystemKey()
		case PageRoot:
			idx.rootSlot = slot
		}
	}
	if idx.keyLength == 0 {
		return nil, fmt.Errorf("bplustree: no info page found for index %d", key)
	}
	return idx, nil
}

// Close detaches the page-manager table's segments without destroying
// backing storage; Destroy removes them when this process created the
// index and no other opener remains.
func (idx *Index) Close() error   { return idx.pages.Close() }
func (idx *Index) Destroy() error { return idx.pages.Destroy() }

// Type reports whether the index enforces primary uniqueness.
func (idx *Index) Type() IndexType { return idx.indexType }

func (idx *Index) pageView(data []byte) page {
	return page{data: data, keyLength: idx.keyLength, keysPerPage: idx.keysPerPage}
}

// allocRawPage allocates a table slot and releases the table-level
// slot lock immediately; the tree never uses it again.
func (idx *Index) allocRawPage() (heaptable.Slot, error) {
	slot, err := idx.pages.AllocateTuple(internalKilroy)
	if err != nil {
		return heaptable.Slot{}, err
	}
	if err := idx.pages.UnlockTuple(slot.Block, slot.Tuple, internalKilroy); err != nil {
		return heaptable.Slot{}, err
	}
	return slot, nil
}

// allocLeafPage allocates a page and threads its key-record free
// chain, ready to accept inserts.
func (idx *Index) allocLeafPage() (heaptable.Slot, error) {
	slot, err := idx.allocRawPage()
	if err != nil {
		return heaptable.Slot{}, err
	}
	data, err := idx.pages.Locate(slot.Block, slot.Tuple)
	if err != nil {
		return heaptable.Slot{}, err
	}
	p := idx.pageView(data)
	p.setType(PageLeaf)
	p.setNumKeys(0)
	p.setSelf(slot.Block, slot.Tuple)
	p.setLowChild(NoChild, NoChild)
	p.setPrevLeaf(NoChild, NoChild)
	p.setNextLeaf(NoChild, NoChild)
	for i := 0; i < idx.keysPerPage-1; i++ {
		p.record(int32(i)).setFreeNext(int32(i + 1))
	}
	p.record(int32(idx.keysPerPage - 1)).setFreeNext(EndChain)
	p.setFreeChainHead(0)
	return slot, nil
}

func (idx *Index) getPage(block, tuple int32) (page, error) {
	data, err := idx.pages.Locate(block, tuple)
	if err != nil {
		return page{}, err
	}
	return idx.pageView(data), nil
}

// isLeaf reports whether p is shaped as a leaf: the root starts out
// leaf-shaped and only gains a low_child once it first splits, so
// shape (not the ROOT/NODE/LEAF tag) is what the descent logic
// actually branches on.
func (p page) isLeaf() bool {
	b, _ := p.LowChild()
	return b == NoChild
}

// compareAt compares a (userKey, targetBlock, targetTuple) against the
// key-pointer at sorted position i.
func (idx *Index) compareAt(p page, i int, userKey []byte, targetBlock, targetTuple int32) int {
	rec := p.record(p.keyPointer(i))
	c := idx.compare(userKey, rec.Key())
	if c != 0 || idx.indexType == Primary {
		return c
	}
	if targetBlock != rec.TargetBlock() {
		if targetBlock < rec.TargetBlock() {
			return -1
		}
		return 1
	}
	if targetTuple != rec.TargetTuple() {
		if targetTuple < rec.TargetTuple() {
			return -1
		}
		return 1
	}
	return 0
}

// findInPage performs a binary search within a single page. It returns
// the sorted position of the match (or insertion point) and the
// comparator sign at that position relative to the search key: sign==0
// means a hit. FIND_DIRECT compares the full (user_key, target) triple
// (target tiebreak applies only to secondaries); FIND_FIRST and
// FIND_LAST compare the user key alone and resolve an equal run to its
// first or last member.
func (idx *Index) findInPage(p page, userKey []byte, targetBlock, targetTuple int32, mode FindMode) (pos int, sign int) {
	cmp := func(i int) int {
		if mode == FindDirect {
			return idx.compareAt(p, i, userKey, targetBlock, targetTuple)
		}
		return idx.compare(userKey, p.record(p.keyPointer(i)).Key())
	}
	n := int(p.NumKeys())
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(mid)
		switch {
		case c == 0:
			switch mode {
			case FindFirst:
				if hi = mid; lo == hi {
					return mid, 0
				}
			case FindLast:
				if lo = mid + 1; lo == n || cmp(lo) != 0 {
					return mid, 0
				}
			default:
				return mid, 0
			}
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	if lo < n {
		return lo, cmp(lo)
	}
	return lo, 1
}

// neighborPeek is the dedicated state machine for an ambiguous
// FIND_FIRST result in an inner node: because equal-key ranges can
// straddle page boundaries, a divider hit must be cross-checked to the
// left — the true first match may live under the previous bucket's
// child or under low_child.
type neighborPeek int

const (
	matchHere neighborPeek = iota
	matchInLow
	matchInPrevSiblingChild
)

func (idx *Index) peekFirstNeighbor(p page, pos, sign int) neighborPeek {
	if sign != 0 {
		return matchHere
	}
	if pos == 0 {
		if lowB, _ := p.LowChild(); lowB != NoChild {
			return matchInLow
		}
		return matchHere
	}
	return matchInPrevSiblingChild
}

// descendTarget picks which child to follow from an inner page given
// the search outcome at (pos, sign).
func (p page) descendTarget(pos, sign int) (int32, int32) {
	if sign < 0 {
		if pos == 0 {
			return p.LowChild()
		}
		rec := p.record(p.keyPointer(pos - 1))
		return rec.ChildBlock(), rec.ChildTuple()
	}
	if pos >= int(p.NumKeys()) {
		last := int(p.NumKeys()) - 1
		if last < 0 {
			return p.LowChild()
		}
		rec := p.record(p.keyPointer(last))
		return rec.ChildBlock(), rec.ChildTuple()
	}
	rec := p.record(p.keyPointer(pos))
	return rec.ChildBlock(), rec.ChildTuple()
}

// matchInLeaf resolves a search at leaf level. FIND_DIRECT requires an
// exact (user_key, target) hit; FIND_FIRST and FIND_LAST match on
// user_key alone, and must peek one sibling leaf when the descent's
// target tiebreak landed the search on the page just before (or after)
// the start (or end) of an equal-key run. When a sibling is entered
// its latch replaces *held so the caller's release stays balanced.
func (idx *Index) matchInLeaf(p page, userKey []byte, targetBlock, targetTuple int32, mode FindMode, useLatch bool, held **uint32) (int32, int32, bool, error) {
	pos, sign := idx.findInPage(p, userKey, targetBlock, targetTuple, mode)
	n := int(p.NumKeys())
	if sign == 0 && pos < n {
		rec := p.record(p.keyPointer(pos))
		return rec.TargetBlock(), rec.TargetTuple(), true, nil
	}
	if mode == FindDirect {
		return 0, 0, false, nil
	}
	// No in-page hit. The only way the run can still exist is past the
	// edge the descent ran off: right of the last entry (FIND_FIRST) or
	// left of the first (FIND_LAST). An interior insertion point means
	// no equal key exists anywhere.
	if mode == FindFirst && pos < n {
		return 0, 0, false, nil
	}
	if mode == FindLast && pos > 0 {
		return 0, 0, false, nil
	}

	// The run may start on the next leaf (FIND_FIRST ran off the right
	// edge) or end on the previous one (FIND_LAST ran off the left).
	// Crab across siblings, skipping leaves emptied by deletes: pages
	// never merge, so an empty leaf stays in the chain.
	sib := p
	for {
		var sibB, sibT int32
		if mode == FindFirst {
			sibB, sibT = sib.NextLeaf()
		} else {
			sibB, sibT = sib.PrevLeaf()
		}
		if sibB == NoChild {
			return 0, 0, false, nil
		}
		next, err := idx.getPage(sibB, sibT)
		if err != nil {
			return 0, 0, false, err
		}
		if useLatch {
			synclatch.AcquireShare(next.latchWord())
			synclatch.ReleaseShare(*held)
			*held = next.latchWord()
		}
		sib = next
		sn := int(sib.NumKeys())
		if sn == 0 {
			continue
		}
		var rec keyRecord
		if mode == FindFirst {
			rec = sib.record(sib.keyPointer(0))
		} else {
			rec = sib.record(sib.keyPointer(sn - 1))
		}
		if idx.compare(userKey, rec.Key()) == 0 {
			return rec.TargetBlock(), rec.TargetTuple(), true, nil
		}
		return 0, 0, false, nil
	}
}

// Find descends the tree under the given lock protocol and returns
// the target (block,tuple) of a matching record, or ErrNotFound.
func (idx *Index) Find(userKey []byte, targetBlock, targetTuple int32, mode FindMode, lock LockMode) (int32, int32, error) {
	useLatch := lock != ReadOptimistic
	var block, tuple int32
	var heldLatch *uint32

restart:
	block, tuple = idx.rootSlot.Block, idx.rootSlot.Tuple
	if useLatch {
		p, err := idx.getPage(block, tuple)
		if err != nil {
			return 0, 0, err
		}
		synclatch.AcquireShare(p.latchWord())
		heldLatch = p.latchWord()
	}

	for {
		p, err := idx.getPage(block, tuple)
		if err != nil {
			if heldLatch != nil {
				synclatch.ReleaseShare(heldLatch)
			}
			return 0, 0, err
		}
		if p.isLeaf() {
			tb, tt, found, err := idx.matchInLeaf(p, userKey, targetBlock, targetTuple, mode, useLatch, &heldLatch)
			if err != nil {
				if heldLatch != nil {
					synclatch.ReleaseShare(heldLatch)
				}
				return 0, 0, err
			}
			if !found && !useLatch {
				// an optimistic miss escalates to a crab-locked retry
				// before it is believed: the miss may be a torn read.
				useLatch = true
				goto restart
			}
			if heldLatch != nil {
				synclatch.ReleaseShare(heldLatch)
			}
			if !found {
				return 0, 0, ErrNotFound
			}
			return tb, tt, nil
		}

		pos, sign := idx.findInPage(p, userKey, targetBlock, targetTuple, mode)
		if mode == FindFirst {
			switch idx.peekFirstNeighbor(p, pos, sign) {
			case matchInLow, matchInPrevSiblingChild:
				// bias left of the equal divider; if the run turns out
				// to start at the divider after all, the leaf-level
				// sibling peek recovers it.
				sign = -1
			}
		}
		childBlock, childTuple := p.descendTarget(pos, sign)

		if useLatch {
			child, err := idx.getPage(childBlock, childTuple)
			if err != nil {
				synclatch.ReleaseShare(heldLatch)
				return 0, 0, err
			}
			synclatch.AcquireShare(child.latchWord())
			synclatch.ReleaseShare(heldLatch)
			heldLatch = child.latchWord()
		}
		block, tuple = childBlock, childTuple
	}
}
