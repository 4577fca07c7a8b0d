package bplustree

import "sharedtable/synclatch"

// Cursor performs an ordered scan over an index's leaves, always under
// the READ_CRABLOCK protocol: it holds at most one page latch at a
// time, crabbing across the leaf sibling chain.
type Cursor struct {
	idx   *Index
	pos   int // sorted position within the current leaf
	leafB int32
	leafT int32
}

// NewCursor returns a cursor positioned before the first entry.
func (idx *Index) NewCursor() *Cursor {
	return &Cursor{idx: idx, leafB: -1, leafT: -1, pos: -1}
}

func (idx *Index) leftmostLeaf() (page, error) {
	block, tuple := idx.rootSlot.Block, idx.rootSlot.Tuple
	for {
		p, err := idx.getPage(block, tuple)
		if err != nil {
			return page{}, err
		}
		if p.isLeaf() {
			return p, nil
		}
		block, tuple = p.LowChild()
	}
}

// Next advances to the next entry in ascending key order, returning
// its key bytes and target (block,tuple), or ok=false at end of scan.
func (c *Cursor) Next() (key []byte, targetBlock, targetTuple int32, ok bool, err error) {
	if c.leafB == -1 {
		p, err := c.idx.leftmostLeaf()
		if err != nil {
			return nil, 0, 0, false, err
		}
		synclatch.AcquireShare(p.latchWord())
		c.leafB, c.leafT = p.Self()
		c.pos = 0
		return c.yieldOrAdvance(p)
	}

	p, err := c.idx.getPage(c.leafB, c.leafT)
	if err != nil {
		return nil, 0, 0, false, err
	}
	synclatch.AcquireShare(p.latchWord())
	c.pos++
	return c.yieldOrAdvance(p)
}

// yieldOrAdvance returns the entry at c.pos in p if present, otherwise
// crabs forward across the leaf sibling chain until it finds one or
// runs out of leaves.
func (c *Cursor) yieldOrAdvance(p page) ([]byte, int32, int32, bool, error) {
	for {
		if c.pos < int(p.NumKeys()) {
			rec := p.record(p.keyPointer(c.pos))
			k := append([]byte(nil), rec.Key()...)
			tb, tt := rec.TargetBlock(), rec.TargetTuple()
			synclatch.ReleaseShare(p.latchWord())
			return k, tb, tt, true, nil
		}
		nextB, nextT := p.NextLeaf()
		if nextB == NoChild {
			// Park past the final entry, keeping the leaf identity, so
			// a following Prev steps back onto the last entry.
			c.pos = int(p.NumKeys())
			synclatch.ReleaseShare(p.latchWord())
			return nil, 0, 0, false, nil
		}
		synclatch.ReleaseShare(p.latchWord())
		next, err := c.idx.getPage(nextB, nextT)
		if err != nil {
			return nil, 0, 0, false, err
		}
		synclatch.AcquireShare(next.latchWord())
		c.leafB, c.leafT = nextB, nextT
		c.pos = 0
		p = next
	}
}

// Prev steps back to the previous entry in descending key order, or
// ok=false once the scan passes the first entry. Under concurrent
// inserts that split pages this is best-effort: a split that moves
// entries rightward between calls can cause a backward scan to skip
// them.
func (c *Cursor) Prev() (key []byte, targetBlock, targetTuple int32, ok bool, err error) {
	if c.leafB == -1 {
		return nil, 0, 0, false, nil
	}
	p, err := c.idx.getPage(c.leafB, c.leafT)
	if err != nil {
		return nil, 0, 0, false, err
	}
	synclatch.AcquireShare(p.latchWord())
	c.pos--
	for {
		n := int(p.NumKeys())
		if c.pos >= n {
			c.pos = n - 1
			continue
		}
		if c.pos >= 0 {
			rec := p.record(p.keyPointer(c.pos))
			k := append([]byte(nil), rec.Key()...)
			tb, tt := rec.TargetBlock(), rec.TargetTuple()
			synclatch.ReleaseShare(p.latchWord())
			return k, tb, tt, true, nil
		}
		prevB, prevT := p.PrevLeaf()
		synclatch.ReleaseShare(p.latchWord())
		if prevB == NoChild {
			c.pos = -1
			return nil, 0, 0, false, nil
		}
		prev, err := c.idx.getPage(prevB, prevT)
		if err != nil {
			return nil, 0, 0, false, err
		}
		synclatch.AcquireShare(prev.latchWord())
		c.leafB, c.leafT = prevB, prevT
		c.pos = int(prev.NumKeys()) - 1
		p = prev
	}
}

// Reset rewinds the cursor to before the first entry.
func (c *Cursor) Reset() {
	c.leafB, c.leafT = -1, -1
	c.pos = -1
}

// FreeCursor drops the cursor's position. No latch outlives an
// individual Next/Prev call in this implementation, so there is
// nothing further to release.
func (c *Cursor) FreeCursor() {
	c.Reset()
}

// SeekFirst positions the cursor at the first entry matching key
// (FIND_FIRST semantics), ready for Next to yield it.
func (c *Cursor) SeekFirst(key []byte) error {
	block, tuple := c.idx.rootSlot.Block, c.idx.rootSlot.Tuple
	p, err := c.idx.getPage(block, tuple)
	if err != nil {
		return err
	}
	synclatch.AcquireShare(p.latchWord())
	held := p.latchWord()
	for !p.isLeaf() {
		pos, sign := c.idx.findInPage(p, key, NoChild, NoChild, FindFirst)
		switch c.idx.peekFirstNeighbor(p, pos, sign) {
		case matchInLow, matchInPrevSiblingChild:
			sign = -1
		}
		cb, ct := p.descendTarget(pos, sign)
		child, err := c.idx.getPage(cb, ct)
		if err != nil {
			synclatch.ReleaseShare(held)
			return err
		}
		synclatch.AcquireShare(child.latchWord())
		synclatch.ReleaseShare(held)
		held = child.latchWord()
		p = child
	}
	pos, _ := c.idx.findInPage(p, key, NoChild, NoChild, FindFirst)
	c.leafB, c.leafT = p.Self()
	c.pos = pos - 1
	synclatch.ReleaseShare(held)
	return nil
}
