package bplustree

import "sharedtable/synclatch"

// Delete removes the entry matching (key, targetBlock, targetTuple)
// under the DELETE lock protocol: share-crab down to the leaf, take
// the exclusive latch only there, unlink the record and return its
// storage slot to the page's free chain. Nodes are never merged or
// rebalanced after a delete, so the tree can become sparse but stays
// correct.
func (idx *Index) Delete(key []byte, targetBlock, targetTuple int32) error {
	var attempt int
	for {
		done, err := idx.tryDelete(key, targetBlock, targetTuple)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		// a pending exclusive beat us to the leaf; restart from root.
		synclatch.Backoff(&attempt)
	}
}

func (idx *Index) tryDelete(key []byte, targetBlock, targetTuple int32) (bool, error) {
	block, tuple := idx.rootSlot.Block, idx.rootSlot.Tuple

	p, err := idx.getPage(block, tuple)
	if err != nil {
		return false, err
	}
	synclatch.AcquireShare(p.latchWord())
	held := p.latchWord()

	for !p.isLeaf() {
		pos, sign := idx.findInPage(p, key, targetBlock, targetTuple, FindDirect)
		childBlock, childTuple := p.descendTarget(pos, sign)
		child, err := idx.getPage(childBlock, childTuple)
		if err != nil {
			synclatch.ReleaseShare(held)
			return false, err
		}
		synclatch.AcquireShare(child.latchWord())
		synclatch.ReleaseShare(held)
		held = child.latchWord()
		p = child
	}

	// DELETE's leaf upgrade: announce the exclusive request before the
	// own share drops so no writer can slip in between.
	if !upgradeShare(held) {
		return false, nil
	}
	defer synclatch.RemoveQueueExclusive(held)

	pos, sign := idx.findInPage(p, key, targetBlock, targetTuple, FindDirect)
	if sign != 0 || pos >= int(p.NumKeys()) {
		return false, ErrNotFound
	}
	recIdx := p.keyPointer(pos)
	p.removeSorted(pos)
	p.releaseRecord(recIdx)
	return true, nil
}
