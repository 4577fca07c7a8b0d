package bplustree

import (
	"fmt"
	"sync/atomic"
)

// CheckBTree walks the entire tree verifying the structural invariants
// that must hold at quiescence: every page's keys are sorted, every
// subtree's keys are at or above the lower bounding key handed down
// from its ancestors and below the upper one (a secondary's keys may
// also equal the upper bound), every leaf is reachable by following
// next_leaf pointers in key order, and no page latch is left held.
func (idx *Index) CheckBTree() error {
	leaves, err := idx.recurseCheck(idx.rootSlot.Block, idx.rootSlot.Tuple, nil, nil)
	if err != nil {
		return err
	}
	return idx.checkLeafChain(leaves)
}

func (idx *Index) recurseCheck(block, tuple int32, lowBound, highBound []byte) ([][2]int32, error) {
	p, err := idx.getPage(block, tuple)
	if err != nil {
		return nil, err
	}
	if b, t := p.Self(); b != block || t != tuple {
		return nil, fmt.Errorf("%w: page (%d,%d) self-pointer mismatch", ErrTreeCorrupt, block, tuple)
	}
	if w := p.latchWord(); atomic.LoadUint32(w) != 0 {
		return nil, fmt.Errorf("%w: page (%d,%d) has a held latch at quiescence", ErrTreeCorrupt, block, tuple)
	}

	n := int(p.NumKeys())
	var prevKey []byte
	for i := 0; i < n; i++ {
		rec := p.record(p.keyPointer(i))
		k := rec.Key()
		if prevKey != nil && idx.compare(prevKey, k) > 0 {
			return nil, fmt.Errorf("%w: page (%d,%d) keys out of order at position %d", ErrTreeCorrupt, block, tuple, i)
		}
		if lowBound != nil && idx.compare(k, lowBound) < 0 {
			return nil, fmt.Errorf("%w: page (%d,%d) key below inherited lower bound", ErrTreeCorrupt, block, tuple)
		}
		// A primary's divider strictly separates its subtrees; a
		// secondary's equal user keys may straddle the divider because
		// the real order ties break on target identity, which the
		// checker does not reconstruct.
		if highBound != nil {
			c := idx.compare(k, highBound)
			if c > 0 || (c == 0 && idx.indexType == Primary) {
				return nil, fmt.Errorf("%w: page (%d,%d) key at/above inherited upper bound", ErrTreeCorrupt, block, tuple)
			}
		}
		prevKey = k
	}

	if p.isLeaf() {
		return [][2]int32{{block, tuple}}, nil
	}

	var leaves [][2]int32
	lowB, lowT := p.LowChild()
	sub, err := idx.recurseCheck(lowB, lowT, lowBound, firstKeyOrNil(p))
	if err != nil {
		return nil, err
	}
	leaves = append(leaves, sub...)

	for i := 0; i < n; i++ {
		rec := p.record(p.keyPointer(i))
		childLow := rec.Key()
		childHigh := highBound
		if i+1 < n {
			childHigh = p.record(p.keyPointer(i + 1)).Key()
		}
		sub, err := idx.recurseCheck(rec.ChildBlock(), rec.ChildTuple(), childLow, childHigh)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, sub...)
	}
	return leaves, nil
}

func firstKeyOrNil(p page) []byte {
	if int(p.NumKeys()) == 0 {
		return nil
	}
	return p.record(p.keyPointer(0)).Key()
}

// checkLeafChain walks the leaf sibling list starting from the
// leftmost leaf discovered during recursion and confirms it visits
// every leaf the recursive pass found, in the same order.
func (idx *Index) checkLeafChain(leaves [][2]int32) error {
	if len(leaves) == 0 {
		return nil
	}
	p, err := idx.getPage(leaves[0][0], leaves[0][1])
	if err != nil {
		return err
	}
	if b, _ := p.PrevLeaf(); b != NoChild {
		return fmt.Errorf("%w: leftmost leaf (%d,%d) has a non-nil prev_leaf", ErrTreeCorrupt, leaves[0][0], leaves[0][1])
	}
	visited := 0
	for {
		if visited >= len(leaves) {
			return fmt.Errorf("%w: leaf chain is longer than the %d leaves recursion found", ErrTreeCorrupt, len(leaves))
		}
		if sb, st := p.Self(); sb != leaves[visited][0] || st != leaves[visited][1] {
			return fmt.Errorf("%w: leaf chain reached (%d,%d) where recursion found (%d,%d)", ErrTreeCorrupt, sb, st, leaves[visited][0], leaves[visited][1])
		}
		visited++
		nb, nt := p.NextLeaf()
		if nb == NoChild {
			break
		}
		next, err := idx.getPage(nb, nt)
		if err != nil {
			return err
		}
		pb, pt := next.PrevLeaf()
		sb, st := p.Self()
		if pb != sb || pt != st {
			return fmt.Errorf("%w: leaf sibling chain broken at (%d,%d)", ErrTreeCorrupt, nb, nt)
		}
		p = next
	}
	if visited != len(leaves) {
		return fmt.Errorf("%w: leaf chain visited %d leaves, recursion found %d", ErrTreeCorrupt, visited, len(leaves))
	}
	return nil
}
