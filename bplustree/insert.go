package bplustree

import (
	"sharedtable/synclatch"
)

// allocFreeRecord pops one slot off p's intra-page free chain, the
// supply insert draws from.
func (p page) allocFreeRecord() (int32, bool) {
	head := p.FreeChainHead()
	if head == EndChain {
		return -1, false
	}
	rec := p.record(head)
	p.setFreeChainHead(rec.freeNext())
	return head, true
}

func (p page) releaseRecord(i int32) {
	rec := p.record(i)
	rec.setFreeNext(p.FreeChainHead())
	p.setFreeChainHead(i)
}

// insertSorted places storage slot recIdx into p's sorted key-pointer
// array at position pos, shifting the tail right.
func (p page) insertSorted(pos int, recIdx int32) {
	n := int(p.NumKeys())
	for i := n; i > pos; i-- {
		p.setKeyPointer(i, p.keyPointer(i-1))
	}
	p.setKeyPointer(pos, recIdx)
	p.setNumKeys(int32(n + 1))
}

func (p page) removeSorted(pos int) {
	n := int(p.NumKeys())
	for i := pos; i < n-1; i++ {
		p.setKeyPointer(i, p.keyPointer(i+1))
	}
	p.setNumKeys(int32(n - 1))
}

func (p page) isFull() bool {
	return p.FreeChainHead() == EndChain
}

// splitResult carries a finished split up to the parent level: the
// divider key (with the target identity that disambiguates equal user
// keys in a secondary index) and the new right page the parent must
// point at.
type splitResult struct {
	key              []byte
	targetB, targetT int32
	rightB, rightT   int32
}

// upgradeDrainLimit bounds how many backoff rounds an upgrade waits
// for outstanding shares to drain before backing out. Two upgraders
// draining pages the other still shares would otherwise wait on each
// other forever.
const upgradeDrainLimit = 64

// upgradeShare converts a held share latch into an exclusive one. The
// request flag is announced before the own share is dropped, so no
// writer can mutate the page in between. Reports false on failure, in
// which case the share has been released as well: every caller reacts
// to a failed upgrade by dropping its remaining latches and restarting
// from the root, so handing the share back would only delay that.
func upgradeShare(word *uint32) bool {
	if synclatch.TryQueueExclusive(word) != nil {
		synclatch.ReleaseShare(word)
		return false
	}
	synclatch.ReleaseShare(word)
	var attempt int
	for synclatch.Readers(word) != 0 {
		if attempt >= upgradeDrainLimit {
			synclatch.RemoveQueueExclusive(word)
			return false
		}
		synclatch.Backoff(&attempt)
	}
	return true
}

// Insert adds (key -> targetBlock,targetTuple) to the tree under
// WRITE_OPTIMISTIC, escalating to WRITE_HOLDLOCK when the cheap path
// loses an upgrade race or the split would climb past the parent.
// Primary indexes reject an exact key collision with ErrDuplicateKey;
// secondary indexes disambiguate equal keys by target identity, so
// collisions cannot occur.
func (idx *Index) Insert(key []byte, targetBlock, targetTuple int32) error {
	return idx.InsertWith(key, targetBlock, targetTuple, WriteOptimistic)
}

// InsertWith selects the write protocol explicitly: WriteHoldlock goes
// straight to the pessimistic safe-ancestor protocol, any other mode
// starts optimistically. A failed optimistic attempt switches to the
// holdlock protocol and restarts from the root at once; a failed
// holdlock attempt restarts from the root with escalating backoff.
func (idx *Index) InsertWith(key []byte, targetBlock, targetTuple int32, lock LockMode) error {
	optimistic := lock != WriteHoldlock
	var attempt int
	for {
		var done bool
		var err error
		if optimistic {
			done, err = idx.insertOptimistic(key, targetBlock, targetTuple)
			if err == nil && !done {
				optimistic = false
				continue
			}
		} else {
			done, err = idx.insertHoldlock(key, targetBlock, targetTuple)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		synclatch.Backoff(&attempt)
	}
}

// insertOptimistic is the WRITE_OPTIMISTIC protocol: share-crab down,
// keeping only the penultimate level's share alongside the leaf's, and
// upgrade just the leaf to exclusive. A full leaf additionally
// upgrades the parent so the split's divider can be placed. done=false
// means the attempt must escalate: an upgrade failed, or the split
// would have to climb higher than the parent.
func (idx *Index) insertOptimistic(key []byte, targetBlock, targetTuple int32) (bool, error) {
	p, err := idx.getPage(idx.rootSlot.Block, idx.rootSlot.Tuple)
	if err != nil {
		return false, err
	}
	synclatch.AcquireShare(p.latchWord())

	var parent page
	haveParent := false
	for !p.isLeaf() {
		pos, sign := idx.findInPage(p, key, targetBlock, targetTuple, FindDirect)
		cb, ct := p.descendTarget(pos, sign)
		child, err := idx.getPage(cb, ct)
		if err != nil {
			synclatch.ReleaseShare(p.latchWord())
			return false, err
		}
		synclatch.AcquireShare(child.latchWord())
		if child.isLeaf() {
			parent, haveParent = p, true
		} else {
			synclatch.ReleaseShare(p.latchWord())
		}
		p = child
	}

	if !upgradeShare(p.latchWord()) {
		if haveParent {
			synclatch.ReleaseShare(parent.latchWord())
		}
		return false, nil
	}

	if !p.isFull() {
		_, insErr := idx.insertLeaf(p, key, targetBlock, targetTuple)
		synclatch.ReleaseExclusive(p.latchWord())
		if haveParent {
			synclatch.ReleaseShare(parent.latchWord())
		}
		return insErr == nil, insErr
	}

	if !haveParent {
		// the root is the leaf; its exclusive is all a root split needs.
		res, insErr := idx.insertLeaf(p, key, targetBlock, targetTuple)
		if insErr == nil && res != nil {
			insErr = idx.growRoot(p, res)
		}
		synclatch.ReleaseExclusive(p.latchWord())
		return insErr == nil, insErr
	}

	if !upgradeShare(parent.latchWord()) {
		synclatch.ReleaseExclusive(p.latchWord())
		return false, nil
	}
	if parent.isFull() && parent.Type() != PageRoot {
		// the divider would split the parent too, and its parent is
		// not latched; only the holdlock protocol reaches that far up.
		synclatch.ReleaseExclusive(p.latchWord())
		synclatch.ReleaseExclusive(parent.latchWord())
		return false, nil
	}

	res, insErr := idx.insertLeaf(p, key, targetBlock, targetTuple)
	if insErr == nil && res != nil {
		_, insErr = idx.insertDivider(parent, res)
	}
	synclatch.ReleaseExclusive(p.latchWord())
	synclatch.ReleaseExclusive(parent.latchWord())
	return insErr == nil, insErr
}

// insertHoldlock is the WRITE_HOLDLOCK protocol: share-crab down
// keeping a share on every page from the deepest non-full ancestor
// (the safe ancestor) down to the current page — a held share freezes
// a page's fullness, so the safety snapshot cannot rot — then upgrade
// the whole chain to exclusives top-down at the leaf. Any failed
// upgrade reports done=false so the caller restarts from the root.
func (idx *Index) insertHoldlock(key []byte, targetBlock, targetTuple int32) (bool, error) {
	p, err := idx.getPage(idx.rootSlot.Block, idx.rootSlot.Tuple)
	if err != nil {
		return false, err
	}
	synclatch.AcquireShare(p.latchWord())
	chain := []page{p}

	releaseShares := func(from int) {
		for i := from; i < len(chain); i++ {
			synclatch.ReleaseShare(chain[i].latchWord())
		}
	}

	for !p.isLeaf() {
		pos, sign := idx.findInPage(p, key, targetBlock, targetTuple, FindDirect)
		cb, ct := p.descendTarget(pos, sign)
		child, err := idx.getPage(cb, ct)
		if err != nil {
			releaseShares(0)
			return false, err
		}
		synclatch.AcquireShare(child.latchWord())
		if !child.isFull() {
			// a non-full child is the new safe ancestor: nothing above
			// it can be reached by the split.
			releaseShares(0)
			chain = chain[:0]
		}
		chain = append(chain, child)
		p = child
	}

	for i := 0; i < len(chain); i++ {
		if !upgradeShare(chain[i].latchWord()) {
			for j := 0; j < i; j++ {
				synclatch.ReleaseExclusive(chain[j].latchWord())
			}
			releaseShares(i + 1)
			return false, nil
		}
	}

	res, insErr := idx.insertLeaf(p, key, targetBlock, targetTuple)
	for i := len(chain) - 2; insErr == nil && res != nil && i >= 0; i-- {
		res, insErr = idx.insertDivider(chain[i], res)
	}
	if insErr == nil && res != nil {
		// every page on the path was full, the root included.
		if chain[0].Type() == PageRoot {
			insErr = idx.growRoot(chain[0], res)
		} else {
			insErr = ErrTreeCorrupt
		}
	}
	for i := len(chain) - 1; i >= 0; i-- {
		synclatch.ReleaseExclusive(chain[i].latchWord())
	}
	return insErr == nil, insErr
}

// insertDivider places a completed child split's divider into p, which
// the caller holds exclusively. It returns a further splitResult when
// p itself had to split; a full root is grown in place instead, so the
// result is always nil for the root.
func (idx *Index) insertDivider(p page, res *splitResult) (*splitResult, error) {
	// FIND_DIRECT's triple ordering places an equal-user-key divider
	// after its smaller-target predecessors.
	insPos, _ := idx.findInPage(p, res.key, res.targetB, res.targetT, FindDirect)
	if !p.isFull() {
		recIdx, _ := p.allocFreeRecord()
		rec := p.record(recIdx)
		rec.setChild(res.rightB, res.rightT)
		rec.setTarget(res.targetB, res.targetT)
		rec.setKey(res.key)
		p.insertSorted(insPos, recIdx)
		return nil, nil
	}
	pres, err := idx.splitNode(p, insPos, res)
	if err != nil {
		return nil, err
	}
	if p.Type() == PageRoot {
		return nil, idx.growRoot(p, pres)
	}
	return pres, nil
}

// growRoot implements the root-split case: the root's identity never
// moves, so its old contents (already trimmed to the left half by the
// split) are copied into a brand new left page and the root slot is
// rewritten in place as a one-key internal node pointing at
// (newLeft, res.right). The caller still holds the root's exclusive
// latch, so no reader observes the intermediate states.
func (idx *Index) growRoot(root page, res *splitResult) error {
	leftSlot, err := idx.allocRawPage()
	if err != nil {
		return err
	}
	leftData, err := idx.pages.Locate(leftSlot.Block, leftSlot.Tuple)
	if err != nil {
		return err
	}
	left := idx.pageView(leftData)
	copy(left.data, root.data)
	*left.latchWord() = 0 // the copy carried the root's held latch; left is unreachable
	left.setSelf(leftSlot.Block, leftSlot.Tuple)
	if left.Type() == PageRoot {
		if left.isLeaf() {
			left.setType(PageLeaf)
		} else {
			left.setType(PageNode)
		}
	}
	// Children carry no parent pointer, only their own identity, so
	// moving the old root's contents into left needs no child fixup
	// beyond the leaf sibling links handled below.

	newRoot := root
	newRoot.setType(PageRoot)
	newRoot.setSelf(idx.rootSlot.Block, idx.rootSlot.Tuple)
	newRoot.setNumKeys(0)
	newRoot.setLowChild(leftSlot.Block, leftSlot.Tuple)
	newRoot.setPrevLeaf(NoChild, NoChild)
	newRoot.setNextLeaf(NoChild, NoChild)
	for i := 0; i < idx.keysPerPage-1; i++ {
		newRoot.record(int32(i)).setFreeNext(int32(i + 1))
	}
	newRoot.record(int32(idx.keysPerPage - 1)).setFreeNext(EndChain)
	newRoot.setFreeChainHead(0)

	recIdx, ok := newRoot.allocFreeRecord()
	if !ok {
		return ErrTreeCorrupt
	}
	rec := newRoot.record(recIdx)
	rec.setChild(res.rightB, res.rightT)
	rec.setTarget(res.targetB, res.targetT)
	rec.setKey(res.key)
	newRoot.insertSorted(0, recIdx)

	if left.isLeaf() {
		// the new left leaf's sibling chain must point at the right
		// half, which splitLeaf already linked against the old root
		// identity; retarget it to the new left identity.
		rd, err := idx.pages.Locate(res.rightB, res.rightT)
		if err == nil {
			idx.pageView(rd).setPrevLeaf(leftSlot.Block, leftSlot.Tuple)
		}
		oldPrevB, oldPrevT := left.PrevLeaf()
		if oldPrevB != NoChild {
			pd, err := idx.pages.Locate(oldPrevB, oldPrevT)
			if err == nil {
				idx.pageView(pd).setNextLeaf(leftSlot.Block, leftSlot.Tuple)
			}
		}
	}
	return nil
}

func (idx *Index) insertLeaf(p page, key []byte, targetBlock, targetTuple int32) (*splitResult, error) {
	pos, sign := idx.findInPage(p, key, targetBlock, targetTuple, FindDirect)
	if sign == 0 && idx.indexType == Primary {
		return nil, ErrDuplicateKey
	}
	if !p.isFull() {
		recIdx, _ := p.allocFreeRecord()
		rec := p.record(recIdx)
		rec.setChild(NoChild, NoChild)
		rec.setTarget(targetBlock, targetTuple)
		rec.setKey(key)
		p.insertSorted(pos, recIdx)
		return nil, nil
	}
	return idx.splitLeaf(p, pos, key, targetBlock, targetTuple)
}

// splitLeaf allocates a new right-hand leaf, moves the upper half of
// p's sorted entries into it, links it into the leaf sibling chain,
// inserts the new key on whichever side it sorts into, and returns the
// first entry of the new right page as the divider the parent must
// index.
func (idx *Index) splitLeaf(p page, pos int, key []byte, targetBlock, targetTuple int32) (*splitResult, error) {
	rightSlot, err := idx.allocLeafPage()
	if err != nil {
		return nil, err
	}
	rightData, err := idx.pages.Locate(rightSlot.Block, rightSlot.Tuple)
	if err != nil {
		return nil, err
	}
	right := idx.pageView(rightData)

	n := int(p.NumKeys())
	mid := n / 2
	keyLen := idx.keyLength

	movedKeys := make([][]byte, 0, n-mid)
	movedTargets := make([][2]int32, 0, n-mid)
	for i := mid; i < n; i++ {
		rec := p.record(p.keyPointer(i))
		kcopy := make([]byte, keyLen)
		copy(kcopy, rec.Key())
		movedKeys = append(movedKeys, kcopy)
		b, t := rec.TargetBlock(), rec.TargetTuple()
		movedTargets = append(movedTargets, [2]int32{b, t})
	}
	for i := n - 1; i >= mid; i-- {
		p.releaseRecord(p.keyPointer(i))
	}
	p.setNumKeys(int32(mid))

	for i, k := range movedKeys {
		recIdx, _ := right.allocFreeRecord()
		rec := right.record(recIdx)
		rec.setChild(NoChild, NoChild)
		rec.setTarget(movedTargets[i][0], movedTargets[i][1])
		rec.setKey(k)
		right.insertSorted(i, recIdx)
	}

	oldNextB, oldNextT := p.NextLeaf()
	right.setPrevLeaf(p.Self())
	right.setNextLeaf(oldNextB, oldNextT)
	p.setNextLeaf(rightSlot.Block, rightSlot.Tuple)
	if oldNextB != NoChild {
		nd, err := idx.pages.Locate(oldNextB, oldNextT)
		if err == nil {
			idx.pageView(nd).setPrevLeaf(rightSlot.Block, rightSlot.Tuple)
		}
	}

	target := p
	if pos >= mid {
		target = right
	}
	tpos, _ := idx.findInPage(target, key, targetBlock, targetTuple, FindDirect)
	recIdx, ok := target.allocFreeRecord()
	if !ok {
		return nil, ErrTreeCorrupt
	}
	rec := target.record(recIdx)
	rec.setChild(NoChild, NoChild)
	rec.setTarget(targetBlock, targetTuple)
	rec.setKey(key)
	target.insertSorted(tpos, recIdx)

	first := right.record(right.keyPointer(0))
	res := &splitResult{
		key:     append([]byte(nil), first.Key()...),
		targetB: first.TargetBlock(),
		targetT: first.TargetTuple(),
		rightB:  rightSlot.Block,
		rightT:  rightSlot.Tuple,
	}
	return res, nil
}

// splitNode is the internal-node analogue of splitLeaf: the middle
// key is promoted to the parent rather than duplicated into both
// halves, since the leaf level already holds every entry; its child
// becomes the new right page's low_child.
func (idx *Index) splitNode(p page, insPos int, childRes *splitResult) (*splitResult, error) {
	rightSlot, err := idx.allocRawPage()
	if err != nil {
		return nil, err
	}
	rightData, err := idx.pages.Locate(rightSlot.Block, rightSlot.Tuple)
	if err != nil {
		return nil, err
	}
	right := idx.pageView(rightData)
	right.setType(PageNode)
	right.setNumKeys(0)
	right.setSelf(rightSlot.Block, rightSlot.Tuple)
	right.setPrevLeaf(NoChild, NoChild)
	right.setNextLeaf(NoChild, NoChild)
	for i := 0; i < idx.keysPerPage-1; i++ {
		right.record(int32(i)).setFreeNext(int32(i + 1))
	}
	right.record(int32(idx.keysPerPage - 1)).setFreeNext(EndChain)
	right.setFreeChainHead(0)

	// Logically insert the pending child entry into p first so the
	// split point is computed over the full n+1 entries.
	type entry struct {
		childB, childT   int32
		targetB, targetT int32
		key              []byte
	}
	n := int(p.NumKeys())
	entries := make([]entry, 0, n+1)
	for i := 0; i < n; i++ {
		rec := p.record(p.keyPointer(i))
		k := make([]byte, idx.keyLength)
		copy(k, rec.Key())
		entries = append(entries, entry{rec.ChildBlock(), rec.ChildTuple(), rec.TargetBlock(), rec.TargetTuple(), k})
	}
	pending := entry{
		childRes.rightB, childRes.rightT,
		childRes.targetB, childRes.targetT,
		append([]byte(nil), childRes.key...),
	}
	entries = append(entries[:insPos], append([]entry{pending}, entries[insPos:]...)...)

	lowB, lowT := p.LowChild()
	mid := len(entries) / 2
	dividerEntry := entries[mid]

	for i := n - 1; i >= 0; i-- {
		p.releaseRecord(p.keyPointer(i))
	}
	p.setNumKeys(0)

	for i := 0; i < mid; i++ {
		recIdx, _ := p.allocFreeRecord()
		rec := p.record(recIdx)
		rec.setChild(entries[i].childB, entries[i].childT)
		rec.setTarget(entries[i].targetB, entries[i].targetT)
		rec.setKey(entries[i].key)
		p.insertSorted(i, recIdx)
	}
	p.setLowChild(lowB, lowT)

	right.setLowChild(dividerEntry.childB, dividerEntry.childT)
	for i := mid + 1; i < len(entries); i++ {
		recIdx, _ := right.allocFreeRecord()
		rec := right.record(recIdx)
		rec.setChild(entries[i].childB, entries[i].childT)
		rec.setTarget(entries[i].targetB, entries[i].targetT)
		rec.setKey(entries[i].key)
		right.insertSorted(i-mid-1, recIdx)
	}

	res := &splitResult{
		key:     dividerEntry.key,
		targetB: dividerEntry.targetB,
		targetT: dividerEntry.targetT,
		rightB:  rightSlot.Block,
		rightT:  rightSlot.Tuple,
	}
	return res, nil
}
