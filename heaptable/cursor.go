package heaptable

import "fmt"

// Cursor performs a linear scan over live tuples, skipping deleted and
// not-yet-allocated slots. It carries at most a BOT/InRange/EOT
// status; it does not hold any latch between calls (the heap table has
// none of the page-level latches a B+Tree cursor needs to track).
type Cursor struct {
	t      *Table
	block  int32
	tuple  int32
	status Position
}

// NewCursor returns a cursor positioned before the first tuple.
func (t *Table) NewCursor() *Cursor {
	return &Cursor{t: t, block: 0, tuple: -1, status: BOT}
}

// Position reports the cursor's current slot and status.
func (c *Cursor) Position() (Slot, Position) {
	return Slot{Block: c.block, Tuple: c.tuple}, c.status
}

// Reset rewinds the cursor to BOT.
func (c *Cursor) Reset() {
	c.block = 0
	c.tuple = -1
	c.status = BOT
}

// Next advances to the next live tuple, returning its payload, or nil
// with status EOT once the scan is exhausted.
func (c *Cursor) Next() ([]byte, Slot, error) {
	block, tuple := c.block, c.tuple
	numBlocks := c.t.NumBlocks()
	for {
		tuple++
		if block >= numBlocks {
			// Park one past the end so a following Prev lands on the
			// last live tuple.
			c.block, c.tuple, c.status = numBlocks, -1, EOT
			return nil, Slot{}, nil
		}
		bound, err := c.t.liveUpperBound(block)
		if err != nil {
			return nil, Slot{}, err
		}
		if tuple >= bound {
			block++
			tuple = -1
			continue
		}
		bd, err := c.t.getHeader(block)
		if err != nil {
			return nil, Slot{}, err
		}
		cw := bd.control(tuple)
		if !cw.isLive() {
			continue
		}
		c.block, c.tuple, c.status = block, tuple, InRange
		return bd.payload(tuple), Slot{Block: block, Tuple: tuple}, nil
	}
}

// Prev moves to the previous live tuple. This is a best-effort
// operation under concurrent inserts that split or grow the table: a
// segment appended after the cursor started scanning backward may be
// skipped. Callers needing isolation should pair this with their own
// coordination.
func (c *Cursor) Prev() ([]byte, Slot, error) {
	block, tuple := c.block, c.tuple
	for {
		if block < 0 {
			c.status = BOT
			return nil, Slot{}, nil
		}
		tuple--
		if tuple < 0 {
			block--
			if block < 0 {
				c.status = BOT
				return nil, Slot{}, nil
			}
			bound, err := c.t.liveUpperBound(block)
			if err != nil {
				return nil, Slot{}, err
			}
			tuple = bound - 1
			if tuple < 0 {
				continue
			}
		}
		bd, err := c.t.getHeader(block)
		if err != nil {
			return nil, Slot{}, err
		}
		cw := bd.control(tuple)
		if !cw.isLive() {
			continue
		}
		c.block, c.tuple, c.status = block, tuple, InRange
		return bd.payload(tuple), Slot{Block: block, Tuple: tuple}, nil
	}
}

// SeekTo positions the cursor directly at (block, tuple), validating
// liveness.
func (c *Cursor) SeekTo(block, tuple int32) error {
	bd, err := c.t.getHeader(block)
	if err != nil {
		return err
	}
	if !bd.control(tuple).isLive() {
		return fmt.Errorf("%w: (%d,%d)", ErrDeadSlot, block, tuple)
	}
	c.block, c.tuple, c.status = block, tuple, InRange
	return nil
}
