// cells/cells.go
package cells

// TakeCell is a one-slot owner for a byte buffer that is lent out to a
// hardware layer and handed back by its completion callback. The slot is
// either resident (the state machine may use the buffer) or empty (the
// buffer is in flight). Single-threaded; callers must follow the
// take-then-replace discipline so the buffer is never shared with an
// in-flight operation.
type TakeCell struct {
	buf     []byte
	present bool
}

func NewTakeCell(buf []byte) TakeCell {
	return TakeCell{buf: buf, present: buf != nil}
}

// Take empties the cell, transferring ownership to the caller.
func (c *TakeCell) Take() ([]byte, bool) {
	if !c.present {
		return nil, false
	}
	c.present = false
	b := c.buf
	c.buf = nil
	return b, true
}

// Replace deposits a buffer back into the cell.
func (c *TakeCell) Replace(buf []byte) {
	c.buf = buf
	c.present = buf != nil
}

func (c *TakeCell) IsSome() bool { return c.present }

// Map runs fn on the buffer if it is resident, without taking it.
func (c *TakeCell) Map(fn func(buf []byte)) bool {
	if !c.present {
		return false
	}
	fn(c.buf)
	return true
}
