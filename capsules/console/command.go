// capsules/console/command.go
package console

// CommandBufLen bounds a typed line. Commands themselves are 4-13
// characters, which leaves ample room for a process name argument.
const CommandBufLen = 64

// DefaultHistoryLen is the number of history slots, scratch slot included.
const DefaultHistoryLen = 10

const eol = byte(0)

// Command is a fixed-capacity, NUL-delimited line buffer. Bytes at indices
// >= Len() are always NUL.
type Command struct {
	buf [CommandBufLen]byte
	len int
}

// Set copies raw into the command; length is the position of the first NUL.
func (c *Command) Set(raw *[CommandBufLen]byte) {
	c.buf = *raw
	c.len = CommandBufLen
	for i, b := range raw {
		if b == eol {
			c.len = i
			break
		}
	}
}

// InsertByte shifts bytes at pos..len right by one and writes b at pos.
// Positions at or beyond capacity are ignored.
func (c *Command) InsertByte(b byte, pos int) {
	if pos >= CommandBufLen || pos > c.len {
		return
	}
	for i := c.len; i > pos; i-- {
		if i < CommandBufLen {
			c.buf[i] = c.buf[i-1]
		}
	}
	c.buf[pos] = b
	if c.len < CommandBufLen {
		c.len++
	}
}

// DeleteByte shifts bytes at pos+1..len left by one and NULs the vacated
// last slot.
func (c *Command) DeleteByte(pos int) {
	if pos >= c.len || c.len == 0 {
		return
	}
	copy(c.buf[pos:], c.buf[pos+1:c.len])
	c.buf[c.len-1] = eol
	c.len--
}

func (c *Command) Clear() {
	c.buf = [CommandBufLen]byte{}
	c.len = 0
}

func (c *Command) Len() int { return c.len }

// Bytes returns the live contents, up to the first NUL.
func (c *Command) Bytes() []byte { return c.buf[:c.len] }

// EqualsBuf compares the command against a raw buffer byte-wise up to the
// first NUL in either side, so trailing garbage past a terminator does not
// affect equality.
func (c *Command) EqualsBuf(raw *[CommandBufLen]byte) bool {
	for i := 0; i < CommandBufLen; i++ {
		a, b := c.buf[i], raw[i]
		if a == eol && b == eol {
			return true
		}
		if a != b {
			return false
		}
	}
	return true
}

// CommandHistory is a bounded ring of previously committed commands. Slot 0
// is the scratch slot for the line currently being edited; slots 1..N-1 hold
// committed commands most-recent-first.
type CommandHistory struct {
	cmds []Command

	// CmdIdx is the recall cursor: 0 means the scratch slot is displayed.
	CmdIdx int

	// CmdIsModified marks that the displayed line has diverged from the
	// history entry it was recalled from.
	CmdIsModified bool
}

func NewCommandHistory(n int) *CommandHistory {
	if n < 1 {
		n = 1
	}
	return &CommandHistory{cmds: make([]Command, n)}
}

// AvailableLen is the slot count; history is enabled only when > 1.
func (h *CommandHistory) AvailableLen() int { return len(h.cmds) }

// At returns the command in slot i.
func (h *CommandHistory) At(i int) *Command { return &h.cmds[i] }

// MakeSpace commits a line: unless it repeats the most recent entry, every
// slot shifts right by one (discarding the oldest) and the line lands in
// slot 1. The scratch slot is always left cleared.
func (h *CommandHistory) MakeSpace(raw *[CommandBufLen]byte) {
	if len(h.cmds) < 2 {
		return
	}
	if h.cmds[1].EqualsBuf(raw) {
		h.cmds[0].Clear()
		return
	}
	copy(h.cmds[1:], h.cmds[:len(h.cmds)-1])
	h.cmds[0].Clear()
	h.cmds[1].Set(raw)
}

// WriteToFirst records the in-progress line into the scratch slot.
func (h *CommandHistory) WriteToFirst(raw *[CommandBufLen]byte) {
	h.cmds[0].Set(raw)
}

// NextCmdIdx moves the recall cursor toward older entries. It reports no
// move at the end of the ring or upon reaching an empty slot.
func (h *CommandHistory) NextCmdIdx() (int, bool) {
	next := h.CmdIdx + 1
	if next >= len(h.cmds) || h.cmds[next].Len() == 0 {
		return 0, false
	}
	h.CmdIdx = next
	return next, true
}

// PrevCmdIdx moves the recall cursor toward newer entries, stopping at the
// scratch slot.
func (h *CommandHistory) PrevCmdIdx() (int, bool) {
	if h.CmdIdx == 0 {
		return 0, false
	}
	h.CmdIdx--
	return h.CmdIdx, true
}

// Reset returns the recall cursor to the scratch slot and clears it.
func (h *CommandHistory) Reset() {
	h.CmdIdx = 0
	h.CmdIsModified = false
	h.cmds[0].Clear()
}
