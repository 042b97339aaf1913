// capsules/console/escape.go
package console

// ANSI escape-sequence decoder for the keys the console cares about. The
// decoder is a pure transition function: feed it one byte at a time and it
// either completes a logical key, keeps consuming, or passes the byte
// through. Unrecognized sequences are swallowed until a terminator byte
// (ASCII alphabetic or '~') so stray sequences never leak into the line.

const (
	asciiESC = 0x1B
	asciiDEL = 0x7F
	asciiBS  = 0x08
)

// EscKey is a completed logical key.
type EscKey uint8

const (
	KeyUp EscKey = iota
	KeyDown
	KeyLeft
	KeyRight
	KeyHome
	KeyEnd
	KeyDelete
	KeyBackspace
)

type escKind uint8

const (
	escBypass escKind = iota
	escStarted
	escBracket
	escBracket3
	escComplete
	escUnrecognized
	escUnrecognizedDone
)

// EscState is one state of the decoder. The zero value is Bypass.
type EscState struct {
	kind escKind
	key  EscKey
}

func complete(k EscKey) EscState { return EscState{kind: escComplete, key: k} }

// NextState consumes one byte and returns the successor state.
func (s EscState) NextState(b byte) EscState {
	switch s.kind {
	case escBypass, escComplete, escUnrecognizedDone:
		switch b {
		case asciiESC:
			return EscState{kind: escStarted}
		case asciiDEL:
			// DEL is a finished one-byte sequence, not an escape start.
			return complete(KeyBackspace)
		default:
			return EscState{kind: escBypass}
		}
	case escStarted:
		if b == '[' {
			return EscState{kind: escBracket}
		}
		return terminate(b)
	case escBracket:
		switch b {
		case 'A':
			return complete(KeyUp)
		case 'B':
			return complete(KeyDown)
		case 'D':
			return complete(KeyLeft)
		case 'C':
			return complete(KeyRight)
		case 'H':
			return complete(KeyHome)
		case 'F':
			return complete(KeyEnd)
		case '3':
			return EscState{kind: escBracket3}
		default:
			return terminate(b)
		}
	case escBracket3:
		if b == '~' {
			return complete(KeyDelete)
		}
		return terminate(b)
	case escUnrecognized:
		return terminate(b)
	default:
		return EscState{kind: escBypass}
	}
}

// terminate decides whether an unrecognized sequence has ended.
func terminate(b byte) EscState {
	if isTerminator(b) {
		return EscState{kind: escUnrecognizedDone}
	}
	return EscState{kind: escUnrecognized}
}

func isTerminator(b byte) bool {
	return b == '~' || (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

// InProgress reports that the decoder is mid-way through a recognized
// sequence, so the current byte must not be echoed as printable text.
func (s EscState) InProgress() bool {
	return s.kind == escBracket || s.kind == escBracket3
}

// Unrecognized reports that the decoder is swallowing an unrecognized
// sequence; these bytes are dropped too, but by the caller's catch-all.
func (s EscState) Unrecognized() bool {
	return s.kind == escUnrecognized
}

// JustFinished reports that this byte terminated a sequence, recognized or
// not. Terminating bytes are swallowed, never echoed.
func (s EscState) JustFinished() bool {
	return s.kind == escComplete || s.kind == escUnrecognizedDone
}

// HasStarted reports that an ESC byte just arrived.
func (s EscState) HasStarted() bool {
	return s.kind == escStarted
}

// Key returns the completed key, if any.
func (s EscState) Key() (EscKey, bool) {
	if s.kind == escComplete {
		return s.key, true
	}
	return 0, false
}
