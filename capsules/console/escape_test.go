package console

import "testing"

func feed(t *testing.T, bytes ...byte) EscState {
	t.Helper()
	var st EscState
	for _, b := range bytes {
		st = st.NextState(b)
	}
	return st
}

func TestEscapeArrowKeys(t *testing.T) {
	cases := []struct {
		name string
		seq  []byte
		key  EscKey
	}{
		{"up", []byte{asciiESC, '[', 'A'}, KeyUp},
		{"down", []byte{asciiESC, '[', 'B'}, KeyDown},
		{"right", []byte{asciiESC, '[', 'C'}, KeyRight},
		{"left", []byte{asciiESC, '[', 'D'}, KeyLeft},
		{"home", []byte{asciiESC, '[', 'H'}, KeyHome},
		{"end", []byte{asciiESC, '[', 'F'}, KeyEnd},
		{"delete", []byte{asciiESC, '[', '3', '~'}, KeyDelete},
	}
	for _, tc := range cases {
		st := feed(t, tc.seq...)
		key, ok := st.Key()
		if !ok || key != tc.key {
			t.Errorf("%s: key = %v,%v, want %v", tc.name, key, ok, tc.key)
		}
	}
}

func TestEscapeDELIsBackspace(t *testing.T) {
	st := feed(t, asciiDEL)
	key, ok := st.Key()
	if !ok || key != KeyBackspace {
		t.Fatalf("key = %v,%v", key, ok)
	}
}

func TestEscapePlainByteBypasses(t *testing.T) {
	st := feed(t, 'x')
	if _, ok := st.Key(); ok {
		t.Fatal("plain byte should not decode a key")
	}
	if st.InProgress() || st.HasStarted() {
		t.Fatal("plain byte should leave decoder idle")
	}
}

func TestEscapeUnrecognisedSequences(t *testing.T) {
	// ESC followed by a terminator that is not '['.
	st := feed(t, asciiESC, 'q')
	if _, ok := st.Key(); ok {
		t.Fatal("ESC q should not decode a key")
	}
	if st.InProgress() {
		t.Fatal("terminated sequence still in progress")
	}

	// ESC [ 5 ... consumes until a terminator arrives; the bytes in
	// between are swallowed but the decoder is no longer mid-recognized.
	st = feed(t, asciiESC, '[', '5')
	if st.InProgress() || !st.Unrecognized() {
		t.Fatal("unterminated sequence should be consuming, not in progress")
	}
	st = st.NextState(';')
	if !st.Unrecognized() {
		t.Fatal("';' is not a terminator")
	}
	st = st.NextState('~')
	if st.Unrecognized() {
		t.Fatal("'~' should terminate")
	}
	if _, ok := st.Key(); ok {
		t.Fatal("unrecognised sequence must not yield a key")
	}
}

func TestEscapeRestartsAfterCompletion(t *testing.T) {
	st := feed(t, asciiESC, '[', 'A', asciiESC, '[', 'B')
	key, ok := st.Key()
	if !ok || key != KeyDown {
		t.Fatalf("key = %v,%v", key, ok)
	}
}

// Every state must reach a resting state: no byte sequence may wedge the
// decoder so that printable input stops echoing forever.
func TestEscapeTotality(t *testing.T) {
	starts := []EscState{
		{},
		feed(t, asciiESC),
		feed(t, asciiESC, '['),
		feed(t, asciiESC, '[', '3'),
		feed(t, asciiESC, '[', 'A'),
		feed(t, asciiESC, '5'),
	}
	for _, start := range starts {
		for b := 0; b < 256; b++ {
			st := start.NextState(byte(b))
			// Feeding a terminator after any transition must always
			// land in a non-in-progress state within two bytes.
			st = st.NextState('~')
			st = st.NextState('~')
			if st.InProgress() || st.Unrecognized() || st.HasStarted() {
				t.Fatalf("wedged: start %+v byte %#x -> %+v", start, b, st)
			}
		}
	}
}
