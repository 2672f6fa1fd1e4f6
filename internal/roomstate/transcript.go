package roomstate

// DefaultTranscriptSize is the number of messages a State keeps unless
// configured otherwise.
const DefaultTranscriptSize = 1000

// transcript is a fixed-size circular buffer of messages. When full, the
// oldest message is overwritten.
type transcript struct {
	items []Message
	pos   int
	count int
}

func newTranscript(size int) *transcript {
	if size <= 0 {
		size = DefaultTranscriptSize
	}
	return &transcript{items: make([]Message, size)}
}

func (t *transcript) add(m Message) {
	t.items[t.pos] = m
	t.pos = (t.pos + 1) % len(t.items)
	if t.count < len(t.items) {
		t.count++
	}
}

// list returns the retained messages oldest first.
func (t *transcript) list() []Message {
	size := len(t.items)
	out := make([]Message, t.count)
	// The oldest message is at position (pos - count) mod size.
	start := (t.pos - t.count + size) % size
	for i := 0; i < t.count; i++ {
		out[i] = t.items[(start+i)%size]
	}
	return out
}

func (t *transcript) clear() {
	clear(t.items)
	t.pos = 0
	t.count = 0
}
