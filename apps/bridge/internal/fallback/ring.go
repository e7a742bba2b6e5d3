package fallback

// ring is a fixed-capacity outcome buffer; pushing past capacity drops the
// oldest entry. Not safe for concurrent use; the registry holds its lock.
type ring struct {
	items []Outcome
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Outcome, capacity)}
}

func (r *ring) push(o Outcome) {
	r.items[r.next] = o
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}

// last returns the newest n entries in insertion order. n <= 0 returns all.
func (r *ring) last(n int) []Outcome {
	size := r.len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Outcome, 0, n)
	start := (r.next - n + len(r.items)) % len(r.items)
	for i := 0; i < n; i++ {
		out = append(out, r.items[(start+i)%len(r.items)])
	}
	return out
}
