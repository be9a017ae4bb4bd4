package ws

// Entry is one sequenced message kept for replay.
type Entry struct {
	Seq  uint64
	Type MessageType
	Data []byte
}

// Ring is a fixed-capacity buffer of the most recent entries. Appends
// overwrite the oldest entry when full; order is never changed. It is
// not safe for concurrent use.
type Ring struct {
	buf  []Entry
	pos  int // next write position
	full bool
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]Entry, capacity)}
}

func (r *Ring) Append(e Entry) {
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// All returns the entries oldest first.
func (r *Ring) All() []Entry {
	if !r.full {
		out := make([]Entry, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]Entry, len(r.buf))
	copy(out, r.buf[r.pos:])
	copy(out[len(r.buf)-r.pos:], r.buf[:r.pos])
	return out
}

// Since returns every entry after seq. It reports false when entries
// after seq have already been evicted, so the caller cannot fill the
// gap from the ring.
func (r *Ring) Since(seq uint64) ([]Entry, bool) {
	all := r.All()
	if len(all) == 0 {
		return nil, false
	}
	if seq+1 < all[0].Seq {
		return nil, false
	}
	for i, e := range all {
		if e.Seq > seq {
			return all[i:], true
		}
	}
	return nil, true
}
