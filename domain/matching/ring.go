package matching

// tradeRing keeps the most recent trades of one pair.
type tradeRing struct {
	buf  []Trade
	next int
	full bool
}

func newTradeRing(n int) *tradeRing {
	return &tradeRing{buf: make([]Trade, n)}
}

func (r *tradeRing) push(t Trade) {
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *tradeRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// latest returns up to limit trades newest first. limit <= 0 means all.
func (r *tradeRing) latest(limit int) []Trade {
	n := r.len()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Trade, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
