package pricing

// ring is a fixed-capacity FIFO of samples; pushing onto a full ring evicts the oldest.
type ring struct {
	buf   []Sample
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Sample, capacity)}
}

func (r *ring) push(s Sample) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int {
	return r.size
}

func (r *ring) last() (Sample, bool) {
	if r.size == 0 {
		return Sample{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// tail copies the newest n samples, oldest first. n <= 0 copies everything.
func (r *ring) tail(n int) []Sample {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Sample, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}
