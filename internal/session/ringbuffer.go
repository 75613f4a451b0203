package session

// RingBuffer holds the replay history of a session. A positive size keeps
// only the newest size bytes; size <= 0 keeps everything.
// It is not safe for concurrent use; Session serializes access.
type RingBuffer struct {
	buf  []byte
	size int
	w    int
	full bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		return &RingBuffer{}
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

func (r *RingBuffer) Write(p []byte) {
	if r.size <= 0 {
		r.buf = append(r.buf, p...)
		return
	}
	if len(p) >= r.size {
		copy(r.buf, p[len(p)-r.size:])
		r.w = 0
		r.full = true
		return
	}
	n := copy(r.buf[r.w:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
		r.full = true
	}
	r.w = (r.w + len(p)) % r.size
	if r.w == 0 {
		r.full = true
	}
}

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	switch {
	case r.size <= 0:
		return len(r.buf)
	case r.full:
		return r.size
	default:
		return r.w
	}
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (r *RingBuffer) Bytes() []byte {
	if r.size <= 0 {
		out := make([]byte, len(r.buf))
		copy(out, r.buf)
		return out
	}
	if !r.full {
		out := make([]byte, r.w)
		copy(out, r.buf[:r.w])
		return out
	}

	out := make([]byte, r.size)
	n := copy(out, r.buf[r.w:])
	copy(out[n:], r.buf[:r.w])
	return out
}
