package wire

import (
	"encoding/binary"
	"fmt"
)

// writer builds a deterministic, field-ordered byte encoding. Every entity
// in this package encodes through a writer so that storage encoding, wire
// encoding, and canonical signing bytes are all produced by the same small
// set of primitives; the storage and wire codecs are the same encoding.
type writer struct {
	buf []byte
}

func newWriter() *writer { return &writer{buf: make([]byte, 0, 256)} }

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) u8(v uint8) *writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *writer) u32(v uint32) *writer {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *writer) u64(v uint64) *writer {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *writer) i64(v int64) *writer { return w.u64(uint64(v)) }

func (w *writer) raw(b []byte) *writer {
	w.buf = append(w.buf, b...)
	return w
}

// str writes a length-prefixed (uint32) UTF-8 string.
func (w *writer) str(s string) *writer {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// blob writes a length-prefixed (uint32) byte slice.
func (w *writer) blob(b []byte) *writer {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("wire: unexpected EOF reading u8")
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("wire: unexpected EOF reading u32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("wire: unexpected EOF reading u64")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) raw(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("wire: unexpected EOF reading %d raw bytes", n)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}

const maxFieldLen = 64 << 20 // 64MiB guards against corrupt length prefixes

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if n > maxFieldLen {
		return "", fmt.Errorf("wire: string field too long (%d)", n)
	}
	b, err := r.raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("wire: blob field too long (%d)", n)
	}
	return r.raw(int(n))
}
