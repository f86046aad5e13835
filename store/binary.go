package store

import (
	"encoding/binary"
	"fmt"
)

// binWriter/binReader encode the validation-tasks list envelope (a count
// followed by length-prefixed wire.ValidationTask blobs). This mirrors
// wire's own writer/reader helpers but stays store-local since the list
// envelope is a store-internal detail, not a wire entity.
type binWriter struct{ buf []byte }

func newBinWriter() *binWriter { return &binWriter{buf: make([]byte, 0, 64)} }

func (w *binWriter) bytes() []byte { return w.buf }

func (w *binWriter) u32(v uint32) *binWriter {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *binWriter) blob(b []byte) *binWriter {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

type binReader struct {
	buf []byte
	pos int
}

func newBinReader(b []byte) *binReader { return &binReader{buf: b} }

func (r *binReader) u32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, fmt.Errorf("store: unexpected EOF reading u32")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *binReader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if len(r.buf)-r.pos < int(n) {
		return nil, fmt.Errorf("store: unexpected EOF reading blob of %d bytes", n)
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}
