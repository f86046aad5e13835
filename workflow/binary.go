package workflow

import "encoding/binary"

// binWriter builds the signing-byte preimage for submitter task
// completions. It mirrors wire's writer but stays workflow-local since
// the completion-signing preimage is not a persisted or wire-transmitted
// entity in its own right.
type binWriter struct{ buf []byte }

func newBinWriter() *binWriter { return &binWriter{buf: make([]byte, 0, 64)} }

func (w *binWriter) bytes() []byte { return w.buf }

func (w *binWriter) str(s string) *binWriter {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	w.buf = append(w.buf, n[:]...)
	w.buf = append(w.buf, s...)
	return w
}

func (w *binWriter) i64(v int64) *binWriter {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
	return w
}
