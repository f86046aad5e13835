// Package p2p implements the length-delimited message envelope and the
// typed message set exchanged between peers, plus the Transport seam the
// engine packages program against.
package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode"

	"golang.org/x/crypto/blake2b"
)

const (
	// HeaderBytes is the fixed envelope header length: magic(4) + command(12)
	// + length(4) + checksum(4).
	HeaderBytes  = 24
	CommandBytes = 12

	// MaxPayloadBytes bounds a single envelope's payload.
	MaxPayloadBytes = 4 << 20

	// Magic identifies this network's envelopes.
	Magic uint32 = 0x56545843 // "VTXC"
)

// Message is a single framed P2P envelope: command name plus opaque
// payload bytes (the payload is one of the wire types in messages.go,
// serialized with its own MarshalBinary).
type Message struct {
	Command string
	Payload []byte
}

// ReadError classifies how a malformed envelope should be handled,
// exposing a ban-score/disconnect policy surface to the caller.
type ReadError struct {
	Err           error
	BanScoreDelta int
	Disconnect    bool
}

func (e *ReadError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func checksum4(payload []byte) [4]byte {
	d := blake2b.Sum256(payload)
	var out [4]byte
	copy(out[:], d[:4])
	return out
}

func encodeCommand(cmd string) ([CommandBytes]byte, error) {
	var out [CommandBytes]byte
	if cmd == "" || len(cmd) > CommandBytes {
		return out, fmt.Errorf("p2p: command %q has invalid length", cmd)
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if c >= 0x80 || c == 0x00 || !unicode.IsPrint(rune(c)) {
			return out, fmt.Errorf("p2p: command contains non-printable byte")
		}
		out[i] = c
	}
	return out, nil
}

func decodeCommand(b [CommandBytes]byte) (string, error) {
	n := CommandBytes
	for i := 0; i < CommandBytes; i++ {
		if b[i] == 0x00 {
			n = i
			break
		}
	}
	for i := n; i < CommandBytes; i++ {
		if b[i] != 0x00 {
			return "", fmt.Errorf("p2p: command not NUL-right-padded")
		}
	}
	if n == 0 {
		return "", fmt.Errorf("p2p: empty command")
	}
	return string(b[:n]), nil
}

// WriteMessage frames command/payload onto w.
func WriteMessage(w io.Writer, command string, payload []byte) error {
	cmd12, err := encodeCommand(command)
	if err != nil {
		return err
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("p2p: payload of %d bytes exceeds MaxPayloadBytes", len(payload))
	}
	c4 := checksum4(payload)

	var hdr [HeaderBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], Magic)
	copy(hdr[4:16], cmd12[:])
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(payload)))
	copy(hdr[20:24], c4[:])

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage reads exactly one framed envelope from r.
func ReadMessage(r io.Reader) (*Message, *ReadError) {
	var hdr [HeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ReadError{Err: err, Disconnect: true}
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != Magic {
		return nil, &ReadError{Err: fmt.Errorf("p2p: magic mismatch"), Disconnect: true}
	}

	var cmdBytes [CommandBytes]byte
	copy(cmdBytes[:], hdr[4:16])
	cmd, err := decodeCommand(cmdBytes)
	if err != nil {
		return nil, &ReadError{Err: err, BanScoreDelta: 10}
	}

	payloadLen := binary.BigEndian.Uint32(hdr[16:20])
	if payloadLen > MaxPayloadBytes {
		return nil, &ReadError{Err: fmt.Errorf("p2p: payload_length exceeds MaxPayloadBytes"), Disconnect: true}
	}

	var expectedC4 [4]byte
	copy(expectedC4[:], hdr[20:24])

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &ReadError{Err: err, BanScoreDelta: 20, Disconnect: true}
		}
	}

	if computed := checksum4(payload); !bytes.Equal(expectedC4[:], computed[:]) {
		return nil, &ReadError{Err: fmt.Errorf("p2p: checksum mismatch"), BanScoreDelta: 10}
	}

	return &Message{Command: cmd, Payload: payload}, nil
}
