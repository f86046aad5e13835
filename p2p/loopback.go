package p2p

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Loopback is an in-process Transport used for single-node operation and
// tests: Send/Broadcast frame every message through WriteMessage and
// deliver the framed bytes directly into the peer's deframe path, so the
// envelope codec and its transport checksum are exercised exactly as
// they would be over a socket.
type Loopback struct {
	selfID string

	mu       sync.RWMutex
	handlers map[string]Handler
	peers    map[string]*Loopback
}

// NewLoopback constructs a Loopback identified by selfID.
func NewLoopback(selfID string) *Loopback {
	return &Loopback{selfID: selfID, handlers: map[string]Handler{}, peers: map[string]*Loopback{}}
}

// Connect registers peer as reachable by both sides, so Send/Broadcast can
// reach it and it can reach back.
func (l *Loopback) Connect(peer *Loopback) {
	l.mu.Lock()
	l.peers[peer.selfID] = peer
	l.mu.Unlock()
	peer.mu.Lock()
	peer.peers[l.selfID] = l
	peer.mu.Unlock()
}

func (l *Loopback) Subscribe(command string, handler Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[command] = handler
}

func (l *Loopback) Send(_ context.Context, peerID string, command string, payload []byte) error {
	l.mu.RLock()
	peer, ok := l.peers[peerID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: unknown peer %q", peerID)
	}
	frame, err := frameMessage(command, payload)
	if err != nil {
		return err
	}
	return peer.deliver(l.selfID, frame)
}

func (l *Loopback) Broadcast(_ context.Context, command string, payload []byte) error {
	l.mu.RLock()
	targets := make([]*Loopback, 0, len(l.peers))
	for _, p := range l.peers {
		targets = append(targets, p)
	}
	l.mu.RUnlock()
	frame, err := frameMessage(command, payload)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range targets {
		if err := p.deliver(l.selfID, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func frameMessage(command string, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, command, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deliver deframes one envelope and dispatches it to the subscribed
// handler for its command, dropping commands nobody subscribed to.
func (l *Loopback) deliver(from string, frame []byte) error {
	msg, rerr := ReadMessage(bytes.NewReader(frame))
	if rerr != nil {
		return rerr
	}
	l.mu.RLock()
	h, ok := l.handlers[msg.Command]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	return h(from, msg.Command, msg.Payload)
}
