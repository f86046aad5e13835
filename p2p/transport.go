package p2p

import "context"

// Handler processes one received message. Loopback calls handlers
// synchronously and returns a handler's error to the Send or Broadcast
// call that delivered the message; it does not log it.
type Handler func(from string, command string, payload []byte) error

// Transport is the network-facing seam node programs against (election,
// workflow and invalidation hold no transport), so tests can swap in
// Loopback instead of real sockets.
type Transport interface {
	// Send delivers command/payload to a single peer.
	Send(ctx context.Context, peerID string, command string, payload []byte) error
	// Broadcast delivers command/payload to every known peer.
	Broadcast(ctx context.Context, command string, payload []byte) error
	// Subscribe registers handler for command; only one handler per
	// command is kept, a single dispatch table per transport.
	Subscribe(command string, handler Handler)
}
