// Package identity implements the node-identity and disqualification
// registry: signed node records, role assignment rules, and 24h leader
// bans.
package identity

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/wire"
)

// ErrorCode classifies a registry-level rejection.
type ErrorCode string

const (
	ErrDuplicateIP      ErrorCode = "IDENTITY_ERR_DUPLICATE_IP"
	ErrBadIPSignature   ErrorCode = "IDENTITY_ERR_BAD_IP_SIGNATURE"
	ErrUnknownNode      ErrorCode = "IDENTITY_ERR_UNKNOWN_NODE"
	ErrDisqualified     ErrorCode = "IDENTITY_ERR_DISQUALIFIED"
	ErrInsufficientLoad ErrorCode = "IDENTITY_ERR_INSUFFICIENT_LOAD"
)

// Error is the registry's typed error, following the same
// ErrorCode-plus-struct convention used across this codebase.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// ValidatorLoadThreshold is the system-load metric gate for granting the
// validator role.
const ValidatorLoadThreshold = 0.8

// DisqualificationDuration is the default ban length.
const DisqualificationDuration = 24 * time.Hour

// Registry holds node identity records under a single exclusive-write /
// shared-read lock.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*wire.NodeIdentity // uuid -> identity
	ipIndex map[string]string             // ip -> uuid
	clock   func() time.Time
}

func New() *Registry {
	return &Registry{
		nodes:   map[string]*wire.NodeIdentity{},
		ipIndex: map[string]string{},
		clock:   time.Now,
	}
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}

// Register verifies the IP-binding signature and adds a new identity,
// defaulting to the submitter-only role. It rejects duplicate IPs.
func (r *Registry) Register(rec wire.NodeIdentity) error {
	ip := net.ParseIP(rec.IP)
	if ip == nil || !crypto.VerifyIP(rec.PublicKey, ip, rec.Signature) {
		return &Error{Code: ErrBadIPSignature, Msg: "IP binding signature does not verify"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.ipIndex[rec.IP]; ok && existing != rec.UUID {
		return &Error{Code: ErrDuplicateIP, Msg: fmt.Sprintf("ip %s already registered to %s", rec.IP, existing)}
	}
	rec.Role = wire.RoleSubmitterOnly
	copyRec := rec
	r.nodes[rec.UUID] = &copyRec
	r.ipIndex[rec.IP] = rec.UUID
	return nil
}

// Get returns the identity for uuid, lazily clearing an expired
// disqualification before returning.
func (r *Registry) Get(uuid string) (*wire.NodeIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[uuid]
	if !ok {
		return nil, false
	}
	r.clearIfExpiredLocked(rec)
	out := *rec
	return &out, true
}

func (r *Registry) clearIfExpiredLocked(rec *wire.NodeIdentity) {
	if rec.DisqualifiedUntil != 0 && r.now().Unix() >= rec.DisqualifiedUntil {
		rec.DisqualifiedUntil = 0
	}
}

// Disqualify bans uuid from leader eligibility for
// DisqualificationDuration.
func (r *Registry) Disqualify(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[uuid]
	if !ok {
		return &Error{Code: ErrUnknownNode, Msg: uuid}
	}
	rec.DisqualifiedUntil = r.now().Add(DisqualificationDuration).Unix()
	return nil
}

// IsDisqualified reports whether uuid is currently banned, clearing an
// expired ban as a side effect.
func (r *Registry) IsDisqualified(uuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[uuid]
	if !ok {
		return false
	}
	r.clearIfExpiredLocked(rec)
	return rec.DisqualifiedUntil != 0
}

// GrantLeader assigns the leader role. Only non-disqualified nodes are
// eligible; callers are expected to be the election engine only.
func (r *Registry) GrantLeader(uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[uuid]
	if !ok {
		return &Error{Code: ErrUnknownNode, Msg: uuid}
	}
	r.clearIfExpiredLocked(rec)
	if rec.DisqualifiedUntil != 0 {
		return &Error{Code: ErrDisqualified, Msg: uuid}
	}
	rec.Role = wire.RoleLeader
	return nil
}

// RevokeLeader reverts a node to submitter-only, used when a new leader
// list supersedes the old one.
func (r *Registry) RevokeLeader(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.nodes[uuid]; ok && rec.Role == wire.RoleLeader {
		rec.Role = wire.RoleSubmitterOnly
	}
}

// RequestValidator grants the validator role only when systemLoad
// exceeds ValidatorLoadThreshold.
func (r *Registry) RequestValidator(uuid string, systemLoad float64) error {
	if systemLoad <= ValidatorLoadThreshold {
		return &Error{Code: ErrInsufficientLoad, Msg: fmt.Sprintf("system load %.2f does not exceed %.2f", systemLoad, ValidatorLoadThreshold)}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[uuid]
	if !ok {
		return &Error{Code: ErrUnknownNode, Msg: uuid}
	}
	rec.Role = wire.RoleValidator
	return nil
}

// EligibleCandidates returns every registered identity that is not
// currently disqualified, for use by the election engine's Nominate
// phase.
func (r *Registry) EligibleCandidates() []wire.NodeIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.NodeIdentity, 0, len(r.nodes))
	for _, rec := range r.nodes {
		r.clearIfExpiredLocked(rec)
		if rec.DisqualifiedUntil != 0 {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
