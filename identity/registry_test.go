package identity

import (
	"net"
	"testing"
	"time"

	"github.com/vertexledger/consensuscore/crypto"
	"github.com/vertexledger/consensuscore/wire"
)

func signedIdentity(t *testing.T, uuid, ip string) wire.NodeIdentity {
	t.Helper()
	secret, public, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		t.Fatalf("bad ip literal %q", ip)
	}
	sig, err := crypto.SignIP(secret, parsed)
	if err != nil {
		t.Fatalf("sign ip: %v", err)
	}
	return wire.NodeIdentity{UUID: uuid, IP: ip, PublicKey: public, Signature: sig}
}

func TestRegisterRejectsBadSignature(t *testing.T) {
	r := New()
	rec := signedIdentity(t, "node-a", "10.0.0.1")
	rec.Signature[0] ^= 0xFF
	if err := r.Register(rec); err == nil {
		t.Fatalf("expected bad-signature rejection")
	}
}

func TestRegisterRejectsDuplicateIP(t *testing.T) {
	r := New()
	a := signedIdentity(t, "node-a", "10.0.0.1")
	if err := r.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	b := signedIdentity(t, "node-b", "10.0.0.1")
	if err := r.Register(b); err == nil {
		t.Fatalf("expected duplicate-ip rejection")
	}
}

func TestDefaultRoleIsSubmitterOnly(t *testing.T) {
	r := New()
	rec := signedIdentity(t, "node-a", "10.0.0.1")
	if err := r.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Get("node-a")
	if !ok || got.Role != wire.RoleSubmitterOnly {
		t.Fatalf("expected default role submitter-only, got %+v ok=%v", got, ok)
	}
}

func TestGrantLeaderRefusesDisqualifiedNode(t *testing.T) {
	r := New()
	now := time.Unix(1_000_000, 0)
	r.clock = func() time.Time { return now }
	rec := signedIdentity(t, "node-a", "10.0.0.1")
	if err := r.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Disqualify("node-a"); err != nil {
		t.Fatalf("disqualify: %v", err)
	}
	if err := r.GrantLeader("node-a"); err == nil {
		t.Fatalf("expected disqualified node to be refused leader role")
	}
}

func TestDisqualificationExpiresLazily(t *testing.T) {
	r := New()
	now := time.Unix(1_000_000, 0)
	r.clock = func() time.Time { return now }
	rec := signedIdentity(t, "node-a", "10.0.0.1")
	if err := r.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Disqualify("node-a"); err != nil {
		t.Fatalf("disqualify: %v", err)
	}
	if !r.IsDisqualified("node-a") {
		t.Fatalf("expected node to be disqualified immediately after ban")
	}
	r.clock = func() time.Time { return now.Add(DisqualificationDuration + time.Second) }
	if r.IsDisqualified("node-a") {
		t.Fatalf("expected ban to have lazily expired")
	}
	if err := r.GrantLeader("node-a"); err != nil {
		t.Fatalf("expected leader grant to succeed after ban expiry: %v", err)
	}
}

func TestRequestValidatorRequiresLoadThreshold(t *testing.T) {
	r := New()
	rec := signedIdentity(t, "node-a", "10.0.0.1")
	if err := r.Register(rec); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RequestValidator("node-a", 0.5); err == nil {
		t.Fatalf("expected low load to be refused validator role")
	}
	if err := r.RequestValidator("node-a", 0.9); err != nil {
		t.Fatalf("expected high load to be granted validator role: %v", err)
	}
	got, _ := r.Get("node-a")
	if got.Role != wire.RoleValidator {
		t.Fatalf("expected validator role, got %v", got.Role)
	}
}

func TestEligibleCandidatesExcludesDisqualified(t *testing.T) {
	r := New()
	a := signedIdentity(t, "node-a", "10.0.0.1")
	b := signedIdentity(t, "node-b", "10.0.0.2")
	if err := r.Register(a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := r.Register(b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := r.Disqualify("node-b"); err != nil {
		t.Fatalf("disqualify: %v", err)
	}
	got := r.EligibleCandidates()
	if len(got) != 1 || got[0].UUID != "node-a" {
		t.Fatalf("expected only node-a eligible, got %+v", got)
	}
}
