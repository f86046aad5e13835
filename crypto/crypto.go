// Package crypto implements the signing and hashing primitives shared by
// every other package: Ed25519 keypairs, SHA-256 hashing, IP-address
// binding signatures, and the digital-root placement used by finalized
// entries.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
)

// PublicKey and PrivateKey alias the stdlib Ed25519 types so callers never
// import crypto/ed25519 directly.
type (
	PublicKey  = ed25519.PublicKey
	PrivateKey = ed25519.PrivateKey
)

// Signature is a detached Ed25519 signature.
type Signature [ed25519.SignatureSize]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [sha256.Size]byte

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// GenerateKeypair produces a new Ed25519 keypair from the OS CSPRNG.
func GenerateKeypair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return priv, pub, nil
}

// HashBytes returns the SHA-256 digest of b.
func HashBytes(b []byte) Hash {
	return Hash(sha256.Sum256(b))
}

// Sign hashes msg with SHA-256 and produces an Ed25519 signature over the
// digest.
func Sign(secret PrivateKey, msg []byte) (Signature, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("crypto: invalid private key length %d", len(secret))
	}
	digest := HashBytes(msg)
	sig := ed25519.Sign(secret, digest[:])
	var out Signature
	copy(out[:], sig)
	return out, nil
}

// Verify checks an Ed25519 signature over SHA-256(msg).
func Verify(public PublicKey, msg []byte, sig Signature) bool {
	if len(public) != ed25519.PublicKeySize {
		return false
	}
	digest := HashBytes(msg)
	return ed25519.Verify(public, digest[:], sig[:])
}

// ipAddressBytes returns the raw address bytes for binding: 4 bytes for
// IPv4, 16 for IPv6.
func ipAddressBytes(ip net.IP) ([]byte, error) {
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	if v6 := ip.To16(); v6 != nil {
		return v6, nil
	}
	return nil, fmt.Errorf("crypto: invalid IP address")
}

// SignIP signs the raw address bytes of ip (not its string form), binding
// a node's key to a specific network address.
func SignIP(secret PrivateKey, ip net.IP) (Signature, error) {
	raw, err := ipAddressBytes(ip)
	if err != nil {
		return Signature{}, err
	}
	return Sign(secret, raw)
}

// VerifyIP verifies a signature produced by SignIP.
func VerifyIP(public PublicKey, ip net.IP, sig Signature) bool {
	raw, err := ipAddressBytes(ip)
	if err != nil {
		return false
	}
	return Verify(public, raw, sig)
}

// DigitalRoot computes the repeated-digit-sum digital root (0-9) of a hex
// string. A modulo-9 shortcut is not equivalent for empty input or for
// values that are multiples of 9, so this sums then loops.
func DigitalRoot(txIDHex string) int {
	sum := hexDigitSum(txIDHex)
	for sum >= 10 {
		sum = decimalDigitSum(sum)
	}
	return sum
}

func hexDigitSum(s string) int {
	sum := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c >= 'a' && c <= 'f':
			sum += int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			sum += int(c-'A') + 10
		}
	}
	return sum
}

func decimalDigitSum(n int) int {
	sum := 0
	for n > 0 {
		sum += n % 10
		n /= 10
	}
	return sum
}
