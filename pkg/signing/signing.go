// Package signing provides optional Ed25519 integrity signatures for
// Approval Records. This is integrity, not confidentiality, and does not
// conflict with this system having no at-rest encryption.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Signer signs and verifies Approval Record payloads with an Ed25519 key.
type Signer struct {
	priv ed25519.PrivateKey
	pub ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh Ed25519 keypair under keyID.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing Ed25519 private key under keyID.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// PublicKeyHex returns the hex-encoded public key, suitable for
// distribution alongside a signed Approval Record.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign signs data and returns a hex-encoded signature.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// CanonicalizeApproval builds the fixed-field payload an Approval Record's
// signature covers — bundle ID, actor, and policy version bind the
// signature to exactly the fields says identify an Approval.
func CanonicalizeApproval(bundleID, actor, policyVersion string, approvedAt time.Time) []byte {
	fields := []string{bundleID, actor, policyVersion, approvedAt.UTC().Format(time.RFC3339)}
	return []byte(strings.Join(fields, ":"))
}

// Verify checks a hex-encoded signature against a hex-encoded Ed25519
// public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("signing: decode public key: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("signing: public key has wrong size")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signing: decode signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
