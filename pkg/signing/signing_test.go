package signing

import (
	"testing"
	"time"
)

func TestSignAndVerify_RoundTrips(t *testing.T) {
	s, err := NewSigner("key-1")
	if err != nil {
		t.Fatal(err)
	}
	payload := CanonicalizeApproval("bundle-1", "alice", "v1", time.Unix(0, 0))
	sig := s.Sign(payload)

	ok, err := Verify(s.PublicKeyHex(), sig, payload)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected signature to verify")
	}
}

func TestVerify_FailsOnTamperedPayload(t *testing.T) {
	s, err := NewSigner("key-1")
	if err != nil {
		t.Fatal(err)
	}
	payload := CanonicalizeApproval("bundle-1", "alice", "v1", time.Unix(0, 0))
	sig := s.Sign(payload)

	tampered := CanonicalizeApproval("bundle-1", "mallory", "v1", time.Unix(0, 0))
	ok, err := Verify(s.PublicKeyHex(), sig, tampered)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected signature verification to fail on tampered payload")
	}
}

func TestVerify_FailsWithWrongKey(t *testing.T) {
	s1, _ := NewSigner("key-1")
	s2, _ := NewSigner("key-2")
	payload := CanonicalizeApproval("bundle-1", "alice", "v1", time.Unix(0, 0))
	sig := s1.Sign(payload)

	ok, err := Verify(s2.PublicKeyHex(), sig, payload)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected signature verification to fail with the wrong public key")
	}
}

func TestCanonicalizeApproval_BindsAllFields(t *testing.T) {
	a := CanonicalizeApproval("b1", "alice", "v1", time.Unix(100, 0))
	b := CanonicalizeApproval("b1", "alice", "v2", time.Unix(100, 0))
	if string(a) == string(b) {
		t.Error("expected different policy versions to produce different canonical payloads")
	}
}
