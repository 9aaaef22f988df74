package storage

import (
	"testing"

	apperrors "github.com/clinisync/sync-emr-engine/pkg/shared/errors"
)

func TestFieldCipherRoundTrip(t *testing.T) {
	c, err := newFieldCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("newFieldCipher() error = %v", err)
	}

	enc, err := c.encrypt("Patient/123")
	if err != nil {
		t.Fatalf("encrypt() error = %v", err)
	}
	if enc == "Patient/123" {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := c.decrypt(enc)
	if err != nil {
		t.Fatalf("decrypt() error = %v", err)
	}
	if dec != "Patient/123" {
		t.Errorf("decrypt() = %q, want Patient/123", dec)
	}
}

func TestFieldCipherEmptyStringPassesThrough(t *testing.T) {
	c, _ := newFieldCipher(make([]byte, 32))
	enc, err := c.encrypt("")
	if err != nil || enc != "" {
		t.Fatalf("encrypt(\"\") = (%q, %v), want (\"\", nil)", enc, err)
	}
	dec, err := c.decrypt("")
	if err != nil || dec != "" {
		t.Fatalf("decrypt(\"\") = (%q, %v), want (\"\", nil)", dec, err)
	}
}

func TestFieldCipherRejectsWrongKeySize(t *testing.T) {
	if _, err := newFieldCipher([]byte("too-short")); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}

func TestFieldCipherDetectsTamperedCiphertext(t *testing.T) {
	c, _ := newFieldCipher(make([]byte, 32))
	enc, _ := c.encrypt("Patient/123")

	tampered := enc[:len(enc)-4] + "abcd"
	_, err := c.decrypt(tampered)
	if !apperrors.HasKind(err, apperrors.KindDataCorruption) {
		t.Fatalf("expected data_corruption on tampered ciphertext, got %v", err)
	}
}
