package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestIsWeakKey(t *testing.T) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("Failed to generate random key: %v", err)
	}

	cases := []struct {
		name string
		key  []byte
		weak bool
	}{
		{"Undersized", random[:16], true},
		{"AllZero", make([]byte, 32), true},
		{"AllSameByte", bytes.Repeat([]byte{0xAA}, 32), true},
		{"LowVariety", bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7, 8}, 4), true},
		{"Random", random, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsWeakKey(tc.key); got != tc.weak {
				t.Errorf("IsWeakKey = %v, want %v", got, tc.weak)
			}
		})
	}
}

func TestDeriveWrapKeyRoundTrip(t *testing.T) {
	secret := make([]byte, 32)
	salt := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("Failed to generate secret: %v", err)
	}
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	wrapKey, err := DeriveWrapKey(secret, salt)
	if err != nil {
		t.Fatalf("Failed to derive wrap key: %v", err)
	}
	defer wrapKey.Destroy()

	if IsWeakKey(wrapKey.Bytes()) {
		t.Error("Derived wrap key must not be degenerate")
	}

	again, err := DeriveWrapKey(secret, salt)
	if err != nil {
		t.Fatalf("Failed to derive wrap key twice: %v", err)
	}
	defer again.Destroy()

	if !bytes.Equal(wrapKey.Bytes(), again.Bytes()) {
		t.Error("Same secret and salt must derive the same wrap key")
	}

	plaintext := []byte("private key material")
	sealed, err := SealValue(plaintext, wrapKey.Bytes())
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	opened, err := OpenValue(sealed, again.Bytes())
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Opened value doesn't match: got %q", opened)
	}
}
