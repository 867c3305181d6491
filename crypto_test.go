package keep

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Key generation dominates test time, so all tests that only need a valid
// pair share one.
var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

func testPrivateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = GenerateKeyPair(DefaultKeyBits)
	})
	if testKeyErr != nil {
		t.Fatalf("Failed to generate shared test key: %v", testKeyErr)
	}
	return testKey
}

func testPublicKey(t *testing.T) *rsa.PublicKey {
	t.Helper()
	return &testPrivateKey(t).PublicKey
}

func TestGenerateKeyPair(t *testing.T) {
	priv, err := GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	if priv.N.BitLen() != DefaultKeyBits {
		t.Errorf("Expected %d-bit modulus, got %d", DefaultKeyBits, priv.N.BitLen())
	}
	if err = priv.Validate(); err != nil {
		t.Errorf("Generated key failed validation: %v", err)
	}
}

func TestGenerateKeyPairRejectsWeakSizes(t *testing.T) {
	for _, bits := range []int{0, 512, 1024, 2047} {
		_, err := GenerateKeyPair(bits)
		if err == nil {
			t.Errorf("Expected %d-bit key to be rejected", bits)
			continue
		}
		if !IsValidationError(err) {
			t.Errorf("Expected validation error for %d bits, got %T", bits, err)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	priv := testPrivateKey(t)

	// Files passed to `keep add --file` can run to megabytes; exercise a
	// payload well past the AES-GCM single-block comfort zone.
	large := make([]byte, 1<<20+512)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("Failed to generate large plaintext: %v", err)
	}

	testCases := [][]byte{
		[]byte("Hello, World!"),
		[]byte("Special chars: !@#$%^&*()_+{}|"),
		[]byte("Unicode: こんにちは"),
		[]byte(strings.Repeat("long line\n", 500)),
		{},
		{0x00, 0xff, 0x00, 0xff},
		large,
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("Case_%d", i), func(t *testing.T) {
			env, err := Encrypt(tc, &priv.PublicKey)
			if err != nil {
				t.Fatalf("Failed to encrypt: %v", err)
			}

			if env.EncKey == "" || env.Nonce == "" {
				t.Error("Envelope is missing wrapped key or nonce")
			}

			decrypted, err := Decrypt(env, priv)
			if err != nil {
				t.Fatalf("Failed to decrypt: %v", err)
			}

			if !bytes.Equal(decrypted, tc) {
				t.Errorf("Decrypted %d bytes don't match original %d bytes", len(decrypted), len(tc))
			}
		})
	}
}

func TestEncryptProducesUniqueEnvelopes(t *testing.T) {
	pub := testPublicKey(t)
	plaintext := []byte("same value twice")

	first, err := Encrypt(plaintext, pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	second, err := Encrypt(plaintext, pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// Fresh key and nonce per call, so nothing may repeat
	if first.EncKey == second.EncKey {
		t.Error("Wrapped keys repeat between envelopes")
	}
	if first.Nonce == second.Nonce {
		t.Error("Nonces repeat between envelopes")
	}
	if first.Ciphertext == second.Ciphertext {
		t.Error("Ciphertexts repeat between envelopes")
	}
}

func TestEncryptRejectsOversizedPlaintext(t *testing.T) {
	pub := testPublicKey(t)

	_, err := Encrypt(make([]byte, maxPlaintextSize+1), pub)
	if !IsValidationError(err) {
		t.Fatalf("Expected validation error for oversized plaintext, got %v", err)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	pub := testPublicKey(t)

	otherKey, err := GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}

	env, err := Encrypt([]byte("for the right key only"), pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	_, err = Decrypt(env, otherKey)
	if err == nil {
		t.Fatal("Expected decryption with wrong key to fail")
	}
	if err.Error() != decryptFailedMsg {
		t.Errorf("Expected fixed failure message %q, got %q", decryptFailedMsg, err.Error())
	}
	if !IsCryptoError(err) {
		t.Errorf("Expected crypto error, got %T", err)
	}
}

func TestDecryptTamperedEnvelope(t *testing.T) {
	priv := testPrivateKey(t)

	env, err := Encrypt([]byte("tamper with me"), &priv.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		t.Fatalf("Failed to decode ciphertext: %v", err)
	}
	ct[0] ^= 0x01

	tampered := &Envelope{
		EncKey:     env.EncKey,
		Nonce:      env.Nonce,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}

	_, err = Decrypt(tampered, priv)
	if err == nil {
		t.Fatal("Expected tampered envelope to be rejected")
	}
	if err.Error() != decryptFailedMsg {
		t.Errorf("Expected fixed failure message %q, got %q", decryptFailedMsg, err.Error())
	}
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	priv := testPrivateKey(t)

	good, err := Encrypt([]byte("baseline"), &priv.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	malformed := []*Envelope{
		{EncKey: "!!!not-base64!!!", Nonce: good.Nonce, Ciphertext: good.Ciphertext},
		{EncKey: good.EncKey, Nonce: "!!!not-base64!!!", Ciphertext: good.Ciphertext},
		{EncKey: good.EncKey, Nonce: good.Nonce, Ciphertext: "!!!not-base64!!!"},
		{EncKey: good.EncKey, Nonce: base64.StdEncoding.EncodeToString([]byte("short")), Ciphertext: good.Ciphertext},
		{},
	}

	for i, env := range malformed {
		_, err = Decrypt(env, priv)
		if err == nil {
			t.Errorf("Case %d: expected malformed envelope to be rejected", i)
			continue
		}
		// Every failure mode reports the same message so callers cannot
		// distinguish why an envelope refused to open
		if err.Error() != decryptFailedMsg {
			t.Errorf("Case %d: expected fixed failure message %q, got %q", i, decryptFailedMsg, err.Error())
		}
	}
}

func TestParseEnvelope(t *testing.T) {
	pub := testPublicKey(t)

	env, err := Encrypt([]byte("round trip through JSON"), pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	data := []byte(fmt.Sprintf(`{"enc_key":%q,"nonce":%q,"ciphertext":%q}`,
		env.EncKey, env.Nonce, env.Ciphertext))

	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("Failed to parse envelope: %v", err)
	}
	if parsed.EncKey != env.EncKey || parsed.Nonce != env.Nonce || parsed.Ciphertext != env.Ciphertext {
		t.Error("Parsed envelope does not match original")
	}

	if _, err = ParseEnvelope([]byte("{not json")); err == nil {
		t.Error("Expected invalid JSON to be rejected")
	}
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	priv := testPrivateKey(t)

	pemData, err := EncodePrivateKey(priv, nil)
	if err != nil {
		t.Fatalf("Failed to encode private key: %v", err)
	}
	if !strings.Contains(string(pemData), pemTypePrivateKey) {
		t.Errorf("Expected %q block, got:\n%s", pemTypePrivateKey, pemData[:80])
	}

	decoded, err := DecodePrivateKey(pemData, nil)
	if err != nil {
		t.Fatalf("Failed to decode private key: %v", err)
	}
	if decoded.N.Cmp(priv.N) != 0 {
		t.Error("Decoded key does not match original")
	}
}

func TestPrivateKeyPEMWithPassphrase(t *testing.T) {
	priv := testPrivateKey(t)
	passphrase := []byte("correct horse battery staple")

	pemData, err := EncodePrivateKey(priv, passphrase)
	if err != nil {
		t.Fatalf("Failed to encode protected key: %v", err)
	}
	if !strings.Contains(string(pemData), pemTypeProtectedPrivateKey) {
		t.Error("Expected protected PEM block type")
	}
	if strings.Contains(string(pemData), pemTypePrivateKey+"-----") {
		t.Error("Protected key must not carry the plaintext block type")
	}

	decoded, err := DecodePrivateKey(pemData, passphrase)
	if err != nil {
		t.Fatalf("Failed to decode protected key: %v", err)
	}
	if decoded.N.Cmp(priv.N) != 0 {
		t.Error("Decoded key does not match original")
	}

	// Wrong passphrase fails without revealing more
	if _, err = DecodePrivateKey(pemData, []byte("wrong")); err == nil {
		t.Error("Expected wrong passphrase to be rejected")
	}

	// Missing passphrase on a protected key is an explicit error
	if _, err = DecodePrivateKey(pemData, nil); err == nil {
		t.Error("Expected protected key without passphrase to be rejected")
	}
}

func TestDecodePrivateKeyMismatchedExpectations(t *testing.T) {
	priv := testPrivateKey(t)

	plain, err := EncodePrivateKey(priv, nil)
	if err != nil {
		t.Fatalf("Failed to encode key: %v", err)
	}

	// Supplying a passphrase for an unprotected key must fail so callers
	// notice the custody state they assumed is wrong
	if _, err = DecodePrivateKey(plain, []byte("unexpected")); err == nil {
		t.Error("Expected passphrase against unprotected key to be rejected")
	}

	if _, err = DecodePrivateKey([]byte("not pem at all"), nil); err == nil {
		t.Error("Expected non-PEM input to be rejected")
	}
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	priv := testPrivateKey(t)

	pemData, err := EncodePublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}
	if !strings.Contains(string(pemData), pemTypePublicKey) {
		t.Error("Expected PUBLIC KEY block type")
	}

	decoded, err := DecodePublicKey(pemData)
	if err != nil {
		t.Fatalf("Failed to decode public key: %v", err)
	}
	if decoded.N.Cmp(priv.PublicKey.N) != 0 {
		t.Error("Decoded public key does not match original")
	}

	// A value encrypted under the decoded key opens with the original pair
	env, err := Encrypt([]byte("cross-check"), decoded)
	if err != nil {
		t.Fatalf("Failed to encrypt under decoded key: %v", err)
	}
	plaintext, err := Decrypt(env, priv)
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if string(plaintext) != "cross-check" {
		t.Error("Round trip through encoded public key failed")
	}
}

func TestKeyFingerprint(t *testing.T) {
	priv := testPrivateKey(t)

	fp := KeyFingerprint(&priv.PublicKey)
	if len(fp) != 16 {
		t.Errorf("Expected 16 hex characters, got %d (%s)", len(fp), fp)
	}

	if again := KeyFingerprint(&priv.PublicKey); fp != again {
		t.Error("Fingerprint is not stable for the same key")
	}

	other, err := GenerateKeyPair(DefaultKeyBits)
	if err != nil {
		t.Fatalf("Failed to generate second key: %v", err)
	}
	if otherFp := KeyFingerprint(&other.PublicKey); fp == otherFp {
		t.Error("Different keys produced the same fingerprint")
	}

	if KeyFingerprint(nil) != "" {
		t.Error("Expected empty fingerprint for nil key")
	}
}

func TestEnvelopeJSONFieldNames(t *testing.T) {
	pub := testPublicKey(t)

	env, err := Encrypt([]byte("wire format"), pub)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}

	// The field names are the on-disk contract
	for _, field := range []string{`"enc_key"`, `"nonce"`, `"ciphertext"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("Expected field %s in serialized envelope", field)
		}
	}
}

func TestNonceLengthEnforced(t *testing.T) {
	priv := testPrivateKey(t)

	env, err := Encrypt([]byte("nonce check"), &priv.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		t.Fatalf("Failed to decode nonce: %v", err)
	}
	if len(nonce) != gcmNonceSize {
		t.Fatalf("Expected %d-byte nonce, got %d", gcmNonceSize, len(nonce))
	}

	// A truncated nonce must be rejected before touching the cipher
	short := &Envelope{
		EncKey:     env.EncKey,
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:8]),
		Ciphertext: env.Ciphertext,
	}
	if _, err = Decrypt(short, priv); err == nil {
		t.Error("Expected truncated nonce to be rejected")
	}
}

func TestRandomKeyMaterialQuality(t *testing.T) {
	// Sanity check that the RNG the package depends on produces
	// non-degenerate output in this environment
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("crypto/rand unavailable: %v", err)
	}
	if bytes.Equal(buf, make([]byte, 64)) {
		t.Fatal("crypto/rand returned all zeros")
	}
}
