package keep

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"github.com/awnumar/memguard"
	"southwinds.dev/keep/internal/crypto"
)

const (
	// DefaultKeyBits is the RSA modulus size used when callers do not ask
	// for a specific size.
	DefaultKeyBits = 2048

	// MinKeyBits is the smallest RSA modulus size accepted for new key
	// pairs. Smaller keys are rejected before any generation work starts.
	MinKeyBits = 2048

	// maxPlaintextSize caps a single encryption call to prevent DoS
	// through pathological inputs.
	maxPlaintextSize = 10 * 1024 * 1024

	aesKeySize   = 32
	gcmNonceSize = 12
)

// PEM block types for serialized private keys. Public keys always use the
// standard "PUBLIC KEY" PKIX block.
const (
	pemTypePrivateKey          = "RSA PRIVATE KEY"
	pemTypeProtectedPrivateKey = "KEEP ENCRYPTED PRIVATE KEY"
	pemTypePublicKey           = "PUBLIC KEY"
)

// Envelope is the encrypted record for a single secret value.
//
// The layout is fixed and forms the on-disk contract: a fresh AES-256 key
// encrypts the plaintext under GCM, and that key is wrapped with the vault's
// RSA public key using OAEP. All three fields are standard base64.
//
// Field semantics:
//   - EncKey: RSA-OAEP(SHA-256, MGF1-SHA-256, no label) wrapping of the
//     one-shot AES key
//   - Nonce: the 12-byte GCM nonce, unique per envelope
//   - Ciphertext: AES-256-GCM output including the authentication tag
//
// Envelopes are self-contained. Decryption needs nothing beyond the record
// and the matching private key, so envelopes can be copied between stores,
// exported and re-imported freely.
type Envelope struct {
	EncKey     string `json:"enc_key"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ParseEnvelope decodes a JSON envelope record.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, CryptoError{Message: "invalid envelope record", Err: err}
	}
	return &env, nil
}

// GenerateKeyPair creates a new RSA key pair for the vault.
//
// The modulus size must be at least MinKeyBits; undersized requests are
// rejected with a ValidationError before any generation work happens.
// Generation draws from crypto/rand and can take noticeable time for
// larger moduli (4096-bit keys commonly take seconds on laptop hardware),
// so interactive callers should signal progress.
//
// The returned private key exists only in process memory. Persisting it,
// protecting it with a passphrase or handing it to a custodian is the
// key vault's job, not this function's.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinKeyBits {
		return nil, ValidationError{
			Field:   "bits",
			Message: fmt.Sprintf("key size must be at least %d bits, got %d", MinKeyBits, bits),
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, CryptoError{Message: "key pair generation failed", Err: err}
	}
	return priv, nil
}

// Encrypt seals plaintext into a fresh Envelope under the given public key.
//
// Every call generates a new random AES-256 key and a new random 12-byte
// nonce, so encrypting the same plaintext twice always yields different
// envelopes. The one-shot AES key is wiped from memory before the function
// returns, on success and on every error path.
//
// Hybrid construction:
//  1. random 32-byte AES key, random 12-byte nonce
//  2. ciphertext = AES-256-GCM(key, nonce, plaintext), no associated data
//  3. enc_key = RSA-OAEP-SHA256(public key, AES key)
//
// Empty plaintext is valid and round-trips to an empty value. Inputs above
// maxPlaintextSize are rejected to bound memory use.
//
// Security Notes:
//   - Only the public key is required, so any caller can add secrets
//     without an unlock ceremony
//   - GCM authenticates the ciphertext; any later tampering is detected
//     at decryption time
//   - The RSA key pair never touches the plaintext itself, only the
//     one-shot AES key
func Encrypt(plaintext []byte, pub *rsa.PublicKey) (*Envelope, error) {
	if pub == nil {
		return nil, ValidationError{Field: "publicKey", Message: "public key is required"}
	}
	if len(plaintext) > maxPlaintextSize {
		return nil, ValidationError{Field: "plaintext", Message: "plaintext too large"}
	}

	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, CryptoError{Message: "failed to generate data key", Err: err}
	}
	defer memguard.WipeBytes(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, CryptoError{Message: "failed to initialize cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, CryptoError{Message: "failed to initialize cipher", Err: err}
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, CryptoError{Message: "failed to generate nonce", Err: err}
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, CryptoError{Message: "failed to wrap data key", Err: err}
	}

	return &Envelope{
		EncKey:     base64.StdEncoding.EncodeToString(encKey),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an Envelope with the vault's private key.
//
// All failure modes collapse into a single CryptoError with one fixed
// message: a wrong private key, a tampered ciphertext, a truncated or
// hand-edited record and a corrupt wrapped key are indistinguishable from
// the outside. Callers must not be able to use error detail as a padding
// or format oracle, so none is offered.
//
// The unwrapped AES key is wiped before returning on every path.
func Decrypt(env *Envelope, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, ValidationError{Field: "privateKey", Message: "private key is required"}
	}
	if env == nil {
		return nil, errDecryptFailed()
	}

	encKey, err := base64.StdEncoding.DecodeString(env.EncKey)
	if err != nil {
		return nil, errDecryptFailed()
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, errDecryptFailed()
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, errDecryptFailed()
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		return nil, errDecryptFailed()
	}
	defer memguard.WipeBytes(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, errDecryptFailed()
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errDecryptFailed()
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errDecryptFailed()
	}
	return plaintext, nil
}

// EncodePrivateKey serializes a private key to PEM.
//
// With an empty passphrase the key is written as a plain PKCS#1 block.
// With a passphrase the PKCS#1 DER bytes are sealed in a password envelope
// (PBKDF2-SHA256 key derivation plus ChaCha20-Poly1305) and wrapped in a
// KEEP ENCRYPTED PRIVATE KEY block. Passphrase policy (minimum length,
// confirmation prompts) belongs to callers; this function encodes what it
// is given.
func EncodePrivateKey(priv *rsa.PrivateKey, passphrase []byte) ([]byte, error) {
	if priv == nil {
		return nil, ValidationError{Field: "privateKey", Message: "private key is required"}
	}

	der := x509.MarshalPKCS1PrivateKey(priv)
	defer memguard.WipeBytes(der)

	if len(passphrase) == 0 {
		return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
	}

	sealed, err := crypto.EncryptWithPassphrase(der, passphrase)
	if err != nil {
		return nil, CryptoError{Message: "failed to protect private key", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeProtectedPrivateKey, Bytes: sealed}), nil
}

// DecodePrivateKey parses a PEM private key produced by EncodePrivateKey.
//
// Supplying a passphrase for an unprotected key, omitting it for a
// protected one, or presenting the wrong one all fail with CryptoError.
func DecodePrivateKey(data []byte, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, CryptoError{Message: "no PEM block found in private key data"}
	}

	var der []byte
	switch block.Type {
	case pemTypePrivateKey:
		if len(passphrase) != 0 {
			return nil, CryptoError{Message: "private key is not passphrase protected"}
		}
		der = block.Bytes
	case pemTypeProtectedPrivateKey:
		if len(passphrase) == 0 {
			return nil, CryptoError{Message: "private key is passphrase protected"}
		}
		plain, err := crypto.DecryptWithPassphrase(block.Bytes, passphrase)
		if err != nil {
			return nil, CryptoError{Message: "failed to unlock private key, incorrect passphrase"}
		}
		der = plain
		defer memguard.WipeBytes(plain)
	default:
		return nil, CryptoError{Message: fmt.Sprintf("unsupported PEM block type %q", block.Type)}
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		// Fall back to PKCS#8 for keys imported from other tools.
		keyAny, err8 := x509.ParsePKCS8PrivateKey(der)
		if err8 != nil {
			return nil, CryptoError{Message: "failed to parse private key", Err: err}
		}
		rsaKey, ok := keyAny.(*rsa.PrivateKey)
		if !ok {
			return nil, CryptoError{Message: "private key is not an RSA key"}
		}
		priv = rsaKey
	}
	return priv, nil
}

// EncodePublicKey serializes a public key to a PKIX PEM block.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, ValidationError{Field: "publicKey", Message: "public key is required"}
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, CryptoError{Message: "failed to encode public key", Err: err}
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// DecodePublicKey parses a PKIX PEM public key.
func DecodePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, CryptoError{Message: "no public key PEM block found"}
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, CryptoError{Message: "failed to parse public key", Err: err}
	}
	pub, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, CryptoError{Message: "public key is not an RSA key"}
	}
	return pub, nil
}

// KeyFingerprint returns a short hex fingerprint of a public key, suitable
// for audit metadata and status output. Empty string for a nil key.
func KeyFingerprint(pub *rsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
