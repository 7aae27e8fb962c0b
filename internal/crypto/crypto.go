package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/illarion/lockwallet/internal/walleterr"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize          = 32     // Salt size in bytes
	KeySize           = 32     // AES-256 key size
	IVSize            = 12     // GCM nonce size
	TagSize           = 16     // GCM authentication tag size
	MACSize           = 32     // HMAC-SHA256 output size
	DefaultIterations = 600000 // Default PBKDF2 iterations
)

// KDF handles key derivation from passwords
type KDF struct {
	Salt       []byte
	Iterations int
}

// NewKDF creates a new KDF with a random salt and the given iteration count
func NewKDF(iterations int) (*KDF, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: iteration count must be positive, got %d",
			walleterr.ErrValidation, iterations)
	}

	salt, err := GenerateRandom(SaltSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return &KDF{
		Salt:       salt,
		Iterations: iterations,
	}, nil
}

// DeriveKey derives an AES-256 key from a password
func (k *KDF) DeriveKey(password []byte) ([]byte, error) {
	return DeriveKey(password, k.Salt, k.Iterations)
}

// DeriveKey runs PBKDF2-HMAC-SHA256 and returns a KeySize-byte key.
func DeriveKey(password, salt []byte, iterations int) ([]byte, error) {
	return DeriveKeyMaterial(password, salt, iterations, KeySize)
}

// DeriveKeyMaterial runs PBKDF2-HMAC-SHA256 producing length bytes. Callers
// that need several independent keys split the output.
func DeriveKeyMaterial(password, salt []byte, iterations, length int) ([]byte, error) {
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: iteration count must be positive, got %d",
			walleterr.ErrValidation, iterations)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", walleterr.ErrValidation)
	}
	return pbkdf2.Key(password, salt, iterations, length, sha256.New), nil
}

// Encryptor provides authenticated encryption under a single key
type Encryptor struct {
	key  []byte
	aead cipher.AEAD
}

// NewEncryptor creates a new encryptor with a private copy of key
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d",
			walleterr.ErrValidation, KeySize, len(key))
	}

	own := make([]byte, KeySize)
	copy(own, key)

	block, err := aes.NewCipher(own)
	if err != nil {
		ClearBytes(own)
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		ClearBytes(own)
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{key: own, aead: gcm}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM under a fresh random IV.
// The authentication tag is appended to the returned ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (iv, ciphertext []byte, err error) {
	if e.aead == nil {
		return nil, nil, fmt.Errorf("%w: encryptor destroyed", walleterr.ErrValidation)
	}

	iv, err = GenerateRandom(IVSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return iv, e.aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt authenticates and decrypts ciphertext. Any authentication failure
// yields walleterr.ErrDecryption and nothing else.
func (e *Encryptor) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, fmt.Errorf("%w: encryptor destroyed", walleterr.ErrValidation)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d",
			walleterr.ErrValidation, IVSize, len(iv))
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", walleterr.ErrValidation)
	}
	if len(ciphertext) < TagSize {
		return nil, walleterr.ErrDecryption
	}

	plaintext, err := e.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, walleterr.ErrDecryption
	}

	return plaintext, nil
}

// Destroy clears the encryptor's key from memory
func (e *Encryptor) Destroy() {
	ClearBytes(e.key)
	e.aead = nil
}

// Encrypt is a one-shot helper around NewEncryptor and Encryptor.Encrypt.
func Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	enc, err := NewEncryptor(key)
	if err != nil {
		return nil, nil, err
	}
	defer enc.Destroy()

	return enc.Encrypt(plaintext)
}

// Decrypt is a one-shot helper around NewEncryptor and Encryptor.Decrypt.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	enc, err := NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	defer enc.Destroy()

	return enc.Decrypt(iv, ciphertext)
}

// HMAC returns HMAC-SHA256(key, payload)
func HMAC(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyHMAC recomputes the MAC over payload and compares it in constant time
func VerifyHMAC(key, payload, expected []byte) bool {
	return ConstantTimeCompare(HMAC(key, payload), expected)
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateRandom generates n random bytes
func GenerateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
