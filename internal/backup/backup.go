// Package backup encodes the wallet secret into a password protected,
// integrity checked JSON envelope that can be stored anywhere.
//
// The password is stretched with PBKDF2-HMAC-SHA256 into 64 bytes. The first
// half encrypts the secret with AES-256-GCM, the second half keys an
// HMAC-SHA256 over the envelope with its mac field left out. Import checks
// that MAC before it decrypts anything, so tampering with unencrypted fields
// such as network is caught too.
package backup

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/walleterr"
)

const (
	Version         = 1
	CipherAESGCM    = "AES-256-GCM"
	KDFNamePBKDF2   = "PBKDF2"
	KDFHashSHA256   = "SHA-256"
	MACAlgoHMAC256  = "HMAC-SHA256"
	MinIterations   = 1
	MaxIterations   = 10_000_000
	derivedKeyBytes = 2 * crypto.KeySize
)

// KDF describes how the envelope keys were derived.
type KDF struct {
	Name       string `json:"name"`
	Hash       string `json:"hash"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
}

// Envelope is the serialized backup. Binary fields are standard base64.
type Envelope struct {
	Version    int    `json:"version"`
	Cipher     string `json:"cipher"`
	KDF        KDF    `json:"kdf"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	CreatedAt  string `json:"createdAt"`
	Network    string `json:"network"`
	MAC        string `json:"mac,omitempty"`
	MACAlgo    string `json:"macAlgo"`
}

// Contents is what Import recovers from an envelope.
type Contents struct {
	Secret     []byte
	Network    string
	CreatedAt  time.Time
	Iterations int
}

// Wipe zeroes the recovered secret.
func (c *Contents) Wipe() {
	crypto.ClearBytes(c.Secret)
}

// canonical returns the bytes covered by the MAC.
func (e Envelope) canonical() ([]byte, error) {
	e.MAC = ""
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// splitKeys derives the encryption and MAC keys. The caller clears both.
func splitKeys(password, salt []byte, iterations int) (encKey, macKey []byte, err error) {
	material, err := crypto.DeriveKeyMaterial(password, salt, iterations, derivedKeyBytes)
	if err != nil {
		return nil, nil, err
	}
	return material[:crypto.KeySize], material[crypto.KeySize:], nil
}

// Export seals secret under password. An iteration count of zero selects
// crypto.DefaultIterations; the count actually used is recorded.
func Export(password, secret []byte, iterations int, network string) (string, error) {
	return export(password, secret, iterations, network, time.Now())
}

func export(password, secret []byte, iterations int, network string,
	now time.Time) (string, error) {

	if len(password) == 0 {
		return "", fmt.Errorf("%w: backup password required",
			walleterr.ErrValidation)
	}
	if len(secret) == 0 {
		return "", fmt.Errorf("%w: nothing to back up", walleterr.ErrValidation)
	}
	if iterations == 0 {
		iterations = crypto.DefaultIterations
	}
	if iterations < MinIterations || iterations > MaxIterations {
		return "", fmt.Errorf("%w: iteration count %d out of range",
			walleterr.ErrValidation, iterations)
	}

	salt, err := crypto.GenerateRandom(crypto.SaltSize)
	if err != nil {
		return "", err
	}
	encKey, macKey, err := splitKeys(password, salt, iterations)
	if err != nil {
		return "", err
	}
	defer crypto.ClearBytes(encKey)
	defer crypto.ClearBytes(macKey)

	iv, ciphertext, err := crypto.Encrypt(encKey, secret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt backup: %w", err)
	}

	env := Envelope{
		Version: Version,
		Cipher:  CipherAESGCM,
		KDF: KDF{
			Name:       KDFNamePBKDF2,
			Hash:       KDFHashSHA256,
			Iterations: iterations,
			Salt:       base64.StdEncoding.EncodeToString(salt),
		},
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt:  now.UTC().Format(time.RFC3339Nano),
		Network:    network,
		MACAlgo:    MACAlgoHMAC256,
	}

	payload, err := env.canonical()
	if err != nil {
		return "", err
	}
	env.MAC = base64.StdEncoding.EncodeToString(crypto.HMAC(macKey, payload))

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	log.Debugf("Exported backup (%d iterations, network %s)", iterations, network)
	return string(data), nil
}

// Import authenticates envelope with password and returns its contents. A
// wrong password and a modified envelope both fail with ErrIntegrity.
func Import(envelope string, password []byte) (*Contents, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: backup password required",
			walleterr.ErrValidation)
	}

	var env Envelope
	dec := json.NewDecoder(bytes.NewReader([]byte(envelope)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: malformed backup envelope: %v",
			walleterr.ErrValidation, err)
	}

	// The iteration count is bounded before any work is done with it.
	if env.KDF.Iterations < MinIterations || env.KDF.Iterations > MaxIterations {
		return nil, fmt.Errorf("%w: iteration count %d out of range",
			walleterr.ErrValidation, env.KDF.Iterations)
	}
	salt, err := base64.StdEncoding.DecodeString(env.KDF.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("%w: malformed salt", walleterr.ErrValidation)
	}

	encKey, macKey, err := splitKeys(password, salt, env.KDF.Iterations)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(encKey)
	defer crypto.ClearBytes(macKey)

	mac, err := base64.StdEncoding.DecodeString(env.MAC)
	if err != nil {
		mac = nil
	}
	payload, err := env.canonical()
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyHMAC(macKey, payload, mac) {
		return nil, fmt.Errorf("%w: backup MAC mismatch", walleterr.ErrIntegrity)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, env.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed createdAt: %v",
			walleterr.ErrValidation, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed iv", walleterr.ErrValidation)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", walleterr.ErrValidation)
	}

	secret, err := crypto.Decrypt(encKey, iv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt backup: %v",
			walleterr.ErrIntegrity, err)
	}

	log.Debugf("Imported backup created %s", env.CreatedAt)
	return &Contents{
		Secret:     secret,
		Network:    env.Network,
		CreatedAt:  createdAt,
		Iterations: env.KDF.Iterations,
	}, nil
}

func (e Envelope) validate() error {
	switch {
	case e.Version != Version:
		return fmt.Errorf("%w: unsupported backup version %d",
			walleterr.ErrValidation, e.Version)
	case e.Cipher != CipherAESGCM:
		return fmt.Errorf("%w: unsupported cipher %q",
			walleterr.ErrValidation, e.Cipher)
	case e.KDF.Name != KDFNamePBKDF2 || e.KDF.Hash != KDFHashSHA256:
		return fmt.Errorf("%w: unsupported kdf %s/%s",
			walleterr.ErrValidation, e.KDF.Name, e.KDF.Hash)
	case e.MACAlgo != MACAlgoHMAC256:
		return fmt.Errorf("%w: unsupported mac %q",
			walleterr.ErrValidation, e.MACAlgo)
	}
	return nil
}
