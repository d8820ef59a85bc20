package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"streamcast/internal/models"
)

// Sealer encrypts credential bundles before they reach durable storage. The
// key is derived from an operator-supplied passphrase; an empty passphrase
// disables sealing and stores plain JSON, which is only acceptable for local
// development.
type Sealer struct {
	passphrase []byte
}

// NewSealer builds a sealer for the given passphrase.
func NewSealer(passphrase string) *Sealer {
	trimmed := strings.TrimSpace(passphrase)
	if trimmed == "" {
		return &Sealer{}
	}
	return &Sealer{passphrase: []byte(trimmed)}
}

// Enabled reports whether credential material will actually be encrypted.
func (s *Sealer) Enabled() bool {
	return s != nil && len(s.passphrase) > 0
}

// Seal serialises and, when enabled, encrypts a credential bundle.
func (s *Sealer) Seal(bundle models.CredentialBundle) (string, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	if !s.Enabled() {
		return string(payload), nil
	}

	salt := make([]byte, credentialKeySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := s.cipherFor(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, payload, nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return sealedCredentialV1Prefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open reverses Seal. Plain JSON payloads are accepted regardless of whether
// sealing is enabled so that stores written before a passphrase was configured
// remain readable.
func (s *Sealer) Open(stored string) (models.CredentialBundle, error) {
	var bundle models.CredentialBundle
	if !strings.HasPrefix(stored, sealedCredentialV1Prefix) {
		if err := json.Unmarshal([]byte(stored), &bundle); err != nil {
			return models.CredentialBundle{}, fmt.Errorf("decode credentials: %w", err)
		}
		return bundle, nil
	}
	if !s.Enabled() {
		return models.CredentialBundle{}, fmt.Errorf("credentials are sealed but no credential key is configured")
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedCredentialV1Prefix))
	if err != nil {
		return models.CredentialBundle{}, fmt.Errorf("decode sealed credentials: %w", err)
	}
	if len(blob) < credentialKeySaltLength {
		return models.CredentialBundle{}, fmt.Errorf("sealed credentials truncated")
	}
	salt := blob[:credentialKeySaltLength]
	gcm, err := s.cipherFor(salt)
	if err != nil {
		return models.CredentialBundle{}, err
	}
	rest := blob[credentialKeySaltLength:]
	if len(rest) < gcm.NonceSize() {
		return models.CredentialBundle{}, fmt.Errorf("sealed credentials truncated")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	payload, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return models.CredentialBundle{}, fmt.Errorf("open sealed credentials: %w", err)
	}
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return models.CredentialBundle{}, fmt.Errorf("decode credentials: %w", err)
	}
	return bundle, nil
}

func (s *Sealer) cipherFor(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.passphrase, salt, credentialKeyIterations, credentialKeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialise cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initialise gcm: %w", err)
	}
	return gcm, nil
}
