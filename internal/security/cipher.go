package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jmehdipour/erphub/internal/config"
	"github.com/jmehdipour/erphub/internal/model"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopePrefix    = "erphub.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

var (
	ErrEmptyKey        = errors.New("security: master key is required")
	ErrEmptyPlaintext  = errors.New("security: plaintext is required")
	ErrEmptyCiphertext = errors.New("security: ciphertext is required")
	ErrKeyMismatch     = errors.New("security: key id or version mismatch")
)

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher seals tenant secrets with a per-tenant key derived from one master key.
type Cipher struct {
	master  []byte
	keyID   string
	version int
}

func NewCipher(masterKey []byte, keyID string, version int) (*Cipher, error) {
	key := bytes.TrimSpace(masterKey)
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "master"
	}
	if version <= 0 {
		version = 1
	}
	return &Cipher{master: normalizeKey(key), keyID: keyID, version: version}, nil
}

func (c *Cipher) KeyID() string { return c.keyID }
func (c *Cipher) Version() int  { return c.version }

// Encrypt seals plaintext for one tenant. The tenant id is also bound as
// additional data, so an envelope copied to another tenant fails to open.
func (c *Cipher) Encrypt(tenantID int64, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	gcm, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, additionalData(tenantID))
	data, err := json.Marshal(envelope{
		KeyID:      c.keyID,
		Version:    c.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}

	return append([]byte(envelopePrefix), data...), nil
}

func (c *Cipher) Decrypt(tenantID int64, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	payload := string(ciphertext)
	if !strings.HasPrefix(payload, envelopePrefix) {
		return nil, fmt.Errorf("security: invalid ciphertext envelope prefix")
	}
	payload = strings.TrimPrefix(payload, envelopePrefix)

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("security: decode envelope: %w", err)
	}
	if env.KeyID != c.keyID || env.Version != c.version {
		return nil, fmt.Errorf("%w: got %s/v%d want %s/v%d", ErrKeyMismatch, env.KeyID, env.Version, c.keyID, c.version)
	}
	if env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported algorithm %q", env.Algorithm)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("security: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("security: decode ciphertext payload: %w", err)
	}

	gcm, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, additionalData(tenantID))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// SealCredentials JSON-encodes and encrypts account credentials.
func (c *Cipher) SealCredentials(tenantID int64, creds model.Credentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("security: encode credentials: %w", err)
	}
	return c.Encrypt(tenantID, raw)
}

func (c *Cipher) OpenCredentials(tenantID int64, sealed []byte) (model.Credentials, error) {
	raw, err := c.Decrypt(tenantID, sealed)
	if err != nil {
		return model.Credentials{}, err
	}
	var creds model.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return model.Credentials{}, fmt.Errorf("security: decode credentials: %w", err)
	}
	return creds, nil
}

// aead derives the tenant key: HKDF-SHA256(master, salt=key id, info=tenant).
func (c *Cipher) aead(tenantID int64) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, c.master, []byte(c.keyID), additionalData(tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("security: derive tenant key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func additionalData(tenantID int64) []byte {
	return []byte("tenant:" + strconv.FormatInt(tenantID, 10))
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

// HashToken returns the hex sha256 of a token; used to look up Meta verify
// tokens without storing them.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return fmt.Sprintf("%x", sum)
}

// NewCipherFromConfig builds the process cipher from the security section.
func NewCipherFromConfig(cfg config.SecurityConfig) (*Cipher, error) {
	return NewCipher([]byte(cfg.MasterKey), cfg.KeyID, cfg.KeyVersion)
}
