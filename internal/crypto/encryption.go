package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "chatcontext-cache-encryption"

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// EncryptionService seals per-user payloads with AES-256-GCM.
// Each user gets a key derived from the master key with HKDF, and the user ID
// is bound as additional data so a row copied to another user fails to open.
type EncryptionService struct {
	masterKey []byte
	aeads     sync.Map // userID -> cipher.AEAD
}

// NewEncryptionService creates a new encryption service.
// masterKeyHex must be 64 hex characters (32 bytes).
func NewEncryptionService(masterKeyHex string) (*EncryptionService, error) {
	if masterKeyHex == "" {
		return nil, errors.New("encryption master key is required")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes (64 hex characters), got %d bytes", len(masterKey))
	}

	return &EncryptionService{masterKey: masterKey}, nil
}

// DeriveUserKey derives the AES-256 key for userID
func (e *EncryptionService) DeriveUserKey(userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("user ID is required for key derivation")
	}

	reader := hkdf.New(sha256.New, e.masterKey, []byte(userID), []byte(keyInfo))
	userKey := make([]byte, 32)
	if _, err := io.ReadFull(reader, userKey); err != nil {
		return nil, fmt.Errorf("failed to derive user key: %w", err)
	}
	return userKey, nil
}

func (e *EncryptionService) aeadFor(userID string) (cipher.AEAD, error) {
	if cached, ok := e.aeads.Load(userID); ok {
		return cached.(cipher.AEAD), nil
	}

	key, err := e.DeriveUserKey(userID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	actual, _ := e.aeads.LoadOrStore(userID, gcm)
	return actual.(cipher.AEAD), nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input encrypts to "".
func (e *EncryptionService) Encrypt(userID string, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", nil
	}

	gcm, err := e.aeadFor(userID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(userID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for the same user
func (e *EncryptionService) Decrypt(userID string, ciphertextB64 string) ([]byte, error) {
	if ciphertextB64 == "" {
		return nil, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := e.aeadFor(userID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and encrypts it for userID
func (e *EncryptionService) EncryptJSON(userID string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return e.Encrypt(userID, data)
}

// DecryptJSON decrypts ciphertext for userID into v
func (e *EncryptionService) DecryptJSON(userID string, ciphertext string, v interface{}) error {
	data, err := e.Decrypt(userID, ciphertext)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

// GenerateMasterKey generates a new random 32-byte master key (for setup)
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
