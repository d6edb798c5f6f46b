package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// vaultKeyInfo binds derived keys to their purpose so the same master secret
// can safely serve other derivations later.
const vaultKeyInfo = "hmrc-connect/token-vault/v1"

// Vault seals and opens token material with AES-256-GCM. The data key is
// derived from the master secret with HKDF-SHA256; a fresh random nonce is
// generated per Seal and must be stored alongside the ciphertext.
type Vault struct {
	aead cipher.AEAD
}

func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("vault master key must be at least 32 bytes, got %d", len(masterKey))
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte(vaultKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext, returning ciphertext (with the GCM auth tag
// appended) and the nonce used.
func (v *Vault) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext produced by Seal. A wrong key, wrong nonce, or
// tampered ciphertext fails authentication.
func (v *Vault) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plaintext, nil
}
