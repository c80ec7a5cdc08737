package sync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"

	"synkronus-host/internal/domain"
)

const saltSize = 16

// Vault stores the sync API token on disk, encrypted with AES-256-GCM
// under an Argon2id key derived from the device passphrase. The salt is
// persisted with the ciphertext so the token survives restarts.
type Vault struct {
	path       string
	passphrase string
}

func NewVault(path, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, domain.NewDomainError("Vault.New", domain.ErrInvalidInput, "passphrase must not be empty")
	}
	return &Vault{path: path, passphrase: passphrase}, nil
}

// Store encrypts token and writes it to the vault file.
func (v *Vault) Store(token string) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := v.cipher(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(token), nil)
	blob := append(append(salt, nonce...), sealed...)
	encoded := base64.StdEncoding.EncodeToString(blob)

	if err := os.WriteFile(v.path, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return nil
}

// Load reads and decrypts the stored token. A missing vault file
// returns an empty token without error, meaning the device has not been
// provisioned yet.
func (v *Vault) Load() (string, error) {
	encoded, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read vault: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return "", domain.NewDomainError("Vault.Load", domain.ErrDecryption, "vault file corrupted")
	}
	if len(blob) < saltSize {
		return "", domain.NewDomainError("Vault.Load", domain.ErrDecryption, "vault file truncated")
	}
	salt, rest := blob[:saltSize], blob[saltSize:]

	gcm, err := v.cipher(salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", domain.NewDomainError("Vault.Load", domain.ErrDecryption, "vault file truncated")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	token, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", domain.NewDomainError("Vault.Load", domain.ErrDecryption, "wrong passphrase or corrupted vault")
	}
	return string(token), nil
}

func (v *Vault) cipher(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(v.passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
