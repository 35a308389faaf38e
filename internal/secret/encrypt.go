// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package secret encrypts credential material (MAAS api_key, OOB BMC
// passwords) for storage in the Task Store and redacts secrets before
// they reach a log line.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
)

// Encryptor performs AES-GCM encryption of credential values. Each call to
// Encrypt draws a fresh random salt and derives a one-off key from the
// operator passphrase via PBKDF2, rather than deriving a single key at
// construction time: a passphrase reused across many stored credentials
// must not leave every ciphertext keyed off the same fixed salt.
type Encryptor struct {
	passphrase []byte
}

// NewEncryptor returns an Encryptor bound to passphrase. No key is
// derived yet; each Encrypt/Decrypt call derives its own.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("secret: passphrase cannot be empty")
	}
	return &Encryptor{passphrase: []byte(passphrase)}, nil
}

func (e *Encryptor) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(e.passphrase, salt, iterations, keySize, sha256.New)
}

// Encrypt encrypts plaintext and returns a base64-encoded
// salt||nonce||ciphertext blob.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("secret: plaintext cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("secret: generate salt: %w", err)
	}

	block, err := aes.NewCipher(e.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("secret: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret: create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	combined := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(combined, salt)
	copy(combined[len(salt):], nonce)
	copy(combined[len(salt)+len(nonce):], ciphertext)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", errors.New("secret: encrypted text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("secret: decode base64: %w", err)
	}
	if len(combined) < saltSize+nonceSize {
		return "", errors.New("secret: encrypted text too short")
	}

	salt := combined[:saltSize]
	rest := combined[saltSize:]

	block, err := aes.NewCipher(e.deriveKey(salt))
	if err != nil {
		return "", fmt.Errorf("secret: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret: create gcm: %w", err)
	}

	if len(rest) < gcm.NonceSize() {
		return "", errors.New("secret: encrypted text too short")
	}

	nonce := rest[:gcm.NonceSize()]
	ciphertext := rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted is a heuristic for whether s looks like an Encryptor output,
// used by the store to avoid double-encrypting a value on update.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= saltSize+nonceSize+16
}
