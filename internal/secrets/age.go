// Package secrets encrypts company store credentials at rest using age.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"
)

var (
	// ErrNoRecipient is returned when no recipient is configured for encryption.
	ErrNoRecipient = errors.New("no age recipient configured for encryption")
	// ErrNoIdentity is returned when no identity is configured for decryption.
	ErrNoIdentity = errors.New("no age identity configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Config holds the age keys of a Sealer.
type Config struct {
	// Recipient is the age public key used to encrypt (age1...).
	Recipient string
	// Identity is the age private key used to decrypt (AGE-SECRET-KEY-1...).
	Identity string
}

// Sealer encrypts and decrypts credential blobs with age X25519 keys.
// The API process only needs the recipient; the worker needs the identity.
type Sealer struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// NewSealer creates a Sealer from cfg. Either key may be empty.
func NewSealer(cfg Config, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sealer{logger: logger}

	if cfg.Recipient != "" {
		recipient, err := age.ParseX25519Recipient(cfg.Recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient: %v", ErrInvalidKey, err)
		}
		s.recipient = recipient
	}

	if cfg.Identity != "" {
		identity, err := age.ParseX25519Identity(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid identity: %v", ErrInvalidKey, err)
		}
		s.identity = identity
		if s.recipient == nil {
			s.recipient = identity.Recipient()
		}
	}

	return s, nil
}

// Seal encrypts plaintext to the configured recipient.
func (s *Sealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return nil, ErrNoRecipient
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		s.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return buf.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (s *Sealer) Open(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		s.logger.Error("failed to create age decryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// CanSeal reports whether a recipient is configured.
func (s *Sealer) CanSeal() bool {
	return s != nil && s.recipient != nil
}

// CanOpen reports whether an identity is configured.
func (s *Sealer) CanOpen() bool {
	return s != nil && s.identity != nil
}

// GenerateKeyPair generates a new age key pair and returns the recipient and identity strings.
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}
	return id.Recipient().String(), id.String(), nil
}
