package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

func newGCM(ctx context.Context, encryptionKey string) (cipher.AEAD, error) {
	if encryptionKey == "" {
		log.Ctx(ctx).ErrorContext(ctx, "no credentials encryption key configured")
		return nil, errors.New("no encryption key configured")
	}
	key := []byte(encryptionKey)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return gcm, nil
}

// DecryptCredentials opens credentials sealed by EncryptCredentials. Empty input
// yields empty credentials.
func DecryptCredentials(ctx context.Context, encryptionKey string, encrypted []byte) (types.Credentials, error) {
	if len(encrypted) == 0 {
		return types.Credentials{}, nil
	}
	gcm, err := newGCM(ctx, encryptionKey)
	if err != nil {
		return types.Credentials{}, fmt.Errorf("cannot decrypt credentials: %w", err)
	}
	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted credentials", slog.Int("length", len(encrypted)))
		return types.Credentials{}, errors.New("malformed encrypted credentials")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt credentials", slog.Any("error", err))
		return types.Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds types.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return creds, nil
}

// EncryptCredentials seals creds with AES-256-GCM. The nonce is prepended to
// the ciphertext.
func EncryptCredentials(ctx context.Context, encryptionKey string, creds types.Credentials) ([]byte, error) {
	gcm, err := newGCM(ctx, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("cannot encrypt credentials: %w", err)
	}
	jsonBytes, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, jsonBytes, nil), nil
}
