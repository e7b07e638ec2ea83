// Package secrets resolves tenant API credentials. Secrets are either
// encrypted at rest in the local database or held externally in Vault;
// the aggregator only ever sees the decrypted value.
package secrets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a tenant has no stored secret.
var ErrNotFound = errors.New("tenant secret not found")

// Source resolves the decrypted API secret for one tenant connection.
// name is the tenant's unique name; encrypted is the locally stored
// ciphertext, which external backends ignore.
type Source interface {
	Secret(ctx context.Context, name, encrypted string) (string, error)
}

// LocalSource decrypts secrets stored alongside the tenant row.
type LocalSource struct {
	cipher *Cipher
}

// NewLocalSource builds a Source over database-resident ciphertexts.
func NewLocalSource(cipher *Cipher) *LocalSource {
	return &LocalSource{cipher: cipher}
}

func (s *LocalSource) Secret(_ context.Context, _, encrypted string) (string, error) {
	if encrypted == "" {
		return "", ErrNotFound
	}
	return s.cipher.Decrypt(encrypted)
}
