package secrets

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("secret not found")

// SecretStorage is implemented by a provider if the provider gives a mechanism for storing arbitrary secrets.
type SecretStorage interface {
	// SetSecret replaces the secret stored under name. Writing an empty
	// secret is how callers drop a record; GetSecret then reports ErrNotFound.
	SetSecret(name string, secret []byte) error
	// GetSecret returns ErrNotFound when nothing is stored under name.
	GetSecret(name string) (secret []byte, err error)
}

// SymmetricKeyProvider is implemented by a provider that provides encryption-as-a-service.
// Its use is opinionated about the provider in the following ways:
//   - A root key will be created or referenced and never leaves the provider
//   - the root key will be used to encrypt a "data key"
//   - the data key is given to the client (us) for encrypting data
//   - the client shall store only the encrypted data key
//   - the client shall remove the plaintext data key from memory as soon as it is no longer needed
//   - the client will request the data key be decrypted by the provider if it is needed subsequently.
type SymmetricKeyProvider interface {
	// GenerateDataKey makes a data key from a root key id: if "", a root key is created. It is okay to generate many data keys.
	GenerateDataKey(rootKeyID string) (*SymmetricKey, error)
	// DecryptDataKey decrypts the encrypted data key on the provider given a root key id
	DecryptDataKey(rootKeyID string, keyData []byte) (*SymmetricKey, error)
}

// GetSecret resolves a secret reference of the form "<storage>:<name>"
// using the named storage, eg "env:VAULT_TOKEN" or "file:/run/token". A
// reference without a storage prefix is returned as is.
func GetSecret(ref string, storage map[string]SecretStorage) (string, error) {
	kind, name, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}

	store, found := storage[kind]
	if !found {
		// not a reference to a known storage, eg a URL
		return ref, nil
	}

	b, err := store.GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("resolving secret %q from %s storage: %w", name, kind, err)
	}

	return strings.TrimSpace(string(b)), nil
}
