package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/secrets"
)

// KeyringStore keeps the keys of each vault as one keyring record in a
// secrets.SecretStorage, under "<vaultID>/keyring". Every change replaces
// the whole record.
type KeyringStore struct {
	storage secrets.SecretStorage
	wrapper *Wrapper
	locks   vaultLocks
	now     func() time.Time
}

var _ KeyStore = &KeyringStore{}

// NewKeyringStore returns a store backed by storage. wrapper may be nil.
func NewKeyringStore(storage secrets.SecretStorage, wrapper *Wrapper) *KeyringStore {
	return &KeyringStore{
		storage: storage,
		wrapper: wrapper,
		now:     time.Now,
	}
}

type keyring struct {
	Active   json.RawMessage `json:"active"`
	Archived []archivedEntry `json:"archived,omitempty"`
}

type archivedEntry struct {
	Name   string          `json:"name"`
	Record json.RawMessage `json:"record"`
}

func keyringName(vaultID string) string {
	return vaultID + "/keyring"
}

// load returns nil when the vault has no keyring.
func (s *KeyringStore) load(vaultID string) (*keyring, error) {
	b, err := s.storage.GetSecret(keyringName(vaultID))
	switch {
	case errors.Is(err, secrets.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("reading keyring of %s: %w", vaultID, err)
	}

	var ring *keyring
	if err := json.Unmarshal(b, &ring); err != nil {
		return nil, fmt.Errorf("decoding keyring of %s: %w", vaultID, err)
	}

	if ring == nil || len(ring.Active) == 0 {
		return nil, nil
	}

	return ring, nil
}

func (s *KeyringStore) decode(raw []byte, name string, status Status) (*Key, error) {
	material, created, err := s.wrapper.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", name, err)
	}

	return newKey(name, status, material, created), nil
}

func (s *KeyringStore) ActiveKey(ctx context.Context, vaultID string) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	ring, err := s.load(vaultID)
	if err != nil {
		return nil, err
	}

	if ring == nil {
		return nil, fmt.Errorf("active key of %s: %w", vaultID, internal.ErrNotFound)
	}

	return s.decode(ring.Active, ActiveKeyName, StatusActive)
}

func (s *KeyringStore) SetActiveKey(ctx context.Context, vaultID string, key *secrets.SymmetricKey) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.Lock()
	defer lock.Unlock()

	ring, err := s.load(vaultID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	encoded, err := s.wrapper.encode(key, now)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}

	var archived *Key

	if ring == nil {
		ring = &keyring{}
	} else {
		existing := make([]string, 0, len(ring.Archived))
		for _, entry := range ring.Archived {
			existing = append(existing, entry.Name)
		}

		name := archiveName(now, existing)

		archived, err = s.decode(ring.Active, name, StatusArchived)
		if err != nil {
			return nil, err
		}

		if archived.ID == key.ID() {
			// committed by an earlier attempt
			archived.Destroy()
			return nil, nil
		}

		ring.Archived = append(ring.Archived, archivedEntry{Name: name, Record: ring.Active})
	}

	ring.Active = encoded

	b, err := json.Marshal(ring)
	if err != nil {
		archived.Destroy()
		return nil, err
	}

	if err := s.storage.SetSecret(keyringName(vaultID), b); err != nil {
		archived.Destroy()
		return nil, fmt.Errorf("writing keyring of %s: %w", vaultID, err)
	}

	return archived, nil
}

func (s *KeyringStore) Key(ctx context.Context, vaultID, keyID string) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	ring, err := s.load(vaultID)
	if err != nil {
		return nil, err
	}

	if ring != nil {
		key, err := s.decode(ring.Active, ActiveKeyName, StatusActive)
		if err != nil {
			return nil, err
		}

		if key.ID == keyID {
			return key, nil
		}

		key.Destroy()

		for i := len(ring.Archived) - 1; i >= 0; i-- {
			entry := ring.Archived[i]

			key, err := s.decode(entry.Record, entry.Name, StatusArchived)
			if err != nil {
				return nil, err
			}

			if key.ID == keyID {
				return key, nil
			}

			key.Destroy()
		}
	}

	return nil, fmt.Errorf("key %s of %s: %w", keyID, vaultID, internal.ErrNotFound)
}

func (s *KeyringStore) ArchivedKeys(ctx context.Context, vaultID string) ([]Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	ring, err := s.load(vaultID)
	if err != nil || ring == nil {
		return nil, err
	}

	keys := make([]Key, 0, len(ring.Archived))

	for _, entry := range ring.Archived {
		key, err := s.decode(entry.Record, entry.Name, StatusArchived)
		if err != nil {
			return nil, err
		}

		keys = append(keys, *key)
	}

	return keys, nil
}

func (s *KeyringStore) Purge(ctx context.Context, vaultID string) error {
	lock := s.locks.get(vaultID)
	lock.Lock()
	defer lock.Unlock()

	// not every storage can delete, so an empty keyring marks a purged vault
	if err := s.storage.SetSecret(keyringName(vaultID), []byte("null")); err != nil {
		return fmt.Errorf("purging keyring of %s: %w", vaultID, err)
	}

	return nil
}
