// Package keystore keeps the symmetric keys of every vault: one active key,
// and every key it replaced, archived.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/infrahq/lockbox/secrets"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

const (
	ActiveKeyName = "master.key"

	archivePrefix     = "key_"
	archiveSuffix     = ".old"
	archiveTimeLayout = "20060102_150405"
)

type Key struct {
	// ID is the fingerprint of the key material, as stored in every payload
	// the key sealed.
	ID        string
	Name      string
	Status    Status
	CreatedAt time.Time

	material *secrets.SymmetricKey
}

// SymmetricKey returns the key for sealing and unsealing.
func (k *Key) SymmetricKey() *secrets.SymmetricKey {
	return k.material
}

// Destroy wipes the key material.
func (k *Key) Destroy() {
	if k != nil && k.material != nil {
		k.material.Destroy()
	}
}

type KeyStore interface {
	// ActiveKey returns the key new payloads are sealed with. It returns an
	// error wrapping internal.ErrNotFound when the vault has no key.
	ActiveKey(ctx context.Context, vaultID string) (*Key, error)
	// SetActiveKey makes key the active key in one atomic step. The key it
	// replaces is archived and returned; archived is nil when there was no
	// active key or when key is already active. Readers see either the old
	// or the new key, never neither. When an error leaves the outcome
	// unknown, the old key stays reachable through Key.
	SetActiveKey(ctx context.Context, vaultID string, key *secrets.SymmetricKey) (archived *Key, err error)
	// Key returns the active or archived key with the given id.
	Key(ctx context.Context, vaultID, keyID string) (*Key, error)
	// ArchivedKeys returns the archived keys, oldest first.
	ArchivedKeys(ctx context.Context, vaultID string) ([]Key, error)
	// Purge removes every key of the vault.
	Purge(ctx context.Context, vaultID string) error
}

// record is the stored form of one key.
type record struct {
	Key       []byte    `json:"key"`
	Algorithm string    `json:"alg"`
	Created   time.Time `json:"created"`
	RootKeyID string    `json:"rkid,omitempty"`
	// DataKey is the encrypted data key that wraps Key, when the store
	// wraps keys with a key provider.
	DataKey []byte `json:"dk,omitempty"`
}

// Wrapper encrypts stored keys with data keys from a key provider. A nil
// *Wrapper stores keys unwrapped.
type Wrapper struct {
	provider secrets.SymmetricKeyProvider

	mu        sync.Mutex
	rootKeyID string
}

// NewWrapper wraps keys under rootKeyID. An empty rootKeyID lets the
// provider create a root key on first use, which is reused afterwards.
func NewWrapper(provider secrets.SymmetricKeyProvider, rootKeyID string) *Wrapper {
	return &Wrapper{provider: provider, rootKeyID: rootKeyID}
}

func (w *Wrapper) wrap(material []byte) (sealed, dataKey []byte, rootKeyID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dk, err := w.provider.GenerateDataKey(w.rootKeyID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("generating data key: %w", err)
	}
	defer dk.Destroy()

	w.rootKeyID = dk.RootKeyID

	sealed, err = secrets.Seal(dk, material)
	if err != nil {
		return nil, nil, "", err
	}

	return sealed, dk.Encrypted, dk.RootKeyID, nil
}

func (w *Wrapper) encode(key *secrets.SymmetricKey, created time.Time) ([]byte, error) {
	material := key.Material()
	defer memguard.WipeBytes(material)

	rec := record{
		Key:       material,
		Algorithm: key.Algorithm,
		Created:   created.UTC(),
	}

	if w != nil {
		sealed, dataKey, rootKeyID, err := w.wrap(material)
		if err != nil {
			return nil, err
		}

		rec.Key, rec.DataKey, rec.RootKeyID = sealed, dataKey, rootKeyID
	}

	return json.Marshal(rec)
}

func (w *Wrapper) decode(b []byte) (*secrets.SymmetricKey, time.Time, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding key record: %w", err)
	}

	material := rec.Key

	if len(rec.DataKey) > 0 {
		if w == nil {
			return nil, time.Time{}, fmt.Errorf("key is wrapped by root key %q but no key provider is configured", rec.RootKeyID)
		}

		dk, err := w.provider.DecryptDataKey(rec.RootKeyID, rec.DataKey)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("decrypting data key: %w", err)
		}
		defer dk.Destroy()

		material, err = secrets.Unseal(dk, rec.Key)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("unwrapping key: %w", err)
		}
		defer memguard.WipeBytes(material)
	}

	key, err := secrets.NewSymmetricKey(material)
	if err != nil {
		return nil, time.Time{}, err
	}

	if rec.Algorithm != "" {
		key.Algorithm = rec.Algorithm
	}

	return key, rec.Created, nil
}

func newKey(name string, status Status, material *secrets.SymmetricKey, created time.Time) *Key {
	return &Key{
		ID:        material.ID(),
		Name:      name,
		Status:    status,
		CreatedAt: created,
		material:  material,
	}
}

// archiveName returns the name for a key archived at now. Names sort in
// archive order and never repeat: when now is not after the newest archived
// name, the newest time plus one second is used.
func archiveName(now time.Time, existing []string) string {
	t := now.UTC().Truncate(time.Second)

	for _, name := range existing {
		if at, ok := archiveTime(name); ok && !t.After(at) {
			t = at.Add(time.Second)
		}
	}

	return archivePrefix + t.Format(archiveTimeLayout) + archiveSuffix
}

func archiveTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, false
	}

	ts := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)

	t, err := time.ParseInLocation(archiveTimeLayout, ts, time.UTC)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// archiveNames returns the names of archived keys in names, oldest first.
func archiveNames(names []string) []string {
	var result []string

	for _, name := range names {
		if _, ok := archiveTime(name); ok {
			result = append(result, name)
		}
	}

	sort.Strings(result)

	return result
}

// vaultLocks hands out one reader/writer lock per vault.
type vaultLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func (l *vaultLocks) get(vaultID string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = map[string]*sync.RWMutex{}
	}

	lock, ok := l.locks[vaultID]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[vaultID] = lock
	}

	return lock
}
