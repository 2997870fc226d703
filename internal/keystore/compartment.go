package keystore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/secrets"
)

const (
	// KeysDir is where the key volume of a vault is mounted.
	KeysDir    = "/vault/keys"
	archiveDir = KeysDir + "/archive"
	masterPath = KeysDir + "/" + ActiveKeyName
)

// CompartmentStore keeps the keys of a vault on the vault's own key volume:
// the active key in master.key and the archive under archive/.
type CompartmentStore struct {
	substrate substrate.Substrate
	wrapper   *Wrapper
	locks     vaultLocks
	now       func() time.Time
}

var _ KeyStore = &CompartmentStore{}

// NewCompartmentStore returns a store that reaches each vault through sub.
// wrapper may be nil.
func NewCompartmentStore(sub substrate.Substrate, wrapper *Wrapper) *CompartmentStore {
	return &CompartmentStore{
		substrate: sub,
		wrapper:   wrapper,
		now:       time.Now,
	}
}

func (s *CompartmentStore) readKey(ctx context.Context, vaultID, remotePath, name string, status Status) (*Key, []byte, error) {
	raw, err := s.substrate.CopyOut(ctx, vaultID, remotePath)
	if err != nil {
		return nil, nil, err
	}

	material, created, err := s.wrapper.decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", remotePath, err)
	}

	return newKey(name, status, material, created), raw, nil
}

func (s *CompartmentStore) ActiveKey(ctx context.Context, vaultID string) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	key, _, err := s.readKey(ctx, vaultID, masterPath, ActiveKeyName, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("active key of %s: %w", vaultID, err)
	}

	return key, nil
}

func (s *CompartmentStore) listArchive(ctx context.Context, vaultID string) ([]string, error) {
	names, err := s.substrate.ListDirectory(ctx, vaultID, archiveDir)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}

	return archiveNames(names), nil
}

func (s *CompartmentStore) SetActiveKey(ctx context.Context, vaultID string, key *secrets.SymmetricKey) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()

	encoded, err := s.wrapper.encode(key, now)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}

	current, raw, err := s.readKey(ctx, vaultID, masterPath, ActiveKeyName, StatusActive)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		current = nil
	case err != nil:
		return nil, fmt.Errorf("reading active key of %s: %w", vaultID, err)
	case current.ID == key.ID():
		// committed by an earlier attempt
		current.Destroy()
		return nil, nil
	}

	var archivePath string

	if current != nil {
		if err := substrate.MkdirAll(ctx, s.substrate, vaultID, archiveDir); err != nil {
			return nil, fmt.Errorf("creating key archive: %w", err)
		}

		existing, err := s.listArchive(ctx, vaultID)
		if err != nil {
			return nil, fmt.Errorf("listing key archive: %w", err)
		}

		current.Name = archiveName(now, existing)
		current.Status = StatusArchived
		archivePath = path.Join(archiveDir, current.Name)

		if err := s.writeFile(ctx, vaultID, archivePath, raw); err != nil {
			current.Destroy()
			return nil, fmt.Errorf("archiving key %s: %w", current.ID, err)
		}
	}

	if err := s.writeFile(ctx, vaultID, masterPath, encoded); err != nil {
		// the rename may have happened even though it reported an error
		switch s.activeKeyID(ctx, vaultID) {
		case key.ID():
			logging.Warnf("key of %s committed despite error: %v", vaultID, err)
			return current, nil
		case "":
			// unknown outcome, the archive copy keeps the old key reachable
		default:
			if archivePath != "" {
				if rerr := substrate.RemoveFiles(ctx, s.substrate, vaultID, archivePath); rerr != nil {
					logging.Errorf("removing archive copy %s of %s: %v", archivePath, vaultID, rerr)
				}
			}
		}

		current.Destroy()

		return nil, fmt.Errorf("writing active key of %s: %w", vaultID, err)
	}

	return current, nil
}

// activeKeyID returns the id of the key in master.key, or "" when it cannot
// be read.
func (s *CompartmentStore) activeKeyID(ctx context.Context, vaultID string) string {
	active, _, err := s.readKey(context.WithoutCancel(ctx), vaultID, masterPath, ActiveKeyName, StatusActive)
	if err != nil {
		return ""
	}
	defer active.Destroy()

	return active.ID
}

// writeFile replaces remotePath through a temporary file and a rename.
func (s *CompartmentStore) writeFile(ctx context.Context, vaultID, remotePath string, content []byte) error {
	tmp := remotePath + ".tmp"

	if err := s.substrate.CopyIn(ctx, vaultID, tmp, content); err != nil {
		return err
	}

	if err := substrate.Rename(ctx, s.substrate, vaultID, tmp, remotePath); err != nil {
		if rerr := substrate.RemoveFiles(ctx, s.substrate, vaultID, tmp); rerr != nil {
			logging.Warnf("removing %s of %s: %v", tmp, vaultID, rerr)
		}

		return err
	}

	return nil
}

func (s *CompartmentStore) Key(ctx context.Context, vaultID, keyID string) (*Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	active, _, err := s.readKey(ctx, vaultID, masterPath, ActiveKeyName, StatusActive)
	switch {
	case err == nil && active.ID == keyID:
		return active, nil
	case err == nil:
		active.Destroy()
	case !errors.Is(err, internal.ErrNotFound):
		return nil, fmt.Errorf("active key of %s: %w", vaultID, err)
	}

	names, err := s.listArchive(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("listing key archive: %w", err)
	}

	// newest first, since recent keys are the likeliest match
	for i := len(names) - 1; i >= 0; i-- {
		key, _, err := s.readKey(ctx, vaultID, path.Join(archiveDir, names[i]), names[i], StatusArchived)
		if err != nil {
			return nil, fmt.Errorf("archived key of %s: %w", vaultID, err)
		}

		if key.ID == keyID {
			return key, nil
		}

		key.Destroy()
	}

	return nil, fmt.Errorf("key %s of %s: %w", keyID, vaultID, internal.ErrNotFound)
}

func (s *CompartmentStore) ArchivedKeys(ctx context.Context, vaultID string) ([]Key, error) {
	lock := s.locks.get(vaultID)
	lock.RLock()
	defer lock.RUnlock()

	names, err := s.listArchive(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("listing key archive: %w", err)
	}

	keys := make([]Key, 0, len(names))

	for _, name := range names {
		key, _, err := s.readKey(ctx, vaultID, path.Join(archiveDir, name), name, StatusArchived)
		if err != nil {
			return nil, fmt.Errorf("archived key of %s: %w", vaultID, err)
		}

		keys = append(keys, *key)
	}

	return keys, nil
}

func (s *CompartmentStore) Purge(ctx context.Context, vaultID string) error {
	lock := s.locks.get(vaultID)
	lock.Lock()
	defer lock.Unlock()

	err := substrate.RemoveAll(ctx, s.substrate, vaultID, masterPath, masterPath+".tmp", archiveDir)
	if err != nil {
		return fmt.Errorf("purging keys of %s: %w", vaultID, err)
	}

	return nil
}
