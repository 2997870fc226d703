package vault

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/secrets"
	"github.com/infrahq/lockbox/uid"
)

// Store seals blobs into vaults and opens them again. Every operation holds
// the vault shared, so none of them overlaps a rotation.
type Store struct {
	substrate substrate.Substrate
	keys      keystore.KeyStore
	locks     *Locks
	audit     audit.Recorder
}

func NewStore(sub substrate.Substrate, keys keystore.KeyStore, locks *Locks, rec audit.Recorder) *Store {
	return &Store{
		substrate: sub,
		keys:      keys,
		locks:     locks,
		audit:     rec,
	}
}

// Upload seals content with the active key and stores it as name. An
// existing blob with the same name is replaced.
func (s *Store) Upload(ctx context.Context, vaultID, name string, content []byte) error {
	if err := ValidateBlobName(name); err != nil {
		return err
	}

	err := s.upload(ctx, vaultID, name, content)

	event := audit.NewEvent(audit.ActionUpload, vaultID, err)
	event.Blob = name
	s.audit.Record(ctx, event)

	return err
}

func (s *Store) upload(ctx context.Context, vaultID, name string, content []byte) error {
	release, err := s.locks.Shared(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("locking vault %s: %w", vaultID, err)
	}
	defer release()

	key, err := s.keys.ActiveKey(ctx, vaultID)
	if err != nil {
		return err
	}
	defer key.Destroy()

	sealed, err := secrets.Seal(key.SymmetricKey(), content)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", name, err)
	}

	target := BlobPath(name)
	// unique, so concurrent uploads of one name do not share a temporary file
	tmp := fmt.Sprintf("%s.%s.tmp", target, uid.New())

	if err := s.substrate.CopyIn(ctx, vaultID, tmp, sealed); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}

	if err := substrate.Rename(ctx, s.substrate, vaultID, tmp, target); err != nil {
		if rerr := substrate.RemoveFiles(ctx, s.substrate, vaultID, tmp); rerr != nil {
			logging.Warnf("removing %s of %s: %v", tmp, vaultID, rerr)
		}

		return fmt.Errorf("writing %s: %w", name, err)
	}

	return nil
}

// Download opens the blob called name, with whichever key sealed it.
func (s *Store) Download(ctx context.Context, vaultID, name string) ([]byte, error) {
	if err := ValidateBlobName(name); err != nil {
		return nil, err
	}

	content, err := s.download(ctx, vaultID, name)

	event := audit.NewEvent(audit.ActionDownload, vaultID, err)
	event.Blob = name
	s.audit.Record(ctx, event)

	return content, err
}

func (s *Store) download(ctx context.Context, vaultID, name string) ([]byte, error) {
	release, err := s.locks.Shared(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("locking vault %s: %w", vaultID, err)
	}
	defer release()

	sealed, err := s.substrate.CopyOut(ctx, vaultID, BlobPath(name))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	return Open(ctx, s.keys, vaultID, name, sealed)
}

// Open unseals a blob of vaultID with the key its payload names, active or
// archived.
func Open(ctx context.Context, keys keystore.KeyStore, vaultID, name string, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", name, secrets.ErrAuthentication)
	}

	keyID, err := secrets.SealedKeyID(sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	key, err := keys.Key(ctx, vaultID, keyID)
	switch {
	case errors.Is(err, internal.ErrNotFound):
		return nil, fmt.Errorf("%s is sealed with unknown key %s: %w", name, keyID, secrets.ErrAuthentication)
	case err != nil:
		return nil, err
	}
	defer key.Destroy()

	plain, err := secrets.Unseal(key.SymmetricKey(), sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return plain, nil
}

// List returns the names of the blobs in the vault, sorted.
func (s *Store) List(ctx context.Context, vaultID string) ([]string, error) {
	release, err := s.locks.Shared(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("locking vault %s: %w", vaultID, err)
	}
	defer release()

	return ListBlobs(ctx, s.substrate, vaultID)
}

// ListBlobs returns the names of the blobs in the data directory of
// vaultID. Temporary files are left out.
func ListBlobs(ctx context.Context, sub substrate.Substrate, vaultID string) ([]string, error) {
	files, err := sub.ListDirectory(ctx, vaultID, DataDir)
	if err != nil {
		return nil, fmt.Errorf("listing blobs of %s: %w", vaultID, err)
	}

	var names []string

	for _, file := range files {
		if name, ok := BlobName(file); ok {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names, nil
}

func (s *Store) Delete(ctx context.Context, vaultID, name string) error {
	if err := ValidateBlobName(name); err != nil {
		return err
	}

	release, err := s.locks.Shared(ctx, vaultID)
	if err != nil {
		return fmt.Errorf("locking vault %s: %w", vaultID, err)
	}
	defer release()

	names, err := ListBlobs(ctx, s.substrate, vaultID)
	if err != nil {
		return err
	}

	i := sort.SearchStrings(names, name)
	if i == len(names) || names[i] != name {
		return fmt.Errorf("blob %s: %w", name, internal.ErrNotFound)
	}

	if err := substrate.RemoveFiles(ctx, s.substrate, vaultID, BlobPath(name)); err != nil {
		return fmt.Errorf("removing %s: %w", name, err)
	}

	return nil
}
