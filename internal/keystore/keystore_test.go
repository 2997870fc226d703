package keystore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/secrets"
)

const testVault = "vault_alice"

var testNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestSubstrate(t *testing.T) *substrate.Memory {
	t.Helper()

	sub := substrate.NewMemory()
	err := sub.Create(context.Background(), testVault, "alpine:latest", []substrate.Mount{
		{Volume: testVault + "_keys", Target: KeysDir},
	})
	assert.NilError(t, err)

	return sub
}

func newTestStorage() secrets.SecretStorage {
	return secrets.NewFileSecretProvider(secrets.FileConfig{Path: "/keys"}, afero.NewMemMapFs())
}

func newTestWrapper() *Wrapper {
	return NewWrapper(secrets.NewNativeKeyProvider(newTestStorage()), "")
}

// eachStore runs fn against every store implementation. Every store reports
// testNow as the current time.
func eachStore(t *testing.T, fn func(t *testing.T, store KeyStore)) {
	stores := map[string]func(t *testing.T) KeyStore{
		"compartment": func(t *testing.T) KeyStore {
			s := NewCompartmentStore(newTestSubstrate(t), nil)
			s.now = func() time.Time { return testNow }
			return s
		},
		"compartment-wrapped": func(t *testing.T) KeyStore {
			s := NewCompartmentStore(newTestSubstrate(t), newTestWrapper())
			s.now = func() time.Time { return testNow }
			return s
		},
		"keyring": func(t *testing.T) KeyStore {
			s := NewKeyringStore(newTestStorage(), nil)
			s.now = func() time.Time { return testNow }
			return s
		},
		"keyring-wrapped": func(t *testing.T) KeyStore {
			s := NewKeyringStore(newTestStorage(), newTestWrapper())
			s.now = func() time.Time { return testNow }
			return s
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore(t))
		})
	}
}

func generateKey(t *testing.T) *secrets.SymmetricKey {
	t.Helper()

	key, err := secrets.GenerateKey()
	assert.NilError(t, err)

	return key
}

func TestKeyStore_Empty(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		_, err := store.ActiveKey(ctx, testVault)
		assert.ErrorIs(t, err, internal.ErrNotFound)

		_, err = store.Key(ctx, testVault, "0123456789abcdef")
		assert.ErrorIs(t, err, internal.ErrNotFound)

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 0)
	})
}

func TestKeyStore_SetActiveKey(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		first := generateKey(t)
		archived, err := store.SetActiveKey(ctx, testVault, first)
		assert.NilError(t, err)
		assert.Assert(t, archived == nil, "nothing to archive on the first commit")

		active, err := store.ActiveKey(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, active.ID, first.ID())
		assert.Equal(t, active.Status, StatusActive)
		assert.Equal(t, active.Name, ActiveKeyName)
		assert.Assert(t, active.CreatedAt.Equal(testNow), active.CreatedAt)

		second := generateKey(t)
		archived, err = store.SetActiveKey(ctx, testVault, second)
		assert.NilError(t, err)
		assert.Equal(t, archived.ID, first.ID())
		assert.Equal(t, archived.Status, StatusArchived)
		assert.Equal(t, archived.Name, "key_20260314_150926.old")

		active, err = store.ActiveKey(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, active.ID, second.ID())

		old, err := store.Key(ctx, testVault, first.ID())
		assert.NilError(t, err)
		assert.Equal(t, old.Status, StatusArchived)
		assert.DeepEqual(t, old.SymmetricKey().Material(), first.Material())

		current, err := store.Key(ctx, testVault, second.ID())
		assert.NilError(t, err)
		assert.Equal(t, current.Status, StatusActive)

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 1)
		assert.Equal(t, keys[0].ID, first.ID())
	})
}

func TestKeyStore_ArchiveNamesAreUnique(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		_, err := store.SetActiveKey(ctx, testVault, generateKey(t))
		assert.NilError(t, err)

		// every rotation happens within the same second
		var names []string
		for i := 0; i < 3; i++ {
			archived, err := store.SetActiveKey(ctx, testVault, generateKey(t))
			assert.NilError(t, err)
			names = append(names, archived.Name)
		}

		assert.DeepEqual(t, names, []string{
			"key_20260314_150926.old",
			"key_20260314_150927.old",
			"key_20260314_150928.old",
		})

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 3)

		for i, key := range keys {
			assert.Equal(t, key.Name, names[i])
		}
	})
}

func TestKeyStore_Purge(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		_, err := store.SetActiveKey(ctx, testVault, generateKey(t))
		assert.NilError(t, err)
		_, err = store.SetActiveKey(ctx, testVault, generateKey(t))
		assert.NilError(t, err)

		assert.NilError(t, store.Purge(ctx, testVault))

		_, err = store.ActiveKey(ctx, testVault)
		assert.ErrorIs(t, err, internal.ErrNotFound)

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 0)

		// a purged vault can be given keys again
		_, err = store.SetActiveKey(ctx, testVault, generateKey(t))
		assert.NilError(t, err)
	})
}

func TestKeyStore_SingleActiveKeyUnderConcurrentReaders(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		first := generateKey(t)
		_, err := store.SetActiveKey(ctx, testVault, first)
		assert.NilError(t, err)

		var mu sync.Mutex
		known := map[string]bool{first.ID(): true}

		done := make(chan struct{})
		errs := make(chan error, 8)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}

					key, err := store.ActiveKey(ctx, testVault)
					if err != nil {
						errs <- err
						return
					}

					mu.Lock()
					ok := known[key.ID]
					mu.Unlock()

					if !ok {
						errs <- fmt.Errorf("read unknown key %s", key.ID)
						return
					}
				}
			}()
		}

		for i := 0; i < 20; i++ {
			key := generateKey(t)

			// a key is known before it can become active
			mu.Lock()
			known[key.ID()] = true
			mu.Unlock()

			_, err := store.SetActiveKey(ctx, testVault, key)
			assert.NilError(t, err)
		}

		close(done)
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 20)
	})
}

func TestCompartmentStore_Layout(t *testing.T) {
	sub := newTestSubstrate(t)
	store := NewCompartmentStore(sub, nil)
	store.now = func() time.Time { return testNow }
	ctx := context.Background()

	first := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, first)
	assert.NilError(t, err)
	_, err = store.SetActiveKey(ctx, testVault, generateKey(t))
	assert.NilError(t, err)

	names, err := sub.ListDirectory(ctx, testVault, KeysDir)
	assert.NilError(t, err)
	assert.DeepEqual(t, names, []string{"archive", "master.key"})

	names, err = sub.ListDirectory(ctx, testVault, KeysDir+"/archive")
	assert.NilError(t, err)
	assert.DeepEqual(t, names, []string{"key_20260314_150926.old"})

	raw, err := sub.CopyOut(ctx, testVault, KeysDir+"/archive/key_20260314_150926.old")
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(string(raw), `"alg":"aesgcm"`))
	assert.Assert(t, is.Contains(string(raw), `"created":"2026-03-14T15:09:26Z"`))
}

func TestCompartmentStore_FailedCommitKeepsOldKey(t *testing.T) {
	sub := newTestSubstrate(t)
	store := NewCompartmentStore(sub, nil)
	store.now = func() time.Time { return testNow }
	ctx := context.Background()

	first := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, first)
	assert.NilError(t, err)

	errDiskFull := errors.New("no space left on device")
	sub.FailWhen(func(c substrate.Call) error {
		if c.Op == "copy in" && c.Args[0] == KeysDir+"/master.key.tmp" {
			return errDiskFull
		}
		return nil
	})

	_, err = store.SetActiveKey(ctx, testVault, generateKey(t))
	assert.ErrorIs(t, err, errDiskFull)

	active, err := store.ActiveKey(ctx, testVault)
	assert.NilError(t, err)
	assert.Equal(t, active.ID, first.ID())

	names, err := sub.ListDirectory(ctx, testVault, KeysDir+"/archive")
	assert.NilError(t, err)
	assert.Equal(t, len(names), 0, "archive copy must be removed")
}

func TestCompartmentStore_FailedRenameKeepsOldKey(t *testing.T) {
	sub := newTestSubstrate(t)
	store := NewCompartmentStore(sub, nil)
	ctx := context.Background()

	first := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, first)
	assert.NilError(t, err)

	sub.FailWhen(func(c substrate.Call) error {
		if c.Op == "exec" && c.Args[0] == "mv" && c.Args[3] == KeysDir+"/master.key" {
			return errors.New("rename failed")
		}
		return nil
	})

	_, err = store.SetActiveKey(ctx, testVault, generateKey(t))
	assert.ErrorContains(t, err, "rename failed")

	sub.FailWhen(nil)

	active, err := store.ActiveKey(ctx, testVault)
	assert.NilError(t, err)
	assert.Equal(t, active.ID, first.ID())

	names, err := sub.ListDirectory(ctx, testVault, KeysDir)
	assert.NilError(t, err)
	assert.DeepEqual(t, names, []string{"archive", "master.key"})

	names, err = sub.ListDirectory(ctx, testVault, KeysDir+"/archive")
	assert.NilError(t, err)
	assert.Equal(t, len(names), 0)
}

// lateSubstrate carries out renames onto master.key but reports that they
// timed out. While blind is set, master.key cannot be read back.
type lateSubstrate struct {
	*substrate.Memory
	blind bool
}

func (s *lateSubstrate) Execute(ctx context.Context, id string, cmd ...string) (substrate.ExecResult, error) {
	res, err := s.Memory.Execute(ctx, id, cmd...)
	if err == nil && len(cmd) == 4 && cmd[0] == "mv" && cmd[3] == KeysDir+"/master.key" {
		return res, context.DeadlineExceeded
	}
	return res, err
}

func (s *lateSubstrate) CopyOut(ctx context.Context, id, remotePath string) ([]byte, error) {
	if s.blind && remotePath == KeysDir+"/master.key" {
		return nil, context.DeadlineExceeded
	}
	return s.Memory.CopyOut(ctx, id, remotePath)
}

func TestCompartmentStore_RenameReportedLateIsCommitted(t *testing.T) {
	sub := &lateSubstrate{Memory: newTestSubstrate(t)}
	store := NewCompartmentStore(sub, nil)
	store.now = func() time.Time { return testNow }
	ctx := context.Background()

	// the first commit goes through a late rename too
	first := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, first)
	assert.NilError(t, err)

	second := generateKey(t)
	archived, err := store.SetActiveKey(ctx, testVault, second)
	assert.NilError(t, err)
	assert.Equal(t, archived.ID, first.ID())
	assert.Equal(t, archived.Name, "key_20260314_150926.old")

	active, err := store.ActiveKey(ctx, testVault)
	assert.NilError(t, err)
	assert.Equal(t, active.ID, second.ID())

	old, err := store.Key(ctx, testVault, first.ID())
	assert.NilError(t, err)
	assert.Equal(t, old.Status, StatusArchived)
}

func TestCompartmentStore_UnknownCommitKeepsOldKeyReachable(t *testing.T) {
	sub := &lateSubstrate{Memory: newTestSubstrate(t)}
	store := NewCompartmentStore(sub, nil)
	store.now = func() time.Time { return testNow }
	ctx := context.Background()

	first := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, first)
	assert.NilError(t, err)

	second := generateKey(t)
	sub.FailWhen(func(c substrate.Call) error {
		if c.Op == "exec" && c.Args[0] == "mv" && c.Args[3] == KeysDir+"/master.key" {
			sub.blind = true
		}
		return nil
	})

	_, err = store.SetActiveKey(ctx, testVault, second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sub.FailWhen(nil)
	sub.blind = false

	active, err := store.ActiveKey(ctx, testVault)
	assert.NilError(t, err)
	assert.Equal(t, active.ID, second.ID())

	old, err := store.Key(ctx, testVault, first.ID())
	assert.NilError(t, err)
	assert.Equal(t, old.Status, StatusArchived)

	// a retry finds the key already committed
	archived, err := store.SetActiveKey(ctx, testVault, second)
	assert.NilError(t, err)
	assert.Assert(t, archived == nil)

	keys, err := store.ArchivedKeys(ctx, testVault)
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 1)
	assert.Equal(t, keys[0].ID, first.ID())
}

func TestKeyStore_SetActiveKeyTwiceIsNoop(t *testing.T) {
	eachStore(t, func(t *testing.T, store KeyStore) {
		ctx := context.Background()

		first := generateKey(t)
		_, err := store.SetActiveKey(ctx, testVault, first)
		assert.NilError(t, err)

		archived, err := store.SetActiveKey(ctx, testVault, first)
		assert.NilError(t, err)
		assert.Assert(t, archived == nil)

		keys, err := store.ArchivedKeys(ctx, testVault)
		assert.NilError(t, err)
		assert.Equal(t, len(keys), 0)
	})
}

func TestKeyringStore_WrappedKeysAreNotStoredInTheClear(t *testing.T) {
	storage := newTestStorage()
	store := NewKeyringStore(storage, newTestWrapper())
	ctx := context.Background()

	key := generateKey(t)
	_, err := store.SetActiveKey(ctx, testVault, key)
	assert.NilError(t, err)

	raw, err := storage.GetSecret(testVault + "/keyring")
	assert.NilError(t, err)
	assert.Assert(t, !bytes.Contains(raw, []byte(base64.StdEncoding.EncodeToString(key.Material()))))
	assert.Assert(t, is.Contains(string(raw), `"rkid":"lockbox/root.key"`))

	// without the provider the record cannot be read
	unwrapped := NewKeyringStore(storage, nil)
	_, err = unwrapped.ActiveKey(ctx, testVault)
	assert.ErrorContains(t, err, "no key provider is configured")
}

func TestArchiveName(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 999, time.UTC)

	assert.Equal(t, archiveName(now, nil), "key_20260102_030405.old")
	assert.Equal(t, archiveName(now, []string{"key_20260102_030405.old"}), "key_20260102_030406.old")
	assert.Equal(t, archiveName(now, []string{"key_20270101_000000.old", "junk"}), "key_20270101_000001.old")
	assert.Equal(t, archiveName(now, []string{"key_20250101_000000.old"}), "key_20260102_030405.old")

	assert.DeepEqual(t, archiveNames([]string{"key_20260102_030406.old", "x.tmp", "key_20260102_030405.old", "key_20260102_030407.old.tmp"}),
		[]string{"key_20260102_030405.old", "key_20260102_030406.old"})
}
