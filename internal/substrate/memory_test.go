package substrate

import (
	"context"
	"errors"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/infrahq/lockbox/internal"
)

func newTestInstance(t *testing.T) (*Memory, string) {
	t.Helper()

	m := NewMemory()
	err := m.Create(context.Background(), "vault_alice", "alpine:latest", []Mount{
		{Volume: "vault_alice_data", Target: "/vault/data"},
		{Volume: "vault_alice_keys", Target: "/vault/keys"},
	})
	assert.NilError(t, err)

	return m, "vault_alice"
}

func TestMemory_Create(t *testing.T) {
	m, id := newTestInstance(t)
	ctx := context.Background()

	err := m.Create(ctx, id, "alpine:latest", nil)
	assert.ErrorIs(t, err, internal.ErrDuplicate)

	var serr *Error
	assert.Assert(t, errors.As(err, &serr))
	assert.Equal(t, serr.Op, "create")

	instances, err := m.List(ctx, "vault_")
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 1)
	assert.Equal(t, instances[0].ID, id)
	assert.Assert(t, instances[0].Running)

	assert.DeepEqual(t, m.Volumes(), []string{"vault_alice_data", "vault_alice_keys"})
}

func TestMemory_Files(t *testing.T) {
	m, id := newTestInstance(t)
	ctx := context.Background()

	t.Run("copy in needs the parent directory", func(t *testing.T) {
		err := m.CopyIn(ctx, id, "/vault/keys/archive/key.old", []byte("k"))
		assert.ErrorIs(t, err, internal.ErrNotFound)
	})

	t.Run("copy round trip", func(t *testing.T) {
		assert.NilError(t, m.CopyIn(ctx, id, "/vault/data/a.enc", []byte("one")))

		content, err := m.CopyOut(ctx, id, "/vault/data/a.enc")
		assert.NilError(t, err)
		assert.DeepEqual(t, content, []byte("one"))

		_, err = m.CopyOut(ctx, id, "/vault/data/missing.enc")
		assert.ErrorIs(t, err, internal.ErrNotFound)

		_, err = m.CopyOut(ctx, id, "/vault/data")
		assert.ErrorContains(t, err, "is a directory")
	})

	t.Run("mkdir and list", func(t *testing.T) {
		assert.NilError(t, MkdirAll(ctx, m, id, "/vault/keys/archive"))
		assert.NilError(t, m.CopyIn(ctx, id, "/vault/keys/master.key", []byte("k")))

		names, err := m.ListDirectory(ctx, id, "/vault/keys")
		assert.NilError(t, err)
		assert.DeepEqual(t, names, []string{"archive", "master.key"})

		_, err = m.ListDirectory(ctx, id, "/vault/nope")
		assert.ErrorIs(t, err, internal.ErrNotFound)

		result, err := m.Execute(ctx, id, "ls", "-1A", "/vault/keys")
		assert.NilError(t, err)
		assert.DeepEqual(t, parseListing(result.Stdout), []string{"archive", "master.key"})
	})

	t.Run("rename replaces the target", func(t *testing.T) {
		assert.NilError(t, m.CopyIn(ctx, id, "/vault/data/a.enc.tmp", []byte("two")))
		assert.NilError(t, Rename(ctx, m, id, "/vault/data/a.enc.tmp", "/vault/data/a.enc"))

		content, err := m.CopyOut(ctx, id, "/vault/data/a.enc")
		assert.NilError(t, err)
		assert.DeepEqual(t, content, []byte("two"))

		names, err := m.ListDirectory(ctx, id, "/vault/data")
		assert.NilError(t, err)
		assert.DeepEqual(t, names, []string{"a.enc"})
	})

	t.Run("rename of a missing file fails", func(t *testing.T) {
		result, err := m.Execute(ctx, id, "mv", "-f", "/vault/data/nope", "/vault/data/a.enc")
		assert.ErrorIs(t, err, ErrCommandFailed)
		assert.Equal(t, result.ExitCode, 1)

		var serr *Error
		assert.Assert(t, errors.As(err, &serr))
		assert.Equal(t, serr.ExitCode, 1)
		assert.Assert(t, is.Contains(serr.Stderr, "No such file"))
	})

	t.Run("remove", func(t *testing.T) {
		assert.NilError(t, RemoveFiles(ctx, m, id, "/vault/data/a.enc", "/vault/data/never-existed"))
		assert.NilError(t, RemoveAll(ctx, m, id, "/vault/keys/archive"))

		names, err := m.ListDirectory(ctx, id, "/vault/keys")
		assert.NilError(t, err)
		assert.DeepEqual(t, names, []string{"master.key"})

		names, err = m.ListDirectory(ctx, id, "/vault/data")
		assert.NilError(t, err)
		assert.Equal(t, len(names), 0)
	})

	t.Run("unknown command", func(t *testing.T) {
		result, err := m.Execute(ctx, id, "cat", "/etc/passwd")
		assert.ErrorIs(t, err, ErrCommandFailed)
		assert.Equal(t, result.ExitCode, 127)
	})
}

func TestMemory_VolumesOutliveInstances(t *testing.T) {
	m, id := newTestInstance(t)
	ctx := context.Background()

	assert.NilError(t, m.CopyIn(ctx, id, "/vault/data/a.enc", []byte("one")))

	other := "vault_alice_copy"
	assert.NilError(t, m.Create(ctx, other, "alpine:latest", []Mount{{Volume: "vault_alice_data", Target: "/data"}}))

	content, err := m.CopyOut(ctx, other, "/data/a.enc")
	assert.NilError(t, err)
	assert.DeepEqual(t, content, []byte("one"))
}

func TestMemory_StopAndRemove(t *testing.T) {
	m, id := newTestInstance(t)
	ctx := context.Background()

	assert.NilError(t, m.Stop(ctx, id))

	_, err := m.Execute(ctx, id, "true")
	assert.ErrorContains(t, err, "not running")

	instances, err := m.List(ctx, "vault_")
	assert.NilError(t, err)
	assert.Assert(t, !instances[0].Running)

	assert.NilError(t, m.Remove(ctx, id))
	assert.NilError(t, m.Remove(ctx, id), "removing twice is not an error")
	assert.Equal(t, len(m.Volumes()), 0)

	err = m.Stop(ctx, id)
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestMemory_FailWhen(t *testing.T) {
	m, id := newTestInstance(t)
	ctx := context.Background()

	errInjected := errors.New("injected")
	m.FailWhen(func(c Call) error {
		if c.Op == "copy in" && c.Args[0] == "/vault/data/b.enc" {
			return errInjected
		}
		return nil
	})

	assert.NilError(t, m.CopyIn(ctx, id, "/vault/data/a.enc", nil))

	err := m.CopyIn(ctx, id, "/vault/data/b.enc", nil)
	assert.ErrorIs(t, err, errInjected)

	m.FailWhen(nil)
	assert.NilError(t, m.CopyIn(ctx, id, "/vault/data/b.enc", nil))
}

func TestMemory_CancelledContext(t *testing.T) {
	m, id := newTestInstance(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Execute(ctx, id, "true")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestError(t *testing.T) {
	err := &Error{Op: "exec mv -f a b", ID: "vault_alice", ExitCode: 1, Stderr: "mv: can't rename 'a'\n", Err: ErrCommandFailed}
	assert.Error(t, err, "substrate exec mv -f a b vault_alice: exit code 1: mv: can't rename 'a': command failed")

	err = &Error{Op: "stop", ID: "vault_bob", Err: internal.ErrNotFound}
	assert.Error(t, err, "substrate stop vault_bob: not found")
}
