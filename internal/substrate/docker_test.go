package substrate

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/testutil/docker"
)

func TestDocker(t *testing.T) {
	d := NewDocker(docker.Client(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	id := "vault_lockbox-test-" + time.Now().Format("150405")
	t.Cleanup(func() {
		assert.Check(t, d.Remove(context.Background(), id))
	})

	err := d.Create(ctx, id, "alpine:latest", []Mount{
		{Volume: id + "_data", Target: "/vault/data"},
		{Volume: id + "_keys", Target: "/vault/keys"},
	})
	assert.NilError(t, err)

	instances, err := d.List(ctx, id)
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 1)
	assert.Assert(t, instances[0].Running)

	assert.NilError(t, MkdirAll(ctx, d, id, "/vault/keys/archive"))
	assert.NilError(t, d.CopyIn(ctx, id, "/vault/data/a.enc.tmp", []byte("sealed")))
	assert.NilError(t, Rename(ctx, d, id, "/vault/data/a.enc.tmp", "/vault/data/a.enc"))

	content, err := d.CopyOut(ctx, id, "/vault/data/a.enc")
	assert.NilError(t, err)
	assert.DeepEqual(t, content, []byte("sealed"))

	names, err := d.ListDirectory(ctx, id, "/vault/data")
	assert.NilError(t, err)
	assert.DeepEqual(t, names, []string{"a.enc"})

	_, err = d.ListDirectory(ctx, id, "/vault/missing")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	_, err = d.CopyOut(ctx, id, "/vault/data/missing.enc")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	result, err := d.Execute(ctx, id, "sh", "-c", "echo oops >&2; exit 3")
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, result.ExitCode, 3)
	assert.Equal(t, string(result.Stderr), "oops\n")

	assert.NilError(t, d.Stop(ctx, id))
	assert.NilError(t, d.Remove(ctx, id))

	instances, err = d.List(ctx, id)
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 0)
}
