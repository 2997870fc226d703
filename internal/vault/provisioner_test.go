package vault

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/substrate"
)

func TestProvisioner_Provision(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	v := env.provision(t, "Alice")
	assert.Equal(t, v.ID, "vault_alice")
	assert.Equal(t, v.Tenant, "alice")
	assert.Equal(t, v.State, StateActive)

	key, err := env.keys.ActiveKey(ctx, v.ID)
	assert.NilError(t, err)
	assert.Equal(t, key.Status, keystore.StatusActive)

	names, err := env.substrate.ListDirectory(ctx, v.ID, DataDir)
	assert.NilError(t, err)
	assert.Equal(t, len(names), 0)

	assert.DeepEqual(t, env.substrate.Volumes(), []string{"vault_alice_data", "vault_alice_keys"})

	events := env.audit.Events(audit.ActionVaultCreated)
	assert.Equal(t, len(events), 1)
	assert.Assert(t, events[0].Success)
	assert.Equal(t, events[0].VaultID, "vault_alice")
}

func TestProvisioner_ProvisionIsIdempotent(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	first := env.provision(t, "alice")

	key, err := env.keys.ActiveKey(ctx, first.ID)
	assert.NilError(t, err)

	second := env.provision(t, "alice")
	assert.Equal(t, second.ID, first.ID)
	assert.Equal(t, second.State, StateActive)

	again, err := env.keys.ActiveKey(ctx, first.ID)
	assert.NilError(t, err)
	assert.Equal(t, again.ID, key.ID, "existing vault must be returned unchanged")

	instances, err := env.substrate.List(ctx, Prefix)
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 1)
	assert.Equal(t, len(env.audit.Events(audit.ActionVaultCreated)), 1)
}

func TestProvisioner_ConcurrentProvisionOfOneTenant(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.provisioner.Provision(ctx, "alice")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NilError(t, err)
	}

	instances, err := env.substrate.List(ctx, Prefix)
	assert.NilError(t, err)
	assert.Equal(t, len(instances), 1)

	archived, err := env.keys.ArchivedKeys(ctx, "vault_alice")
	assert.NilError(t, err)
	assert.Equal(t, len(archived), 0, "only one initial key is committed")
}

func TestProvisioner_RollbackOnFailure(t *testing.T) {
	type testCase struct {
		name string
		step string
		fail func(c substrate.Call) bool
	}

	cases := []testCase{
		{
			name: "create",
			step: "create",
			fail: func(c substrate.Call) bool { return c.Op == "create" },
		},
		{
			name: "wait for running",
			step: "wait",
			fail: func(c substrate.Call) bool { return c.Op == "exec" && c.Args[0] == "true" },
		},
		{
			name: "layout",
			step: "layout",
			fail: func(c substrate.Call) bool { return c.Op == "exec" && c.Args[0] == "mkdir" },
		},
		{
			name: "commit key",
			step: "commit key",
			fail: func(c substrate.Call) bool {
				return c.Op == "copy in" && c.Args[0] == keystore.KeysDir+"/master.key.tmp"
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupEnv(t)
			ctx := context.Background()

			errInjected := errors.New("injected failure")
			env.substrate.FailWhen(func(c substrate.Call) error {
				if tc.fail(c) {
					return errInjected
				}
				return nil
			})

			_, err := env.provisioner.Provision(ctx, "alice")

			var perr *ProvisionError
			assert.Assert(t, errors.As(err, &perr), err)
			assert.Equal(t, perr.Tenant, "alice")
			assert.Equal(t, perr.Step, tc.step)
			assert.ErrorIs(t, err, errInjected)

			env.substrate.FailWhen(nil)

			instances, err := env.substrate.List(ctx, Prefix)
			assert.NilError(t, err)
			assert.Equal(t, len(instances), 0)
			assert.Equal(t, len(env.substrate.Volumes()), 0)

			events := env.audit.Events(audit.ActionVaultCreated)
			assert.Equal(t, len(events), 1)
			assert.Assert(t, !events[0].Success)

			// a later attempt starts from nothing
			v := env.provision(t, "alice")
			assert.Equal(t, v.State, StateActive)
		})
	}
}

func TestProvisioner_InvalidTenant(t *testing.T) {
	env := setupEnv(t)

	_, err := env.provisioner.Provision(context.Background(), "../etc")

	var perr *ProvisionError
	assert.Assert(t, errors.As(err, &perr))
	assert.Equal(t, perr.Step, "validate")
	assert.ErrorIs(t, err, internal.ErrInvalid)
}

func TestProvisioner_Delete(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	v := env.provision(t, "alice")
	env.provision(t, "bob")

	assert.NilError(t, env.store.Upload(ctx, v.ID, "a", []byte("one")))
	assert.NilError(t, env.provisioner.Delete(ctx, "alice"))

	_, err := env.provisioner.registry.Get(ctx, "alice")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	assert.DeepEqual(t, env.substrate.Volumes(), []string{"vault_bob_data", "vault_bob_keys"})

	events := env.audit.Events(audit.ActionVaultDeleted)
	assert.Equal(t, len(events), 1)
	assert.Assert(t, events[0].Success)

	err = env.provisioner.Delete(ctx, "alice")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestProvisioner_FailedDeleteKeepsKeys(t *testing.T) {
	for _, op := range []string{"stop", "remove"} {
		t.Run(op, func(t *testing.T) {
			env := setupEnv(t)
			ctx := context.Background()

			v := env.provision(t, "alice")
			assert.NilError(t, env.store.Upload(ctx, v.ID, "a", []byte("one")))

			key, err := env.keys.ActiveKey(ctx, v.ID)
			assert.NilError(t, err)

			errBusy := errors.New("device or resource busy")
			env.substrate.FailWhen(func(c substrate.Call) error {
				if c.Op == op {
					return errBusy
				}
				return nil
			})

			err = env.provisioner.Delete(ctx, "alice")
			assert.ErrorIs(t, err, errBusy)

			env.substrate.FailWhen(nil)

			events := env.audit.Events(audit.ActionVaultDeleted)
			assert.Equal(t, len(events), 1)
			assert.Assert(t, !events[0].Success)

			if op == "stop" {
				active, err := env.provisioner.registry.ListActive(ctx)
				assert.NilError(t, err)
				assert.Equal(t, len(active), 1)
			}

			got, err := env.provisioner.registry.Get(ctx, "alice")
			assert.NilError(t, err)
			if op == "remove" {
				assert.Equal(t, got.State, StateStopped)
			}

			again, err := env.keys.ActiveKey(ctx, v.ID)
			assert.NilError(t, err)
			assert.Equal(t, again.ID, key.ID)

			content, err := env.store.Download(ctx, v.ID, "a")
			assert.NilError(t, err)
			assert.Equal(t, string(content), "one")
		})
	}
}

func TestProvisioner_DeleteWaitsForBlobTransfers(t *testing.T) {
	env := setupEnv(t)
	v := env.provision(t, "alice")

	release, err := env.locks.Shared(context.Background(), v.ID)
	assert.NilError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = env.provisioner.Delete(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = env.provisioner.registry.Get(context.Background(), "alice")
	assert.NilError(t, err)
}
