package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gotest.tools/v3/assert"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/substrate"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(_ context.Context, e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, e)
}

func (c *captureRecorder) Events(action audit.Action) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []audit.Event
	for _, e := range c.events {
		if e.Action == action {
			result = append(result, e)
		}
	}

	return result
}

type testEnv struct {
	substrate   *substrate.Memory
	keys        *keystore.CompartmentStore
	locks       *Locks
	audit       *captureRecorder
	provisioner *Provisioner
	store       *Store
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		substrate: substrate.NewMemory(),
		locks:     NewLocks(),
		audit:     &captureRecorder{},
	}

	env.keys = keystore.NewCompartmentStore(env.substrate, nil)
	env.provisioner = NewProvisioner(env.substrate, env.keys, env.locks, env.audit, ProvisionerOptions{
		ReadyBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
		},
	})
	env.store = NewStore(env.substrate, env.keys, env.locks, env.audit)

	return env
}

func (env *testEnv) provision(t *testing.T, tenant string) *Vault {
	t.Helper()

	v, err := env.provisioner.Provision(context.Background(), tenant)
	assert.NilError(t, err)

	return v
}

func TestNormalizeTenant(t *testing.T) {
	cases := []struct {
		input    string
		expected string
		err      string
	}{
		{input: "alice", expected: "alice"},
		{input: "  Alice.Smith ", expected: "alice.smith"},
		{input: "team_42-ops", expected: "team_42-ops"},
		{input: "", err: "tenant name is required"},
		{input: "-alice", err: "may only contain"},
		{input: "alice/../bob", err: "may only contain"},
		{input: "al ice", err: "may only contain"},
		{input: "_alice", err: "may only contain"},
		{input: "älice", err: "may only contain"},
		{input: "a12345678901234567890123456789012345678901234567890123456789012", expected: "a12345678901234567890123456789012345678901234567890123456789012"},
		{input: "a123456789012345678901234567890123456789012345678901234567890123", err: "longer than 63"},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			actual, err := NormalizeTenant(tc.input)
			if tc.err != "" {
				assert.ErrorContains(t, err, tc.err)
				assert.ErrorIs(t, err, internal.ErrInvalid)
				return
			}

			assert.NilError(t, err)
			assert.Equal(t, actual, tc.expected)
		})
	}
}

func TestNew(t *testing.T) {
	v := New("alice")
	assert.Equal(t, v.ID, "vault_alice")
	assert.Equal(t, v.DataVolume, "vault_alice_data")
	assert.Equal(t, v.KeyVolume, "vault_alice_keys")
	assert.Equal(t, v.State, StateProvisioning)
	assert.DeepEqual(t, v.Mounts(), []substrate.Mount{
		{Volume: "vault_alice_data", Target: "/vault/data"},
		{Volume: "vault_alice_keys", Target: "/vault/keys"},
	})
}

func TestBlobNames(t *testing.T) {
	assert.NilError(t, ValidateBlobName("report.pdf"))
	assert.NilError(t, ValidateBlobName(".hidden"))

	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "../etc/passwd", "a\x00b"} {
		assert.ErrorIs(t, ValidateBlobName(name), internal.ErrInvalid, name)
	}

	assert.Equal(t, BlobPath("report.pdf"), "/vault/data/report.pdf.enc")

	name, ok := BlobName("report.pdf.enc")
	assert.Assert(t, ok)
	assert.Equal(t, name, "report.pdf")

	for _, file := range []string{"report.pdf", ".enc", "report.pdf.enc.abc.tmp", "report.pdf.enc.rotate"} {
		_, ok := BlobName(file)
		assert.Assert(t, !ok, file)
	}
}
