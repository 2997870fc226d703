package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/repeat"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/secrets"
)

const DefaultImage = "alpine:latest"

type ProvisionerOptions struct {
	// Image is the container image of new vaults.
	Image string
	// ReadyBackOff paces the checks for a new instance to be running. The
	// check gives up when the backoff stops.
	ReadyBackOff func() backoff.BackOff
}

func defaultReadyBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = time.Minute

	return b
}

// Provisioner creates and deletes vaults.
type Provisioner struct {
	substrate substrate.Substrate
	keys      keystore.KeyStore
	registry  *Registry
	locks     *Locks
	audit     audit.Recorder
	opts      ProvisionerOptions

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func NewProvisioner(sub substrate.Substrate, keys keystore.KeyStore, locks *Locks, rec audit.Recorder, opts ProvisionerOptions) *Provisioner {
	if opts.Image == "" {
		opts.Image = DefaultImage
	}

	if opts.ReadyBackOff == nil {
		opts.ReadyBackOff = defaultReadyBackOff
	}

	return &Provisioner{
		substrate: sub,
		keys:      keys,
		registry:  NewRegistry(sub),
		locks:     locks,
		audit:     rec,
		opts:      opts,
		tenants:   map[string]*sync.Mutex{},
	}
}

// lockTenant serializes provisioning and deletion of one tenant.
func (p *Provisioner) lockTenant(tenant string) func() {
	p.mu.Lock()
	lock, ok := p.tenants[tenant]
	if !ok {
		lock = &sync.Mutex{}
		p.tenants[tenant] = lock
	}
	p.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// Provision returns the vault of tenant, creating it if it does not exist.
// A vault that already exists is returned unchanged. When creation fails
// everything allocated for the vault is removed again.
func (p *Provisioner) Provision(ctx context.Context, tenant string) (*Vault, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return nil, &ProvisionError{Tenant: tenant, Step: "validate", Err: err}
	}

	unlock := p.lockTenant(tenant)
	defer unlock()

	existing, err := p.registry.Get(ctx, tenant)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, internal.ErrNotFound):
		return nil, &ProvisionError{Tenant: tenant, Step: "lookup", Err: err}
	}

	v := New(tenant)
	logging.L.Info("provisioning vault", zap.String("vault", v.ID))

	if err := p.substrate.Create(ctx, v.ID, p.opts.Image, v.Mounts()); err != nil {
		if errors.Is(err, internal.ErrDuplicate) {
			// created by someone else since the lookup, so it is not ours to remove
			return nil, &ProvisionError{Tenant: tenant, Step: "create", Err: err}
		}

		return nil, p.rollback(ctx, v, "create", err)
	}

	if err := p.waitRunning(ctx, v); err != nil {
		return nil, p.rollback(ctx, v, "wait", err)
	}

	if err := substrate.MkdirAll(ctx, p.substrate, v.ID, DataDir, keystore.KeysDir); err != nil {
		return nil, p.rollback(ctx, v, "layout", err)
	}

	key, err := secrets.GenerateKey()
	if err != nil {
		return nil, p.rollback(ctx, v, "generate key", err)
	}
	defer key.Destroy()

	if _, err := p.keys.SetActiveKey(ctx, v.ID, key); err != nil {
		return nil, p.rollback(ctx, v, "commit key", err)
	}

	v.State = StateActive
	v.CreatedAt = time.Now().UTC()

	p.audit.Record(ctx, audit.NewEvent(audit.ActionVaultCreated, v.ID, nil))
	logging.L.Info("provisioned vault", zap.String("vault", v.ID), zap.String("key", key.ID()))

	return v, nil
}

// waitRunning waits until the instance is running and accepts commands.
func (p *Provisioner) waitRunning(ctx context.Context, v *Vault) error {
	waiter := repeat.NewWaiter(p.opts.ReadyBackOff())

	return waiter.Retry(ctx, func() error {
		instances, err := p.substrate.List(ctx, v.ID)
		if err != nil {
			return err
		}

		for _, inst := range instances {
			if inst.ID != v.ID {
				continue
			}

			if !inst.Running {
				return fmt.Errorf("instance %s is not running", v.ID)
			}

			_, err := p.substrate.Execute(ctx, v.ID, "true")

			return err
		}

		return fmt.Errorf("instance %s: %w", v.ID, internal.ErrNotFound)
	})
}

func (p *Provisioner) rollback(ctx context.Context, v *Vault, step string, cause error) error {
	// clean up even when ctx was the cause of the failure
	ctx = context.WithoutCancel(ctx)

	logging.L.Warn("provisioning failed, rolling back",
		zap.String("vault", v.ID), zap.String("step", step), zap.Error(cause))

	if err := p.keys.Purge(ctx, v.ID); err != nil && !errors.Is(err, internal.ErrNotFound) {
		logging.L.Error("rollback: purging keys", zap.String("vault", v.ID), zap.Error(err))
	}

	if err := p.substrate.Remove(ctx, v.ID); err != nil {
		logging.L.Error("rollback: removing instance", zap.String("vault", v.ID), zap.Error(err))
	}

	perr := &ProvisionError{Tenant: v.Tenant, Step: step, Err: cause}
	p.audit.Record(ctx, audit.NewEvent(audit.ActionVaultCreated, v.ID, perr))

	return perr
}

// Delete removes the vault of tenant with its keys and blobs. It waits for
// any rotation or blob transfer on the vault to finish first.
func (p *Provisioner) Delete(ctx context.Context, tenant string) error {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return err
	}

	unlock := p.lockTenant(tenant)
	defer unlock()

	v, err := p.registry.Get(ctx, tenant)
	if err != nil {
		return err
	}

	release, err := p.locks.Exclusive(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("locking vault %s: %w", v.ID, err)
	}
	defer release()

	err = p.delete(ctx, v)
	p.audit.Record(ctx, audit.NewEvent(audit.ActionVaultDeleted, v.ID, err))

	if err != nil {
		return err
	}

	v.State = StateDeleted
	logging.L.Info("deleted vault", zap.String("vault", v.ID))

	return nil
}

func (p *Provisioner) delete(ctx context.Context, v *Vault) error {
	// keys go last, so a vault that is still there keeps its keys
	if err := p.substrate.Stop(ctx, v.ID); err != nil && !errors.Is(err, internal.ErrNotFound) {
		return fmt.Errorf("stopping %s: %w", v.ID, err)
	}

	if err := p.substrate.Remove(ctx, v.ID); err != nil {
		return fmt.Errorf("removing %s: %w", v.ID, err)
	}

	// keys kept on the vault's volumes are gone with them
	if err := p.keys.Purge(ctx, v.ID); err != nil && !errors.Is(err, internal.ErrNotFound) {
		logging.L.Warn("purging keys", zap.String("vault", v.ID), zap.Error(err))
	}

	return nil
}
