package vault

import (
	"context"
	"fmt"
	"strings"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/substrate"
)

// Registry reads the vault inventory from the substrate. Nothing is cached:
// the running instances are the inventory.
type Registry struct {
	substrate substrate.Substrate
}

func NewRegistry(sub substrate.Substrate) *Registry {
	return &Registry{substrate: sub}
}

func fromInstance(inst substrate.Instance) Vault {
	v := New(strings.TrimPrefix(inst.ID, Prefix))
	v.State = StateStopped
	if inst.Running {
		v.State = StateActive
	}
	v.CreatedAt = inst.Created

	return *v
}

// ListActive returns the vaults with a running instance. No vaults is not
// an error.
func (r *Registry) ListActive(ctx context.Context) ([]Vault, error) {
	instances, err := r.substrate.List(ctx, Prefix)
	if err != nil {
		return nil, fmt.Errorf("listing vaults: %w", err)
	}

	vaults := make([]Vault, 0, len(instances))

	for _, inst := range instances {
		if inst.Running && strings.HasPrefix(inst.ID, Prefix) {
			vaults = append(vaults, fromInstance(inst))
		}
	}

	return vaults, nil
}

// Get returns the vault of tenant, running or not.
func (r *Registry) Get(ctx context.Context, tenant string) (*Vault, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return nil, err
	}

	id := Prefix + tenant

	instances, err := r.substrate.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up vault %s: %w", id, err)
	}

	for _, inst := range instances {
		if inst.ID == id {
			v := fromInstance(inst)
			return &v, nil
		}
	}

	return nil, fmt.Errorf("vault %s: %w", id, internal.ErrNotFound)
}
