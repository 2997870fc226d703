// Package vault provisions the per-tenant vaults and moves blobs in and out
// of them.
package vault

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/substrate"
)

const (
	// Prefix starts the substrate id of every vault.
	Prefix = "vault_"

	DataDir    = "/vault/data"
	BlobSuffix = ".enc"

	maxTenantLength   = 63
	maxBlobNameLength = 250
)

type State string

const (
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	// StateStopped is a vault whose instance exists but is not running.
	StateStopped      State = "stopped"
	StateDeleted      State = "deleted"
)

type Vault struct {
	ID         string
	Tenant     string
	DataVolume string
	KeyVolume  string
	State      State
	CreatedAt  time.Time
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("tenant", isTenantName); err != nil {
		panic(err)
	}

	return v
}

// isTenantName accepts a-z, 0-9, '_', '.' and '-', starting with a letter
// or digit.
func isTenantName(fl validator.FieldLevel) bool {
	name := fl.Field().String()

	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case i > 0 && (c == '_' || c == '.' || c == '-'):
		default:
			return false
		}
	}

	return name != ""
}

// NormalizeTenant lower-cases tenant and checks that it can be used in a
// container and volume name.
func NormalizeTenant(tenant string) (string, error) {
	tenant = strings.ToLower(strings.TrimSpace(tenant))

	err := validate.Var(tenant, fmt.Sprintf("required,max=%d,tenant", maxTenantLength))
	if err == nil {
		return tenant, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "", err
	}

	switch verrs[0].Tag() {
	case "required":
		return "", fmt.Errorf("%w: tenant name is required", internal.ErrInvalid)
	case "max":
		return "", fmt.Errorf("%w: tenant name %q is longer than %d characters", internal.ErrInvalid, tenant, maxTenantLength)
	default:
		return "", fmt.Errorf("%w: tenant name %q may only contain a-z, 0-9, '_', '.' and '-'", internal.ErrInvalid, tenant)
	}
}

// New describes the vault of tenant. tenant must already be normalized.
func New(tenant string) *Vault {
	id := Prefix + tenant

	return &Vault{
		ID:         id,
		Tenant:     tenant,
		DataVolume: id + "_data",
		KeyVolume:  id + "_keys",
		State:      StateProvisioning,
	}
}

func (v *Vault) Mounts() []substrate.Mount {
	return []substrate.Mount{
		{Volume: v.DataVolume, Target: DataDir},
		{Volume: v.KeyVolume, Target: keystore.KeysDir},
	}
}

// ValidateBlobName checks that name is a single path element.
func ValidateBlobName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: blob name %q", internal.ErrInvalid, name)
	case strings.ContainsAny(name, "/\\\x00\n"):
		return fmt.Errorf("%w: blob name %q must be a single path element", internal.ErrInvalid, name)
	case len(name) > maxBlobNameLength:
		return fmt.Errorf("%w: blob name is longer than %d characters", internal.ErrInvalid, maxBlobNameLength)
	}

	return nil
}

// BlobPath is the location of the blob called name.
func BlobPath(name string) string {
	return path.Join(DataDir, name+BlobSuffix)
}

// BlobName returns the logical name of a file in DataDir, and false for
// files that are not blobs.
func BlobName(file string) (string, bool) {
	if !strings.HasSuffix(file, BlobSuffix) || file == BlobSuffix {
		return "", false
	}

	return strings.TrimSuffix(file, BlobSuffix), true
}

type ProvisionError struct {
	Tenant string
	Step   string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning vault for %q failed at %s: %v", e.Tenant, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
