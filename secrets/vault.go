package secrets

import (
	"encoding/base64"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

var DefaultVaultAlgorithm = "aes256-gcm96"

// ensure these interfaces are implemented properly
var (
	_ SymmetricKeyProvider = &VaultSecretProvider{}
	_ SecretStorage        = &VaultSecretProvider{}
)

// VaultSecretProvider stores secrets in a HashiCorp Vault KV v2 mount and
// wraps data keys with its transit engine.
type VaultSecretProvider struct {
	VaultConfig
	client *vault.Client
}

type VaultConfig struct {
	TransitMount string `mapstructure:"transitMount"`              // mounting point. defaults to /transit
	SecretMount  string `mapstructure:"secretMount"`               // mounting point. defaults to /secret
	Token        string `mapstructure:"token" validate:"required"` // vault token, may be a secret reference
	Namespace    string `mapstructure:"namespace"`
	Address      string `mapstructure:"address" validate:"required"`
}

func NewVaultConfig() VaultConfig {
	return VaultConfig{
		TransitMount: "/transit",
		SecretMount:  "/secret",
		Address:      "https://vault",
	}
}

func NewVaultSecretProviderFromConfig(cfg VaultConfig) (*VaultSecretProvider, error) {
	defaults := NewVaultConfig()
	if cfg.TransitMount == "" {
		cfg.TransitMount = defaults.TransitMount
	}
	if cfg.SecretMount == "" {
		cfg.SecretMount = defaults.SecretMount
	}
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}

	c, err := vault.NewClient(&vault.Config{
		Address: cfg.Address,
	})
	if err != nil {
		return nil, err
	}

	c.SetToken(cfg.Token)

	if len(cfg.Namespace) > 0 {
		c.SetNamespace(cfg.Namespace)
	}

	return &VaultSecretProvider{
		VaultConfig: cfg,
		client:      c,
	}, nil
}

func NewVaultSecretProvider(address, token, namespace string) (*VaultSecretProvider, error) {
	return NewVaultSecretProviderFromConfig(VaultConfig{
		Address:   address,
		Token:     token,
		Namespace: namespace,
	})
}

func (v *VaultSecretProvider) GetSecret(name string) ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s", v.SecretMount, nameEscape(name))

	sec, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}

	if sec == nil || sec.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ErrNotFound
	}

	s, ok := data["data"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: secret data is not a string")
	}

	if s == "" {
		return nil, ErrNotFound
	}

	return base64.StdEncoding.DecodeString(s)
}

func (v *VaultSecretProvider) SetSecret(name string, secret []byte) error {
	path := fmt.Sprintf("%s/data/%s", v.SecretMount, nameEscape(name))

	value := ""
	if len(secret) > 0 {
		value = base64.StdEncoding.EncodeToString(secret)
	}

	_, err := v.client.Logical().Write(path, map[string]interface{}{
		"data": map[string]interface{}{
			"data": value,
		},
	})
	if err != nil {
		return fmt.Errorf("vault: write %s: %w", path, err)
	}

	return nil
}

func (v *VaultSecretProvider) GenerateDataKey(rootKeyID string) (*SymmetricKey, error) {
	if rootKeyID == "" {
		rootKeyID = "lockbox_root"
		if err := v.generateRootKey(rootKeyID); err != nil {
			return nil, err
		}
	}

	dataKey, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("vault: generating data key: %w", err)
	}

	dataKey.Encrypted, err = v.RemoteEncrypt(rootKeyID, dataKey.unencrypted)
	if err != nil {
		return nil, fmt.Errorf("vault: remote encrypt: %w", err)
	}

	dataKey.RootKeyID = rootKeyID

	return dataKey, nil
}

func (v *VaultSecretProvider) generateRootKey(name string) error {
	path := fmt.Sprintf("%s/keys/%s", v.TransitMount, nameEscape(name))

	_, err := v.client.Logical().Write(path, map[string]interface{}{
		"convergent_encryption":  false,
		"derived":                false,
		"exportable":             false,
		"allow_plaintext_backup": false,
		"type":                   DefaultVaultAlgorithm,
	})

	return err
}

func (v *VaultSecretProvider) DecryptDataKey(rootKeyID string, keyData []byte) (*SymmetricKey, error) {
	plain, err := v.RemoteDecrypt(rootKeyID, keyData)
	if err != nil {
		return nil, err
	}

	key, err := NewSymmetricKey(plain)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	key.Encrypted = keyData
	key.RootKeyID = rootKeyID

	return key, nil
}

func (v *VaultSecretProvider) RemoteEncrypt(keyID string, plain []byte) (encrypted []byte, err error) {
	sec, err := v.client.Logical().Write(v.TransitMount+"/encrypt/"+keyID, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plain),
	})
	if err != nil {
		return nil, err
	}

	if sec != nil {
		if data, ok := sec.Data["ciphertext"].(string); ok {
			return []byte(data), nil
		}
	}

	return nil, fmt.Errorf("vault: transit encrypt returned no ciphertext")
}

func (v *VaultSecretProvider) RemoteDecrypt(keyID string, encrypted []byte) (plain []byte, err error) {
	sec, err := v.client.Logical().Write(v.TransitMount+"/decrypt/"+keyID, map[string]interface{}{
		"ciphertext": string(encrypted),
	})
	if err != nil {
		return nil, err
	}

	if sec != nil {
		if data, ok := sec.Data["plaintext"].(string); ok {
			return base64.StdEncoding.DecodeString(data)
		}
	}

	return nil, fmt.Errorf("vault: transit decrypt returned no plaintext")
}

func nameEscape(name string) string {
	rpl := strings.NewReplacer(
		"/", "_",
		":", "_",
	)

	return rpl.Replace(name)
}
