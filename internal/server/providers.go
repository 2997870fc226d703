package server

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/infrahq/lockbox/secrets"
)

// SecretProvider configures a secret storage. Name defaults to Kind, and
// every other field is passed to the storage as its config. Secret-valued
// config, like a vault token, may reference a storage configured earlier.
type SecretProvider struct {
	Kind   string                 `mapstructure:"kind" validate:"required,oneof=env file plaintext kubernetes vault awssecretsmanager"`
	Name   string                 `mapstructure:"name"`
	Config map[string]interface{} `mapstructure:",remain"`
}

// KeyProvider configures a provider of data keys, used to wrap stored
// vault keys.
type KeyProvider struct {
	Kind   string                 `mapstructure:"kind" validate:"required,oneof=native vault awskms"`
	Name   string                 `mapstructure:"name"`
	Config map[string]interface{} `mapstructure:",remain"`
}

type nativeKeyProviderConfig struct {
	SecretProvider string `mapstructure:"secretProvider" validate:"required"`
}

var baseSecretStorageKinds = map[string]bool{
	"env":        true,
	"file":       true,
	"plaintext":  true,
	"kubernetes": true,
}

// decodeConfig decodes raw into target and validates it.
func decodeConfig(raw map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(raw); err != nil {
		return err
	}

	return validate.Struct(target)
}

func importSecrets(cfg []SecretProvider, storage map[string]secrets.SecretStorage) error {
	loadSecretConfig := func(secret SecretProvider) error {
		name := secret.Name
		if len(name) == 0 {
			name = secret.Kind
		}

		if _, found := storage[name]; found {
			return fmt.Errorf("duplicate secret configuration for %q, please provide a unique name for this secret configuration", name)
		}

		switch secret.Kind {
		case "vault":
			var cfg secrets.VaultConfig
			if err := decodeConfig(secret.Config, &cfg); err != nil {
				return fmt.Errorf("vault secret config %q: %w", name, err)
			}

			token, err := secrets.GetSecret(cfg.Token, storage)
			if err != nil {
				return err
			}
			cfg.Token = token

			vault, err := secrets.NewVaultSecretProviderFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("creating vault provider: %w", err)
			}

			storage[name] = vault
		case "awssecretsmanager":
			cfg, err := awsConfig(secret.Config, storage)
			if err != nil {
				return fmt.Errorf("awssecretsmanager secret config %q: %w", name, err)
			}

			sm, err := secrets.NewAWSSecretsManagerFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("creating aws sm: %w", err)
			}

			storage[name] = sm
		case "kubernetes":
			cfg := secrets.NewKubernetesConfig()
			if err := decodeConfig(secret.Config, &cfg); err != nil {
				return fmt.Errorf("kubernetes secret config %q: %w", name, err)
			}

			k8s, err := secrets.NewKubernetesSecretProviderFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("creating k8s secret provider: %w", err)
			}

			storage[name] = k8s
		case "env":
			var cfg secrets.GenericConfig
			if err := decodeConfig(secret.Config, &cfg); err != nil {
				return fmt.Errorf("env secret config %q: %w", name, err)
			}

			storage[name] = secrets.NewEnvSecretProviderFromConfig(cfg)
		case "file":
			var cfg secrets.FileConfig
			if err := decodeConfig(secret.Config, &cfg); err != nil {
				return fmt.Errorf("file secret config %q: %w", name, err)
			}

			storage[name] = secrets.NewFileSecretProviderFromConfig(cfg)
		case "plaintext":
			var cfg secrets.GenericConfig
			if err := decodeConfig(secret.Config, &cfg); err != nil {
				return fmt.Errorf("plaintext secret config %q: %w", name, err)
			}

			storage[name] = secrets.NewPlainSecretProviderFromConfig(cfg)
		default:
			return fmt.Errorf("unknown secret provider type %q", secret.Kind)
		}

		return nil
	}

	// base kinds first, the others may reference them
	for _, secret := range cfg {
		if !baseSecretStorageKinds[secret.Kind] {
			continue
		}

		if err := loadSecretConfig(secret); err != nil {
			return err
		}
	}

	if err := loadDefaultSecretConfig(storage); err != nil {
		return err
	}

	for _, secret := range cfg {
		if baseSecretStorageKinds[secret.Kind] {
			continue
		}

		if err := loadSecretConfig(secret); err != nil {
			return err
		}
	}

	return nil
}

// loadDefaultSecretConfig adds the storages that are always available,
// unless they were configured explicitly.
func loadDefaultSecretConfig(storage map[string]secrets.SecretStorage) error {
	if _, found := storage["env"]; !found {
		storage["env"] = secrets.NewEnvSecretProviderFromConfig(secrets.GenericConfig{})
	}

	if _, found := storage["file"]; !found {
		storage["file"] = secrets.NewFileSecretProviderFromConfig(secrets.FileConfig{})
	}

	if _, found := storage["plaintext"]; !found {
		storage["plaintext"] = secrets.NewPlainSecretProviderFromConfig(secrets.GenericConfig{})
	}

	if _, found := storage["kubernetes"]; !found {
		// only inside a cluster
		if _, ok := os.LookupEnv("KUBERNETES_SERVICE_HOST"); ok {
			k8s, err := secrets.NewKubernetesSecretProviderFromConfig(secrets.NewKubernetesConfig())
			if err != nil {
				return fmt.Errorf("creating k8s secret provider: %w", err)
			}

			storage["kubernetes"] = k8s
		}
	}

	return nil
}

func awsConfig(raw map[string]interface{}, storage map[string]secrets.SecretStorage) (secrets.AWSConfig, error) {
	var cfg secrets.AWSConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}

	var err error

	cfg.AccessKeyID, err = secrets.GetSecret(cfg.AccessKeyID, storage)
	if err != nil {
		return cfg, fmt.Errorf("accessKeyID: %w", err)
	}

	cfg.SecretAccessKey, err = secrets.GetSecret(cfg.SecretAccessKey, storage)
	if err != nil {
		return cfg, fmt.Errorf("secretAccessKey: %w", err)
	}

	return cfg, nil
}

func importKeyProviders(
	cfg []KeyProvider,
	storage map[string]secrets.SecretStorage,
	keys map[string]secrets.SymmetricKeyProvider,
) error {
	// default to the file-based native provider
	keys["native"] = secrets.NewNativeKeyProvider(storage["file"])

	for _, keyConfig := range cfg {
		name := keyConfig.Name
		if len(name) == 0 {
			name = keyConfig.Kind
		}

		switch keyConfig.Kind {
		case "native":
			var cfg nativeKeyProviderConfig
			if err := decodeConfig(keyConfig.Config, &cfg); err != nil {
				return fmt.Errorf("native key config %q: %w", name, err)
			}

			storageProvider, found := storage[cfg.SecretProvider]
			if !found {
				return fmt.Errorf("secret storage name %q not found", cfg.SecretProvider)
			}

			keys[name] = secrets.NewNativeKeyProvider(storageProvider)
		case "awskms":
			cfg, err := awsConfig(keyConfig.Config, storage)
			if err != nil {
				return fmt.Errorf("awskms key config %q: %w", name, err)
			}

			kms, err := secrets.NewAWSKMSSecretProviderFromConfig(cfg)
			if err != nil {
				return err
			}

			keys[name] = kms
		case "vault":
			var cfg secrets.VaultConfig
			if err := decodeConfig(keyConfig.Config, &cfg); err != nil {
				return fmt.Errorf("vault key config %q: %w", name, err)
			}

			token, err := secrets.GetSecret(cfg.Token, storage)
			if err != nil {
				return err
			}
			cfg.Token = token

			vault, err := secrets.NewVaultSecretProviderFromConfig(cfg)
			if err != nil {
				return err
			}

			keys[name] = vault
		default:
			return fmt.Errorf("unknown key provider type %q", keyConfig.Kind)
		}
	}

	return nil
}
