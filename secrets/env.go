package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// implements env storage for secret config

type EnvSecretProvider struct {
	GenericConfig
}

func NewEnvSecretProviderFromConfig(cfg GenericConfig) *EnvSecretProvider {
	return &EnvSecretProvider{
		GenericConfig: cfg,
	}
}

var _ SecretStorage = &EnvSecretProvider{}

var invalidNameChars = regexp.MustCompile(`[^\w\d-]`)

func (fp *EnvSecretProvider) SetSecret(name string, secret []byte) error {
	if strings.Contains(name, "$") {
		return errors.New("ENV secrets cannot contain $")
	}

	name = invalidNameChars.ReplaceAllString(name, "_")

	if err := os.Setenv(name, string(fp.encode(secret))); err != nil {
		return fmt.Errorf("setenv: %w", err)
	}

	return nil
}

func (fp *EnvSecretProvider) GetSecret(name string) (secret []byte, err error) {
	name = invalidNameChars.ReplaceAllString(name, "_")

	value, present := os.LookupEnv(name)
	if !present || value == "" {
		return nil, ErrNotFound
	}

	result, err := fp.decode([]byte(value))
	if err != nil {
		return nil, fmt.Errorf("env %q: %w", name, err)
	}

	return result, nil
}
