package secrets

import (
	"errors"
)

var ErrNotImplemented = errors.New("not implemented")

// PlainSecretProvider "stores" a secret as its own name. It lets config
// values be given inline as plaintext:value.
type PlainSecretProvider struct {
	GenericConfig
}

func NewPlainSecretProviderFromConfig(cfg GenericConfig) *PlainSecretProvider {
	return &PlainSecretProvider{
		GenericConfig: cfg,
	}
}

var _ SecretStorage = &PlainSecretProvider{}

func (fp *PlainSecretProvider) SetSecret(name string, secret []byte) error {
	return ErrNotImplemented // and not really possible to implement...
}

func (fp *PlainSecretProvider) GetSecret(name string) (secret []byte, err error) {
	return fp.decode([]byte(name))
}
