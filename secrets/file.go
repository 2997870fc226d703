package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// implements file storage for secret config

type GenericConfig struct {
	Base64           bool `mapstructure:"base64"`
	Base64URLEncoded bool `mapstructure:"base64UrlEncoded"`
	Base64Raw        bool `mapstructure:"base64Raw"`
}

func (c GenericConfig) encoder() *base64.Encoding {
	switch {
	case c.Base64URLEncoded && c.Base64Raw:
		return base64.RawURLEncoding
	case c.Base64URLEncoded:
		return base64.URLEncoding
	case c.Base64Raw:
		return base64.RawStdEncoding
	default:
		return base64.StdEncoding
	}
}

func (c GenericConfig) encode(secret []byte) []byte {
	if !c.Base64 {
		b := make([]byte, len(secret))
		copy(b, secret)
		return b
	}

	b := make([]byte, c.encoder().EncodedLen(len(secret)))
	c.encoder().Encode(b, secret)

	return b
}

func (c GenericConfig) decode(b []byte) ([]byte, error) {
	if !c.Base64 {
		return b, nil
	}

	result := make([]byte, c.encoder().DecodedLen(len(b)))

	written, err := c.encoder().Decode(result, b)
	if err != nil {
		return nil, fmt.Errorf("base64 decoding: %w", err)
	}

	return result[:written], nil
}

type FileConfig struct {
	GenericConfig `mapstructure:",squash"`
	Path          string `mapstructure:"path" validate:"required"`
}

type FileSecretProvider struct {
	FileConfig
	fs afero.Fs
}

func NewFileSecretProviderFromConfig(cfg FileConfig) *FileSecretProvider {
	return NewFileSecretProvider(cfg, afero.NewOsFs())
}

// NewFileSecretProvider stores secrets as files under cfg.Path on fs.
func NewFileSecretProvider(cfg FileConfig, fs afero.Fs) *FileSecretProvider {
	return &FileSecretProvider{
		FileConfig: cfg,
		fs:         fs,
	}
}

var _ SecretStorage = &FileSecretProvider{}

func (fp *FileSecretProvider) fullPath(name string) (string, error) {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid secret name %q", name)
		}
	}

	return path.Join(fp.Path, name), nil
}

// SetSecret writes the secret to a temporary file and renames it into place,
// so readers never see a partially written secret.
func (fp *FileSecretProvider) SetSecret(name string, secret []byte) error {
	fullPath, err := fp.fullPath(name)
	if err != nil {
		return err
	}

	if err := fp.fs.MkdirAll(path.Dir(fullPath), 0o700); err != nil {
		return fmt.Errorf("mkdir %q: %w", path.Dir(fullPath), err)
	}

	tmp := fullPath + ".tmp"
	if err := afero.WriteFile(fp.fs, tmp, fp.encode(secret), 0o600); err != nil {
		return fmt.Errorf("writing file %q: %w", tmp, err)
	}

	if err := fp.fs.Rename(tmp, fullPath); err != nil {
		return fmt.Errorf("renaming %q: %w", tmp, err)
	}

	return nil
}

func (fp *FileSecretProvider) GetSecret(name string) (secret []byte, err error) {
	fullPath, err := fp.fullPath(name)
	if err != nil {
		return nil, err
	}

	b, err := afero.ReadFile(fp.fs, fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading file %q: %w", fullPath, err)
	}

	if len(b) == 0 {
		return nil, ErrNotFound
	}

	result, err := fp.decode(b)
	if err != nil {
		return nil, fmt.Errorf("file %q: %w", fullPath, err)
	}

	return result, nil
}
