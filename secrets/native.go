package secrets

import (
	"errors"
	"fmt"
)

const nativeRootKeyID = "lockbox/root.key"

var _ SymmetricKeyProvider = &NativeKeyProvider{}

// NativeKeyProvider keeps a root key in a SecretStorage and uses it to
// encrypt data keys locally.
type NativeKeyProvider struct {
	SecretStorage SecretStorage
}

func NewNativeKeyProvider(storage SecretStorage) *NativeKeyProvider {
	return &NativeKeyProvider{
		SecretStorage: storage,
	}
}

func (n *NativeKeyProvider) rootKey(rootKeyID string, create bool) (*SymmetricKey, error) {
	rootKey, err := n.SecretStorage.GetSecret(rootKeyID)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound) && create:
		rootKey, err = cryptoRandRead(KeySize)
		if err != nil {
			return nil, err
		}

		if err = n.SecretStorage.SetSecret(rootKeyID, rootKey); err != nil {
			return nil, fmt.Errorf("saving root key: %w", err)
		}
	default:
		return nil, fmt.Errorf("getting root key: %w", err)
	}

	return NewSymmetricKey(rootKey)
}

func (n *NativeKeyProvider) GenerateDataKey(rootKeyID string) (*SymmetricKey, error) {
	if rootKeyID == "" {
		rootKeyID = nativeRootKeyID
	}

	root, err := n.rootKey(rootKeyID, true)
	if err != nil {
		return nil, err
	}
	defer root.Destroy()

	dataKey, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	dataKey.Encrypted, err = Seal(root, dataKey.unencrypted)
	if err != nil {
		return nil, fmt.Errorf("sealing: %w", err)
	}

	dataKey.RootKeyID = rootKeyID

	return dataKey, nil
}

func (n *NativeKeyProvider) DecryptDataKey(rootKeyID string, keyData []byte) (*SymmetricKey, error) {
	if rootKeyID == "" {
		rootKeyID = nativeRootKeyID
	}

	root, err := n.rootKey(rootKeyID, false)
	if err != nil {
		return nil, err
	}
	defer root.Destroy()

	unsealed, err := Unseal(root, keyData)
	if err != nil {
		return nil, fmt.Errorf("unsealing: %w", err)
	}

	return &SymmetricKey{
		unencrypted: unsealed,
		Encrypted:   keyData,
		Algorithm:   AlgorithmAESGCM,
		RootKeyID:   rootKeyID,
	}, nil
}
