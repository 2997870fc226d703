package secrets

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
)

// ensure this interface is implemented properly
var _ SymmetricKeyProvider = &AWSKMSSecretProvider{}

type AWSKMSSecretProvider struct {
	kms kmsiface.KMSAPI
}

func NewAWSKMSSecretProvider(kmssvc kmsiface.KMSAPI) *AWSKMSSecretProvider {
	return &AWSKMSSecretProvider{
		kms: kmssvc,
	}
}

func NewAWSKMSSecretProviderFromConfig(cfg AWSConfig) (*AWSKMSSecretProvider, error) {
	sess, awscfg, err := newAWSSession(cfg)
	if err != nil {
		return nil, err
	}

	return NewAWSKMSSecretProvider(kms.New(sess, awscfg)), nil
}

func (k *AWSKMSSecretProvider) DecryptDataKey(rootKeyID string, keyData []byte) (*SymmetricKey, error) {
	out, err := k.kms.Decrypt(&kms.DecryptInput{
		KeyId:               aws.String(rootKeyID),
		EncryptionAlgorithm: aws.String(kms.EncryptionAlgorithmSpecSymmetricDefault),
		CiphertextBlob:      keyData,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt data key: %w", err)
	}

	key, err := NewSymmetricKey(out.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}

	key.Encrypted = keyData
	key.RootKeyID = rootKeyID

	return key, nil
}

func (k *AWSKMSSecretProvider) generateRootKey(name string) (*kms.CreateKeyOutput, error) {
	return k.kms.CreateKey(&kms.CreateKeyInput{
		MultiRegion: aws.Bool(true),
		Tags: []*kms.Tag{{
			TagKey:   aws.String("alias"),
			TagValue: aws.String(name),
		}},
	})
}

func (k *AWSKMSSecretProvider) GenerateDataKey(rootKeyID string) (*SymmetricKey, error) {
	if rootKeyID == "" {
		ko, err := k.generateRootKey("lockbox:root")
		if err != nil {
			return nil, fmt.Errorf("kms: generate root key: %w", err)
		}

		rootKeyID = *ko.KeyMetadata.KeyId
	}

	dko, err := k.kms.GenerateDataKey(&kms.GenerateDataKeyInput{
		KeySpec: aws.String(kms.DataKeySpecAes256),
		KeyId:   aws.String(rootKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: generate data key: %w", err)
	}

	key, err := NewSymmetricKey(dko.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}

	key.Encrypted = dko.CiphertextBlob
	key.RootKeyID = rootKeyID

	return key, nil
}
