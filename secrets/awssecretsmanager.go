package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

var _ SecretStorage = &AWSSecretsManager{}

type AWSSecretsManager struct {
	client secretsmanageriface.SecretsManagerAPI
}

func NewAWSSecretsManager(client secretsmanageriface.SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
	}
}

func NewAWSSecretsManagerFromConfig(cfg AWSConfig) (*AWSSecretsManager, error) {
	sess, awscfg, err := newAWSSession(cfg)
	if err != nil {
		return nil, err
	}

	return NewAWSSecretsManager(secretsmanager.New(sess, awscfg)), nil
}

// SetSecret
// must have the secretsmanager:CreateSecret and secretsmanager:PutSecretValue permissions
// if using kms customer-managed keys, also need:
// - kms:GenerateDataKey
// - kms:Decrypt
func (s *AWSSecretsManager) SetSecret(name string, secret []byte) error {
	name = strings.ReplaceAll(name, ":", "_")

	_, err := s.client.CreateSecretWithContext(context.TODO(), &secretsmanager.CreateSecretInput{
		Name:         &name,
		SecretBinary: secret,
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != secretsmanager.ErrCodeResourceExistsException {
		return fmt.Errorf("aws sm: creating secret: %w", err)
	}

	// try replacing instead
	_, err = s.client.PutSecretValueWithContext(context.TODO(), &secretsmanager.PutSecretValueInput{
		SecretBinary: secret,
		SecretId:     &name,
	})
	if err != nil {
		return fmt.Errorf("aws sm: put secret value: %w", err)
	}

	return nil
}

// GetSecret
// must have permission secretsmanager:GetSecretValue
// kms:Decrypt - required only if you use a customer-managed Amazon Web Services KMS key to encrypt the secret
func (s *AWSSecretsManager) GetSecret(name string) (secret []byte, err error) {
	name = strings.ReplaceAll(name, ":", "_")

	sec, err := s.client.GetSecretValueWithContext(context.TODO(), &secretsmanager.GetSecretValueInput{
		SecretId: &name,
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("aws sm: get secret: %w", err)
	}

	if len(sec.SecretBinary) == 0 {
		return nil, ErrNotFound
	}

	return sec.SecretBinary, nil
}
