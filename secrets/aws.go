package secrets

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

type AWSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region" validate:"required"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
}

// newAWSSession builds a session from static credentials when they are
// configured, falling back to the default credential chain otherwise.
func newAWSSession(cfg AWSConfig) (*session.Session, *aws.Config, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("creating aws session: %w", err)
	}

	awscfg := aws.NewConfig().WithRegion(cfg.Region)

	if cfg.Endpoint != "" {
		awscfg = awscfg.WithEndpoint(cfg.Endpoint)
	}

	if cfg.AccessKeyID != "" {
		awscfg = awscfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""))
	}

	return sess, awscfg, nil
}
