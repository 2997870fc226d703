package server

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"
)

type Options struct {
	Substrate SubstrateOptions `mapstructure:"substrate"`
	Keys      KeyOptions       `mapstructure:"keys"`
	Rotation  RotationOptions  `mapstructure:"rotation"`
	Audit     AuditOptions     `mapstructure:"audit"`
	Addr      ListenerOptions  `mapstructure:"addr"`

	Secrets      []SecretProvider `mapstructure:"secrets" validate:"dive"`
	KeyProviders []KeyProvider    `mapstructure:"keyProviders" validate:"dive"`
}

type SubstrateOptions struct {
	// Kind is docker, or memory for a substrate that lives and dies with
	// the process.
	Kind  string `mapstructure:"kind" default:"docker" validate:"oneof=docker memory"`
	Image string `mapstructure:"image" default:"alpine:3.19" validate:"required"`

	CallTimeout time.Duration `mapstructure:"callTimeout" default:"30s" validate:"gte=0"`
	// RateLimit is the number of substrate calls per second, shared by all
	// vaults. Zero disables the limit.
	RateLimit float64 `mapstructure:"rateLimit" default:"50" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" default:"20" validate:"gte=0"`
}

type KeyOptions struct {
	// Store is compartment, to keep keys on each vault's key volume, or
	// keyring, to keep them in the secret storage named by Storage.
	Store   string `mapstructure:"store" default:"compartment" validate:"oneof=compartment keyring"`
	Storage string `mapstructure:"storage" default:"file" validate:"required_if=Store keyring"`

	// Provider names the key provider that wraps stored keys. Keys are
	// stored unwrapped when it is empty.
	Provider  string `mapstructure:"provider"`
	RootKeyID string `mapstructure:"rootKeyID"`
}

type RotationOptions struct {
	Enabled      bool          `mapstructure:"enabled" default:"true"`
	Interval     time.Duration `mapstructure:"interval" default:"24h" validate:"gt=0"`
	Jitter       time.Duration `mapstructure:"jitter" default:"1h" validate:"gte=0"`
	Concurrency  int           `mapstructure:"concurrency" default:"4" validate:"gte=1"`
	VaultTimeout time.Duration `mapstructure:"vaultTimeout" default:"30m" validate:"gte=0"`
}

type AuditOptions struct {
	// Driver is sqlite, postgres, or none to only log audit events.
	Driver string `mapstructure:"driver" default:"sqlite" validate:"oneof=sqlite postgres none"`
	DBFile string `mapstructure:"dbFile" default:"$HOME/.lockbox/audit.db" validate:"required_if=Driver sqlite"`
	// DBConnectionString is the postgres DSN. It may be a secret reference,
	// eg env:LOCKBOX_AUDIT_DSN.
	DBConnectionString string `mapstructure:"dbConnectionString" validate:"required_if=Driver postgres"`
}

type ListenerOptions struct {
	// Metrics is the address of the metrics and health endpoint. Empty
	// disables it.
	Metrics string `mapstructure:"metrics" default:":9090"`
}

// NewOptions returns Options with every default applied.
func NewOptions() Options {
	var options Options
	defaults.SetDefaults(&options)

	return options
}

var validate = validator.New()

func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	return nil
}
