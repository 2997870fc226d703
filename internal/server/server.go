// Package server builds the lockbox object graph from Options and runs its
// long-lived routines: the rotation scheduler and the metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/infrahq/lockbox/internal"
	"github.com/infrahq/lockbox/internal/audit"
	"github.com/infrahq/lockbox/internal/keystore"
	"github.com/infrahq/lockbox/internal/logging"
	"github.com/infrahq/lockbox/internal/rotation"
	"github.com/infrahq/lockbox/internal/substrate"
	"github.com/infrahq/lockbox/internal/vault"
	"github.com/infrahq/lockbox/metrics"
	"github.com/infrahq/lockbox/secrets"
)

type Server struct {
	options Options

	secrets      map[string]secrets.SecretStorage
	keyProviders map[string]secrets.SymmetricKeyProvider

	substrate substrate.Substrate
	keys      keystore.KeyStore
	locks     *vault.Locks
	audit     audit.Recorder
	db        *gorm.DB

	Registry    *vault.Registry
	Provisioner *vault.Provisioner
	Store       *vault.Store
	Worker      *rotation.Worker
	Scheduler   *rotation.Scheduler

	Addrs           Addrs
	routines        []routine
	metricsRegistry *prometheus.Registry
}

type Addrs struct {
	Metrics net.Addr
}

type routine struct {
	run  func() error
	stop func()
}

// New validates options and builds every component. The returned Server
// is usable right away; call Listen and Run to serve metrics and rotate
// keys in the background.
func New(options Options) (*Server, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		options:      options,
		secrets:      map[string]secrets.SecretStorage{},
		keyProviders: map[string]secrets.SymmetricKeyProvider{},
		locks:        vault.NewLocks(),
	}

	if err := importSecrets(options.Secrets, s.secrets); err != nil {
		return nil, fmt.Errorf("secrets config: %w", err)
	}

	if err := importKeyProviders(options.KeyProviders, s.secrets, s.keyProviders); err != nil {
		return nil, fmt.Errorf("key config: %w", err)
	}

	sub, err := newSubstrate(options.Substrate)
	if err != nil {
		return nil, fmt.Errorf("substrate: %w", err)
	}
	s.substrate = sub

	s.keys, err = s.newKeyStore(options.Keys)
	if err != nil {
		return nil, fmt.Errorf("key store: %w", err)
	}

	if err := s.setupAudit(options.Audit); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	s.Registry = vault.NewRegistry(s.substrate)
	s.Provisioner = vault.NewProvisioner(s.substrate, s.keys, s.locks, s.audit, vault.ProvisionerOptions{
		Image: options.Substrate.Image,
	})
	s.Store = vault.NewStore(s.substrate, s.keys, s.locks, s.audit)
	s.Worker = rotation.NewWorker(s.substrate, s.keys, s.locks, s.audit, rotation.WorkerOptions{})
	s.Scheduler = rotation.NewScheduler(s.Registry, s.Worker, rotation.SchedulerOptions{
		Interval:     options.Rotation.Interval,
		Jitter:       options.Rotation.Jitter,
		Concurrency:  options.Rotation.Concurrency,
		VaultTimeout: options.Rotation.VaultTimeout,
	})

	s.metricsRegistry = setupMetrics(s.db)

	return s, nil
}

func newSubstrate(opts SubstrateOptions) (substrate.Substrate, error) {
	var sub substrate.Substrate

	switch opts.Kind {
	case "memory":
		logging.Warnf("using the in-memory substrate, vaults are lost when the process exits")
		sub = substrate.NewMemory()
	default:
		docker, err := substrate.NewDockerFromEnv()
		if err != nil {
			return nil, err
		}
		sub = docker
	}

	return substrate.NewGuard(sub, substrate.GuardOptions{
		CallTimeout: opts.CallTimeout,
		RateLimit:   opts.RateLimit,
		Burst:       opts.Burst,
	}), nil
}

func (s *Server) newKeyStore(opts KeyOptions) (keystore.KeyStore, error) {
	var wrapper *keystore.Wrapper

	if opts.Provider != "" {
		provider, ok := s.keyProviders[opts.Provider]
		if !ok {
			return nil, fmt.Errorf("key provider %s not configured", opts.Provider)
		}

		wrapper = keystore.NewWrapper(provider, opts.RootKeyID)
	}

	if opts.Store == "keyring" {
		storage, ok := s.secrets[opts.Storage]
		if !ok {
			return nil, fmt.Errorf("secret storage %s not configured", opts.Storage)
		}

		return keystore.NewKeyringStore(storage, wrapper), nil
	}

	return keystore.NewCompartmentStore(s.substrate, wrapper), nil
}

func (s *Server) setupAudit(opts AuditOptions) error {
	var dialector gorm.Dialector

	switch opts.Driver {
	case "none":
		s.audit = audit.LogRecorder{}
		return nil
	case "postgres":
		dsn, err := secrets.GetSecret(opts.DBConnectionString, s.secrets)
		if err != nil {
			return fmt.Errorf("postgres dsn: %w", err)
		}

		dialector = audit.NewPostgresDriver(dsn)
	default:
		var err error
		dialector, err = audit.NewSQLiteDriver(opts.DBFile)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
	}

	db, err := audit.NewDB(dialector)
	if err != nil {
		return err
	}

	s.db = db
	s.audit = audit.Multi{audit.LogRecorder{}, audit.NewDBRecorder(db)}

	return nil
}

// AuditLog returns the audit store, or nil when audit events are only
// logged.
func (s *Server) AuditLog() *audit.DBRecorder {
	if s.db == nil {
		return nil
	}

	return audit.NewDBRecorder(s.db)
}

// Keys returns the active key of vaultID followed by its archived keys,
// newest first. The key material is wiped.
func (s *Server) Keys(ctx context.Context, vaultID string) ([]keystore.Key, error) {
	active, err := s.keys.ActiveKey(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	active.Destroy()

	archived, err := s.keys.ArchivedKeys(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	keys := []keystore.Key{*active}
	for i := len(archived) - 1; i >= 0; i-- {
		archived[i].Destroy()
		keys = append(keys, archived[i])
	}

	return keys, nil
}

// Listen opens the metrics listener. It does nothing when no metrics
// address is configured.
func (s *Server) Listen() error {
	if s.options.Addr.Metrics == "" {
		return nil
	}

	metricsServer := &http.Server{
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		Addr:              s.options.Addr.Metrics,
		Handler:           metrics.NewHandler(s.metricsRegistry),
		ErrorLog:          logging.StandardErrorLog(),
	}

	var err error
	s.Addrs.Metrics, err = s.setupServer(metricsServer)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}

	return nil
}

func (s *Server) setupServer(server *http.Server) (net.Addr, error) {
	l, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, err
	}
	logging.Infof("listening on %s", l.Addr().String())

	s.routines = append(s.routines, routine{
		run: func() error {
			err := server.Serve(l)
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
		stop: func() {
			_ = server.Close()
		},
	})

	return l.Addr(), nil
}

// Run starts the routines and blocks until ctx is cancelled or a routine
// fails. A rotation in progress is allowed to finish.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	if s.options.Rotation.Enabled {
		group.Go(func() error {
			return s.Scheduler.Run(ctx)
		})
	}

	for i := range s.routines {
		group.Go(s.routines[i].run)
	}

	logging.Infof("starting lockbox server (%s) - metrics:%s", internal.FullVersion(), s.Addrs.Metrics)

	<-ctx.Done()
	for i := range s.routines {
		s.routines[i].stop()
	}

	err := group.Wait()

	if cerr := s.Close(); cerr != nil {
		logging.Warnf("closing: %v", cerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the audit database.
func (s *Server) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
