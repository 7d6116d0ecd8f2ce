// Package app builds the verification engine from a configuration value.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/systmms/credsentry/internal/audit"
	"github.com/systmms/credsentry/internal/config"
	"github.com/systmms/credsentry/internal/health"
	"github.com/systmms/credsentry/internal/keysource"
	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/internal/orchestrator"
	"github.com/systmms/credsentry/internal/scanner"
	"github.com/systmms/credsentry/internal/secure"
	"github.com/systmms/credsentry/internal/store"
	"github.com/systmms/credsentry/pkg/protocol"
	"github.com/systmms/credsentry/pkg/verifier"
)

// stopSlack is added to the shutdown grace when bounding Stop.
const stopSlack = 5 * time.Second

// App holds every engine component.
type App struct {
	Config       *config.Config
	Logger       *logging.Logger
	Store        store.CredentialStore
	Cipher       *secure.PayloadCipher
	Registry     *verifier.Registry
	Scanner      *scanner.Scanner
	Audit        *audit.Logger
	Metrics      *health.Metrics
	Orchestrator *orchestrator.Orchestrator
	Health       *health.Server
}

type options struct {
	store      store.CredentialStore
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	verifiers  []verifier.Verifier
}

// Option customises New.
type Option func(*options)

// WithStore uses st instead of opening cfg.Store.
func WithStore(st store.CredentialStore) Option {
	return func(o *options) { o.store = st }
}

// WithRegistry registers metrics with reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// WithVerifiers replaces the default verifier set.
func WithVerifiers(vs ...verifier.Verifier) Option {
	return func(o *options) { o.verifiers = vs }
}

// New resolves the payload key, opens the store and wires the engine.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*App, error) {
	o := options{registerer: prometheus.DefaultRegisterer, gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	cipher, err := OpenCipher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st := o.store
	if st == nil {
		st, err = store.Open(ctx, cfg.Store, logger)
		if err != nil {
			cipher.Destroy()
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	vs := o.verifiers
	if vs == nil {
		vs = DefaultVerifiers(cfg, cipher, logger)
	}
	reg, err := verifier.NewRegistry(vs...)
	if err != nil {
		cipher.Destroy()
		_ = st.Close()
		return nil, err
	}

	sc := scanner.New(st, scanner.Options{
		RetryDelay:       cfg.Retry.Delay,
		MaxRetries:       cfg.Retry.MaxCount,
		Backoff:          cfg.Retry.Backoff,
		AttemptRetention: days(cfg.Scan.AttemptRetentionDays),
	}, logger.With("component", "scanner"))
	al := audit.New(st, days(cfg.Audit.RetentionDays), logger.With("component", "audit"))
	metrics := health.NewMetrics(o.registerer)
	orch := orchestrator.New(st, sc, reg, al, metrics, orchestrator.OptionsFromConfig(cfg), logger.With("component", "orchestrator"))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Store:        st,
		Cipher:       cipher,
		Registry:     reg,
		Scanner:      sc,
		Audit:        al,
		Metrics:      metrics,
		Orchestrator: orch,
		Health:       health.NewServer(health.DefaultServerConfig(cfg.Health.Port), orch, o.gatherer, logger.With("component", "health")),
	}, nil
}

// OpenCipher resolves key material from the configured source and builds
// the payload cipher.
func OpenCipher(ctx context.Context, cfg *config.Config) (*secure.PayloadCipher, error) {
	material, err := keysource.Resolve(ctx, keysource.Options{
		Source:          cfg.Encryption.Source,
		Ref:             cfg.Encryption.Ref,
		Key:             cfg.Encryption.Key,
		IV:              cfg.Encryption.IV,
		Region:          cfg.Encryption.Region,
		Endpoint:        cfg.Encryption.Endpoint,
		CredentialsFile: cfg.Encryption.CredentialsFile,
		VaultURL:        cfg.Encryption.VaultURL,
	})
	if err != nil {
		return nil, err
	}
	if err := config.ValidateKeyMaterial(material.Key, material.IV); err != nil {
		return nil, err
	}
	return secure.NewPayloadCipher(material.Key, material.IV)
}

// DefaultVerifiers builds the six verifiers over the real protocol clients.
func DefaultVerifiers(cfg *config.Config, d verifier.Decryptor, logger *logging.Logger) []verifier.Verifier {
	t := cfg.Timeouts
	return []verifier.Verifier{
		verifier.NewSSHVerifier(d, &protocol.DefaultSSHDialer{KnownHostsFile: cfg.SSH.KnownHosts}, t.SSH, logger.With("verifier", "ssh")),
		verifier.NewWindowsVerifier(d, protocol.DefaultWinRMRunner{}, protocol.DefaultSMBLister{}, protocol.DefaultRDPProber{}, t.Windows, logger.With("verifier", "windows")),
		verifier.NewDatabaseVerifier(d, protocol.DefaultRegistry(), t.Database, logger.With("verifier", "database")),
		verifier.NewWebsiteVerifier(d, verifier.DefaultHTTPClientFactory, t.Website, logger.With("verifier", "website")),
		verifier.NewCertificateVerifier(d, protocol.DefaultTLSProber{}, t.Certificate, logger.With("verifier", "certificate")),
		verifier.NewAPITokenVerifier(d, verifier.DefaultHTTPClientFactory, cfg.APIToken.SmokeTestEndpoint, t.API, logger.With("verifier", "api_token")),
	}
}

// Run starts the health server and the scan loop, blocks until ctx is
// cancelled, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Health.Start(); err != nil {
		return err
	}
	if err := a.Orchestrator.Start(ctx); err != nil {
		_ = a.Health.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	a.Logger.Info("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.Scan.ShutdownGrace+stopSlack)
	defer cancel()
	var errs []error
	if err := a.Orchestrator.Stop(stopCtx); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
		errs = append(errs, err)
	}
	if err := a.Health.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("health server: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the store and wipes key material.
func (a *App) Close() error {
	a.Cipher.Destroy()
	return a.Store.Close()
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
