// Package bootstrap wires the customs core from configuration for the binaries under cmd/.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/broker/kafka"
	"github.com/BearBump/CustomsBox/internal/broker/messages"
	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/companies"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration/fake"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration/soapws"
	"github.com/BearBump/CustomsBox/internal/integrations/soap"
	"github.com/BearBump/CustomsBox/internal/integrations/wsaa"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/declarations"
	"github.com/BearBump/CustomsBox/internal/services/retrier"
	"github.com/BearBump/CustomsBox/internal/services/tokens"
	"github.com/BearBump/CustomsBox/internal/services/tracks"
	"github.com/BearBump/CustomsBox/internal/services/transactions"
	"github.com/BearBump/CustomsBox/internal/services/voyagestatus"
	"github.com/BearBump/CustomsBox/internal/storage/pgcustoms"
	"github.com/BearBump/CustomsBox/internal/wsaa/ticket"
	"github.com/pkg/errors"
)

// Storage is everything the core needs from the database.
type Storage interface {
	tokens.Repository
	transactions.Repository
	tracks.Repository
	voyagestatus.Repository
	retrier.Repository
	Ping(ctx context.Context) error
}

type Factories struct {
	NewStorage           func(ctx context.Context, cfg *config.Config) (st Storage, closeFn func(), err error)
	NewRedis             func(cfg *config.Config) *rediscache.RedisCache
	NewProducer          func(cfg *config.Config) transactions.Producer
	NewDeclarationClient func(cfg *config.Config) (declaration.Client, error)
	NewCertificateSource func(cfg *config.Config) certs.Source
}

func DefaultFactories() Factories {
	return Factories{
		NewStorage: func(ctx context.Context, cfg *config.Config) (Storage, func(), error) {
			st, err := OpenPostgresWithRetry(ctx, cfg.Database.ConnString(), 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		NewRedis: func(cfg *config.Config) *rediscache.RedisCache {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.New(fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		},
		NewProducer: func(cfg *config.Config) transactions.Producer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewProducer(KafkaBrokers(cfg))
		},
		NewDeclarationClient: NewDeclarationClient,
		NewCertificateSource: func(cfg *config.Config) certs.Source {
			return certs.DirSource{Dir: cfg.Wsaa.CertificateDir, Password: cfg.Wsaa.CertificatePassword}
		},
	}
}

func KafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

// TransactionTopic is the configured topic or the default one.
func TransactionTopic(cfg *config.Config) string {
	if cfg.Kafka.TransactionUpdatedTopicName != "" {
		return cfg.Kafka.TransactionUpdatedTopicName
	}
	return messages.TopicTransactionUpdated
}

// OpenPostgresWithRetry waits for the database to accept connections, up to wait.
func OpenPostgresWithRetry(ctx context.Context, connString string, wait time.Duration) (*pgcustoms.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgcustoms.New(ctx, connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

// NewDeclarationClient returns the fake in "fake" mode and the SOAP client otherwise.
func NewDeclarationClient(cfg *config.Config) (declaration.Client, error) {
	switch cfg.Declarations.Mode {
	case "fake":
		return fake.New(), nil
	case "", "soap":
	default:
		return nil, errors.Errorf("unknown declarations mode %q", cfg.Declarations.Mode)
	}
	endpoints := make(map[string]soapws.Endpoint, len(cfg.Declarations.Endpoints))
	for key, e := range cfg.Declarations.Endpoints {
		endpoints[key] = soapws.Endpoint{URL: e.URL, Operation: e.Operation, Namespace: e.Namespace, Action: e.Action}
	}
	return soapws.New(soap.NewHTTPClient(seconds(cfg.Declarations.CallTimeoutSeconds, 60*time.Second), false), endpoints), nil
}

// Core is the wired service graph shared by the binaries.
type Core struct {
	Metrics      *metrics.Metrics
	Storage      Storage
	Redis        *rediscache.RedisCache
	Companies    *companies.Directory
	Tokens       *tokens.Store
	Transactions *transactions.Manager
	Tracks       *tracks.Registry
	Voyages      *voyagestatus.Service
	Declarations *declarations.Service

	closers []func()
}

func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func Build(ctx context.Context, cfg *config.Config, f Factories) (*Core, error) {
	c := &Core{Metrics: metrics.New()}

	list := make([]models.CompanyContext, 0, len(cfg.Companies))
	for _, cc := range cfg.Companies {
		company, err := cc.Context()
		if err != nil {
			return nil, err
		}
		list = append(list, company)
	}
	c.Companies = companies.NewDirectory(list)

	strategies, err := ticket.SelectStrategies(cfg.Wsaa.SigningStrategies, ticket.ExecRunner)
	if err != nil {
		return nil, err
	}
	client, err := f.NewDeclarationClient(cfg)
	if err != nil {
		return nil, err
	}

	st, closeFn, err := f.NewStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Storage = st
	if closeFn != nil {
		c.closers = append(c.closers, closeFn)
	}

	c.Redis = f.NewRedis(cfg)
	if c.Redis != nil {
		c.closers = append(c.closers, func() { _ = c.Redis.Close() })
	}

	producer := f.NewProducer(cfg)
	if closer, ok := producer.(interface{ Close() error }); ok {
		c.closers = append(c.closers, func() { _ = closer.Close() })
	}

	timeout := seconds(cfg.Wsaa.TimeoutSeconds, wsaa.DefaultTimeout)
	auth := tokens.NewWsaaAuthenticator(
		certs.NewManager(f.NewCertificateSource(cfg)),
		ticket.NewBuilder(nil),
		ticket.NewSigner(strategies...),
		wsaa.New(models.EnvironmentProduction, timeout, false),
		c.Metrics,
	).
		WithLoginClient(models.EnvironmentTesting, wsaa.New(models.EnvironmentTesting, timeout, cfg.Wsaa.RelaxTLS)).
		WithEndpoint(models.EnvironmentTesting, cfg.Wsaa.HomologationEndpoint).
		WithEndpoint(models.EnvironmentProduction, cfg.Wsaa.ProductionEndpoint).
		WithTicketWindow(seconds(cfg.Wsaa.TicketWindowSeconds, 0))

	if c.Redis != nil {
		c.Tokens = tokens.New(st, auth, c.Redis, c.Redis, c.Metrics)
		c.Voyages = voyagestatus.New(st, c.Redis, seconds(cfg.CustomsBox.VoyageSummaryTTLSeconds, 10*time.Minute))
	} else {
		slog.Warn("redis is not configured, token and summary caches are disabled")
		c.Tokens = tokens.New(st, auth, nil, nil, c.Metrics)
		c.Voyages = voyagestatus.New(st, nil, 0)
	}
	c.Tokens.WithSettings(
		seconds(cfg.Wsaa.RefreshThresholdSecs, 0),
		seconds(cfg.Wsaa.RefreshTimeoutSecs, 0),
		0, 0,
	)

	c.Transactions = transactions.New(st, producer, c.Metrics).
		WithTopic(TransactionTopic(cfg)).
		WithPlanner(transactions.PlannerConfig{
			Backoff1: seconds(cfg.CustomsBox.WorkerBackoff1Seconds, 0),
			Backoff2: seconds(cfg.CustomsBox.WorkerBackoff2Seconds, 0),
			Backoff3: seconds(cfg.CustomsBox.WorkerBackoff3Seconds, 0),
			Backoff4: seconds(cfg.CustomsBox.WorkerBackoff4Seconds, 0),
			Jitter:   cfg.CustomsBox.WorkerBackoffJitter,
		})
	c.Tracks = tracks.New(st)

	services := make(map[models.WebserviceType]string, len(cfg.Declarations.Services))
	for k, v := range cfg.Declarations.Services {
		wsType, err := models.ParseWebserviceType(k)
		if err != nil {
			c.Close()
			return nil, err
		}
		services[wsType] = v
	}
	c.Declarations = declarations.New(c.Tokens, c.Transactions, c.Tracks, c.Voyages, c.Companies, client, c.Metrics).
		WithSettings(seconds(cfg.Declarations.CallTimeoutSeconds, 0), services)

	return c, nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
