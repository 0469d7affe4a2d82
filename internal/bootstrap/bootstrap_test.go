package bootstrap

import (
	"context"
	"testing"

	"github.com/BearBump/CustomsBox/config"
	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration/fake"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration/soapws"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/transactions"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// stubStorage satisfies Storage; Build never touches the database.
type stubStorage struct{ Storage }

type closingProducer struct{ closed *bool }

func (p closingProducer) Publish(context.Context, string, []byte, []byte) error { return nil }
func (p closingProducer) Close() error {
	*p.closed = true
	return nil
}

func testFactories(storageClosed, producerClosed *bool, redisAddr string) Factories {
	return Factories{
		NewStorage: func(context.Context, *config.Config) (Storage, func(), error) {
			return stubStorage{}, func() { *storageClosed = true }, nil
		},
		NewRedis: func(*config.Config) *rediscache.RedisCache {
			if redisAddr == "" {
				return nil
			}
			return rediscache.New(redisAddr)
		},
		NewProducer: func(*config.Config) transactions.Producer {
			return closingProducer{closed: producerClosed}
		},
		NewDeclarationClient: NewDeclarationClient,
		NewCertificateSource: func(*config.Config) certs.Source {
			return certs.DirSource{Dir: "/nonexistent"}
		},
	}
}

func baseConfig() *config.Config {
	return &config.Config{
		Declarations: config.DeclarationsConfig{
			Mode:     "fake",
			Services: map[string]string{"micdta": "wgesmicdta"},
		},
		Companies: []config.CompanyConfig{
			{ID: 7, Cuit: "20123456789", Environment: "testing", Capabilities: []string{"cargas"}},
		},
	}
}

func TestBuild_WiresCore(t *testing.T) {
	var stClosed, prClosed bool
	mr := miniredis.RunT(t)

	core, err := Build(context.Background(), baseConfig(), testFactories(&stClosed, &prClosed, mr.Addr()))
	require.NoError(t, err)
	require.NotNil(t, core.Tokens)
	require.NotNil(t, core.Transactions)
	require.NotNil(t, core.Tracks)
	require.NotNil(t, core.Voyages)
	require.NotNil(t, core.Declarations)
	require.NotNil(t, core.Redis)

	c, err := core.Companies.Company(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, models.EnvironmentTesting, c.Environment)

	core.Close()
	require.True(t, stClosed)
	require.True(t, prClosed)
}

func TestBuild_WithoutRedis(t *testing.T) {
	var stClosed, prClosed bool
	core, err := Build(context.Background(), baseConfig(), testFactories(&stClosed, &prClosed, ""))
	require.NoError(t, err)
	require.Nil(t, core.Redis)
	core.Close()
}

func TestBuild_RejectsBadConfig(t *testing.T) {
	var stClosed, prClosed bool
	f := testFactories(&stClosed, &prClosed, "")

	cfg := baseConfig()
	cfg.Companies[0].Environment = "staging"
	_, err := Build(context.Background(), cfg, f)
	require.Error(t, err)

	cfg = baseConfig()
	cfg.Wsaa.SigningStrategies = []string{"hsm"}
	_, err = Build(context.Background(), cfg, f)
	require.Error(t, err)

	cfg = baseConfig()
	cfg.Declarations.Services = map[string]string{"cmr": "x"}
	_, err = Build(context.Background(), cfg, f)
	require.Error(t, err)
	require.True(t, stClosed, "storage opened before the failure is closed")
}

func TestNewDeclarationClient(t *testing.T) {
	cfg := &config.Config{Declarations: config.DeclarationsConfig{Mode: "fake"}}
	c, err := NewDeclarationClient(cfg)
	require.NoError(t, err)
	_, ok := c.(*fake.Client)
	require.True(t, ok)

	cfg.Declarations.Mode = "soap"
	cfg.Declarations.Endpoints = map[string]config.DeclarationEndpoint{
		"AR/micdta": {URL: "http://localhost/ws", Operation: "RegistrarMicDta", Namespace: "urn:x"},
	}
	c, err = NewDeclarationClient(cfg)
	require.NoError(t, err)
	_, ok = c.(*soapws.Client)
	require.True(t, ok)

	cfg.Declarations.Mode = "grpc"
	_, err = NewDeclarationClient(cfg)
	require.Error(t, err)
}

func TestDefaultFactories_OptionalInfra(t *testing.T) {
	f := DefaultFactories()
	cfg := &config.Config{}
	require.Nil(t, f.NewRedis(cfg))
	require.Nil(t, f.NewProducer(cfg))

	cfg.Kafka = config.KafkaConfig{Host: "localhost", Port: 9092}
	cfg.Redis = config.RedisConfig{Host: "localhost", Port: 6379}
	require.NotNil(t, f.NewProducer(cfg))
	rc := f.NewRedis(cfg)
	require.NotNil(t, rc)
	_ = rc.Close()

	require.Equal(t, "customs.transaction.updated", TransactionTopic(cfg))
	cfg.Kafka.TransactionUpdatedTopicName = "t"
	require.Equal(t, "t", TransactionTopic(cfg))
}
