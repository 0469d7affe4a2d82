package config

import (
	"fmt"
	"os"

	"github.com/BearBump/CustomsBox/internal/models"
	env "github.com/Netflix/go-env"
	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Redis        RedisConfig        `yaml:"redis"`
	CustomsBox   CustomsBoxConfig   `yaml:"customsbox"`
	Wsaa         WsaaConfig         `yaml:"wsaa"`
	Declarations DeclarationsConfig `yaml:"declarations"`
	Companies    []CompanyConfig    `yaml:"companies"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                        string `yaml:"host"`
	Port                        int    `yaml:"port"`
	TransactionUpdatedTopicName string `yaml:"transaction_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CustomsBoxConfig struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	HTTPAddr                 string `yaml:"http_addr"`
	KafkaConsumerGroup       string `yaml:"kafka_consumer_group"`
	VoyageSummaryTTLSeconds  int    `yaml:"voyage_summary_ttl_seconds"`
	TransactionExpirySeconds int    `yaml:"transaction_expiry_seconds"`

	WorkerPollIntervalSeconds int              `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int              `yaml:"worker_batch_size"`
	WorkerConcurrency         int              `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int              `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int              `yaml:"worker_rate_limit_per_minute"`
	WorkerCountryRateLimits   map[string]int64 `yaml:"worker_country_rate_limits"`
	WorkerHTTPAddr            string           `yaml:"worker_http_addr"`

	// Backoff between attempts of a failed declaration, 5/15/30/60 minutes when unset.
	WorkerBackoff1Seconds int     `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds int     `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds int     `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds int     `yaml:"worker_backoff_4_seconds"`
	WorkerBackoffJitter   float64 `yaml:"worker_backoff_jitter"`
}

type WsaaConfig struct {
	HomologationEndpoint string `yaml:"homologation_endpoint"`
	ProductionEndpoint   string `yaml:"production_endpoint"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	// RelaxTLS disables peer verification against homologation only.
	RelaxTLS bool `yaml:"relax_tls"`

	TicketWindowSeconds  int    `yaml:"ticket_window_seconds"`
	RefreshThresholdSecs int    `yaml:"refresh_threshold_seconds"`
	RefreshTimeoutSecs   int    `yaml:"refresh_timeout_seconds"`
	CertificateDir       string `yaml:"certificate_dir"`
	CertificatePassword  string `yaml:"certificate_password"`
	// SigningStrategies orders the signing strategies by name; empty means library, openssl-cms, openssl-smime-legacy.
	SigningStrategies []string `yaml:"signing_strategies"`
}

type DeclarationsConfig struct {
	Mode               string                         `yaml:"mode"` // "soap" | "fake"
	CallTimeoutSeconds int                            `yaml:"call_timeout_seconds"`
	Services           map[string]string              `yaml:"services"`
	Endpoints          map[string]DeclarationEndpoint `yaml:"endpoints"`
}

type DeclarationEndpoint struct {
	URL       string `yaml:"url"`
	Operation string `yaml:"operation"`
	Namespace string `yaml:"namespace"`
	Action    string `yaml:"action"`
}

type CompanyConfig struct {
	ID             uint64   `yaml:"id"`
	Cuit           string   `yaml:"cuit"`
	Environment    string   `yaml:"environment"`
	CertificateRef string   `yaml:"certificate_ref"`
	Capabilities   []string `yaml:"capabilities"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// envOverrides holds the values that may come from the environment instead of the file.
type envOverrides struct {
	DBPassword   string `env:"DB_PASSWORD"`
	CertPassword string `env:"CERT_PASSWORD"`
	LogLevel     string `env:"LOG_LEVEL"`
	Environment  string `env:"ENVIRONMENT"`
	RedisHost    string `env:"REDIS_HOST"`
	KafkaHost    string `env:"KAFKA_HOST"`
}

// ApplyEnv overlays secrets and deployment settings from the environment. Unset variables keep file values.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to unmarshal environment variables: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Password, o.DBPassword)
	set(&cfg.Wsaa.CertificatePassword, o.CertPassword)
	set(&cfg.CustomsBox.LogLevel, o.LogLevel)
	set(&cfg.CustomsBox.Environment, o.Environment)
	set(&cfg.Redis.Host, o.RedisHost)
	set(&cfg.Kafka.Host, o.KafkaHost)
	return nil
}

// Context converts the configured company into the context passed to the core.
func (c CompanyConfig) Context() (models.CompanyContext, error) {
	envName := c.Environment
	if envName == "" {
		envName = string(models.EnvironmentTesting)
	}
	e, err := models.ParseEnvironment(envName)
	if err != nil {
		return models.CompanyContext{}, fmt.Errorf("company %d: %w", c.ID, err)
	}
	caps := make([]models.Capability, 0, len(c.Capabilities))
	for _, s := range c.Capabilities {
		caps = append(caps, models.Capability(s))
	}
	return models.CompanyContext{
		CompanyID:      c.ID,
		Cuit:           c.Cuit,
		Environment:    e,
		CertificateRef: c.CertificateRef,
		Capabilities:   caps,
	}, nil
}
