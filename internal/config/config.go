package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/efebarandurmaz/listingsearch/internal/listing"
	"github.com/efebarandurmaz/listingsearch/internal/secrets"
)

// ErrMissingEnv is wrapped by Load when required connection settings are absent.
var ErrMissingEnv = errors.New("missing required environment variables")

// Required environment variables, in the order they are reported.
var requiredEnv = []struct {
	key string
	env string
}{
	{"cosmos.endpoint", "AZURE_COSMOSDB_ENDPOINT"},
	{"cosmos.key", "AZURE_COSMOSDB_KEY"},
	{"embedding.api_key", "AZURE_OPENAI_APIKEY"},
	{"embedding.endpoint", "AZURE_OPENAI_ENDPOINT"},
}

// Config holds all application configuration.
type Config struct {
	Cosmos    CosmosConfig    `mapstructure:"cosmos"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Audit     AuditConfig     `mapstructure:"audit"`

	// SecretsFile is an optional JSON file of AZURE_* values, consulted for any the
	// environment leaves empty.
	SecretsFile string `mapstructure:"secrets_file"`
}

type CosmosConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	Key            string        `mapstructure:"key"`
	Database       string        `mapstructure:"database"`
	Throughput     int           `mapstructure:"throughput"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	// DistanceFunction is declared on new containers and used to rank merged results.
	DistanceFunction string `mapstructure:"distance_function"`
}

type EmbeddingConfig struct {
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Deployment        string        `mapstructure:"deployment"`
	Model             string        `mapstructure:"model"`
	APIVersion        string        `mapstructure:"api_version"`
	Dimensions        int           `mapstructure:"dimensions"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// AuditConfig enables the JSON-lines search audit trail.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Output  string `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cosmos.endpoint", "")
	v.SetDefault("cosmos.key", "")
	v.SetDefault("cosmos.database", "diskanndb")
	v.SetDefault("cosmos.throughput", 50000)
	v.SetDefault("cosmos.timeout", 30*time.Second)
	v.SetDefault("cosmos.max_concurrency", 8)
	v.SetDefault("cosmos.distance_function", "cosine")

	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.deployment", "text-embedding-ada-002")
	v.SetDefault("embedding.model", "text-embedding-ada-002")
	v.SetDefault("embedding.api_version", "2023-05-15")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.requests_per_second", 0)

	v.SetDefault("server.listen_addr", ":8501")
	v.SetDefault("server.max_sessions", 1000)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.output", "stdout")

	v.SetDefault("secrets_file", "")
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Cosmos.Throughput != 0 && c.Cosmos.Throughput < 400 {
		warnings = append(warnings, fmt.Sprintf("cosmos throughput %d is below the 400 RU/s minimum", c.Cosmos.Throughput))
	}
	if c.Cosmos.MaxConcurrency < 0 {
		warnings = append(warnings, fmt.Sprintf("cosmos max_concurrency %d is negative, the default is used", c.Cosmos.MaxConcurrency))
	}
	if c.Cosmos.DistanceFunction != "" {
		if _, err := listing.ParseDistanceFunction(c.Cosmos.DistanceFunction); err != nil {
			warnings = append(warnings, fmt.Sprintf("cosmos distance_function: %v", err))
		}
	}
	if c.Embedding.Dimensions != 0 && c.Embedding.Dimensions != 1536 {
		warnings = append(warnings, fmt.Sprintf("embedding dimensions %d differ from the 1536 declared on the containers", c.Embedding.Dimensions))
	}
	if c.Embedding.RequestsPerSecond < 0 {
		warnings = append(warnings, fmt.Sprintf("embedding requests_per_second %.2f is negative, rate limiting is off", c.Embedding.RequestsPerSecond))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}
	if c.Cosmos.Timeout < 0 || c.Embedding.Timeout < 0 {
		warnings = append(warnings, "negative timeouts disable the bound on outbound calls")
	}

	return warnings
}

// Load reads configuration from an optional YAML file, a .env file in the working directory
// and the environment. The four AZURE_* connection variables are required; when secrets_file
// is set, it fills in the ones the environment leaves empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LISTINGSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, r := range requiredEnv {
		if err := v.BindEnv(r.key, r.env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", r.env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := resolveSecrets(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	var missing []string
	for _, r := range requiredEnv {
		if strings.TrimSpace(v.GetString(r.key)) == "" {
			missing = append(missing, r.env)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}

	return &cfg, nil
}

func resolveSecrets(v *viper.Viper) error {
	path := v.GetString("secrets_file")
	if path == "" {
		return nil
	}
	m, err := secrets.NewManager(&secrets.Config{FilePath: path})
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}
	for _, r := range requiredEnv {
		if strings.TrimSpace(v.GetString(r.key)) != "" {
			continue
		}
		if val := m.GetOrDefault(context.Background(), r.env, ""); val != "" {
			v.Set(r.key, val)
		}
	}
	return nil
}
