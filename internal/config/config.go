package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

const envPrefix = "NLQUERY_"

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Warehouse     WarehouseConfig
	ObjectStore   ObjectStoreConfig
	Snapshot      SnapshotConfig
	LLM           LLMConfig
	Embedding     EmbeddingConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type WarehouseDriver string

const (
	DriverDuckDB   WarehouseDriver = "duckdb"
	DriverPostgres WarehouseDriver = "postgres"
)

type WarehouseConfig struct {
	Driver WarehouseDriver
	DSN    string
	// ProjectID is informational for engines without a project concept.
	ProjectID       string
	DatasetID       string
	Tables          []string
	ActiveTable     string
	TableSources    []TableSource
	QueryTimeout    time.Duration
	RowLimit        int
	SampleLimit     int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	// Retry settings for connection-level failures; statement errors are
	// never retried here.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// TableSource mounts parquet objects from the object store as a DuckDB view.
type TableSource struct {
	Name string
	Path string
}

type ObjectStoreConfig struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type SnapshotConfig struct {
	Enabled bool
	Prefix  string
}

type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
)

type LLMConfig struct {
	Provider          LLMProvider
	BaseURL           string
	APIKey            string
	Model             string
	VertexProject     string
	VertexLocation    string
	Temperature       float64
	TopP              float64
	MaxOutputTokens   int
	Timeout           time.Duration
	RequestsPerMinute int
	MaxInFlight       int
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

type EmbeddingConfig struct {
	Model     string
	BatchSize int
}

type ExtractorStrategy string

const (
	ExtractorLLM   ExtractorStrategy = "llm"
	ExtractorRegex ExtractorStrategy = "regex"
)

type PipelineConfig struct {
	MaxIterations       int
	Extractor           ExtractorStrategy
	SimilarityThreshold float64
	SelectorTopK        int
	RulebookPath        string
	BatchConcurrency    int
	SummaryMaxRows      int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup(envPrefix + "PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid %sPROFILE: %q", envPrefix, profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	var errs []error
	apply := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var driver, provider, extractor, sources string
	driver = string(cfg.Warehouse.Driver)
	provider = string(cfg.LLM.Provider)
	extractor = string(cfg.Pipeline.Extractor)

	apply(applyString(lookup, "SERVICE_NAME", &cfg.Service.Name))
	apply(applyString(lookup, "HTTP_ADDR", &cfg.HTTP.Address))
	apply(applyDuration(lookup, "HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout))
	apply(applyDuration(lookup, "HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout))
	apply(applyDuration(lookup, "HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout))

	apply(applyString(lookup, "WAREHOUSE_DRIVER", &driver))
	apply(applyString(lookup, "WAREHOUSE_DSN", &cfg.Warehouse.DSN))
	apply(applyString(lookup, "WAREHOUSE_PROJECT", &cfg.Warehouse.ProjectID))
	apply(applyString(lookup, "WAREHOUSE_DATASET", &cfg.Warehouse.DatasetID))
	apply(applyList(lookup, "WAREHOUSE_TABLES", &cfg.Warehouse.Tables))
	apply(applyString(lookup, "WAREHOUSE_ACTIVE_TABLE", &cfg.Warehouse.ActiveTable))
	apply(applyString(lookup, "WAREHOUSE_TABLE_SOURCES", &sources))
	apply(applyDuration(lookup, "WAREHOUSE_QUERY_TIMEOUT", &cfg.Warehouse.QueryTimeout))
	apply(applyInt(lookup, "WAREHOUSE_ROW_LIMIT", &cfg.Warehouse.RowLimit))
	apply(applyInt(lookup, "WAREHOUSE_SAMPLE_LIMIT", &cfg.Warehouse.SampleLimit))
	apply(applyInt(lookup, "WAREHOUSE_MAX_OPEN_CONNS", &cfg.Warehouse.MaxOpenConns))
	apply(applyInt(lookup, "WAREHOUSE_MAX_IDLE_CONNS", &cfg.Warehouse.MaxIdleConns))
	apply(applyDuration(lookup, "WAREHOUSE_CONN_MAX_IDLE_TIME", &cfg.Warehouse.ConnMaxIdleTime))
	apply(applyDuration(lookup, "WAREHOUSE_CONN_MAX_LIFETIME", &cfg.Warehouse.ConnMaxLifetime))
	apply(applyInt(lookup, "WAREHOUSE_RETRY_MAX_ATTEMPTS", &cfg.Warehouse.RetryMaxAttempts))
	apply(applyDuration(lookup, "WAREHOUSE_RETRY_INITIAL_DELAY", &cfg.Warehouse.RetryInitialDelay))
	apply(applyDuration(lookup, "WAREHOUSE_RETRY_MAX_DELAY", &cfg.Warehouse.RetryMaxDelay))

	apply(applyString(lookup, "OBJECTSTORE_ENDPOINT", &cfg.ObjectStore.Endpoint))
	apply(applyString(lookup, "OBJECTSTORE_REGION", &cfg.ObjectStore.Region))
	apply(applyString(lookup, "OBJECTSTORE_BUCKET", &cfg.ObjectStore.Bucket))
	apply(applyString(lookup, "OBJECTSTORE_ACCESS_KEY", &cfg.ObjectStore.AccessKeyID))
	apply(applyString(lookup, "OBJECTSTORE_SECRET_KEY", &cfg.ObjectStore.SecretAccessKey))
	apply(applyBool(lookup, "OBJECTSTORE_USE_SSL", &cfg.ObjectStore.UseSSL))
	apply(applyString(lookup, "OBJECTSTORE_PREFIX", &cfg.ObjectStore.Prefix))
	apply(applyBool(lookup, "OBJECTSTORE_AUTO_CREATE_BUCKET", &cfg.ObjectStore.AutoCreateBucket))
	apply(applyBool(lookup, "SNAPSHOT_ENABLED", &cfg.Snapshot.Enabled))
	apply(applyString(lookup, "SNAPSHOT_PREFIX", &cfg.Snapshot.Prefix))

	apply(applyString(lookup, "LLM_PROVIDER", &provider))
	apply(applyString(lookup, "LLM_BASE_URL", &cfg.LLM.BaseURL))
	apply(applyString(lookup, "LLM_API_KEY", &cfg.LLM.APIKey))
	apply(applyString(lookup, "LLM_MODEL", &cfg.LLM.Model))
	apply(applyString(lookup, "LLM_VERTEX_PROJECT", &cfg.LLM.VertexProject))
	apply(applyString(lookup, "LLM_VERTEX_LOCATION", &cfg.LLM.VertexLocation))
	apply(applyFloat(lookup, "LLM_TEMPERATURE", &cfg.LLM.Temperature))
	apply(applyFloat(lookup, "LLM_TOP_P", &cfg.LLM.TopP))
	apply(applyInt(lookup, "LLM_MAX_OUTPUT_TOKENS", &cfg.LLM.MaxOutputTokens))
	apply(applyDuration(lookup, "LLM_TIMEOUT", &cfg.LLM.Timeout))
	apply(applyInt(lookup, "LLM_REQUESTS_PER_MINUTE", &cfg.LLM.RequestsPerMinute))
	apply(applyInt(lookup, "LLM_MAX_IN_FLIGHT", &cfg.LLM.MaxInFlight))
	apply(applyInt(lookup, "LLM_RETRY_MAX_ATTEMPTS", &cfg.LLM.RetryMaxAttempts))
	apply(applyDuration(lookup, "LLM_RETRY_INITIAL_DELAY", &cfg.LLM.RetryInitialDelay))
	apply(applyDuration(lookup, "LLM_RETRY_MAX_DELAY", &cfg.LLM.RetryMaxDelay))

	apply(applyString(lookup, "EMBEDDING_MODEL", &cfg.Embedding.Model))
	apply(applyInt(lookup, "EMBEDDING_BATCH_SIZE", &cfg.Embedding.BatchSize))

	apply(applyInt(lookup, "PIPELINE_MAX_ITERATIONS", &cfg.Pipeline.MaxIterations))
	apply(applyString(lookup, "PIPELINE_EXTRACTOR", &extractor))
	apply(applyFloat(lookup, "PIPELINE_SIMILARITY_THRESHOLD", &cfg.Pipeline.SimilarityThreshold))
	apply(applyInt(lookup, "PIPELINE_SELECTOR_TOP_K", &cfg.Pipeline.SelectorTopK))
	apply(applyString(lookup, "PIPELINE_RULEBOOK_PATH", &cfg.Pipeline.RulebookPath))
	apply(applyInt(lookup, "PIPELINE_BATCH_CONCURRENCY", &cfg.Pipeline.BatchConcurrency))
	apply(applyInt(lookup, "PIPELINE_SUMMARY_MAX_ROWS", &cfg.Pipeline.SummaryMaxRows))

	apply(applyBool(lookup, "LOG_JSON", &cfg.Observability.LogJSON))
	apply(applyLogLevel(lookup, "LOG_LEVEL", &cfg.Observability.LogLevel))
	apply(applyBool(lookup, "AUTH_REQUIRED", &cfg.Auth.Required))
	apply(applyString(lookup, "AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys))

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	cfg.Warehouse.Driver = WarehouseDriver(strings.ToLower(driver))
	cfg.LLM.Provider = LLMProvider(strings.ToLower(provider))
	cfg.Pipeline.Extractor = ExtractorStrategy(strings.ToLower(extractor))
	if sources != "" {
		parsed, err := parseTableSources(sources)
		if err != nil {
			return Config{}, err
		}
		cfg.Warehouse.TableSources = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch c.Warehouse.Driver {
	case DriverDuckDB, DriverPostgres:
	default:
		return fmt.Errorf("invalid %sWAREHOUSE_DRIVER: %q", envPrefix, c.Warehouse.Driver)
	}
	if c.Warehouse.Driver == DriverPostgres && c.Warehouse.DSN == "" {
		return fmt.Errorf("%sWAREHOUSE_DSN is required for postgres", envPrefix)
	}
	if c.Warehouse.SampleLimit < 0 || c.Warehouse.SampleLimit > 10 {
		return fmt.Errorf("%sWAREHOUSE_SAMPLE_LIMIT must be between 0 and 10", envPrefix)
	}
	if c.Warehouse.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%sWAREHOUSE_RETRY_MAX_ATTEMPTS must be positive", envPrefix)
	}
	switch c.LLM.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid %sLLM_PROVIDER: %q", envPrefix, c.LLM.Provider)
	}
	if c.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("%sLLM_REQUESTS_PER_MINUTE must be positive", envPrefix)
	}
	if c.LLM.MaxInFlight <= 0 {
		return fmt.Errorf("%sLLM_MAX_IN_FLIGHT must be positive", envPrefix)
	}
	if c.LLM.RetryMaxAttempts <= 0 {
		return fmt.Errorf("%sLLM_RETRY_MAX_ATTEMPTS must be positive", envPrefix)
	}
	switch c.Pipeline.Extractor {
	case ExtractorLLM, ExtractorRegex:
	default:
		return fmt.Errorf("invalid %sPIPELINE_EXTRACTOR: %q", envPrefix, c.Pipeline.Extractor)
	}
	if c.Pipeline.MaxIterations < 1 {
		return fmt.Errorf("%sPIPELINE_MAX_ITERATIONS must be at least 1", envPrefix)
	}
	if c.Pipeline.SimilarityThreshold < 0 || c.Pipeline.SimilarityThreshold > 1 {
		return fmt.Errorf("%sPIPELINE_SIMILARITY_THRESHOLD must be within [0,1]", envPrefix)
	}
	if c.Pipeline.SelectorTopK <= 0 {
		return fmt.Errorf("%sPIPELINE_SELECTOR_TOP_K must be positive", envPrefix)
	}
	if c.Pipeline.BatchConcurrency <= 0 {
		return fmt.Errorf("%sPIPELINE_BATCH_CONCURRENCY must be positive", envPrefix)
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "nlquery-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver:          DriverDuckDB,
			DSN:             "",
			DatasetID:       "main",
			QueryTimeout:    30 * time.Second,
			RowLimit:        1000,
			SampleLimit:     10,
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,

			RetryMaxAttempts:  3,
			RetryInitialDelay: 200 * time.Millisecond,
			RetryMaxDelay:     2 * time.Second,
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:         "localhost:9000",
			Region:           "us-east-1",
			Bucket:           "nlquery",
			AccessKeyID:      "minio",
			SecretAccessKey:  "miniostorage",
			UseSSL:           false,
			AutoCreateBucket: true,
		},
		Snapshot: SnapshotConfig{
			Enabled: false,
			Prefix:  "snapshots",
		},
		LLM: LLMConfig{
			Provider:          ProviderGemini,
			Model:             "gemini-2.0-flash",
			BaseURL:           "https://api.openai.com",
			Temperature:       0.1,
			TopP:              0.95,
			MaxOutputTokens:   2048,
			Timeout:           30 * time.Second,
			RequestsPerMinute: 60,
			MaxInFlight:       8,
			RetryMaxAttempts:  4,
			RetryInitialDelay: 500 * time.Millisecond,
			RetryMaxDelay:     10 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:     "text-embedding-004",
			BatchSize: 32,
		},
		Pipeline: PipelineConfig{
			MaxIterations:       3,
			Extractor:           ExtractorLLM,
			SimilarityThreshold: 0.3,
			SelectorTopK:        10,
			BatchConcurrency:    4,
			SummaryMaxRows:      50,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Pipeline.Extractor = ExtractorRegex
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
		cfg.Snapshot.Enabled = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

// parseTableSources reads "name=path,name=path" pairs.
func parseTableSources(raw string) ([]TableSource, error) {
	var out []TableSource
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, path, ok := strings.Cut(entry, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid %sWAREHOUSE_TABLE_SOURCES entry %q", envPrefix, entry)
		}
		out = append(out, TableSource{Name: name, Path: path})
	}
	return out, nil
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyList(lookup LookupFunc, key string, dst *[]string) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(envPrefix + key)
	if !ok {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s%s: %q", envPrefix, key, raw)
	}
	return nil
}
