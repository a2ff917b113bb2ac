package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
	"github.com/lblod/gelinkt-notuleren-consumer/internal/domain/model"
)

// Config is built once at startup and handed to every component. Nothing
// mutates it afterwards.
type Config struct {
	ServiceName string
	APIPort     string
	LogFormat   string
	LogLevel    string
	LogFile     string

	AuthEnabled bool
	JWTKey      []byte
	JWTExp      time.Duration

	StoreBackend string // "postgres" or "memory"
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBSslMode    string
	DBConnStr    string

	QueueBackend     string // "redis" or "memory"
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	TriggerQueueName string
	RunLeaseKey      string
	RunLeaseTTL      time.Duration

	SparqlEndpoint         string
	DirectDatabaseEndpoint string
	BypassMuAuth           bool
	ScopeIDInitialSync     string
	StoreWaitBaseDelay     time.Duration
	StoreWaitGrowthRate    float64

	SyncBaseURL        string
	SyncFilesPath      string
	DownloadFilePath   string
	SyncDatasetPath    string
	SyncDatasetSubject string

	JobCreatorURI           string
	InitialSyncJobOperation string

	BatchSize             int
	BatchSizeForGraphMove int
	StartFromDeltaTime    *time.Time
	DeltaFileFolder       string
	KeepDeltaFiles        bool
	DumpFileFolder        string

	DisableDeltaIngest            bool
	DisableInitialSync            bool
	WaitForInitialSync            bool
	DisableInitialSyncFirstIngest bool
	CronPatternDeltaSync          string
	IngestInterval                time.Duration

	MaxDBRetryAttempts          int
	SleepAfterFailedDBOperation time.Duration
	InitialSyncBatchSleep       time.Duration
	DispatchSleep               time.Duration

	IngestGraph    string
	PublicGraph    string
	OrgGraphPrefix string
	OrgIDPredicate string
	TypesConfig    string
	Types          []model.TypeRoutingRule
}

// Load reads .env (when present) and the environment. Missing mandatory
// settings are reported as common.ErrConfiguration.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", ""),
		APIPort:     getEnv("API_PORT", "80"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),

		AuthEnabled: getEnvAsBool("AUTH_ENABLED", false),
		JWTKey:      []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:      time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,

		StoreBackend: getEnv("STORE_BACKEND", "postgres"),
		DBHost:       getEnv("DB_HOST", "localhost"),
		DBPort:       getEnv("DB_PORT", "5432"),
		DBUser:       getEnv("DB_USER", "consumer"),
		DBPassword:   getEnv("DB_PASSWORD", "consumer"),
		DBName:       getEnv("DB_NAME", "consumer"),
		DBSslMode:    getEnv("DB_SSLMODE", "disable"),

		QueueBackend:     getEnv("QUEUE_BACKEND", "redis"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvAsInt("REDIS_DB", 0),
		TriggerQueueName: getEnv("TRIGGER_QUEUE_NAME", "consumer:sync:triggers"),
		RunLeaseKey:      getEnv("RUN_LEASE_KEY", "consumer:sync:lease"),
		RunLeaseTTL:      getEnvAsDuration("RUN_LEASE_TTL", 6*time.Hour),

		SparqlEndpoint:         getEnv("MU_SPARQL_ENDPOINT", "http://database:8890/sparql"),
		DirectDatabaseEndpoint: getEnv("DIRECT_DATABASE_ENDPOINT", "http://virtuoso:8890/sparql"),
		BypassMuAuth:           getEnvAsBool("BYPASS_MU_AUTH_FOR_EXPENSIVE_QUERIES", false),
		ScopeIDInitialSync:     getEnv("MU_CALL_SCOPE_ID_INITIAL_SYNC", "http://redpencil.data.gift/id/concept/muScope/deltas/consumer/initialSync"),
		StoreWaitBaseDelay:     getEnvAsMillis("STORE_WAIT_BASE_DELAY", 50*time.Millisecond),
		StoreWaitGrowthRate:    getEnvAsFloat("STORE_WAIT_GROWTH_RATE", 0.3),

		SyncBaseURL:        strings.TrimRight(getEnv("SYNC_BASE_URL", ""), "/"),
		SyncFilesPath:      getEnv("SYNC_FILES_PATH", "/sync/files"),
		DownloadFilePath:   getEnv("DOWNLOAD_FILE_PATH", "/files/:id/download"),
		SyncDatasetPath:    getEnv("SYNC_DATASET_PATH", "/datasets"),
		SyncDatasetSubject: getEnv("SYNC_DATASET_SUBJECT", ""),

		JobCreatorURI:           getEnv("JOB_CREATOR_URI", ""),
		InitialSyncJobOperation: getEnv("INITIAL_SYNC_JOB_OPERATION", ""),

		BatchSize:             getEnvAsInt("BATCH_SIZE", 100),
		BatchSizeForGraphMove: getEnvAsInt("BATCH_SIZE_FOR_GRAPH_MOVE", 100),
		DeltaFileFolder:       getEnv("DELTA_FILE_FOLDER", "/tmp/"),
		KeepDeltaFiles:        getEnvAsBool("KEEP_DELTA_FILES", false),
		DumpFileFolder: filepath.Join(
			getEnv("SYNC_FILES_DIR", "/sync/files"),
			getEnv("DUMPFILE_FOLDER", "consumer/deltas"),
		),

		DisableDeltaIngest:            getEnvAsBool("DISABLE_DELTA_INGEST", false),
		DisableInitialSync:            getEnvAsBool("DISABLE_INITIAL_SYNC", false),
		WaitForInitialSync:            getEnvAsBool("WAIT_FOR_INITIAL_SYNC", true),
		DisableInitialSyncFirstIngest: getEnvAsBool("DISABLE_INITIAL_SYNC_FIRST_INGEST", false),
		CronPatternDeltaSync:          getEnv("CRON_PATTERN_DELTA_SYNC", "0 * * * * *"),
		IngestInterval:                getEnvAsMillis("INGEST_INTERVAL", -1),

		MaxDBRetryAttempts:          getEnvAsInt("MAX_DB_RETRY_ATTEMPTS", 5),
		SleepAfterFailedDBOperation: getEnvAsMillis("SLEEP_TIME_AFTER_FAILED_DB_OPERATION", 60*time.Second),
		InitialSyncBatchSleep:       getEnvAsMillis("INITIAL_SYNC_BATCH_SLEEP", time.Second),
		DispatchSleep:               getEnvAsMillis("DISPATCH_SLEEP", time.Second),

		IngestGraph:    getEnv("INGEST_GRAPH", "http://mu.semte.ch/graphs/ingest"),
		PublicGraph:    getEnv("PUBLIC_GRAPH", "http://mu.semte.ch/graphs/public"),
		OrgGraphPrefix: getEnv("ORG_GRAPH_PREFIX", "http://mu.semte.ch/graphs/organizations/"),
		OrgIDPredicate: getEnv("ORG_ID_PREDICATE", "http://mu.semte.ch/vocabularies/core/uuid"),
		TypesConfig:    getEnv("TYPES_CONFIG_PATH", "/config/types.yml"),
	}

	cfg.DBConnStr = "host=" + cfg.DBHost +
		" port=" + cfg.DBPort +
		" user=" + cfg.DBUser +
		" password=" + cfg.DBPassword +
		" dbname=" + cfg.DBName +
		" sslmode=" + cfg.DBSslMode

	if raw := getEnv("START_FROM_DELTA_TIMESTAMP", ""); raw != "" {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, fmt.Errorf("START_FROM_DELTA_TIMESTAMP %q: %w", raw, common.ErrConfiguration)
		}
		cfg.StartFromDeltaTime = &ts
	}

	for _, key := range []struct{ name, value string }{
		{"SERVICE_NAME", cfg.ServiceName},
		{"SYNC_DATASET_SUBJECT", cfg.SyncDatasetSubject},
		{"JOB_CREATOR_URI", cfg.JobCreatorURI},
		{"INITIAL_SYNC_JOB_OPERATION", cfg.InitialSyncJobOperation},
		{"SYNC_BASE_URL", cfg.SyncBaseURL},
	} {
		if key.value == "" {
			return nil, fmt.Errorf("expected %s to be provided: %w", key.name, common.ErrConfiguration)
		}
	}
	if cfg.BatchSize <= 0 || cfg.BatchSizeForGraphMove <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive: %w", common.ErrConfiguration)
	}
	if cfg.MaxDBRetryAttempts <= 0 {
		return nil, fmt.Errorf("MAX_DB_RETRY_ATTEMPTS must be positive: %w", common.ErrConfiguration)
	}

	types, err := LoadTypes(cfg.TypesConfig)
	if err != nil {
		return nil, err
	}
	cfg.Types = types

	return cfg, nil
}

type typesFile struct {
	Types []model.TypeRoutingRule `yaml:"types"`
}

// LoadTypes reads the routing rules. A missing file yields no rules, which
// means dispatch moves nothing and cleanup purges the whole ingest graph.
func LoadTypes(path string) ([]model.TypeRoutingRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No routing rule file found, dispatch will not move any type", "path", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read types config %s: %w", path, err)
	}
	return ParseTypes(data)
}

func ParseTypes(data []byte) ([]model.TypeRoutingRule, error) {
	var f typesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse types config: %v: %w", err, common.ErrConfiguration)
	}
	for i, rule := range f.Types {
		if strings.TrimSpace(rule.Type) == "" {
			return nil, fmt.Errorf("types[%d]: type is required: %w", i, common.ErrConfiguration)
		}
		for j, step := range rule.PathToOrg {
			if strings.TrimSpace(step.Predicate) == "" {
				return nil, fmt.Errorf("types[%d].pathToOrg[%d]: predicate is required: %w", i, j, common.ErrConfiguration)
			}
		}
	}
	return f.Types, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", raw)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

// getEnvAsBool only treats the literal "true"/"false" as set.
func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "true":
		return true
	case "false":
		return false
	}
	return fallback
}

// getEnvAsMillis reads an integer number of milliseconds.
func getEnvAsMillis(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(value) * time.Millisecond
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
