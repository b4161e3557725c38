package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Backend selectors.
const (
	BlobMinio  = "minio"
	BlobGCS    = "gcs"
	BlobMemory = "memory"

	RecordTiDB      = "tidb"
	RecordFirestore = "firestore"
	RecordMemory    = "memory"

	LockLocal = "local"
	LockRedis = "redis"

	SigningDocumenso = "documenso"
	SigningMemory    = "memory"
)

// LockTTLMargin is the headroom a Redis lock lease keeps over the longest
// time Submit can hold the lock.
const LockTTLMargin = 30 * time.Second

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string
	ServiceName    string
	MaxUploadMB    int
	LogLevel       string
	LogFormat      string
	BackendTimeout time.Duration

	// Backend selection
	BlobBackend    string
	RecordBackend  string
	CacheEnabled   bool
	LockBackend    string
	SigningBackend string

	// Documenso configuration
	DocumensoAPIURL string
	DocumensoAPIKey string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	// Google Cloud configuration
	GCPProjectID        string
	GCSBucketName       string
	FirestoreCollection string

	// Tracing configuration; tracing is off when empty
	OTLPEndpoint string
}

var defaults = map[string]any{
	"SERVICE_PORT":    "8080",
	"SERVICE_NAME":    "labsign-service",
	"MAX_UPLOAD_MB":   10,
	"LOG_LEVEL":       "info",
	"LOG_FORMAT":      "text",
	"BACKEND_TIMEOUT": "30s",

	"BLOB_BACKEND":    BlobMemory,
	"RECORD_BACKEND":  RecordMemory,
	"CACHE_ENABLED":   false,
	"LOCK_BACKEND":    LockLocal,
	"SIGNING_BACKEND": SigningMemory,

	"DOCUMENSO_API_URL": "https://app.documenso.com/api/v1",
	"DOCUMENSO_API_KEY": "",

	"MINIO_ENDPOINT":    "localhost:9000",
	"MINIO_ACCESS_KEY":  "minioadmin",
	"MINIO_SECRET_KEY":  "minioadmin",
	"MINIO_BUCKET_NAME": "labsign",
	"MINIO_USE_SSL":     false,

	"TIDB_HOST":     "localhost",
	"TIDB_PORT":     "4000",
	"TIDB_USER":     "root",
	"TIDB_PASSWORD": "",
	"TIDB_DATABASE": "labsign",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     "6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,
	"LOCK_TTL":       "2m",

	"GCP_PROJECT_ID":       "",
	"GCS_BUCKET_NAME":      "",
	"FIRESTORE_COLLECTION": "documents",

	"OTLP_ENDPOINT": "",
}

// LoadConfig loads configuration from command line flags and environment
// variables, in that order of precedence, falling back to local defaults.
func LoadConfig(args []string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	fs := pflag.NewFlagSet("labsign", pflag.ContinueOnError)
	fs.String("port", "8080", "HTTP listen port")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.String("log-format", "text", "Log format (text, json)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	_ = v.BindPFlag("SERVICE_PORT", fs.Lookup("port"))
	_ = v.BindPFlag("LOG_LEVEL", fs.Lookup("log-level"))
	_ = v.BindPFlag("LOG_FORMAT", fs.Lookup("log-format"))

	cfg := &Config{
		ServicePort:    v.GetString("SERVICE_PORT"),
		ServiceName:    v.GetString("SERVICE_NAME"),
		MaxUploadMB:    v.GetInt("MAX_UPLOAD_MB"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:      strings.ToLower(v.GetString("LOG_FORMAT")),
		BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),

		BlobBackend:    strings.ToLower(v.GetString("BLOB_BACKEND")),
		RecordBackend:  strings.ToLower(v.GetString("RECORD_BACKEND")),
		CacheEnabled:   v.GetBool("CACHE_ENABLED"),
		LockBackend:    strings.ToLower(v.GetString("LOCK_BACKEND")),
		SigningBackend: strings.ToLower(v.GetString("SIGNING_BACKEND")),

		DocumensoAPIURL: v.GetString("DOCUMENSO_API_URL"),
		DocumensoAPIKey: v.GetString("DOCUMENSO_API_KEY"),

		MinIOEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinIOAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinIOSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinIOBucketName: v.GetString("MINIO_BUCKET_NAME"),
		MinIOUseSSL:     v.GetBool("MINIO_USE_SSL"),

		TiDBHost:     v.GetString("TIDB_HOST"),
		TiDBPort:     v.GetString("TIDB_PORT"),
		TiDBUser:     v.GetString("TIDB_USER"),
		TiDBPassword: v.GetString("TIDB_PASSWORD"),
		TiDBDatabase: v.GetString("TIDB_DATABASE"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		LockTTL:       v.GetDuration("LOCK_TTL"),

		GCPProjectID:        v.GetString("GCP_PROJECT_ID"),
		GCSBucketName:       v.GetString("GCS_BUCKET_NAME"),
		FirestoreCollection: v.GetString("FIRESTORE_COLLECTION"),

		OTLPEndpoint: v.GetString("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks backend selections and the settings each one needs.
func (c *Config) Validate() error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value))
	}

	check("BLOB_BACKEND", c.BlobBackend, BlobMinio, BlobGCS, BlobMemory)
	check("RECORD_BACKEND", c.RecordBackend, RecordTiDB, RecordFirestore, RecordMemory)
	check("LOCK_BACKEND", c.LockBackend, LockLocal, LockRedis)
	check("SIGNING_BACKEND", c.SigningBackend, SigningDocumenso, SigningMemory)
	check("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error")
	check("LOG_FORMAT", c.LogFormat, "text", "json")

	if c.SigningBackend == SigningDocumenso && c.DocumensoAPIKey == "" {
		errs = append(errs, errors.New("DOCUMENSO_API_KEY is required for the documenso signing backend"))
	}
	if c.BlobBackend == BlobGCS && c.GCSBucketName == "" {
		errs = append(errs, errors.New("GCS_BUCKET_NAME is required for the gcs blob backend"))
	}
	if c.RecordBackend == RecordFirestore && c.GCPProjectID == "" {
		errs = append(errs, errors.New("GCP_PROJECT_ID is required for the firestore record backend"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_MB must be positive"))
	}
	if c.BackendTimeout <= 0 {
		errs = append(errs, errors.New("BACKEND_TIMEOUT must be positive"))
	}
	if c.LockBackend == LockRedis {
		// Submit holds the lock across two backend calls plus a blob read
		// and a record write; the lease must outlast all of them.
		minTTL := 2*c.BackendTimeout + LockTTLMargin
		switch {
		case c.LockTTL <= 0:
			errs = append(errs, errors.New("LOCK_TTL must be positive for the redis lock backend"))
		case c.LockTTL <= minTTL:
			errs = append(errs, fmt.Errorf("LOCK_TTL must exceed %s (twice BACKEND_TIMEOUT plus %s), got %s",
				minTTL, LockTTLMargin, c.LockTTL))
		}
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any enabled component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.CacheEnabled || c.LockBackend == LockRedis
}

// GetDSN returns the TiDB connection string. clientFoundRows makes an UPDATE
// report matched rows rather than changed rows.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetMaxUploadBytes returns the upload size limit in bytes
func (c *Config) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) * 1024 * 1024
}
