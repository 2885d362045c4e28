package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	dErrors "rollcall/pkg/domain-errors"
	pstrings "rollcall/pkg/platform/strings"
)

const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
	BackendFirebase  = "firebase"
	BackendFirestore = "firestore"
	BackendMongo     = "mongo"
	BackendKafka     = "kafka"
)

// Server captures process level configuration.
type Server struct {
	Addr            string
	AdminToken      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	Ledger    LedgerConfig
	Redis     RedisConfig
	Identity  IdentityConfig
	Documents DocumentConfig
	Firebase  FirebaseConfig
	Audit     AuditConfig
	Lifecycle LifecycleConfig
}

type LedgerConfig struct {
	Backend     string
	DatabaseURL string
	SQLitePath  string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type IdentityConfig struct {
	Backend string
}

type DocumentConfig struct {
	Backend       string
	MongoURI      string
	MongoDatabase string
}

// FirebaseConfig holds the service account as raw JSON or base64.
type FirebaseConfig struct {
	ServiceAccountJSON string
	ProjectID          string
}

type AuditConfig struct {
	Backend      string
	KafkaBrokers []string
	KafkaTopic   string
	BufferSize   int
}

// LifecycleConfig tunes step execution and the stale-operation sweeper.
type LifecycleConfig struct {
	StepTimeout        time.Duration
	StepMaxAttempts    int
	StepBackoffInitial time.Duration
	LeaseTTL           time.Duration
	StaleAfter         time.Duration
	SweepInterval      time.Duration
	SweepConcurrency   int
}

// FromEnv loads an optional .env file (ROLLCALL_ENV_FILE overrides the path)
// and builds a validated Server config from the environment.
func FromEnv() (Server, error) {
	if err := loadDotEnv(); err != nil {
		return Server{}, err
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Server{
		Addr:            v.GetString("ROLLCALL_ADDR"),
		AdminToken:      v.GetString("ADMIN_API_TOKEN"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		Ledger: LedgerConfig{
			Backend:     strings.ToLower(v.GetString("LEDGER_BACKEND")),
			DatabaseURL: v.GetString("DATABASE_URL"),
			SQLitePath:  v.GetString("SQLITE_PATH"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("REDIS_URL"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		Identity: IdentityConfig{
			Backend: strings.ToLower(v.GetString("IDENTITY_BACKEND")),
		},
		Documents: DocumentConfig{
			Backend:       strings.ToLower(v.GetString("DOCUMENT_BACKEND")),
			MongoURI:      v.GetString("MONGO_URI"),
			MongoDatabase: v.GetString("MONGO_DATABASE"),
		},
		Firebase: FirebaseConfig{
			ServiceAccountJSON: v.GetString("FIREBASE_SERVICE_ACCOUNT_JSON"),
			ProjectID:          v.GetString("FIREBASE_PROJECT_ID"),
		},
		Audit: AuditConfig{
			Backend:      strings.ToLower(v.GetString("AUDIT_BACKEND")),
			KafkaBrokers: pstrings.SplitDedupe(v.GetString("KAFKA_BROKERS"), ","),
			KafkaTopic:   v.GetString("KAFKA_AUDIT_TOPIC"),
			BufferSize:   v.GetInt("AUDIT_BUFFER_SIZE"),
		},
		Lifecycle: LifecycleConfig{
			StepTimeout:        v.GetDuration("STEP_TIMEOUT"),
			StepMaxAttempts:    v.GetInt("STEP_MAX_ATTEMPTS"),
			StepBackoffInitial: v.GetDuration("STEP_BACKOFF_INITIAL"),
			LeaseTTL:           v.GetDuration("LEASE_TTL"),
			StaleAfter:         v.GetDuration("STALE_AFTER"),
			SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
			SweepConcurrency:   v.GetInt("SWEEP_CONCURRENCY"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ROLLCALL_ADDR", ":8080")
	v.SetDefault("ADMIN_API_TOKEN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SHUTDOWN_TIMEOUT", 15*time.Second)

	v.SetDefault("LEDGER_BACKEND", BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "rollcall.db")

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 2)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)

	v.SetDefault("IDENTITY_BACKEND", BackendMemory)
	v.SetDefault("DOCUMENT_BACKEND", BackendMemory)
	v.SetDefault("MONGO_URI", "")
	v.SetDefault("MONGO_DATABASE", "rollcall")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_JSON", "")
	v.SetDefault("FIREBASE_PROJECT_ID", "")

	v.SetDefault("AUDIT_BACKEND", BackendMemory)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "rollcall.audit")
	v.SetDefault("AUDIT_BUFFER_SIZE", 1024)

	v.SetDefault("STEP_TIMEOUT", 5*time.Second)
	v.SetDefault("STEP_MAX_ATTEMPTS", 3)
	v.SetDefault("STEP_BACKOFF_INITIAL", 200*time.Millisecond)
	v.SetDefault("LEASE_TTL", 2*time.Minute)
	v.SetDefault("STALE_AFTER", 10*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("SWEEP_CONCURRENCY", 4)
}

func loadDotEnv() error {
	path := os.Getenv("ROLLCALL_ENV_FILE")
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("env file %s", path))
	}
	if err := godotenv.Load(path); err != nil {
		return dErrors.Wrap(err, dErrors.CodeConfiguration, fmt.Sprintf("load env file %s", path))
	}
	return nil
}

// Validate reports the first missing or inconsistent setting.
func (c Server) Validate() error {
	if c.AdminToken == "" {
		return missing("ADMIN_API_TOKEN")
	}

	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Ledger.DatabaseURL == "" {
			return missing("DATABASE_URL")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return missing("REDIS_URL")
		}
	case BackendSQLite:
		if c.Ledger.SQLitePath == "" {
			return missing("SQLITE_PATH")
		}
	default:
		return unsupported("LEDGER_BACKEND", c.Ledger.Backend)
	}

	switch c.Identity.Backend {
	case BackendMemory:
	case BackendFirebase:
		if c.Firebase.ServiceAccountJSON == "" {
			return missing("FIREBASE_SERVICE_ACCOUNT_JSON")
		}
	default:
		return unsupported("IDENTITY_BACKEND", c.Identity.Backend)
	}

	switch c.Documents.Backend {
	case BackendMemory:
	case BackendFirestore:
		if c.Firebase.ServiceAccountJSON == "" {
			return missing("FIREBASE_SERVICE_ACCOUNT_JSON")
		}
	case BackendMongo:
		if c.Documents.MongoURI == "" {
			return missing("MONGO_URI")
		}
		if c.Documents.MongoDatabase == "" {
			return missing("MONGO_DATABASE")
		}
	default:
		return unsupported("DOCUMENT_BACKEND", c.Documents.Backend)
	}

	switch c.Audit.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Ledger.DatabaseURL == "" {
			return missing("DATABASE_URL")
		}
	case BackendKafka:
		if len(c.Audit.KafkaBrokers) == 0 {
			return missing("KAFKA_BROKERS")
		}
		if c.Audit.KafkaTopic == "" {
			return missing("KAFKA_AUDIT_TOPIC")
		}
	default:
		return unsupported("AUDIT_BACKEND", c.Audit.Backend)
	}

	l := c.Lifecycle
	if l.StepTimeout <= 0 || l.StepMaxAttempts < 1 || l.StepBackoffInitial <= 0 {
		return dErrors.New(dErrors.CodeConfiguration, "step timeout, attempts and backoff must be positive")
	}
	if l.LeaseTTL <= 0 || l.StaleAfter <= 0 || l.SweepInterval <= 0 || l.SweepConcurrency < 1 {
		return dErrors.New(dErrors.CodeConfiguration, "lease and sweeper settings must be positive")
	}
	if l.StaleAfter < l.LeaseTTL {
		return dErrors.New(dErrors.CodeConfiguration, "STALE_AFTER must not be shorter than LEASE_TTL")
	}
	return nil
}

func missing(key string) error {
	return dErrors.New(dErrors.CodeConfiguration, key+" is required").WithField("setting", key)
}

func unsupported(key, value string) error {
	return dErrors.New(dErrors.CodeConfiguration, fmt.Sprintf("unsupported %s %q", key, value)).WithField("setting", key)
}
