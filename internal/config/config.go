package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ticketd"

const (
	LockBackendRedis  = "redis"
	LockBackendEtcd   = "etcd"
	LockBackendMemory = "memory"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string

	LockBackend string
	LockTTL     time.Duration
	LockWait    time.Duration
	LockPrefix  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration
	EtcdUsername    string
	EtcdPassword    string

	TicketStore string
	PostgresDSN string

	APIKey           string
	RateLimit        int
	RateWindow       time.Duration
	IdempotencyStore string
	IdempotencyTTL   time.Duration
}

var defaults = map[string]any{
	"http-addr":         ":8080",
	"read-timeout":      15 * time.Second,
	"write-timeout":     15 * time.Second,
	"idle-timeout":      60 * time.Second,
	"shutdown-timeout":  10 * time.Second,
	"log-level":         "info",
	"lock-backend":      LockBackendRedis,
	"lock-ttl":          5 * time.Second,
	"lock-wait":         300 * time.Millisecond,
	"lock-prefix":       "",
	"redis-addr":        "localhost:6379",
	"redis-password":    "",
	"redis-db":          0,
	"etcd-endpoints":    "localhost:2379",
	"etcd-dial-timeout": 5 * time.Second,
	"etcd-username":     "",
	"etcd-password":     "",
	"ticket-store":      StoreMemory,
	"postgres-dsn":      "",
	"api-key":           "",
	"rate-limit":        0,
	"rate-window":       time.Minute,
	"idempotency-store": StoreMemory,
	"idempotency-ttl":   24 * time.Hour,
}

// New returns a viper instance reading TICKETD_* environment variables, with
// every key defaulted. Values in .env and .env.local are exported first.
func New() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// RegisterFlags adds the server flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("http-addr", ":8080", "address the HTTP API listens on")
	fs.Duration("read-timeout", 15*time.Second, "HTTP read timeout")
	fs.Duration("write-timeout", 15*time.Second, "HTTP write timeout")
	fs.Duration("idle-timeout", 60*time.Second, "HTTP idle timeout")
	fs.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("ticket-store", StoreMemory, "ticket repository (memory, postgres)")
	fs.String("postgres-dsn", "", "Postgres connection string for ticket-store=postgres")
	fs.String("api-key", "", "API key required on mutating routes (empty disables the check)")
	fs.Int("rate-limit", 0, "mutating requests allowed per client and window (0 disables)")
	fs.Duration("rate-window", time.Minute, "rate limit window")
	fs.String("idempotency-store", StoreMemory, "idempotency response cache (memory, redis)")
	fs.Duration("idempotency-ttl", 24*time.Hour, "how long idempotent responses are replayed")
	RegisterLockFlags(fs)
}

// RegisterLockFlags adds the flags needed to reach a lock store.
func RegisterLockFlags(fs *pflag.FlagSet) {
	fs.String("lock-backend", LockBackendRedis, "lock store (redis, etcd, memory)")
	fs.Duration("lock-ttl", 5*time.Second, "lifetime of a ticket lock")
	fs.Duration("lock-wait", 300*time.Millisecond, "how long a mutation waits for a busy ticket lock")
	fs.String("lock-prefix", "", "namespace prepended to lock keys in the store")
	fs.String("redis-addr", "localhost:6379", "Redis address")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database number")
	fs.String("etcd-endpoints", "localhost:2379", "comma-separated etcd endpoints")
	fs.Duration("etcd-dial-timeout", 5*time.Second, "etcd dial timeout")
	fs.String("etcd-username", "", "etcd username")
	fs.String("etcd-password", "", "etcd password")
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:         strings.TrimSpace(v.GetString("http-addr")),
		ReadTimeout:      v.GetDuration("read-timeout"),
		WriteTimeout:     v.GetDuration("write-timeout"),
		IdleTimeout:      v.GetDuration("idle-timeout"),
		ShutdownTimeout:  v.GetDuration("shutdown-timeout"),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString("log-level"))),
		LockBackend:      strings.ToLower(strings.TrimSpace(v.GetString("lock-backend"))),
		LockTTL:          v.GetDuration("lock-ttl"),
		LockWait:         v.GetDuration("lock-wait"),
		LockPrefix:       strings.TrimSpace(v.GetString("lock-prefix")),
		RedisAddr:        strings.TrimSpace(v.GetString("redis-addr")),
		RedisPassword:    v.GetString("redis-password"),
		RedisDB:          v.GetInt("redis-db"),
		EtcdEndpoints:    splitList(v.GetString("etcd-endpoints")),
		EtcdDialTimeout:  v.GetDuration("etcd-dial-timeout"),
		EtcdUsername:     v.GetString("etcd-username"),
		EtcdPassword:     v.GetString("etcd-password"),
		TicketStore:      strings.ToLower(strings.TrimSpace(v.GetString("ticket-store"))),
		PostgresDSN:      strings.TrimSpace(v.GetString("postgres-dsn")),
		APIKey:           strings.TrimSpace(v.GetString("api-key")),
		RateLimit:        v.GetInt("rate-limit"),
		RateWindow:       v.GetDuration("rate-window"),
		IdempotencyStore: strings.ToLower(strings.TrimSpace(v.GetString("idempotency-store"))),
		IdempotencyTTL:   v.GetDuration("idempotency-ttl"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LockBackend {
	case LockBackendRedis, LockBackendEtcd, LockBackendMemory:
	default:
		return fmt.Errorf("lock-backend must be one of redis, etcd, memory; got %q", c.LockBackend)
	}
	switch c.TicketStore {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres-dsn is required when ticket-store=postgres")
		}
		// Stored fences outlive the process; in-memory fences restart at 1.
		if c.LockBackend == LockBackendMemory {
			return fmt.Errorf("lock-backend=memory cannot guard ticket-store=postgres: its fences reset on restart")
		}
	default:
		return fmt.Errorf("ticket-store must be one of memory, postgres; got %q", c.TicketStore)
	}
	switch c.IdempotencyStore {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("idempotency-store must be one of memory, redis; got %q", c.IdempotencyStore)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock-ttl must be positive, got %s", c.LockTTL)
	}
	if c.LockWait < 0 {
		return fmt.Errorf("lock-wait must not be negative, got %s", c.LockWait)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %d", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return fmt.Errorf("rate-window must be positive when rate-limit is set, got %s", c.RateWindow)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("idempotency-ttl must be positive, got %s", c.IdempotencyTTL)
	}
	if c.LockBackend == LockBackendEtcd && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("etcd-endpoints is required when lock-backend=etcd")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http-addr is required")
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.LockBackend == LockBackendRedis || c.IdempotencyStore == StoreRedis
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
