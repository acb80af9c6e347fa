// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis describes the connection used by the queue broker when it is not
// running in inline mode.
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Queues configures worker concurrency and visibility-timeout behavior per
// named queue: "ingest", "build", "launch-start", "launch-stop", "job-run".
type Queues struct {
	Mode              string            `mapstructure:"mode"` // "broker" | "inline"
	VisibilityTimeout time.Duration     `mapstructure:"visibility_timeout"`
	MaxAttempts       int               `mapstructure:"max_attempts"`
	Workers           map[string]int    `mapstructure:"workers"`
	NameOverrides     map[string]string `mapstructure:"name_overrides"`
}

// BundleStore configures job bundle artifact persistence.
type BundleStore struct {
	Backend          string        `mapstructure:"backend"` // "local" | "s3"
	LocalRoot        string        `mapstructure:"local_root"`
	SigningSecret    string        `mapstructure:"signing_secret"`
	S3Bucket         string        `mapstructure:"s3_bucket"`
	S3Region         string        `mapstructure:"s3_region"`
	S3Endpoint       string        `mapstructure:"s3_endpoint"`
	S3Prefix         string        `mapstructure:"s3_prefix"`
	S3AccessKeyID    string        `mapstructure:"s3_access_key_id"`
	S3SecretKey      string        `mapstructure:"s3_secret_access_key"`
	S3ForcePathStyle bool          `mapstructure:"s3_force_path_style"`
	DownloadTTL      time.Duration `mapstructure:"download_ttl"`
}

// Sandbox configures the job sandbox runtime.
type Sandbox struct {
	MaxLogs         int           `mapstructure:"max_logs"`
	CacheDir        string        `mapstructure:"cache_dir"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	HostRootPrefix    string        `mapstructure:"host_root_prefix"`
	KillGracePeriod   time.Duration `mapstructure:"kill_grace_period"`
	NodeInterpreter   string        `mapstructure:"node_interpreter"`
	PythonInterpreter string        `mapstructure:"python_interpreter"`
}

// Launch configures preview-instance URL signing.
type Launch struct {
	PreviewBaseURL string `mapstructure:"preview_base_url"`
	PreviewSecret  string `mapstructure:"preview_secret"`
}

// HTTP configures the control API listener.
type HTTP struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	CORSEnabled      bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins []string      `mapstructure:"cors_allow_origins"`
}

// Auth configures operator-token scope enforcement on the control API.
type Auth struct {
	Enabled bool                `mapstructure:"enabled"`
	Tokens  map[string][]string `mapstructure:"tokens"` // token -> scopes
}

type Observability struct {
	LogLevel    string `mapstructure:"log_level"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type Config struct {
	Redis         Redis         `mapstructure:"redis"`
	Queues        Queues        `mapstructure:"queues"`
	BundleStore   BundleStore   `mapstructure:"bundle_store"`
	Sandbox       Sandbox       `mapstructure:"sandbox"`
	Launch        Launch        `mapstructure:"launch"`
	HTTP          HTTP          `mapstructure:"http"`
	Auth          Auth          `mapstructure:"auth"`
	Observability Observability `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			MaxRetries:   3,
		},
		Queues: Queues{
			Mode:              "inline",
			VisibilityTimeout: 30 * time.Second,
			MaxAttempts:       5,
			Workers: map[string]int{
				"ingest":       1,
				"build":        1,
				"launch-start": 1,
				"launch-stop":  1,
				"job-run":      4,
			},
		},
		BundleStore: BundleStore{
			Backend:     "local",
			LocalRoot:   "./data/bundles",
			DownloadTTL: 15 * time.Minute,
		},
		Sandbox: Sandbox{
			MaxLogs:           200,
			CacheDir:          "./data/bundle-cache",
			CacheTTL:          30 * time.Minute,
			KillGracePeriod:   3 * time.Second,
			NodeInterpreter:   "node",
			PythonInterpreter: "python3",
		},
		HTTP: HTTP{
			ListenAddr:       ":8080",
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     30 * time.Second,
			CORSEnabled:      false,
			CORSAllowOrigins: []string{"*"},
		},
		Observability: Observability{
			LogLevel:    "info",
			MetricsPort: 9090,
		},
	}
}

// Load reads configuration from a YAML file (if present) layered over
// defaults and environment overrides via viper.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APPHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("queues.mode", def.Queues.Mode)
	v.SetDefault("queues.visibility_timeout", def.Queues.VisibilityTimeout)
	v.SetDefault("queues.max_attempts", def.Queues.MaxAttempts)
	v.SetDefault("queues.workers", def.Queues.Workers)

	v.SetDefault("bundle_store.backend", def.BundleStore.Backend)
	v.SetDefault("bundle_store.local_root", def.BundleStore.LocalRoot)
	v.SetDefault("bundle_store.download_ttl", def.BundleStore.DownloadTTL)

	v.SetDefault("sandbox.max_logs", def.Sandbox.MaxLogs)
	v.SetDefault("sandbox.cache_dir", def.Sandbox.CacheDir)
	v.SetDefault("sandbox.cache_ttl", def.Sandbox.CacheTTL)
	v.SetDefault("sandbox.kill_grace_period", def.Sandbox.KillGracePeriod)
	v.SetDefault("sandbox.node_interpreter", def.Sandbox.NodeInterpreter)
	v.SetDefault("sandbox.python_interpreter", def.Sandbox.PythonInterpreter)

	v.SetDefault("http.listen_addr", def.HTTP.ListenAddr)
	v.SetDefault("http.read_timeout", def.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", def.HTTP.WriteTimeout)
	v.SetDefault("http.cors_enabled", def.HTTP.CORSEnabled)
	v.SetDefault("http.cors_allow_origins", def.HTTP.CORSAllowOrigins)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints, returning an error on first violation.
func Validate(cfg *Config) error {
	if cfg.Queues.Mode != "inline" && cfg.Queues.Mode != "broker" {
		return fmt.Errorf("queues.mode must be 'inline' or 'broker'")
	}
	if cfg.Queues.MaxAttempts < 1 {
		return fmt.Errorf("queues.max_attempts must be >= 1")
	}
	if cfg.BundleStore.Backend != "local" && cfg.BundleStore.Backend != "s3" {
		return fmt.Errorf("bundle_store.backend must be 'local' or 's3'")
	}
	if cfg.BundleStore.Backend == "s3" && cfg.BundleStore.S3Bucket == "" {
		return fmt.Errorf("bundle_store.s3_bucket required when backend is 's3'")
	}
	if cfg.Sandbox.MaxLogs <= 0 {
		return fmt.Errorf("sandbox.max_logs must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// Default exposes the zero-file configuration, useful for tests.
func Default() *Config { return defaultConfig() }
