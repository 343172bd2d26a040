package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"fundbridge/logger"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Chain        ChainConfig        `yaml:"chain"`
	Disbursement DisbursementConfig `yaml:"disbursement"`
	Auth         AuthConfig         `yaml:"auth"`
	Blob         BlobConfig         `yaml:"blob"`
	Outbox       OutboxConfig       `yaml:"outbox"`
	Log          logger.Config      `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type ChainConfig struct {
	RPCURL           string        `yaml:"rpc_url"`
	ChainID          int64         `yaml:"chain_id"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout"`
}

type DisbursementConfig struct {
	SettleRetries    uint64        `yaml:"settle_retries"`
	SettlerInterval  time.Duration `yaml:"settler_interval"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type BlobConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	Bucket         string        `yaml:"bucket"`
	UseSSL         bool          `yaml:"use_ssl"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	URLExpiry      time.Duration `yaml:"url_expiry"`
}

// Enabled reports whether an object store is configured.
func (b BlobConfig) Enabled() bool {
	return b.Endpoint != ""
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// long enough for a disbursement to confirm
		c.Server.WriteTimeout = 6 * time.Minute
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Chain.PollInterval == 0 {
		c.Chain.PollInterval = 2 * time.Second
	}
	if c.Chain.BroadcastTimeout == 0 {
		c.Chain.BroadcastTimeout = 30 * time.Second
	}
	if c.Chain.ConfirmTimeout == 0 {
		c.Chain.ConfirmTimeout = 5 * time.Minute
	}
	if c.Disbursement.SettleRetries == 0 {
		c.Disbursement.SettleRetries = 5
	}
	if c.Disbursement.SettlerInterval == 0 {
		c.Disbursement.SettlerInterval = 30 * time.Second
	}
	if c.Disbursement.ReconcileTimeout == 0 {
		c.Disbursement.ReconcileTimeout = 15 * time.Second
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Blob.Bucket == "" {
		c.Blob.Bucket = "fundbridge"
	}
	if c.Blob.MaxUploadBytes == 0 {
		c.Blob.MaxUploadBytes = 10 << 20
	}
	if c.Blob.URLExpiry == 0 {
		c.Blob.URLExpiry = 7 * 24 * time.Hour
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 10
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"HTTP_ADDR":        &c.Server.Addr,
		"DATABASE_URL":     &c.Database.URL,
		"ETH_RPC_URL":      &c.Chain.RPCURL,
		"JWT_SECRET":       &c.Auth.JWTSecret,
		"MINIO_ENDPOINT":   &c.Blob.Endpoint,
		"MINIO_ACCESS_KEY": &c.Blob.AccessKey,
		"MINIO_SECRET_KEY": &c.Blob.SecretKey,
		"MINIO_BUCKET":     &c.Blob.Bucket,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("ETH_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ETH_CHAIN_ID: %w", err)
		}
		c.Chain.ChainID = id
	}
	if v, ok := lookup("MINIO_USE_SSL"); ok && v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: MINIO_USE_SSL: %w", err)
		}
		c.Blob.UseSSL = ssl
	}
	return nil
}

// Validate checks the settings needed to serve requests.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain rpc url is required (ETH_RPC_URL)"))
	}
	if len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt secret must be at least 16 bytes (JWT_SECRET)"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("database min_conns exceeds max_conns"))
	}
	if c.Blob.Enabled() && (c.Blob.AccessKey == "" || c.Blob.SecretKey == "") {
		errs = append(errs, errors.New("blob access and secret keys are required when an endpoint is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
