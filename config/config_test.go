package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	configContent := `
server:
  addr: ":9090"
  read_timeout: 5s
  cors_origins: ["https://app.example.org"]
database:
  url: "postgres://app@localhost/fundbridge"
  max_conns: 20
chain:
  rpc_url: "http://localhost:8545"
  chain_id: 1337
  confirm_timeout: 90s
auth:
  jwt_secret: "0123456789abcdef0123"
blob:
  endpoint: "localhost:9000"
  access_key: "minioadmin"
  secret_key: "minioadmin"
  bucket: "evidence"
log:
  level: "debug"
  format: "console"
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Addr != ":9090" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("expected one cors origin, got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Chain.ChainID != 1337 || cfg.Chain.ConfirmTimeout != 90*time.Second {
		t.Errorf("unexpected chain config %+v", cfg.Chain)
	}
	if cfg.Chain.BroadcastTimeout != 30*time.Second {
		t.Errorf("expected default broadcast timeout, got %v", cfg.Chain.BroadcastTimeout)
	}
	if cfg.Blob.Bucket != "evidence" || !cfg.Blob.Enabled() {
		t.Errorf("unexpected blob config %+v", cfg.Blob)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Outbox.BatchSize != 10 || cfg.Outbox.MaxAttempts != 5 {
		t.Errorf("unexpected outbox defaults %+v", cfg.Outbox)
	}
	if cfg.Disbursement.SettleRetries != 5 {
		t.Errorf("expected 5 settle retries, got %d", cfg.Disbursement.SettleRetries)
	}
	if cfg.Blob.Enabled() {
		t.Errorf("blob store must be disabled without an endpoint")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL":  "postgres://env/db",
		"ETH_RPC_URL":   "http://node:8545",
		"ETH_CHAIN_ID":  "11155111",
		"JWT_SECRET":    "env-secret-env-secret",
		"MINIO_USE_SSL": "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	var cfg Config
	cfg.applyDefaults()
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Database.URL != "postgres://env/db" || cfg.Chain.RPCURL != "http://node:8545" {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Database, cfg.Chain)
	}
	if cfg.Chain.ChainID != 11155111 || !cfg.Blob.UseSSL {
		t.Errorf("typed env overrides not applied")
	}

	env["ETH_CHAIN_ID"] = "mainnet"
	if err := cfg.applyEnv(lookup); err == nil {
		t.Fatal("expected error for non-numeric chain id")
	}
}

func TestValidate(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	cfg.Auth.JWTSecret = "short"
	cfg.Blob.Endpoint = "localhost:9000"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "ETH_RPC_URL", "JWT_SECRET", "blob access"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}
