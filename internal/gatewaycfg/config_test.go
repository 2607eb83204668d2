package gatewaycfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	tmp, err := os.MkdirTemp("", "cfg-*")
	if err != nil { t.Fatal(err) }
	defer os.RemoveAll(tmp)
	cfgPath := filepath.Join(tmp, "gateway.yaml")
	// empty file -> defaults apply
	if err := os.WriteFile(cfgPath, []byte("{}"), 0o644); err != nil { t.Fatal(err) }
	cfg, err := Load(cfgPath)
	if err != nil { t.Fatal(err) }
	if cfg.Server.Listen == "" || cfg.Presence.TTLSeconds != 120 || cfg.Redis.ConsumerGroup != "assigner" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Assigner.BackoffSeconds) != 4 || cfg.Assigner.BackoffSeconds[3] != 60 {
		t.Fatalf("backoff defaults not applied: %+v", cfg.Assigner)
	}
	// stream names carry no prefix of their own; KeyPrefix supplies it once
	if cfg.Redis.IntentStream != "intents" {
		t.Fatalf("intent stream default: %q", cfg.Redis.IntentStream)
	}
	if cfg.Redis.DLQStream != "intents:dlq" {
		t.Fatalf("dlq stream not derived: %q", cfg.Redis.DLQStream)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmp, err := os.MkdirTemp("", "cfg-*")
	if err != nil { t.Fatal(err) }
	defer os.RemoveAll(tmp)
	cfgPath := filepath.Join(tmp, "gateway.yaml")
	if err := os.WriteFile(cfgPath, []byte("server: {}\n"), 0o644); err != nil { t.Fatal(err) }
	os.Setenv("GW_PG_DSN", "postgres://env")
	defer os.Unsetenv("GW_PG_DSN")
	os.Setenv("GW_NODE_ID", "node-env")
	defer os.Unsetenv("GW_NODE_ID")
	cfg, err := Load(cfgPath)
	if err != nil { t.Fatal(err) }
	if cfg.Postgres.DSN != "postgres://env" { t.Fatalf("env override failed: %+v", cfg.Postgres) }
	if cfg.Server.NodeID != "node-env" { t.Fatalf("node override failed: %+v", cfg.Server) }
	// secret via file var
	path := filepath.Join(tmp, "pw")
	_ = os.WriteFile(path, []byte("redispw\n"), 0o600)
	os.Setenv("GW_REDIS_PASSWORD_FILE", path)
	defer os.Unsetenv("GW_REDIS_PASSWORD_FILE")
	cfg, err = Load(cfgPath)
	if err != nil { t.Fatal(err) }
	if cfg.Redis.Password != "redispw" { t.Fatalf("file override failed: %+v", cfg.Redis) }
}
