package gatewaycfg

import (
    "fmt"
    "os"
    "strings"

    "gopkg.in/yaml.v3"
)

type Config struct {
    Server Server `yaml:"server"`
    Presence PresenceConfig `yaml:"presence"`
    Postgres PostgresConfig `yaml:"postgres"`
    Redis RedisConfig `yaml:"redis"`
    Assigner AssignerConfig `yaml:"assigner"`
    Logging LoggingConfig `yaml:"logging"`
    Spill SpillConfig `yaml:"spill"`
    Audit AuditConfig `yaml:"audit"`
    Auth   AuthConfig   `yaml:"auth"`
}

type Server struct {
    Listen          string `yaml:"listen"`
    NodeID          string `yaml:"node_id"`
    MaxMessageBytes int64  `yaml:"max_message_bytes"`
    ReadTimeoutMs   int    `yaml:"read_timeout_ms"`
    WriteTimeoutMs  int    `yaml:"write_timeout_ms"`
    RevocationPollMs int   `yaml:"revocation_poll_ms"`
    AllowedOrigins  []string `yaml:"allowed_origins"`
}

type PresenceConfig struct {
    TTLSeconds int `yaml:"ttl_seconds"`
    SweepMs    int `yaml:"sweep_ms"`
}

type PostgresConfig struct {
    Enabled bool `yaml:"enabled"`
    DSN string `yaml:"dsn"`
    MaxConns int `yaml:"max_conns"`
    ConnMaxLifetimeMs int `yaml:"conn_max_lifetime_ms"`
    ApplyMigrations bool `yaml:"apply_migrations"`
}

type RedisConfig struct {
    Enabled bool `yaml:"enabled"`
    Addr string `yaml:"addr"`
    Username string `yaml:"username"`
    Password string `yaml:"password"`
    DB int `yaml:"db"`
    KeyPrefix string `yaml:"key_prefix"`
    IntentStream string `yaml:"intent_stream"`
    DLQStream string `yaml:"dlq_stream"`
    MaxLenApprox int64 `yaml:"maxlen_approx"`
    ConsumerGroup string `yaml:"consumer_group"`
    DeliverChannelPrefix string `yaml:"deliver_channel_prefix"`
}

type AssignerConfig struct {
    Enabled bool `yaml:"enabled"`
    ReadCount int `yaml:"read_count"`
    BlockMs int `yaml:"block_ms"`
    AttemptCeiling int `yaml:"attempt_ceiling"`
    BackoffSeconds []int `yaml:"backoff_seconds"`
    ClaimIdleMs int `yaml:"claim_idle_ms"`
    ClaimIntervalMs int `yaml:"claim_interval_ms"`
}

type SpillConfig struct {
    Enabled bool `yaml:"enabled"`
    Directory string `yaml:"directory"`
    RotateMB int `yaml:"rotate_mb"`
    ReplayIntervalMs int `yaml:"replay_interval_ms"`
}

type AuditConfig struct {
    Enabled bool `yaml:"enabled"`
    Directory string `yaml:"directory"`
    RotateMB int `yaml:"rotate_mb"`
    Compression string `yaml:"compression"`
}

type LoggingConfig struct {
    Level string `yaml:"level"`
    Buffer int `yaml:"buffer"`
    Output string `yaml:"output"`
}

type AuthConfig struct {
    Issuer string `yaml:"issuer"`
    Audience string `yaml:"audience"`
    KeyID string `yaml:"key_id"`
    // Base64 (raw) Ed25519 keys; private optional (only needed to issue tokens)
    PublicKeys map[string]string `yaml:"public_keys"`
    PrivateKey string `yaml:"private_key"`
    PrivateKeyFile string            `yaml:"private_key_file"` // PEM/OpenSSH private key (ed25519)
    PublicKeysSSH  map[string]string `yaml:"public_keys_ssh"`  // kid -> OpenSSH public key lines
    SkewSeconds int `yaml:"skew_seconds"`
}

func Load(path string) (*Config, error) {
    b, err := os.ReadFile(path)
    if err != nil {
        return nil, err
    }
    var cfg Config
    if err := yaml.Unmarshal(b, &cfg); err != nil {
        return nil, err
    }
    cfg.ApplyDefaults()
    // Env overrides for secrets and per-node identity
    if v := os.Getenv("GW_PG_DSN"); v != "" {
        cfg.Postgres.DSN = v
    }
    if v := os.Getenv("GW_PG_DSN_FILE"); v != "" {
        if b, err := os.ReadFile(v); err == nil { cfg.Postgres.DSN = strings.TrimSpace(string(b)) }
    }
    if v := os.Getenv("GW_REDIS_PASSWORD"); v != "" {
        cfg.Redis.Password = v
    }
    if v := os.Getenv("GW_REDIS_PASSWORD_FILE"); v != "" {
        if b, err := os.ReadFile(v); err == nil { cfg.Redis.Password = strings.TrimSpace(string(b)) }
    }
    if v := os.Getenv("GW_NODE_ID"); v != "" {
        cfg.Server.NodeID = v
    }
    return &cfg, nil
}

// ApplyDefaults fills zero values in place. Load calls it; tests building
// configs by hand call it directly.
func (c *Config) ApplyDefaults() {
    if c.Server.Listen == "" {
        c.Server.Listen = ":7700"
    }
    if c.Server.NodeID == "" {
        if h, err := os.Hostname(); err == nil { c.Server.NodeID = h } else { c.Server.NodeID = "gateway-0" }
    }
    if c.Server.MaxMessageBytes == 0 {
        c.Server.MaxMessageBytes = 1 << 20
    }
    if c.Server.ReadTimeoutMs == 0 {
        c.Server.ReadTimeoutMs = 15000
    }
    if c.Server.WriteTimeoutMs == 0 {
        c.Server.WriteTimeoutMs = 5000
    }
    if c.Server.RevocationPollMs == 0 {
        c.Server.RevocationPollMs = 5000
    }
    if c.Presence.TTLSeconds <= 0 { c.Presence.TTLSeconds = 120 }
    if c.Presence.SweepMs <= 0 { c.Presence.SweepMs = 10000 }
    if c.Redis.IntentStream == "" { c.Redis.IntentStream = "intents" }
    if c.Redis.DLQStream == "" { c.Redis.DLQStream = c.Redis.IntentStream + ":dlq" }
    if c.Redis.ConsumerGroup == "" { c.Redis.ConsumerGroup = "assigner" }
    if c.Redis.DeliverChannelPrefix == "" { c.Redis.DeliverChannelPrefix = "deliver:" }
    if c.Assigner.ReadCount <= 0 { c.Assigner.ReadCount = 100 }
    if c.Assigner.BlockMs <= 0 { c.Assigner.BlockMs = 5000 }
    if c.Assigner.AttemptCeiling <= 0 { c.Assigner.AttemptCeiling = 4 }
    if len(c.Assigner.BackoffSeconds) == 0 { c.Assigner.BackoffSeconds = []int{1, 5, 15, 60} }
    if c.Assigner.ClaimIdleMs <= 0 { c.Assigner.ClaimIdleMs = 60000 }
    if c.Assigner.ClaimIntervalMs <= 0 { c.Assigner.ClaimIntervalMs = 30000 }
    if c.Spill.ReplayIntervalMs <= 0 { c.Spill.ReplayIntervalMs = 5000 }
    if c.Auth.SkewSeconds <= 0 { c.Auth.SkewSeconds = 60 }
}

func (c *Config) String() string {
    return fmt.Sprintf("listen=%s node=%s", c.Server.Listen, c.Server.NodeID)
}
