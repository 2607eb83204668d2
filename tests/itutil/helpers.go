//go:build integration

package itutil

import (
    "context"
    "crypto/ed25519"
    "crypto/rand"
    "encoding/base64"
    "fmt"
    "net"
    "net/http"
    "os"
    "path/filepath"
    "testing"
    "time"

    psqlmod "github.com/testcontainers/testcontainers-go/modules/postgres"
    redismod "github.com/testcontainers/testcontainers-go/modules/redis"

    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/redis/go-redis/v9"

    "github.com/example/device-gateway/internal/gateway"
    "github.com/example/device-gateway/internal/gatewaycfg"
    yaml "gopkg.in/yaml.v3"
)

// StartPostgres launches a Postgres container and returns the container handle and DSN.
func StartPostgres(t *testing.T) (*psqlmod.PostgresContainer, string) {
    t.Helper()
    ctx := context.Background()
    pg, err := psqlmod.RunContainer(ctx, psqlmod.WithDatabase("testdb"), psqlmod.WithUsername("test"), psqlmod.WithPassword("test"))
    if err != nil { t.Fatalf("pg up: %v", err) }
    dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
    if err != nil { t.Fatalf("pg dsn: %v", err) }
    return pg, dsn
}

// StartRedis launches a Redis container and returns the container handle and address.
func StartRedis(t *testing.T) (*redismod.RedisContainer, string) {
    t.Helper()
    ctx := context.Background()
    r, err := redismod.RunContainer(ctx)
    if err != nil { t.Fatalf("redis up: %v", err) }
    host, err := r.Host(ctx)
    if err != nil { t.Fatalf("redis host: %v", err) }
    port, err := r.MappedPort(ctx, "6379")
    if err != nil { t.Fatalf("redis port: %v", err) }
    return r, fmt.Sprintf("%s:%s", host, port.Port())
}

// FreePort finds a free TCP port on localhost.
func FreePort(t *testing.T) int {
    t.Helper()
    l, err := net.Listen("tcp", ":0")
    if err != nil { t.Fatalf("listen :0: %v", err) }
    defer l.Close()
    return l.Addr().(*net.TCPAddr).Port
}

// Keypair generates an ed25519 pair encoded the way the auth config expects.
func Keypair(t *testing.T) (pubB64, privB64 string) {
    t.Helper()
    pub, priv, err := ed25519.GenerateKey(rand.Reader)
    if err != nil { t.Fatalf("keygen: %v", err) }
    return base64.RawStdEncoding.EncodeToString(pub), base64.RawStdEncoding.EncodeToString(priv)
}

// BaseConfig builds a gateway config pointed at the given containers with
// fast timers suitable for tests.
func BaseConfig(t *testing.T, redisAddr, pgDSN string, port int, pubB64, privB64 string) gatewaycfg.Config {
    t.Helper()
    cfg := gatewaycfg.Config{}
    cfg.Server.Listen = fmt.Sprintf(":%d", port)
    cfg.Server.NodeID = fmt.Sprintf("it-node-%d", port)
    cfg.Server.RevocationPollMs = 200
    cfg.Presence.TTLSeconds = 5
    cfg.Presence.SweepMs = 300
    cfg.Redis.Enabled = true
    cfg.Redis.Addr = redisAddr
    cfg.Redis.KeyPrefix = "it:"
    cfg.Postgres.Enabled = pgDSN != ""
    cfg.Postgres.DSN = pgDSN
    cfg.Postgres.ApplyMigrations = true
    cfg.Assigner.Enabled = true
    cfg.Assigner.BlockMs = 200
    cfg.Logging.Level = "debug"
    cfg.Auth.Issuer = "it-gateway"
    cfg.Auth.Audience = "it-devices"
    cfg.Auth.KeyID = "it1"
    cfg.Auth.PublicKeys = map[string]string{"it1": pubB64}
    cfg.Auth.PrivateKey = privB64
    cfg.ApplyDefaults()
    return cfg
}

// WriteGatewayConfig writes a gateway config to a temp file and returns its path.
func WriteGatewayConfig(t *testing.T, cfg gatewaycfg.Config) string {
    t.Helper()
    b, _ := yaml.Marshal(cfg)
    p := filepath.Join(t.TempDir(), "gateway.yaml")
    if err := os.WriteFile(p, b, 0o644); err != nil { t.Fatalf("write cfg: %v", err) }
    return p
}

// ChdirRepoRoot changes the working directory to the repository root (where go.mod is located)
// so relative paths like "migrations/*.sql" resolve during integration tests.
func ChdirRepoRoot(t *testing.T) {
    t.Helper()
    cwd, _ := os.Getwd()
    dir := cwd
    for i := 0; i < 10; i++ {
        if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
            if chErr := os.Chdir(dir); chErr != nil { t.Fatalf("chdir repo root: %v", chErr) }
            return
        }
        parent := filepath.Dir(dir)
        if parent == dir { break }
        dir = parent
    }
    t.Fatalf("could not find go.mod from %s", cwd)
}

// StartGateway starts a gateway node with the provided config and returns a cancel function.
func StartGateway(t *testing.T, cfg gatewaycfg.Config) func() {
    t.Helper()
    cfgPath := WriteGatewayConfig(t, cfg)
    g, err := gateway.New(cfgPath)
    if err != nil { t.Fatalf("gateway new: %v", err) }
    ctx, cancel := context.WithCancel(context.Background())
    go func() { _ = g.Start(ctx) }()
    return cancel
}

// WaitHTTPReady polls the given URL until it returns 200 or times out.
func WaitHTTPReady(t *testing.T, url string, deadline time.Duration) {
    t.Helper()
    end := time.Now().Add(deadline)
    for time.Now().Before(end) {
        resp, err := http.Get(url)
        if err == nil {
            if resp.StatusCode == 200 { resp.Body.Close(); return }
            resp.Body.Close()
        }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("ready timeout for %s", url)
}

// WaitStreamLen waits until the stream has at least want entries.
func WaitStreamLen(t *testing.T, r *redis.Client, stream string, want int64, deadline time.Duration) {
    t.Helper()
    end := time.Now().Add(deadline)
    for time.Now().Before(end) {
        l, _ := r.XLen(context.Background(), stream).Result()
        if l >= want { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("stream %s did not reach len %d", stream, want)
}

// WaitPostgresReady connects and runs a trivial query until success.
func WaitPostgresReady(t *testing.T, dsn string, deadline time.Duration) {
    t.Helper()
    end := time.Now().Add(deadline)
    for time.Now().Before(end) {
        pool, err := pgxpool.New(context.Background(), dsn)
        if err == nil {
            var one int
            if err := pool.QueryRow(context.Background(), "SELECT 1").Scan(&one); err == nil {
                pool.Close()
                return
            }
            pool.Close()
        }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("postgres not ready: %s", dsn)
}

// InsertDevice adds a device registry row so credential checks pass.
func InsertDevice(t *testing.T, dsn, deviceID string) {
    t.Helper()
    pool, err := pgxpool.New(context.Background(), dsn)
    if err != nil { t.Fatalf("pg connect: %v", err) }
    defer pool.Close()
    if _, err := pool.Exec(context.Background(),
        `INSERT INTO devices (device_id, name) VALUES ($1, $1) ON CONFLICT DO NOTHING`, deviceID); err != nil {
        t.Fatalf("insert device: %v", err)
    }
}

// TaskStatus reads the stored status for a task, "" when absent.
func TaskStatus(t *testing.T, dsn, taskID string) string {
    t.Helper()
    pool, err := pgxpool.New(context.Background(), dsn)
    if err != nil { t.Fatalf("pg connect: %v", err) }
    defer pool.Close()
    var status string
    _ = pool.QueryRow(context.Background(), `SELECT status FROM tasks WHERE task_id=$1`, taskID).Scan(&status)
    return status
}
