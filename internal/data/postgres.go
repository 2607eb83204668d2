package data

import (
    "context"
    "errors"
    "os"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
    cfg  gatewaycfg.PostgresConfig
    pool *pgxpool.Pool
}

func NewPostgres(cfg gatewaycfg.PostgresConfig) (*Postgres, error) {
    if !cfg.Enabled {
        return &Postgres{cfg: cfg}, nil
    }
    pconf, err := pgxpool.ParseConfig(cfg.DSN)
    if err != nil {
        return nil, err
    }
    if cfg.MaxConns > 0 {
        pconf.MaxConns = int32(cfg.MaxConns)
    }
    if cfg.ConnMaxLifetimeMs > 0 {
        pconf.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond
    }
    pool, err := pgxpool.NewWithConfig(context.Background(), pconf)
    if err != nil {
        return nil, err
    }
    pg := &Postgres{cfg: cfg, pool: pool}
    if cfg.ApplyMigrations {
        _ = pg.applyMigrations(context.Background())
    }
    return pg, nil
}

func (p *Postgres) applyMigrations(ctx context.Context) error {
    if p.pool == nil {
        return errors.New("pg pool nil")
    }
    b, err := os.ReadFile("migrations/0001_init.sql")
    if err != nil {
        return err
    }
    cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
    defer cancel()
    _, err = p.pool.Exec(cctx, string(b))
    return err
}

func (p *Postgres) Close() {
    if p.pool != nil {
        p.pool.Close()
    }
}

// DeviceRegistered reports whether the device id exists in the registry.
// The gateway reads the registry; the API layer owns its schema.
func (p *Postgres) DeviceRegistered(ctx context.Context, deviceID string) (bool, error) {
    if p.pool == nil { return false, errors.New("postgres_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
    defer cancel()
    var one int
    err := p.pool.QueryRow(cctx, `SELECT 1 FROM devices WHERE device_id=$1`, deviceID).Scan(&one)
    if errors.Is(err, pgx.ErrNoRows) { return false, nil }
    if err != nil { return false, err }
    return true, nil
}

// TouchDeviceLastSeen persists the heartbeat timestamp; callers treat failure
// as best-effort and never close the session over it.
func (p *Postgres) TouchDeviceLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
    if p.pool == nil { return nil }
    cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
    defer cancel()
    _, err := p.pool.Exec(cctx, `UPDATE devices SET last_seen=$2 WHERE device_id=$1`, deviceID, ts)
    if err != nil { metrics.PGErrorsTotal.Inc() }
    return err
}

// InsertTask records a freshly produced task with its idempotency key in one
// transaction. A conflicting idempotency key returns ErrDuplicate and the
// existing task id, without inserting anything.
var ErrDuplicate = errors.New("duplicate_request")

func (p *Postgres) InsertTask(ctx context.Context, taskID, deviceID string, intent []byte, idemKey, endpoint, requestHash string) (string, error) {
    if p.pool == nil { return "", errors.New("postgres_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    tx, err := p.pool.Begin(cctx)
    if err != nil { return "", err }
    defer tx.Rollback(cctx)
    if idemKey != "" {
        var existing string
        err = tx.QueryRow(cctx,
            `INSERT INTO idempotency_keys (idem_key, endpoint, request_hash, task_id)
             VALUES ($1,$2,$3,$4)
             ON CONFLICT (idem_key, endpoint, request_hash) DO UPDATE SET idem_key=EXCLUDED.idem_key
             RETURNING task_id`,
            idemKey, endpoint, requestHash, taskID).Scan(&existing)
        if err != nil { return "", err }
        if existing != taskID {
            return existing, ErrDuplicate
        }
    }
    if _, err := tx.Exec(cctx,
        `INSERT INTO tasks (task_id, device_id, intent, status, created_at)
         VALUES ($1,$2,$3,'queued',now())
         ON CONFLICT (task_id) DO NOTHING`,
        taskID, deviceID, intent); err != nil {
        return "", err
    }
    if err := tx.Commit(cctx); err != nil { return "", err }
    return taskID, nil
}

// UpdateTaskStatus transitions a task's status. Terminal states (done,
// dead_lettered) are only downgraded by an explicit result submission, which
// goes through InsertTaskResult instead.
func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID, status, reason string) error {
    if p.pool == nil { return nil }
    cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
    defer cancel()
    _, err := p.pool.Exec(cctx,
        `UPDATE tasks SET status=$2, status_reason=$3, updated_at=now()
         WHERE task_id=$1 AND status NOT IN ('done')`,
        taskID, status, reason)
    if err != nil { metrics.PGErrorsTotal.Inc() }
    return err
}

// InsertTaskResult stores the device's result and flips the task status in the
// same transaction, so concurrent submissions for one task id cannot interleave.
// A result arriving after dead-lettering is still accepted: the device evidently
// executed the task, and the durable record wins (late=true marks it).
func (p *Postgres) InsertTaskResult(ctx context.Context, taskID string, results []byte, ts time.Time, late bool) error {
    if p.pool == nil { return errors.New("postgres_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    tx, err := p.pool.Begin(cctx)
    if err != nil { return err }
    defer tx.Rollback(cctx)
    if _, err := tx.Exec(cctx,
        `INSERT INTO task_results (task_id, results, result_ts, late)
         VALUES ($1,$2,$3,$4)
         ON CONFLICT (task_id) DO NOTHING`,
        taskID, results, ts, late); err != nil {
        metrics.PGErrorsTotal.Inc()
        return err
    }
    if _, err := tx.Exec(cctx,
        `UPDATE tasks SET status='done', status_reason='', updated_at=now() WHERE task_id=$1`,
        taskID); err != nil {
        metrics.PGErrorsTotal.Inc()
        return err
    }
    return tx.Commit(cctx)
}

// TaskStatus returns the current stored status, or "" when unknown.
func (p *Postgres) TaskStatus(ctx context.Context, taskID string) (string, error) {
    if p.pool == nil { return "", errors.New("postgres_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
    defer cancel()
    var status string
    err := p.pool.QueryRow(cctx, `SELECT status FROM tasks WHERE task_id=$1`, taskID).Scan(&status)
    if errors.Is(err, pgx.ErrNoRows) { return "", nil }
    if err != nil { return "", err }
    return status, nil
}
