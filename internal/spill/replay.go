package spill

import (
    "bufio"
    "context"
    "encoding/json"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
)

// Replayer re-ingests spilled task results into Postgres until the directory
// is empty. Each file is renamed aside before it is read, so a result written
// concurrently lands in a fresh file at the original path instead of in the
// file being consumed. The renamed file is removed only after every line
// landed; on failure it stays and is retried on the next pass.
type Replayer struct {
    cfg    gatewaycfg.SpillConfig
    insert func(ctx context.Context, taskID string, results []byte, ts time.Time, late bool) error
}

func NewReplayer(cfg gatewaycfg.SpillConfig, pg *data.Postgres) *Replayer {
    return &Replayer{cfg: cfg, insert: pg.InsertTaskResult}
}

// Start periodically scans the spill directory; call in its own goroutine.
func (r *Replayer) Start(ctx context.Context) {
    if !r.cfg.Enabled { return }
    interval := time.Duration(r.cfg.ReplayIntervalMs) * time.Millisecond
    if interval <= 0 { interval = 5 * time.Second }
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            _ = r.replayOnce(ctx)
        }
    }
}

func (r *Replayer) replayOnce(ctx context.Context) error {
    ev := logging.NewEventLogger()
    entries, err := os.ReadDir(r.cfg.Directory)
    if err != nil { return err }
    for _, e := range entries {
        if e.IsDir() { continue }
        name := e.Name()
        if !strings.HasPrefix(name, "spill_") { continue }
        path := filepath.Join(r.cfg.Directory, name)
        switch {
        case strings.HasSuffix(name, ".ndjson"):
            // claim the file before reading it
            if err := os.Rename(path, path+".replay"); err != nil { continue }
            path += ".replay"
        case strings.HasSuffix(name, ".ndjson.replay"):
            // leftover from an interrupted pass
        default:
            continue
        }
        f, err := os.Open(path)
        if err != nil { continue }
        scanner := bufio.NewScanner(f)
        buf := make([]byte, 1<<20)
        scanner.Buffer(buf, 8<<20)
        recs := make([]Record, 0, 256)
        for scanner.Scan() {
            var rec Record
            if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil && rec.TaskID != "" {
                recs = append(recs, rec)
            }
        }
        _ = f.Close()
        if len(recs) == 0 { _ = os.Remove(path); continue }
        ok := true
        for _, rec := range recs {
            if err := r.insert(ctx, rec.TaskID, rec.Results, time.Unix(0, rec.TS), rec.Late); err != nil {
                ok = false
                break
            }
        }
        if ok {
            metrics.SpillReplayTotal.Add(float64(len(recs)))
            _ = os.Remove(path)
            ev.Infra("write", "postgres", "success", "spill replay: "+name)
        }
    }
    return nil
}
