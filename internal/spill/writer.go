package spill

import (
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/metrics"
)

// Record is one task result buffered locally while Postgres is unreachable.
type Record struct {
    TaskID   string          `json:"task_id"`
    DeviceID string          `json:"device_id"`
    Results  json.RawMessage `json:"results"`
    TS       int64           `json:"ts"`
    Late     bool            `json:"late"`
}

// Writer persists results to the local filesystem as a last-resort buffer so
// the result path stays available while the durable store is degraded. Each
// write opens, appends and closes; no handle stays open between writes, so
// the replayer can take a file away without orphaning an inode mid-append.
type Writer struct {
    cfg  gatewaycfg.SpillConfig
    mu   sync.Mutex
    path string
}

func NewWriter(cfg gatewaycfg.SpillConfig) (*Writer, error) {
    if !cfg.Enabled { return &Writer{cfg: cfg}, nil }
    if err := os.MkdirAll(cfg.Directory, 0o755); err != nil { return nil, err }
    w := &Writer{cfg: cfg}
    w.rotate()
    return w, nil
}

func (w *Writer) rotate() {
    name := fmt.Sprintf("spill_%s.ndjson", time.Now().Format("20060102_150405.000000000"))
    w.path = filepath.Join(w.cfg.Directory, name)
}

func (w *Writer) Write(rec Record) error {
    if !w.cfg.Enabled { return nil }
    w.mu.Lock()
    defer w.mu.Unlock()
    b, _ := json.Marshal(rec)
    f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil { return err }
    if st, serr := f.Stat(); serr == nil && w.cfg.RotateMB > 0 &&
        st.Size()+int64(len(b)+1) > int64(w.cfg.RotateMB)*1024*1024 {
        _ = f.Close()
        w.rotate()
        f, err = os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
        if err != nil { return err }
    }
    if _, err := f.Write(append(b, '\n')); err != nil {
        _ = f.Close()
        return err
    }
    metrics.SpillWriteTotal.Inc()
    return f.Close()
}

func (w *Writer) Close() error { return nil }
