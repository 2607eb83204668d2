package audit

import (
    "bufio"
    "compress/gzip"
    "encoding/json"
    "fmt"
    "os"
    "path/filepath"
    "sync"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/metrics"
    ulid "github.com/oklog/ulid/v2"
)

// Sink is the append-only audit trail: one NDJSON entry per gateway event.
// Every write is best-effort; callers never fail their primary path on it.
type Sink struct {
    cfg  gatewaycfg.AuditConfig
    mu   sync.Mutex
    file *os.File
    buf  *bufio.Writer
    gz   *gzip.Writer
    size int64
}

// Entry is a single audit record.
type Entry struct {
    TS       int64  `json:"ts"`
    Kind     string `json:"kind"`
    DeviceID string `json:"device_id,omitempty"`
    ConnID   string `json:"conn_id,omitempty"`
    TaskID   string `json:"task_id,omitempty"`
    Node     string `json:"node,omitempty"`
    Detail   string `json:"detail,omitempty"`
}

func NewSink(cfg gatewaycfg.AuditConfig) (*Sink, error) {
    if !cfg.Enabled {
        return &Sink{cfg: cfg}, nil
    }
    if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
        return nil, err
    }
    s := &Sink{cfg: cfg}
    if err := s.rotate(); err != nil {
        return nil, err
    }
    return s, nil
}

func (s *Sink) rotate() error {
    if !s.cfg.Enabled {
        return nil
    }
    if s.file != nil {
        s.buf.Flush()
        if s.gz != nil { s.gz.Flush(); s.gz.Close(); s.gz = nil }
        s.file.Close()
    }
    ext := "ndjson"
    if s.cfg.Compression == "gzip" { ext = "ndjson.gz" }
    name := fmt.Sprintf("audit_%s_%s.%s", time.Now().Format("20060102"), ulid.Make().String(), ext)
    path := filepath.Join(s.cfg.Directory, name)
    f, err := os.Create(path)
    if err != nil {
        return err
    }
    s.file = f
    if s.cfg.Compression == "gzip" {
        s.gz = gzip.NewWriter(f)
        s.buf = bufio.NewWriterSize(s.gz, 1<<20)
    } else {
        s.buf = bufio.NewWriterSize(f, 1<<20)
    }
    s.size = 0
    return nil
}

// Record appends one entry. Errors are returned for the caller to log and
// swallow; unavailability of the sink must never block the gateway.
func (s *Sink) Record(e Entry) error {
    if s == nil || !s.cfg.Enabled {
        return nil
    }
    if e.TS == 0 {
        e.TS = time.Now().UnixNano()
    }
    s.mu.Lock()
    defer s.mu.Unlock()

    b, err := json.Marshal(e)
    if err != nil {
        return err
    }
    if s.cfg.RotateMB > 0 && s.size+int64(len(b)) > int64(s.cfg.RotateMB)*1024*1024 {
        if err := s.rotate(); err != nil {
            return err
        }
    }
    if _, err := s.buf.Write(b); err != nil {
        return err
    }
    if err := s.buf.WriteByte('\n'); err != nil {
        return err
    }
    s.size += int64(len(b) + 1)
    metrics.AuditBytes.Add(float64(len(b) + 1))
    _ = s.buf.Flush()
    return nil
}

func (s *Sink) Close() error {
    if s == nil { return nil }
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.buf != nil {
        s.buf.Flush()
    }
    if s.gz != nil { s.gz.Flush(); s.gz.Close() }
    if s.file != nil {
        return s.file.Close()
    }
    return nil
}
