package audit

import (
    "os"
    "strings"
    "testing"

    "github.com/example/device-gateway/internal/gatewaycfg"
)

func TestSink_WriteRotate(t *testing.T) {
    tmp := t.TempDir()
    s, err := NewSink(gatewaycfg.AuditConfig{Enabled: true, Directory: tmp, RotateMB: 1})
    if err != nil { t.Fatal(err) }
    defer s.Close()
    detail := strings.Repeat("a", 1024)
    for i := 0; i < 2600; i++ {
        if err := s.Record(Entry{Kind: "session", DeviceID: "dev1", Detail: detail}); err != nil { t.Fatal(err) }
    }
    entries, _ := os.ReadDir(tmp)
    if len(entries) < 2 { t.Fatalf("expected rotation to create multiple files, got %d", len(entries)) }
}

func TestSink_CompressionGzip(t *testing.T) {
    tmp := t.TempDir()
    s, err := NewSink(gatewaycfg.AuditConfig{Enabled: true, Directory: tmp, Compression: "gzip"})
    if err != nil { t.Fatal(err) }
    defer s.Close()
    if err := s.Record(Entry{Kind: "delivery", TaskID: "t1"}); err != nil { t.Fatal(err) }
    entries, _ := os.ReadDir(tmp)
    if len(entries) != 1 { t.Fatalf("expected 1 file, got %d", len(entries)) }
    if !strings.HasSuffix(entries[0].Name(), ".gz") {
        t.Fatalf("expected gzip file, got %s", entries[0].Name())
    }
}

func TestSink_DisabledAndNilAreInert(t *testing.T) {
    s, err := NewSink(gatewaycfg.AuditConfig{})
    if err != nil { t.Fatal(err) }
    if err := s.Record(Entry{Kind: "session"}); err != nil { t.Fatal(err) }
    var nilSink *Sink
    if err := nilSink.Record(Entry{Kind: "session"}); err != nil { t.Fatal(err) }
    if err := nilSink.Close(); err != nil { t.Fatal(err) }
}
