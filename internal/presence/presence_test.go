package presence

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
)

// map-backed kv with manual expiry control
type fakeKV struct {
    mu sync.Mutex
    m  map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{m: map[string]string{}} }

func (f *fakeKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.m[key] = value
    return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    v, ok := f.m[key]
    return v, ok, nil
}

func (f *fakeKV) Exists(ctx context.Context, key string) (bool, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    _, ok := f.m[key]
    return ok, nil
}

func (f *fakeKV) expire(key string) {
    f.mu.Lock()
    defer f.mu.Unlock()
    delete(f.m, key)
}

func testStore(kv kv, node string) *Store {
    return &Store{kv: kv, node: node, ttl: 120 * time.Second}
}

func TestRegisterResolve(t *testing.T) {
    kv := newFakeKV()
    s := testStore(kv, "node-a")
    ctx := context.Background()
    if err := s.Register(ctx, "dev1", "c1", []string{"exec"}); err != nil { t.Fatal(err) }

    online, err := s.IsOnline(ctx, "dev1")
    if err != nil || !online { t.Fatalf("expected online, got %v %v", online, err) }

    node, connID, err := s.ResolveOwner(ctx, "dev1")
    if err != nil { t.Fatal(err) }
    if node != "node-a" || connID != "c1" { t.Fatalf("owner mismatch: %s %s", node, connID) }

    rec, ok, err := s.Get(ctx, "dev1")
    if err != nil || !ok { t.Fatalf("get: %v %v", ok, err) }
    if rec.ConnID != "c1" || len(rec.Capabilities) != 1 { t.Fatalf("record mismatch: %+v", rec) }
}

func TestResolveOwner_AbsentIsUnknown(t *testing.T) {
    s := testStore(newFakeKV(), "node-a")
    node, connID, err := s.ResolveOwner(context.Background(), "ghost")
    if err != nil { t.Fatal(err) }
    if node != "" || connID != "" { t.Fatalf("expected unknown owner, got %s/%s", node, connID) }
    online, _ := s.IsOnline(context.Background(), "ghost")
    if online { t.Fatal("absent record must mean offline") }
}

func TestRegister_OverwriteTakesOwnership(t *testing.T) {
    kv := newFakeKV()
    a := testStore(kv, "node-a")
    b := testStore(kv, "node-b")
    ctx := context.Background()
    if err := a.Register(ctx, "dev1", "c1", nil); err != nil { t.Fatal(err) }
    // reconnect on node B: overwrite, not merge
    if err := b.Register(ctx, "dev1", "c2", nil); err != nil { t.Fatal(err) }
    node, connID, _ := a.ResolveOwner(ctx, "dev1")
    if node != "node-b" || connID != "c2" { t.Fatalf("takeover not visible: %s/%s", node, connID) }
    // node A's heartbeat must now fail to extend
    if err := a.Refresh(ctx, "dev1", "c1"); !errors.Is(err, ErrSuperseded) {
        t.Fatalf("expected ErrSuperseded, got %v", err)
    }
    // records untouched by the failed refresh
    node, connID, _ = a.ResolveOwner(ctx, "dev1")
    if node != "node-b" || connID != "c2" { t.Fatalf("stale refresh mutated routing: %s/%s", node, connID) }
}

func TestRefresh_UpdatesLastSeen(t *testing.T) {
    kv := newFakeKV()
    s := testStore(kv, "node-a")
    ctx := context.Background()
    _ = s.Register(ctx, "dev1", "c1", nil)
    before, _, _ := s.Get(ctx, "dev1")
    time.Sleep(2 * time.Millisecond)
    if err := s.Refresh(ctx, "dev1", "c1"); err != nil { t.Fatal(err) }
    after, _, _ := s.Get(ctx, "dev1")
    if after.LastSeen <= before.LastSeen { t.Fatalf("last seen not advanced: %d <= %d", after.LastSeen, before.LastSeen) }
}

func TestSweeper_OfflineExactlyOnce(t *testing.T) {
    kv := newFakeKV()
    s := testStore(kv, "node-a")
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    offline := make(chan string, 4)
    w := NewSweeper(s, gatewaycfg.PresenceConfig{SweepMs: 10}, func(deviceID, connID string) {
        offline <- deviceID + "/" + connID
    })
    go w.Run(ctx)

    _ = s.Register(ctx, "dev1", "c1", nil)
    w.Track("dev1", "c1")
    time.Sleep(50 * time.Millisecond) // a few sweeps while alive
    select {
    case ev := <-offline:
        t.Fatalf("offline fired while record alive: %s", ev)
    default:
    }

    kv.expire("presence:dev1")
    deadline := time.After(2 * time.Second)
    select {
    case ev := <-offline:
        if ev != "dev1/c1" { t.Fatalf("unexpected offline event: %s", ev) }
    case <-deadline:
        t.Fatal("offline event not emitted after expiry")
    }
    // exactly once: further sweeps must not re-fire
    time.Sleep(50 * time.Millisecond)
    select {
    case ev := <-offline:
        t.Fatalf("offline fired twice: %s", ev)
    default:
    }
}

func TestSweeper_TakeoverIsSilent(t *testing.T) {
    kv := newFakeKV()
    a := testStore(kv, "node-a")
    b := testStore(kv, "node-b")
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    offline := make(chan string, 4)
    w := NewSweeper(a, gatewaycfg.PresenceConfig{SweepMs: 10}, func(deviceID, connID string) {
        offline <- deviceID
    })
    go w.Run(ctx)

    _ = a.Register(ctx, "dev1", "c1", nil)
    w.Track("dev1", "c1")
    // device reconnects on node B; node A is not notified directly
    _ = b.Register(ctx, "dev1", "c2", nil)

    time.Sleep(100 * time.Millisecond)
    select {
    case ev := <-offline:
        t.Fatalf("takeover must not emit offline, got %s", ev)
    default:
    }
}
