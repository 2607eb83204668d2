package presence

import (
    "context"
    "encoding/json"
    "errors"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
)

// ErrSuperseded is returned by Refresh when a newer registration has
// overwritten this session's records; the caller tears the stale session down.
var ErrSuperseded = errors.New("session_superseded")

// Record is the per-device presence state in the TTL store. Absence of the
// record is definitionally "offline". A new registration overwrites, never
// merges, which is what invalidates a stale session.
type Record struct {
    DeviceID     string   `json:"device_id"`
    ConnID       string   `json:"conn_id"`
    Node         string   `json:"node"`
    Status       string   `json:"status"`
    LastSeen     int64    `json:"last_seen"`
    Capabilities []string `json:"capabilities,omitempty"`
}

// RoutingEntry is the projection of Record scoped to "who may deliver",
// stored separately so routing is queryable without full presence metadata.
type RoutingEntry struct {
    ConnID    string `json:"conn_id"`
    Node      string `json:"node"`
    UpdatedAt int64  `json:"updated_at"`
}

// kv is the slice of the TTL store the resolver needs. *data.Redis satisfies
// it through redisKV; tests substitute a map-backed fake.
type kv interface {
    Set(ctx context.Context, key, value string, ttl time.Duration) error
    Get(ctx context.Context, key string) (string, bool, error)
    Exists(ctx context.Context, key string) (bool, error)
}

type Store struct {
    kv   kv
    node string
    ttl  time.Duration
}

func NewStore(rd *data.Redis, cfg gatewaycfg.PresenceConfig, node string) *Store {
    return &Store{kv: redisKV{rd}, node: node, ttl: time.Duration(cfg.TTLSeconds) * time.Second}
}

func presenceKey(deviceID string) string { return "presence:" + deviceID }
func routingKey(deviceID string) string  { return "routing:" + deviceID }

// Register writes fresh Presence and Routing records. Unconditional overwrite
// is the cross-node takeover mechanism: last writer wins per device id.
func (s *Store) Register(ctx context.Context, deviceID, connID string, caps []string) error {
    now := time.Now().UnixNano()
    rec := Record{DeviceID: deviceID, ConnID: connID, Node: s.node, Status: "online", LastSeen: now, Capabilities: caps}
    rb, _ := json.Marshal(rec)
    if err := s.kv.Set(ctx, presenceKey(deviceID), string(rb), s.ttl); err != nil {
        return err
    }
    ent := RoutingEntry{ConnID: connID, Node: s.node, UpdatedAt: now}
    eb, _ := json.Marshal(ent)
    return s.kv.Set(ctx, routingKey(deviceID), string(eb), s.ttl)
}

// Refresh extends both TTLs for a heartbeat. If the stored conn id no longer
// matches, a newer registration owns the device and ErrSuperseded is returned;
// the records are left untouched. The read-then-write window is tolerated by
// the TTL-bounded last-writer-wins design.
func (s *Store) Refresh(ctx context.Context, deviceID, connID string) error {
    raw, ok, err := s.kv.Get(ctx, presenceKey(deviceID))
    if err != nil {
        return err
    }
    if !ok {
        return ErrSuperseded
    }
    var rec Record
    if err := json.Unmarshal([]byte(raw), &rec); err != nil {
        return err
    }
    if rec.ConnID != connID {
        return ErrSuperseded
    }
    rec.LastSeen = time.Now().UnixNano()
    rb, _ := json.Marshal(rec)
    if err := s.kv.Set(ctx, presenceKey(deviceID), string(rb), s.ttl); err != nil {
        return err
    }
    ent := RoutingEntry{ConnID: connID, Node: s.node, UpdatedAt: rec.LastSeen}
    eb, _ := json.Marshal(ent)
    if err := s.kv.Set(ctx, routingKey(deviceID), string(eb), s.ttl); err != nil {
        return err
    }
    metrics.PresenceRefreshTotal.Inc()
    return nil
}

// IsOnline reports whether a non-expired presence record exists.
func (s *Store) IsOnline(ctx context.Context, deviceID string) (bool, error) {
    return s.kv.Exists(ctx, presenceKey(deviceID))
}

// Get returns the presence record, or ok=false when the device is offline.
func (s *Store) Get(ctx context.Context, deviceID string) (Record, bool, error) {
    raw, ok, err := s.kv.Get(ctx, presenceKey(deviceID))
    if err != nil || !ok {
        return Record{}, false, err
    }
    var rec Record
    if err := json.Unmarshal([]byte(raw), &rec); err != nil {
        return Record{}, false, err
    }
    return rec, true, nil
}

// ResolveOwner answers "which node may deliver to this device right now".
// An absent or expired routing entry yields empty strings.
func (s *Store) ResolveOwner(ctx context.Context, deviceID string) (node, connID string, err error) {
    raw, ok, err := s.kv.Get(ctx, routingKey(deviceID))
    if err != nil || !ok {
        return "", "", err
    }
    var ent RoutingEntry
    if err := json.Unmarshal([]byte(raw), &ent); err != nil {
        return "", "", err
    }
    return ent.Node, ent.ConnID, nil
}

func (s *Store) Node() string { return s.node }
func (s *Store) TTL() time.Duration { return s.ttl }

type redisKV struct{ rd *data.Redis }

func (r redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
    if r.rd == nil || r.rd.C() == nil { return errors.New("redis_disabled") }
    return r.rd.C().Set(ctx, r.rd.Prefixed(key), value, ttl).Err()
}

func (r redisKV) Get(ctx context.Context, key string) (string, bool, error) {
    if r.rd == nil || r.rd.C() == nil { return "", false, errors.New("redis_disabled") }
    v, err := r.rd.C().Get(ctx, r.rd.Prefixed(key)).Result()
    if err != nil {
        if err.Error() == "redis: nil" { return "", false, nil }
        return "", false, err
    }
    return v, true, nil
}

func (r redisKV) Exists(ctx context.Context, key string) (bool, error) {
    if r.rd == nil || r.rd.C() == nil { return false, errors.New("redis_disabled") }
    n, err := r.rd.C().Exists(ctx, r.rd.Prefixed(key)).Result()
    if err != nil { return false, err }
    return n > 0, nil
}

// Sweeper watches devices whose sessions this node registered and emits one
// offline event per expiry. Devices taken over by another node are dropped
// silently; the new owner is responsible for them from then on.
type Sweeper struct {
    store    *Store
    interval time.Duration
    onOffline func(deviceID, connID string)

    track chan trackReq
}

type trackReq struct {
    deviceID string
    connID   string
    remove   bool
}

func NewSweeper(store *Store, cfg gatewaycfg.PresenceConfig, onOffline func(deviceID, connID string)) *Sweeper {
    return &Sweeper{
        store:    store,
        interval: time.Duration(cfg.SweepMs) * time.Millisecond,
        onOffline: onOffline,
        track:    make(chan trackReq, 256),
    }
}

// Track registers a device for expiry watching; Untrack stops it (normal close).
func (w *Sweeper) Track(deviceID, connID string) {
    select {
    case w.track <- trackReq{deviceID: deviceID, connID: connID}:
    default:
    }
}

func (w *Sweeper) Untrack(deviceID string) {
    select {
    case w.track <- trackReq{deviceID: deviceID, remove: true}:
    default:
    }
}

// Run owns the tracked set; all mutation flows through the track channel so
// no lock is needed.
func (w *Sweeper) Run(ctx context.Context) {
    tracked := map[string]string{} // device -> conn id
    ticker := time.NewTicker(w.interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case req := <-w.track:
            if req.remove {
                delete(tracked, req.deviceID)
            } else {
                tracked[req.deviceID] = req.connID
            }
        case <-ticker.C:
            for deviceID, connID := range tracked {
                w.sweepOne(ctx, tracked, deviceID, connID)
            }
        }
    }
}

func (w *Sweeper) sweepOne(ctx context.Context, tracked map[string]string, deviceID, connID string) {
    rec, ok, err := w.store.Get(ctx, deviceID)
    if err != nil {
        logging.Warn("presence_sweep_error", logging.F("device_id", deviceID), logging.Err(err))
        return
    }
    if ok && rec.ConnID == connID {
        return // still ours and alive
    }
    delete(tracked, deviceID)
    if ok {
        // overwritten by a newer registration; the new owner tracks it now
        logging.Debug("presence_taken_over", logging.F("device_id", deviceID), logging.F("node", rec.Node))
        return
    }
    metrics.PresenceExpiredTotal.Inc()
    if w.onOffline != nil {
        w.onOffline(deviceID, connID)
    }
}
