package data

import (
    "context"
    "errors"
    "strings"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/redis/go-redis/v9"
)

type Redis struct {
    cfg          gatewaycfg.RedisConfig
    c            *redis.Client
    intentStream string
    maxLenApprox int64
}

func NewRedis(cfg gatewaycfg.RedisConfig) (*Redis, error) {
    if !cfg.Enabled {
        return &Redis{cfg: cfg}, nil
    }
    client := redis.NewClient(&redis.Options{
        Addr: cfg.Addr,
        Username: cfg.Username,
        Password: cfg.Password,
        DB: cfg.DB,
        ReadTimeout: 3 * time.Second,
        WriteTimeout: 3 * time.Second,
        DialTimeout: 3 * time.Second,
    })
    return &Redis{cfg: cfg, c: client, intentStream: cfg.KeyPrefix + cfg.IntentStream, maxLenApprox: cfg.MaxLenApprox}, nil
}

// C exposes the raw client for callers needing commands the wrapper omits.
func (r *Redis) C() *redis.Client { return r.c }

func (r *Redis) Prefixed(key string) string { return r.cfg.KeyPrefix + key }

func (r *Redis) Close() error {
    if r.c != nil {
        return r.c.Close()
    }
    return nil
}

// --- delivery intent queue (streams) ---

// EnsureGroup creates the consumer group on the intent stream; BUSYGROUP is fine.
func (r *Redis) EnsureGroup(ctx context.Context) error {
    if r.c == nil || r.intentStream == "" { return nil }
    err := r.c.XGroupCreateMkStream(ctx, r.intentStream, r.cfg.ConsumerGroup, "$").Err()
    if err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists" {
        return nil
    }
    return err
}

// AddIntent enqueues a delivery intent payload for the assigner pool.
func (r *Redis) AddIntent(ctx context.Context, taskID string, payload []byte) error {
    if r.c == nil || r.intentStream == "" { return errors.New("redis_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.XAdd(cctx, &redis.XAddArgs{
        Stream: r.intentStream,
        MaxLen: r.maxLenApprox,
        Approx: true,
        Values: map[string]any{"id": taskID, "payload": payload},
    }).Err()
}

// ReadBatch reads fresh entries for one consumer of the group.
func (r *Redis) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]redis.XStream, error) {
    if r.c == nil { return nil, errors.New("redis_disabled") }
    res, err := r.c.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    r.cfg.ConsumerGroup,
        Consumer: consumer,
        Streams:  []string{r.intentStream, ">"},
        Count:    int64(count),
        Block:    block,
    }).Result()
    if errors.Is(err, redis.Nil) {
        return nil, nil
    }
    return res, err
}

// ClaimIdle transfers entries stuck in another consumer's PEL (crashed
// assigner) to this consumer. Returned messages carry their original payload;
// the caller seeds attempt counts from PendingCounts.
func (r *Redis) ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]redis.XMessage, error) {
    if r.c == nil { return nil, errors.New("redis_disabled") }
    msgs, _, err := r.c.XAutoClaim(ctx, &redis.XAutoClaimArgs{
        Stream:   r.intentStream,
        Group:    r.cfg.ConsumerGroup,
        Consumer: consumer,
        MinIdle:  minIdle,
        Start:    "0-0",
        Count:    int64(count),
    }).Result()
    if errors.Is(err, redis.Nil) {
        return nil, nil
    }
    return msgs, err
}

// PendingCounts returns the queue's own delivery count per entry id, used to
// seed attempt counters after redelivery so they are never double-applied.
func (r *Redis) PendingCounts(ctx context.Context, ids []string) (map[string]int64, error) {
    if r.c == nil || len(ids) == 0 { return nil, nil }
    ext, err := r.c.XPendingExt(ctx, &redis.XPendingExtArgs{
        Stream: r.intentStream,
        Group:  r.cfg.ConsumerGroup,
        Start:  ids[0],
        End:    ids[len(ids)-1],
        Count:  int64(len(ids)),
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return nil, nil }
        return nil, err
    }
    out := make(map[string]int64, len(ext))
    for _, p := range ext {
        out[p.ID] = p.RetryCount
    }
    return out, nil
}

func (r *Redis) Ack(ctx context.Context, ids ...string) error {
    if r.c == nil || len(ids) == 0 { return nil }
    cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.XAck(cctx, r.intentStream, r.cfg.ConsumerGroup, ids...).Err()
}

// ToDLQ appends the full intent with its failure reason to the dead-letter stream.
func (r *Redis) ToDLQ(ctx context.Context, taskID string, payload []byte, reason string) error {
    if r.c == nil { return errors.New("redis_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.XAdd(cctx, &redis.XAddArgs{
        Stream: r.Prefixed(r.cfg.DLQStream),
        MaxLen: r.maxLenApprox,
        Approx: true,
        Values: map[string]any{"id": taskID, "payload": payload, "reason": reason, "ts": time.Now().UnixNano()},
    }).Err()
}

// --- per-device delivery channels (pub/sub) ---

func (r *Redis) DeliverChannel(deviceID string) string {
    return r.Prefixed(r.cfg.DeliverChannelPrefix + deviceID)
}

// PublishDeliver fans the envelope out to whichever node currently subscribes
// for the device. A missed publish is an accepted drop; the assigner retry
// loop is the backstop.
func (r *Redis) PublishDeliver(ctx context.Context, deviceID string, payload []byte) error {
    if r.c == nil { return errors.New("redis_disabled") }
    cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.Publish(cctx, r.DeliverChannel(deviceID), payload).Err()
}

// PSubscribeDeliver subscribes to every device channel under the prefix.
func (r *Redis) PSubscribeDeliver(ctx context.Context) *redis.PubSub {
    if r.c == nil { return nil }
    return r.c.PSubscribe(ctx, r.Prefixed(r.cfg.DeliverChannelPrefix)+"*")
}

// DeviceFromChannel strips the prefix off a pub/sub channel name. Channels
// outside the delivery prefix map to "".
func (r *Redis) DeviceFromChannel(channel string) string {
    prefix := r.Prefixed(r.cfg.DeliverChannelPrefix)
    if !strings.HasPrefix(channel, prefix) || len(channel) == len(prefix) { return "" }
    return channel[len(prefix):]
}

// --- revocation keyspace ---

// Revoke marks a token id invalid; the TTL bounds the entry to the token's
// own remaining lifetime plus slack.
func (r *Redis) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
    if r.c == nil { return errors.New("redis_disabled") }
    return r.c.Set(ctx, r.Prefixed("revoked:jti:"+jti), "1", ttl).Err()
}

func (r *Redis) IsRevoked(ctx context.Context, jti string) (bool, error) {
    if r.c == nil { return false, nil }
    n, err := r.c.Exists(ctx, r.Prefixed("revoked:jti:"+jti)).Result()
    if err != nil { return false, err }
    return n > 0, nil
}

// DecodeIntentMessage extracts the task id and intent payload from a stream entry.
func DecodeIntentMessage(m redis.XMessage) (string, []byte) {
    id := m.ID
    if v, ok := m.Values["id"].(string); ok && v != "" {
        id = v
    }
    var payload []byte
    switch v := m.Values["payload"].(type) {
    case string:
        payload = []byte(v)
    case []byte:
        payload = v
    }
    return id, payload
}
