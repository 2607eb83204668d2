package gateway

import (
    "context"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/presence"
)

// Subscriber feeds published delivery envelopes into local sessions. Every
// node hears every publish on the shared channel space; only the routing
// owner with a live local session acts, everyone else drops silently.
type Subscriber struct {
    rd   *data.Redis
    node string

    resolveOwner func(ctx context.Context, deviceID string) (node, connID string, err error)
    localConn    func(deviceID string) string
    deliver      func(deviceID string, payload []byte) error
}

func NewSubscriber(rd *data.Redis, store *presence.Store, sessions *SessionManager, node string) *Subscriber {
    return &Subscriber{
        rd:           rd,
        node:         node,
        resolveOwner: store.ResolveOwner,
        localConn: func(deviceID string) string {
            if s := sessions.Get(deviceID); s != nil {
                return s.ConnID
            }
            return ""
        },
        deliver: sessions.Deliver,
    }
}

func (s *Subscriber) Run(ctx context.Context) {
    for ctx.Err() == nil {
        if !s.consume(ctx) {
            return
        }
        logging.Warn("deliver_subscribe_lost", logging.F("node", s.node))
        time.Sleep(time.Second)
    }
}

// consume drains one subscription until it breaks. It returns false when the
// run should stop for good (context done or no coordination store).
func (s *Subscriber) consume(ctx context.Context) bool {
    ps := s.rd.PSubscribeDeliver(ctx)
    if ps == nil {
        return false
    }
    defer ps.Close()
    ch := ps.Channel()
    for {
        select {
        case <-ctx.Done():
            return false
        case msg, ok := <-ch:
            if !ok {
                return true
            }
            s.dispatch(ctx, msg.Channel, []byte(msg.Payload))
        }
    }
}

// dispatch applies the ownership filter and hands the payload to the local
// session. A publish that lands on a non-owner, or races a takeover, is
// dropped without touching any state: the retry loop re-publishes from the
// queue, so a drop here costs one backoff interval and nothing else.
func (s *Subscriber) dispatch(ctx context.Context, channel string, payload []byte) {
    deviceID := s.rd.DeviceFromChannel(channel)
    if deviceID == "" {
        return
    }
    owner, connID, err := s.resolveOwner(ctx, deviceID)
    if err != nil {
        metrics.DeliverDroppedTotal.Inc()
        logging.Debug("deliver_drop_no_routing", logging.F("device_id", deviceID), logging.Err(err))
        return
    }
    if owner != s.node {
        return // another node's device
    }
    local := s.localConn(deviceID)
    if local == "" || local != connID {
        // routing says us but the session is gone or superseded mid-flight
        metrics.DeliverDroppedTotal.Inc()
        logging.Debug("deliver_drop_stale", logging.F("device_id", deviceID), logging.F("routing_conn", connID), logging.F("local_conn", local))
        return
    }
    if err := s.deliver(deviceID, payload); err != nil {
        logging.Warn("deliver_write_failed", logging.F("device_id", deviceID), logging.Err(err))
    }
}
