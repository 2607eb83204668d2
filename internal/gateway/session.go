package gateway

import (
    "context"
    "sync"
    "time"

    "github.com/example/device-gateway/internal/audit"
    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/presence"
    "github.com/example/device-gateway/internal/protocol"
    "github.com/gorilla/websocket"
    ulid "github.com/oklog/ulid/v2"
)

// conn is the slice of *websocket.Conn the session manager writes through;
// tests substitute a recorder.
type conn interface {
    WriteMessage(messageType int, data []byte) error
    WriteControl(messageType int, data []byte, deadline time.Time) error
    Close() error
}

// Session is the node-local, exclusively-owned state for one live device
// connection. It is never shared across nodes.
type Session struct {
    DeviceID     string
    ConnID       string
    JTI          string
    Capabilities []string
    StartedAt    time.Time

    conn    conn
    writeMu sync.Mutex // single writer per session: frames never interleave
    once    sync.Once
}

// SessionManager keeps exactly one canonical session per device id on this
// node. Registration supersedes; ownership across nodes is resolved by the
// presence store's last-writer-wins records, not by talking to the old node.
type SessionManager struct {
    node         string
    writeTimeout time.Duration

    store   *presence.Store // nil when the coordination store is degraded
    sweeper *presence.Sweeper
    pg      *data.Postgres
    sink    *audit.Sink

    mu       sync.Mutex
    sessions map[string]*Session
}

func NewSessionManager(node string, writeTimeout time.Duration, store *presence.Store, sweeper *presence.Sweeper, pg *data.Postgres, sink *audit.Sink) *SessionManager {
    return &SessionManager{
        node:         node,
        writeTimeout: writeTimeout,
        store:        store,
        sweeper:      sweeper,
        pg:           pg,
        sink:         sink,
        sessions:     map[string]*Session{},
    }
}

// Register installs a new session for the device, closing any pre-existing
// local one with CloseSuperseded first. The fresh connection id is what makes
// the new registration distinguishable from the one it replaces.
func (m *SessionManager) Register(ctx context.Context, c conn, deviceID, jti string, caps []string) (*Session, error) {
    ev := logging.NewEventLogger()
    sess := &Session{
        DeviceID:     deviceID,
        ConnID:       ulid.Make().String(),
        JTI:          jti,
        Capabilities: caps,
        StartedAt:    time.Now(),
        conn:         c,
    }

    m.mu.Lock()
    prev := m.sessions[deviceID]
    m.sessions[deviceID] = sess
    m.mu.Unlock()

    if prev != nil {
        prev.close(protocol.CloseSuperseded, "superseded", m.writeTimeout)
        metrics.SessionsSuperseded.Inc()
        ev.Session("supersede", deviceID, prev.ConnID, m.node, protocol.CloseSuperseded, "")
    }

    // Presence/Routing overwrite is the cross-node takeover signal. When the
    // store is degraded we still accept the connection (results keep flowing)
    // and rely on the assigner backstop once presence recovers.
    if m.store != nil {
        if err := m.store.Register(ctx, deviceID, sess.ConnID, caps); err != nil {
            ev.Infra("write", "redis", "failed", "presence register: "+err.Error())
        } else if m.sweeper != nil {
            m.sweeper.Track(deviceID, sess.ConnID)
        }
    }
    metrics.SessionsActive.Inc()
    ev.Session("register", deviceID, sess.ConnID, m.node, 0, "")
    m.auditEntry("session_online", deviceID, sess.ConnID, "", "")
    return sess, nil
}

// Heartbeat refreshes presence TTLs and persists last-seen best-effort. A
// superseded session is closed here: the overwritten record is how this node
// learns a newer registration exists elsewhere.
func (m *SessionManager) Heartbeat(ctx context.Context, deviceID string, ts int64) error {
    sess := m.Get(deviceID)
    if sess == nil {
        return &protocol.Err{Code: "no_session", Message: "heartbeat without session"}
    }
    ev := logging.NewEventLogger()
    ev.Session("heartbeat", deviceID, sess.ConnID, m.node, 0, "")
    if m.store != nil {
        if err := m.store.Refresh(ctx, deviceID, sess.ConnID); err != nil {
            if err == presence.ErrSuperseded {
                m.Close(deviceID, protocol.CloseSuperseded, "superseded")
                return err
            }
            ev.Infra("write", "redis", "failed", "presence refresh: "+err.Error())
        }
    }
    if m.pg != nil {
        go func() {
            cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
            defer cancel()
            // best-effort: a failed durable write never closes the session
            _ = m.pg.TouchDeviceLastSeen(cctx, deviceID, time.Unix(0, ts))
        }()
    }
    return nil
}

// Deliver writes the framed envelope to the device's socket. Failure tears
// the session down and emits an offline event; the assigner's retry loop is
// the recovery path, never an inline retry here.
func (m *SessionManager) Deliver(deviceID string, payload []byte) error {
    sess := m.Get(deviceID)
    if sess == nil {
        return &protocol.Err{Code: "no_session", Message: "no local session"}
    }
    sess.writeMu.Lock()
    err := sess.conn.WriteMessage(websocket.TextMessage, payload)
    sess.writeMu.Unlock()
    if err != nil {
        metrics.DeliverFailedTotal.Inc()
        m.teardown(deviceID, sess, protocol.CloseProtocolError, "write_error", true)
        return err
    }
    metrics.DeliverSentTotal.Inc()
    return nil
}

// Close removes the session and closes the socket with the given reason code.
// Presence/Routing records are left to expire: deleting them here would race
// a fast reconnect on another node.
func (m *SessionManager) Close(deviceID string, code int, reason string) {
    sess := m.Get(deviceID)
    if sess == nil {
        return
    }
    m.teardown(deviceID, sess, code, reason, false)
}

// Release drops node-local state when the read loop exits (peer went away).
func (m *SessionManager) Release(deviceID, connID string) {
    m.mu.Lock()
    sess := m.sessions[deviceID]
    if sess == nil || sess.ConnID != connID {
        m.mu.Unlock()
        return // already superseded; the newer session stays
    }
    delete(m.sessions, deviceID)
    m.mu.Unlock()
    metrics.SessionsActive.Dec()
    if m.sweeper != nil {
        m.sweeper.Untrack(deviceID)
    }
    logging.NewEventLogger().Session("close", deviceID, connID, m.node, 0, "peer_closed")
    m.auditEntry("session_offline", deviceID, connID, "", "peer_closed")
}

func (m *SessionManager) teardown(deviceID string, sess *Session, code int, reason string, offline bool) {
    m.mu.Lock()
    if m.sessions[deviceID] == sess {
        delete(m.sessions, deviceID)
        metrics.SessionsActive.Dec()
    }
    m.mu.Unlock()
    sess.close(code, reason, m.writeTimeout)
    if m.sweeper != nil {
        m.sweeper.Untrack(deviceID)
    }
    ev := logging.NewEventLogger()
    ev.Session("close", deviceID, sess.ConnID, m.node, code, reason)
    if offline {
        m.auditEntry("session_offline", deviceID, sess.ConnID, "", reason)
    }
}

func (m *SessionManager) Get(deviceID string) *Session {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.sessions[deviceID]
}

// Snapshot returns the live sessions for background loops (revocation watcher).
func (m *SessionManager) Snapshot() []*Session {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := make([]*Session, 0, len(m.sessions))
    for _, s := range m.sessions {
        out = append(out, s)
    }
    return out
}

func (m *SessionManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.sessions)
}

func (m *SessionManager) auditEntry(kind, deviceID, connID, taskID, detail string) {
    if m.sink == nil {
        return
    }
    if err := m.sink.Record(audit.Entry{Kind: kind, DeviceID: deviceID, ConnID: connID, TaskID: taskID, Node: m.node, Detail: detail}); err != nil {
        logging.Debug("audit_write_error", logging.Err(err))
    }
}

func (s *Session) close(code int, reason string, writeTimeout time.Duration) {
    s.once.Do(func() {
        msg := websocket.FormatCloseMessage(code, reason)
        _ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
        _ = s.conn.Close()
    })
}
