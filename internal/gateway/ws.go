package gateway

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "time"

    "github.com/example/device-gateway/internal/auth"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/protocol"
    "github.com/gorilla/websocket"
)

type wsServer struct {
    upgrader websocket.Upgrader
    cfg      *gatewaycfg.Config
    verifier *auth.Verifier
    sessions *SessionManager
    results  *resultHandler
}

func newWSServer(cfg *gatewaycfg.Config, verifier *auth.Verifier, sessions *SessionManager, results *resultHandler) *wsServer {
    return &wsServer{
        upgrader: websocket.Upgrader{
            CheckOrigin: func(r *http.Request) bool {
                if len(cfg.Server.AllowedOrigins) == 0 {
                    return true
                }
                origin := r.Header.Get("Origin")
                for _, o := range cfg.Server.AllowedOrigins {
                    if o == origin {
                        return true
                    }
                }
                return false
            },
        },
        cfg:      cfg,
        verifier: verifier,
        sessions: sessions,
        results:  results,
    }
}

func (s *wsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/ws" {
        w.WriteHeader(http.StatusNotFound)
        return
    }
    c, err := s.upgrader.Upgrade(w, r, nil)
    if err != nil {
        logging.Warn("ws_upgrade_error",
            logging.F("remote", logging.RemoteAddr(r)),
            logging.F("method", logging.HTTPMethod(r)),
            logging.Err(err))
        return
    }

    readTimeout := time.Duration(s.cfg.Server.ReadTimeoutMs) * time.Millisecond
    writeTimeout := time.Duration(s.cfg.Server.WriteTimeoutMs) * time.Millisecond
    c.SetReadLimit(s.cfg.Server.MaxMessageBytes)
    c.SetReadDeadline(time.Now().Add(readTimeout))
    c.SetPongHandler(func(string) error {
        c.SetReadDeadline(time.Now().Add(readTimeout))
        return nil
    })

    // The first frame must be a register; anything else closes the socket.
    sess, err := s.handshake(r.Context(), c, writeTimeout)
    if err != nil {
        logging.Warn("ws_register_rejected", logging.F("remote", logging.RemoteAddr(r)), logging.Err(err))
        _ = c.Close()
        return
    }

    // heartbeat: ping frames keep intermediaries from idling the socket out
    pingStop := make(chan struct{})
    defer close(pingStop)
    go func() {
        ticker := time.NewTicker(readTimeout / 3)
        defer ticker.Stop()
        for {
            select {
            case <-ticker.C:
                _ = c.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second))
            case <-pingStop:
                return
            }
        }
    }()

    defer s.sessions.Release(sess.DeviceID, sess.ConnID)
    for {
        _, msg, err := c.ReadMessage()
        if err != nil {
            logging.Debug("ws_read_end", logging.F("device_id", sess.DeviceID), logging.Err(err))
            return
        }
        c.SetReadDeadline(time.Now().Add(readTimeout))
        var env protocol.Envelope
        if err := json.Unmarshal(msg, &env); err != nil {
            _ = s.writeSession(sess, protocol.ErrorEnvelope("bad_json", err.Error()))
            continue
        }
        if err := protocol.ValidateEnvelope(env); err != nil {
            pe := err.(*protocol.Err)
            _ = s.writeSession(sess, protocol.ErrorEnvelope(pe.Code, pe.Message))
            continue
        }
        switch env.Type {
        case protocol.TypeHeartbeat:
            var hb protocol.Heartbeat
            _ = json.Unmarshal(env.Data, &hb)
            if hb.DeviceID != "" && hb.DeviceID != sess.DeviceID {
                _ = s.writeSession(sess, protocol.ErrorEnvelope("device_mismatch", "heartbeat for another device"))
                continue
            }
            if err := s.sessions.Heartbeat(r.Context(), sess.DeviceID, hb.TS); err != nil {
                // superseded mid-heartbeat: the manager closed us already
                return
            }
        case protocol.TypeTaskResult:
            var res protocol.TaskResult
            if err := json.Unmarshal(env.Data, &res); err != nil {
                _ = s.writeSession(sess, protocol.ErrorEnvelope("bad_result", err.Error()))
                continue
            }
            if err := s.results.handle(r.Context(), sess.DeviceID, res); err != nil {
                logging.Warn("task_result_error", logging.F("task_id", res.TaskID), logging.Err(err))
            }
        default:
            _ = s.writeSession(sess, protocol.ErrorEnvelope("bad_type", "unexpected frame type"))
        }
    }
}

// handshake authenticates the register frame and installs the session. On any
// failure the socket is closed with a reason code and no state is mutated.
func (s *wsServer) handshake(ctx context.Context, c *websocket.Conn, writeTimeout time.Duration) (*Session, error) {
    _, msg, err := c.ReadMessage()
    if err != nil {
        return nil, err
    }
    var env protocol.Envelope
    if err := json.Unmarshal(msg, &env); err != nil {
        closeWith(c, protocol.CloseProtocolError, "bad_json", writeTimeout)
        return nil, err
    }
    if err := protocol.ValidateEnvelope(env); err != nil || env.Type != protocol.TypeRegister {
        closeWith(c, protocol.CloseProtocolError, "expected_register", writeTimeout)
        return nil, errors.New("expected_register")
    }
    var req protocol.RegisterRequest
    if err := json.Unmarshal(env.Data, &req); err != nil || req.DeviceID == "" {
        closeWith(c, protocol.CloseProtocolError, "bad_register", writeTimeout)
        return nil, errors.New("bad_register")
    }
    claims, err := s.verifier.Verify(ctx, req.Credential)
    if err != nil {
        metrics.AuthDeniedTotal.Inc()
        closeWith(c, closeCodeFor(err), err.Error(), writeTimeout)
        return nil, err
    }
    if claims.DeviceID != req.DeviceID {
        metrics.AuthDeniedTotal.Inc()
        closeWith(c, protocol.CloseAuthFailed, "credential_device_mismatch", writeTimeout)
        return nil, errors.New("credential_device_mismatch")
    }
    sess, err := s.sessions.Register(ctx, c, claims.DeviceID, claims.JTI, req.Capabilities)
    if err != nil {
        closeWith(c, protocol.CloseProtocolError, "register_failed", writeTimeout)
        return nil, err
    }
    ok := protocol.NewEnvelope(protocol.TypeRegisterOK, protocol.RegisterOK{
        DeviceID:         sess.DeviceID,
        ConnID:           sess.ConnID,
        HeartbeatSeconds: s.cfg.Presence.TTLSeconds,
    })
    buf, _ := json.Marshal(ok)
    if err := s.writeSession(sess, buf); err != nil {
        s.sessions.Release(sess.DeviceID, sess.ConnID)
        return nil, err
    }
    return sess, nil
}

// writeSession serializes server-originated frames through the session's
// write mutex so they never interleave with deliveries.
func (s *wsServer) writeSession(sess *Session, payload []byte) error {
    sess.writeMu.Lock()
    defer sess.writeMu.Unlock()
    return sess.conn.WriteMessage(websocket.TextMessage, payload)
}

// closeCodeFor maps verification failures onto session close codes.
func closeCodeFor(err error) int {
    switch {
    case errors.Is(err, auth.ErrExpired):
        return protocol.CloseTokenExpired
    case errors.Is(err, auth.ErrBadSignature):
        return protocol.CloseBadSignature
    case errors.Is(err, auth.ErrRevoked):
        return protocol.CloseRevoked
    default:
        return protocol.CloseAuthFailed
    }
}

func closeWith(c *websocket.Conn, code int, reason string, writeTimeout time.Duration) {
    msg := websocket.FormatCloseMessage(code, reason)
    _ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
    _ = c.Close()
}
