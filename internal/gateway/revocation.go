package gateway

import (
    "context"
    "time"

    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/protocol"
)

// revocationWatcher polls the revocation keyspace for the token ids of live
// sessions and tears down any session whose credential has been revoked
// mid-flight. Revocation at handshake time is the verifier's job; this loop
// covers tokens pulled after the connection was already up.
type revocationWatcher struct {
    sessions *SessionManager
    interval time.Duration

    isRevoked func(ctx context.Context, jti string) (bool, error)
}

func newRevocationWatcher(sessions *SessionManager, interval time.Duration, isRevoked func(ctx context.Context, jti string) (bool, error)) *revocationWatcher {
    return &revocationWatcher{sessions: sessions, interval: interval, isRevoked: isRevoked}
}

func (w *revocationWatcher) Run(ctx context.Context) {
    ticker := time.NewTicker(w.interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            w.sweep(ctx)
        }
    }
}

func (w *revocationWatcher) sweep(ctx context.Context) {
    for _, sess := range w.sessions.Snapshot() {
        revoked, err := w.isRevoked(ctx, sess.JTI)
        if err != nil {
            // store unavailable: keep sessions up, check again next tick
            logging.Debug("revocation_check_error", logging.Err(err))
            return
        }
        if !revoked {
            continue
        }
        metrics.SessionsRevoked.Inc()
        logging.NewEventLogger().Token("revoked_live", sess.DeviceID, sess.JTI, false, "closed_by_watcher")
        w.sessions.Close(sess.DeviceID, protocol.CloseRevoked, "token_revoked")
    }
}
