package gateway

import (
    "context"
    "fmt"
    "net/http"
    "time"

    "github.com/example/device-gateway/internal/assigner"
    "github.com/example/device-gateway/internal/audit"
    "github.com/example/device-gateway/internal/auth"
    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/presence"
    "github.com/example/device-gateway/internal/spill"
)

// Gateway wires the node: WebSocket server, presence store and sweeper,
// delivery subscriber, intent assigner, revocation watcher, result spill.
type Gateway struct {
    cfg  *gatewaycfg.Config
    rd   *data.Redis
    pg   *data.Postgres
    au   *auth.Verifier
    sink *audit.Sink

    sessions *SessionManager
}

func New(configPath string) (*Gateway, error) {
    cfg, err := gatewaycfg.Load(configPath)
    if err != nil {
        return nil, fmt.Errorf("load config: %w", err)
    }
    return &Gateway{cfg: cfg}, nil
}

func (g *Gateway) Start(ctx context.Context) error {
    stopLog := logging.Init(g.cfg.Logging)
    defer stopLog()
    node := g.cfg.Server.NodeID
    logging.Info("gateway_start", logging.F("listen", g.cfg.Server.Listen), logging.F("node", node))

    if g.cfg.Postgres.Enabled {
        if pg, err := data.NewPostgres(g.cfg.Postgres); err == nil {
            g.pg = pg
        } else {
            // degraded: accept connections, results spill to disk
            logging.Warn("postgres_init_error", logging.Err(err))
        }
    }

    // Redis carries presence, routing, delivery channels, the intent queue
    // and the revocation keyspace. Init failure degrades to local-only
    // sessions: connect and collect results, refuse nothing.
    if g.cfg.Redis.Enabled {
        if rd, err := data.NewRedis(g.cfg.Redis); err == nil {
            g.rd = rd
            _ = g.rd.EnsureGroup(ctx)
        } else {
            logging.Warn("redis_init_error", logging.Err(err))
        }
    }

    sink, err := audit.NewSink(g.cfg.Audit)
    if err != nil {
        return fmt.Errorf("audit sink: %w", err)
    }
    g.sink = sink

    verifier, err := auth.NewVerifier(g.cfg.Auth, g.pg, g.rd)
    if err != nil {
        return fmt.Errorf("auth verifier: %w", err)
    }
    g.au = verifier

    var store *presence.Store
    var sweeper *presence.Sweeper
    if g.rd != nil && g.rd.C() != nil {
        store = presence.NewStore(g.rd, g.cfg.Presence, node)
    }

    writeTimeout := time.Duration(g.cfg.Server.WriteTimeoutMs) * time.Millisecond
    g.sessions = NewSessionManager(node, writeTimeout, store, nil, g.pg, sink)

    if store != nil {
        sweeper = presence.NewSweeper(store, g.cfg.Presence, func(deviceID, connID string) {
            logging.NewEventLogger().Session("offline", deviceID, connID, node, 0, "presence_expired")
            g.sessions.Release(deviceID, connID)
        })
        g.sessions.sweeper = sweeper
        go sweeper.Run(ctx)
    }

    spillWriter, err := spill.NewWriter(g.cfg.Spill)
    if err != nil {
        return fmt.Errorf("spill writer: %w", err)
    }
    results := newResultHandler(g.pg, spillWriter)
    if g.pg != nil && g.cfg.Spill.Enabled {
        go spill.NewReplayer(g.cfg.Spill, g.pg).Start(ctx)
    }

    if g.rd != nil && g.rd.C() != nil {
        go NewSubscriber(g.rd, store, g.sessions, node).Run(ctx)
        go newRevocationWatcher(g.sessions, time.Duration(g.cfg.Server.RevocationPollMs)*time.Millisecond, g.rd.IsRevoked).Run(ctx)
        if g.cfg.Assigner.Enabled {
            consumer := fmt.Sprintf("%s-%d", node, time.Now().UnixNano())
            var tasks assigner.Tasks
            if g.pg != nil {
                tasks = g.pg
            }
            go assigner.New(g.cfg.Assigner, consumer, g.rd, store, tasks).Run(ctx)
        }
    }

    mux := http.NewServeMux()
    mux.Handle("/ws", newWSServer(g.cfg, verifier, g.sessions, results))
    mux.Handle("/metrics", metrics.Handler())
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
    mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
        // ready means the coordination store answers; sessions-only degraded
        // mode still reports unready so balancers prefer healthy nodes
        if g.rd == nil || g.rd.C() == nil {
            w.WriteHeader(http.StatusServiceUnavailable)
            _, _ = w.Write([]byte("degraded"))
            return
        }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ready"))
    })
    server := &http.Server{Addr: g.cfg.Server.Listen, Handler: mux}

    go func() {
        <-ctx.Done()
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _ = server.Shutdown(shutdownCtx)
        _ = spillWriter.Close()
        _ = sink.Close()
        if g.rd != nil {
            _ = g.rd.Close()
        }
        if g.pg != nil {
            g.pg.Close()
        }
    }()

    if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        return err
    }
    return nil
}

// Sessions exposes the session manager for test harnesses.
func (g *Gateway) Sessions() *SessionManager { return g.sessions }
