package metrics

import (
    "net/http"

    prom "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    SessionsActive    = prom.NewGauge(prom.GaugeOpts{Name: "gateway_sessions_active", Help: "Active device sessions on this node"})
    SessionsSuperseded = prom.NewCounter(prom.CounterOpts{Name: "gateway_sessions_superseded_total", Help: "Sessions closed because a newer registration replaced them"})
    SessionsRevoked   = prom.NewCounter(prom.CounterOpts{Name: "gateway_sessions_revoked_total", Help: "Sessions closed by credential revocation"})
    AuthDeniedTotal   = prom.NewCounter(prom.CounterOpts{Name: "gateway_auth_denied_total", Help: "Rejected registrations"})

    PresenceRefreshTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_presence_refresh_total", Help: "Presence/routing TTL refreshes"})
    PresenceExpiredTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_presence_expired_total", Help: "Offline events emitted by the presence sweep"})

    DeliverSentTotal    = prom.NewCounter(prom.CounterOpts{Name: "gateway_deliver_sent_total", Help: "Envelopes written to a local session socket"})
    DeliverFailedTotal  = prom.NewCounter(prom.CounterOpts{Name: "gateway_deliver_failed_total", Help: "Socket writes that failed and tore down the session"})
    DeliverDroppedTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_deliver_dropped_total", Help: "Subscriber messages dropped because this node is not the owner"})

    IntentReadTotal   = prom.NewCounter(prom.CounterOpts{Name: "assigner_intent_read_total", Help: "Delivery intents consumed from the queue"})
    IntentRetryTotal  = prom.NewCounter(prom.CounterOpts{Name: "assigner_retry_total", Help: "Delivery attempts scheduled for retry"})
    IntentDLQTotal    = prom.NewCounter(prom.CounterOpts{Name: "assigner_dlq_total", Help: "Intents dead-lettered after exhausting attempts"})
    IntentAckTotal    = prom.NewCounter(prom.CounterOpts{Name: "assigner_ack_total", Help: "Queue entries acknowledged"})
    IntentsInFlight   = prom.NewGauge(prom.GaugeOpts{Name: "assigner_intents_in_flight", Help: "Intents currently pending in the retry scheduler"})
    AssignerBatchDuration = prom.NewHistogram(prom.HistogramOpts{Name: "assigner_batch_duration_seconds", Help: "Queue read batch duration", Buckets: prom.DefBuckets})

    PGErrorsTotal  = prom.NewCounter(prom.CounterOpts{Name: "gateway_pg_errors_total", Help: "Postgres write errors"})
    SpillWriteTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_spill_write_total", Help: "Task results spilled to disk"})
    SpillReplayTotal = prom.NewCounter(prom.CounterOpts{Name: "gateway_spill_replay_total", Help: "Spilled task results replayed into Postgres"})
    AuditBytes     = prom.NewCounter(prom.CounterOpts{Name: "gateway_audit_bytes_total", Help: "Bytes written to the audit sink"})
)

func init() {
    prom.MustRegister(
        SessionsActive, SessionsSuperseded, SessionsRevoked, AuthDeniedTotal,
        PresenceRefreshTotal, PresenceExpiredTotal,
        DeliverSentTotal, DeliverFailedTotal, DeliverDroppedTotal,
        IntentReadTotal, IntentRetryTotal, IntentDLQTotal, IntentAckTotal, IntentsInFlight, AssignerBatchDuration,
        PGErrorsTotal, SpillWriteTotal, SpillReplayTotal, AuditBytes,
    )
}

func Handler() http.Handler { return promhttp.Handler() }
