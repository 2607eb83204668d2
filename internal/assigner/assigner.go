package assigner

import (
    "context"
    "encoding/json"
    "sync"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/metrics"
    "github.com/example/device-gateway/internal/protocol"
    "github.com/redis/go-redis/v9"
)

// Queue is the slice of the coordination store the assigner consumes from and
// publishes through. *data.Redis implements it.
type Queue interface {
    ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]redis.XStream, error)
    ClaimIdle(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]redis.XMessage, error)
    PendingCounts(ctx context.Context, ids []string) (map[string]int64, error)
    Ack(ctx context.Context, ids ...string) error
    ToDLQ(ctx context.Context, taskID string, payload []byte, reason string) error
    PublishDeliver(ctx context.Context, deviceID string, payload []byte) error
}

// Presence answers whether a device currently holds a live registration.
type Presence interface {
    IsOnline(ctx context.Context, deviceID string) (bool, error)
}

// Tasks records delivery outcomes. *data.Postgres implements it; a nil-safe
// fake stands in when durability is disabled.
type Tasks interface {
    UpdateTaskStatus(ctx context.Context, taskID, status, reason string) error
}

// pending is one intent waiting on the in-memory retry schedule. Resubmitted
// queue entries for the same task merge into a single pending so the attempt
// budget is spent once per task, not once per enqueue. intent and payload are
// fixed at creation; redisIDs, attempts and due are guarded by Assigner.mu
// since the read, claim and due loops all touch them.
type pending struct {
    intent   protocol.DeliveryIntent
    payload  []byte
    redisIDs []string
    attempts int // failed delivery attempts so far
    due      time.Time
}

// Assigner drains the delivery intent queue: publish to the owner node when
// the device is online, back off through the retry ladder when it is not, and
// dead-letter once the attempt ceiling is reached. Queue entries are
// acknowledged only at a terminal outcome (sent or dead-lettered), so a crash
// hands the unfinished entries to the next consumer via the pending list.
type Assigner struct {
    cfg      gatewaycfg.AssignerConfig
    consumer string
    queue    Queue
    presence Presence
    tasks    Tasks

    now func() time.Time

    // mu guards byTask and the mutable fields of every pending in it
    mu     sync.Mutex
    byTask map[string]*pending
}

func New(cfg gatewaycfg.AssignerConfig, consumer string, queue Queue, presence Presence, tasks Tasks) *Assigner {
    return &Assigner{
        cfg:      cfg,
        consumer: consumer,
        queue:    queue,
        presence: presence,
        tasks:    tasks,
        now:      time.Now,
        byTask:   map[string]*pending{},
    }
}

func (a *Assigner) Run(ctx context.Context) {
    var wg sync.WaitGroup
    wg.Add(3)
    go func() { defer wg.Done(); a.readLoop(ctx) }()
    go func() { defer wg.Done(); a.claimLoop(ctx) }()
    go func() { defer wg.Done(); a.dueLoop(ctx) }()
    wg.Wait()
}

func (a *Assigner) readLoop(ctx context.Context) {
    block := time.Duration(a.cfg.BlockMs) * time.Millisecond
    for ctx.Err() == nil {
        start := a.now()
        streams, err := a.queue.ReadBatch(ctx, a.consumer, a.cfg.ReadCount, block)
        if err != nil {
            if ctx.Err() != nil {
                return
            }
            logging.Warn("assigner_read_error", logging.Err(err))
            time.Sleep(time.Second)
            continue
        }
        metrics.AssignerBatchDuration.Observe(a.now().Sub(start).Seconds())
        for _, st := range streams {
            for _, m := range st.Messages {
                a.ingest(ctx, m, 0)
            }
        }
    }
}

// claimLoop adopts entries stranded in a crashed consumer's pending list. The
// queue's own delivery count seeds the attempt counter, so attempts that the
// dead consumer already made are not granted again.
func (a *Assigner) claimLoop(ctx context.Context) {
    ticker := time.NewTicker(time.Duration(a.cfg.ClaimIntervalMs) * time.Millisecond)
    defer ticker.Stop()
    minIdle := time.Duration(a.cfg.ClaimIdleMs) * time.Millisecond
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            msgs, err := a.queue.ClaimIdle(ctx, a.consumer, minIdle, a.cfg.ReadCount)
            if err != nil {
                logging.Warn("assigner_claim_error", logging.Err(err))
                continue
            }
            if len(msgs) == 0 {
                continue
            }
            ids := make([]string, 0, len(msgs))
            for _, m := range msgs {
                ids = append(ids, m.ID)
            }
            counts, err := a.queue.PendingCounts(ctx, ids)
            if err != nil {
                logging.Warn("assigner_pending_error", logging.Err(err))
                counts = nil
            }
            for _, m := range msgs {
                seed := int(counts[m.ID]) - 1
                if seed < 0 {
                    seed = 0
                }
                a.ingest(ctx, m, seed)
            }
        }
    }
}

func (a *Assigner) dueLoop(ctx context.Context) {
    ticker := time.NewTicker(200 * time.Millisecond)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            for _, p := range a.takeDue() {
                a.attempt(ctx, p, true)
            }
        }
    }
}

// ingest decodes one queue entry and probes it immediately. A malformed entry
// is dead-lettered right away since retrying cannot fix it.
func (a *Assigner) ingest(ctx context.Context, m redis.XMessage, seedAttempts int) {
    metrics.IntentReadTotal.Inc()
    taskID, payload := data.DecodeIntentMessage(m)
    var intent protocol.DeliveryIntent
    if err := json.Unmarshal(payload, &intent); err == nil {
        err = intent.Validate()
        if err == nil && intent.TaskID != taskID {
            err = &protocol.Err{Code: "id_mismatch", Message: "stream id and intent task id differ"}
        }
        if err != nil {
            a.deadLetter(ctx, &pending{intent: intent, payload: payload, redisIDs: []string{m.ID}}, 0, err.Error())
            return
        }
    } else {
        a.deadLetter(ctx, &pending{intent: protocol.DeliveryIntent{TaskID: taskID}, payload: payload, redisIDs: []string{m.ID}}, 0, "malformed_intent")
        return
    }

    a.mu.Lock()
    p, ok := a.byTask[intent.TaskID]
    if ok {
        // producer resubmission: fold into the live schedule, ack both at the end
        p.redisIDs = append(p.redisIDs, m.ID)
        if seedAttempts > p.attempts {
            p.attempts = seedAttempts
        }
        a.mu.Unlock()
        return
    }
    p = &pending{intent: intent, payload: payload, redisIDs: []string{m.ID}, attempts: seedAttempts}
    a.byTask[intent.TaskID] = p
    metrics.IntentsInFlight.Set(float64(len(a.byTask)))
    a.mu.Unlock()

    a.attempt(ctx, p, false)
}

// takeDue collects pendings whose retry time has arrived.
func (a *Assigner) takeDue() []*pending {
    now := a.now()
    a.mu.Lock()
    defer a.mu.Unlock()
    var out []*pending
    for _, p := range a.byTask {
        if !p.due.IsZero() && !p.due.After(now) {
            p.due = time.Time{}
            out = append(out, p)
        }
    }
    return out
}

// attempt probes presence and either publishes or reschedules. The initial
// probe at ingest does not consume attempt budget; scheduled retries do.
func (a *Assigner) attempt(ctx context.Context, p *pending, countFailure bool) {
    online, err := a.presence.IsOnline(ctx, p.intent.DeviceID)
    if err != nil {
        // coordination store hiccup: keep the intent, probe again on the ladder
        logging.Debug("assigner_presence_error", logging.F("task_id", p.intent.TaskID), logging.Err(err))
        online = false
    }
    a.mu.Lock()
    attempts := p.attempts
    a.mu.Unlock()
    if online && a.publish(ctx, p, attempts+1) {
        a.finish(ctx, p, attempts, "sent", "")
        return
    }
    if countFailure {
        a.mu.Lock()
        p.attempts++
        attempts = p.attempts
        a.mu.Unlock()
    }
    if attempts >= a.cfg.AttemptCeiling {
        a.deadLetter(ctx, p, attempts, "attempts_exhausted")
        return
    }
    metrics.IntentRetryTotal.Inc()
    due := a.now().Add(delayFor(a.cfg.BackoffSeconds, attempts))
    a.mu.Lock()
    p.due = due
    a.mu.Unlock()
    logging.Debug("assigner_retry_scheduled",
        logging.F("task_id", p.intent.TaskID),
        logging.F("attempts", attempts),
        logging.F("due", due.Format(time.RFC3339)))
}

// publish frames the intent as a task.exec envelope and fans it out on the
// device's delivery channel. The attempt number rides along for the device;
// the signature stays valid because attempt is outside the signed form.
func (a *Assigner) publish(ctx context.Context, p *pending, attemptNo int) bool {
    intent := p.intent
    intent.Attempt = attemptNo
    env := protocol.NewEnvelope(protocol.TypeTaskExec, intent)
    buf, _ := json.Marshal(env)
    if err := a.queue.PublishDeliver(ctx, intent.DeviceID, buf); err != nil {
        logging.Warn("assigner_publish_error", logging.F("task_id", intent.TaskID), logging.Err(err))
        return false
    }
    return true
}

func (a *Assigner) deadLetter(ctx context.Context, p *pending, attempts int, reason string) {
    if err := a.queue.ToDLQ(ctx, p.intent.TaskID, p.payload, reason); err != nil {
        // DLQ write failed: do not ack, the entry stays pending for a reclaim
        logging.Error("assigner_dlq_error", logging.F("task_id", p.intent.TaskID), logging.Err(err))
        a.mu.Lock()
        p.due = a.now().Add(delayFor(a.cfg.BackoffSeconds, attempts))
        a.mu.Unlock()
        return
    }
    metrics.IntentDLQTotal.Inc()
    logging.NewEventLogger().Delivery("dead_letter", p.intent.DeviceID, p.intent.TaskID, "dead_lettered", attempts, reason)
    a.finish(ctx, p, attempts, "dead_lettered", reason)
}

// finish records the terminal status and acknowledges every merged queue
// entry. The id snapshot and the map removal happen in one critical section,
// so a concurrent resubmission either merges in time to be acknowledged here
// or lands after the removal and starts a fresh pending.
func (a *Assigner) finish(ctx context.Context, p *pending, attempts int, status, reason string) {
    if a.tasks != nil {
        if err := a.tasks.UpdateTaskStatus(ctx, p.intent.TaskID, status, reason); err != nil {
            logging.Warn("assigner_status_error", logging.F("task_id", p.intent.TaskID), logging.F("status", status), logging.Err(err))
        }
    }
    a.mu.Lock()
    ids := append([]string(nil), p.redisIDs...)
    delete(a.byTask, p.intent.TaskID)
    metrics.IntentsInFlight.Set(float64(len(a.byTask)))
    a.mu.Unlock()
    if err := a.queue.Ack(ctx, ids...); err != nil {
        logging.Warn("assigner_ack_error", logging.F("task_id", p.intent.TaskID), logging.Err(err))
    } else {
        metrics.IntentAckTotal.Add(float64(len(ids)))
    }
    if status == "sent" {
        logging.NewEventLogger().Delivery("sent", p.intent.DeviceID, p.intent.TaskID, status, attempts+1, "")
    }
}

// PendingLen reports the size of the retry schedule.
func (a *Assigner) PendingLen() int {
    a.mu.Lock()
    defer a.mu.Unlock()
    return len(a.byTask)
}
