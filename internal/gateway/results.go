package gateway

import (
    "context"
    "encoding/json"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/logging"
    "github.com/example/device-gateway/internal/protocol"
    "github.com/example/device-gateway/internal/spill"
)

// resultHandler lands task results in the durable store, falling back to the
// local spill buffer when Postgres is unavailable. Results are processed the
// same way regardless of which node runs this; the result path is independent
// of routing ownership.
type resultHandler struct {
    pg      *data.Postgres
    spill   *spill.Writer

    // seams for tests
    status func(ctx context.Context, taskID string) (string, error)
    insert func(ctx context.Context, taskID string, results []byte, ts time.Time, late bool) error
}

func newResultHandler(pg *data.Postgres, sw *spill.Writer) *resultHandler {
    h := &resultHandler{pg: pg, spill: sw}
    if pg != nil {
        h.status = pg.TaskStatus
        h.insert = pg.InsertTaskResult
    }
    return h
}

// handle records the device's result. A result for an already-dead-lettered
// task is accepted and marked late: at-least-once delivery means the device
// may have executed a task the assigner gave up on, and the durable record of
// what actually ran wins over the retry bookkeeping.
func (h *resultHandler) handle(ctx context.Context, deviceID string, res protocol.TaskResult) error {
    ev := logging.NewEventLogger()
    if res.TaskID == "" {
        return &protocol.Err{Code: "bad_task_id", Message: "missing task id"}
    }
    body, _ := json.Marshal(res.Results)
    ts := time.Unix(0, res.TS)
    if res.TS == 0 {
        ts = time.Now()
    }

    late := false
    if h.status != nil {
        if st, err := h.status(ctx, res.TaskID); err == nil && st == "dead_lettered" {
            late = true
        }
    }
    if h.insert != nil {
        if err := h.insert(ctx, res.TaskID, body, ts, late); err == nil {
            ev.Delivery("send", deviceID, res.TaskID, "success", 0, "result_stored")
            return nil
        } else {
            ev.Infra("write", "postgres", "failed", "task result: "+err.Error())
        }
    }
    // durable store degraded: buffer locally, replayer drains it later
    if h.spill != nil {
        if err := h.spill.Write(spill.Record{TaskID: res.TaskID, DeviceID: deviceID, Results: body, TS: ts.UnixNano(), Late: late}); err != nil {
            ev.Infra("write", "spill", "failed", err.Error())
            return err
        }
        return nil
    }
    return &protocol.Err{Code: "result_not_stored", Message: "no durable store available"}
}
