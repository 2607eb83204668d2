package protocol

import (
    "encoding/json"
    "time"

    "github.com/google/uuid"
)

const Version = "0.1.0"

// Frame types carried in Envelope.Type.
const (
    TypeRegister   = "register"
    TypeRegisterOK = "register.ok"
    TypeHeartbeat  = "heartbeat"
    TypeTaskExec   = "task.exec"
    TypeTaskResult = "task.result"
    TypeError      = "error"
)

// WebSocket close codes used by the gateway (application range).
const (
    CloseAuthFailed    = 4000
    CloseTokenExpired  = 4001
    CloseBadSignature  = 4002
    CloseRevoked       = 4003
    CloseSuperseded    = 4004
    CloseProtocolError = 4005
)

type Envelope struct {
	Version string          `json:"version"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope wraps data in a fresh envelope with a uuid v7 id.
func NewEnvelope(typ string, data any) Envelope {
    b, _ := json.Marshal(data)
    return Envelope{
        Version: Version,
        Type:    typ,
        ID:      func() string { u, _ := uuid.NewV7(); return u.String() }(),
        TS:      time.Now().UnixNano(),
        Data:    b,
    }
}

// RegisterRequest is the first client frame on a new connection.
type RegisterRequest struct {
    DeviceID     string   `json:"device_id"`
    Credential   string   `json:"credential"`
    Capabilities []string `json:"capabilities,omitempty"`
}

// RegisterOK acknowledges a successful registration.
type RegisterOK struct {
    DeviceID         string `json:"device_id"`
    ConnID           string `json:"conn_id"`
    HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

type Heartbeat struct {
    DeviceID string `json:"device_id"`
    TS       int64  `json:"ts"`
}

// Action is one step of a task, executed in list order on the device.
type Action struct {
    Op     string          `json:"op"`
    Params json.RawMessage `json:"params,omitempty"`
}

type ActionResult struct {
    Op     string          `json:"op"`
    Status string          `json:"status"`
    Output json.RawMessage `json:"output,omitempty"`
}

type TaskResult struct {
    TaskID  string         `json:"task_id"`
    Results []ActionResult `json:"results"`
    TS      int64          `json:"ts"`
    Sig     string         `json:"sig,omitempty"`
}

func ErrorEnvelope(code, message string) []byte {
	e := map[string]any{
		"version": Version,
		"type":    TypeError,
        "id":      func() string { u, _ := uuid.NewV7(); return u.String() }(),
		"ts":      time.Now().UnixNano(),
		"data": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	b, _ := json.Marshal(e)
	return b
}

// ValidateEnvelope performs lightweight validation of the envelope shape.
func ValidateEnvelope(e Envelope) error {
    if e.Version == "" || e.Version != Version {
        return &Err{Code: "bad_version", Message: "invalid or mismatched version"}
    }
    switch e.Type {
    case TypeRegister, TypeRegisterOK, TypeHeartbeat, TypeTaskExec, TypeTaskResult, TypeError:
    default:
        return &Err{Code: "bad_type", Message: "unsupported type"}
    }
    if e.ID == "" {
        return &Err{Code: "bad_id", Message: "missing id"}
    }
    if e.TS == 0 {
        return &Err{Code: "bad_ts", Message: "missing ts"}
    }
    // data may be empty for some frames (heartbeat carries it, error may not)
    return nil
}

// CanonicalizeJSON returns a canonical JSON encoding with stable key ordering.
// It unmarshals and re-marshals the input to enforce a deterministic encoding.
func CanonicalizeJSON(in []byte) []byte {
    var tmp any
    if json.Unmarshal(in, &tmp) != nil {
        return in
    }
    b, err := json.Marshal(tmp)
    if err != nil { return in }
    return b
}

type Err struct {
    Code    string
    Message string
}

func (e *Err) Error() string { return e.Code + ": " + e.Message }
