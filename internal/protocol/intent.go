package protocol

import (
    "crypto/ed25519"
    "encoding/base64"
    "encoding/json"
    "errors"

    "golang.org/x/crypto/sha3"
)

// DeliveryIntent expresses "this task must reach this device". It is produced
// once per task and retried under the same task id with the attempt count
// incremented; the signature covers the canonical form minus sig and attempt.
type DeliveryIntent struct {
    TaskID   string   `json:"task_id"`
    DeviceID string   `json:"device_id"`
    IssuedAt int64    `json:"issued_at"`
    Actions  []Action `json:"actions"`
    Attempt  int      `json:"attempt,omitempty"`
    Sig      string   `json:"sig,omitempty"`
}

// signingBytes is the canonical JSON digest input: the intent with the
// mutable fields (attempt, sig) stripped.
func (in DeliveryIntent) signingBytes() []byte {
    stripped := DeliveryIntent{TaskID: in.TaskID, DeviceID: in.DeviceID, IssuedAt: in.IssuedAt, Actions: in.Actions}
    b, _ := json.Marshal(stripped)
    sum := sha3.Sum512(CanonicalizeJSON(b))
    return sum[:]
}

// Sign computes the tamper-evident signature over the intent's canonical form.
func (in *DeliveryIntent) Sign(priv ed25519.PrivateKey) error {
    if len(priv) != ed25519.PrivateKeySize {
        return errors.New("bad_private_key")
    }
    sig := ed25519.Sign(priv, in.signingBytes())
    in.Sig = base64.RawStdEncoding.EncodeToString(sig)
    return nil
}

// VerifySig checks the intent signature; retries reuse the original signature
// because attempt is excluded from the signed form.
func (in DeliveryIntent) VerifySig(pub ed25519.PublicKey) error {
    if in.Sig == "" {
        return errors.New("missing_sig")
    }
    sig, err := base64.RawStdEncoding.DecodeString(in.Sig)
    if err != nil {
        sig, err = base64.StdEncoding.DecodeString(in.Sig)
        if err != nil { return errors.New("bad_sig_b64") }
    }
    if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, in.signingBytes(), sig) {
        return errors.New("bad_signature")
    }
    return nil
}

// Validate checks the fields the Assigner relies on before attempting delivery.
func (in DeliveryIntent) Validate() error {
    if in.TaskID == "" {
        return &Err{Code: "bad_task_id", Message: "missing task id"}
    }
    if in.DeviceID == "" {
        return &Err{Code: "bad_device_id", Message: "missing device id"}
    }
    if in.IssuedAt == 0 {
        return &Err{Code: "bad_issued_at", Message: "missing issued_at"}
    }
    if len(in.Actions) == 0 {
        return &Err{Code: "bad_actions", Message: "empty action list"}
    }
    return nil
}
