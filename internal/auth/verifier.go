package auth

import (
    "context"
    "crypto/ed25519"
    "crypto/rand"
    "encoding/base64"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/example/device-gateway/internal/data"
    "github.com/example/device-gateway/internal/gatewaycfg"
    "github.com/example/device-gateway/internal/logging"
    ulid "github.com/oklog/ulid/v2"
    ssh "golang.org/x/crypto/ssh"
)

// Verification failures map onto session close codes at the gateway boundary.
var (
    ErrRequired     = errors.New("auth_required")
    ErrFormat       = errors.New("bad_token_format")
    ErrUnknownKid   = errors.New("unknown_kid")
    ErrBadSignature = errors.New("bad_signature")
    ErrExpired      = errors.New("token_expired")
    ErrNotYetValid  = errors.New("token_not_yet_valid")
    ErrIssuerAud    = errors.New("bad_issuer_audience")
    ErrRevoked      = errors.New("token_revoked")
    ErrUnknownDevice = errors.New("unknown_device")
)

type Verifier struct {
    cfg    gatewaycfg.AuthConfig
    pub    map[string]ed25519.PublicKey
    priv   ed25519.PrivateKey
    signer ssh.Signer
    skew   time.Duration

    // seams for tests; default to real Redis/Postgres collaborators
    redisIsRevoked  func(ctx context.Context, jti string) (bool, error)
    dbDeviceExists  func(ctx context.Context, deviceID string) (bool, error)
}

// Claims are the verified fields the gateway needs from a device credential.
type Claims struct {
    DeviceID  string
    JTI       string
    ExpiresAt time.Time
}

func NewVerifier(cfg gatewaycfg.AuthConfig, pg *data.Postgres, rd *data.Redis) (*Verifier, error) {
    v := &Verifier{cfg: cfg, skew: time.Duration(cfg.SkewSeconds) * time.Second}
    v.pub = make(map[string]ed25519.PublicKey, len(cfg.PublicKeys)+len(cfg.PublicKeysSSH))
    for kid, b64 := range cfg.PublicKeys {
        pk, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(b64))
        if err != nil { return nil, fmt.Errorf("invalid public key for %s: %w", kid, err) }
        if len(pk) != ed25519.PublicKeySize { return nil, fmt.Errorf("public key %s wrong size", kid) }
        v.pub[kid] = ed25519.PublicKey(pk)
    }
    for kid, line := range cfg.PublicKeysSSH {
        pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
        if err != nil { return nil, fmt.Errorf("invalid ssh public key for %s: %w", kid, err) }
        if cp, ok := pub.(ssh.CryptoPublicKey); ok {
            if ed, ok := cp.CryptoPublicKey().(ed25519.PublicKey); ok && len(ed) == ed25519.PublicKeySize {
                v.pub[kid] = ed
            } else { return nil, fmt.Errorf("ssh public key for %s not ed25519", kid) }
        } else { return nil, fmt.Errorf("ssh public key for %s not crypto", kid) }
    }
    if cfg.PrivateKey != "" {
        sk, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(cfg.PrivateKey))
        if err != nil { return nil, fmt.Errorf("invalid private key: %w", err) }
        if len(sk) != ed25519.PrivateKeySize { return nil, errors.New("private key wrong size") }
        v.priv = ed25519.PrivateKey(sk)
    } else if cfg.PrivateKeyFile != "" {
        pem, err := os.ReadFile(cfg.PrivateKeyFile)
        if err != nil { return nil, fmt.Errorf("read private_key_file: %w", err) }
        signer, err := ssh.ParsePrivateKey(pem)
        if err != nil { return nil, fmt.Errorf("parse private_key_file: %w", err) }
        if signer.PublicKey().Type() != ssh.KeyAlgoED25519 { return nil, errors.New("unsupported private key type (need ed25519)") }
        v.signer = signer
    }
    v.redisIsRevoked = func(ctx context.Context, jti string) (bool, error) {
        if rd == nil { return false, nil }
        return rd.IsRevoked(ctx, jti)
    }
    v.dbDeviceExists = func(ctx context.Context, deviceID string) (bool, error) {
        if pg == nil { return true, nil }
        return pg.DeviceRegistered(ctx, deviceID)
    }
    return v, nil
}

type header struct {
    Alg string `json:"alg"`
    Kid string `json:"kid"`
    Typ string `json:"typ"`
}

type claims struct {
    Iss string `json:"iss"`
    Aud string `json:"aud"`
    Sub string `json:"sub"`
    Iat int64  `json:"iat"`
    Nbf int64  `json:"nbf"`
    Exp int64  `json:"exp"`
    Jti string `json:"jti"`
}

func b64url(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }
func parseB64(s string) ([]byte, error) { return base64.RawStdEncoding.DecodeString(s) }

// Issue signs a device credential (if a private key is configured).
func (v *Verifier) Issue(ctx context.Context, deviceID string, ttl time.Duration) (string, string, time.Time, error) {
    ev := logging.NewEventLogger()

    if len(v.priv) == 0 && v.signer == nil {
        return "", "", time.Time{}, errors.New("issuer private key not configured")
    }
    now := time.Now().UTC()
    exp := now.Add(ttl)
    jti := ulid.Make().String()
    hdr := header{Alg: "EdDSA", Kid: v.cfg.KeyID, Typ: "DGW"}
    cl := claims{Iss: v.cfg.Issuer, Aud: v.cfg.Audience, Sub: deviceID, Iat: now.Unix(), Nbf: now.Unix() - int64(v.cfg.SkewSeconds), Exp: exp.Unix(), Jti: jti}
    hb, _ := json.Marshal(hdr)
    cb, _ := json.Marshal(cl)
    signing := b64url(hb) + "." + b64url(cb)
    var sigRaw []byte
    if len(v.priv) > 0 {
        sigRaw = ed25519.Sign(v.priv, []byte(signing))
    } else {
        sshSig, err := v.signer.Sign(rand.Reader, []byte(signing))
        if err != nil { return "", "", time.Time{}, err }
        sigRaw = sshSig.Blob
    }
    tok := signing + "." + b64url(sigRaw)
    ev.Token("issue", deviceID, jti, true, "")
    return tok, jti, exp, nil
}

// Verify validates the credential signature, time bounds and revocation status.
// It never mutates state: a failed verification leaves no trace beyond the log.
func (v *Verifier) Verify(ctx context.Context, tok string) (Claims, error) {
    ev := logging.NewEventLogger()

    if tok == "" {
        return Claims{}, ErrRequired
    }
    parts := strings.Split(tok, ".")
    if len(parts) != 3 { return Claims{}, ErrFormat }
    hb, err := parseB64(parts[0])
    if err != nil { return Claims{}, ErrFormat }
    cb, err := parseB64(parts[1])
    if err != nil { return Claims{}, ErrFormat }
    sig, err := parseB64(parts[2])
    if err != nil { return Claims{}, ErrFormat }
    var h header
    if err := json.Unmarshal(hb, &h); err != nil { return Claims{}, ErrFormat }
    if h.Alg != "EdDSA" { return Claims{}, ErrFormat }
    pub := v.pub[h.Kid]
    if len(pub) == 0 { return Claims{}, ErrUnknownKid }
    signing := parts[0] + "." + parts[1]
    if !ed25519.Verify(pub, []byte(signing), sig) { return Claims{}, ErrBadSignature }
    var c claims
    if err := json.Unmarshal(cb, &c); err != nil { return Claims{}, ErrFormat }
    now := time.Now().UTC().Unix()
    if c.Iss != v.cfg.Issuer || c.Aud != v.cfg.Audience { return Claims{}, ErrIssuerAud }
    if c.Nbf > now+int64(v.cfg.SkewSeconds) { return Claims{}, ErrNotYetValid }
    if c.Exp < now-int64(v.cfg.SkewSeconds) { return Claims{}, ErrExpired }
    if revoked, _ := v.redisIsRevoked(ctx, c.Jti); revoked {
        ev.Token("verify", c.Sub, c.Jti, false, "token_revoked")
        return Claims{}, ErrRevoked
    }
    if ok, err := v.dbDeviceExists(ctx, c.Sub); err == nil && !ok {
        ev.Token("verify", c.Sub, c.Jti, false, "unknown_device")
        return Claims{}, ErrUnknownDevice
    }
    ev.Token("verify", c.Sub, c.Jti, true, "")
    return Claims{DeviceID: c.Sub, JTI: c.Jti, ExpiresAt: time.Unix(c.Exp, 0).UTC()}, nil
}
