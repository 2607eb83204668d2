package auth

import (
    "context"
    "crypto/ed25519"
    "crypto/rand"
    "encoding/base64"
    "errors"
    "testing"
    "time"

    "github.com/example/device-gateway/internal/gatewaycfg"
)

func b64raw(b []byte) string { return base64.RawStdEncoding.EncodeToString(b) }

func testAuthConfig(t *testing.T) (gatewaycfg.AuthConfig, ed25519.PrivateKey) {
    t.Helper()
    pub, priv, err := ed25519.GenerateKey(rand.Reader)
    if err != nil { t.Fatalf("keygen: %v", err) }
    return gatewaycfg.AuthConfig{
        Issuer: "iss", Audience: "aud", KeyID: "k",
        PublicKeys: map[string]string{"k": b64raw(pub)},
        PrivateKey: b64raw(priv),
        SkewSeconds: 60,
    }, priv
}

func TestIssueVerify_Success(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, err := NewVerifier(cfg, nil, nil)
    if err != nil { t.Fatalf("new verifier: %v", err) }
    tok, jti, exp, err := v.Issue(context.Background(), "dev1", time.Minute)
    if err != nil { t.Fatalf("issue: %v", err) }
    if jti == "" || exp.IsZero() { t.Fatalf("empty jti or exp") }
    cl, err := v.Verify(context.Background(), tok)
    if err != nil { t.Fatalf("verify: %v", err) }
    if cl.DeviceID != "dev1" || cl.JTI != jti { t.Fatalf("claims mismatch: %+v", cl) }
}

func TestVerify_BadSignature(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "dev1", time.Minute)
    bt := []byte(tok)
    bt[len(bt)-1] ^= 0x01
    if _, err := v.Verify(context.Background(), string(bt)); err == nil {
        t.Fatal("expected bad signature error")
    }
}

func TestVerify_Expired(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    cfg.SkewSeconds = 0
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "dev1", -1*time.Second)
    if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrExpired) {
        t.Fatalf("expected ErrExpired, got %v", err)
    }
}

func TestVerify_IssuerAudienceMismatch(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "dev1", time.Minute)
    v.cfg.Issuer = "other"
    if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrIssuerAud) {
        t.Fatalf("expected ErrIssuerAud, got %v", err)
    }
}

func TestVerify_RevokedViaRedis(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "dev1", time.Minute)
    v.redisIsRevoked = func(ctx context.Context, jti string) (bool, error) { return true, nil }
    if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrRevoked) {
        t.Fatalf("expected ErrRevoked, got %v", err)
    }
}

func TestVerify_UnknownKid(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "dev1", time.Minute)
    cfg2 := gatewaycfg.AuthConfig{Issuer: "iss", Audience: "aud", SkewSeconds: 60}
    v2, _ := NewVerifier(cfg2, nil, nil)
    if _, err := v2.Verify(context.Background(), tok); !errors.Is(err, ErrUnknownKid) {
        t.Fatalf("expected ErrUnknownKid, got %v", err)
    }
}

func TestVerify_UnknownDevice(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    tok, _, _, _ := v.Issue(context.Background(), "ghost", time.Minute)
    v.dbDeviceExists = func(ctx context.Context, deviceID string) (bool, error) { return false, nil }
    if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrUnknownDevice) {
        t.Fatalf("expected ErrUnknownDevice, got %v", err)
    }
}

func TestVerify_EmptyAndMalformed(t *testing.T) {
    cfg, _ := testAuthConfig(t)
    v, _ := NewVerifier(cfg, nil, nil)
    if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrRequired) {
        t.Fatalf("expected ErrRequired, got %v", err)
    }
    if _, err := v.Verify(context.Background(), "not.a"); !errors.Is(err, ErrFormat) {
        t.Fatalf("expected ErrFormat, got %v", err)
    }
}
