//go:build integration

package it

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/example/device-gateway/internal/auth"
	"github.com/example/device-gateway/internal/data"
	"github.com/example/device-gateway/internal/protocol"
	"github.com/example/device-gateway/tests/itutil"
)

// Revoking a live credential closes the session with 4003 within the poll
// interval, and the same credential can no longer register.
func TestLiveRevocationClosesSession(t *testing.T) {
	itutil.ChdirRepoRoot(t)
	rc, redisAddr := itutil.StartRedis(t)
	defer rc.Terminate(context.Background())

	pub, priv := itutil.Keypair(t)
	port := itutil.FreePort(t)
	cfg := itutil.BaseConfig(t, redisAddr, "", port, pub, priv)
	stop := itutil.StartGateway(t, cfg)
	defer stop()
	itutil.WaitHTTPReady(t, fmt.Sprintf("http://127.0.0.1:%d/readyz", port), 30*time.Second)

	issuer, err := auth.NewVerifier(cfg.Auth, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	tok, jti, _, err := issuer.Issue(context.Background(), "dev-rv", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	c, _ := dialAndRegister(t, port, "dev-rv", tok)
	defer c.Close()

	rd, err := data.NewRedis(cfg.Redis)
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	if err := rd.Revoke(context.Background(), jti, time.Hour); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	expectClose(t, c, protocol.CloseRevoked, 10*time.Second)

	// a revoked credential is refused at the door too
	c2, err := dialRaw(t, port)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	env := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterRequest{DeviceID: "dev-rv", Credential: tok})
	if err := c2.WriteJSON(env); err != nil {
		t.Fatal(err)
	}
	expectClose(t, c2, protocol.CloseRevoked, 10*time.Second)
}
