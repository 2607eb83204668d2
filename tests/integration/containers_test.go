//go:build integration

package it

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/device-gateway/internal/protocol"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

// dialRaw opens a device connection without registering.
func dialRaw(t *testing.T, port int) (*websocket.Conn, error) {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	return c, err
}

// dialAndRegister opens a device connection and completes the register
// handshake, returning the socket and the assigned conn id.
func dialAndRegister(t *testing.T, port int, deviceID, credential string) (*websocket.Conn, string) {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	env := protocol.NewEnvelope(protocol.TypeRegister, protocol.RegisterRequest{DeviceID: deviceID, Credential: credential})
	if err := c.WriteJSON(env); err != nil {
		t.Fatalf("register write: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply protocol.Envelope
	if err := c.ReadJSON(&reply); err != nil {
		t.Fatalf("register reply: %v", err)
	}
	if reply.Type != protocol.TypeRegisterOK {
		t.Fatalf("expected register.ok, got %s", reply.Type)
	}
	var ok protocol.RegisterOK
	if err := json.Unmarshal(reply.Data, &ok); err != nil {
		t.Fatalf("register.ok decode: %v", err)
	}
	return c, ok.ConnID
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, c *websocket.Conn, code int, deadline time.Duration) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if websocket.IsCloseError(err, code) {
			return
		}
		t.Fatalf("expected close %d, got %v", code, err)
	}
}
