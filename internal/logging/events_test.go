package logging

import (
	"net/http/httptest"
	"testing"
)

func TestRemoteAddr_PrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	if got := RemoteAddr(r); got != "10.0.0.1:4242" {
		t.Fatalf("expected socket address without proxy header, got %q", got)
	}
	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	if got := RemoteAddr(r); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
	if got := RemoteAddr(nil); got != "" {
		t.Fatalf("nil request should yield empty address, got %q", got)
	}
}

func TestHTTPMethod_Lowercases(t *testing.T) {
	r := httptest.NewRequest("POST", "/ws", nil)
	if got := HTTPMethod(r); got != "post" {
		t.Fatalf("expected lowercased method, got %q", got)
	}
	if got := HTTPMethod(nil); got != "" {
		t.Fatalf("nil request should yield empty method, got %q", got)
	}
}
