package safehttp

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"192.168.0.10", false},
		{"169.254.169.254", false},
		{"::1", false},
		{"0.0.0.0", false},
		{"34.120.1.1", true},
		{"2606:4700::1111", true},
	}
	for _, tt := range tests {
		if got := Allowed(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("Allowed(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestNewClient_RejectsLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := NewClient(2 * time.Second).Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected loopback connection to be rejected")
	}
}

func TestNewClient_RejectsResolvedLoopback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	resp, err := NewClient(2 * time.Second).Get("http://localhost:" + port)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected hostname resolving to loopback to be rejected")
	}
}
