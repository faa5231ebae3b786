package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewServerAllowedIPs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()

	tests := []struct {
		name       string
		allowedIPs []string
		wantCount  int
	}{
		{"empty list", nil, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR notation", []string{"192.168.0.0/16", "10.0.0.0/8"}, 2},
		{"IPv6", []string{"::1", "fe80::/10"}, 2},
		{"invalid skipped", []string{"not-an-ip", " ", "10.0.0.1"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, "", "", tt.allowedIPs, logger)
			if s.filter.Count() != tt.wantCount {
				t.Errorf("allowed = %d, want %d", s.filter.Count(), tt.wantCount)
			}
		})
	}
}

func TestServerIPFilter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(New(), ":0", "/metrics", []string{"10.0.0.0/8"}, logger)
	h := s.Handler()

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       int
	}{
		{"allowed remote", "10.1.2.3:5555", "", http.StatusOK},
		{"denied remote", "192.168.1.1:5555", "", http.StatusForbidden},
		{"allowed via forwarded", "192.168.1.1:5555", "10.9.9.9, 1.1.1.1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/metrics", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// health is never filtered
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "192.168.1.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rec.Code)
	}
}
