package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/openvizsla/pkg"
)

func TestCaptureRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCapture(reg)
	if err != nil {
		t.Fatalf("NewCapture() error = %v", err)
	}

	c.Packet(3)
	c.Packet(5)
	c.Dropped()
	c.RegisterFrame()
	c.Transfer(pkg.TransferStatusCompleted)
	c.Transfer(pkg.TransferStatusCompleted)
	c.Transfer(pkg.TransferStatusCancelled)
	c.DecodeError()
	c.Session("break")
	c.SetActive(4)

	tests := []struct {
		name string
		col  prometheus.Collector
		want float64
	}{
		{"packets", c.packets, 2},
		{"bytes", c.bytes, 8},
		{"dropped", c.dropped, 1},
		{"register frames", c.registerFrames, 1},
		{"completed transfers", c.transfers.WithLabelValues("completed"), 2},
		{"cancelled transfers", c.transfers.WithLabelValues("cancelled"), 1},
		{"decode errors", c.decodeErrors, 1},
		{"break sessions", c.sessions.WithLabelValues("break"), 1},
		{"active", c.active, 4},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.col); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(c.transfers); n != 2 {
		t.Errorf("transfers series = %d, want 2", n)
	}
}

func TestCaptureDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCapture(reg); err != nil {
		t.Fatalf("NewCapture() error = %v", err)
	}
	if _, err := NewCapture(reg); err == nil {
		t.Error("second NewCapture() on the same registry error = nil, want error")
	}
}

func TestNilCaptureIsNoop(t *testing.T) {
	var c *Capture
	c.Packet(1)
	c.Dropped()
	c.RegisterFrame()
	c.Transfer(pkg.TransferStatusError)
	c.DecodeError()
	c.Session("fatal")
	c.SetActive(1)
}

func TestDefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Error("Default() returned different collectors")
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCapture(reg)
	if err != nil {
		t.Fatalf("NewCapture() error = %v", err)
	}
	c.Packet(1)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); !strings.Contains(body, "openvizsla_capture_packets_total 1") {
		t.Errorf("body missing packets_total sample:\n%s", body)
	}
}
