package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
		return
	}

	// Trigger all metrics so they appear in Gather output.
	m.MessageRouted("await_request")
	m.StatusSent(200)
	m.ForwardError("await_request")
	m.ConnectionOpened()
	m.SetRooms(1)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"obsbridge_messages_total",
		"obsbridge_status_responses_total",
		"obsbridge_forward_errors_total",
		"obsbridge_active_connections",
		"obsbridge_rooms",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestConnectionGauge(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	if g := getGaugeValue(t, m.activeConnections); g != 2 {
		t.Errorf("active_connections = %v, want 2", g)
	}
	m.ConnectionClosed()
	if g := getGaugeValue(t, m.activeConnections); g != 1 {
		t.Errorf("active_connections = %v, want 1", g)
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "200"},
		{400, "400"},
		{401, "401"},
		{409, "409"},
		{502, "other"},
		{0, "other"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.code); got != tt.want {
			t.Errorf("statusLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNilReceiverSafe(t *testing.T) {
	var m *Metrics
	// Must not panic.
	m.MessageRouted("await_request")
	m.StatusSent(200)
	m.ForwardError("emit_request")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetRooms(3)
}

func TestServe(t *testing.T) {
	m := New()
	m.MessageRouted("server_subscribe")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.Serve(ctx, ln, slog.New(slog.DiscardHandler))
	}()

	url := fmt.Sprintf("http://%s/metrics", ln.Addr())
	var body string
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close() //nolint:errcheck // test cleanup
			body = string(b)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics endpoint never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "obsbridge_messages_total") {
		t.Errorf("metrics output missing counter:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("serve did not shut down after cancel")
	}
}

func getGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
