package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teslashibe/go-misty/internal/log"
	"github.com/teslashibe/go-misty/pkg/hub"
)

func newTestServer(t *testing.T, reg *prometheus.Registry) *Server {
	t.Helper()
	return NewServer(Config{
		Addr: ":0",
		Status: func() Status {
			return Status{Connection: "open", Speaking: true, QueueDepth: 2, LastUserMessage: "hi"}
		},
		Gatherer: reg,
		Hub:      hub.New(log.Discard()),
		Logger:   log.Discard(),
	})
}

func get(t *testing.T, s *Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, body
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, prometheus.NewRegistry())

	resp, body := get(t, s, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var got Status
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Connection != "open" || !got.Speaking || got.QueueDepth != 2 || got.LastUserMessage != "hi" {
		t.Errorf("unexpected status %+v", got)
	}
}

func TestConversation(t *testing.T) {
	s := newTestServer(t, prometheus.NewRegistry())

	_, body := get(t, s, "/api/conversation")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty conversation = %s, want []", body)
	}

	for i := 0; i < maxConversation+5; i++ {
		s.AddConversation("user", fmt.Sprintf("message %d", i))
	}

	_, body = get(t, s, "/api/conversation")
	var entries []ConversationEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != maxConversation {
		t.Fatalf("got %d entries, want %d", len(entries), maxConversation)
	}
	if entries[0].Message != "message 5" || entries[len(entries)-1].Message != "message 104" {
		t.Errorf("unexpected window %q..%q", entries[0].Message, entries[len(entries)-1].Message)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "misty_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := newTestServer(t, reg)
	resp, body := get(t, s, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "misty_test_total 3") {
		t.Errorf("metric missing from output:\n%s", body)
	}
}

func TestEventsRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, prometheus.NewRegistry())
	resp, _ := get(t, s, "/ws/events")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}
