package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nuetzliches/peeklock/internal/broker"
	"github.com/nuetzliches/peeklock/internal/queue"
)

func newOpsTestBroker(t *testing.T, reg prometheus.Registerer) *broker.Broker {
	t.Helper()
	catalog, err := broker.NewCatalog(
		queue.Config{Name: "orders", MaxDeliveryCount: 1},
		queue.Config{Name: "audit"},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return broker.New(queue.NewMemoryStore(), catalog,
		broker.WithLogger(newDiscardLogger()),
		broker.WithMetrics(broker.NewMetrics(reg)),
	)
}

func doOps(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, rr.Body.String())
		}
	}
	return rr, body
}

func TestOps_HealthAndStats(t *testing.T) {
	reg := newRegistry()
	b := newOpsTestBroker(t, reg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.Send(ctx, "orders", broker.OutgoingMessage{Body: []byte("x")}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := b.Receive(ctx, "orders", broker.ReceiveOptions{ConsumerID: "ops-test"}); err != nil {
		t.Fatalf("receive: %v", err)
	}

	h := newOpsHandler(b, reg, newDiscardLogger())

	rr, body := doOps(t, h, "/healthz")
	if rr.Code != http.StatusOK || body["ok"] != true || body["queues"] != float64(2) {
		t.Fatalf("healthz: code=%d body=%v", rr.Code, body)
	}

	rr, body = doOps(t, h, "/queues/orders")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: code=%d", rr.Code)
	}
	if body["active"] != float64(2) || body["locked"] != float64(1) {
		t.Fatalf("stats body=%v", body)
	}

	rr, body = doOps(t, h, "/queues/")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: code=%d", rr.Code)
	}
	if qs, _ := body["queues"].([]any); len(qs) != 2 {
		t.Fatalf("list body=%v", body)
	}

	rr, _ = doOps(t, h, "/queues/missing")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing queue: code=%d, want 404", rr.Code)
	}
}

func TestOps_PeekAndDeadLetter(t *testing.T) {
	reg := newRegistry()
	b := newOpsTestBroker(t, reg)
	ctx := context.Background()
	for _, subject := range []string{"a", "b", "c"} {
		if _, err := b.Send(ctx, "orders", broker.OutgoingMessage{Subject: subject, Body: []byte(subject)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	m, err := b.Receive(ctx, "orders", broker.ReceiveOptions{ConsumerID: "ops-test"})
	if err != nil || m == nil {
		t.Fatalf("receive: m=%v err=%v", m, err)
	}
	if err := b.DeadLetter(ctx, m.LockRef(), "Poison", "bad payload"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	h := newOpsHandler(b, reg, newDiscardLogger())

	rr, body := doOps(t, h, "/queues/orders/messages?from=0&max=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("peek: code=%d body=%s", rr.Code, rr.Body.String())
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("peek messages=%v", body)
	}
	first := msgs[0].(map[string]any)
	if first["subject"] != "b" || first["sequence_number"] != float64(2) {
		t.Fatalf("peek first=%v", first)
	}
	if _, ok := first["lock_token"]; ok {
		t.Fatalf("lock token must not be exposed")
	}

	rr, body = doOps(t, h, "/queues/orders/deadletter")
	if rr.Code != http.StatusOK {
		t.Fatalf("dlq peek: code=%d", rr.Code)
	}
	msgs, _ = body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("dlq messages=%v", body)
	}
	dl := msgs[0].(map[string]any)
	if dl["dead_letter_reason"] != "Poison" || dl["state"] != "deadlettered" {
		t.Fatalf("dlq message=%v", dl)
	}

	rr, _ = doOps(t, h, "/queues/orders/messages?max=0")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("max=0: code=%d, want 400", rr.Code)
	}
	rr, _ = doOps(t, h, "/queues/orders/messages?max="+strconv.Itoa(broker.MaxBatch+1))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("max above batch cap: code=%d, want 400", rr.Code)
	}
	rr, _ = doOps(t, h, "/queues/orders/messages?max="+strconv.Itoa(broker.MaxBatch))
	if rr.Code != http.StatusOK {
		t.Fatalf("max at batch cap: code=%d, want 200", rr.Code)
	}
}

func TestOps_Metrics(t *testing.T) {
	reg := newRegistry()
	b := newOpsTestBroker(t, reg)
	reg.MustRegister(newQueueDepthCollector(b, newDiscardLogger()))
	if _, err := b.Send(context.Background(), "audit", broker.OutgoingMessage{Body: []byte("x")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	h := newOpsHandler(b, reg, newDiscardLogger())
	rr, _ := doOps(t, h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: code=%d", rr.Code)
	}
	out := rr.Body.String()
	for _, want := range []string{
		`peeklock_messages_sent_total{queue="audit"} 1`,
		`peeklock_queue_messages{queue="audit",state="active"} 1`,
		`peeklock_queue_messages{queue="orders",state="active"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
