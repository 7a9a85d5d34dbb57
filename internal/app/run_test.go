package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nuetzliches/peeklock/internal/broker"
	"github.com/nuetzliches/peeklock/internal/config"
	"github.com/nuetzliches/peeklock/internal/queue"
)

func TestOpenStore_Memory(t *testing.T) {
	store, moveLog, err := openStore(context.Background(), config.StoreConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*queue.MemoryStore); !ok {
		t.Fatalf("store=%T, want *queue.MemoryStore", store)
	}
	if moveLog == nil {
		t.Fatalf("expected move log")
	}
}

func TestOpenStore_SQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := config.StoreConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "peeklock.db")}
	catalog, err := broker.NewCatalog(queue.Config{Name: "orders"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	store, moveLog, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := broker.New(store, catalog, broker.WithMoveLog(moveLog), broker.WithLogger(newDiscardLogger()))
	seq, err := b.Send(ctx, "orders", broker.OutgoingMessage{Body: []byte("hello")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, moveLog, err = openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	b = broker.New(store, catalog, broker.WithMoveLog(moveLog), broker.WithLogger(newDiscardLogger()))
	m, err := b.Receive(ctx, "orders", broker.ReceiveOptions{ConsumerID: "after-restart"})
	if err != nil || m == nil {
		t.Fatalf("receive after reopen: m=%v err=%v", m, err)
	}
	if m.SequenceNumber != seq || string(m.Body) != "hello" {
		t.Fatalf("got seq=%d body=%q, want seq=%d body=hello", m.SequenceNumber, m.Body, seq)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, _, err := openStore(context.Background(), config.StoreConfig{Backend: "redis"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadCompiled(t *testing.T) {
	path := writeConfig(t, "store { backend memory }\nqueue orders { max_delivery_count 4 }")
	compiled, err := loadCompiled(path, newDiscardLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(compiled.Queues) != 1 || compiled.Queues[0].MaxDeliveryCount != 4 {
		t.Fatalf("queues=%+v", compiled.Queues)
	}

	bad := writeConfig(t, "queue a { forward_to a }")
	if _, err := loadCompiled(bad, newDiscardLogger()); err == nil || !strings.Contains(err.Error(), "config invalid") {
		t.Fatalf("err=%v, want config invalid", err)
	}
}

func newReloaderForTest(t *testing.T, src string) (*catalogReloader, *broker.Broker, *runtimeMetrics) {
	t.Helper()
	path := writeConfig(t, src)
	compiled, err := loadCompiled(path, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	catalog, err := compiled.Catalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	b := broker.New(queue.NewMemoryStore(), catalog, broker.WithLogger(newDiscardLogger()))
	m := newRuntimeMetrics(prometheus.NewRegistry())
	return &catalogReloader{
		path:    path,
		broker:  b,
		running: compiled,
		logger:  newDiscardLogger(),
		metrics: m,
	}, b, m
}

func TestCatalogReloader_AppliesQueueChanges(t *testing.T) {
	r, b, m := newReloaderForTest(t, "store { backend memory }\nqueue orders")

	if err := os.WriteFile(r.path, []byte("store { backend memory }\nqueue orders\nqueue invoices { lock_duration 5s }\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !r.reload("test") {
		t.Fatalf("expected reload to apply")
	}
	if got := strings.Join(b.Queues(), ","); got != "invoices,orders" {
		t.Fatalf("queues=%s", got)
	}
	cfg, ok := b.Catalog().Lookup("invoices")
	if !ok || cfg.LockDuration != 5*time.Second {
		t.Fatalf("invoices=%+v ok=%v", cfg, ok)
	}
	if got := testutil.ToFloat64(m.configReloads.WithLabelValues("ok")); got != 1 {
		t.Fatalf("reloads ok=%v, want 1", got)
	}
}

func TestCatalogReloader_RejectsInvalidAndRestartOnly(t *testing.T) {
	r, b, m := newReloaderForTest(t, "store { backend memory }\nqueue orders")

	if err := os.WriteFile(r.path, []byte("store { backend memory }\nqueue orders { forward_to nowhere }\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.reload("test") {
		t.Fatalf("invalid config must not apply")
	}

	if err := os.WriteFile(r.path, []byte("store { backend sqlite }\nqueue orders\nqueue extra\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if r.reload("test") {
		t.Fatalf("store change must not apply")
	}
	if got := strings.Join(b.Queues(), ","); got != "orders" {
		t.Fatalf("queues=%s, want orders", got)
	}
	if got := testutil.ToFloat64(m.configReloads.WithLabelValues("failed")); got != 1 {
		t.Fatalf("reloads failed=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.configReloads.WithLabelValues("restart_required")); got != 1 {
		t.Fatalf("reloads restart_required=%v, want 1", got)
	}
}

func TestRestartRequiredSections(t *testing.T) {
	base := config.Compiled{
		Store: config.StoreConfig{Backend: "memory"},
		Sweep: config.SweepConfig{LockInterval: time.Second},
		Observability: config.ObservabilityConfig{
			LogLevel:       "info",
			TracingHeaders: []config.TracingHeaderConfig{{Name: "a", Value: "1"}},
		},
		Queues: []queue.Config{{Name: "orders"}},
	}

	next := base
	next.Queues = []queue.Config{{Name: "orders"}, {Name: "more"}}
	if got := restartRequiredSections(next, base); len(got) != 0 {
		t.Fatalf("queue-only change: got %v", got)
	}

	next = base
	next.Sweep.LockInterval = 2 * time.Second
	next.Observability.TracingHeaders = []config.TracingHeaderConfig{{Name: "a", Value: "2"}}
	got := restartRequiredSections(next, base)
	if strings.Join(got, ",") != "sweep,observability" {
		t.Fatalf("got %v, want [sweep observability]", got)
	}
}

func TestWatchConfig_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "queue a\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchConfig(ctx, path, newDiscardLogger(), func() {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		})
	}()

	// The watcher registers asynchronously; keep writing until it fires.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(400 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-reloaded:
			cancel()
			<-done
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("queue a\nqueue b\n"), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatalf("watch did not trigger a reload")
		}
	}
}
