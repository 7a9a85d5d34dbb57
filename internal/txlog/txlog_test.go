package txlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nuetzliches/peeklock/internal/queue"
)

func logFactories(t *testing.T) map[string]Log {
	t.Helper()
	db, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "moves.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sqlLog, err := NewSQLLog(context.Background(), db, DialectSQLite)
	if err != nil {
		t.Fatalf("new sql log: %v", err)
	}
	return map[string]Log{
		"memory": NewMemoryLog(),
		"sqlite": sqlLog,
	}
}

func TestLog_Lifecycle(t *testing.T) {
	for name, log := range logFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := Entry{
				ID:               "tx_1",
				SourceQueue:      "orders",
				SourceDeadLetter: true,
				SourceSeq:        4,
				SourceMessageID:  "m-4",
				SourceLockToken:  "tok",
				DestQueue:        "orders",
				BodyHash:         HashBody([]byte("x")),
			}
			if err := log.Begin(ctx, e); err != nil {
				t.Fatalf("begin: %v", err)
			}
			pending, err := log.Pending(ctx)
			if err != nil {
				t.Fatalf("pending: %v", err)
			}
			if len(pending) != 1 || pending[0].Phase != PhasePrepared || !pending[0].SourceDeadLetter {
				t.Fatalf("pending=%+v", pending)
			}

			if err := log.Advance(ctx, "tx_1", PhaseStaged, 9); err != nil {
				t.Fatalf("advance: %v", err)
			}
			pending, _ = log.Pending(ctx)
			if pending[0].Phase != PhaseStaged || pending[0].DestSeq != 9 {
				t.Fatalf("after advance=%+v", pending[0])
			}
			if err := log.Advance(ctx, "tx_missing", PhaseStaged, 1); !errors.Is(err, ErrEntryNotFound) {
				t.Fatalf("advance missing err=%v, want %v", err, ErrEntryNotFound)
			}

			if err := log.Finish(ctx, "tx_1"); err != nil {
				t.Fatalf("finish: %v", err)
			}
			pending, _ = log.Pending(ctx)
			if len(pending) != 0 {
				t.Fatalf("pending after finish=%d, want 0", len(pending))
			}
		})
	}
}

func TestHashBody(t *testing.T) {
	if HashBody([]byte("a")) == HashBody([]byte("b")) {
		t.Fatalf("distinct bodies hash equal")
	}
	if len(HashBody(nil)) != 64 {
		t.Fatalf("hash length=%d, want 64", len(HashBody(nil)))
	}
}
