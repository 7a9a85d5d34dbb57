package broker

import (
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/peeklock/internal/queue"
)

func TestNewCatalog_Defaults(t *testing.T) {
	c, err := NewCatalog(queue.Config{Name: " orders "})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	cfg, ok := c.Lookup("orders")
	if !ok {
		t.Fatalf("orders not found")
	}
	if cfg.MaxDeliveryCount != queue.DefaultMaxDeliveryCount {
		t.Fatalf("max_delivery_count=%d", cfg.MaxDeliveryCount)
	}
	if cfg.LockDuration != queue.DefaultLockDuration {
		t.Fatalf("lock_duration=%s", cfg.LockDuration)
	}
	if cfg.MaxMessageSize != queue.DefaultMaxMessageSize {
		t.Fatalf("max_message_size=%d", cfg.MaxMessageSize)
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	cases := []struct {
		name string
		cfgs []queue.Config
		want string
	}{
		{
			name: "empty name",
			cfgs: []queue.Config{{Name: "  "}},
			want: "must not be empty",
		},
		{
			name: "slash in name",
			cfgs: []queue.Config{{Name: "a/b"}},
			want: "must not contain",
		},
		{
			name: "duplicate",
			cfgs: []queue.Config{{Name: "a"}, {Name: "a"}},
			want: "declared twice",
		},
		{
			name: "undeclared target",
			cfgs: []queue.Config{{Name: "a", ForwardTo: "b"}},
			want: "not declared",
		},
		{
			name: "loop",
			cfgs: []queue.Config{{Name: "a", ForwardTo: "b"}, {Name: "b", ForwardTo: "a"}},
			want: "loop",
		},
		{
			name: "self loop",
			cfgs: []queue.Config{{Name: "a", ForwardTo: "a"}},
			want: "loop",
		},
		{
			name: "too many hops",
			cfgs: []queue.Config{
				{Name: "q0", ForwardTo: "q1"},
				{Name: "q1", ForwardTo: "q2"},
				{Name: "q2", ForwardTo: "q3"},
				{Name: "q3", ForwardTo: "q4"},
				{Name: "q4", ForwardTo: "q5"},
				{Name: "q5"},
			},
			want: "exceeds",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(tc.cfgs...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err, tc.want)
			}
		})
	}
}

func TestNewCatalog_FourHopsAllowed(t *testing.T) {
	c, err := NewCatalog(
		queue.Config{Name: "q0", ForwardTo: "q1"},
		queue.Config{Name: "q1", ForwardTo: "q2"},
		queue.Config{Name: "q2", ForwardTo: "q3"},
		queue.Config{Name: "q3", ForwardTo: "q4"},
		queue.Config{Name: "q4", LockDuration: 5 * time.Second},
	)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	if got := c.Names(); len(got) != 5 || got[0] != "q0" || got[4] != "q4" {
		t.Fatalf("names=%v", got)
	}
}
