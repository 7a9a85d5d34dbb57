package broker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nuetzliches/peeklock/internal/queue"
)

// maxForwardHops bounds auto-forwarding chains.
const maxForwardHops = 4

// Catalog is the read-only set of declared queues.
type Catalog struct {
	queues map[string]queue.Config
}

// NewCatalog validates cfgs and fills defaults. Forward targets must be
// declared, chains may not loop and may not exceed maxForwardHops.
func NewCatalog(cfgs ...queue.Config) (*Catalog, error) {
	c := &Catalog{queues: make(map[string]queue.Config, len(cfgs))}
	for _, cfg := range cfgs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			return nil, fmt.Errorf("queue name must not be empty")
		}
		if strings.Contains(name, "/") {
			return nil, fmt.Errorf("queue %q: name must not contain '/'", name)
		}
		if _, dup := c.queues[name]; dup {
			return nil, fmt.Errorf("queue %q declared twice", name)
		}
		cfg.Name = name
		cfg.ForwardTo = strings.TrimSpace(cfg.ForwardTo)
		c.queues[name] = cfg.WithDefaults()
	}
	for _, name := range c.Names() {
		if err := c.checkForwardChain(name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) checkForwardChain(name string) error {
	seen := map[string]struct{}{name: {}}
	cur := c.queues[name]
	for hops := 0; cur.ForwardTo != ""; hops++ {
		if hops >= maxForwardHops {
			return fmt.Errorf("queue %q: forwarding chain exceeds %d hops", name, maxForwardHops)
		}
		next, ok := c.queues[cur.ForwardTo]
		if !ok {
			return fmt.Errorf("queue %q: forward_to %q is not declared", cur.Name, cur.ForwardTo)
		}
		if _, loop := seen[next.Name]; loop {
			return fmt.Errorf("queue %q: forwarding loop through %q", name, next.Name)
		}
		seen[next.Name] = struct{}{}
		cur = next
	}
	return nil
}

func (c *Catalog) Lookup(name string) (queue.Config, bool) {
	if c == nil {
		return queue.Config{}, false
	}
	cfg, ok := c.queues[name]
	return cfg, ok
}

// Names returns the declared queue names in sorted order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.queues))
	for name := range c.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
