package config

import (
	"bytes"
	"fmt"
	"strings"
)

func format(cfg *Config) ([]byte, error) {
	var b bytes.Buffer

	for _, c := range cfg.Preamble {
		line := strings.TrimRight(c, "\r\n")
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var sections []func(*bytes.Buffer)
	if cfg.Store != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeStoreBlock(b, cfg.Store) })
	}
	if cfg.Limits != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeLimitsBlock(b, cfg.Limits) })
	}
	if cfg.Sweep != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeSweepBlock(b, cfg.Sweep) })
	}
	if cfg.Observability != nil {
		sections = append(sections, func(b *bytes.Buffer) { writeObservabilityBlock(b, cfg.Observability) })
	}
	for _, q := range cfg.Queues {
		q := q
		sections = append(sections, func(b *bytes.Buffer) { writeQueueBlock(b, q) })
	}

	for i, write := range sections {
		if i > 0 || len(cfg.Preamble) > 0 {
			b.WriteByte('\n')
		}
		write(&b)
	}
	return b.Bytes(), nil
}

// writeDirective writes `name value` when v was present in the input.
func writeDirective(b *bytes.Buffer, indent, name string, v Value) {
	if !v.Set {
		return
	}
	fmt.Fprintf(b, "%s%s %s\n", indent, name, formatValue(v.Text, v.Quoted))
}

func writeStoreBlock(b *bytes.Buffer, s *StoreBlock) {
	b.WriteString("store {\n")
	writeDirective(b, "  ", "backend", s.Backend)
	writeDirective(b, "  ", "path", s.Path)
	writeDirective(b, "  ", "dsn", s.DSN)
	b.WriteString("}\n")
}

func writeLimitsBlock(b *bytes.Buffer, l *LimitsBlock) {
	b.WriteString("limits {\n")
	writeDirective(b, "  ", "max_message_size", l.MaxMessageSize)
	writeDirective(b, "  ", "max_delivery_count", l.MaxDeliveryCount)
	writeDirective(b, "  ", "lock_duration", l.LockDuration)
	b.WriteString("}\n")
}

func writeSweepBlock(b *bytes.Buffer, s *SweepBlock) {
	b.WriteString("sweep {\n")
	writeDirective(b, "  ", "lock_interval", s.LockInterval)
	writeDirective(b, "  ", "schedule_interval", s.ScheduleInterval)
	writeDirective(b, "  ", "idle_interval", s.IdleInterval)
	writeDirective(b, "  ", "recover_interval", s.RecoverInterval)
	b.WriteString("}\n")
}

func writeObservabilityBlock(b *bytes.Buffer, o *ObservabilityBlock) {
	b.WriteString("observability {\n")
	writeDirective(b, "  ", "log_level", o.LogLevel)
	writeDirective(b, "  ", "log_output", o.LogOutput)
	writeDirective(b, "  ", "log_path", o.LogPath)
	writeDirective(b, "  ", "metrics_listen", o.MetricsListen)
	if o.Tracing != nil {
		writeTracingBlock(b, o.Tracing)
	}
	b.WriteString("}\n")
}

func writeTracingBlock(b *bytes.Buffer, t *TracingBlock) {
	if t.shorthand {
		writeDirective(b, "  ", "tracing", t.Enabled)
		return
	}
	b.WriteString("  tracing {\n")
	writeDirective(b, "    ", "enabled", t.Enabled)
	writeDirective(b, "    ", "collector", t.Collector)
	writeDirective(b, "    ", "url_path", t.URLPath)
	writeDirective(b, "    ", "compression", t.Compression)
	writeDirective(b, "    ", "timeout", t.Timeout)
	writeDirective(b, "    ", "insecure", t.Insecure)
	writeDirective(b, "    ", "service_name", t.ServiceName)
	for _, h := range t.Headers {
		fmt.Fprintf(b, "    header %s %s\n",
			formatValue(h.Name.Text, h.Name.Quoted),
			formatValue(h.Value.Text, h.Value.Quoted),
		)
	}
	b.WriteString("  }\n")
}

func writeQueueBlock(b *bytes.Buffer, q QueueBlock) {
	fields := []struct {
		name string
		v    Value
	}{
		{"max_delivery_count", q.MaxDeliveryCount},
		{"lock_duration", q.LockDuration},
		{"forward_to", q.ForwardTo},
		{"auto_delete_on_idle", q.AutoDeleteOnIdle},
		{"requires_session", q.RequiresSession},
		{"max_message_size", q.MaxMessageSize},
	}
	name := formatValue(q.Name.Text, q.Name.Quoted)

	empty := true
	for _, f := range fields {
		if f.v.Set {
			empty = false
			break
		}
	}
	if empty {
		fmt.Fprintf(b, "queue %s\n", name)
		return
	}

	fmt.Fprintf(b, "queue %s {\n", name)
	for _, f := range fields {
		writeDirective(b, "  ", f.name, f.v)
	}
	b.WriteString("}\n")
}

func formatValue(val string, quoted bool) string {
	if quoted {
		return quoteString(val)
	}
	if isUnquotedValueSafe(val) {
		return val
	}
	return quoteString(val)
}

func isUnquotedValueSafe(val string) bool {
	if val == "" {
		return false
	}
	if strings.HasPrefix(val, "{") && strings.HasSuffix(val, "}") && !strings.ContainsAny(val, " \t\r\n") {
		return true
	}
	for _, r := range val {
		switch r {
		case ' ', '\t', '\n', '\r', '{', '}', '"', '#':
			return false
		}
	}
	return true
}

func quoteString(s string) string {
	var out strings.Builder
	out.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			out.WriteString(`\\`)
		case '"':
			out.WriteString(`\"`)
		case '\n':
			out.WriteString(`\n`)
		case '\t':
			out.WriteString(`\t`)
		case '\r':
			out.WriteString(`\r`)
		default:
			out.WriteRune(r)
		}
	}
	out.WriteByte('"')
	return out.String()
}
