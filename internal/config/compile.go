package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/peeklock/internal/broker"
	"github.com/nuetzliches/peeklock/internal/queue"
)

const (
	defaultStorePath        = ".data/peeklock.db"
	defaultLockInterval     = time.Second
	defaultScheduleInterval = time.Second
	defaultIdleInterval     = 30 * time.Second
	defaultRecoverInterval  = time.Minute
	defaultServiceName      = "peeklock"

	maxDeliveryCountLimit = 10000
	maxMessageSizeLimit   = 100 << 20
)

type Compiled struct {
	Store         StoreConfig
	Sweep         SweepConfig
	Observability ObservabilityConfig
	Queues        []queue.Config
}

// Catalog builds the broker catalog of the compiled queues.
func (c Compiled) Catalog() (*broker.Catalog, error) {
	return broker.NewCatalog(c.Queues...)
}

type StoreConfig struct {
	// Backend is memory, sqlite or postgres.
	Backend string
	Path    string
	DSN     string
}

// SweepConfig holds the background loop intervals; zero disables a loop.
type SweepConfig struct {
	LockInterval     time.Duration
	ScheduleInterval time.Duration
	IdleInterval     time.Duration
	RecoverInterval  time.Duration
}

type ObservabilityConfig struct {
	LogLevel           string
	LogDisabled        bool
	LogOutput          string
	LogPath            string
	MetricsListen      string
	TracingEnabled     bool
	TracingCollector   string
	TracingURLPath     string
	TracingCompression string
	TracingInsecure    bool
	TracingTimeout     time.Duration
	TracingTimeoutSet  bool
	TracingServiceName string
	TracingHeaders     []TracingHeaderConfig
}

type TracingHeaderConfig struct {
	Name  string
	Value string
}

func Compile(cfg *Config) (Compiled, ValidationResult) {
	res := ValidationResult{OK: true}
	if cfg == nil {
		res.OK = false
		res.errorf("nil config")
		return Compiled{}, res
	}

	out := Compiled{
		Store:         compileStore(cfg.Store, &res),
		Sweep:         compileSweep(cfg.Sweep, &res),
		Observability: compileObservability(cfg.Observability, &res),
	}

	base := compileLimits(cfg.Limits, &res)
	for _, qb := range cfg.Queues {
		if q, ok := compileQueue(qb, base, &res); ok {
			out.Queues = append(out.Queues, q)
		}
	}
	if len(out.Queues) == 0 {
		res.warnf("no queues declared")
	}
	if len(res.Errors) == 0 {
		if _, err := out.Catalog(); err != nil {
			res.errorf("%v", err)
		}
	}

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileStore(in *StoreBlock, res *ValidationResult) StoreConfig {
	out := StoreConfig{Backend: "sqlite", Path: defaultStorePath}
	if in == nil {
		return out
	}
	if in.Backend.Set {
		raw := strings.ToLower(strings.TrimSpace(resolveValue(in.Backend.Text, "store.backend", res)))
		switch raw {
		case "memory", "sqlite", "postgres":
			out.Backend = raw
		default:
			res.errorf("store.backend must be memory|sqlite|postgres")
		}
	}
	if in.Path.Set {
		out.Path = strings.TrimSpace(resolveValue(in.Path.Text, "store.path", res))
		if out.Path == "" {
			res.errorf("store.path must not be empty")
		}
		if out.Backend != "sqlite" {
			res.errorf("store.path requires backend sqlite")
		}
	}
	if in.DSN.Set {
		out.DSN = strings.TrimSpace(resolveValue(in.DSN.Text, "store.dsn", res))
		if out.Backend != "postgres" {
			res.errorf("store.dsn requires backend postgres")
		}
	}
	if out.Backend == "postgres" && out.DSN == "" {
		res.errorf("store.dsn is required when backend is postgres")
	}
	if out.Backend != "sqlite" {
		out.Path = ""
	}
	return out
}

func compileSweep(in *SweepBlock, res *ValidationResult) SweepConfig {
	out := SweepConfig{
		LockInterval:     defaultLockInterval,
		ScheduleInterval: defaultScheduleInterval,
		IdleInterval:     defaultIdleInterval,
		RecoverInterval:  defaultRecoverInterval,
	}
	if in == nil {
		return out
	}
	interval := func(v Value, field string, dst *time.Duration) {
		if !v.Set {
			return
		}
		d, off, err := parseDurationValue(resolveValue(v.Text, field, res))
		if err != nil {
			res.errorf("%s %v", field, err)
			return
		}
		if off {
			*dst = 0
			return
		}
		*dst = d
	}
	interval(in.LockInterval, "sweep.lock_interval", &out.LockInterval)
	interval(in.ScheduleInterval, "sweep.schedule_interval", &out.ScheduleInterval)
	interval(in.IdleInterval, "sweep.idle_interval", &out.IdleInterval)
	interval(in.RecoverInterval, "sweep.recover_interval", &out.RecoverInterval)
	return out
}

func compileObservability(in *ObservabilityBlock, res *ValidationResult) ObservabilityConfig {
	out := ObservabilityConfig{
		LogLevel:           "info",
		LogOutput:          "stderr",
		TracingServiceName: defaultServiceName,
	}
	if in == nil {
		return out
	}

	if in.LogLevel.Set {
		level, disabled, ok := compileLogLevel(resolveValue(in.LogLevel.Text, "observability.log_level", res))
		if !ok {
			res.errorf("observability.log_level must be debug|info|warn|error|off")
		} else {
			out.LogLevel = level
			out.LogDisabled = disabled
		}
	}
	out.LogOutput, out.LogPath = compileLogSink("observability", in.LogOutput, in.LogPath, res)

	if in.MetricsListen.Set {
		out.MetricsListen = strings.TrimSpace(resolveValue(in.MetricsListen.Text, "observability.metrics_listen", res))
		if out.MetricsListen == "" {
			res.errorf("observability.metrics_listen must not be empty")
		}
	}

	if t := in.Tracing; t != nil {
		compileTracing(t, &out, res)
	}
	return out
}

func compileTracing(t *TracingBlock, out *ObservabilityConfig, res *ValidationResult) {
	if t.Enabled.Set {
		v, ok := parseBoolValue(resolveValue(t.Enabled.Text, "observability.tracing.enabled", res))
		if !ok {
			res.errorf("observability.tracing.enabled must be on|off|true|false|1|0")
		}
		out.TracingEnabled = v
	} else if !t.shorthand {
		// A tracing block without `enabled` means on.
		out.TracingEnabled = true
	}
	if t.Collector.Set {
		out.TracingCollector = strings.TrimSpace(resolveValue(t.Collector.Text, "observability.tracing.collector", res))
		if out.TracingCollector == "" {
			res.errorf("observability.tracing.collector must not be empty")
		} else if !strings.HasPrefix(out.TracingCollector, "http://") && !strings.HasPrefix(out.TracingCollector, "https://") {
			res.errorf("observability.tracing.collector must be an http(s) URL")
		}
	}
	if t.URLPath.Set {
		out.TracingURLPath = strings.TrimSpace(resolveValue(t.URLPath.Text, "observability.tracing.url_path", res))
		if !strings.HasPrefix(out.TracingURLPath, "/") {
			res.errorf("observability.tracing.url_path must start with '/'")
		}
	}
	if t.Compression.Set {
		raw := strings.ToLower(strings.TrimSpace(resolveValue(t.Compression.Text, "observability.tracing.compression", res)))
		switch raw {
		case "gzip", "none":
			out.TracingCompression = raw
		default:
			res.errorf("observability.tracing.compression must be gzip|none")
		}
	}
	if t.Timeout.Set {
		d, off, err := parseDurationValue(resolveValue(t.Timeout.Text, "observability.tracing.timeout", res))
		switch {
		case err != nil:
			res.errorf("observability.tracing.timeout %v", err)
		case off:
			res.errorf("observability.tracing.timeout must be positive")
		default:
			out.TracingTimeout = d
			out.TracingTimeoutSet = true
		}
	}
	if t.Insecure.Set {
		v, ok := parseBoolValue(resolveValue(t.Insecure.Text, "observability.tracing.insecure", res))
		if !ok {
			res.errorf("observability.tracing.insecure must be on|off|true|false|1|0")
		}
		out.TracingInsecure = v
	}
	if t.ServiceName.Set {
		name := strings.TrimSpace(resolveValue(t.ServiceName.Text, "observability.tracing.service_name", res))
		if name == "" {
			res.errorf("observability.tracing.service_name must not be empty")
		} else {
			out.TracingServiceName = name
		}
	}
	for i, h := range t.Headers {
		field := fmt.Sprintf("observability.tracing.header[%d]", i)
		name := strings.TrimSpace(resolveValue(h.Name.Text, field, res))
		if name == "" {
			res.errorf("%s name must not be empty", field)
			continue
		}
		out.TracingHeaders = append(out.TracingHeaders, TracingHeaderConfig{
			Name:  name,
			Value: resolveValue(h.Value.Text, field, res),
		})
	}
	if !out.TracingEnabled && (t.Collector.Set || len(t.Headers) > 0) {
		res.warnf("observability.tracing is disabled; collector settings are ignored")
	}
}

func compileLogLevel(raw string) (level string, disabled bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", false, false
	case "off":
		return "", true, true
	case "warning":
		return "warn", false, true
	case "debug", "info", "warn", "error":
		return strings.ToLower(strings.TrimSpace(raw)), false, true
	default:
		return "", false, false
	}
}

func compileLogSink(prefix string, outputV, pathV Value, res *ValidationResult) (output string, path string) {
	output = "stderr"
	if outputV.Set {
		raw := strings.ToLower(strings.TrimSpace(resolveValue(outputV.Text, prefix+".log_output", res)))
		switch raw {
		case "":
			res.errorf("%s.log_output must not be empty", prefix)
		case "stdout", "stderr", "file":
			output = raw
		default:
			res.errorf("%s.log_output must be stdout|stderr|file", prefix)
		}
	}
	if pathV.Set {
		path = strings.TrimSpace(resolveValue(pathV.Text, prefix+".log_path", res))
		if path == "" {
			res.errorf("%s.log_path must not be empty", prefix)
		}
	}
	if output == "file" {
		if path == "" && !pathV.Set {
			res.errorf("%s.log_path is required when log_output is file", prefix)
		}
	} else if pathV.Set {
		res.errorf("%s.log_path requires log_output file", prefix)
	}
	return output, path
}

// queueLimits are the per-queue values a limits block can default.
type queueLimits struct {
	maxMessageSize   int
	maxDeliveryCount int
	lockDuration     time.Duration
}

func compileLimits(in *LimitsBlock, res *ValidationResult) queueLimits {
	out := queueLimits{
		maxMessageSize:   queue.DefaultMaxMessageSize,
		maxDeliveryCount: queue.DefaultMaxDeliveryCount,
		lockDuration:     queue.DefaultLockDuration,
	}
	if in == nil {
		return out
	}
	if in.MaxMessageSize.Set {
		if n, ok := compileByteSize(in.MaxMessageSize, "limits.max_message_size", res); ok {
			out.maxMessageSize = n
		}
	}
	if in.MaxDeliveryCount.Set {
		if n, ok := compileDeliveryCount(in.MaxDeliveryCount, "limits.max_delivery_count", res); ok {
			out.maxDeliveryCount = n
		}
	}
	if in.LockDuration.Set {
		if d, ok := compilePositiveDuration(in.LockDuration, "limits.lock_duration", res); ok {
			out.lockDuration = d
		}
	}
	return out
}

func compileQueue(in QueueBlock, base queueLimits, res *ValidationResult) (queue.Config, bool) {
	name := strings.TrimSpace(resolveValue(in.Name.Text, "queue name", res))
	if name == "" {
		res.errorf("queue name must not be empty")
		return queue.Config{}, false
	}
	if strings.Contains(name, "/") {
		res.errorf("queue %q: name must not contain '/'", name)
		return queue.Config{}, false
	}
	prefix := "queue " + strconv.Quote(name)
	errsBefore := len(res.Errors)

	out := queue.Config{
		Name:             name,
		MaxDeliveryCount: base.maxDeliveryCount,
		LockDuration:     base.lockDuration,
		MaxMessageSize:   base.maxMessageSize,
	}
	if in.MaxDeliveryCount.Set {
		if n, ok := compileDeliveryCount(in.MaxDeliveryCount, prefix+".max_delivery_count", res); ok {
			out.MaxDeliveryCount = n
		}
	}
	if in.LockDuration.Set {
		if d, ok := compilePositiveDuration(in.LockDuration, prefix+".lock_duration", res); ok {
			out.LockDuration = d
		}
	}
	if in.MaxMessageSize.Set {
		if n, ok := compileByteSize(in.MaxMessageSize, prefix+".max_message_size", res); ok {
			out.MaxMessageSize = n
		}
	}
	if in.ForwardTo.Set {
		out.ForwardTo = strings.TrimSpace(resolveValue(in.ForwardTo.Text, prefix+".forward_to", res))
		if out.ForwardTo == "" {
			res.errorf("%s.forward_to must not be empty", prefix)
		}
	}
	if in.AutoDeleteOnIdle.Set {
		d, off, err := parseDurationValue(resolveValue(in.AutoDeleteOnIdle.Text, prefix+".auto_delete_on_idle", res))
		if err != nil {
			res.errorf("%s.auto_delete_on_idle %v", prefix, err)
		} else if !off {
			out.AutoDeleteOnIdle = d
		}
	}
	if in.RequiresSession.Set {
		v, ok := parseBoolValue(resolveValue(in.RequiresSession.Text, prefix+".requires_session", res))
		if !ok {
			res.errorf("%s.requires_session must be on|off|true|false|1|0", prefix)
		}
		out.RequiresSession = v
	}
	return out, len(res.Errors) == errsBefore
}

func compileDeliveryCount(v Value, field string, res *ValidationResult) (int, bool) {
	raw := strings.TrimSpace(resolveValue(v.Text, field, res))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxDeliveryCountLimit {
		res.errorf("%s must be an integer in range 1..%d", field, maxDeliveryCountLimit)
		return 0, false
	}
	return n, true
}

func compilePositiveDuration(v Value, field string, res *ValidationResult) (time.Duration, bool) {
	d, off, err := parseDurationValue(resolveValue(v.Text, field, res))
	if err != nil {
		res.errorf("%s %v", field, err)
		return 0, false
	}
	if off || d <= 0 {
		res.errorf("%s must be positive", field)
		return 0, false
	}
	return d, true
}

func compileByteSize(v Value, field string, res *ValidationResult) (int, bool) {
	n, err := parseByteSize(resolveValue(v.Text, field, res))
	if err != nil {
		res.errorf("%s %v", field, err)
		return 0, false
	}
	if n > maxMessageSizeLimit {
		res.errorf("%s must not exceed 100mb", field)
		return 0, false
	}
	return int(n), true
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, true
	case "0", "false", "off":
		return false, true
	default:
		return false, false
	}
}

// parseDurationValue accepts Go durations plus a `d` day suffix. "off" and
// "0" report off.
func parseDurationValue(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, true, nil
	}

	lower := strings.ToLower(raw)
	if strings.HasSuffix(lower, "d") {
		num := strings.TrimSuffix(lower, "d")
		v, err := strconv.Atoi(num)
		if num == "" || err != nil || v < 0 {
			return 0, false, fmt.Errorf("must be a duration like 30s, 5m, 7d, or off")
		}
		return time.Duration(v) * 24 * time.Hour, false, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration like 30s, 5m, 7d, or off")
	}
	if d < 0 {
		return 0, false, fmt.Errorf("must be a non-negative duration")
	}
	return d, false, nil
}

func parseByteSize(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("must not be empty")
	}

	lower := strings.ToLower(raw)
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10}, {"mb", 1 << 20}, {"gb", 1 << 30},
		{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(lower, unit.suffix) {
			mult = unit.mult
			lower = strings.TrimSuffix(lower, unit.suffix)
			break
		}
	}

	v, err := strconv.ParseInt(strings.TrimSpace(lower), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("must be a positive size like 64kb or 2mb")
	}
	size := v * mult
	if size <= 0 || size/mult != v {
		return 0, fmt.Errorf("must be a positive size like 64kb or 2mb")
	}
	return size, nil
}
