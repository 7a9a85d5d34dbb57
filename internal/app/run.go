package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/peeklock/internal/broker"
	"github.com/nuetzliches/peeklock/internal/config"
	"github.com/nuetzliches/peeklock/internal/queue"
	"github.com/nuetzliches/peeklock/internal/txlog"
)

const (
	shutdownTimeout = 5 * time.Second
	watchDebounce   = 200 * time.Millisecond
)

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error); overrides observability.log_level")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch config file and reload the queue catalog")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logLevelSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			logLevelSet = true
		}
	})

	baseLogger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(baseLogger)

	if p := strings.TrimSpace(*dotenvPath); p != "" {
		n, err := loadDotenv(p)
		if err != nil {
			baseLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		baseLogger.Info("dotenv_loaded", slog.String("path", p), slog.Int("vars", n))
	}

	releasePIDFile, err := claimPIDFile(*pidFile)
	if err != nil {
		baseLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	compiled, err := loadCompiled(*configPath, baseLogger)
	if err != nil {
		baseLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	baseLogger.Info("config_ok", slog.Int("queues", len(compiled.Queues)))

	obs := compiled.Observability
	runtimeLogger := baseLogger
	var logCloser io.Closer
	switch {
	case obs.LogDisabled && !logLevelSet:
		runtimeLogger = newDiscardLogger()
	default:
		level := obs.LogLevel
		if logLevelSet || level == "" {
			level = *logLevel
		}
		l, closer, err := newLoggerToSink(level, obs.LogOutput, obs.LogPath)
		if err != nil {
			baseLogger.Error("runtime_log_failed", slog.Any("err", err))
			return 1
		}
		runtimeLogger = l
		logCloser = closer
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(runtimeLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, *configPath, *watch, compiled, runtimeLogger); err != nil {
		runtimeLogger.Error("run_failed", slog.Any("err", err))
		return 1
	}
	return 0
}

// runDaemon opens the store, resolves interrupted moves, and serves until
// ctx is done or a component fails.
func runDaemon(ctx context.Context, configPath string, watch bool, compiled config.Compiled, logger *slog.Logger) error {
	reg := newRegistry()
	appMetrics := newRuntimeMetrics(reg)
	appMetrics.setStarted(time.Now())

	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(broker.NewMetrics(reg)),
	}

	obs := compiled.Observability
	if obs.TracingEnabled {
		tp, err := initTracing(ctx, obs, func(err error) {
			appMetrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			appMetrics.incTracingInitFailures()
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
		appMetrics.setTracingEnabled(true)
		opts = append(opts, broker.WithTracer(tp.Tracer(tracerName)))
		logger.Info("tracing_enabled", slog.String("service_name", obs.TracingServiceName))
	}

	store, moveLog, err := openStore(ctx, compiled.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("store_opened", slog.String("backend", compiled.Store.Backend))
	opts = append(opts, broker.WithMoveLog(moveLog))

	catalog, err := compiled.Catalog()
	if err != nil {
		return err
	}
	b := broker.New(store, catalog, opts...)
	reg.MustRegister(newQueueDepthCollector(b, logger))

	n, err := b.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover moves: %w", err)
	}
	appMetrics.addRecovered(n)
	if n > 0 {
		logger.Info("moves_recovered", slog.Int("count", n))
	}

	sweeper := &broker.Sweeper{
		Broker:           b,
		Logger:           logger,
		LockInterval:     compiled.Sweep.LockInterval,
		ScheduleInterval: compiled.Sweep.ScheduleInterval,
		IdleInterval:     compiled.Sweep.IdleInterval,
		RecoverInterval:  compiled.Sweep.RecoverInterval,
	}
	sweeper.Start()
	defer func() {
		if !sweeper.Stop(shutdownTimeout) {
			logger.Warn("sweeper_stop_timeout", slog.Duration("timeout", shutdownTimeout))
		}
	}()

	reloader := &catalogReloader{
		path:    configPath,
		broker:  b,
		running: compiled,
		logger:  logger,
		metrics: appMetrics,
	}

	g, gctx := errgroup.WithContext(ctx)

	if obs.MetricsListen != "" {
		ln, err := net.Listen("tcp", obs.MetricsListen)
		if err != nil {
			return fmt.Errorf("ops listen: %w", err)
		}
		srv := &http.Server{
			Handler:           wrapTracingHandler(obs.TracingEnabled, "ops", newOpsHandler(b, reg, logger)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		logger.Info("ops_listening", slog.String("addr", ln.Addr().String()))
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if watch {
		g.Go(func() error {
			watchConfig(gctx, configPath, logger, func() { reloader.reload("watch") })
			return nil
		})
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hupCh:
				reloader.reload("signal_sighup")
			}
		}
	})

	logger.Info("peeklock_started", slog.Int("queues", len(b.Queues())))
	err = g.Wait()
	logger.Info("peeklock_stopping")
	return err
}

// openStore opens the configured backend and its move log. SQL move logs
// share the store's database.
func openStore(ctx context.Context, cfg config.StoreConfig) (queue.Store, txlog.Log, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryStore(), txlog.NewMemoryLog(), nil
	case "sqlite", "":
		s, err := queue.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		l, err := txlog.NewSQLLog(ctx, s.DB(), txlog.DialectSQLite)
		if err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, l, nil
	case "postgres":
		s, err := queue.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		l, err := txlog.NewSQLLog(ctx, s.DB(), txlog.DialectPostgres)
		if err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, l, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func loadCompiled(path string, logger *slog.Logger) (config.Compiled, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config.Compiled{}, err
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Compiled{}, err
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		return config.Compiled{}, errors.New(config.FormatValidationText(res))
	}
	if logger != nil {
		for _, w := range res.Warnings {
			logger.Warn("config_warning", slog.String("warning", w))
		}
	}
	return compiled, nil
}

// catalogReloader applies queue catalog changes from the config file. Any
// other change needs a restart and leaves the running config in place.
type catalogReloader struct {
	mu      sync.Mutex
	path    string
	broker  *broker.Broker
	running config.Compiled
	logger  *slog.Logger
	metrics *runtimeMetrics
}

func (r *catalogReloader) reload(trigger string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	compiled, err := loadCompiled(r.path, r.logger)
	if err != nil {
		r.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		r.metrics.observeReload("failed")
		return false
	}
	if sections := restartRequiredSections(compiled, r.running); len(sections) > 0 {
		r.logger.Warn("config_reloaded_restart_required",
			slog.String("trigger", trigger),
			slog.String("sections", strings.Join(sections, ",")),
		)
		r.metrics.observeReload("restart_required")
		return false
	}
	catalog, err := compiled.Catalog()
	if err != nil {
		r.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		r.metrics.observeReload("failed")
		return false
	}

	r.broker.SetCatalog(catalog)
	r.running = compiled
	r.logger.Info("config_reloaded_ok", slog.String("trigger", trigger), slog.Int("queues", len(compiled.Queues)))
	r.metrics.observeReload("ok")
	return true
}

// restartRequiredSections lists the config sections that differ and cannot
// be applied to a running broker.
func restartRequiredSections(next, running config.Compiled) []string {
	var out []string
	if next.Store != running.Store {
		out = append(out, "store")
	}
	if next.Sweep != running.Sweep {
		out = append(out, "sweep")
	}
	if !reflect.DeepEqual(next.Observability, running.Observability) {
		out = append(out, "observability")
	}
	return out
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	// Editors replace the file by rename, so the directory is watched.
	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(watchDebounce)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
