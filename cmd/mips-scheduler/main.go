// Command mips-scheduler runs the control-panel workflows against the MIPS
// device-management API, either once or on a cron schedule.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/config"
	"github.com/Sternrassler/mips-scheduler/pkg/logging"
	"github.com/Sternrassler/mips-scheduler/pkg/metrics"
	"github.com/Sternrassler/mips-scheduler/pkg/mips"
	"github.com/Sternrassler/mips-scheduler/pkg/schedule"
	"github.com/Sternrassler/mips-scheduler/pkg/sink"
	"github.com/Sternrassler/mips-scheduler/pkg/telegram"
	"github.com/Sternrassler/mips-scheduler/pkg/workflow"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	serviceName     = "mips-scheduler"
	logQueueSize    = 100
	shutdownTimeout = 30 * time.Second
)

func main() {
	var configDir string
	var once bool
	flag.StringVar(&configDir, "config", "./config", "directory holding <ENV>.yaml")
	flag.BoolVar(&once, "once", false, "run due workflows once and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, once); err != nil {
		log.Error().Err(err).Msg("Scheduler failed")
		os.Exit(1)
	}
}

// run wires the components and blocks until the single run completes or,
// in cron mode, until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, once bool) error {
	logCfg := logging.Config{
		Level:   logging.LogLevel(cfg.Logging.Level),
		Pretty:  cfg.Logging.Pretty,
		Output:  os.Stderr,
		Service: serviceName,
	}

	var gateway *telegram.Gateway
	if cfg.Telegram.Enabled() {
		g, err := telegram.New(telegram.Config{
			Token:      cfg.Telegram.BotSecret,
			ChatID:     cfg.Telegram.ChatID,
			LogChatID:  cfg.Telegram.LogChatID,
			Timeout:    cfg.Telegram.Timeout,
			RatePerSec: cfg.Telegram.RatePerSec,
			APIURL:     cfg.Telegram.APIURL,
		})
		if err != nil {
			return err
		}
		gateway = g

		if cfg.Telegram.LogLevel != "" {
			lw := telegram.NewLogWriter(gateway, logging.ParseLevel(cfg.Telegram.LogLevel), logQueueSize)
			defer lw.Close()
			logCfg.Forward = []io.Writer{lw}
		}
	}
	logger := logging.Setup(logCfg).With().Str("component", "main").Logger()
	logger.Info().Str("env", cfg.Env).Bool("shadow_mode", cfg.MIPS.ShadowMode).Msg("Starting scheduler")

	mipsClient, err := mips.New(mips.Config{
		BaseURL:    cfg.MIPS.BaseURL,
		User:       cfg.MIPS.User,
		Password:   cfg.MIPS.Password,
		Timeout:    cfg.MIPS.Timeout,
		Dispatch:   cfg.MIPS.Dispatch,
		Workers:    cfg.MIPS.Workers,
		ShadowMode: cfg.MIPS.ShadowMode,
	})
	if err != nil {
		return err
	}
	defer mipsClient.Close()

	sinks, closeSinks, err := newSink(ctx, cfg.Sink)
	if err != nil {
		return err
	}
	defer closeSinks()

	appCfg := workflow.Config{
		Source:          schedule.FileSource{Path: cfg.Schedule.Path},
		Devices:         mipsClient,
		Sink:            sinks,
		WorkflowTimeout: cfg.Schedule.WorkflowTimeout,
	}
	if gateway != nil {
		appCfg.Notifier = gateway
	}
	app, err := workflow.New(appCfg)
	if err != nil {
		return err
	}

	state := &runState{}

	if once || cfg.Schedule.Cron == "" {
		return runOnce(ctx, app, state, logger)
	}

	c, err := newCron(cfg.Schedule.Cron, logger, func() {
		_ = runOnce(ctx, app, state, logger)
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           newMux(state),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("Serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	c.Start()
	logger.Info().Str("cron", cfg.Schedule.Cron).Msg("Scheduler started")
	notifySystemd(logger, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error().Err(err).Msg("Health server failed")
	}

	notifySystemd(logger, daemon.SdNotifyStopping)
	logger.Info().Msg("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	select {
	case <-c.Stop().Done():
	case <-stopCtx.Done():
		logger.Warn().Msg("Running workflows did not finish before shutdown timeout")
	}
	if shutdownErr := srv.Shutdown(stopCtx); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("Health server shutdown")
	}
	return err
}

// runOnce executes the due workflows and records the outcome for /health.
func runOnce(ctx context.Context, app *workflow.App, state *runState, logger zerolog.Logger) error {
	start := time.Now()
	summary, err := app.ExecuteTasks(ctx)
	state.record(start, summary, err)

	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err)
	}
	ev.Str("run_id", summary.RunID).
		Int("due", summary.Due).
		Int("failed", summary.Failed()).
		Dur("elapsed", time.Since(start)).
		Msg("Run finished")
	return err
}

func newSink(ctx context.Context, cfg config.Sink) (sink.Sink, func(), error) {
	sinks := sink.Multi{sink.NewLogSink()}
	if cfg.RedisAddr == "" {
		return sinks, func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}
	sinks = append(sinks, sink.NewRedisSink(redisClient, cfg.StreamPrefix, cfg.Tables))
	return sinks, func() { _ = redisClient.Close() }, nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// newCron schedules job in UTC, the zone hours_to_run is expressed in. A run
// still in progress when the next one fires causes that one to be skipped.
func newCron(spec string, logger zerolog.Logger, job func()) (*cron.Cron, error) {
	cl := cronLogger{logger: logger.With().Str("component", "cron").Logger()}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, fmt.Errorf("schedule.cron %q: %w", spec, err)
	}
	return c, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

func notifySystemd(logger zerolog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Msg("sd_notify failed")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("Notified systemd")
	}
}

// runState is the last run outcome reported by /health.
type runState struct {
	mu      sync.Mutex
	started time.Time
	runID   string
	due     int
	failed  int
	err     error
}

func (s *runState) record(start time.Time, summary workflow.Summary, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = start
	s.runID = summary.RunID
	s.due = summary.Due
	s.failed = summary.Failed()
	s.err = err
}

type healthResponse struct {
	Status  string `json:"status"`
	LastRun string `json:"last_run,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Due     int    `json:"due"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

func (s *runState) snapshot() healthResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := healthResponse{Status: "ok", RunID: s.runID, Due: s.due, Failed: s.failed}
	if !s.started.IsZero() {
		resp.LastRun = s.started.UTC().Format(mips.TimestampLayout)
	}
	if s.err != nil {
		// The process stays up; the next run may succeed.
		resp.Status = "degraded"
		resp.Error = s.err.Error()
	}
	return resp
}

func healthHandler(state *runState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(state.snapshot()); err != nil {
			log.Error().Err(err).Msg("Failed to write health response")
		}
	}
}

func newMux(state *runState) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(state))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
