// cctelegram-mcp is the MCP server bridging coding agents to Telegram: it
// speaks JSON-RPC over stdio, persists notification events into the drop-zone
// consumed by the external bridge process, and reads user responses back.
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/alerting"
	"github.com/cctelegram/mcp-bridge/internal/bridge"
	"github.com/cctelegram/mcp-bridge/internal/bufpool"
	"github.com/cctelegram/mcp-bridge/internal/buildinfo"
	"github.com/cctelegram/mcp-bridge/internal/bus"
	"github.com/cctelegram/mcp-bridge/internal/config"
	"github.com/cctelegram/mcp-bridge/internal/dispatch"
	"github.com/cctelegram/mcp-bridge/internal/events"
	"github.com/cctelegram/mcp-bridge/internal/fsbatch"
	"github.com/cctelegram/mcp-bridge/internal/health"
	"github.com/cctelegram/mcp-bridge/internal/httppool"
	"github.com/cctelegram/mcp-bridge/internal/logging"
	"github.com/cctelegram/mcp-bridge/internal/mcpserver"
	"github.com/cctelegram/mcp-bridge/internal/metrics"
	"github.com/cctelegram/mcp-bridge/internal/obs"
	"github.com/cctelegram/mcp-bridge/internal/ratelimit"
	"github.com/cctelegram/mcp-bridge/internal/resilience"
	"github.com/cctelegram/mcp-bridge/internal/responses"
	"github.com/cctelegram/mcp-bridge/internal/security"
	"github.com/cctelegram/mcp-bridge/internal/tasks"
	"github.com/cctelegram/mcp-bridge/internal/tracing"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cctelegram-mcp " + buildinfo.Short())
		return 0
	}

	// A local .env is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 2
	}

	// Logs go to stderr; stdout belongs to the MCP protocol.
	logger, err := logging.New(logging.Config{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Secure:         cfg.Logging.Secure,
		Service:        "cctelegram-mcp",
		Version:        buildinfo.Version,
		Environment:    cfg.Server.Env,
		RedactPatterns:       cfg.Logging.RedactRegexes,
		RedactKeys:           cfg.Logging.RedactKeys,
		AggregationWindow:    cfg.Logging.AggWindowS,
		AggregationThreshold: cfg.Logging.AggThreshold,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting",
		zap.String("version", buildinfo.Short()),
		zap.String("events_dir", cfg.Paths.EventsDir),
		zap.String("responses_dir", cfg.Paths.ResponsesDir))

	for _, dir := range []string{cfg.Paths.EventsDir, cfg.Paths.ResponsesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error(ctx, "create drop-zone directory", zap.String("dir", dir), zap.Error(err))
			return 1
		}
	}

	// Message bus, optionally mirrored through Redis for external observers.
	localBus := bus.NewLocal(logger.Zap())
	var msgBus bus.Bus = localBus
	if cfg.Redis.Addr != "" {
		mirror, err := bus.NewMirror(localBus, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			"cctelegram", logger.Zap())
		if err != nil {
			logger.Warn(ctx, "redis mirror unavailable, staying local", zap.Error(err))
		} else {
			msgBus = mirror
		}
	}
	defer msgBus.Close()

	logger.OnAggregate(func(sig logging.AggregationSignal) {
		bus.Emit(context.Background(), msgBus, bus.TopicLogAggregated, "logging", map[string]any{
			"pattern":   sig.Pattern,
			"count":     sig.Count,
			"exemplars": sig.Exemplars,
		})
	})

	reg := metrics.NewRegistry(metrics.Config{}, msgBus)
	dom := reg.Domain

	pool := bufpool.New(bufpool.Config{
		MaxPoolSize:       cfg.Buffers.MaxPoolSize,
		GCInterval:        time.Duration(cfg.Buffers.GCIntervalS) * time.Second,
		PressureThreshold: uint64(cfg.Buffers.PressureThresholdMB) * 1024 * 1024,
	}, logger, msgBus)
	defer pool.Close()

	retryPolicy := resilience.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay(),
		MaxDelay:    cfg.Retry.MaxDelay(),
	}
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
		SuccessThreshold: uint32(cfg.Breaker.SuccessThreshold),
	})
	httpPool := httppool.New(cfg.HTTP, retryPolicy, breakers, logger)
	defer httpPool.CloseIdle()

	tracer, err := tracing.Init(ctx, cfg.Tracing, "cctelegram-mcp", buildinfo.Version)
	if err != nil {
		logger.Warn(ctx, "tracing disabled", zap.Error(err))
		tracer = nil
	} else {
		defer tracer.Close()
	}

	fs := fsbatch.New(8, logger)

	bridgeMgr := bridge.NewManager(cfg.Bridge, httpPool, logger, msgBus, dom)

	pipeline := events.NewPipeline(events.Config{
		EventsDir:    cfg.Paths.EventsDir,
		PooledCutoff: cfg.Buffers.PooledCutoffBytes,
	}, bridgeMgr, pool, dom, logger)

	respEngine := responses.NewEngine(cfg.Paths.ResponsesDir, fs, pipeline, dom, logger)
	respWatcher, err := responses.NewWatcher(cfg.Paths.ResponsesDir, logger, msgBus)
	if err != nil {
		logger.Warn(ctx, "response watcher unavailable", zap.Error(err))
		respWatcher = nil
	} else {
		defer respWatcher.Close()
	}

	taskAgg := tasks.NewAggregator(tasks.Config{
		TaskmasterRelPath: cfg.Tasks.TaskmasterRelPath,
		TodosDir:          cfg.Tasks.TodosDir,
	}, fs, logger)

	secMon := security.New(security.Config{
		Enabled:            cfg.Security.Enabled,
		SuspiciousPatterns: cfg.Security.SuspiciousPatterns,
		BlockDuration:      time.Duration(cfg.Security.BlockDurationS) * time.Second,
		BaselineMinEvents:  cfg.Security.BaselineMinEvents,
	}, logger, msgBus)

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:      cfg.RateLimit.Enabled,
		Window:       cfg.RateLimit.Window(),
		MaxPerClient: cfg.RateLimit.MaxRequests,
		GlobalMax:    cfg.RateLimit.GlobalMax,
		PerToolMax:   cfg.RateLimit.PerToolMax,
		BurstMax:     cfg.RateLimit.BurstMax,
		BurstWindow:  cfg.RateLimit.BurstWindow(),
	}, logger)
	defer limiter.Close()

	checker := health.New(health.Config{
		Interval:          time.Duration(cfg.Health.IntervalS) * time.Second,
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
	}, httpPool, breakers, logger, msgBus)
	checker.Register(health.Endpoint{
		Name:     "bridge",
		URL:      cfg.Bridge.HealthURL(),
		Critical: true,
	})
	checker.Start(ctx)
	defer checker.Close()

	engine, err := buildAlerting(cfg, retryPolicy, pipeline, httpPool, reg, dom, logger, msgBus)
	if err != nil {
		logger.Error(ctx, "alerting init", zap.Error(err))
		return 2
	}
	defer engine.Close()

	registry := dispatch.NewRegistry()
	if err := dispatch.RegisterAll(registry, dispatch.Deps{
		Events:    pipeline,
		Bridge:    bridgeMgr,
		Responses: respEngine,
		Tasks:     taskAgg,
	}); err != nil {
		logger.Error(ctx, "tool registration", zap.Error(err))
		return 1
	}
	dispatcher := dispatch.New(registry, dispatch.NewAuthenticator(cfg.Auth),
		limiter, secMon, dom, tracer, logger)

	if cfg.Server.ObsAddr != "" {
		obsSrv := obs.NewServer(cfg.Server.ObsAddr, reg.Handler(), logger)
		obsSrv.Stream().BindBus(msgBus)
		obsSrv.AddStatus(func(ctx context.Context) (string, any) {
			return "bridge", bridgeMgr.Status(ctx)
		})
		obsSrv.AddStatus(func(ctx context.Context) (string, any) {
			return "health", map[string]any{
				"overall":   string(checker.Overall()),
				"endpoints": checker.Status(),
			}
		})
		obsSrv.AddStatus(func(context.Context) (string, any) {
			return "rate_limit", limiter.Stats()
		})
		obsSrv.AddStatus(func(context.Context) (string, any) {
			return "buffers", pool.Stats()
		})
		obsSrv.AddStatus(func(context.Context) (string, any) {
			return "alerts", map[string]any{
				"active":   engine.Active(),
				"channels": engine.ChannelStats(),
			}
		})
		obsSrv.AddStatus(func(context.Context) (string, any) {
			return "security", map[string]any{
				"indicators": secMon.Indicators(),
				"blocklist":  secMon.Blocklist(),
			}
		})
		if respWatcher != nil {
			obsSrv.AddStatus(func(context.Context) (string, any) {
				return "responses", respWatcher.Stats()
			})
		}
		if err := obsSrv.Start(); err != nil {
			logger.Error(ctx, "observability server", zap.Error(err))
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obsSrv.Shutdown(shutdownCtx)
		}()
	}

	// Stdio has no per-call credentials; the key is process-scoped.
	apiKey := os.Getenv("CC_TELEGRAM_API_KEY")
	if apiKey == "" {
		apiKey = cfg.Auth.DefaultAPIKey
	}

	srv := mcpserver.New(dispatcher, apiKey, cfg.HTTP.DefaultTimeout(), logger)
	if err := srv.Run(ctx); err != nil {
		logger.Error(ctx, "stdio loop failed", zap.Error(err))
		return 1
	}

	logger.Info(context.Background(), "shutdown complete")
	return 0
}

// buildAlerting loads rule and channel files when configured, mirrors
// metric-bearing rules into threshold watchers, and wires the engine to the
// bus and the metrics domain.
func buildAlerting(cfg *config.Config, retry resilience.Policy, sink *events.Pipeline,
	httpPool *httppool.Pool, reg *metrics.Registry, dom *metrics.Domain,
	logger *logging.Logger, msgBus bus.Bus) (*alerting.Engine, error) {

	var rules []alerting.Rule
	if cfg.Alerting.RulesFile != "" {
		var err error
		rules, err = alerting.LoadRules(cfg.Alerting.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("load alert rules: %w", err)
		}
	}

	var channels []alerting.Channel
	if cfg.Alerting.ChannelsFile != "" {
		ccfgs, err := alerting.LoadChannels(cfg.Alerting.ChannelsFile)
		if err != nil {
			return nil, fmt.Errorf("load alert channels: %w", err)
		}
		channels, err = alerting.BuildChannels(ccfgs, sink, httpPool)
		if err != nil {
			return nil, fmt.Errorf("build alert channels: %w", err)
		}
	} else {
		// Telegram is always reachable through the event pipeline.
		built, err := alerting.BuildChannels([]alerting.ChannelConfig{
			{Name: "telegram", Type: "telegram"},
		}, sink, httpPool)
		if err != nil {
			return nil, err
		}
		channels = built
	}

	for _, r := range rules {
		if r.Metric == "" {
			continue
		}
		reg.Watch(metrics.Watcher{
			Metric:    r.Metric,
			Condition: r.Condition,
			Warning:   r.Threshold,
			Critical:  r.Threshold,
		})
	}

	engine := alerting.NewEngine(alerting.Config{
		DedupWindow:        time.Duration(cfg.Alerting.DedupWindowS) * time.Second,
		MaxPerMinute:       cfg.Alerting.MaxAlertsPerMinute,
		EscalationInterval: time.Duration(cfg.Alerting.EscalationIntervalS) * time.Second,
		QueueSize:          cfg.Alerting.QueueSize,
		Retry:              retry,
	}, rules, channels, logger, msgBus)
	engine.BindBus(msgBus)
	engine.OnTransition(dom.AlertTransition)
	engine.OnQueueDepth(dom.QueueDepth)
	return engine, nil
}
