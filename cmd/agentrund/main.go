// Entry point for the agentrun server.
//
// Usage:
//
//	agentrund serve                       # start the server
//	agentrund serve --config config.yaml  # with a config file
//	agentrund version                     # show version information
//	agentrund health                      # probe a running server
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentrun/agent"
	"github.com/BaSui01/agentrun/checkpoint"
	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/internal/httpserver"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/workflow"
)

// Version info, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting agentrun",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	adapter, redisClient := buildAdapter(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := workflow.NewRegistry()
	if err := registerWorkflows(registry); err != nil {
		logger.Fatal("failed to register workflows", zap.Error(err))
	}

	collector := metrics.NewCollector("agentrun", prometheus.DefaultRegisterer)

	defaultWorkflow := cfg.Agent.DefaultWorkflow
	if defaultWorkflow == "" {
		defaultWorkflow = defaultWorkflowID
	}

	a, err := agent.New(agent.Options{
		Registry:          registry,
		Adapter:           adapter,
		DefaultWorkflowID: defaultWorkflow,
		Features:          agent.Features{Tracing: cfg.Agent.Tracing},
		Logger:            logger,
		Metrics:           collector,
		Buffer:            cfg.Agent.StreamBuffer,
	})
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/chat", agent.ChatHandler(a))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := httpserver.NewManager(mux, cfg.Server, logger)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	server.WaitForShutdown()
	logger.Info("agentrun stopped")
}

// buildAdapter selects the persistence backend: Redis when an address is
// configured, in-memory otherwise.
func buildAdapter(cfg *config.Config, logger *zap.Logger) (*checkpoint.Adapter, *redis.Client) {
	if cfg.Redis.Addr == "" {
		logger.Info("using in-memory stores; paused runs will not survive restarts")
		return checkpoint.NewMemoryAdapter(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	} else {
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	adapter := checkpoint.NewRedisAdapter(client, checkpoint.RedisAdapterConfig{
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Agent.ResumeTTL,
	})
	return adapter, client
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("agentrun %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentrun - resumable agent workflow runtime

Usage:
  agentrund <command> [options]

Commands:
  serve     Start the server
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  agentrund serve
  agentrund serve --config /etc/agentrun/config.yaml
  agentrund health --addr http://localhost:8080`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
