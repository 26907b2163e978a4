package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bastion-sec/bastion/internal/audit"
	"github.com/bastion-sec/bastion/internal/detect"
	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/gateway"
	"github.com/bastion-sec/bastion/internal/guard"
	"github.com/bastion-sec/bastion/internal/inject"
	"github.com/bastion-sec/bastion/internal/loop"
	"github.com/bastion-sec/bastion/internal/monitor"
	"github.com/bastion-sec/bastion/internal/redact"
	"github.com/bastion-sec/bastion/internal/risk"
	"github.com/bastion-sec/bastion/internal/rules"
	"github.com/bastion-sec/bastion/internal/session"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("BASTION_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	auditKey := []byte(os.Getenv("BASTION_AUDIT_KEY"))
	if len(auditKey) == 0 {
		// An ephemeral key still signs chains for this process lifetime;
		// cross-restart verification needs a configured key.
		auditKey = make([]byte, 32)
		if _, err := rand.Read(auditKey); err != nil {
			logger.Fatal("failed to generate audit key", zap.Error(err))
		}
		logger.Warn("BASTION_AUDIT_KEY not set, using ephemeral signing key")
	}
	strategy := redactionStrategy(envOrDefault("BASTION_REDACTION_STRATEGY", "token"))
	rulesFile := os.Getenv("BASTION_RULES_FILE")
	rulesRefreshS := envOrDefaultInt("BASTION_RULES_REFRESH_S", 60)
	agentTimeoutMs := envOrDefaultInt("BASTION_AGENT_TIMEOUT_MS", 30_000)
	deepTimeoutMs := envOrDefaultInt("BASTION_DEEP_TIMEOUT_MS", 2_000)
	sessionTTLMin := envOrDefaultInt("BASTION_SESSION_TTL_MIN", 30)
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	redisAddr := os.Getenv("REDIS_ADDR")
	deepEndpoint := os.Getenv("DEEP_ANALYSIS_ENDPOINT")
	deepAPIKey := os.Getenv("DEEP_ANALYSIS_API_KEY")
	embedEndpoint := os.Getenv("EMBEDDING_ENDPOINT")
	embedAPIKey := os.Getenv("EMBEDDING_API_KEY")
	embedModel := envOrDefault("EMBEDDING_MODEL", "text-embedding-3-small")

	logger.Info("starting bastion",
		zap.String("redaction_strategy", strategy.String()),
		zap.Int("agent_timeout_ms", agentTimeoutMs),
		zap.Int("deep_timeout_ms", deepTimeoutMs),
	)

	// Rules: Postgres snapshot provider, YAML file, or builtins.
	var provider rules.Provider
	switch {
	case postgresDSN != "":
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		pg, err := rules.NewPostgresProvider(db, time.Duration(rulesRefreshS)*time.Second, logger)
		if err != nil {
			logger.Fatal("failed to load rules from postgres", zap.Error(err))
		}
		defer pg.Close()
		provider = pg
		logger.Info("postgres rules provider connected")
	case rulesFile != "":
		snap, err := rules.LoadFile(rulesFile)
		if err != nil {
			logger.Fatal("failed to load rules file",
				zap.String("path", rulesFile),
				zap.Error(err),
			)
		}
		provider = rules.NewStatic(snap)
		logger.Info("rules file loaded", zap.String("path", rulesFile))
	default:
		provider = rules.NewStatic(rules.DefaultSnapshot())
		logger.Info("using builtin rule set")
	}
	th := provider.Current().Thresholds

	// Session window store: Redis, or in-memory fallback.
	var store session.Store
	sessionTTL := time.Duration(sessionTTLMin) * time.Minute
	if redisAddr != "" {
		rs, err := session.NewRedisStore(context.Background(), redisAddr, sessionTTL)
		if err != nil {
			logger.Warn("redis connection failed, falling back to in-memory window store",
				zap.Error(err),
			)
			store = session.NewMemoryStore(session.WithMaxAge(sessionTTL))
		} else {
			defer func() { _ = rs.Close() }()
			store = rs
			logger.Info("redis window store connected", zap.String("addr", redisAddr))
		}
	} else {
		store = session.NewMemoryStore(session.WithMaxAge(sessionTTL))
		logger.Info("no REDIS_ADDR set, using in-memory window store")
	}

	// Audit sink: ClickHouse, or log fallback.
	var sink audit.Sink
	if clickhouseDSN != "" {
		chSink, err := audit.NewClickHouseSink(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink",
				zap.Error(err),
			)
			sink = audit.NewLogSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse audit sink connected")
		}
	} else {
		sink = audit.NewLogSink(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log audit sink")
	}
	defer sink.Close()

	// Input guard wires detection, redaction, and injection scoring.
	redactor, err := redact.New(strategy)
	if err != nil {
		logger.Fatal("failed to build redactor", zap.Error(err))
	}
	detector := detect.NewDetector(provider, nil, logger)

	// Semantic injection matching (optional, signatures-only without it)
	var semantic *inject.SemanticMatcher
	if embedEndpoint != "" {
		embedder := inject.NewHTTPEmbedder(embedEndpoint, embedAPIKey, embedModel, 5*time.Second)
		sm, err := inject.NewSemanticMatcher(embedder, envOrDefaultFloat("BASTION_SEMANTIC_THRESHOLD", 0.80))
		if err != nil {
			logger.Warn("semantic matcher init failed, signatures only", zap.Error(err))
		} else if err := sm.LoadExemplars(context.Background(), provider.Current().Exemplars); err != nil {
			logger.Warn("exemplar load failed, signatures only", zap.Error(err))
		} else {
			semantic = sm
			logger.Info("semantic injection matching enabled")
		}
	}

	scorer := inject.NewScorer(provider, semantic, logger)
	inputGuard := guard.NewInputGuard(detector, redactor, scorer, logger)

	// State monitor
	monitorCfg := monitor.DefaultConfig()
	monitorCfg.WindowSize = th.WindowSize
	monitorCfg.TokenBudget = th.TokenBudget
	monitorCfg.StallCalls = th.StallCalls
	loopDetector := loop.NewDetector(loop.Config{
		MaxIdenticalCalls: th.MaxIdenticalCalls,
		SemanticThreshold: th.SemanticLoop,
		SemanticMinCount:  th.SemanticMinCount,
		WarnThreshold:     th.LoopWarn,
		BlockThreshold:    th.LoopBlock,
	})
	stateMonitor := monitor.NewStateMonitor(store, loopDetector, monitor.NewTokenCounter(), monitorCfg, logger)

	// Output guard
	outputGuard := guard.NewOutputGuard(detector, redactor, provider, logger)

	// Risk aggregation
	riskCfg := risk.DefaultConfig()
	riskCfg.WarnThreshold = th.Warn
	riskCfg.BlockThreshold = th.Block
	riskCfg.EscalateThreshold = th.Escalate
	if err := riskCfg.Validate(); err != nil {
		logger.Fatal("invalid aggregation config", zap.Error(err))
	}
	aggregator := risk.NewAggregator(riskCfg)

	// Deep analysis (optional)
	var deep gateway.DeepAnalyzer
	deepTimeout := time.Duration(deepTimeoutMs) * time.Millisecond
	if deepEndpoint != "" {
		deep = gateway.NewHTTPDeepAnalyzer(deepEndpoint, deepAPIKey, deepTimeout)
		logger.Info("deep analysis enabled", zap.String("endpoint", deepEndpoint))
	}

	gw, err := gateway.New(
		gateway.Config{
			AuditKey:     auditKey,
			AgentTimeout: time.Duration(agentTimeoutMs) * time.Millisecond,
			DeepTimeout:  deepTimeout,
		},
		provider, inputGuard, stateMonitor, outputGuard, aggregator, deep, nil, sink, logger,
	)
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	if len(os.Args) >= 3 && os.Args[1] == "scan" {
		runScan(gw, strings.Join(os.Args[2:], " "), logger)
		return
	}

	fmt.Fprintln(os.Stderr, "usage: bastion scan <text>")
	os.Exit(2)
}

// runScan pushes one request through the pipeline with an echo executor and
// prints the decision as JSON.
func runScan(gw *gateway.Gateway, text string, logger *zap.Logger) {
	echo := func(_ context.Context, input string) (string, error) {
		return input, nil
	}

	result, err := gw.Invoke(context.Background(), text, gateway.SessionContext{
		SessionID: "cli",
		ToolName:  "scan",
		ToolArgs:  text,
	}, echo)
	if err != nil {
		logger.Fatal("scan failed", zap.Error(err))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Fatal("failed to encode result", zap.Error(err))
	}
}

func redactionStrategy(name string) entity.Strategy {
	switch name {
	case "mask":
		return entity.StrategyMask
	case "hash":
		return entity.StrategyHash
	case "encrypt":
		return entity.StrategyEncrypt
	default:
		return entity.StrategyToken
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
