// Package config collects every tunable of the orchestrator into one value struct,
// loaded from environment variables with defaults, per the teacher's nested
// config.ServerConfig/config.ServerSettings convention. No global retry/timeout
// constants are scattered across packages; everything flows from OrchestratorConfig,
// constructed once in cmd/orchestrator/main.go and passed down by value or pointer.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/kvknd/substrated/pkg/domain"
)

// LoggingConfig configures the zap logger (internal/logging).
type LoggingConfig struct {
	Level            string
	Encoding         string
	OutputPaths      []string
	ErrorOutputPaths []string
}

// DatabaseConfig configures the Postgres connection (internal/store/pg).
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the Redis client used for the per-workspace concurrency
// semaphore (internal/notify).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WorkTypeSettings bundles the per-work-type knobs named in spec §9 Design Notes.
type WorkTypeSettings struct {
	WorkerCount    int
	LeaseDuration  time.Duration
	DebounceWindow time.Duration
}

// RetryConfig is the work queue's backoff policy (spec §5 Retry policy).
type RetryConfig struct {
	RetryCap    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// StatusAPIConfig configures the read-only chi status surface.
type StatusAPIConfig struct {
	ListenAddr          string
	CORSAllowedOrigins  []string
	ReadHeaderTimeout   time.Duration
}

// ReasonerConfig selects and configures the backend stage agents reason through
// (pkg/reasoner/anthropic or pkg/reasoner/langchain), plus the circuit breaker
// wrapping it.
type ReasonerConfig struct {
	Backend                 string // "anthropic" | "langchain"
	AnthropicAPIKey         string
	AnthropicModel          string
	BreakerMaxFailures      uint32
	BreakerOpenDuration     time.Duration
}

// OrchestratorConfig is the single source of truth for all orchestrator tunables.
type OrchestratorConfig struct {
	Logging  LoggingConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Status   StatusAPIConfig
	Reasoner ReasonerConfig

	WorkTypes map[domain.WorkType]WorkTypeSettings
	Retry     RetryConfig

	WorkspaceConcurrencyCap      int
	DedupSimilarityThreshold     float64
	AutoApproveConfidenceThresh  float64
	EnableP2Graph                bool
	ReflectionDebounceWindow     time.Duration
	CompositionEnabledOnReflect  bool

	PolicyTable PolicyTable
}

// PolicyTable is configuration, not code (spec §9 Open Question): the auto-approval
// decision is data the operator can override per basket, merged with these defaults.
type PolicyTable struct {
	Rules []PolicyRule
}

// PolicyRule is one entry of the policy table, evaluated top to bottom by
// pkg/governance/policy against an op + its validation context.
type PolicyRule struct {
	// Name identifies the rule for logging/audit.
	Name string
	// OpType restricts this rule to one operation kind; empty matches all.
	OpType domain.OpType
	// Expr is a gojq expression evaluated against {op, confidence, dedup_hints,
	// block_status, op_count, affected_block_count}; it must yield a bool.
	Expr string
	// Decision is applied when Expr evaluates true.
	Decision domain.PolicyDecision
}

// DefaultPolicyTable returns the built-in default policy table (spec §4.4 point 5 example):
// CreateBlock with confidence >= threshold and no dedup conflicts -> AUTO_APPROVE;
// MergeBlocks -> always REQUIRE_REVIEW; UpdateBlock touching a LOCKED block -> REJECT.
func DefaultPolicyTable(autoApproveThreshold float64) PolicyTable {
	return PolicyTable{Rules: []PolicyRule{
		{
			Name:     "locked-block-update-rejected",
			OpType:   domain.OpUpdateBlock,
			Expr:     `.block_status == "LOCKED" or .block_status == "CONSTANT"`,
			Decision: domain.PolicyReject,
		},
		{
			Name:     "merge-always-review",
			OpType:   domain.OpMergeBlocks,
			Expr:     `true`,
			Decision: domain.RequireReview,
		},
		{
			Name:     "create-block-high-confidence-auto-approve",
			OpType:   domain.OpCreateBlock,
			Expr:     ".confidence >= " + strconv.FormatFloat(autoApproveThreshold, 'f', -1, 64) + " and (.dedup_hints | length) == 0",
			Decision: domain.AutoApprove,
		},
	}}
}

// Load builds an OrchestratorConfig from environment variables, falling back to
// defaults suited for local development (matching the teacher's fast-TTL,
// low-threshold test defaults in StartTestGatewayWithOptions).
func Load() OrchestratorConfig {
	cfg := OrchestratorConfig{
		Logging: LoggingConfig{
			Level:            getEnv("ORCH_LOG_LEVEL", "info"),
			Encoding:         getEnv("ORCH_LOG_ENCODING", "json"),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Database: DatabaseConfig{
			DSN:             getEnv("ORCH_DATABASE_DSN", "postgres://localhost:5432/substrated?sslmode=disable"),
			MaxOpenConns:    getEnvInt("ORCH_DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("ORCH_DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("ORCH_DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ORCH_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ORCH_REDIS_PASSWORD", ""),
			DB:       getEnvInt("ORCH_REDIS_DB", 0),
		},
		Status: StatusAPIConfig{
			ListenAddr:        getEnv("ORCH_STATUS_LISTEN_ADDR", ":8090"),
			CORSAllowedOrigins: []string{"*"},
			ReadHeaderTimeout: getEnvDuration("ORCH_STATUS_READ_HEADER_TIMEOUT", 5*time.Second),
		},
		Reasoner: ReasonerConfig{
			Backend:             getEnv("ORCH_REASONER_BACKEND", "anthropic"),
			AnthropicAPIKey:     getEnv("ANTHROPIC_API_KEY", ""),
			AnthropicModel:      getEnv("ORCH_REASONER_MODEL", "claude-3-7-sonnet-latest"),
			BreakerMaxFailures:  uint32(getEnvInt("ORCH_REASONER_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenDuration: getEnvDuration("ORCH_REASONER_BREAKER_OPEN_DURATION", 30*time.Second),
		},
		WorkTypes: map[domain.WorkType]WorkTypeSettings{
			domain.WorkP1Substrate:  {WorkerCount: 4, LeaseDuration: 5 * time.Minute, DebounceWindow: 0},
			domain.WorkP2Graph:      {WorkerCount: 2, LeaseDuration: 5 * time.Minute, DebounceWindow: 0},
			domain.WorkP3Reflection: {WorkerCount: 2, LeaseDuration: 5 * time.Minute, DebounceWindow: 30 * time.Second},
			domain.WorkP4Compose:    {WorkerCount: 2, LeaseDuration: 5 * time.Minute, DebounceWindow: 30 * time.Second},
			domain.WorkProposalReview: {WorkerCount: 1, LeaseDuration: 10 * time.Minute, DebounceWindow: 0},
		},
		Retry: RetryConfig{
			RetryCap:    getEnvInt("ORCH_RETRY_CAP", 5),
			BackoffBase: getEnvDuration("ORCH_RETRY_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:  getEnvDuration("ORCH_RETRY_BACKOFF_MAX", 30*time.Second),
		},
		WorkspaceConcurrencyCap:     getEnvInt("ORCH_WORKSPACE_CONCURRENCY_CAP", 8),
		DedupSimilarityThreshold:    getEnvFloat("ORCH_DEDUP_SIMILARITY_THRESHOLD", 0.90),
		AutoApproveConfidenceThresh: getEnvFloat("ORCH_AUTO_APPROVE_CONFIDENCE_THRESHOLD", 0.85),
		EnableP2Graph:               getEnvBool("ORCH_ENABLE_P2_GRAPH", false),
		ReflectionDebounceWindow:    getEnvDuration("ORCH_REFLECTION_DEBOUNCE_WINDOW", 30*time.Second),
		CompositionEnabledOnReflect: getEnvBool("ORCH_COMPOSITION_ON_REFLECT", true),
	}
	cfg.PolicyTable = DefaultPolicyTable(cfg.AutoApproveConfidenceThresh)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
