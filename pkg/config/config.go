package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TradingMode selects the executor's submission path; live mode always
// routes through the Decision Engine's LLM path, paper mode simulates fills.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// RiskWeights is the 5-tuple of composite-risk weights; must sum to 1.
type RiskWeights struct {
	Market      float64
	Position    float64
	Portfolio   float64
	Correlation float64
	Execution   float64
}

func (w RiskWeights) Sum() float64 {
	return w.Market + w.Position + w.Portfolio + w.Correlation + w.Execution
}

// WalletLimitsDef mirrors types.Limits at config-load time.
type WalletLimitsDef struct {
	DailyLossCap           float64
	MaxPosition            float64
	MaxConcurrentPositions int
	MaxExposurePct         float64
	DailyTradeCap          int
}

// WalletDef is one entry of the wallets array. KeySourceRef names where the
// keypair is resolved from (env var name or file path) — the key material
// itself is never read into this struct.
type WalletDef struct {
	WalletID     string
	Class        string
	KeySourceRef string
	Allocations  map[string]float64
	Limits       WalletLimitsDef
}

// Config is the single typed record loaded once at process start and
// threaded through constructors; nothing reads os.Getenv after Load returns.
type Config struct {
	TradingMode TradingMode

	MinDecisionConfidence float64
	RiskWeights           RiskWeights
	ConsensusModelCount   int // N>=3 enables DE consensus mode, 0 or 1 disables it

	PriorityFeeMin     uint64
	PriorityFeeMax     uint64
	PriorityFeeBuffer  float64 // clamp range [0.1,0.3]
	MaxRetries         int
	RetryBackoffBaseMS int
	ComputeUnitMargin  float64 // e.g. 0.10 for a 10% estimate margin
	BundleTipLamports  uint64
	TipAllowlist       []string

	IntentTTL time.Duration

	IngressHighWater int
	ResultsHighWater int

	VMSEmbeddingDim  int
	VMSTopKDefault   int
	VMSPath          string
	VMSRetention     time.Duration // experiences older than this are purged
	VMSPurgeInterval time.Duration

	Wallets                   []WalletDef
	WMDBPath                  string
	ReservationReaperInterval time.Duration

	DedupLedgerTTL     time.Duration // EE completion-ledger entry lifetime
	DedupPruneInterval time.Duration

	MAWindowEvents int
	MAWindowTTL    time.Duration
	MATargetFill   int

	MBRedisAddr         string
	VMSEndpoint         string
	ModelEndpoints      []string
	ChainRPCEndpoint    string
	ChainWSEndpoint     string
	BundleRelayEndpoint string

	AIProvider      string
	AnthropicAPIKey string
	OpenAIAPIKey    string
	OllamaURL       string
	OllamaModel     string
	AIModel         string
	AIModelFast     string
	AIMaxTokens     int

	ReasonerCSPort int
	ExecutorCSPort int
	OperatorToken  string

	ShutdownGrace time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		TradingMode: TradingMode(envOr("TRADING_MODE", string(ModePaper))),

		MinDecisionConfidence: envFloat("MIN_DECISION_CONFIDENCE", 0.6),
		RiskWeights: RiskWeights{
			Market:      envFloat("RISK_WEIGHT_MARKET", 0.2),
			Position:    envFloat("RISK_WEIGHT_POSITION", 0.2),
			Portfolio:   envFloat("RISK_WEIGHT_PORTFOLIO", 0.2),
			Correlation: envFloat("RISK_WEIGHT_CORRELATION", 0.2),
			Execution:   envFloat("RISK_WEIGHT_EXECUTION", 0.2),
		},
		ConsensusModelCount: envInt("CONSENSUS_MODEL_COUNT", 0),

		PriorityFeeMin:     uint64(envInt("PRIORITY_FEE_MIN", 1000)),
		PriorityFeeMax:     uint64(envInt("PRIORITY_FEE_MAX", 2_000_000)),
		PriorityFeeBuffer:  envFloat("PRIORITY_FEE_BUFFER", 0.2),
		MaxRetries:         envInt("MAX_RETRIES", 3),
		RetryBackoffBaseMS: envInt("RETRY_BACKOFF_BASE_MS", 100),
		ComputeUnitMargin:  envFloat("COMPUTE_UNIT_MARGIN", 0.10),
		BundleTipLamports:  uint64(envInt("BUNDLE_TIP_LAMPORTS", 10000)),
		TipAllowlist:       splitTrim(os.Getenv("TIP_ALLOWLIST")),

		IntentTTL: time.Duration(envInt("INTENT_TTL_MS", 60_000)) * time.Millisecond,

		IngressHighWater: envInt("INGRESS_HIGH_WATER", 500),
		ResultsHighWater: envInt("RESULTS_HIGH_WATER", 500),

		VMSEmbeddingDim:  envInt("VMS_EMBEDDING_DIM", 64),
		VMSTopKDefault:   envInt("VMS_TOP_K_DEFAULT", 5),
		VMSPath:          envOr("VMS_PATH", "vms.db"),
		VMSRetention:     time.Duration(envInt("VMS_RETENTION_HOURS", 24*30)) * time.Hour,
		VMSPurgeInterval: time.Duration(envInt("VMS_PURGE_INTERVAL_SEC", 3600)) * time.Second,

		WMDBPath:                  envOr("WM_DB_PATH", "wallet_manager.db"),
		ReservationReaperInterval: time.Duration(envInt("RESERVATION_REAPER_INTERVAL_SEC", 30)) * time.Second,

		DedupLedgerTTL:     time.Duration(envInt("DEDUP_LEDGER_TTL_HOURS", 24)) * time.Hour,
		DedupPruneInterval: time.Duration(envInt("DEDUP_PRUNE_INTERVAL_SEC", 900)) * time.Second,

		MAWindowEvents: envInt("MA_WINDOW_EVENTS", 200),
		MAWindowTTL:    time.Duration(envInt("MA_WINDOW_TTL_SEC", 300)) * time.Second,
		MATargetFill:   envInt("MA_TARGET_FILL", 200),

		MBRedisAddr:         envOr("MB_REDIS_ADDR", "127.0.0.1:6379"),
		VMSEndpoint:         os.Getenv("VMS_ENDPOINT"),
		ModelEndpoints:      splitTrim(os.Getenv("MODEL_ENDPOINTS")),
		ChainRPCEndpoint:    envOr("CHAIN_RPC_ENDPOINT", "https://api.mainnet-beta.solana.com"),
		ChainWSEndpoint:     envOr("CHAIN_WS_ENDPOINT", "wss://api.mainnet-beta.solana.com"),
		BundleRelayEndpoint: os.Getenv("BUNDLE_RELAY_ENDPOINT"),

		AIProvider:      os.Getenv("AI_PROVIDER"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OllamaURL:       os.Getenv("OLLAMA_URL"),
		OllamaModel:     envOr("OLLAMA_MODEL", "llama3.1"),
		AIModel:         os.Getenv("AI_MODEL"),
		AIModelFast:     os.Getenv("AI_MODEL_FAST"),
		AIMaxTokens:     envInt("AI_MAX_TOKENS", 4096),

		ReasonerCSPort: envInt("REASONER_CS_PORT", 8081),
		ExecutorCSPort: envInt("EXECUTOR_CS_PORT", 8082),
		OperatorToken:  os.Getenv("OPERATOR_TOKEN"),

		ShutdownGrace: time.Duration(envInt("SHUTDOWN_GRACE_SEC", 10)) * time.Second,
	}

	wallets, err := loadWallets()
	if err != nil {
		return nil, fmt.Errorf("config: wallets: %w", err)
	}
	cfg.Wallets = wallets

	return cfg, nil
}

// loadWallets parses WALLET_<N>_* env vars into WalletDef entries, stopping
// at the first missing WALLET_<N>_ID.
func loadWallets() ([]WalletDef, error) {
	var defs []WalletDef
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("WALLET_%d_", i)
		id := os.Getenv(prefix + "ID")
		if id == "" {
			break
		}
		allocs := map[string]float64{}
		for _, kv := range splitTrim(os.Getenv(prefix + "ALLOCATIONS")) {
			parts := strings.SplitN(kv, ":", 2)
			if len(parts) != 2 {
				continue
			}
			pct, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return nil, fmt.Errorf("wallet %s: bad allocation %q: %w", id, kv, err)
			}
			allocs[parts[0]] = pct
		}
		defs = append(defs, WalletDef{
			WalletID:     id,
			Class:        envOr(prefix+"CLASS", "Primary"),
			KeySourceRef: os.Getenv(prefix + "KEY_SOURCE"),
			Allocations:  allocs,
			Limits: WalletLimitsDef{
				DailyLossCap:           envFloat(prefix+"DAILY_LOSS_CAP", 1000),
				MaxPosition:            envFloat(prefix+"MAX_POSITION", 100),
				MaxConcurrentPositions: envInt(prefix+"MAX_CONCURRENT_POSITIONS", 5),
				MaxExposurePct:         envFloat(prefix+"MAX_EXPOSURE_PCT", 50),
				DailyTradeCap:          envInt(prefix+"DAILY_TRADE_CAP", 200),
			},
		})
	}
	return defs, nil
}

// Validate rejects a Config the process should refuse to start with.
func (c *Config) Validate() error {
	if c.TradingMode != ModePaper && c.TradingMode != ModeLive {
		return fmt.Errorf("config: invalid trading_mode %q", c.TradingMode)
	}
	if sum := c.RiskWeights.Sum(); sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("config: risk_weights must sum to 1, got %f", sum)
	}
	if c.PriorityFeeMin > c.PriorityFeeMax {
		return fmt.Errorf("config: priority_fee_min > priority_fee_max")
	}
	if c.PriorityFeeBuffer < 0.1 || c.PriorityFeeBuffer > 0.3 {
		return fmt.Errorf("config: priority_fee_buffer out of [0.1,0.3]")
	}
	if c.MinDecisionConfidence < 0 || c.MinDecisionConfidence > 1 {
		return fmt.Errorf("config: min_decision_confidence out of [0,1]")
	}
	if len(c.Wallets) == 0 {
		return fmt.Errorf("config: at least one wallet must be configured")
	}
	seen := map[string]bool{}
	for _, w := range c.Wallets {
		if seen[w.WalletID] {
			return fmt.Errorf("config: duplicate wallet_id %q", w.WalletID)
		}
		seen[w.WalletID] = true
		sum := 0.0
		for _, pct := range w.Allocations {
			sum += pct
		}
		if sum > 100.0001 {
			return fmt.Errorf("config: wallet %q allocations sum to %.2f%%, exceeds 100%%", w.WalletID, sum)
		}
		if w.KeySourceRef == "" {
			return fmt.Errorf("config: wallet %q has no key source reference", w.WalletID)
		}
	}
	if c.TradingMode == ModeLive && c.OperatorToken == "" {
		return fmt.Errorf("config: live trading requires OPERATOR_TOKEN to be set")
	}
	return nil
}

// KnownTipAccounts and KnownProgramIDs classify counterparties the executor
// is willing to route bundle tips or instructions to, the same closed-list
// classification style used for service addresses upstream.
var KnownTipAccounts = map[string]string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5": "jito_tip_1",
	"HFqU5x63VTqvQss8hp11i4wVV8szPvp4NdSN9FQXQQfQ": "jito_tip_2",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY": "jito_tip_3",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49": "jito_tip_4",
}

var KnownProgramIDs = map[string]string{
	"11111111111111111111111111111111":            "system_program",
	"ComputeBudget111111111111111111111111111111": "compute_budget",
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  "spl_token",
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  "orca_whirlpool",
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": "raydium_amm_v4",
}

// IsKnownTipAccount reports whether addr is an allowlisted bundle-tip
// destination. Submission refuses to build a tip instruction to anything
// outside this set.
func IsKnownTipAccount(addr string) bool {
	_, ok := KnownTipAccounts[addr]
	return ok
}

// IsKnownProgramID reports whether programID is in the allowlisted set of
// programs the executor is willing to build instructions against.
func IsKnownProgramID(programID string) bool {
	_, ok := KnownProgramIDs[programID]
	return ok
}

// helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
