package params

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/uhyunpark/hyperrisk/pkg/fixedpoint"
)

type Risk struct {
	// BaseMMRBps caps the maintenance margin rate. The effective rate is
	// min(BaseMMRBps, initialMarginRate/2).
	BaseMMRBps          int64         `toml:"base_mmr_bps"`
	LiquidatorRewardBps int64         `toml:"liquidator_reward_bps"`
	MaxPerCycle         int           `toml:"max_per_cycle"`
	RiskInterval        time.Duration `toml:"risk_interval"`
	ADLInterval         time.Duration `toml:"adl_interval"`

	// LargePositionNotional is a decimal quote amount; empty disables the
	// large_position event.
	LargePositionNotional string `toml:"large_position_notional"`

	// Liquidator is credited with liquidation rewards.
	Liquidator string `toml:"liquidator"`
}

type Lending struct {
	// PoolAddress enables the lending engine when set.
	PoolAddress     string        `toml:"pool_address"`
	WarningBps      uint64        `toml:"warning_bps"`
	CriticalBps     uint64        `toml:"critical_bps"`
	RecheckInterval time.Duration `toml:"recheck_interval"`
	MaxPerCycle     int           `toml:"max_per_cycle"`
	Interval        time.Duration `toml:"interval"`
}

type Lifecycle struct {
	SweepInterval    time.Duration `toml:"sweep_interval"`
	MinStateDuration time.Duration `toml:"min_state_duration"`
	DeadAfter        time.Duration `toml:"dead_after"`
}

type Storage struct {
	DataDir  string `toml:"data_dir"`
	InMemory bool   `toml:"in_memory"`
}

type Chain struct {
	// RPCURL switches settlement to the on-chain vault. Empty logs bridge
	// calls instead.
	RPCURL         string        `toml:"rpc_url"`
	PrivateKey     string        `toml:"-"`
	VaultAddress   string        `toml:"vault_address"`
	ReceiptTimeout time.Duration `toml:"receipt_timeout"`
	PollInterval   time.Duration `toml:"poll_interval"`
}

type Bridge struct {
	QueueSize    int           `toml:"queue_size"`
	MaxAttempts  int           `toml:"max_attempts"`
	RetryBackoff time.Duration `toml:"retry_backoff"`
	CallTimeout  time.Duration `toml:"call_timeout"`
}

type API struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"`

	// EventBuffer is the number of recent events kept for /api/v1/events.
	EventBuffer int `toml:"event_buffer"`

	// SinkQueueSize buffers events for each network sink (gossip, redis,
	// postgres).
	SinkQueueSize int `toml:"sink_queue_size"`
}

type Gossip struct {
	Enabled    bool     `toml:"enabled"`
	ListenAddr string   `toml:"listen_addr"`
	Bootstrap  []string `toml:"bootstrap"`
	Topic      string   `toml:"topic"`
}

type Redis struct {
	// Addr enables the redis event bus when set.
	Addr     string `toml:"addr"`
	Password string `toml:"-"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
	TLS      bool   `toml:"tls"`
}

type Postgres struct {
	// DSN enables the audit journal when set.
	DSN      string `toml:"-"`
	MaxConns int    `toml:"max_conns"`
}

type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type Config struct {
	Risk      Risk      `toml:"risk"`
	Lending   Lending   `toml:"lending"`
	Lifecycle Lifecycle `toml:"lifecycle"`
	Storage   Storage   `toml:"storage"`
	Chain     Chain     `toml:"chain"`
	Bridge    Bridge    `toml:"bridge"`
	API       API       `toml:"api"`
	Gossip    Gossip    `toml:"gossip"`
	Redis     Redis     `toml:"redis"`
	Postgres  Postgres  `toml:"postgres"`
	Log       Log       `toml:"log"`
}

func Default() Config {
	return Config{
		Risk: Risk{
			BaseMMRBps:            200, // 2%
			LiquidatorRewardBps:   500, // 5% of remaining collateral
			MaxPerCycle:           10,
			RiskInterval:          100 * time.Millisecond,
			ADLInterval:           time.Second,
			LargePositionNotional: "50000",
		},
		Lending: Lending{
			WarningBps:      8_500,
			CriticalBps:     9_000,
			RecheckInterval: 3 * time.Second,
			MaxPerCycle:     5,
			Interval:        5 * time.Second,
		},
		Lifecycle: Lifecycle{
			SweepInterval:    time.Minute,
			MinStateDuration: time.Hour,
			DeadAfter:        12 * time.Hour,
		},
		Storage: Storage{
			DataDir: "./data/riskd",
		},
		Chain: Chain{
			ReceiptTimeout: 60 * time.Second,
			PollInterval:   time.Second,
		},
		Bridge: Bridge{
			QueueSize:    1024,
			MaxAttempts:  3,
			RetryBackoff: 500 * time.Millisecond,
			CallTimeout:  30 * time.Second,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			EventBuffer:    1024,
			SinkQueueSize:  512,
		},
		Gossip: Gossip{
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
			Topic:      "hyperrisk-events",
		},
		Redis: Redis{
			Prefix: "hyperrisk",
		},
		Postgres: Postgres{
			MaxConns: 4,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()
	loadDotEnv(envPath)
	applyEnv(&cfg)
	return cfg
}

// LoadFile decodes a TOML file over the defaults, then applies .env and
// environment overrides.
// Priority: ENV > .env file > TOML > defaults
func LoadFile(path, envPath string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	loadDotEnv(envPath)
	applyEnv(&cfg)
	return cfg, nil
}

func loadDotEnv(envPath string) {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}
}

func applyEnv(cfg *Config) {
	envInt64("RISK_BASE_MMR_BPS", &cfg.Risk.BaseMMRBps)
	envInt64("RISK_LIQUIDATOR_REWARD_BPS", &cfg.Risk.LiquidatorRewardBps)
	envInt("RISK_MAX_PER_CYCLE", &cfg.Risk.MaxPerCycle)
	envMillis("RISK_INTERVAL_MS", &cfg.Risk.RiskInterval)
	envMillis("ADL_INTERVAL_MS", &cfg.Risk.ADLInterval)
	envString("RISK_LARGE_POSITION_NOTIONAL", &cfg.Risk.LargePositionNotional)
	envString("RISK_LIQUIDATOR", &cfg.Risk.Liquidator)

	envString("LENDING_POOL_ADDRESS", &cfg.Lending.PoolAddress)
	envUint64("LENDING_WARNING_BPS", &cfg.Lending.WarningBps)
	envUint64("LENDING_CRITICAL_BPS", &cfg.Lending.CriticalBps)
	envMillis("LENDING_RECHECK_MS", &cfg.Lending.RecheckInterval)
	envInt("LENDING_MAX_PER_CYCLE", &cfg.Lending.MaxPerCycle)
	envMillis("LENDING_INTERVAL_MS", &cfg.Lending.Interval)

	envMillis("LIFECYCLE_SWEEP_MS", &cfg.Lifecycle.SweepInterval)

	envString("DATA_DIR", &cfg.Storage.DataDir)
	envBool("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)

	envString("CHAIN_RPC_URL", &cfg.Chain.RPCURL)
	envString("CHAIN_PRIVATE_KEY", &cfg.Chain.PrivateKey)
	envString("CHAIN_VAULT_ADDRESS", &cfg.Chain.VaultAddress)
	envMillis("CHAIN_RECEIPT_TIMEOUT_MS", &cfg.Chain.ReceiptTimeout)

	envInt("BRIDGE_QUEUE_SIZE", &cfg.Bridge.QueueSize)
	envInt("BRIDGE_MAX_ATTEMPTS", &cfg.Bridge.MaxAttempts)
	envMillis("BRIDGE_RETRY_BACKOFF_MS", &cfg.Bridge.RetryBackoff)

	envString("API_ADDR", &cfg.API.Addr)
	envList("API_ALLOWED_ORIGINS", &cfg.API.AllowedOrigins)

	envBool("GOSSIP_ENABLED", &cfg.Gossip.Enabled)
	envString("GOSSIP_LISTEN_ADDR", &cfg.Gossip.ListenAddr)
	envList("GOSSIP_BOOTSTRAP", &cfg.Gossip.Bootstrap)

	envString("REDIS_ADDR", &cfg.Redis.Addr)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envBool("REDIS_TLS", &cfg.Redis.TLS)

	envString("POSTGRES_DSN", &cfg.Postgres.DSN)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FILE", &cfg.Log.File)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Risk.BaseMMRBps <= 0 || c.Risk.BaseMMRBps >= 10_000 {
		errs = append(errs, fmt.Errorf("risk.base_mmr_bps must be in (0, 10000), got %d", c.Risk.BaseMMRBps))
	}
	if c.Risk.LiquidatorRewardBps < 0 || c.Risk.LiquidatorRewardBps > 10_000 {
		errs = append(errs, fmt.Errorf("risk.liquidator_reward_bps must be in [0, 10000], got %d", c.Risk.LiquidatorRewardBps))
	}
	if c.Risk.LargePositionNotional != "" {
		if _, err := fixedpoint.ParseAmount(c.Risk.LargePositionNotional); err != nil {
			errs = append(errs, fmt.Errorf("risk.large_position_notional: %w", err))
		}
	}
	errs = appendAddr(errs, "risk.liquidator", c.Risk.Liquidator)
	errs = appendAddr(errs, "lending.pool_address", c.Lending.PoolAddress)
	if c.Lending.WarningBps >= c.Lending.CriticalBps {
		errs = append(errs, fmt.Errorf("lending.warning_bps (%d) must be below critical_bps (%d)", c.Lending.WarningBps, c.Lending.CriticalBps))
	}
	if c.Lending.CriticalBps > 10_000 {
		errs = append(errs, fmt.Errorf("lending.critical_bps must be at most 10000, got %d", c.Lending.CriticalBps))
	}
	if c.Chain.RPCURL != "" {
		if c.Chain.VaultAddress == "" {
			errs = append(errs, errors.New("chain.vault_address is required with chain.rpc_url"))
		}
		if c.Chain.PrivateKey == "" {
			errs = append(errs, errors.New("CHAIN_PRIVATE_KEY is required with chain.rpc_url"))
		}
	}
	errs = appendAddr(errs, "chain.vault_address", c.Chain.VaultAddress)
	if c.Lending.PoolAddress != "" && c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("lending.pool_address requires chain.rpc_url"))
	}
	if c.Bridge.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_attempts must be positive, got %d", c.Bridge.MaxAttempts))
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required unless storage.in_memory"))
	}
	return errors.Join(errs...)
}

func appendAddr(errs []error, name, v string) []error {
	if v != "" && !common.IsHexAddress(v) {
		return append(errs, fmt.Errorf("%s: invalid address %q", name, v))
	}
	return errs
}

// LargePositionThreshold parses Risk.LargePositionNotional. Nil disables.
func (c Config) LargePositionThreshold() *big.Int {
	if c.Risk.LargePositionNotional == "" {
		return nil
	}
	v, err := fixedpoint.ParseAmount(c.Risk.LargePositionNotional)
	if err != nil {
		return nil
	}
	return v
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envUint64(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envMillis(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// envList splits a comma-separated value, e.g. "a,b,c".
func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
