// Package config defines all configuration for the exchange core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive and deployment-specific fields overridable via EXCH_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/exchange-core/matching-core/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure: storage root path, WAL rotation size, MemTable flush thresholds,
// compaction thresholds, replication timeouts, and min-votes-required. The
// per-category compression strategy is not configurable here; it is the
// fixed table in internal/storage/compress.
type Config struct {
	NodeID      string            `mapstructure:"node_id"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Account     AccountConfig     `mapstructure:"account"`
	Risk        RiskConfig        `mapstructure:"risk"`
	Matching    MatchingConfig    `mapstructure:"matching"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StorageConfig controls the WAL/MemTable/SSTable/compaction/checkpoint
// subsystem.
type StorageConfig struct {
	RootDir string `mapstructure:"root_dir"`

	WALRotateBytes    int64         `mapstructure:"wal_rotate_bytes"`
	WALBatchMaxRecord int           `mapstructure:"wal_batch_max_records"`
	WALBatchMaxDelay  time.Duration `mapstructure:"wal_batch_max_delay"`

	MemtableOLTPFlushBytes int64         `mapstructure:"memtable_oltp_flush_bytes"`
	MemtableOLTPFlushIdle  time.Duration `mapstructure:"memtable_oltp_flush_idle"`
	MemtableOLAPFlushRows  int           `mapstructure:"memtable_olap_flush_rows"`
	MemtableOLAPFlushIdle  time.Duration `mapstructure:"memtable_olap_flush_idle"`

	SSTableBlockBytes  int     `mapstructure:"sstable_block_bytes"`
	SSTableRowGroup    int     `mapstructure:"sstable_row_group"`
	BloomFalsePositive float64 `mapstructure:"bloom_false_positive"`

	CompactionL0Trigger   int `mapstructure:"compaction_l0_trigger"`
	CompactionLevelFactor int `mapstructure:"compaction_level_factor"`

	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// ReplicationConfig controls master-slave log replication.
type ReplicationConfig struct {
	Peers                []string      `mapstructure:"peers"`
	ListenAddr           string        `mapstructure:"listen_addr"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ElectionTimeoutMin   time.Duration `mapstructure:"election_timeout_min"`
	ElectionTimeoutMax   time.Duration `mapstructure:"election_timeout_max"`
	ReplicationBatchSize int           `mapstructure:"replication_batch_size"`
	ReplicationTimeout   time.Duration `mapstructure:"replication_timeout"`
	MinVotesRequired     int           `mapstructure:"min_votes_required"`
	SigningKeyHex        string        `mapstructure:"signing_key_hex"`
}

// AccountConfig controls account-core policy defaults.
type AccountConfig struct {
	// ForceLiquidationRiskRatio is required; Validate refuses to supply an
	// implicit default.
	ForceLiquidationRiskRatio float64 `mapstructure:"force_liquidation_risk_ratio"`

	// SettlementPricesFile names the admin-maintained YAML file of
	// per-instrument settlement prices read when a settlement is triggered.
	SettlementPricesFile string `mapstructure:"settlement_prices_file"`
}

// RiskConfig controls the risk monitor that flags forced-liquidation
// candidates between settlement runs.
type RiskConfig struct {
	// AlarmCooldown suppresses repeat liquidation-candidate alarms for the
	// same account.
	AlarmCooldown time.Duration `mapstructure:"alarm_cooldown"`
}

// MatchingConfig controls the per-instrument order book engine.
type MatchingConfig struct {
	Instruments []InstrumentConfig `mapstructure:"instruments"`
}

// InstrumentConfig is one tradeable instrument's static definition, loaded
// at startup and registered with the Coordinator's Registry.
type InstrumentConfig struct {
	ID             string `mapstructure:"id"`
	Multiplier     string `mapstructure:"multiplier"`
	TickSize       string `mapstructure:"tick_size"`
	MarginRate     string `mapstructure:"margin_rate"`
	CommissionRate string `mapstructure:"commission_rate"`
	Trading        bool   `mapstructure:"trading"`
}

// CoordinatorConfig controls order-ingress policy limits.
type CoordinatorConfig struct {
	MaxOpenOrdersPerAccount int           `mapstructure:"max_open_orders_per_account"`
	SubmissionRateLimitHz   float64       `mapstructure:"submission_rate_limit_hz"`
	SubmissionBurst         int           `mapstructure:"submission_burst"`
	RiskRatioCap            float64       `mapstructure:"risk_ratio_cap"`
	SubmitDeadline          time.Duration `mapstructure:"submit_deadline"`
}

// NotifyConfig controls the notification bus.
type NotifyConfig struct {
	SubscriptionQueueSize int           `mapstructure:"subscription_queue_size"`
	DropPolicy            string        `mapstructure:"drop_policy"` // "drop-oldest" | "drop-new"
	StorageBatchSize      int           `mapstructure:"storage_batch_size"`
	StorageBatchDelay     time.Duration `mapstructure:"storage_batch_delay"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("EXCH_REPLICATION_SIGNING_KEY_HEX"); key != "" {
		cfg.Replication.SigningKeyHex = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Storage.WALRotateBytes <= 0 {
		return fmt.Errorf("storage.wal_rotate_bytes must be > 0")
	}
	if c.Account.ForceLiquidationRiskRatio <= 0 {
		return fmt.Errorf("account.force_liquidation_risk_ratio is required and must be > 0")
	}
	if c.Replication.MinVotesRequired <= 0 {
		return fmt.Errorf("replication.min_votes_required is required and must be > 0")
	}
	if c.Coordinator.RiskRatioCap <= 0 {
		return fmt.Errorf("coordinator.risk_ratio_cap must be > 0")
	}
	return nil
}

// Default returns a Config populated with reasonable defaults for local
// development and tests; callers should still call Validate.
func Default() Config {
	return Config{
		NodeID: "node-1",
		Storage: StorageConfig{
			RootDir:                "./data",
			WALRotateBytes:         1 << 30,
			WALBatchMaxRecord:      500,
			WALBatchMaxDelay:       20 * time.Millisecond,
			MemtableOLTPFlushBytes: 64 << 20,
			MemtableOLTPFlushIdle:  60 * time.Second,
			MemtableOLAPFlushRows:  100_000,
			MemtableOLAPFlushIdle:  5 * time.Minute,
			SSTableBlockBytes:      64 << 10,
			SSTableRowGroup:        100_000,
			BloomFalsePositive:     0.01,
			CompactionL0Trigger:    4,
			CompactionLevelFactor:  10,
			CheckpointInterval:     time.Hour,
		},
		Replication: ReplicationConfig{
			HeartbeatInterval:    100 * time.Millisecond,
			ElectionTimeoutMin:   150 * time.Millisecond,
			ElectionTimeoutMax:   300 * time.Millisecond,
			ReplicationBatchSize: 100,
			ReplicationTimeout:   500 * time.Millisecond,
			MinVotesRequired:     2,
		},
		Account: AccountConfig{
			ForceLiquidationRiskRatio: 1.0,
		},
		Risk: RiskConfig{
			AlarmCooldown: time.Minute,
		},
		Matching: MatchingConfig{
			Instruments: []InstrumentConfig{
				{ID: "IF2603", Multiplier: "300", TickSize: "0.2", MarginRate: "0.12", CommissionRate: "0.00023", Trading: true},
			},
		},
		Coordinator: CoordinatorConfig{
			MaxOpenOrdersPerAccount: 200,
			SubmissionRateLimitHz:   50,
			SubmissionBurst:         100,
			RiskRatioCap:            0.9,
			SubmitDeadline:          2 * time.Second,
		},
		Notify: NotifyConfig{
			SubscriptionQueueSize: 1024,
			DropPolicy:            "drop-oldest",
			StorageBatchSize:      100,
			StorageBatchDelay:     10 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// settlementPricesFile is the schema of the settlement price file: a list
// rather than a map, so instrument IDs keep their case through viper.
type settlementPricesFile struct {
	Prices []struct {
		Instrument string `mapstructure:"instrument"`
		Price      string `mapstructure:"price"`
	} `mapstructure:"prices"`
}

// LoadSettlementPrices reads the admin-supplied settlement price file named
// by account.settlement_prices_file.
func LoadSettlementPrices(path string) (map[types.InstrumentID]decimal.Decimal, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settlement prices: %w", err)
	}
	var f settlementPricesFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal settlement prices: %w", err)
	}

	out := make(map[types.InstrumentID]decimal.Decimal, len(f.Prices))
	for _, e := range f.Prices {
		p, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("settlement price for %s: %w", e.Instrument, err)
		}
		out[types.InstrumentID(e.Instrument)] = p
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("settlement price file %s lists no prices", path)
	}
	return out, nil
}
