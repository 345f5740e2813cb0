// Package config provides a reusable loader for paidinbox configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"paidinbox/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for any paidinbox binary (API glue,
// delivery worker, chain indexer, migrator). It mirrors the structure of the
// optional YAML files that Load reads (default.yaml and <env>.yaml, looked
// up in config/ and the working directory).
type Config struct {
	Env string `mapstructure:"env" json:"env"`

	Persistence struct {
		Backend string `mapstructure:"backend" json:"backend"` // postgres | sqlite
		Strict  bool   `mapstructure:"strict" json:"strict"`
		DSN     string `mapstructure:"dsn" json:"dsn"`
		DBPath  string `mapstructure:"db_path" json:"db_path"` // embedded/file-fallback path
	} `mapstructure:"persistence" json:"persistence"`

	Worker struct {
		Distributed    bool `mapstructure:"distributed" json:"distributed"`
		PollIntervalMS int  `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		BatchSize      int  `mapstructure:"batch_size" json:"batch_size"`
		ClaimLockTTLMS int  `mapstructure:"claim_lock_ttl_ms" json:"claim_lock_ttl_ms"`
		JobLockTTLMS   int  `mapstructure:"job_lock_ttl_ms" json:"job_lock_ttl_ms"`
		MaxAttempts    int  `mapstructure:"max_attempts" json:"max_attempts"`
	} `mapstructure:"worker" json:"worker"`

	Indexer struct {
		PollIntervalMS int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
		StartBlock     uint64 `mapstructure:"start_block" json:"start_block"`
		LockTTLMS      int    `mapstructure:"lock_ttl_ms" json:"lock_ttl_ms"`
		RPCURL         string `mapstructure:"rpc_url" json:"rpc_url"`
		VaultAddress   string `mapstructure:"vault_address" json:"vault_address"`
		ChainID        string `mapstructure:"chain_id" json:"chain_id"`
		TokenDecimals  int    `mapstructure:"token_decimals" json:"token_decimals"`
	} `mapstructure:"indexer" json:"indexer"`

	RateLimit struct {
		WindowMS int `mapstructure:"window_ms" json:"window_ms"`
		Max      int `mapstructure:"max" json:"max"`
	} `mapstructure:"rate_limit" json:"rate_limit"`

	Abuse struct {
		Enabled          bool                      `mapstructure:"enabled" json:"enabled"`
		WindowMS         int64                     `mapstructure:"window_ms" json:"window_ms"`
		BlockDurationMS  int64                     `mapstructure:"block_duration_ms" json:"block_duration_ms"`
		ScoreLimit       int64                     `mapstructure:"score_limit" json:"score_limit"`
		MissingUAPenalty int64                     `mapstructure:"missing_ua_penalty" json:"missing_ua_penalty"`
		Dimensions       map[string]AbuseDimConfig `mapstructure:"dimensions" json:"dimensions"`
	} `mapstructure:"abuse" json:"abuse"`

	Legal struct {
		TOSVersion       string `mapstructure:"tos_version" json:"tos_version"`
		RequireSocialTOS bool   `mapstructure:"require_social_tos_accepted" json:"require_social_tos_accepted"`
	} `mapstructure:"legal" json:"legal"`

	Identity struct {
		Strict            bool     `mapstructure:"strict" json:"strict"`
		ProviderAllowlist []string `mapstructure:"provider_allowlist" json:"provider_allowlist"`
	} `mapstructure:"identity" json:"identity"`

	Observability struct {
		MetricsEnabled  bool               `mapstructure:"metrics_enabled" json:"metrics_enabled"`
		TracingEnabled  bool               `mapstructure:"tracing_enabled" json:"tracing_enabled"`
		BearerToken     string             `mapstructure:"bearer_token" json:"bearer_token"`
		MaxSpans        int                `mapstructure:"max_spans" json:"max_spans"`
		AlertWebhook    string             `mapstructure:"alert_webhook" json:"alert_webhook"`
		AlertCadenceMS  int                `mapstructure:"alert_cadence_ms" json:"alert_cadence_ms"`
		ExportURL       string             `mapstructure:"export_url" json:"export_url"`
		ExportTimeoutMS int                `mapstructure:"export_timeout_ms" json:"export_timeout_ms"`
		HealthCadenceMS int                `mapstructure:"health_cadence_ms" json:"health_cadence_ms"`
		Thresholds      ObservabilityAlert `mapstructure:"thresholds" json:"thresholds"`
	} `mapstructure:"observability" json:"observability"`

	Launch struct {
		Enabled     bool `mapstructure:"enabled" json:"enabled"`
		BlockOnWarn bool `mapstructure:"block_on_warn" json:"block_on_warn"`
	} `mapstructure:"launch" json:"launch"`

	Secrets struct {
		SessionSecret      string `mapstructure:"session_secret" json:"session_secret"`
		PIISecret          string `mapstructure:"pii_secret" json:"pii_secret"`
		SmartAccountSecret string `mapstructure:"smart_account_secret" json:"smart_account_secret"`
	} `mapstructure:"secrets" json:"secrets"`

	Redis struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"redis" json:"redis"`

	Notifications struct {
		ProviderTokens map[string]string `mapstructure:"provider_tokens" json:"provider_tokens"`
	} `mapstructure:"notifications" json:"notifications"`
}

// AbuseDimConfig is the per-dimension weight/max/penalty tuple from spec §4.C.
type AbuseDimConfig struct {
	Weight  int64 `mapstructure:"weight" json:"weight"`
	Max     int64 `mapstructure:"max" json:"max"`
	Penalty int64 `mapstructure:"penalty" json:"penalty"`
}

// ObservabilityAlert holds the health-snapshot thresholds of spec §4.H: a
// value <= 0 disables that particular check.
type ObservabilityAlert struct {
	DeliveryPendingMax  int64   `mapstructure:"delivery_pending_max" json:"delivery_pending_max"`
	DeliveryFailedMax   int64   `mapstructure:"delivery_failed_max" json:"delivery_failed_max"`
	IndexerLagBlocksMax float64 `mapstructure:"indexer_lag_blocks_max" json:"indexer_lag_blocks_max"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// IsProduction reports whether Env names a production deployment.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	setDefaults()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PAIDINBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the PAIDINBOX_ENV environment
// variable to select an overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("PAIDINBOX_ENV", ""))
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("persistence.backend", "sqlite")
	viper.SetDefault("persistence.strict", false)
	viper.SetDefault("worker.distributed", false)
	viper.SetDefault("worker.poll_interval_ms", 2000)
	viper.SetDefault("worker.batch_size", 25)
	viper.SetDefault("worker.claim_lock_ttl_ms", 10000)
	viper.SetDefault("worker.job_lock_ttl_ms", 30000)
	viper.SetDefault("worker.max_attempts", 5)
	viper.SetDefault("indexer.poll_interval_ms", 15000)
	viper.SetDefault("indexer.lock_ttl_ms", 30000)
	viper.SetDefault("indexer.token_decimals", 18)
	viper.SetDefault("rate_limit.window_ms", 60000)
	viper.SetDefault("rate_limit.max", 30)
	viper.SetDefault("abuse.enabled", true)
	viper.SetDefault("abuse.window_ms", 60000)
	viper.SetDefault("abuse.block_duration_ms", 900000)
	viper.SetDefault("abuse.score_limit", 10)
	viper.SetDefault("abuse.missing_ua_penalty", 2)
	viper.SetDefault("legal.tos_version", "2024-01-01")
	viper.SetDefault("legal.require_social_tos_accepted", true)
	viper.SetDefault("identity.strict", false)
	viper.SetDefault("observability.metrics_enabled", true)
	viper.SetDefault("observability.max_spans", 2048)
	viper.SetDefault("observability.alert_cadence_ms", 60000)
	viper.SetDefault("observability.export_timeout_ms", 5000)
	viper.SetDefault("observability.health_cadence_ms", 30000)
	viper.SetDefault("observability.thresholds.delivery_pending_max", 1000)
	viper.SetDefault("observability.thresholds.delivery_failed_max", 200)
	viper.SetDefault("observability.thresholds.indexer_lag_blocks_max", 50)
	viper.SetDefault("launch.enabled", true)
	viper.SetDefault("launch.block_on_warn", false)
}
