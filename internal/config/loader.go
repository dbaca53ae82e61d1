package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SPEED_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SPEED_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets and addresses at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.URL, "SPEED_POSTGRES_URL")
	setStr(&cfg.Postgres.MigrationsDir, "SPEED_POSTGRES_MIGRATIONS_DIR")
	setInt(&cfg.Postgres.BatchSize, "SPEED_POSTGRES_BATCH_SIZE")
	setDuration(&cfg.Postgres.FlushTimeout, "SPEED_POSTGRES_FLUSH_TIMEOUT")
	setInt(&cfg.Postgres.PersistChanSize, "SPEED_POSTGRES_PERSIST_CHAN_SIZE")

	setStr(&cfg.NATS.URL, "SPEED_NATS_URL")
	setStr(&cfg.NATS.StreamName, "SPEED_NATS_STREAM_NAME")
	setStr(&cfg.NATS.SubjectPrefix, "SPEED_NATS_SUBJECT_PREFIX")
	setStr(&cfg.NATS.DurableName, "SPEED_NATS_DURABLE_NAME")
	setInt(&cfg.NATS.PublishChanSize, "SPEED_NATS_PUBLISH_CHAN_SIZE")

	setStr(&cfg.Server.HTTPAddr, "SPEED_SERVER_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "SPEED_SERVER_METRICS_ADDR")

	setStr(&cfg.Engine.Admin, "SPEED_ENGINE_ADMIN")
	setStringSlice(&cfg.Engine.Resolvers, "SPEED_ENGINE_RESOLVERS")
	setBool(&cfg.Engine.BatchStopOnError, "SPEED_ENGINE_BATCH_STOP_ON_ERROR")

	setStr(&cfg.Limits.MinBuyinUSD, "SPEED_LIMITS_MIN_BUYIN_USD")
	setStr(&cfg.Limits.MaxBuyinUSD, "SPEED_LIMITS_MAX_BUYIN_USD")
	setDuration(&cfg.Limits.MinDuration, "SPEED_LIMITS_MIN_DURATION")
	setDuration(&cfg.Limits.MaxDuration, "SPEED_LIMITS_MAX_DURATION")
	setDuration(&cfg.Limits.MinTimeFrame, "SPEED_LIMITS_MIN_TIME_FRAME")
	setDuration(&cfg.Limits.MaxTimeFrame, "SPEED_LIMITS_MAX_TIME_FRAME")
	setInt(&cfg.Limits.MinChainLength, "SPEED_LIMITS_MIN_CHAIN_LENGTH")
	setInt(&cfg.Limits.MaxChainLength, "SPEED_LIMITS_MAX_CHAIN_LENGTH")
	setStr(&cfg.Limits.DefaultSlippage, "SPEED_LIMITS_DEFAULT_SLIPPAGE")

	setStr(&cfg.Fees.DefaultRate, "SPEED_FEES_DEFAULT_RATE")
	setStr(&cfg.Fees.MaxSkewImpact, "SPEED_FEES_MAX_SKEW_IMPACT")

	setDuration(&cfg.Oracle.MaxStaleness, "SPEED_ORACLE_MAX_STALENESS")

	setStr(&cfg.Referral.DefaultRate, "SPEED_REFERRAL_DEFAULT_RATE")
	setStr(&cfg.Referral.SilverRate, "SPEED_REFERRAL_SILVER_RATE")
	setStr(&cfg.Referral.GoldRate, "SPEED_REFERRAL_GOLD_RATE")

	setStr(&cfg.LogLevel, "SPEED_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
