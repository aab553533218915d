// Package config loads the service configuration.
//
// Precedence, highest first: environment variables, a .env file in the
// working directory, an optional YAML file, built-in defaults. Environment
// names are the upper-cased keys with dots replaced by underscores, e.g.
// trading.commission_rate is TRADING_COMMISSION_RATE.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/spot-exchange/internal/limits"
	"github.com/atmx/spot-exchange/internal/settlement"
	"github.com/atmx/spot-exchange/internal/store"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the full service configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    string

	KafkaBrokers    []string
	KafkaTopic      string
	NotifyQueueSize int

	// FundingEnabled exposes the account opening and deposit endpoints.
	FundingEnabled bool

	Trading Trading
}

// Trading holds the exchange rules.
type Trading struct {
	CommissionRate   decimal.Decimal
	CommissionFrom   settlement.Payer
	SupportedSymbols []string
	PricePrecision   int32
	AmountPrecision  int32
	BalancePrecision int32
	MinOrderValue    *decimal.Decimal
	MaxOrderValue    *decimal.Decimal
	MaxRetries       int
	LockTimeout      time.Duration
}

var keys = []string{
	"port",
	"database_url",
	"redis_url",
	"cache_ttl",
	"log_level",
	"kafka.brokers",
	"kafka.topic",
	"notify.queue_size",
	"funding.enabled",
	"trading.commission_rate",
	"trading.commission_from",
	"trading.supported_symbols",
	"trading.precision.price",
	"trading.precision.amount",
	"trading.precision.balance",
	"trading.min_order_value",
	"trading.max_order_value",
	"trading.max_retries",
	"trading.lock_timeout",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("kafka.topic", "trades.settled")
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("funding.enabled", false)
	v.SetDefault("trading.commission_rate", "0.015")
	v.SetDefault("trading.commission_from", "buyer")
	v.SetDefault("trading.supported_symbols", "BTC,ETH")
	v.SetDefault("trading.precision.price", 8)
	v.SetDefault("trading.precision.amount", 8)
	v.SetDefault("trading.precision.balance", 8)
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.lock_timeout", "5s")
}

// Load reads the configuration. path names an optional YAML file; pass ""
// to skip it.
func Load(path string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		Port:            v.GetString("port"),
		DatabaseURL:     v.GetString("database_url"),
		RedisURL:        v.GetString("redis_url"),
		CacheTTL:        v.GetDuration("cache_ttl"),
		LogLevel:        v.GetString("log_level"),
		KafkaBrokers:    stringList(v, "kafka.brokers"),
		KafkaTopic:      v.GetString("kafka.topic"),
		NotifyQueueSize: v.GetInt("notify.queue_size"),
		FundingEnabled:  v.GetBool("funding.enabled"),
		Trading: Trading{
			CommissionFrom:   settlement.Payer(strings.ToLower(v.GetString("trading.commission_from"))),
			SupportedSymbols: stringList(v, "trading.supported_symbols"),
			PricePrecision:   v.GetInt32("trading.precision.price"),
			AmountPrecision:  v.GetInt32("trading.precision.amount"),
			BalancePrecision: v.GetInt32("trading.precision.balance"),
			MaxRetries:       v.GetInt("trading.max_retries"),
			LockTimeout:      v.GetDuration("trading.lock_timeout"),
		},
	}

	rate, err := decimal.NewFromString(v.GetString("trading.commission_rate"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: trading.commission_rate: %v", ErrInvalid, err)
	}
	cfg.Trading.CommissionRate = rate

	if cfg.Trading.MinOrderValue, err = optionalDecimal(v, "trading.min_order_value"); err != nil {
		return Config{}, err
	}
	if cfg.Trading.MaxOrderValue, err = optionalDecimal(v, "trading.max_order_value"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the exchange cannot run with.
func (c Config) Validate() error {
	t := c.Trading
	if t.CommissionRate.IsNegative() || t.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission rate %s outside [0, 1)", ErrInvalid, t.CommissionRate)
	}
	if t.CommissionFrom != settlement.PayerBuyer && t.CommissionFrom != settlement.PayerSeller {
		return fmt.Errorf("%w: commission payer %q must be buyer or seller", ErrInvalid, t.CommissionFrom)
	}
	for name, p := range map[string]int32{
		"price":   t.PricePrecision,
		"amount":  t.AmountPrecision,
		"balance": t.BalancePrecision,
	} {
		if p < 0 || p > 18 {
			return fmt.Errorf("%w: %s precision %d outside 0..18", ErrInvalid, name, p)
		}
		if c.DatabaseURL != "" && p > store.NumericScale {
			return fmt.Errorf("%w: %s precision %d exceeds the database scale %d", ErrInvalid, name, p, store.NumericScale)
		}
	}
	if len(t.SupportedSymbols) == 0 {
		return fmt.Errorf("%w: no supported symbols", ErrInvalid)
	}
	if t.MinOrderValue != nil && t.MaxOrderValue != nil && t.MinOrderValue.GreaterThan(*t.MaxOrderValue) {
		return fmt.Errorf("%w: min order value %s above max %s", ErrInvalid, t.MinOrderValue, t.MaxOrderValue)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries %d", ErrInvalid, t.MaxRetries)
	}
	if c.NotifyQueueSize < 1 {
		return fmt.Errorf("%w: notify queue size %d", ErrInvalid, c.NotifyQueueSize)
	}
	return nil
}

// Policy is the settlement policy the trading section describes.
func (t Trading) Policy() settlement.Policy {
	return settlement.Policy{
		Rate:             t.CommissionRate,
		Payer:            t.CommissionFrom,
		PricePrecision:   t.PricePrecision,
		AmountPrecision:  t.AmountPrecision,
		BalancePrecision: t.BalancePrecision,
	}
}

// Limiter is the order value limiter, nil when no bound is configured.
func (t Trading) Limiter() *limits.OrderValueLimiter {
	if t.MinOrderValue == nil && t.MaxOrderValue == nil {
		return nil
	}
	return limits.NewOrderValueLimiter(t.MinOrderValue, t.MaxOrderValue)
}

// stringList accepts either a YAML list or a comma-separated string.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func optionalDecimal(v *viper.Viper, key string) (*decimal.Decimal, error) {
	s := strings.TrimSpace(v.GetString(key))
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return &d, nil
}
