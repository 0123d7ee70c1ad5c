package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RunMigrations         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	LogFormat             string
	BusinessTimezone      string
	VarianceGreenMax      float64
	VarianceYellowMax     float64
	AnomalyWarningLiters  float64
	AnomalyCriticalLiters float64
	TransactionScope      string
	PriceCacheTTLSeconds  int
	ShiftAutoLockHours    int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real env vars win over it.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("database_url", "")
	v.SetDefault("run_migrations", false)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("auth_secret", "")
	v.SetDefault("access_token_ttl_minutes", 480)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("business_timezone", "Asia/Bangkok")
	v.SetDefault("variance_green_max", 200)
	v.SetDefault("variance_yellow_max", 500)
	v.SetDefault("anomaly_warning_liters", 10)
	v.SetDefault("anomaly_critical_liters", 50)
	v.SetDefault("reconcile_transaction_scope", "daily_record")
	v.SetDefault("price_cache_ttl_seconds", 300)
	v.SetDefault("shift_auto_lock_hours", 24)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	tokenTTL := v.GetInt("access_token_ttl_minutes")
	if tokenTTL < 1 {
		tokenTTL = 480
	}
	cacheTTL := v.GetInt("price_cache_ttl_seconds")
	if cacheTTL < 0 {
		cacheTTL = 300
	}
	autoLock := v.GetInt("shift_auto_lock_hours")
	if autoLock < 1 {
		autoLock = 24
	}

	return Config{
		Port:                  v.GetString("port"),
		AllowedOrigin:         strings.TrimSpace(v.GetString("allowed_origin")),
		DatabaseURL:           strings.TrimSpace(v.GetString("database_url")),
		RunMigrations:         v.GetBool("run_migrations"),
		RedisAddr:             strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:         v.GetString("redis_password"),
		RedisDB:               v.GetInt("redis_db"),
		AuthSecret:            strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              strings.ToLower(v.GetString("log_level")),
		LogFormat:             strings.ToLower(v.GetString("log_format")),
		BusinessTimezone:      v.GetString("business_timezone"),
		VarianceGreenMax:      v.GetFloat64("variance_green_max"),
		VarianceYellowMax:     v.GetFloat64("variance_yellow_max"),
		AnomalyWarningLiters:  v.GetFloat64("anomaly_warning_liters"),
		AnomalyCriticalLiters: v.GetFloat64("anomaly_critical_liters"),
		TransactionScope:      strings.ToLower(v.GetString("reconcile_transaction_scope")),
		PriceCacheTTLSeconds:  cacheTTL,
		ShiftAutoLockHours:    autoLock,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Validate rejects threshold pairs whose upper bound sits below the lower
// one, which would leave the middle tier unreachable.
func (c Config) Validate() error {
	if c.VarianceGreenMax <= 0 {
		return fmt.Errorf("VARIANCE_GREEN_MAX must be positive, got %v", c.VarianceGreenMax)
	}
	if c.VarianceYellowMax < c.VarianceGreenMax {
		return fmt.Errorf("VARIANCE_YELLOW_MAX (%v) must not be below VARIANCE_GREEN_MAX (%v)", c.VarianceYellowMax, c.VarianceGreenMax)
	}
	if c.AnomalyWarningLiters <= 0 {
		return fmt.Errorf("ANOMALY_WARNING_LITERS must be positive, got %v", c.AnomalyWarningLiters)
	}
	if c.AnomalyCriticalLiters < c.AnomalyWarningLiters {
		return fmt.Errorf("ANOMALY_CRITICAL_LITERS (%v) must not be below ANOMALY_WARNING_LITERS (%v)", c.AnomalyCriticalLiters, c.AnomalyWarningLiters)
	}
	return nil
}
