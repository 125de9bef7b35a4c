package config

import (
	"os"
	"time"
)

// LoadFromEnv applies SHOPKEEP_* overrides to cfg. Unparseable durations are ignored.
func LoadFromEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "SHOPKEEP_ADDR")
	setString(&cfg.Server.DBPath, "SHOPKEEP_DB_PATH")
	setString(&cfg.Log.Level, "SHOPKEEP_LOG_LEVEL")
	setString(&cfg.Log.Format, "SHOPKEEP_LOG_FORMAT")

	p := &cfg.Provision
	setString(&p.PublicHost, "SHOPKEEP_PUBLIC_HOST")
	setString(&p.WPImage, "SHOPKEEP_WP_IMAGE")
	setString(&p.MySQLImage, "SHOPKEEP_MYSQL_IMAGE")
	setString(&p.WooCommerceSource, "SHOPKEEP_WOOCOMMERCE_SOURCE")
	setString(&p.DemoDataURL, "SHOPKEEP_DEMO_DATA_URL")
	setDuration(&p.StepTimeout, "SHOPKEEP_STEP_TIMEOUT")
	setDuration(&p.ExecTimeout, "SHOPKEEP_EXEC_TIMEOUT")
	setDuration(&p.HealthTimeout, "SHOPKEEP_HEALTH_TIMEOUT")
	setDuration(&p.PollInterval, "SHOPKEEP_POLL_INTERVAL")
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setString(dst *string, key string) {
	*dst = GetEnvOrDefault(key, *dst)
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
