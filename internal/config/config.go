// Package config loads shopkeep settings from a YAML file and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/shopkeep"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Provision ProvisionConfig `yaml:"provision"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`

	// Shop creations admitted per minute and their burst. Zero disables the limit.
	CreateRatePerMinute float64 `yaml:"create_rate_per_minute"`
	CreateBurst         int     `yaml:"create_burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ProvisionConfig struct {
	PublicHost        string        `yaml:"public_host"`
	WPImage           string        `yaml:"wp_image"`
	MySQLImage        string        `yaml:"mysql_image"`
	WooCommerceSource string        `yaml:"woocommerce_source"`
	DemoDataURL       string        `yaml:"demo_data_url"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	ExecTimeout       time.Duration `yaml:"exec_timeout"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                ":8080",
			DBPath:              shopkeep.DefaultDBPath(),
			CreateRatePerMinute: 6,
			CreateBurst:         3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Provision: ProvisionConfig{
			PublicHost:        "localhost",
			WPImage:           shopkeep.DefaultWPImage,
			MySQLImage:        shopkeep.DefaultMySQLImage,
			WooCommerceSource: "https://downloads.wordpress.org/plugin/woocommerce.8.6.1.zip",
			DemoDataURL:       "https://raw.githubusercontent.com/woocommerce/woocommerce/trunk/plugins/woocommerce/sample-data/sample_products.xml",
			StepTimeout:       15 * time.Minute,
			ExecTimeout:       5 * time.Minute,
			HealthTimeout:     3 * time.Minute,
			PollInterval:      2 * time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. With
// optional set, a missing file yields the defaults.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && optional:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	LoadFromEnv(&cfg)
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is empty")
	}
	if c.Server.DBPath == "" {
		problems = append(problems, "server.db_path is empty")
	}
	if c.Server.CreateRatePerMinute < 0 || c.Server.CreateBurst < 0 {
		problems = append(problems, "server.create_rate_per_minute and server.create_burst must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	if c.Provision.PublicHost == "" {
		problems = append(problems, "provision.public_host is empty")
	}
	for name, d := range map[string]time.Duration{
		"provision.step_timeout":   c.Provision.StepTimeout,
		"provision.exec_timeout":   c.Provision.ExecTimeout,
		"provision.health_timeout": c.Provision.HealthTimeout,
		"provision.poll_interval":  c.Provision.PollInterval,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Provision.ExecTimeout > c.Provision.StepTimeout {
		problems = append(problems, "provision.exec_timeout exceeds provision.step_timeout")
	}

	req := shopkeep.ShopRequest{
		SiteName:   "probe",
		WPImage:    c.Provision.WPImage,
		MySQLImage: c.Provision.MySQLImage,
	}.WithDefaults()
	if err := req.Validate(); err != nil {
		for _, d := range shopkeep.DetailsOf(err) {
			problems = append(problems, "provision."+d)
		}
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
