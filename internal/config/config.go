package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Lawbook  LawbookConfig  `yaml:"lawbook"`
	Sync     SyncConfig     `yaml:"sync"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Forge    ForgeConfig    `yaml:"forge"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Debug    bool           `yaml:"debug"`
}

type ServerConfig struct {
	Port         string `yaml:"port"`
	Env          string `yaml:"env"`
	ServiceToken string `yaml:"service_token"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LawbookConfig struct {
	ID string `yaml:"id"`
}

type SyncConfig struct {
	IntervalSeconds int  `yaml:"interval_seconds"`
	FanOut          int  `yaml:"fan_out"`
	DryRun          bool `yaml:"dry_run"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

type ForgeConfig struct {
	AppID         string `yaml:"app_id"`
	PrivateKeyPEM string `yaml:"private_key_pem"`
	BaseURL       string `yaml:"base_url"`
}

type DeployConfig struct {
	ForceNewDeployEnabled bool `yaml:"force_new_deploy_enabled"`
	SnapshotTTLSeconds    int  `yaml:"snapshot_ttl_seconds"`
}

// Load reads the YAML config file if present and then applies environment
// overrides. A missing file is not an error; the environment alone is a
// complete configuration.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", Env: "development"},
		Lawbook: LawbookConfig{ID: "AFU9-LAWBOOK"},
		Sync:    SyncConfig{IntervalSeconds: 120, FanOut: 4, DryRun: true},
		Deploy:  DeployConfig{SnapshotTTLSeconds: 30},
		Database: DatabaseConfig{
			Host: "localhost", Port: "5432", Name: "afu9", User: "afu9", SSLMode: "disable",
		},
	}
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.ServiceToken, "SERVICE_TOKEN")
	setBool(&c.Database.Enabled, "DATABASE_ENABLED")
	setStr(&c.Database.Host, "DATABASE_HOST")
	setStr(&c.Database.Port, "DATABASE_PORT")
	setStr(&c.Database.Name, "DATABASE_NAME")
	setStr(&c.Database.User, "DATABASE_USER")
	setStr(&c.Database.Password, "DATABASE_PASSWORD")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Lawbook.ID, "LAWBOOK_ID")
	setStr(&c.Webhooks.Secret, "FORGE_WEBHOOK_SECRET")
	setStr(&c.Forge.AppID, "FORGE_APP_ID")
	setStr(&c.Forge.PrivateKeyPEM, "FORGE_APP_PRIVATE_KEY_PEM")
	setStr(&c.Forge.BaseURL, "FORGE_BASE_URL")
	setBool(&c.Deploy.ForceNewDeployEnabled, "FORCE_NEW_DEPLOY_ENABLED")
	setBool(&c.Debug, "DEBUG_MODE")
	setBool(&c.Sync.DryRun, "SYNC_DRY_RUN")
	setInt(&c.Sync.FanOut, "SYNC_FAN_OUT")
	setInt(&c.Sync.IntervalSeconds, "SYNC_INTERVAL_SECONDS")
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return "host=" + d.Host + " port=" + d.Port + " dbname=" + d.Name +
		" user=" + d.User + " password=" + d.Password + " sslmode=" + ssl
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
