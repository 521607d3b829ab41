package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config carries everything the server and treetool binaries need. The
// yaml file is optional; env vars override whatever the file set.
type Config struct {
	HTTPAddr       string `yaml:"http_addr"`
	DatabaseURL    string `yaml:"database_url"`
	AuthzModel     string `yaml:"authz_model"`
	AuthzPolicy    string `yaml:"authz_policy"`
	AllowlistPath  string `yaml:"allowlist_path"`
	ChainCacheSize int    `yaml:"chain_cache_size"`
}

func Default() Config {
	return Config{
		HTTPAddr:       ":8080",
		AuthzModel:     "config/authz/model.conf",
		AuthzPolicy:    "config/authz/policy.csv",
		AllowlistPath:  "config/routing/allowlist.yaml",
		ChainCacheSize: 4096,
	}
}

// Load reads the yaml file at path (missing file is not an error when
// path is empty) and applies env overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = dsnFromEnvParts()
	}
	if cfg.ChainCacheSize < 1 {
		return Config{}, errors.New("config: chain_cache_size must be positive")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("AUTHZ_MODEL"); v != "" {
		cfg.AuthzModel = v
	}
	if v := os.Getenv("AUTHZ_POLICY"); v != "" {
		cfg.AuthzPolicy = v
	}
	if v := os.Getenv("ALLOWLIST_PATH"); v != "" {
		cfg.AllowlistPath = v
	}
	if v := os.Getenv("CHAIN_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("config: invalid CHAIN_CACHE_SIZE")
		}
		cfg.ChainCacheSize = n
	}
	return nil
}

func dsnFromEnvParts() string {
	host := getenvDefault("DB_HOST", "127.0.0.1")
	port := getenvDefault("DB_PORT", "5432")
	user := getenvDefault("DB_USER", "app")
	pass := getenvDefault("DB_PASSWORD", "app")
	name := getenvDefault("DB_NAME", "lineagekeep")
	sslmode := getenvDefault("DB_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   host + ":" + port,
		Path:   "/" + name,
	}
	q := u.Query()
	q.Set("sslmode", sslmode)
	u.RawQuery = q.Encode()
	return u.String()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
