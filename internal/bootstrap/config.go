package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/yohan020/my-bucket-editor/internal/tunnel"
)

const defaultTokenSecret = "bucket-editor-local-secret"

// Config holds settings loaded from the environment or a .env file.
type Config struct {
	AppEnv   string
	LogLevel string

	DataDir     string
	TokenSecret string
	TokenTTL    time.Duration
	BcryptCost  int

	HostAddr string // loopback control API
	BindHost string // interface project servers listen on; empty means all

	LoginRate  int // login attempts per minute per client
	LoginBurst int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TunnelHost string
}

// LoadConfig reads the configuration. A missing .env file is not an error.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:        getenv("APP_ENV", "development"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		DataDir:       os.Getenv("BUCKET_DATA_DIR"),
		TokenSecret:   os.Getenv("BUCKET_TOKEN_SECRET"),
		HostAddr:      getenv("BUCKET_HOST_ADDR", "127.0.0.1:7070"),
		BindHost:      os.Getenv("BUCKET_BIND_HOST"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		TunnelHost:    getenv("BUCKET_TUNNEL_HOST", tunnel.DefaultHost),
	}

	var err error
	if cfg.TokenTTL, err = time.ParseDuration(getenv("BUCKET_TOKEN_TTL", "1h")); err != nil || cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("invalid BUCKET_TOKEN_TTL: %q", os.Getenv("BUCKET_TOKEN_TTL"))
	}
	if cfg.BcryptCost, err = getint("BUCKET_BCRYPT_COST", bcrypt.DefaultCost); err != nil {
		return nil, err
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("BUCKET_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if cfg.LoginRate, err = getint("BUCKET_LOGIN_RATE", 30); err != nil {
		return nil, err
	}
	if cfg.LoginBurst, err = getint("BUCKET_LOGIN_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.LoginRate <= 0 || cfg.LoginBurst <= 0 {
		return nil, fmt.Errorf("BUCKET_LOGIN_RATE and BUCKET_LOGIN_BURST must be positive")
	}
	if cfg.RedisDB, err = getint("REDIS_DB", 0); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("BUCKET_DATA_DIR is not set and no config dir is available: %w", err)
		}
		cfg.DataDir = filepath.Join(dir, "bucket-editor")
	}
	if cfg.TokenSecret == "" {
		logrus.Warn("BUCKET_TOKEN_SECRET is not set, using the built-in secret")
		cfg.TokenSecret = defaultTokenSecret
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}
