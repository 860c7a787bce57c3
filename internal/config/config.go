package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultJWTSecret is only acceptable when APP_ENV=dev.
	DefaultJWTSecret = "dev-secret-change-me"

	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port               string
	Env                string
	LogLevel           string
	DatabaseDSN        string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RefreshStore       string
	RedisAddr          string
	CORSOrigin         string
	RateLimitPerMinute int
	BcryptCost         int
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Load 从环境变量读取配置，缺失或非法的值回退到默认值。
func Load() Config {
	return Config{
		Port:               getenv("APP_PORT", "4000"),
		Env:                getenv("APP_ENV", "dev"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		DatabaseDSN:        getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=streaming port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:          getenv("JWT_SECRET", DefaultJWTSecret),
		AccessTokenTTL:     ParseDuration(getenv("JWT_EXPIRES_IN", "15m"), DefaultAccessTokenTTL),
		RefreshTokenTTL:    ParseDuration(getenv("REFRESH_EXPIRES_IN", "30d"), DefaultRefreshTokenTTL),
		RefreshStore:       strings.ToLower(getenv("REFRESH_STORE", StorePostgres)),
		RedisAddr:          getenv("REDIS_ADDR", ""),
		CORSOrigin:         getenv("CORS_ORIGIN", ""),
		RateLimitPerMinute: getenvInt("RATE_LIMIT_PER_MINUTE", 100),
		BcryptCost:         getenvInt("BCRYPT_COST", 10),
	}
}

var durationRe = regexp.MustCompile(`^([0-9]+)([smhd])$`)

// ParseDuration 解析 "15m"、"30d" 这类时长，单位仅限 s/m/h/d。
// 无法解析或结果为零时返回 fallback，绝不返回零 TTL。
func ParseDuration(value string, fallback time.Duration) time.Duration {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return fallback
	}
	amount, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || amount <= 0 {
		return fallback
	}
	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if amount > math.MaxInt64/int64(unit) {
		return fallback
	}
	return time.Duration(amount) * unit
}

// Validate 在启动时拒绝不安全或不完整的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is required")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is required")
	}
	if len(cfg.JWTSecret) < 8 {
		return errors.New("config: JWT_SECRET must be at least 8 characters")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("config: default JWT_SECRET is not allowed in %q", cfg.Env)
	}
	switch cfg.RefreshStore {
	case StorePostgres:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR is required when REFRESH_STORE=redis")
		}
	default:
		return fmt.Errorf("config: unknown REFRESH_STORE %q", cfg.RefreshStore)
	}
	return nil
}
