package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AllowedOrigin         string
	PublicBaseURL         string
	UploadDir             string
	AccessTokenTTLMinutes int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func Load() Config {
	port := getenv("APP_PORT", "8080")
	dsn := getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=sltr port=5432 sslmode=disable TimeZone=UTC")
	secret := getenv("JWT_SECRET", "dev-secret-change-me")
	env := getenv("APP_ENV", "dev")
	origin := getenv("ALLOWED_ORIGIN", "http://localhost:3000")
	baseURL := getenv("PUBLIC_BASE_URL", "http://localhost:"+port)
	uploadDir := getenv("UPLOAD_DIR", "./uploads")
	accessTTLStr := getenv("ACCESS_TOKEN_TTL_MINUTES", "60")
	accessTTL, err := strconv.Atoi(accessTTLStr)
	if err != nil || accessTTL <= 0 {
		accessTTL = 60
	}
	return Config{
		Port:                  port,
		DatabaseDSN:           dsn,
		JWTSecret:             secret,
		Env:                   env,
		AllowedOrigin:         origin,
		PublicBaseURL:         baseURL,
		UploadDir:             uploadDir,
		AccessTokenTTLMinutes: accessTTL,
	}
}

// Validate 在启动时做基本检查，非 dev 环境禁止使用默认密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("port must not be empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("database dsn must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == "dev-secret-change-me" {
		return errors.New("default jwt secret is not allowed outside dev")
	}
	return nil
}
