// Package config centraliza o carregamento de configurações da aplicação.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/JeanGrijp/admission-controller/internal/core/domain"
)

type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Storage   StorageConfig
	Admission AdmissionConfig
}

type ServerConfig struct {
	Port              string
	TrustProxyHeaders bool
	TokenHeader       string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	Type   string
	Shards int
	Redis  RedisConfig
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

type AdmissionConfig struct {
	IPRule           domain.Rule
	DefaultTokenRule domain.Rule
	TokenRules       map[string]domain.Rule
}

func Load() (Config, error) {
	_ = godotenv.Load()

	trustProxy, err := strconv.ParseBool(getEnv("TRUST_PROXY_HEADERS", "false"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid TRUST_PROXY_HEADERS: %w", err)
	}
	server := ServerConfig{
		Port:              getEnv("SERVER_PORT", "8080"),
		TrustProxyHeaders: trustProxy,
		TokenHeader:       getEnv("TOKEN_HEADER", "API_KEY"),
	}

	logging := LoggingConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}

	shards, err := strconv.Atoi(getEnv("ADMISSION_SHARDS", "32"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid ADMISSION_SHARDS: %w", err)
	}

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	admissionConfig, err := buildAdmissionConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server:  server,
		Logging: logging,
		Storage: StorageConfig{
			Type:   strings.ToLower(getEnv("STORAGE_TYPE", "memory")),
			Shards: shards,
			Redis:  redisConfig,
		},
		Admission: admissionConfig,
	}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Host:      host,
		Port:      port,
		Password:  os.Getenv("REDIS_PASSWORD"),
		DB:        db,
		KeyPrefix: getEnv("REDIS_KEY_PREFIX", "admission"),
	}, nil
}

func buildAdmissionConfig() (AdmissionConfig, error) {
	maxTrackedKeys, err := strconv.Atoi(getEnv("RATE_LIMIT_MAX_TRACKED_KEYS", "10000"))
	if err != nil {
		return AdmissionConfig{}, fmt.Errorf("invalid RATE_LIMIT_MAX_TRACKED_KEYS: %w", err)
	}
	ipRequests, err := strconv.Atoi(getEnv("RATE_LIMIT_IP_REQUESTS", "10"))
	if err != nil {
		return AdmissionConfig{}, fmt.Errorf("invalid RATE_LIMIT_IP_REQUESTS: %w", err)
	}
	ipWindowSeconds, err := strconv.Atoi(getEnv("RATE_LIMIT_IP_WINDOW_SECONDS", "1"))
	if err != nil {
		return AdmissionConfig{}, fmt.Errorf("invalid RATE_LIMIT_IP_WINDOW_SECONDS: %w", err)
	}

	ipRule := domain.Rule{
		MaxEvents:      ipRequests,
		Window:         time.Duration(ipWindowSeconds) * time.Second,
		MaxTrackedKeys: maxTrackedKeys,
	}
	if err := ipRule.Validate(); err != nil {
		return AdmissionConfig{}, fmt.Errorf("ip rule: %w", err)
	}

	defaultTokenRule, err := buildOptionalTokenRule(maxTrackedKeys)
	if err != nil {
		return AdmissionConfig{}, err
	}

	tokenRules, err := buildTokenOverrides(maxTrackedKeys)
	if err != nil {
		return AdmissionConfig{}, err
	}

	return AdmissionConfig{
		IPRule:           ipRule,
		DefaultTokenRule: defaultTokenRule,
		TokenRules:       tokenRules,
	}, nil
}

func buildOptionalTokenRule(maxTrackedKeys int) (domain.Rule, error) {
	requestsStr := os.Getenv("RATE_LIMIT_TOKEN_DEFAULT_REQUESTS")
	if strings.TrimSpace(requestsStr) == "" {
		return domain.Rule{}, nil
	}

	requests, err := strconv.Atoi(strings.TrimSpace(requestsStr))
	if err != nil {
		return domain.Rule{}, fmt.Errorf("invalid RATE_LIMIT_TOKEN_DEFAULT_REQUESTS: %w", err)
	}

	windowSeconds, err := strconv.Atoi(getEnv("RATE_LIMIT_TOKEN_DEFAULT_WINDOW_SECONDS", "1"))
	if err != nil {
		return domain.Rule{}, fmt.Errorf("invalid RATE_LIMIT_TOKEN_DEFAULT_WINDOW_SECONDS: %w", err)
	}

	rule := domain.Rule{
		MaxEvents:      requests,
		Window:         time.Duration(windowSeconds) * time.Second,
		MaxTrackedKeys: maxTrackedKeys,
	}
	if err := rule.Validate(); err != nil {
		return domain.Rule{}, fmt.Errorf("default token rule: %w", err)
	}
	return rule, nil
}

func buildTokenOverrides(maxTrackedKeys int) (map[string]domain.Rule, error) {
	raw := strings.TrimSpace(os.Getenv("TOKENS"))
	if raw == "" {
		return map[string]domain.Rule{}, nil
	}

	overrides := make(map[string]domain.Rule)
	items := strings.Split(raw, ",")

	for _, item := range items {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("token override must follow TOKEN:REQUESTS:WINDOW_SECONDS: %s", item)
		}

		token := strings.TrimSpace(parts[0])
		if token == "" {
			return nil, fmt.Errorf("token override has an empty token: %s", item)
		}
		requests, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid requests for token %s: %w", token, err)
		}
		windowSeconds, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid window seconds for token %s: %w", token, err)
		}

		rule := domain.Rule{
			MaxEvents:      requests,
			Window:         time.Duration(windowSeconds) * time.Second,
			MaxTrackedKeys: maxTrackedKeys,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("token %s: %w", token, err)
		}
		overrides[token] = rule
	}

	return overrides, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
