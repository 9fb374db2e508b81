package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Session   SessionConfig
	Redis     RedisConfig
	Image     ImageConfig
	RateLimit RateLimitConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	image, err := loadImageConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Session:   session,
		Redis:     redis,
		Image:     image,
		RateLimit: rateLimit,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// AIConfig 描述视觉/对话大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	Timeout      time.Duration
	KeywordLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	var timeout *time.Duration
	if c.Timeout > 0 {
		val := c.Timeout
		timeout = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
		Timeout:     timeout,
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		// 安全审计场景保持低随机性。
		val := 0.2
		temperature = &val
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeoutSeconds, err := parseIntEnv("AI_TIMEOUT_SECONDS", 60)
	if err != nil {
		return AIConfig{}, err
	}
	if timeoutSeconds < 1 {
		return AIConfig{}, fmt.Errorf("invalid AI_TIMEOUT_SECONDS value %d: must be positive", timeoutSeconds)
	}

	keywordLimit, err := parseIntEnv("AI_KEYWORD_LIMIT", 5)
	if err != nil {
		return AIConfig{}, err
	}
	if keywordLimit < 1 {
		keywordLimit = 1
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		Timeout:      time.Duration(timeoutSeconds) * time.Second,
		KeywordLimit: keywordLimit,
	}, nil
}

// SessionConfig 描述会话存储与过期策略。
type SessionConfig struct {
	// Store 为 "memory" 或 "redis"。
	Store         string
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	store := strings.ToLower(getEnvOrDefault("SESSION_STORE", "memory"))
	if store != "memory" && store != "redis" {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_STORE value %q: want memory or redis", store)
	}

	ttlMinutes, err := parseIntEnv("SESSION_IDLE_TTL_MINUTES", 60)
	if err != nil {
		return SessionConfig{}, err
	}
	if ttlMinutes < 0 {
		ttlMinutes = 0
	}

	sweepSeconds, err := parseIntEnv("SESSION_SWEEP_INTERVAL_SECONDS", 300)
	if err != nil {
		return SessionConfig{}, err
	}
	if sweepSeconds < 1 {
		sweepSeconds = 1
	}

	return SessionConfig{
		Store:         store,
		IdleTTL:       time.Duration(ttlMinutes) * time.Minute,
		SweepInterval: time.Duration(sweepSeconds) * time.Second,
	}, nil
}

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		Prefix:   getEnvOrDefault("REDIS_PREFIX", "sitesafety"),
	}, nil
}

// ImageConfig 限制上传图片的大小与尺寸。
type ImageConfig struct {
	MaxBytes     int64
	MaxDimension int
	MaxPixels    int64
}

func loadImageConfig() (ImageConfig, error) {
	maxBytes, err := parseIntEnv("IMAGE_MAX_BYTES", 10<<20)
	if err != nil {
		return ImageConfig{}, err
	}
	if maxBytes < 1 {
		return ImageConfig{}, fmt.Errorf("invalid IMAGE_MAX_BYTES value %d: must be positive", maxBytes)
	}

	maxDimension, err := parseIntEnv("IMAGE_MAX_DIMENSION", 1568)
	if err != nil {
		return ImageConfig{}, err
	}

	maxPixels, err := parseIntEnv("IMAGE_MAX_PIXELS", 36_000_000)
	if err != nil {
		return ImageConfig{}, err
	}
	if maxPixels < 1 {
		return ImageConfig{}, fmt.Errorf("invalid IMAGE_MAX_PIXELS value %d: must be positive", maxPixels)
	}

	return ImageConfig{MaxBytes: int64(maxBytes), MaxDimension: maxDimension, MaxPixels: int64(maxPixels)}, nil
}

// RateLimitConfig 描述按客户端地址的限流参数。PerMinute 为 0 表示关闭。
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	perMinute, err := parseIntEnv("RATE_LIMIT_PER_MINUTE", 30)
	if err != nil {
		return RateLimitConfig{}, err
	}

	burst, err := parseIntEnv("RATE_LIMIT_BURST", 10)
	if err != nil {
		return RateLimitConfig{}, err
	}
	if burst < 1 {
		burst = 1
	}

	return RateLimitConfig{PerMinute: perMinute, Burst: burst}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
