package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Supabase SupabaseConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Sync     SyncConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	backend, err := loadBackendConfig()
	if err != nil {
		return nil, err
	}

	// 内存后端默认信任 token 即用户 ID，便于本地调试。
	server.DevAuth, err = parseBoolEnv("DM_DEV_AUTH", backend.Kind == BackendMemory)
	if err != nil {
		return nil, err
	}

	supabase, err := loadSupabaseConfig()
	if err != nil {
		return nil, err
	}

	redis, err := loadRedisConfig()
	if err != nil {
		return nil, err
	}

	sync, err := loadSyncConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:   server,
		Backend:  backend,
		Supabase: supabase,
		Postgres: PostgresConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Redis:    redis,
		Sync:     sync,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	DevAuth        bool
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := splitList(os.Getenv("CORS_ALLOWED_ORIGINS"))

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// splitList 解析逗号分隔的列表，忽略空项。
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Backend 选择持久化与推送的实现。
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSupabase Backend = "supabase"
	BackendPostgres Backend = "postgres"
)

// BackendConfig 描述后端选择。
type BackendConfig struct {
	Kind Backend
}

func loadBackendConfig() (BackendConfig, error) {
	kind := Backend(strings.ToLower(getEnvOrDefault("DM_BACKEND", string(BackendMemory))))
	switch kind {
	case BackendMemory, BackendSupabase, BackendPostgres:
		return BackendConfig{Kind: kind}, nil
	default:
		return BackendConfig{}, fmt.Errorf("invalid DM_BACKEND value: %q", kind)
	}
}

// SupabaseConfig 描述 Supabase 项目的访问配置。
type SupabaseConfig struct {
	URL               string
	AnonKey           string
	JWTSecret         string
	JWTAudience       string
	RequestsPerSecond float64
}

// Enabled 判断是否配置了 Supabase 项目。
func (c SupabaseConfig) Enabled() bool {
	return c.URL != "" && c.AnonKey != ""
}

func loadSupabaseConfig() (SupabaseConfig, error) {
	rps := 20.0
	if override, err := parseOptionalFloatEnv("SUPABASE_RPS"); err != nil {
		return SupabaseConfig{}, err
	} else if override != nil && *override > 0 {
		rps = *override
	}

	return SupabaseConfig{
		URL:               strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		AnonKey:           strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		JWTSecret:         strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		JWTAudience:       getEnvOrDefault("SUPABASE_JWT_AUDIENCE", "authenticated"),
		RequestsPerSecond: rps,
	}, nil
}

// PostgresConfig 描述直连数据库的配置。
type PostgresConfig struct {
	URL string
}

// RedisConfig 描述联系人缓存配置，URL 为空时不启用缓存。
type RedisConfig struct {
	URL        string
	ProfileTTL time.Duration
}

func loadRedisConfig() (RedisConfig, error) {
	ttl, err := parseDurationEnv("REDIS_PROFILE_TTL", 10*time.Minute)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		URL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		ProfileTTL: ttl,
	}, nil
}

// SyncConfig 描述同步引擎的调优参数。
type SyncConfig struct {
	HistoryLimit         int
	HistoryConcurrency   int
	ProfileBatchSize     int
	SubscribeMaxAttempts int
	SubscribeBackoff     time.Duration
	SubscribeMaxBackoff  time.Duration
	EchoWindow           time.Duration
	SessionIdleTimeout   time.Duration
}

func loadSyncConfig() (SyncConfig, error) {
	cfg := SyncConfig{
		HistoryLimit:         50,
		HistoryConcurrency:   4,
		ProfileBatchSize:     100,
		SubscribeMaxAttempts: 3,
	}

	ints := []struct {
		key    string
		target *int
	}{
		{"DM_HISTORY_LIMIT", &cfg.HistoryLimit},
		{"DM_HISTORY_CONCURRENCY", &cfg.HistoryConcurrency},
		{"DM_PROFILE_BATCH_SIZE", &cfg.ProfileBatchSize},
		{"DM_SUBSCRIBE_MAX_ATTEMPTS", &cfg.SubscribeMaxAttempts},
	}
	for _, item := range ints {
		override, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return SyncConfig{}, err
		}
		if override == nil {
			continue
		}
		if *override < 1 {
			return SyncConfig{}, fmt.Errorf("invalid %s value %d: must be positive", item.key, *override)
		}
		*item.target = *override
	}

	var err error
	if cfg.SubscribeBackoff, err = parseDurationEnv("DM_SUBSCRIBE_BACKOFF", 500*time.Millisecond); err != nil {
		return SyncConfig{}, err
	}
	if cfg.SubscribeMaxBackoff, err = parseDurationEnv("DM_SUBSCRIBE_MAX_BACKOFF", 5*time.Second); err != nil {
		return SyncConfig{}, err
	}
	if cfg.EchoWindow, err = parseDurationEnv("DM_ECHO_WINDOW", 30*time.Second); err != nil {
		return SyncConfig{}, err
	}
	if cfg.SessionIdleTimeout, err = parseDurationEnv("DM_SESSION_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

// LogConfig 描述日志级别与格式。
type LogConfig struct {
	Level  string
	Format string
}

func (c *Config) validate() error {
	switch c.Backend.Kind {
	case BackendSupabase:
		if !c.Supabase.Enabled() {
			return fmt.Errorf("DM_BACKEND=supabase requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
		if c.Supabase.JWTSecret == "" {
			return fmt.Errorf("DM_BACKEND=supabase requires SUPABASE_JWT_SECRET")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("DM_BACKEND=postgres requires DATABASE_URL")
		}
	}
	if !c.Server.DevAuth && c.Supabase.JWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required unless DM_DEV_AUTH is enabled")
	}
	if c.Sync.SubscribeMaxBackoff < c.Sync.SubscribeBackoff {
		return fmt.Errorf("DM_SUBSCRIBE_MAX_BACKOFF must not be below DM_SUBSCRIBE_BACKOFF")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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

// parseDurationEnv 支持 "500ms"、"5s" 这类写法，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	val, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, value)
	}
	return val, nil
}
