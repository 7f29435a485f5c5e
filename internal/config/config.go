package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrInvalidConfig 配置缺失或非法，启动时即失败
var ErrInvalidConfig = errors.New("invalid configuration")

// Persistence 未投递消息的存储后端类型
type Persistence string

const (
	PersistenceMemory Persistence = "memory" // 进程内存，不持久化
	PersistenceRedis  Persistence = "redis"  // Redis 持久化
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// PickupConfig 定义消息拾取服务的核心业务配置
type PickupConfig struct {
	Persistence     Persistence   // 存储后端: memory 或 redis，必填
	CleanupInterval time.Duration // 内存存储主动清理过期消息的间隔，默认 10 分钟
}

// RedisConfig 定义 Redis 持久化配置
type RedisConfig struct {
	Server string        // 连接地址，如 "redis://redis:6379/0"
	TTL    time.Duration // 邮箱与消息的生存时间，由 redis.ttl_hours 换算，默认 72 小时
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// AdminConfig 定义管理接口的 JWT 认证配置
type AdminConfig struct {
	JWTSecret string        // 签名密钥，留空则不启用管理接口；否则至少 32 字符
	JWTIssuer string        // 签发者标识，默认 "pickup"
	JWTExpiry time.Duration // 令牌有效期，默认 1 小时
}

// IngressConfig 定义协议入口的上游认证配置。
// 上游运行时持有 pickup:ingress 范围的令牌，只有通过认证的请求才信任其声明的发送方 verkey。
type IngressConfig struct {
	JWTSecret string        // 签名密钥，必填，至少 32 字符
	JWTIssuer string        // 签发者标识，默认 "pickup"
	JWTExpiry time.Duration // 令牌有效期，默认 720 小时
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// RateLimitConfig 定义按发送方密钥的限流配置
type RateLimitConfig struct {
	RPS   float64 // 每秒允许的请求数
	Burst int     // 突发容量
}

// WorkerConfig 定义未投递事件处理协程池
type WorkerConfig struct {
	Count     int // 协程数，默认 4
	QueueSize int // 事件缓冲大小，默认 256
}

// Config 是系统配置的根结构体
type Config struct {
	Server    ServerConfig
	Pickup    PickupConfig
	Redis     RedisConfig
	Log       LogConfig
	Admin     AdminConfig
	Ingress   IngressConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Worker    WorkerConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: PICKUP_
// 例如: PICKUP_PICKUP_PERSISTENCE, PICKUP_REDIS_SERVER, PICKUP_INGRESS_JWT_SECRET
//
// 所有校验失败的错误都包装 ErrInvalidConfig。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("pickup")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pickup.persistence", "")
	v.SetDefault("pickup.cleanup_interval", "10m")
	v.SetDefault("redis.server", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.jwt_issuer", "pickup")
	v.SetDefault("admin.jwt_expiry", "1h")
	v.SetDefault("ingress.jwt_secret", "")
	v.SetDefault("ingress.jwt_issuer", "pickup")
	v.SetDefault("ingress.jwt_expiry", "720h")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("ratelimit.rps", 20)
	v.SetDefault("ratelimit.burst", 40)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue_size", 256)
	// redis.ttl_hours 不设默认值，用 IsSet 区分“未配置”与“配置为 0”
	_ = v.BindEnv("redis.ttl_hours")

	return fromViper(v)
}

// fromViper 从 viper 实例读取并校验配置
func fromViper(v *viper.Viper) (*Config, error) {
	persistence, err := parsePersistence(v.GetString("pickup.persistence"))
	if err != nil {
		return nil, err
	}

	cleanupInterval, err := time.ParseDuration(v.GetString("pickup.cleanup_interval"))
	if err != nil || cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}

	redisCfg := RedisConfig{Server: strings.TrimSpace(v.GetString("redis.server"))}
	if persistence == PersistenceRedis && redisCfg.Server == "" {
		return nil, fmt.Errorf("%w: redis.server must be specified when redis persistence is chosen", ErrInvalidConfig)
	}
	redisCfg.TTL, err = parseTTLHours(v)
	if err != nil {
		return nil, err
	}

	jwtSecret := v.GetString("admin.jwt_secret")
	if jwtSecret != "" && len(jwtSecret) < 32 {
		return nil, fmt.Errorf("%w: admin.jwt_secret must be at least 32 characters long", ErrInvalidConfig)
	}
	jwtExpiry, err := time.ParseDuration(v.GetString("admin.jwt_expiry"))
	if err != nil || jwtExpiry <= 0 {
		jwtExpiry = time.Hour
	}

	ingressSecret := v.GetString("ingress.jwt_secret")
	if ingressSecret == "" {
		return nil, fmt.Errorf("%w: ingress.jwt_secret must be specified, protocol routes only accept authenticated upstream requests", ErrInvalidConfig)
	}
	if len(ingressSecret) < 32 {
		return nil, fmt.Errorf("%w: ingress.jwt_secret must be at least 32 characters long", ErrInvalidConfig)
	}
	ingressExpiry, err := time.ParseDuration(v.GetString("ingress.jwt_expiry"))
	if err != nil || ingressExpiry <= 0 {
		ingressExpiry = 720 * time.Hour
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	rps := v.GetFloat64("ratelimit.rps")
	if rps <= 0 {
		rps = 20
	}
	burst := v.GetInt("ratelimit.burst")
	if burst <= 0 {
		burst = 40
	}

	workers := v.GetInt("worker.count")
	if workers <= 0 {
		workers = 4
	}
	queueSize := v.GetInt("worker.queue_size")
	if queueSize <= 0 {
		queueSize = 256
	}

	return &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Pickup: PickupConfig{
			Persistence:     persistence,
			CleanupInterval: cleanupInterval,
		},
		Redis: redisCfg,
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Admin: AdminConfig{
			JWTSecret: jwtSecret,
			JWTIssuer: v.GetString("admin.jwt_issuer"),
			JWTExpiry: jwtExpiry,
		},
		Ingress: IngressConfig{
			JWTSecret: ingressSecret,
			JWTIssuer: v.GetString("ingress.jwt_issuer"),
			JWTExpiry: ingressExpiry,
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		RateLimit: RateLimitConfig{
			RPS:   rps,
			Burst: burst,
		},
		Worker: WorkerConfig{
			Count:     workers,
			QueueSize: queueSize,
		},
	}, nil
}

// parsePersistence 解析存储后端类型，接受常见别名
func parsePersistence(value string) (Persistence, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "mem", "memory", "in-memory":
		return PersistenceMemory, nil
	case "redis", "persisted":
		return PersistenceRedis, nil
	case "":
		return "", fmt.Errorf("%w: pickup.persistence must be specified (memory or redis)", ErrInvalidConfig)
	default:
		return "", fmt.Errorf("%w: unknown pickup.persistence %q", ErrInvalidConfig, value)
	}
}

// parseTTLHours 读取 redis.ttl_hours，未配置时返回 0 表示使用存储默认值
func parseTTLHours(v *viper.Viper) (time.Duration, error) {
	if !v.IsSet("redis.ttl_hours") {
		return 0, nil
	}
	raw := strings.TrimSpace(v.GetString("redis.ttl_hours"))
	if raw == "" {
		return 0, nil
	}
	hours := v.GetFloat64("redis.ttl_hours")
	if hours <= 0 {
		return 0, fmt.Errorf("%w: redis.ttl_hours must be positive, got %q", ErrInvalidConfig, raw)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
