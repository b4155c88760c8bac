package application

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/lk2023060901/whisper-garden-go/internal/auth"
	"github.com/lk2023060901/whisper-garden-go/internal/dispatch"
	"github.com/lk2023060901/whisper-garden-go/internal/session"
	"github.com/lk2023060901/whisper-garden-go/internal/store"
	"github.com/lk2023060901/whisper-garden-go/internal/sweep"
	"github.com/lk2023060901/whisper-garden-go/internal/transport"
	zlog "github.com/lk2023060901/whisper-garden-go/pkg/log"
	"github.com/lk2023060901/whisper-garden-go/pkg/metrics"
)

// TokenConfig 为凭证令牌相关配置。
type TokenConfig struct {
	// Secret 为 HS256 签名密钥。
	Secret string `mapstructure:"secret"`
	// TTL 为新签发令牌的有效期。
	TTL time.Duration `mapstructure:"ttl"`
}

// SweepConfig 为过期扫描相关配置。
type SweepConfig struct {
	// Interval 为扫描间隔，默认 15 秒。
	Interval time.Duration `mapstructure:"interval"`
}

// RedisConfig 为 redis 存储相关配置。
// Addr 留空时使用进程内存储（仅限开发与测试）。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Config 为进程级配置。
type Config struct {
	// Listen 为接入层监听地址。
	Listen string `mapstructure:"listen"`

	Token TokenConfig `mapstructure:"token"`
	Sweep SweepConfig `mapstructure:"sweep"`
	Redis RedisConfig `mapstructure:"redis"`

	// Log 为全局日志配置。
	Log zlog.Config `mapstructure:"logging"`
}

// Application is the main runtime container for a Whisper service.
// It owns configuration and manages common dependencies.
type Application struct {
	cfg *Config

	registry   session.Registry
	presence   *session.Presence
	dispatcher *dispatch.Handler
	sweeper    *sweep.Sweeper
	pump       *transport.Pump
	authMgr    *auth.Manager

	redisClient *redis.Client
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run is the entry of a Whisper application.
// It parses command-line arguments (os.Args) and loads configuration file
// using the following priority:
//  1. Default: ./config.yaml
//  2. Env: WHISPER_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
//
// After configuration is loaded it initializes logging, metrics and
// constructs the whole component graph (registry, presence, dispatcher,
// sweeper, connection pump).
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	metrics.Register(prometheus.DefaultRegisterer)

	return a.wire()
}

// Start 启动后台任务（目前只有过期扫描），直到上下文取消。
func (a *Application) Start(ctx context.Context) {
	go a.sweeper.Run(ctx)
}

// Close 释放应用持有的资源。
func (a *Application) Close() error {
	if a.presence != nil {
		a.presence.Close()
	}
	if a.redisClient != nil {
		return a.redisClient.Close()
	}
	return nil
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *Config {
	return a.cfg
}

// Registry 返回进程级会话注册表。
func (a *Application) Registry() session.Registry {
	return a.registry
}

// Presence 返回好友在线解析器。
func (a *Application) Presence() *session.Presence {
	return a.presence
}

// Dispatcher 返回入站消息分发器。
func (a *Application) Dispatcher() *dispatch.Handler {
	return a.dispatcher
}

// Pump 返回连接泵，接入层（WebSocket/TCP 升级处）以其 Serve 驱动每条连接。
func (a *Application) Pump() *transport.Pump {
	return a.pump
}

// Auth 返回凭证管理器，HTTP 登录/续期入口用它签发令牌。
func (a *Application) Auth() *auth.Manager {
	return a.authMgr
}

// loadConfig resolves config file path and loads it via viper.
func (a *Application) loadConfig() (*Config, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("WHISPER_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
			}
			continue
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WHISPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":9000"
	}
	if cfg.Token.TTL <= 0 {
		cfg.Token.TTL = 24 * time.Hour
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = sweep.DefaultInterval
	}
	if cfg.Token.Secret == "" {
		return nil, fmt.Errorf("config: token.secret must not be empty")
	}
	return cfg, nil
}

// initLogging initializes the global logger from configuration.
func (a *Application) initLogging() error {
	logger, props, err := zlog.InitLogger(&a.cfg.Log)
	if err != nil {
		return fmt.Errorf("init global logger: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// wire constructs the component graph from configuration.
//
// 注册表等全局可变状态都在这里显式构造并注入到使用方，
// 不依赖任何包级单例。
func (a *Application) wire() error {
	var (
		friendStore  store.FriendStore
		messageStore store.MessageStore
	)

	if a.cfg.Redis.Addr != "" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		friendStore = store.NewRedisFriendStore(a.redisClient)
		messageStore = store.NewRedisMessageStore(a.redisClient)
	} else {
		friendStore = store.NewMemoryFriendStore()
		messageStore = store.NewMemoryMessageStore()
	}

	authMgr, err := auth.NewManager([]byte(a.cfg.Token.Secret), a.cfg.Token.TTL)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()
	presence, err := session.NewPresence(registry, friendStore)
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(registry, friendStore, messageStore)

	a.authMgr = authMgr
	a.registry = registry
	a.presence = presence
	a.dispatcher = dispatcher
	a.sweeper = sweep.New(registry, presence, a.cfg.Sweep.Interval)
	a.pump = transport.NewPump(registry, presence, dispatcher, authMgr)
	return nil
}
