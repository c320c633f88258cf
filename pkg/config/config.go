package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/betbot/stakepilot/internal/domain"
)

// MissionConfig 启动时的任务目标
type MissionConfig struct {
	TargetUnits   float64 `yaml:"target_units" json:"target_units"`
	TargetMinutes float64 `yaml:"target_minutes" json:"target_minutes"`
	InitOnStart   bool    `yaml:"init_on_start" json:"init_on_start"` // 启动时重置任务状态
}

// StorageConfig 存储后端
type StorageConfig struct {
	Driver        string `yaml:"driver" json:"driver" env:"STAKEPILOT_STORAGE_DRIVER"` // memory / badger / sqlite
	Path          string `yaml:"path" json:"path" env:"STAKEPILOT_STORAGE_PATH"`
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key" env:"STAKEPILOT_STORAGE_KEY"` // badger 加密密钥（hex 或 base64，32 字节）
	InMemory      bool   `yaml:"in_memory" json:"in_memory" env:"STAKEPILOT_STORAGE_IN_MEMORY"`
}

// ServerConfig HTTP 服务
type ServerConfig struct {
	Addr           string        `yaml:"addr" json:"addr" env:"STAKEPILOT_ADDR"`
	MetricsAddr    string        `yaml:"metrics_addr" json:"metrics_addr" env:"STAKEPILOT_METRICS_ADDR"` // 为空则不启动
	ActiveTableTTL time.Duration `yaml:"active_table_ttl" json:"active_table_ttl" env:"STAKEPILOT_ACTIVE_TABLE_TTL"`
	RateLimit      int           `yaml:"rate_limit" json:"rate_limit" env:"STAKEPILOT_RATE_LIMIT"` // 每秒补充的请求数
	RateBurst      int           `yaml:"rate_burst" json:"rate_burst" env:"STAKEPILOT_RATE_BURST"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace" env:"STAKEPILOT_SHUTDOWN_GRACE"`
	// 连续决策失败熔断（通常是存储不可用），0 关闭
	BreakerErrors   int64         `yaml:"breaker_errors" json:"breaker_errors" env:"STAKEPILOT_BREAKER_ERRORS"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown" env:"STAKEPILOT_BREAKER_COOLDOWN"`
}

// UserConfig 遥测客户端账号，密码以 bcrypt 哈希保存
type UserConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

// AuthConfig 认证
type AuthConfig struct {
	Users    []UserConfig  `yaml:"users" json:"users"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// ReportConfig 定时任务报告
type ReportConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Cron    string `yaml:"cron" json:"cron"` // 6 段表达式（含秒）
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"` // 天
	Compress   bool   `yaml:"compress" json:"compress"`
	ByCycle    bool   `yaml:"by_cycle" json:"by_cycle"`
}

// Config 应用配置
type Config struct {
	Engine  domain.Settings `yaml:"engine" json:"engine"`
	Mission MissionConfig   `yaml:"mission" json:"mission"`
	Storage StorageConfig   `yaml:"storage" json:"storage"`
	Server  ServerConfig    `yaml:"server" json:"server"`
	Auth    AuthConfig      `yaml:"auth" json:"auth"`
	Report  ReportConfig    `yaml:"report" json:"report"`
	Log     LogConfig       `yaml:"log" json:"log"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Engine: domain.DefaultSettings(),
		Mission: MissionConfig{
			TargetUnits:   900,
			TargetMinutes: 480,
		},
		Storage: StorageConfig{
			Driver: "badger",
			Path:   "data/stakepilot",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsAddr:     "127.0.0.1:6060",
			ActiveTableTTL:  10 * time.Minute,
			RateLimit:       50,
			RateBurst:       100,
			ShutdownGrace:   10 * time.Second,
			BreakerErrors:   5,
			BreakerCooldown: 30 * time.Second,
		},
		Auth: AuthConfig{
			CacheTTL: 5 * time.Minute,
		},
		Report: ReportConfig{
			Enabled: true,
			Cron:    "0 */1 * * * *",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/stakepilot.log",
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
			ByCycle:    true,
		},
	}
}

// Load 加载配置：默认值 -> 配置文件 -> 环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parse server env: %w", err)
	}
	if err := env.Parse(&cfg.Storage); err != nil {
		return nil, fmt.Errorf("parse storage env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// loadFile 支持 YAML 和 JSON
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", filepath.Ext(path))
	}
	return nil
}

// applyEnv 日志、任务与常用引擎参数的环境变量覆盖
func applyEnv(cfg *Config) {
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.ByCycle = parseBoolEnv("LOG_BY_CYCLE", cfg.Log.ByCycle)

	cfg.Mission.TargetUnits = parseFloatEnv("MISSION_TARGET_UNITS", cfg.Mission.TargetUnits)
	cfg.Mission.TargetMinutes = parseFloatEnv("MISSION_TARGET_MINUTES", cfg.Mission.TargetMinutes)
	cfg.Mission.InitOnStart = parseBoolEnv("MISSION_INIT_ON_START", cfg.Mission.InitOnStart)

	cfg.Engine.K = parseFloatEnv("ENGINE_K", cfg.Engine.K)
	cfg.Engine.SyncDelayMs = parseIntEnv("ENGINE_SYNC_DELAY_MS", cfg.Engine.SyncDelayMs)
	cfg.Engine.GlobalHeavyCap = parseIntEnv("ENGINE_GLOBAL_HEAVY_CAP", cfg.Engine.GlobalHeavyCap)

	cfg.Report.Enabled = parseBoolEnv("REPORT_ENABLED", cfg.Report.Enabled)
	cfg.Report.Cron = getEnv("REPORT_CRON", cfg.Report.Cron)

	// 单账号快捷配置
	if user := getEnv("AUTH_USERNAME", ""); user != "" {
		cfg.Auth.Users = append(cfg.Auth.Users, UserConfig{
			Username:     user,
			PasswordHash: getEnv("AUTH_PASSWORD_HASH", ""),
		})
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch c.Storage.Driver {
	case "memory", "badger", "sqlite":
	default:
		return fmt.Errorf("storage.driver 不支持: %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.Path == "" && !c.Storage.InMemory {
		return fmt.Errorf("storage.path 不能为空")
	}
	if c.Mission.TargetUnits <= 0 || c.Mission.TargetMinutes <= 0 {
		return fmt.Errorf("mission 目标必须大于 0")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr 不能为空")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d] 缺少用户名或密码哈希", i)
		}
	}
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// parseFloatEnv 解析浮点数环境变量
func parseFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
