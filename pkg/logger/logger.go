package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// savedConfig 保存的日志配置（用于日志轮转）
	savedConfig Config
	// currentPeriod 当前周期起点（unix 秒）
	currentPeriod int64
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// DefaultCycleDuration 默认按任务日切分日志
const DefaultCycleDuration = 24 * time.Hour

// Config 日志配置
type Config struct {
	Level         string        // 日志级别: debug, info, warn, error
	OutputFile    string        // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize       int           // 日志文件最大大小（MB）
	MaxBackups    int           // 保留的旧日志文件数量
	MaxAge        int           // 保留旧日志文件的天数
	Compress      bool          // 是否压缩旧日志文件
	LogByCycle    bool          // 是否按周期命名日志文件
	CycleDuration time.Duration // 周期时长（默认 24h）
}

func (c Config) cycle() time.Duration {
	if c.CycleDuration <= 0 {
		return DefaultCycleDuration
	}
	return c.CycleDuration
}

func periodAt(now time.Time, d time.Duration) int64 {
	return now.Truncate(d).Unix()
}

// getLogFileName 周期日志文件名：logs/engine_2025-12-17_00-00.log
func getLogFileName(basePath string, period int64) string {
	periodStr := time.Unix(period, 0).Format("2006-01-02_15-04")

	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	name := baseName[:len(baseName)-len(ext)]

	if dir == "." || dir == "" {
		return fmt.Sprintf("%s_%s%s", name, periodStr, ext)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", name, periodStr, ext))
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}
}

// install 构建 logger 并同步设置全局 logrus（包级 logrus.WithField 也写到同一输出）
func install(cfg Config, filePath string) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	writers := []io.Writer{os.Stdout}
	if filePath != "" {
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}
	out := io.MultiWriter(writers...)

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(newFormatter())
	l.SetOutput(out)

	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter())

	Logger = l
	currentLogFile = filePath
	return nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	savedConfig = config
	path := config.OutputFile
	if path != "" && config.LogByCycle {
		currentPeriod = periodAt(time.Now(), config.cycle())
		path = getLogFileName(config.OutputFile, currentPeriod)
	}
	return install(config, path)
}

// CheckAndRotateLog 周期变化时切换到新的日志文件
func CheckAndRotateLog(now time.Time) error {
	logMu.Lock()
	defer logMu.Unlock()

	cfg := savedConfig
	if !cfg.LogByCycle || cfg.OutputFile == "" {
		return nil
	}
	period := periodAt(now, cfg.cycle())
	if period == currentPeriod {
		return nil
	}
	old := currentLogFile
	currentPeriod = period
	path := getLogFileName(cfg.OutputFile, period)
	if err := install(cfg, path); err != nil {
		return err
	}
	Logger.Infof("日志文件已切换到新周期: %s -> %s", old, path)
	return nil
}

// StartLogRotationChecker 启动日志轮转检查器（后台任务），done 关闭时退出
func StartLogRotationChecker(done <-chan struct{}) {
	logMu.Lock()
	cfg := savedConfig
	logMu.Unlock()
	if !cfg.LogByCycle || cfg.OutputFile == "" {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				if err := CheckAndRotateLog(now); err != nil && Logger != nil {
					Logger.Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Debugf 未初始化时丢弃
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
