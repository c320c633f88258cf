package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/api"
	"github.com/betbot/stakepilot/internal/deck"
	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/internal/engine"
	"github.com/betbot/stakepilot/internal/heavy"
	"github.com/betbot/stakepilot/internal/metrics"
	"github.com/betbot/stakepilot/internal/mission"
	"github.com/betbot/stakepilot/internal/scheduler"
	"github.com/betbot/stakepilot/internal/store"
	"github.com/betbot/stakepilot/pkg/config"
	"github.com/betbot/stakepilot/pkg/logger"
	"github.com/betbot/stakepilot/pkg/persistence"
	"github.com/betbot/stakepilot/pkg/shutdown"
	"github.com/betbot/stakepilot/pkg/syncgroup"
)

func main() {
	// .env 可选，缺失时直接用环境变量
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("STAKEPILOT_CONFIG"), "配置文件路径（.yaml/.yml/.json）")
	hashPassword := flag.String("hash-password", "", "输出密码的 bcrypt 哈希后退出")
	flag.Parse()

	if *hashPassword != "" {
		h, err := api.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		LogByCycle: cfg.Log.ByCycle,
	}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("服务退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logDone := make(chan struct{})
	logger.StartLogRotationChecker(logDone)

	svc, err := persistence.Open(persistence.Options{
		Driver:        persistence.Driver(cfg.Storage.Driver),
		Path:          cfg.Storage.Path,
		EncryptionKey: cfg.Storage.EncryptionKey,
		InMemory:      cfg.Storage.InMemory,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	logrus.Infof("存储已打开: driver=%s path=%s", cfg.Storage.Driver, cfg.Storage.Path)

	repo := store.New(svc, cfg.Engine)
	mc := mission.NewController(repo, cfg.Engine)
	if err := mc.Load(ctx); err != nil {
		_ = svc.Close()
		return err
	}
	eng := engine.New(repo, mc, heavy.NewManager(repo))
	if cfg.Mission.InitOnStart {
		if err := eng.Initialize(ctx, cfg.Mission.TargetUnits, cfg.Mission.TargetMinutes); err != nil {
			_ = svc.Close()
			return err
		}
	}
	eng.OnAdvice(metrics.ObserveAdvice)
	metrics.Publish("global_state", func() interface{} {
		g, err := repo.Global(context.Background())
		if err != nil {
			return nil
		}
		return g
	})

	users := make(map[string]string, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		users[u.Username] = u.PasswordHash
	}
	srv := api.New(eng, deck.NewTracker(repo), api.Options{
		Users:           users,
		AuthCacheTTL:    cfg.Auth.CacheTTL,
		ActiveTableTTL:  cfg.Server.ActiveTableTTL,
		RateLimit:       float64(cfg.Server.RateLimit),
		RateBurst:       cfg.Server.RateBurst,
		BreakerErrors:   cfg.Server.BreakerErrors,
		BreakerCooldown: cfg.Server.BreakerCooldown,
	})

	sched := scheduler.NewScheduler(ctx, eng)
	sched.OnReport(func(r scheduler.Report) {
		srv.Hub().Broadcast(api.Message{Type: "report", Data: r})
	})
	if cfg.Report.Enabled {
		if err := sched.Register(cfg.Report.Cron); err != nil {
			srv.Close()
			_ = svc.Close()
			return err
		}
	}

	if cfg.Server.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Server.MetricsAddr); err != nil {
			logrus.Warnf("debug server 启动失败: %v", err)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group := syncgroup.NewSyncGroup()
	group.Add("http", func() {
		logrus.Infof("stakepilot listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("http server error: %v", err)
			cancel()
		}
	})
	group.Add("scheduler", func() {
		sched.Start()
		<-ctx.Done()
	})
	group.Run()

	sm := shutdown.NewManager()
	sm.OnShutdown("http", func(ctx context.Context) {
		_ = httpSrv.Shutdown(ctx)
	})
	sm.OnShutdown("scheduler", func(context.Context) {
		sched.Stop()
	})
	sm.OnShutdown("stream", func(context.Context) {
		srv.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-stopCh:
		logrus.Infof("收到信号 %s，开始关闭", sig)
	case <-ctx.Done():
	}
	cancel()

	grace := cfg.Server.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	if !sm.Shutdown(shutdownCtx) {
		logrus.Warn("关闭超时")
	}
	group.Wait()

	// 请求与定时任务都已停止后再关闭存储
	if g, err := repo.Global(context.Background()); err == nil {
		logrus.WithFields(logrus.Fields{
			"global_margin": domain.Round2(g.GlobalMarginUnits),
			"heavy":         g.HeavyCount,
			"debt":          g.PortfolioDebtUnits,
		}).Info("最终全局状态")
	}
	if err := svc.Close(); err != nil {
		logrus.Errorf("关闭存储失败: %v", err)
	}
	close(logDone)
	logrus.Info("server stopped")
	return nil
}
