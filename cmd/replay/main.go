package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/engine"
	"github.com/betbot/stakepilot/internal/heavy"
	"github.com/betbot/stakepilot/internal/mission"
	"github.com/betbot/stakepilot/internal/store"
	"github.com/betbot/stakepilot/pkg/config"
	"github.com/betbot/stakepilot/pkg/logger"
	"github.com/betbot/stakepilot/pkg/persistence"
)

func main() {
	var (
		input      = flag.String("input", "-", "CSV 文件（- 为标准输入）")
		configPath = flag.String("config", "", "配置文件；为空时使用默认参数与内存存储")
		useStore   = flag.Bool("use-storage", false, "使用配置中的存储后端（默认内存）")
		units      = flag.Float64("target-units", 0, "任务目标单位，>0 时先初始化任务")
		minutes    = flag.Float64("target-minutes", 120, "任务时长（分钟）")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level}); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	opts := persistence.Options{Driver: persistence.DriverMemory}
	if *useStore {
		opts = persistence.Options{
			Driver:        persistence.Driver(cfg.Storage.Driver),
			Path:          cfg.Storage.Path,
			EncryptionKey: cfg.Storage.EncryptionKey,
			InMemory:      cfg.Storage.InMemory,
		}
	}
	svc, err := persistence.Open(opts)
	if err != nil {
		logrus.Fatalf("打开存储失败: %v", err)
	}
	defer svc.Close()

	// 回放不需要等待多桌同步
	settings := cfg.Engine.Clone()
	settings.SyncDelayMs = 0

	ctx := context.Background()
	repo := store.New(svc, settings)
	mc := mission.NewController(repo, settings)
	if err := mc.Load(ctx); err != nil {
		logrus.Fatalf("加载参数失败: %v", err)
	}
	eng := engine.New(repo, mc, heavy.NewManager(repo))
	if *units > 0 {
		if err := eng.Initialize(ctx, *units, *minutes); err != nil {
			logrus.Fatalf("初始化任务失败: %v", err)
		}
	}

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			logrus.Fatalf("打开输入失败: %v", err)
		}
		defer f.Close()
		in = f
	}

	sum, err := replay(ctx, eng, in, os.Stdout)
	if err != nil {
		logrus.Errorf("回放失败: %v", err)
	}
	heavyCount, _ := eng.HeavyCount(ctx)
	fmt.Printf("\nhands=%d stops=%d heavy_grants=%d disabled=%d heavy_open=%d total_stake=%s final_margin=%.2f\n",
		sum.Hands, sum.Stops, sum.HeavyGrants, sum.Disabled, heavyCount, sum.TotalStake.StringFixed(2), sum.FinalMargin)
	if err != nil {
		os.Exit(1)
	}
}
