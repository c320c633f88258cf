package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/betbot/stakepilot/internal/domain"
)

var log = logrus.WithField("module", "scheduler")

// Reporter 任务报告的数据来源（由引擎实现）
type Reporter interface {
	LastObserved() (elapsedMinutes float64, activeTables int)
	MissionSnapshot(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.MissionSnapshot, error)
	MissionEvaluation(ctx context.Context, elapsedMinutes float64, activeTables int) (domain.Evaluation, error)
}

// Report 一次定时报告
type Report struct {
	At         time.Time              `json:"at"`
	Snapshot   domain.MissionSnapshot `json:"snapshot"`
	Evaluation domain.Evaluation      `json:"evaluation"`
}

// Scheduler 定时任务
type Scheduler struct {
	Cron     *cron.Cron
	reporter Reporter
	ctx      context.Context

	mu   sync.RWMutex
	last *Report
	sink func(Report)
}

// NewScheduler 创建调度器（6 段 cron 表达式，含秒）
func NewScheduler(ctx context.Context, reporter Reporter) *Scheduler {
	return &Scheduler{
		Cron:     cron.New(cron.WithSeconds()),
		reporter: reporter,
		ctx:      ctx,
	}
}

// OnReport 报告生成后的回调（例如推送给面板）
func (s *Scheduler) OnReport(fn func(Report)) {
	s.mu.Lock()
	s.sink = fn
	s.mu.Unlock()
}

// Register 注册任务报告
func (s *Scheduler) Register(reportCron string) error {
	if _, err := s.Cron.AddFunc(reportCron, s.reportTask); err != nil {
		return fmt.Errorf("register mission report: %w", err)
	}
	return nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Info("scheduler started")
}

// Stop 停止调度并等待运行中的任务结束
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	log.Info("scheduler stopped")
}

// RunReportNow 立即生成一次报告
func (s *Scheduler) RunReportNow() (Report, error) {
	elapsed, tables := s.reporter.LastObserved()
	snap, err := s.reporter.MissionSnapshot(s.ctx, elapsed, tables)
	if err != nil {
		return Report{}, fmt.Errorf("mission snapshot: %w", err)
	}
	ev, err := s.reporter.MissionEvaluation(s.ctx, elapsed, tables)
	if err != nil {
		return Report{}, fmt.Errorf("mission evaluation: %w", err)
	}

	r := Report{At: time.Now().UTC(), Snapshot: snap, Evaluation: ev}
	s.mu.Lock()
	s.last = &r
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(r)
	}
	return r, nil
}

// Last 最近一次报告
func (s *Scheduler) Last() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

func (s *Scheduler) reportTask() {
	r, err := s.RunReportNow()
	if err != nil {
		log.Errorf("任务报告失败: %v", err)
		return
	}
	log.WithFields(logrus.Fields{
		"velocity":    r.Evaluation.Velocity,
		"color":       r.Evaluation.Color,
		"achievement": r.Snapshot.AchievementPercent,
		"completed":   r.Snapshot.MissionCompleted,
	}).Info(r.Evaluation.Message)
}
