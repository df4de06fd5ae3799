package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pricewatch/internal/pkg/metrics"
	"pricewatch/internal/pkg/queue"
	"pricewatch/internal/scraper"
)

// 调度器状态。
const (
	StateIdle   = "idle"
	StateActive = "active"
)

// BatchRunner 批量抓取入口。
type BatchRunner interface {
	RunAll(ctx context.Context) (*scraper.RunResult, error)
}

// Scheduler 固定间隔触发批量抓取的调度器。
//
// 进程启动时若配置了抓取间隔则进入 active 状态，周期任务
// 跑满进程生命周期；手动触发走同一个执行器，不会重置周期。
// 内部用容量为 1 的队列派发：上一轮还没跑完时本轮直接丢弃。
type Scheduler struct {
	runner   BatchRunner
	q        *queue.Queue
	logger   *slog.Logger
	interval time.Duration

	mu    sync.RWMutex
	state string
}

// New 创建调度器。
//
// 参数:
//
//	runner: 批量抓取执行器
//	logger: 日志记录器
//	interval: 周期触发间隔（<=0 表示关闭周期抓取）
func New(runner BatchRunner, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		q:        queue.NewQueue(logger, 1, 1),
		logger:   logger,
		interval: interval,
		state:    StateIdle,
	}
}

// Start 启动周期调度，直到 ctx 取消。
//
// 间隔未配置时保持 idle 状态并直接返回；此时手动触发仍可用。
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic scraping disabled")
		return
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	s.q.SetErrorHandler(func(err error, _ queue.Job) {
		if errors.Is(err, scraper.ErrRunInProgress) {
			s.logger.Info("scheduled scrape skipped, run already in progress")
			return
		}
		s.logger.Error("scheduled scrape failed", slog.String("error", err.Error()))
	})
	s.q.Start(ctx)

	go s.loop(ctx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.state = StateIdle
			s.mu.Unlock()
			s.q.Shutdown()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.trigger()
		}
	}
}

// trigger 把一轮批量抓取丢进队列；上一轮未结束时丢弃本轮。
func (s *Scheduler) trigger() {
	enqueued := s.q.Enqueue(func(ctx context.Context) error {
		if metrics.ScrapeRunsTotal != nil {
			metrics.ScrapeRunsTotal.WithLabelValues("schedule").Inc()
		}
		_, err := s.runner.RunAll(ctx)
		return err
	})
	if !enqueued {
		if metrics.ScrapeRunSkippedTotal != nil {
			metrics.ScrapeRunSkippedTotal.Inc()
		}
		s.logger.Info("scheduled scrape skipped, previous run still queued")
	}
}

// RunNow 立即执行一次批量抓取，不影响周期节奏。
//
// 与周期任务共享执行器的运行锁：并发触发时返回
// scraper.ErrRunInProgress。
func (s *Scheduler) RunNow(ctx context.Context) (*scraper.RunResult, error) {
	if metrics.ScrapeRunsTotal != nil {
		metrics.ScrapeRunsTotal.WithLabelValues("manual").Inc()
	}
	return s.runner.RunAll(ctx)
}

// State 返回当前调度状态（idle / active）。
func (s *Scheduler) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
