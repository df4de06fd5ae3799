package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pricewatch/internal/model"
	"pricewatch/internal/pkg/metrics"
	"pricewatch/internal/pkg/notify"
	"pricewatch/internal/pkg/ratelimit"
	"pricewatch/internal/pkg/runlock"
	"pricewatch/internal/store"

	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress 表示已有一次批量抓取在执行中。
var ErrRunInProgress = errors.New("scrape run already in progress")

// 抓取结果状态。
const (
	StatusOK     = "success"
	StatusFailed = "failed"
)

// lastRunKey 上次批量抓取结果在 Redis 中的缓存 key。
const lastRunKey = "pricewatch:scrape:lastrun"

// Outcome 单个站点的抓取结果。
type Outcome struct {
	SiteID    uint      `json:"site_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Price     float64   `json:"price,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// RunResult 一次批量抓取的汇总结果。
type RunResult struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Options 执行器行为配置。
type Options struct {
	Concurrency      int     // 并发抓取上限
	AlertDropPercent float64 // 触发降价通知的降幅百分比（0 表示关闭）
	AlertEmail       string  // 降价通知接收邮箱
}

// Executor 批量抓取执行器。
//
// 单个站点失败只记入该站点的结果，不会中断整批抓取；
// 整批通过 Redis 运行锁保证同一时刻只有一次在执行。
type Executor struct {
	store    *store.Store
	fetcher  Fetcher
	limiter  *ratelimit.RateLimiter
	lock     *runlock.Lock
	notifier notify.Notifier
	rdb      *redis.Client
	logger   *slog.Logger
	opts     Options
}

// NewExecutor 创建批量抓取执行器。
//
// 参数:
//
//	st: 站点与历史存储
//	fetcher: 页面抓取器
//	limiter: 全局限流器（可为 nil）
//	lock: 批量运行锁（可为 nil，此时不做互斥）
//	notifier: 降价通知器（可为 nil）
//	rdb: Redis 客户端，用于缓存上次运行结果（可为 nil）
//	logger: 日志记录器
//	opts: 行为配置
func NewExecutor(st *store.Store, fetcher Fetcher, limiter *ratelimit.RateLimiter, lock *runlock.Lock, notifier notify.Notifier, rdb *redis.Client, logger *slog.Logger, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &Executor{
		store:    st,
		fetcher:  fetcher,
		limiter:  limiter,
		lock:     lock,
		notifier: notifier,
		rdb:      rdb,
		logger:   logger,
		opts:     opts,
	}
}

// RunAll 对所有已注册站点执行一次批量抓取。
//
// 已有批量抓取在执行时返回 ErrRunInProgress。返回的 Outcomes
// 顺序与站点注册顺序一致。
//
// 参数:
//
//	ctx: 上下文，取消时未开始的站点会以失败记录
//
// 返回值:
//
//	*RunResult: 本次批量抓取的汇总结果
//	error: 互斥冲突或站点列表读取失败时返回错误
func (e *Executor) RunAll(ctx context.Context) (*RunResult, error) {
	acquired, err := e.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		if metrics.ScrapeRunSkippedTotal != nil {
			metrics.ScrapeRunSkippedTotal.Inc()
		}
		return nil, ErrRunInProgress
	}
	defer func() {
		if releaseErr := e.lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			e.logger.Warn("release run lock failed", slog.String("error", releaseErr.Error()))
		}
	}()

	if metrics.ScrapeRunInFlight != nil {
		metrics.ScrapeRunInFlight.Inc()
		defer metrics.ScrapeRunInFlight.Dec()
	}

	sites, err := e.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	result := &RunResult{
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, len(sites)),
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.opts.Concurrency)

	for i := range sites {
		wg.Add(1)
		go func(idx int, site model.Site) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("scrape panic recovered",
						slog.Uint64("site_id", uint64(site.ID)),
						slog.Any("panic", r))
					result.Outcomes[idx] = Outcome{
						SiteID:    site.ID,
						Name:      site.Name,
						Status:    StatusFailed,
						Reason:    fmt.Sprintf("panic: %v", r),
						CheckedAt: time.Now(),
					}
				}
			}()

			sem <- struct{}{}
			defer func() { <-sem }()

			result.Outcomes[idx] = e.scrapeSite(ctx, &site)
		}(i, sites[i])
	}
	wg.Wait()

	result.FinishedAt = time.Now()
	for _, o := range result.Outcomes {
		if o.Status == StatusOK {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	e.logger.Info("scrape run finished",
		slog.Int("sites", len(sites)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)))

	e.cacheLastRun(ctx, result)
	return result, nil
}

// scrapeSite 抓取单个站点：限流、抓页、提取价格、追加历史。
func (e *Executor) scrapeSite(ctx context.Context, site *model.Site) Outcome {
	start := time.Now()
	outcome := Outcome{
		SiteID:    site.ID,
		Name:      site.Name,
		CheckedAt: start,
	}

	fail := func(reason string, err error) Outcome {
		outcome.Status = StatusFailed
		outcome.Reason = reason
		if metrics.ScrapeTotal != nil {
			metrics.ScrapeTotal.WithLabelValues(StatusFailed).Inc()
		}
		e.logger.Warn("scrape failed",
			slog.Uint64("site_id", uint64(site.ID)),
			slog.String("site", site.Name),
			slog.String("reason", reason),
			slog.String("error", errString(err)))
		return outcome
	}

	if err := e.limiter.Acquire(ctx); err != nil {
		return fail("rate limit wait timeout", err)
	}

	html, err := e.fetcher.Fetch(ctx, site.URL)
	if err != nil {
		return fail("fetch failed", err)
	}

	price, err := ExtractPrice(html, site.Selector)
	if err != nil {
		switch {
		case errors.Is(err, ErrSelectorNotFound):
			return fail("selector matched no element", err)
		case errors.Is(err, ErrUnparseablePrice):
			return fail("price not parseable", err)
		default:
			return fail("extract failed", err)
		}
	}

	// 降价判断基于追加前的最新观测
	prev, err := e.store.LatestObservation(ctx, site.ID)
	if err != nil {
		e.logger.Warn("load previous observation failed",
			slog.Uint64("site_id", uint64(site.ID)),
			slog.String("error", err.Error()))
		prev = nil
	}

	if err := e.store.AppendObservation(ctx, site.ID, price, outcome.CheckedAt); err != nil {
		return fail("store observation failed", err)
	}

	outcome.Status = StatusOK
	outcome.Price = price
	if metrics.ScrapeTotal != nil {
		metrics.ScrapeTotal.WithLabelValues(StatusOK).Inc()
	}
	if metrics.ScrapeDurationSeconds != nil {
		metrics.ScrapeDurationSeconds.Observe(time.Since(start).Seconds())
	}
	if metrics.ObservationsAppendedTotal != nil {
		metrics.ObservationsAppendedTotal.Inc()
	}

	e.maybeNotifyDrop(ctx, site, prev, price)
	return outcome
}

// maybeNotifyDrop 在价格较上次观测下降超过阈值时发送通知。
func (e *Executor) maybeNotifyDrop(ctx context.Context, site *model.Site, prev *model.PriceObservation, price float64) {
	if e.notifier == nil || e.opts.AlertDropPercent <= 0 || e.opts.AlertEmail == "" {
		return
	}
	if prev == nil || prev.Price <= 0 || price >= prev.Price {
		return
	}
	dropPercent := (prev.Price - price) / prev.Price * 100
	if dropPercent < e.opts.AlertDropPercent {
		return
	}
	if err := e.notifier.SendPriceDrop(ctx, site, prev.Price, price, e.opts.AlertEmail); err != nil {
		e.logger.Warn("send price drop notification failed",
			slog.Uint64("site_id", uint64(site.ID)),
			slog.String("error", err.Error()))
	}
}

// cacheLastRun 把本次运行结果以 JSON 缓存到 Redis。
func (e *Executor) cacheLastRun(ctx context.Context, result *RunResult) {
	if e.rdb == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		e.logger.Warn("marshal last run result failed", slog.String("error", err.Error()))
		return
	}
	if err := e.rdb.Set(context.WithoutCancel(ctx), lastRunKey, data, 24*time.Hour).Err(); err != nil {
		e.logger.Warn("cache last run result failed", slog.String("error", err.Error()))
	}
}

// LastRun 读取缓存的上次批量抓取结果；没有缓存时返回 nil。
func (e *Executor) LastRun(ctx context.Context) (*RunResult, error) {
	if e.rdb == nil {
		return nil, nil
	}
	data, err := e.rdb.Get(ctx, lastRunKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last run result: %w", err)
	}
	result := &RunResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("parse last run result: %w", err)
	}
	return result, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
