package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pricewatch/internal/analytics"
	"pricewatch/internal/api/middleware"
	"pricewatch/internal/api/scheduler"
	"pricewatch/internal/config"
	"pricewatch/internal/model"
	"pricewatch/internal/pkg/metrics"
	"pricewatch/internal/pkg/notify"
	"pricewatch/internal/pkg/ratelimit"
	"pricewatch/internal/pkg/runlock"
	"pricewatch/internal/scraper"
	"pricewatch/internal/simulate"
	"pricewatch/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、抓取执行器以及 Gin 路由引擎。
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *gorm.DB
	rdb       *redis.Client
	router    *gin.Engine
	sched     *scheduler.Scheduler
	browser   *scraper.BrowserFetcher
	sites     SiteStore
	trigger   ScrapeTrigger
	lastRuns  LastRunSource
	stats     Analytics
	simulator DataSimulator
}

type SiteStore interface {
	AddSite(ctx context.Context, name, rawURL, selector string) (*model.Site, error)
	ListSites(ctx context.Context) ([]model.Site, error)
	History(ctx context.Context, siteID uint, limit int) ([]model.PriceObservation, error)
	LatestObservation(ctx context.Context, siteID uint) (*model.PriceObservation, error)
}

type ScrapeTrigger interface {
	RunNow(ctx context.Context) (*scraper.RunResult, error)
}

type LastRunSource interface {
	LastRun(ctx context.Context) (*scraper.RunResult, error)
}

type Analytics interface {
	Summary(ctx context.Context) (*analytics.Summary, error)
	Comparison(ctx context.Context) ([]analytics.SiteAverage, error)
	Trends(ctx context.Context) ([]analytics.TrendPoint, error)
}

type DataSimulator interface {
	Generate(ctx context.Context, days int) (int, error)
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 组装抓取执行器（限流、运行锁、通知）与调度器
// 4. 初始化 Gin 路由引擎
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}

	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	var fetcher scraper.Fetcher
	var browser *scraper.BrowserFetcher
	if cfg.Browser.Enabled {
		browser, err = scraper.NewBrowserFetcher(ctx, cfg.Browser, cfg.Scraper.FetchTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("start browser fetcher: %w", err)
		}
		fetcher = browser
	} else {
		fetcher = scraper.NewHTTPFetcher(cfg.Scraper.FetchTimeout, cfg.Scraper.UserAgent)
	}

	limiter := ratelimit.NewRedisRateLimiter(rdb, logger, "pricewatch:ratelimit:fetch",
		cfg.Scraper.RateLimit, cfg.Scraper.RateBurst)
	lock := runlock.New(rdb, "pricewatch:scrape:runlock", cfg.App.RunLockTTL)
	var notifier notify.Notifier
	if n := notify.NewEmailNotifier(cfg.Email, logger); n != nil {
		notifier = n
	}

	exec := scraper.NewExecutor(st, fetcher, limiter, lock, notifier, rdb, logger, scraper.Options{
		Concurrency:      cfg.Scraper.Concurrency,
		AlertDropPercent: cfg.Scraper.AlertDropPercent,
		AlertEmail:       cfg.Scraper.AlertEmail,
	})

	sched := scheduler.New(exec, logger, cfg.App.ScheduleInterval)

	// 初始化 Prometheus 指标
	metrics.InitMetrics(cfg.Scraper.Concurrency)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		rdb:       rdb,
		router:    r,
		sched:     sched,
		browser:   browser,
		sites:     st,
		trigger:   sched,
		lastRuns:  exec,
		stats:     analytics.New(st, cfg.App.TrendLimit, cfg.App.TrendWindow),
		simulator: simulate.New(st, logger),
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.StartScheduler(context.Background())

	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartScheduler 启动周期抓取调度器。
func (s *Server) StartScheduler(ctx context.Context) {
	s.sched.Start(ctx)
}

// Close 关闭数据库、缓存与浏览器。
func (s *Server) Close() error {
	var firstErr error
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			firstErr = err
		}
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.POST("/sites", s.handleAddSite)
	api.GET("/sites", s.handleListSites)
	api.GET("/sites/:id/history", s.handleHistory)
	api.POST("/scrape", s.handleScrapeNow)
	api.GET("/scrape/last", s.handleLastRun)
	api.POST("/simulate", s.handleSimulate)
	api.GET("/analytics/summary", s.handleSummary)
	api.GET("/analytics/comparison", s.handleComparison)
	api.GET("/analytics/trends", s.handleTrends)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	resp := gin.H{"status": "ok"}
	if s.sched != nil {
		resp["scheduler"] = s.sched.State()
	}
	c.JSON(http.StatusOK, resp)
}

// addSiteRequest 注册站点的请求参数。
type addSiteRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Selector string `json:"selector"`
}

type siteResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Selector    string    `json:"selector"`
	CreatedAt   time.Time `json:"created_at"`
	LatestPrice *float64  `json:"latest_price,omitempty"`
}

func toSiteResponse(site *model.Site) siteResponse {
	return siteResponse{
		ID:        site.ID,
		Name:      site.Name,
		URL:       site.URL,
		Selector:  site.Selector,
		CreatedAt: site.CreatedAt,
	}
}

// handleAddSite 注册一个新的监控站点。
//
// POST /api/sites
func (s *Server) handleAddSite(c *gin.Context) {
	var req addSiteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	site, err := s.sites.AddSite(c.Request.Context(), req.Name, req.URL, req.Selector)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		s.logger.Error("add site failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "add site failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "site": toSiteResponse(site)})
}

// handleListSites 返回所有监控站点。
//
// GET /api/sites
func (s *Server) handleListSites(c *gin.Context) {
	sites, err := s.sites.ListSites(c.Request.Context())
	if err != nil {
		s.logger.Error("list sites failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "list sites failed"})
		return
	}

	out := make([]siteResponse, 0, len(sites)) // ensure JSON is [] not null
	for i := range sites {
		resp := toSiteResponse(&sites[i])
		latest, err := s.sites.LatestObservation(c.Request.Context(), sites[i].ID)
		if err != nil {
			s.logger.Warn("load latest observation failed",
				slog.Uint64("site_id", uint64(sites[i].ID)),
				slog.String("error", err.Error()))
		} else if latest != nil {
			resp.LatestPrice = &latest.Price
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sites": out})
}

type observationResponse struct {
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// handleHistory 返回站点的价格历史，最新在前。
//
// GET /api/sites/:id/history?limit=50
func (s *Server) handleHistory(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid site id"})
		return
	}

	// 默认只看最近 50 条；limit=0 表示全量
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid limit"})
			return
		}
		limit = parsed
	}

	history, err := s.sites.History(c.Request.Context(), uint(id), limit)
	if err != nil {
		if errors.Is(err, store.ErrSiteNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "site not found"})
			return
		}
		s.logger.Error("load history failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "load history failed"})
		return
	}

	out := make([]observationResponse, 0, len(history))
	for _, obs := range history {
		out = append(out, observationResponse{Price: obs.Price, ObservedAt: obs.ObservedAt})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": out})
}

// handleScrapeNow 立即触发一次批量抓取并返回各站点结果。
//
// POST /api/scrape
func (s *Server) handleScrapeNow(c *gin.Context) {
	result, err := s.trigger.RunNow(c.Request.Context())
	if err != nil {
		if errors.Is(err, scraper.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"success": false, "error": "scrape run already in progress"})
			return
		}
		s.logger.Error("scrape run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "scrape run failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": result.StartedAt,
		"results":   result.Outcomes,
	})
}

// handleLastRun 返回上一次批量抓取的缓存结果。
//
// GET /api/scrape/last
func (s *Server) handleLastRun(c *gin.Context) {
	if s.lastRuns == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "run": nil})
		return
	}
	run, err := s.lastRuns.LastRun(c.Request.Context())
	if err != nil {
		s.logger.Error("load last run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "load last run failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "run": run})
}

// simulateRequest 生成演示数据的请求参数。
type simulateRequest struct {
	Days int `json:"days"`
}

// handleSimulate 为所有站点生成演示历史数据。
//
// POST /api/simulate
func (s *Server) handleSimulate(c *gin.Context) {
	req := simulateRequest{Days: 30}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
			return
		}
	}

	appended, err := s.simulator.Generate(c.Request.Context(), req.Days)
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		s.logger.Error("simulate data failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "simulate data failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("generated %d observations over %d days", appended, req.Days),
	})
}

// handleSummary 返回全局汇总统计。
//
// GET /api/analytics/summary
func (s *Server) handleSummary(c *gin.Context) {
	summary, err := s.stats.Summary(c.Request.Context())
	if err != nil {
		s.logger.Error("analytics summary failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "analytics summary failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"total_sites":        summary.TotalSites,
		"total_observations": summary.TotalObservations,
		"average_price":      summary.AveragePrice,
		"price_range":        gin.H{"min": summary.MinPrice, "max": summary.MaxPrice},
	})
}

// handleComparison 返回各站点平均价对比。
//
// GET /api/analytics/comparison
func (s *Server) handleComparison(c *gin.Context) {
	averages, err := s.stats.Comparison(c.Request.Context())
	if err != nil {
		s.logger.Error("analytics comparison failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "analytics comparison failed"})
		return
	}
	if averages == nil {
		averages = []analytics.SiteAverage{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "raw_data": averages})
}

// handleTrends 返回最近的观测趋势。
//
// GET /api/analytics/trends
func (s *Server) handleTrends(c *gin.Context) {
	points, err := s.stats.Trends(c.Request.Context())
	if err != nil {
		s.logger.Error("analytics trends failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "analytics trends failed"})
		return
	}
	if points == nil {
		points = []analytics.TrendPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "raw_data": points})
}
