package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Scraper ScraperConfig `json:"scraper"`
	Browser BrowserConfig `json:"browser"`
	Email   EmailConfig   `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	ScheduleInterval time.Duration `json:"schedule_interval"` // 周期抓取间隔（0 表示关闭周期抓取）
	TrendLimit       int           `json:"trend_limit"`       // 趋势视图返回的最大观测条数
	TrendWindow      time.Duration `json:"trend_window"`      // 趋势视图的时间窗口（0 表示不限）
	RunLockTTL       time.Duration `json:"run_lock_ttl"`      // 批量抓取运行锁的 TTL
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ScraperConfig 抓取执行器配置。
type ScraperConfig struct {
	FetchTimeout     time.Duration `json:"fetch_timeout"`      // 单页抓取超时
	Concurrency      int           `json:"concurrency"`        // 批量抓取并发度
	UserAgent        string        `json:"user_agent"`         // 请求 UA
	RateLimit        float64       `json:"rate_limit"`         // 限流速率（token/s，0 表示不限流）
	RateBurst        float64       `json:"rate_burst"`         // 限流桶容量
	AlertDropPercent float64       `json:"alert_drop_percent"` // 触发降价通知的降幅百分比（0 表示关闭）
	AlertEmail       string        `json:"alert_email"`        // 降价通知接收邮箱
}

// BrowserConfig 无头浏览器抓取配置（针对 JS 渲染页面）。
type BrowserConfig struct {
	Enabled  bool   `json:"enabled"`  // 是否用无头浏览器代替普通 HTTP 抓取
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径（为空则自动探测）
	Headless bool   `json:"headless"` // 是否无头模式
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认配置；环境变量始终可以覆盖文件值。
//
// 参数:
//
//	configPath: 配置文件路径（为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 解析失败时返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			ScheduleInterval: 6 * time.Hour,
			TrendLimit:       20,
			TrendWindow:      0,
			RunLockTTL:       5 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/pricewatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Scraper: ScraperConfig{
			FetchTimeout:     10 * time.Second,
			Concurrency:      5,
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
			RateLimit:        1,
			RateBurst:        3,
			AlertDropPercent: 0,
			AlertEmail:       "",
		},
		Browser: BrowserConfig{
			Enabled:  false,
			BinPath:  "",
			Headless: true,
		},
		Email: EmailConfig{
			SMTPHost:  "",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.TrendLimit == 0 {
		cfg.App.TrendLimit = defaults.App.TrendLimit
	}
	if cfg.App.RunLockTTL == 0 {
		cfg.App.RunLockTTL = defaults.App.RunLockTTL
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Scraper.FetchTimeout == 0 {
		cfg.Scraper.FetchTimeout = defaults.Scraper.FetchTimeout
	}
	if cfg.Scraper.Concurrency == 0 {
		cfg.Scraper.Concurrency = defaults.Scraper.Concurrency
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = defaults.Scraper.UserAgent
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_dsn", "DB_DSN")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ScheduleInterval = d
		}
	}
	if v := os.Getenv("APP_TREND_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.TrendLimit = i
		}
	}
	if v := os.Getenv("APP_TREND_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.TrendWindow = d
		}
	}
	if v := os.Getenv("SCRAPER_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scraper.FetchTimeout = d
		}
	}
	if v := os.Getenv("SCRAPER_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scraper.Concurrency = i
		}
	}
	if v := os.Getenv("SCRAPER_USER_AGENT"); v != "" {
		cfg.Scraper.UserAgent = v
	}
	if v := os.Getenv("SCRAPER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateLimit = f
		}
	}
	if v := os.Getenv("SCRAPER_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateBurst = f
		}
	}
	if v := os.Getenv("SCRAPER_ALERT_DROP_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.AlertDropPercent = f
		}
	}
	if v := os.Getenv("SCRAPER_ALERT_EMAIL"); v != "" {
		cfg.Scraper.AlertEmail = v
	}

	if v := viper.GetString("db_dsn"); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("BROWSER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Enabled = b
		}
	}
	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "6h"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScheduleInterval string `json:"schedule_interval"`
		TrendWindow      string `json:"trend_window"`
		RunLockTTL       string `json:"run_lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScheduleInterval != "" {
		d, err := time.ParseDuration(aux.ScheduleInterval)
		if err != nil {
			return fmt.Errorf("invalid schedule_interval format: %w", err)
		}
		a.ScheduleInterval = d
	}
	if aux.TrendWindow != "" {
		d, err := time.ParseDuration(aux.TrendWindow)
		if err != nil {
			return fmt.Errorf("invalid trend_window format: %w", err)
		}
		a.TrendWindow = d
	}
	if aux.RunLockTTL != "" {
		d, err := time.ParseDuration(aux.RunLockTTL)
		if err != nil {
			return fmt.Errorf("invalid run_lock_ttl format: %w", err)
		}
		a.RunLockTTL = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		ScheduleInterval string `json:"schedule_interval"`
		TrendWindow      string `json:"trend_window"`
		RunLockTTL       string `json:"run_lock_ttl"`
		*Alias
	}{
		ScheduleInterval: a.ScheduleInterval.String(),
		TrendWindow:      a.TrendWindow.String(),
		RunLockTTL:       a.RunLockTTL.String(),
		Alias:            (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "10s"）。
func (s *ScraperConfig) UnmarshalJSON(data []byte) error {
	type Alias ScraperConfig
	aux := &struct {
		FetchTimeout string `json:"fetch_timeout"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.FetchTimeout != "" {
		d, err := time.ParseDuration(aux.FetchTimeout)
		if err != nil {
			return fmt.Errorf("invalid fetch_timeout format: %w", err)
		}
		s.FetchTimeout = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (s ScraperConfig) MarshalJSON() ([]byte, error) {
	type Alias ScraperConfig
	return json.Marshal(&struct {
		FetchTimeout string `json:"fetch_timeout"`
		*Alias
	}{
		FetchTimeout: s.FetchTimeout.String(),
		Alias:        (*Alias)(&s),
	})
}
