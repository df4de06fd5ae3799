package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricewatch/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserFetcher 基于无头浏览器的抓取器，适用于 JS 渲染的页面。
//
// 它维护一个 rod.Browser 实例，每次抓取开一个新页面。
type BrowserFetcher struct {
	browser *rod.Browser
	logger  *slog.Logger
	timeout time.Duration
}

// NewBrowserFetcher 启动无头浏览器并创建抓取器。
//
// 会根据配置决定 Headless 模式与浏览器二进制路径；路径为空时
// 自动下载默认浏览器。针对容器环境做了适配（NoSandbox）。
//
// 参数:
//
//	ctx: 浏览器生命周期上下文
//	cfg: 浏览器配置
//	timeout: 单页抓取超时
//	logger: 日志记录器
//
// 返回值:
//
//	*BrowserFetcher: 抓取器实例
//	error: 启动失败返回错误
func NewBrowserFetcher(ctx context.Context, cfg config.BrowserConfig, timeout time.Duration, logger *slog.Logger) (*BrowserFetcher, error) {
	bin := cfg.BinPath
	if bin == "" {
		logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对 Docker/EC2 环境的 Flag 优化
	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		// 禁用 /dev/shm，防止容器内内存崩溃
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger.Info("browser started", slog.String("bin", bin))
	return &BrowserFetcher{
		browser: browser,
		logger:  logger,
		timeout: timeout,
	}, nil
}

// Fetch 用浏览器加载页面并返回渲染后的 HTML。
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	page, err := f.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			f.logger.Warn("close page failed", slog.String("error", closeErr.Error()))
		}
	}()

	page = page.Context(ctx).Timeout(f.timeout)

	// 应用 go-rod/stealth 的反检测脚本
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		return "", fmt.Errorf("apply stealth script: %w", err)
	}

	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load %s: %w", url, err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Close 关闭浏览器实例。
func (f *BrowserFetcher) Close() error {
	if f == nil || f.browser == nil {
		return nil
	}
	return f.browser.Close()
}
