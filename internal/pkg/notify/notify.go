package notify

import (
	"context"
	"fmt"
	"log/slog"

	"pricewatch/internal/config"
	"pricewatch/internal/model"

	"gopkg.in/gomail.v2"
)

// Notifier 降价通知接口。
type Notifier interface {
	// SendPriceDrop 发送降价通知。
	SendPriceDrop(ctx context.Context, site *model.Site, oldPrice, newPrice float64, toEmail string) error
}

// EmailNotifier 基于 SMTP 的邮件通知器。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	dialer *gomail.Dialer
}

// NewEmailNotifier 创建邮件通知器。
//
// 参数:
//
//	cfg: 邮件配置（SMTP 主机、端口、账号）
//	logger: 日志记录器
//
// 返回值:
//
//	*EmailNotifier: 通知器实例；SMTP 未配置时返回 nil
func NewEmailNotifier(cfg config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	if cfg.SMTPHost == "" || cfg.FromEmail == "" {
		return nil
	}
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
		dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// SendPriceDrop 发送降价通知邮件。
//
// nil 接收者直接跳过（未配置 SMTP 的降级路径）。
func (n *EmailNotifier) SendPriceDrop(ctx context.Context, site *model.Site, oldPrice, newPrice float64, toEmail string) error {
	if n == nil || toEmail == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	subject := fmt.Sprintf("Price drop: %s", site.Name)
	body := fmt.Sprintf(
		"<h2>Price Drop Alert</h2>"+
			"<p><b>%s</b> dropped from <b>%.2f</b> to <b>%.2f</b>.</p>"+
			"<p><a href=%q>%s</a></p>",
		site.Name, oldPrice, newPrice, site.URL, site.URL,
	)

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send price drop mail: %w", err)
	}

	n.logger.Info("price drop notification sent",
		"site_id", site.ID,
		"site", site.Name,
		"old_price", oldPrice,
		"new_price", newPrice,
		"to", toEmail)
	return nil
}
