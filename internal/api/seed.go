package api

import (
	"context"
	"errors"
	"log/slog"

	"pricewatch/internal/store"
)

// demoSites 本地演示环境预置的监控站点。
var demoSites = []struct {
	name     string
	url      string
	selector string
}{
	{"Books to Scrape - A Light in the Attic", "http://books.toscrape.com/catalogue/a-light-in-the-attic_1000/index.html", ".price_color"},
	{"Books to Scrape - Tipping the Velvet", "http://books.toscrape.com/catalogue/tipping-the-velvet_999/index.html", ".price_color"},
	{"Books to Scrape - Soumission", "http://books.toscrape.com/catalogue/soumission_998/index.html", ".price_color"},
}

// SeedDemoSites 初始化演示站点。
//
// 仅在 local 环境且注册表为空时生效，方便刚启动的实例
// 直接体验抓取与分析视图。
func (s *Server) SeedDemoSites(ctx context.Context) error {
	if s.cfg.App.Env != "local" {
		return nil
	}

	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) > 0 {
		return nil
	}

	for _, d := range demoSites {
		if _, err := s.sites.AddSite(ctx, d.name, d.url, d.selector); err != nil {
			if errors.Is(err, store.ErrInvalidInput) {
				s.logger.Warn("skip invalid demo site", slog.String("name", d.name))
				continue
			}
			return err
		}
	}
	s.logger.Info("demo sites seeded", slog.Int("count", len(demoSites)))
	return nil
}
