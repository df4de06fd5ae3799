package analytics

import (
	"context"
	"fmt"
	"time"

	"pricewatch/internal/store"
)

// defaultTrendLimit 趋势视图默认返回的最大条数。
const defaultTrendLimit = 20

// Summary 全局汇总统计。
type Summary struct {
	TotalSites        int64   `json:"total_sites"`
	TotalObservations int64   `json:"total_observations"`
	AveragePrice      float64 `json:"average_price"`
	MinPrice          float64 `json:"min_price"`
	MaxPrice          float64 `json:"max_price"`
}

// SiteAverage 单个站点的平均价格，用于横向对比。
type SiteAverage struct {
	SiteID   uint    `json:"site_id"`
	Name     string  `json:"name"`
	AvgPrice float64 `json:"avg_price"`
}

// TrendPoint 趋势视图中的一条观测。
type TrendPoint struct {
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Aggregator 只读分析聚合器。
//
// 每次调用都直接扫描历史存储，不做缓存，结果始终反映
// 最新追加的观测。
type Aggregator struct {
	store       *store.Store
	trendLimit  int
	trendWindow time.Duration
}

// New 创建聚合器。
//
// 参数:
//
//	st: 站点与历史存储
//	trendLimit: 趋势视图最大条数（<=0 使用默认值 20）
//	trendWindow: 趋势视图时间窗口（0 表示不限）
func New(st *store.Store, trendLimit int, trendWindow time.Duration) *Aggregator {
	if trendLimit <= 0 {
		trendLimit = defaultTrendLimit
	}
	return &Aggregator{
		store:       st,
		trendLimit:  trendLimit,
		trendWindow: trendWindow,
	}
}

// Summary 计算全局汇总：站点数、观测数、均价与价格区间。
//
// 空历史返回全零而不是错误。
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	totalSites, err := a.store.CountSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sites: %w", err)
	}

	rows, err := a.store.AllObservations(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	summary := &Summary{
		TotalSites:        totalSites,
		TotalObservations: int64(len(rows)),
	}
	if len(rows) == 0 {
		return summary, nil
	}

	sum := 0.0
	summary.MinPrice = rows[0].Price
	summary.MaxPrice = rows[0].Price
	for _, row := range rows {
		sum += row.Price
		if row.Price < summary.MinPrice {
			summary.MinPrice = row.Price
		}
		if row.Price > summary.MaxPrice {
			summary.MaxPrice = row.Price
		}
	}
	summary.AveragePrice = sum / float64(len(rows))
	return summary, nil
}

// Comparison 计算每个站点自身观测的算术平均价。
//
// 返回顺序与站点注册顺序一致；没有观测的站点平均价为 0。
func (a *Aggregator) Comparison(ctx context.Context) ([]SiteAverage, error) {
	sites, err := a.store.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	rows, err := a.store.AllObservations(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	sums := make(map[uint]float64, len(sites))
	counts := make(map[uint]int, len(sites))
	for _, row := range rows {
		sums[row.SiteID] += row.Price
		counts[row.SiteID]++
	}

	averages := make([]SiteAverage, 0, len(sites))
	for _, site := range sites {
		avg := 0.0
		if n := counts[site.ID]; n > 0 {
			avg = sums[site.ID] / float64(n)
		}
		averages = append(averages, SiteAverage{
			SiteID:   site.ID,
			Name:     site.Name,
			AvgPrice: avg,
		})
	}
	return averages, nil
}

// Trends 返回全部站点合并后最近的观测，按时间倒序。
//
// 条数不超过配置上限；配置了时间窗口时只看窗口内的观测。
func (a *Aggregator) Trends(ctx context.Context) ([]TrendPoint, error) {
	since := time.Time{}
	if a.trendWindow > 0 {
		since = time.Now().Add(-a.trendWindow)
	}

	rows, err := a.store.AllObservations(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	if len(rows) > a.trendLimit {
		rows = rows[:a.trendLimit]
	}

	points := make([]TrendPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, TrendPoint{
			Name:       row.Name,
			Price:      row.Price,
			ObservedAt: row.ObservedAt,
		})
	}
	return points, nil
}
