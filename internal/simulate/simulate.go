package simulate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"pricewatch/internal/store"
)

// 随机基准价区间，用于没有任何历史的站点。
const (
	minBasePrice = 20.0
	maxBasePrice = 200.0
	// 单日价格相对基准价的最大波动幅度
	maxVariation = 0.15
)

// Simulator 演示数据生成器。
//
// 为每个已注册站点按天生成合理的历史观测，供没有真实
// 抓取历史的环境演示分析视图。只写历史，不动站点注册表。
type Simulator struct {
	store  *store.Store
	logger *slog.Logger
	rng    *rand.Rand
}

// New 创建生成器。
func New(st *store.Store, logger *slog.Logger) *Simulator {
	return &Simulator{
		store:  st,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate 为每个站点生成 days 天的历史观测，每天一条。
//
// 基准价取站点最新观测价；没有历史的站点随机取一个基准价。
// 每条观测在基准价上做 ±15% 的有界随机波动。
//
// 参数:
//
//	ctx: 上下文
//	days: 生成的天数（必须为正）
//
// 返回值:
//
//	int: 实际追加的观测条数（站点数 × 天数）
//	error: 参数非法或存储失败时返回错误
func (s *Simulator) Generate(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", store.ErrInvalidInput)
	}

	sites, err := s.store.ListSites(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sites: %w", err)
	}

	now := time.Now()
	appended := 0
	for _, site := range sites {
		base, err := s.basePrice(ctx, site.ID)
		if err != nil {
			return appended, err
		}

		for d := days - 1; d >= 0; d-- {
			variation := (s.rng.Float64()*2 - 1) * maxVariation
			price := math.Round(base*(1+variation)*100) / 100
			observedAt := now.AddDate(0, 0, -d)

			if err := s.store.AppendObservation(ctx, site.ID, price, observedAt); err != nil {
				return appended, fmt.Errorf("append simulated observation: %w", err)
			}
			appended++
		}
	}

	s.logger.Info("demo data generated",
		slog.Int("sites", len(sites)),
		slog.Int("days", days),
		slog.Int("observations", appended))
	return appended, nil
}

// basePrice 返回站点的基准价：最新观测价，缺省时随机取值。
func (s *Simulator) basePrice(ctx context.Context, siteID uint) (float64, error) {
	latest, err := s.store.LatestObservation(ctx, siteID)
	if err != nil {
		return 0, fmt.Errorf("load latest observation: %w", err)
	}
	if latest != nil && latest.Price > 0 {
		return latest.Price, nil
	}
	return minBasePrice + s.rng.Float64()*(maxBasePrice-minBasePrice), nil
}
