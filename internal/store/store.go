package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pricewatch/internal/model"

	"gorm.io/gorm"
)

var (
	// ErrInvalidInput 表示登记参数非法（空字段或 URL 格式错误）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrSiteNotFound 表示引用的站点不存在。
	ErrSiteNotFound = errors.New("site not found")
)

// Store 封装站点注册表与价格历史的全部持久化操作。
//
// 注册表是追加式的：站点创建后不可修改或删除。
// 价格历史是只增表：Append 之外的所有操作都是只读的。
// 并发安全性由数据库保证，每条观测的写入是原子的。
type Store struct {
	db *gorm.DB
}

// New 创建一个基于 gorm 的存储实例。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 执行表结构迁移。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&model.Site{}, &model.PriceObservation{})
}

// AddSite 登记一个新的监控站点。
//
// name、rawURL、selector 均不能为空白，rawURL 必须是带 scheme 和 host 的
// 绝对 URL。不做重复检测：同一 URL 可以登记多次，各自获得独立 ID。
//
// 参数:
//
//	ctx: 上下文
//	name: 展示名称
//	rawURL: 被监控页面地址
//	selector: 价格元素的 CSS 选择器
//
// 返回值:
//
//	*model.Site: 带有新分配 ID 的站点记录
//	error: 参数非法时返回 ErrInvalidInput
func (s *Store) AddSite(ctx context.Context, name, rawURL, selector string) (*model.Site, error) {
	name = strings.TrimSpace(name)
	rawURL = strings.TrimSpace(rawURL)
	selector = strings.TrimSpace(selector)

	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrInvalidInput)
	}
	if selector == "" {
		return nil, fmt.Errorf("%w: selector is empty", ErrInvalidInput)
	}
	if rawURL == "" {
		return nil, fmt.Errorf("%w: url is empty", ErrInvalidInput)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return nil, fmt.Errorf("%w: url %q is not an absolute URL", ErrInvalidInput, rawURL)
	}

	site := model.Site{
		Name:     name,
		URL:      rawURL,
		Selector: selector,
	}
	if err := s.db.WithContext(ctx).Create(&site).Error; err != nil {
		return nil, fmt.Errorf("create site: %w", err)
	}
	return &site, nil
}

// ListSites 按登记顺序返回所有站点。
func (s *Store) ListSites(ctx context.Context) ([]model.Site, error) {
	sites := []model.Site{}
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// GetSite 按 ID 查找站点。
func (s *Store) GetSite(ctx context.Context, id uint) (*model.Site, error) {
	var site model.Site
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrSiteNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &site, nil
}

// CountSites 返回已登记的站点总数。
func (s *Store) CountSites(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.Site{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count sites: %w", err)
	}
	return count, nil
}

// AppendObservation 追加一条价格观测。
//
// 写入是全有或全无的：站点不存在或价格为负时什么都不写。
// 不做去重，相同 (site_id, price, observed_at) 的两次追加产生两条记录。
func (s *Store) AppendObservation(ctx context.Context, siteID uint, price float64, observedAt time.Time) error {
	if price < 0 {
		return fmt.Errorf("%w: negative price %.2f", ErrInvalidInput, price)
	}
	if _, err := s.GetSite(ctx, siteID); err != nil {
		return err
	}
	obs := model.PriceObservation{
		SiteID:     siteID,
		Price:      price,
		ObservedAt: observedAt,
	}
	if err := s.db.WithContext(ctx).Create(&obs).Error; err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

// History 返回某站点的价格历史，按观测时间倒序（最新在前）。
//
// limit <= 0 时返回全部历史。
func (s *Store) History(ctx context.Context, siteID uint, limit int) ([]model.PriceObservation, error) {
	if _, err := s.GetSite(ctx, siteID); err != nil {
		return nil, err
	}
	history := []model.PriceObservation{}
	query := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("observed_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&history).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

// LatestObservation 返回某站点最近的一条观测；没有历史时返回 (nil, nil)。
func (s *Store) LatestObservation(ctx context.Context, siteID uint) (*model.PriceObservation, error) {
	var obs model.PriceObservation
	err := s.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("observed_at DESC, id DESC").
		First(&obs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest observation: %w", err)
	}
	return &obs, nil
}

// ObservationRow 是聚合查询使用的展开行（站点名 + 观测值）。
type ObservationRow struct {
	SiteID     uint      `gorm:"column:site_id"`
	Name       string    `gorm:"column:name"`
	Price      float64   `gorm:"column:price"`
	ObservedAt time.Time `gorm:"column:observed_at"`
}

// AllObservations 返回所有站点的观测记录，供分析聚合使用。
//
// since 非零时只返回该时刻之后的观测。结果按观测时间倒序。
func (s *Store) AllObservations(ctx context.Context, since time.Time) ([]ObservationRow, error) {
	rows := []ObservationRow{}
	query := s.db.WithContext(ctx).
		Table("price_observations").
		Select("price_observations.site_id, sites.name, price_observations.price, price_observations.observed_at").
		Joins("JOIN sites ON sites.id = price_observations.site_id").
		Order("price_observations.observed_at DESC, price_observations.id DESC")
	if !since.IsZero() {
		query = query.Where("price_observations.observed_at > ?", since)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}
	return rows, nil
}

// CountObservations 返回全部观测条数。
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&model.PriceObservation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return count, nil
}
