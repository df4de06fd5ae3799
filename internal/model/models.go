package model

import (
	"time"
)

// Site 表示一个被监控的商品页面。
//
// 它记录了用户登记的页面信息（名称、URL、价格选择器）。
// 站点创建后不可修改，站点与价格观测是一对多关系。
type Site struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 站点唯一标识
	CreatedAt time.Time `json:"created_at"`           // 登记时间

	Name     string `gorm:"not null" json:"name"`                   // 展示名称
	URL      string `gorm:"type:varchar(2048);not null" json:"url"` // 被监控页面的绝对 URL
	Selector string `gorm:"not null" json:"selector"`               // 价格所在元素的 CSS 选择器

	Observations []PriceObservation `gorm:"foreignKey:SiteID" json:"-"` // 该站点的价格历史
}

// PriceObservation 表示某个站点在某一时刻的一次价格读数。
//
// 观测记录只增不删：抓取成功或演示数据生成时写入，之后永不更新或删除。
type PriceObservation struct {
	ID uint `gorm:"primaryKey" json:"id"` // 内部 ID

	SiteID     uint      `gorm:"not null;index:idx_site_observed" json:"site_id"`     // 所属站点 ID
	Price      float64   `gorm:"not null" json:"price"`                               // 抓取到的价格（非负）
	ObservedAt time.Time `gorm:"not null;index:idx_site_observed" json:"observed_at"` // 观测时间
}
