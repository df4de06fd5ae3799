package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"pricewatch/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestSummary_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	agg := New(st, 20, 0)

	summary, err := agg.Summary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalSites != 0 || summary.TotalObservations != 0 {
		t.Fatalf("expected zero counts, got %+v", summary)
	}
	if summary.AveragePrice != 0 || summary.MinPrice != 0 || summary.MaxPrice != 0 {
		t.Fatalf("expected zero price stats, got %+v", summary)
	}
}

func TestSummary_ComputesStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	agg := New(st, 20, 0)

	a, _ := st.AddSite(ctx, "A", "https://a.example", ".price")
	b, _ := st.AddSite(ctx, "B", "https://b.example", ".price")

	now := time.Now()
	for _, p := range []float64{10, 20} {
		if err := st.AppendObservation(ctx, a.ID, p, now); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.AppendObservation(ctx, b.ID, 60, now); err != nil {
		t.Fatalf("append: %v", err)
	}

	summary, err := agg.Summary(ctx)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalSites != 2 || summary.TotalObservations != 3 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if !almostEqual(summary.AveragePrice, 30) {
		t.Fatalf("expected average 30, got %v", summary.AveragePrice)
	}
	if summary.MinPrice != 10 || summary.MaxPrice != 60 {
		t.Fatalf("unexpected price range: %+v", summary)
	}
}

func TestComparison_PerSiteMeanInSourceOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	agg := New(st, 20, 0)

	a, _ := st.AddSite(ctx, "A", "https://a.example", ".price")
	b, _ := st.AddSite(ctx, "B", "https://b.example", ".price")
	c, _ := st.AddSite(ctx, "C", "https://c.example", ".price")

	now := time.Now()
	for _, p := range []float64{10, 30} {
		if err := st.AppendObservation(ctx, a.ID, p, now); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.AppendObservation(ctx, b.ID, 7, now); err != nil {
		t.Fatalf("append: %v", err)
	}

	averages, err := agg.Comparison(ctx)
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if len(averages) != 3 {
		t.Fatalf("expected one entry per site, got %d", len(averages))
	}
	if averages[0].SiteID != a.ID || !almostEqual(averages[0].AvgPrice, 20) {
		t.Fatalf("unexpected first entry: %+v", averages[0])
	}
	if averages[1].SiteID != b.ID || !almostEqual(averages[1].AvgPrice, 7) {
		t.Fatalf("unexpected second entry: %+v", averages[1])
	}
	if averages[2].SiteID != c.ID || averages[2].AvgPrice != 0 {
		t.Fatalf("expected zero average for site without history, got %+v", averages[2])
	}
}

func TestComparison_EmptyRegistry(t *testing.T) {
	st := newTestStore(t)
	agg := New(st, 20, 0)

	averages, err := agg.Comparison(context.Background())
	if err != nil {
		t.Fatalf("comparison: %v", err)
	}
	if len(averages) != 0 {
		t.Fatalf("expected empty comparison, got %d entries", len(averages))
	}
}

func TestTrends_DescendingAndCapped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	agg := New(st, 5, 0)

	site, _ := st.AddSite(ctx, "A", "https://a.example", ".price")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		if err := st.AppendObservation(ctx, site.ID, float64(i), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	points, err := agg.Trends(ctx)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(points) != 5 {
		t.Fatalf("expected cap of 5, got %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].ObservedAt.After(points[i-1].ObservedAt) {
			t.Fatalf("trends not in descending order at %d", i)
		}
	}
	// 最新的观测排在最前
	if points[0].Price != 9 {
		t.Fatalf("expected most recent observation first, got price %v", points[0].Price)
	}
}

func TestTrends_WindowFiltersOldObservations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	agg := New(st, 20, time.Hour)

	site, _ := st.AddSite(ctx, "A", "https://a.example", ".price")

	if err := st.AppendObservation(ctx, site.ID, 1, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendObservation(ctx, site.ID, 2, time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("append: %v", err)
	}

	points, err := agg.Trends(ctx)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(points) != 1 || points[0].Price != 2 {
		t.Fatalf("expected only the recent observation, got %+v", points)
	}
}

func TestTrends_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	agg := New(st, 20, 0)

	points, err := agg.Trends(context.Background())
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected empty trends, got %d", len(points))
	}
}
