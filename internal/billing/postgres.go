package billing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// TenantUsage 是租户生命周期累计用量。
type TenantUsage struct {
	TenantID           int64     `gorm:"column:tenant_id;primaryKey"`
	BandwidthUsedBytes int64     `gorm:"column:bandwidth_used_bytes"`
	CacheHits          int64     `gorm:"column:cache_hits"`
	CacheMisses        int64     `gorm:"column:cache_misses"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

// TableName 固定表名，避免 gorm 复数化。
func (TenantUsage) TableName() string { return "tenant_usage" }

// UsageHourly 是按 (tenant_id, hour_start) 键控的小时滚动汇总。
type UsageHourly struct {
	TenantID       int64     `gorm:"column:tenant_id;primaryKey"`
	HourStart      time.Time `gorm:"column:hour_start;primaryKey"`
	OriginHost     string    `gorm:"column:origin_host"`
	BandwidthBytes int64     `gorm:"column:bandwidth_bytes"`
	Requests       int64     `gorm:"column:requests"`
	CacheHits      int64     `gorm:"column:cache_hits"`
	CacheMisses    int64     `gorm:"column:cache_misses"`
}

func (UsageHourly) TableName() string { return "usage_hourly" }

// NewPostgres 连接计费库并校验连通性。
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect billing store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("billing sql db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping billing store: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&TenantUsage{}, &UsageHourly{}); err != nil {
		return nil, fmt.Errorf("migrate billing store: %w", err)
	}

	return &postgresStore{db: db}, nil
}

type postgresStore struct {
	db *gorm.DB
}

// WriteSnapshot 在一个事务内完成两次 upsert：
// 租户总量按列自增，小时汇总在 (tenant_id, hour_start) 冲突时可加性合并。
func (s *postgresStore) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		totals := TenantUsage{
			TenantID:           snap.TenantID,
			BandwidthUsedBytes: snap.Bandwidth,
			CacheHits:          snap.CacheHits,
			CacheMisses:        snap.CacheMisses,
			UpdatedAt:          time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"bandwidth_used_bytes": gorm.Expr("tenant_usage.bandwidth_used_bytes + ?", snap.Bandwidth),
				"cache_hits":           gorm.Expr("tenant_usage.cache_hits + ?", snap.CacheHits),
				"cache_misses":         gorm.Expr("tenant_usage.cache_misses + ?", snap.CacheMisses),
				"updated_at":           totals.UpdatedAt,
			}),
		}).Create(&totals).Error; err != nil {
			return fmt.Errorf("upsert tenant totals: %w", err)
		}

		hourly := UsageHourly{
			TenantID:       snap.TenantID,
			HourStart:      snap.HourStart,
			OriginHost:     snap.OriginHost,
			BandwidthBytes: snap.Bandwidth,
			Requests:       snap.Requests,
			CacheHits:      snap.CacheHits,
			CacheMisses:    snap.CacheMisses,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "hour_start"}},
			DoUpdates: clause.Assignments(map[string]any{
				"bandwidth_bytes": gorm.Expr("usage_hourly.bandwidth_bytes + ?", snap.Bandwidth),
				"requests":        gorm.Expr("usage_hourly.requests + ?", snap.Requests),
				"cache_hits":      gorm.Expr("usage_hourly.cache_hits + ?", snap.CacheHits),
				"cache_misses":    gorm.Expr("usage_hourly.cache_misses + ?", snap.CacheMisses),
			}),
		}).Create(&hourly).Error; err != nil {
			return fmt.Errorf("upsert hourly rollup: %w", err)
		}

		return nil
	})
}
