// Package billing 定义用量聚合器的落库端口。
// 一次 WriteSnapshot 覆盖两张表：租户累计总量与按小时滚动汇总；
// 自托管部署可不配置计费库，此时使用 Disabled 实现。
package billing

import (
	"context"
	"errors"
	"time"
)

// Snapshot 是一次 flush 写入的快照，数值为自上次成功 flush 以来的增量。
type Snapshot struct {
	TenantID    int64
	OriginHost  string
	Bandwidth   int64
	Requests    int64
	CacheHits   int64
	CacheMisses int64

	// HourStart 是该快照归属的小时滚动窗口起点（UTC 整点）。
	HourStart time.Time
}

// ErrNotConfigured 表示部署未绑定计费库。
var ErrNotConfigured = errors.New("billing store not configured")

// Store 是计费库端口。WriteSnapshot 必须整体成功或整体失败，
// 失败时调用方保留计数、下个周期重试；并发 upsert 同一
// (tenant_id, hour_start) 必须可加性合并。
type Store interface {
	WriteSnapshot(ctx context.Context, snap Snapshot) error
}

// Disabled 返回恒定报告未配置的 Store。
func Disabled() Store {
	return disabledStore{}
}

type disabledStore struct{}

func (disabledStore) WriteSnapshot(context.Context, Snapshot) error {
	return ErrNotConfigured
}

// HourStart 把时间截断到所属 UTC 整点。
func HourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}
