// Package usage 维护按租户聚合的用量计数：带宽、请求数、缓存命中/未命中。
// 每个租户一个计数块，写入即持久化到 WAL 文件，进程重启后重放恢复；
// 定时 flush 把快照批量写入计费库，成功后仅扣减快照值，
// 因此 Record 与 flush 任意交错都不会丢数或重复计费。
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/billing"
)

const defaultFlushInterval = 60 * time.Second

// Counters 是一个租户的在途计数。数值单调递增，
// 仅在 flush 成功或计费库未配置（用量被丢弃）时按快照扣减。
type Counters struct {
	TenantID    int64  `json:"tenant_id"`
	OriginHost  string `json:"origin_host"`
	Bandwidth   int64  `json:"bandwidth"`
	Requests    int64  `json:"requests"`
	CacheHits   int64  `json:"cache_hits"`
	CacheMisses int64  `json:"cache_misses"`
}

type tenantCounter struct {
	mu sync.Mutex
	Counters
}

// Config 是聚合器的构造参数。
type Config struct {
	// Dir 是 WAL 目录；为空则仅驻内存（测试用）。
	Dir string
	// Store 是计费库端口；未配置时传 billing.Disabled()。
	Store billing.Store
	// FlushInterval 缺省 60s。
	FlushInterval time.Duration
	Logger        *logrus.Logger
}

// Aggregator 是租户计数的唯一写入方。
type Aggregator struct {
	dir      string
	store    billing.Store
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.Mutex
	tenants map[int64]*tenantCounter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	misconfigLogged sync.Once
}

// NewAggregator 构造聚合器并从 WAL 目录重放历史计数。
// 必须在对外服务前完成重放，避免覆盖未上报的用量。
func NewAggregator(cfg Config) (*Aggregator, error) {
	store := cfg.Store
	if store == nil {
		store = billing.Disabled()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	agg := &Aggregator{
		dir:      cfg.Dir,
		store:    store,
		interval: interval,
		logger:   logger,
		tenants:  make(map[int64]*tenantCounter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if agg.dir != "" {
		if err := os.MkdirAll(agg.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage dir: %w", err)
		}
		if err := agg.rehydrate(); err != nil {
			return nil, err
		}
	}

	return agg, nil
}

// Start 启动周期 flush 循环。
func (a *Aggregator) Start() {
	go a.loop()
}

// Stop 停止循环并做最后一次 flush。
func (a *Aggregator) Stop(ctx context.Context) {
	a.stopOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
	case <-ctx.Done():
		return
	}
	a.Flush(ctx)
}

// Record 累加一次请求的用量并持久化。bytes 为实际投递的字节数，
// 304 等零字节响应也计入请求与命中数。
func (a *Aggregator) Record(tenantID int64, originHost string, bytes int64, cacheHit bool) {
	if tenantID <= 0 || bytes < 0 {
		return
	}

	tc := a.counter(tenantID)
	tc.mu.Lock()
	tc.OriginHost = originHost
	tc.Bandwidth += bytes
	tc.Requests++
	if cacheHit {
		tc.CacheHits++
	} else {
		tc.CacheMisses++
	}
	snapshot := tc.Counters
	tc.mu.Unlock()

	a.persist(snapshot)
}

// Totals 返回租户当前在途计数的副本，供测试使用。
func (a *Aggregator) Totals(tenantID int64) Counters {
	tc := a.counter(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.Counters
}

// Flush 对所有租户执行一轮快照写入。
// 快照在任何 I/O 之前取得；写库成功后只扣减快照值，
// flush 期间新增的计数原样保留到下个周期。
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	pending := make([]*tenantCounter, 0, len(a.tenants))
	for _, tc := range a.tenants {
		pending = append(pending, tc)
	}
	a.mu.Unlock()

	for _, tc := range pending {
		tc.mu.Lock()
		snap := tc.Counters
		tc.mu.Unlock()

		if snap.Requests == 0 {
			continue
		}

		err := a.store.WriteSnapshot(ctx, billing.Snapshot{
			TenantID:    snap.TenantID,
			OriginHost:  snap.OriginHost,
			Bandwidth:   snap.Bandwidth,
			Requests:    snap.Requests,
			CacheHits:   snap.CacheHits,
			CacheMisses: snap.CacheMisses,
			HourStart:   billing.HourStart(time.Now()),
		})

		switch {
		case err == nil:
			a.subtract(tc, snap)
		case errors.Is(err, billing.ErrNotConfigured):
			// 未配置计费库：丢弃计数而不是无限增长。
			a.misconfigLogged.Do(func() {
				a.logger.WithFields(logrus.Fields{
					"action": "usage_flush",
				}).Warn("billing_not_configured_dropping_usage")
			})
			a.subtract(tc, snap)
		default:
			a.logger.WithError(err).WithFields(logrus.Fields{
				"action": "usage_flush",
				"tenant": snap.TenantID,
			}).Error("usage_flush_failed")
		}
	}
}

func (a *Aggregator) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.interval/2)
			a.Flush(ctx)
			cancel()
		case <-a.stop:
			return
		}
	}
}

func (a *Aggregator) counter(tenantID int64) *tenantCounter {
	a.mu.Lock()
	defer a.mu.Unlock()
	tc := a.tenants[tenantID]
	if tc == nil {
		tc = &tenantCounter{Counters: Counters{TenantID: tenantID}}
		a.tenants[tenantID] = tc
	}
	return tc
}

// subtract 扣减快照值并持久化余量，保证不回退 flush 期间的新增。
func (a *Aggregator) subtract(tc *tenantCounter, snap Counters) {
	tc.mu.Lock()
	tc.Bandwidth -= snap.Bandwidth
	tc.Requests -= snap.Requests
	tc.CacheHits -= snap.CacheHits
	tc.CacheMisses -= snap.CacheMisses
	remain := tc.Counters
	tc.mu.Unlock()

	a.persist(remain)
}

// persist 以临时文件 + rename 原子写入租户 WAL 文件。
func (a *Aggregator) persist(snap Counters) {
	if a.dir == "" {
		return
	}

	path := a.walPath(snap.TenantID)
	if snap.Requests == 0 && snap.Bandwidth == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			a.logger.WithError(err).Warn("usage_wal_remove_failed")
		}
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	temp, err := os.CreateTemp(a.dir, ".usage-*")
	if err != nil {
		a.logger.WithError(err).Warn("usage_wal_write_failed")
		return
	}
	tempName := temp.Name()
	_, err = temp.Write(raw)
	closeErr := temp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempName, path)
	}
	if err != nil {
		os.Remove(tempName)
		a.logger.WithError(err).Warn("usage_wal_write_failed")
	}
}

func (a *Aggregator) rehydrate() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("read usage dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "tenant-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(a.dir, name))
		if err != nil {
			continue
		}
		var snap Counters
		if err := json.Unmarshal(raw, &snap); err != nil || snap.TenantID <= 0 {
			a.logger.WithFields(logrus.Fields{
				"action": "usage_rehydrate",
				"file":   name,
			}).Warn("usage_wal_corrupt")
			continue
		}
		a.tenants[snap.TenantID] = &tenantCounter{Counters: snap}
	}
	return nil
}

func (a *Aggregator) walPath(tenantID int64) string {
	return filepath.Join(a.dir, "tenant-"+strconv.FormatInt(tenantID, 10)+".json")
}
