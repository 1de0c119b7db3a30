// Package proxy 实现请求管线：URL 解析 → 并行的准入/缓存查询 →
// 命中路径（条件请求、区间、毒化检测）或未命中路径（回源、限长、
// tee 写缓存），以及统一的“任何失败都重定向回源站”兜底。
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/admission"
	"github.com/img-pro/unlimited-cdn/internal/blobstore"
	"github.com/img-pro/unlimited-cdn/internal/httprange"
	"github.com/img-pro/unlimited-cdn/internal/mediatype"
	"github.com/img-pro/unlimited-cdn/internal/origin"
	"github.com/img-pro/unlimited-cdn/internal/registry"
	"github.com/img-pro/unlimited-cdn/internal/streamio"
	"github.com/img-pro/unlimited-cdn/internal/tasks"
	"github.com/img-pro/unlimited-cdn/internal/urlx"
	"github.com/img-pro/unlimited-cdn/internal/usage"
)

// 对外暴露的缓存状态头。
const (
	HeaderStatus      = "X-Cdn-Status"
	HeaderCachedAt    = "X-Cdn-Cached-At"
	HeaderBlockReason = "X-Cdn-Block-Reason"

	statusHit      = "hit"
	statusMiss     = "miss"
	statusRedirect = "redirect"

	immutableCacheControl = "public, max-age=31536000, immutable"
	redirectCacheControl  = "no-store, no-cache, must-revalidate"
)

// Handler 编排整条缓存代理管线，整站复用一份实例。
type Handler struct {
	store     blobstore.Store
	fetcher   *origin.Fetcher
	admission *admission.Validator
	usage     *usage.Aggregator
	tasks     *tasks.Group
	logger    *logrus.Logger

	maxFileSize int64
	debug       bool
}

// Options 是 Handler 的构造参数，所有字段必填（debug 除外）。
type Options struct {
	Store       blobstore.Store
	Fetcher     *origin.Fetcher
	Admission   *admission.Validator
	Usage       *usage.Aggregator
	Tasks       *tasks.Group
	Logger      *logrus.Logger
	MaxFileSize int64
	Debug       bool
}

// NewHandler 构造代理处理器。
func NewHandler(opts Options) *Handler {
	return &Handler{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		admission:   opts.Admission,
		usage:       opts.Usage,
		tasks:       opts.Tasks,
		logger:      opts.Logger,
		maxFileSize: opts.MaxFileSize,
		debug:       opts.Debug,
	}
}

// Handle 是缓存路径的 Fiber 入口。方法路由遵循：
// OPTIONS → 204，GET/HEAD → 管线，其余 → 405（DELETE 预留给
// 未来带鉴权的失效接口）。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	// 兜底：管线内任何未处理错误都重定向回源站；
	// 仅在 URL 本身不可解析时返回 400。
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"action": "pipeline",
				"panic":  r,
			}).Error("pipeline_panicked")
			err = h.failToOrigin(c)
		}
	}()

	switch c.Method() {
	case http.MethodOptions:
		return c.SendStatus(fiber.StatusNoContent)
	case http.MethodGet, http.MethodHead:
	default:
		return c.SendStatus(fiber.StatusMethodNotAllowed)
	}

	req, parseErr := h.parseRequest(c)
	if req == nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if parseErr != nil {
		// SSRF 防护：host 非法时不抓取，重定向由浏览器自行失败。
		return h.redirect(c, req.SourceURL, "")
	}

	if c.Method() == http.MethodHead {
		return h.handleHead(c, req)
	}
	return h.handleGet(c, req)
}

func (h *Handler) parseRequest(c fiber.Ctx) (*urlx.Request, error) {
	rawPath := string(c.Request().URI().PathOriginal())
	query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		query = url.Values{}
	}
	return urlx.ParseRequest(rawPath, query)
}

// dispatch 是 GET 的并行首跳：准入、缓存查询（head 或 get）、
// 以及针对显式 bytes=A-B 的投机性区间预取，三路并发后汇合。
type dispatch struct {
	adm      admission.Result
	obj      *blobstore.Object
	body     *blobstore.ReadResult
	prefetch *blobstore.ReadResult
}

func (h *Handler) dispatchGet(ctx context.Context, req *urlx.Request, rangeHeader string) *dispatch {
	d := &dispatch{}
	headOnly := rangeHeader != "" && !httprange.IsFullFileProbe(rangeHeader)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.adm = h.admission.Validate(ctx, req.Host)
	}()

	if !req.ForceRefresh {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if headOnly {
				obj, err := h.store.Head(ctx, req.CacheKey)
				if err == nil {
					d.obj = obj
				} else if !errors.Is(err, blobstore.ErrNotFound) {
					h.logWarn(req, "cache_head_failed", err)
				}
				return
			}
			result, err := h.store.Get(ctx, req.CacheKey)
			if err == nil {
				d.obj = &result.Object
				d.body = result
			} else if !errors.Is(err, blobstore.ErrNotFound) {
				h.logWarn(req, "cache_get_failed", err)
			}
		}()

		if start, end, ok := httprange.ParseBounded(rangeHeader); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, err := h.store.GetRange(ctx, req.CacheKey, start, end-start+1)
				if err == nil {
					d.prefetch = result
				}
			}()
		}
	}

	wg.Wait()
	return d
}

func (h *Handler) handleGet(c fiber.Ctx, req *urlx.Request) error {
	var ctx context.Context = c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rangeHeader := strings.TrimSpace(c.Get(fiber.HeaderRange))
	d := h.dispatchGet(ctx, req, rangeHeader)

	if !d.adm.Allowed {
		h.discard(d)
		h.logResult(req, statusRedirect, 0, string(d.adm.Reason))
		return h.redirect(c, req.SourceURL, "")
	}

	if d.obj != nil {
		return h.serveHit(c, req, d, rangeHeader)
	}

	h.discard(d)
	return h.serveMiss(c, ctx, req, d.adm, rangeHeader)
}

// serveHit 处理缓存命中：毒化检测 → 条件请求 → 区间解析 → 流式返回。
func (h *Handler) serveHit(c fiber.Ctx, req *urlx.Request, d *dispatch, rangeHeader string) error {
	obj := *d.obj

	if !mediatype.IsMedia(obj.ContentType) {
		h.discard(d)
		h.schedulePoisonDelete(req, obj.ContentType)
		h.logResult(req, statusRedirect, 0, "poisoned_entry")
		return h.redirect(c, req.SourceURL, "")
	}

	if match := normalizeETag(c.Get(fiber.HeaderIfNoneMatch)); match != "" && match == normalizeETag(obj.ETag) {
		h.discard(d)
		h.recordUsage(d.adm.Records, req.Host, 0, true)
		h.setHitHeaders(c, obj)
		h.logResult(req, statusHit, 0, "not_modified")
		// 304 不携带正文，直接提交状态即可。
		c.Status(fiber.StatusNotModified)
		return nil
	}

	var interval *httprange.Interval
	if rangeHeader != "" {
		interval = httprange.Parse(rangeHeader, obj.Size)
		if interval == nil {
			h.discard(d)
			c.Set(fiber.HeaderContentRange, httprange.Unsatisfiable(obj.Size))
			h.logResult(req, statusHit, 0, "range_unsatisfiable")
			return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
		}
	}

	if req.ViewMode && h.debug {
		h.discard(d)
		return h.serveDebugView(c, req, obj)
	}

	if interval != nil && interval.IsPartial {
		return h.servePartialHit(c, req, d, obj, interval)
	}
	return h.serveFullHit(c, req, d, obj, rangeHeader != "")
}

func (h *Handler) servePartialHit(c fiber.Ctx, req *urlx.Request, d *dispatch, obj blobstore.Object, interval *httprange.Interval) error {
	var ctx context.Context = c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// 投机预取命中同一区间时直接采用，省掉一次存储 RTT。
	var body io.ReadCloser
	if d.prefetch != nil && prefetchCovers(d.prefetch, interval) {
		body = d.prefetch.Body
		d.prefetch = nil
	}
	h.discard(d)

	if body == nil {
		result, err := h.store.GetRange(ctx, req.CacheKey, interval.Start, interval.Length)
		if err != nil {
			h.logWarn(req, "cache_range_failed", err)
			h.logResult(req, statusRedirect, 0, "range_read_failed")
			return h.redirect(c, req.SourceURL, "")
		}
		body = result.Body
	}

	h.setHitHeaders(c, obj)
	c.Set(fiber.HeaderContentRange, interval.ContentRange(obj.Size))

	counted := streamio.NewCountingReader(body, h.usageCallback(d.adm.Records, req.Host, true))
	c.Status(fiber.StatusPartialContent)
	c.Response().SetBodyStream(counted, int(interval.Length))
	h.logResult(req, statusHit, interval.Length, "partial")
	return nil
}

func (h *Handler) serveFullHit(c fiber.Ctx, req *urlx.Request, d *dispatch, obj blobstore.Object, hadRange bool) error {
	var ctx context.Context = c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	body := d.body
	d.body = nil

	// head-only 路径没有正文：优先采纳覆盖全对象的预取流，否则补一次 get。
	if body == nil {
		if d.prefetch != nil && d.prefetch.Size == obj.Size {
			body = d.prefetch
			d.prefetch = nil
		}
	}
	h.discard(d)

	if body == nil {
		result, err := h.store.Get(ctx, req.CacheKey)
		if err != nil {
			h.logWarn(req, "cache_get_failed", err)
			h.logResult(req, statusRedirect, 0, "body_read_failed")
			return h.redirect(c, req.SourceURL, "")
		}
		body = result
	}

	h.setHitHeaders(c, obj)

	status := fiber.StatusOK
	if hadRange {
		// Range 覆盖整个文件时仍回 206，让播放器确认区间支持。
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, httprange.Interval{Start: 0, End: obj.Size - 1}.ContentRange(obj.Size))
	}

	counted := streamio.NewCountingReader(body.Body, h.usageCallback(d.adm.Records, req.Host, true))
	c.Status(status)
	c.Response().SetBodyStream(counted, int(obj.Size))
	h.logResult(req, statusHit, obj.Size, "full")
	return nil
}

// serveMiss 处理未命中与强制刷新：回源抓取、校验、tee 写缓存并流式返回。
func (h *Handler) serveMiss(c fiber.Ctx, ctx context.Context, req *urlx.Request, adm admission.Result, rangeHeader string) error {
	// 未命中时无法在不伪造 Content-Range 的前提下合成区间响应，
	// 部分区间请求直接回源，保证播放器语义正确。
	if rangeHeader != "" && !httprange.IsFullFileProbe(rangeHeader) {
		h.logResult(req, statusRedirect, 0, "partial_range_miss")
		return h.redirect(c, req.SourceURL, "")
	}

	result, err := h.fetcher.FetchMedia(ctx, req.SourceURL, origin.Options{
		ClientHeader:  clientHeader(c),
		ClientIP:      c.IP(),
		RedirectCheck: h.redirectCheck(ctx),
	})
	if err != nil {
		h.logWarn(req, "origin_fetch_failed", err)
		h.logResult(req, statusRedirect, 0, "origin_unreachable")
		return h.redirect(c, req.SourceURL, "")
	}

	if result.Blocked {
		h.logResult(req, statusRedirect, 0, string(result.BlockReason))
		return h.redirect(c, req.SourceURL, string(result.BlockReason))
	}

	if result.Status < 200 || result.Status > 299 {
		result.Body.Close()
		h.logResult(req, statusRedirect, 0, "origin_status_"+strconv.Itoa(result.Status))
		return h.redirect(c, req.SourceURL, "")
	}

	if !mediatype.IsMedia(result.ContentType) {
		result.Body.Close()
		h.logResult(req, statusRedirect, 0, "not_media")
		return h.redirect(c, req.SourceURL, "")
	}

	if result.ContentLength > h.maxFileSize {
		result.Body.Close()
		h.logResult(req, statusRedirect, 0, "size_cap_exceeded")
		return h.redirect(c, req.SourceURL, "")
	}

	c.Set(fiber.HeaderContentType, result.ContentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderCacheControl, immutableCacheControl)
	c.Set(HeaderStatus, statusMiss)

	limited := streamio.NewLimitedReader(result.Body, h.maxFileSize)

	if result.ContentLength < 0 {
		// 长度未知（chunked）：不写缓存，仅透传并计数。
		h.logger.WithFields(logrus.Fields{
			"action": "pipeline",
			"host":   req.Host,
			"reason": "cache_skip_unknown_length",
		}).Info("cache_write_skipped")

		counted := streamio.NewCountingReader(readCloser{limited, result.Body}, h.usageCallback(adm.Records, req.Host, false))
		c.Status(fiber.StatusOK)
		c.Response().SetBodyStream(counted, -1)
		h.logResult(req, statusMiss, -1, "stream_unknown_length")
		return nil
	}

	contentLength := result.ContentLength
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(contentLength, 10))

	status := fiber.StatusOK
	if rangeHeader != "" && contentLength > 0 {
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, httprange.Interval{Start: 0, End: contentLength - 1}.ContentRange(contentLength))
	}

	clientR, clientW := io.Pipe()
	storeR, storeW := io.Pipe()

	meta := blobstore.Metadata{
		SourceURL:     result.FinalURL,
		OriginHost:    req.Host,
		CachedAt:      time.Now().UTC().Format(time.RFC3339),
		ContentLength: strconv.FormatInt(contentLength, 10),
	}

	// 缓存写入在后台跑完，客户端断开不影响；写失败只记日志。
	// 停机窗口内任务被拒时关闭对应管道端，避免 pump 永久阻塞。
	if !h.tasks.Go("cache_put", func() {
		defer storeR.Close()
		if _, err := h.store.Put(context.Background(), req.CacheKey, storeR, contentLength, result.ContentType, meta); err != nil {
			h.logWarn(req, "cache_put_failed", err)
		}
	}) {
		storeR.Close()
	}

	records := adm.Records
	if !h.tasks.Go("origin_pump", func() {
		defer result.Body.Close()
		delivered, pumpErr := streamio.Fanout(limited, clientW, storeW)
		if pumpErr != nil {
			h.logWarn(req, "origin_stream_failed", pumpErr)
		}
		h.recordUsage(records, req.Host, delivered, false)
	}) {
		result.Body.Close()
		clientW.Close()
		storeW.Close()
	}

	// 固定长度声明让运行时保留 Content-Length，不退化为 chunked，
	// 否则播放器无法 seek。
	c.Status(status)
	c.Response().SetBodyStream(clientR, int(contentLength))
	h.logResult(req, statusMiss, contentLength, "fetched")
	return nil
}

// handleHead 只询问缓存：命中回元数据，未命中或强制刷新一律重定向。
func (h *Handler) handleHead(c fiber.Ctx, req *urlx.Request) error {
	var ctx context.Context = c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var adm admission.Result
	var obj *blobstore.Object
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		adm = h.admission.Validate(ctx, req.Host)
	}()
	if !req.ForceRefresh {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.store.Head(ctx, req.CacheKey)
			if err == nil {
				obj = result
			} else if !errors.Is(err, blobstore.ErrNotFound) {
				h.logWarn(req, "cache_head_failed", err)
			}
		}()
	}
	wg.Wait()

	if !adm.Allowed || req.ForceRefresh || obj == nil {
		h.logResult(req, statusRedirect, 0, "head_fallthrough")
		return h.redirect(c, req.SourceURL, "")
	}

	if !mediatype.IsMedia(obj.ContentType) {
		h.schedulePoisonDelete(req, obj.ContentType)
		h.logResult(req, statusRedirect, 0, "poisoned_entry")
		return h.redirect(c, req.SourceURL, "")
	}

	h.setHitHeaders(c, *obj)
	// HEAD 无正文，显式声明长度避免序列化阶段归零。
	c.Response().Header.SetContentLength(int(obj.Size))
	c.Status(fiber.StatusOK)
	h.logResult(req, statusHit, 0, "head")
	return nil
}

func (h *Handler) setHitHeaders(c fiber.Ctx, obj blobstore.Object) {
	c.Set(fiber.HeaderContentType, obj.ContentType)
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(obj.Size, 10))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderCacheControl, immutableCacheControl)
	c.Set(fiber.HeaderETag, obj.ETag)
	c.Set(fiber.HeaderLastModified, obj.Uploaded.UTC().Format(http.TimeFormat))
	c.Set(HeaderStatus, statusHit)
	c.Set(HeaderCachedAt, obj.Uploaded.UTC().Format(time.RFC3339))
}

// redirect 输出统一的 302 回源响应，绝不向客户端暴露内部失败细节。
func (h *Handler) redirect(c fiber.Ctx, location, blockReason string) error {
	c.Set(fiber.HeaderLocation, location)
	c.Set(fiber.HeaderCacheControl, redirectCacheControl)
	c.Set(HeaderStatus, statusRedirect)
	if blockReason != "" {
		c.Set(HeaderBlockReason, blockReason)
	}
	return c.SendStatus(fiber.StatusFound)
}

// failToOrigin 是 recover 兜底：重解析 URL 后重定向，解析失败才 400。
func (h *Handler) failToOrigin(c fiber.Ctx) error {
	req, _ := h.parseRequest(c)
	if req == nil {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	return h.redirect(c, req.SourceURL, "")
}

// redirectCheck 在重定向跳点上复跑准入，阻止经由重定向绕过阻止列表。
func (h *Handler) redirectCheck(ctx context.Context) func(host string) error {
	return func(host string) error {
		result := h.admission.Validate(ctx, host)
		if !result.Allowed {
			return errors.New("admission denied: " + string(result.Reason))
		}
		return nil
	}
}

func (h *Handler) schedulePoisonDelete(req *urlx.Request, contentType string) {
	key := req.CacheKey
	h.tasks.Go("poison_delete", func() {
		if err := h.store.Delete(context.Background(), key); err != nil {
			h.logWarn(req, "poison_delete_failed", err)
		}
	})
	h.logger.WithFields(logrus.Fields{
		"action":       "poison_delete",
		"cache_key":    key,
		"content_type": contentType,
	}).Warn("poisoned_entry_scheduled")
}

// usageCallback 构造流结束时的用量上报回调，经后台任务组投递。
func (h *Handler) usageCallback(records []registry.Record, host string, cacheHit bool) func(int64) {
	return func(n int64) {
		h.tasks.Go("usage_record", func() {
			h.recordUsage(records, host, n, cacheHit)
		})
	}
}

// recordUsage 给每个 active 租户累计本次请求的用量。
func (h *Handler) recordUsage(records []registry.Record, host string, bytes int64, cacheHit bool) {
	if bytes < 0 {
		bytes = 0
	}
	for _, tenantID := range registry.ActiveTenants(records) {
		h.usage.Record(tenantID, host, bytes, cacheHit)
	}
}

// discard 关闭并行首跳留下的未采用流，避免句柄泄漏。
func (h *Handler) discard(d *dispatch) {
	if d.body != nil {
		d.body.Body.Close()
		d.body = nil
	}
	if d.prefetch != nil {
		d.prefetch.Body.Close()
		d.prefetch = nil
	}
}

func (h *Handler) logWarn(req *urlx.Request, action string, err error) {
	h.logger.WithError(err).WithFields(logrus.Fields{
		"action":    action,
		"host":      req.Host,
		"cache_key": req.CacheKey,
	}).Warn(action)
}

func (h *Handler) logResult(req *urlx.Request, status string, bytes int64, detail string) {
	h.logger.WithFields(logrus.Fields{
		"action":       "pipeline",
		"host":         req.Host,
		"cache_key":    req.CacheKey,
		"cache_status": status,
		"bytes":        bytes,
		"detail":       detail,
	}).Info("request_complete")
}

func prefetchCovers(prefetch *blobstore.ReadResult, interval *httprange.Interval) bool {
	return prefetch.Size == interval.Length
}

func clientHeader(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return strings.Trim(value, "\"")
}

// readCloser 把限长 Reader 与原始 Body 的 Close 组合起来。
type readCloser struct {
	io.Reader
	io.Closer
}
