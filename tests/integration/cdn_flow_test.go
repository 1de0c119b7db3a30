package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/admission"
	"github.com/img-pro/unlimited-cdn/internal/blobstore"
	"github.com/img-pro/unlimited-cdn/internal/origin"
	"github.com/img-pro/unlimited-cdn/internal/proxy"
	"github.com/img-pro/unlimited-cdn/internal/registry"
	"github.com/img-pro/unlimited-cdn/internal/server"
	"github.com/img-pro/unlimited-cdn/internal/tasks"
	"github.com/img-pro/unlimited-cdn/internal/usage"
)

// originStub 是可配置的源站模拟器，记录请求次数。
type originStub struct {
	server  *httptest.Server
	handler atomic.Value // http.Handler
	hits    atomic.Int64
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	stub := &originStub{}
	stub.handler.Store(http.Handler(http.NotFoundHandler()))
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		stub.handler.Load().(http.Handler).ServeHTTP(w, r)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *originStub) serveMedia(payload []byte, contentType string) {
	s.handler.Store(http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	})))
}

func (s *originStub) serveContentLength(contentLength int64, contentType string) {
	s.handler.Store(http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", fmt.Sprint(contentLength))
		w.WriteHeader(http.StatusOK)
	})))
}

type rewriteTransport struct {
	target *url.URL
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.URL.Scheme = rt.target.Scheme
	cloned.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(cloned)
}

type cdnStack struct {
	app   *fiber.App
	store blobstore.Store
	tasks *tasks.Group
	usage *usage.Aggregator
}

func newCDNStack(t *testing.T, stub *originStub, maxFileSize int64, records map[string][]registry.Record) *cdnStack {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := blobstore.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	reg := registry.Registry(registry.Disabled())
	if records != nil {
		reg = registry.NewStatic(records)
	}
	validator := admission.NewValidator(admission.ModeOpen, nil, nil, reg, logger)

	aggregator, err := usage.NewAggregator(usage.Config{Logger: logger})
	if err != nil {
		t.Fatalf("aggregator error: %v", err)
	}

	group := tasks.NewGroup(logger)

	target, err := url.Parse(stub.server.URL)
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}

	handler := proxy.NewHandler(proxy.Options{
		Store:       store,
		Fetcher:     origin.NewFetcher(origin.Config{Transport: &rewriteTransport{target: target}, Logger: logger}),
		Admission:   validator,
		Usage:       aggregator,
		Tasks:       group,
		Logger:      logger,
		MaxFileSize: maxFileSize,
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: 8080,
		OriginMode: "open",
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &cdnStack{app: app, store: store, tasks: group, usage: aggregator}
}

func (s *cdnStack) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tasks.Drain(ctx); err != nil {
		t.Fatalf("drain error: %v", err)
	}
}

func (s *cdnStack) get(t *testing.T, target string, header http.Header) *http.Response {
	t.Helper()
	req := httptest.NewRequest("GET", target, nil)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

// 场景 1+2+3：冷启动回源 → 命中 → 条件请求 304。
func TestColdFetchThenHitThenConditional(t *testing.T) {
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	stub := newOriginStub(t)
	stub.serveMedia(payload, "image/jpeg")

	records := map[string][]registry.Record{
		"example.com": {{TenantID: 11, Status: registry.StatusActive}},
	}
	stack := newCDNStack(t, stub, 50<<20, records)

	// 冷请求：miss，1024 字节完整到达。
	resp := stack.get(t, "/example.com/a.jpg", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cold fetch should be 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(proxy.HeaderStatus); got != "miss" {
		t.Fatalf("expected miss, got %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(body) != 1024 {
		t.Fatalf("client should receive exactly 1024 bytes, got %d", len(body))
	}

	stack.drain(t)

	// 对象落库且字节精确。
	obj, err := stack.store.Head(context.Background(), "example.com/a.jpg")
	if err != nil {
		t.Fatalf("object not cached: %v", err)
	}
	if obj.Size != 1024 {
		t.Fatalf("cached size mismatch: %d", obj.Size)
	}

	// 第二次请求命中，带校验器。
	resp = stack.get(t, "/example.com/a.jpg", nil)
	if got := resp.Header.Get(proxy.HeaderStatus); got != "hit" {
		t.Fatalf("expected hit, got %q", got)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" || resp.Header.Get("Last-Modified") == "" {
		t.Fatalf("hit must carry ETag and Last-Modified")
	}
	hitBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(hitBody) != string(body) {
		t.Fatalf("hit body must match miss body")
	}
	if stub.hits.Load() != 1 {
		t.Fatalf("origin should be fetched once, got %d", stub.hits.Load())
	}

	// 条件请求：304 空响应，命中计数 +1、带宽 0。
	before := stack.usage.Totals(11)
	header := http.Header{}
	header.Set("If-None-Match", etag)
	resp = stack.get(t, "/example.com/a.jpg", header)
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional should be 304, got %d", resp.StatusCode)
	}
	condBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(condBody) != 0 {
		t.Fatalf("304 must have no body, got %d bytes", len(condBody))
	}

	after := stack.usage.Totals(11)
	if after.CacheHits != before.CacheHits+1 {
		t.Fatalf("304 should count a cache hit: before=%+v after=%+v", before, after)
	}
	if after.Bandwidth != before.Bandwidth {
		t.Fatalf("304 should add zero bandwidth: before=%+v after=%+v", before, after)
	}
}

// 场景 4：Content-Length 超过上限 → 302 回源。
func TestOversizedOriginRedirects(t *testing.T) {
	stub := newOriginStub(t)
	stub.serveContentLength(600_000_000, "video/mp4")

	stack := newCDNStack(t, stub, 500<<20, nil)

	resp := stack.get(t, "/example.com/big.bin", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("oversized origin should redirect, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://example.com/big.bin" {
		t.Fatalf("unexpected location: %s", loc)
	}
	if got := resp.Header.Get(proxy.HeaderStatus); got != "redirect" {
		t.Fatalf("expected redirect status header, got %q", got)
	}
}

// 场景 5：内网 host 302，抓取器调用次数为零。
func TestInternalHostNeverFetched(t *testing.T) {
	stub := newOriginStub(t)
	stub.serveMedia([]byte("x"), "image/jpeg")

	stack := newCDNStack(t, stub, 50<<20, nil)

	resp := stack.get(t, "/evil.local/x.jpg", nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("internal host should redirect, got %d", resp.StatusCode)
	}
	if stub.hits.Load() != 0 {
		t.Fatalf("fetcher must not be called, got %d hits", stub.hits.Load())
	}
}

// 场景 6：冷缓存上的部分区间请求回源，不写缓存。
func TestPartialRangeColdMissRedirects(t *testing.T) {
	stub := newOriginStub(t)
	stub.serveMedia(make([]byte, 4<<20), "video/mp4")

	stack := newCDNStack(t, stub, 50<<20, nil)

	header := http.Header{}
	header.Set("Range", "bytes=1048576-2097151")
	resp := stack.get(t, "/example.com/video.mp4", header)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("partial range on cold cache should redirect, got %d", resp.StatusCode)
	}
	if stub.hits.Load() != 0 {
		t.Fatalf("origin must not be fetched, got %d", stub.hits.Load())
	}

	stack.drain(t)
	if _, err := stack.store.Head(context.Background(), "example.com/video.mp4"); err == nil {
		t.Fatalf("nothing should be cached for the partial-range miss")
	}
}

// 范围探测（bytes=0-）在缓存命中时返回 206 与完整文件。
func TestRangeProbeAfterWarmup(t *testing.T) {
	payload := make([]byte, 2048)
	stub := newOriginStub(t)
	stub.serveMedia(payload, "video/mp4")

	stack := newCDNStack(t, stub, 50<<20, nil)

	resp := stack.get(t, "/example.com/v.mp4", nil)
	io.ReadAll(resp.Body)
	resp.Body.Close()
	stack.drain(t)

	header := http.Header{}
	header.Set("Range", "bytes=0-")
	resp = stack.get(t, "/example.com/v.mp4", header)
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("range probe should be 206, got %d", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 0-2047/2048" {
		t.Fatalf("unexpected content range: %s", cr)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "2048" {
		t.Fatalf("unexpected content length: %s", cl)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(body) != 2048 {
		t.Fatalf("probe should deliver the full file, got %d", len(body))
	}
}

// 编码不同的同一资源共享一个缓存条目。
func TestEncodingVariantsShareCacheEntry(t *testing.T) {
	payload := []byte("shared-entry")
	stub := newOriginStub(t)
	stub.serveMedia(payload, "image/png")

	stack := newCDNStack(t, stub, 50<<20, nil)

	resp := stack.get(t, "/example.com/a/b.png", nil)
	io.ReadAll(resp.Body)
	resp.Body.Close()
	stack.drain(t)

	for _, variant := range []string{
		"/example.com/a/%62.png",
		"/example.com/./a/b.png",
		"/example.com/a/../a/b.png",
	} {
		resp = stack.get(t, variant, nil)
		if got := resp.Header.Get(proxy.HeaderStatus); got != "hit" {
			t.Fatalf("variant %q should hit the shared entry, got %q", variant, got)
		}
		io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if stub.hits.Load() != 1 {
		t.Fatalf("all variants should share one origin fetch, got %d", stub.hits.Load())
	}
}
