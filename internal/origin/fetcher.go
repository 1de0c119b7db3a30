// Package origin 负责从源站流式抓取媒体资源：
// 最小化的出站请求头、重定向逐跳复验、超时兜底，以及独立于
// HTTP 状态码的拦截检测（验证码页、限流、非媒体响应）。
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/urlx"
)

const (
	defaultUserAgent = "unlimited-cdn/1.0 (+https://github.com/img-pro/unlimited-cdn)"
	defaultAccept    = "image/*, video/*, audio/*, application/vnd.apple.mpegurl, application/x-mpegurl, */*;q=0.5"
	maxRedirects     = 5

	// HTML 响应小于该阈值时按验证码/挑战页处理。
	challengePageMaxBytes = 50000
)

// BlockReason 标注拦截检测命中的具体原因。
type BlockReason string

const (
	BlockHTTP401     BlockReason = "http_401"
	BlockHTTP403     BlockReason = "http_403"
	BlockRateLimited BlockReason = "rate_limited"
	BlockChallenge   BlockReason = "html_challenge_page"
	BlockHTMLPage    BlockReason = "html_instead_of_media"
	BlockTextPage    BlockReason = "text_instead_of_media"
	BlockJSONPage    BlockReason = "json_instead_of_media"
)

// ErrHostileRedirect 表示重定向链驶向了未通过校验的地址。
var ErrHostileRedirect = errors.New("redirect target failed validation")

// Result 是一次源站抓取的结果。Blocked 为 true 时 Body 已被关闭。
type Result struct {
	Body          io.ReadCloser
	Status        int
	Header        http.Header
	ContentType   string
	ContentLength int64
	FinalURL      string
	Blocked       bool
	BlockReason   BlockReason
}

// Options 控制单次抓取的可选行为。
type Options struct {
	// ClientHeader 为入站请求头，仅允许列表内的字段会被转发。
	ClientHeader http.Header
	// ClientIP 非空且开启 ForwardClientIP 时追加 X-Forwarded-For。
	ClientIP string
	// RedirectCheck 在每个重定向跳点复验准入，nil 表示跳过。
	RedirectCheck func(host string) error
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Fetcher 持有共享 transport 与出站策略，整站复用一份实例。
type Fetcher struct {
	transport       http.RoundTripper
	timeout         time.Duration
	userAgent       string
	forwardClientIP bool
	logger          *logrus.Logger
}

// Config 是 Fetcher 的构造参数。
type Config struct {
	Timeout         time.Duration
	UserAgent       string
	ForwardClientIP bool
	Logger          *logrus.Logger

	// Transport 仅供测试注入，生产路径使用共享 transport。
	Transport http.RoundTripper
}

// NewFetcher 构造源站抓取器。
func NewFetcher(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	transport := cfg.Transport
	if transport == nil {
		transport = defaultTransport.Clone()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetcher{
		transport:       transport,
		timeout:         timeout,
		userAgent:       ua,
		forwardClientIP: cfg.ForwardClientIP,
		logger:          logger,
	}
}

// 仅这些入站头会被转发到源站；凭证与连接管理头一律丢弃。
var forwardableHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Language",
	"Referer",
}

// FetchMedia 抓取 sourceURL 并返回可流式读取的响应。
// 初始 URL 与每个重定向跳点都会经过 urlx.ValidateFetchURL 校验，
// 重定向跳点另经 opts.RedirectCheck 复验，未通过时抓取失败关闭。
func (f *Fetcher) FetchMedia(ctx context.Context, sourceURL string, opts Options) (*Result, error) {
	if err := urlx.ValidateFetchURL(sourceURL); err != nil {
		return nil, err
	}

	client := &http.Client{
		Transport: f.transport,
		Timeout:   f.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if err := urlx.ValidateFetchURL(req.URL.String()); err != nil {
				return fmt.Errorf("%w: %s", ErrHostileRedirect, req.URL.Hostname())
			}
			if opts.RedirectCheck != nil {
				if err := opts.RedirectCheck(req.URL.Hostname()); err != nil {
					return fmt.Errorf("%w: %s", ErrHostileRedirect, req.URL.Hostname())
				}
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, err
	}
	f.applyHeaders(req, opts)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Body:          resp.Body,
		Status:        resp.StatusCode,
		Header:        resp.Header,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		FinalURL:      resp.Request.URL.String(),
	}

	if reason, blocked := detectBlock(resp); blocked {
		resp.Body.Close()
		result.Body = nil
		result.Blocked = true
		result.BlockReason = reason
		f.logger.WithFields(logrus.Fields{
			"action": "origin_fetch",
			"url":    sourceURL,
			"status": resp.StatusCode,
			"reason": string(reason),
		}).Warn("origin_blocked")
	}

	return result, nil
}

func (f *Fetcher) applyHeaders(req *http.Request, opts Options) {
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", defaultAccept)

	if opts.ClientHeader != nil {
		for _, key := range forwardableHeaders {
			if value := opts.ClientHeader.Get(key); value != "" {
				req.Header.Set(key, value)
			}
		}
	}

	if f.forwardClientIP && opts.ClientIP != "" {
		req.Header.Set("X-Forwarded-For", opts.ClientIP)
	}
}

// detectBlock 在状态码之外检查响应是否为拦截/挑战页。
func detectBlock(resp *http.Response) (BlockReason, bool) {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return BlockHTTP401, true
	case http.StatusForbidden:
		return BlockHTTP403, true
	case http.StatusTooManyRequests:
		return BlockRateLimited, true
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(contentType, "text/html"):
		if resp.ContentLength >= 0 && resp.ContentLength < challengePageMaxBytes {
			return BlockChallenge, true
		}
		return BlockHTMLPage, true
	case strings.HasPrefix(contentType, "text/"):
		return BlockTextPage, true
	case mimeBase(contentType) == "application/json":
		return BlockJSONPage, true
	}

	return "", false
}

func mimeBase(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.TrimSpace(base)
}
