// Package urlx 负责请求 URL 的解码、规范化与缓存键推导。
// 路径形如 /<host>/<rest>，host 与规范化后的 path 共同构成缓存键，
// 两个仅编码方式不同的 URL 必须落在同一个缓存条目上。
package urlx

import (
	"errors"
	"net/url"
	"path"
	"strings"
)

var (
	// ErrEmptyPath 表示规范化后路径为空或仅剩 "/"。
	ErrEmptyPath = errors.New("empty resource path")
	// ErrInvalidHost 表示 host 段未通过域名校验。
	ErrInvalidHost = errors.New("invalid origin host")
	// ErrDecodeFailed 表示路径无法完成 URL 解码。
	ErrDecodeFailed = errors.New("url decode failed")
)

// Request 是一次请求的指纹：源站 host、规范化路径与由此推导的缓存键。
type Request struct {
	Host           string
	NormalizedPath string
	SourceURL      string
	CacheKey       string
	ForceRefresh   bool
	ViewMode       bool
}

// ParseRequest 解析形如 /<host>/<rest> 的请求路径。
// 解码 → 取首段为 host（小写）→ 其余部分 path.Clean 规范化 →
// 拒绝空路径。query 中 force/view 为 1 或 true 时置位对应标志。
func ParseRequest(rawPath string, query url.Values) (*Request, error) {
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, ErrDecodeFailed
	}

	segments := strings.Split(decoded, "/")
	host := ""
	rest := ""
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		host = strings.ToLower(seg)
		rest = strings.Join(segments[i+1:], "/")
		break
	}
	if host == "" {
		return nil, ErrEmptyPath
	}

	normalized := path.Clean("/" + rest)
	if normalized == "" || normalized == "/" {
		return nil, ErrEmptyPath
	}

	req := &Request{
		Host:           host,
		NormalizedPath: normalized,
		SourceURL:      "https://" + host + escapePath(normalized),
		CacheKey:       host + normalized,
		ForceRefresh:   boolFlag(query.Get("force")),
		ViewMode:       boolFlag(query.Get("view")),
	}

	// host 校验失败时仍返回解析结果：调用方需要 SourceURL
	// 才能按“重定向回源站”策略失败关闭。
	if err := ValidateDomain(host); err != nil {
		return req, err
	}
	return req, nil
}

// escapePath 对规范化路径做百分号重编码，保证 SourceURL 可直接抓取。
func escapePath(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}

func boolFlag(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
