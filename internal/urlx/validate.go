package urlx

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	// ErrInternalHost 表示 host 命中内网/元数据模式，出于 SSRF 防护拒绝。
	ErrInternalHost = errors.New("internal or metadata host")
	// ErrUnsafeURL 表示抓取 URL 含有危险成分（scheme/userinfo/端口）。
	ErrUnsafeURL = errors.New("unsafe fetch url")
)

// hostnamePattern 为标准 LDH 域名，要求 TLD 至少两个字母。
var hostnamePattern = regexp.MustCompile(
	`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*\.[a-z]{2,}$`)

// ipv4Pattern 匹配任意四段点分十进制，不限数值范围：
// 所有 IPv4 字面量一律拒绝，无需区分公网/内网。
var ipv4Pattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"localhost.localdomain":    {},
	"broadcasthost":            {},
	"metadata.google.internal": {},
}

// 内网域与云元数据服务的后缀/前缀模式。
var blockedSuffixes = []string{
	".local",
	".localhost",
	".internal",
	".lan",
	".home",
	".corp",
	".private",
	".compute.internal",
	".ec2.internal",
}

var blockedPrefixes = []string{
	"instance-data.",
	"metadata.",
	"169.254.",
}

// ValidateDomain 按 SSRF 规则校验源站 host。
// 拒绝：空值、保留主机名、IPv4 字面量、IPv6（含冒号或方括号）、
// 内网/元数据模式、不符合 LDH 规范或 TLD 过短的域名。
func ValidateDomain(host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ErrInvalidHost
	}
	if _, ok := blockedHosts[host]; ok {
		return ErrInternalHost
	}
	if strings.Contains(host, ":") || strings.Contains(host, "[") || strings.Contains(host, "]") {
		return ErrInvalidHost
	}
	if ipv4Pattern.MatchString(host) {
		return ErrInternalHost
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return ErrInternalHost
		}
	}
	for _, prefix := range blockedPrefixes {
		if strings.HasPrefix(host, prefix) {
			return ErrInternalHost
		}
	}
	if !hostnamePattern.MatchString(host) {
		return ErrInvalidHost
	}
	return nil
}

// ValidateFetchURL 校验抓取器将要访问的绝对 URL（初始与每次重定向）。
// 仅允许 http/https、无 userinfo、端口为空或 80/443，且 host 通过域名校验。
func ValidateFetchURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrUnsafeURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrUnsafeURL
	}
	if u.User != nil {
		return ErrUnsafeURL
	}
	switch u.Port() {
	case "", "80", "443":
	default:
		return ErrUnsafeURL
	}
	return ValidateDomain(u.Hostname())
}
