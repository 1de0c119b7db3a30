// Package admission 决定某个源站域名是否允许经由 CDN 提供服务。
// 三种模式：open 放行所有合法域名、list 按允许列表放行、
// registered 仅放行 registry 中存在 active 记录的域名。
// 阻止列表的优先级高于任何模式，"*" 为全局开关。
package admission

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/registry"
)

// Mode 是准入模式的标签枚举，统一由 Validate 按值分派。
type Mode string

const (
	ModeOpen       Mode = "open"
	ModeList       Mode = "list"
	ModeRegistered Mode = "registered"
)

// ParseMode 规范化配置中的模式字符串；未知值原样保留，由 Validate 拒绝。
func ParseMode(raw string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(raw)))
}

// Source 标注决策依据来自哪一层。
type Source string

const (
	SourceConfig   Source = "config"
	SourceRegistry Source = "registry"
	SourceDefault  Source = "default"
)

// Reason 是拒绝/放行的机读原因。
type Reason string

const (
	ReasonAllowed           Reason = "allowed"
	ReasonKillSwitch        Reason = "kill_switch"
	ReasonBlockedPattern    Reason = "blocked_pattern"
	ReasonNotInAllowList    Reason = "not_in_allow_list"
	ReasonNotRegistered     Reason = "not_registered"
	ReasonRegistryMisconfig Reason = "registry_not_configured"
	ReasonUnknownMode       Reason = "unknown_mode"
)

// Result 是一次准入判定的完整输出。Records 用于用量归属，
// 即使在 open/list 模式下也会尽力填充。
type Result struct {
	Allowed bool
	Reason  Reason
	Source  Source
	Records []registry.Record
}

// Validator 持有模式与模式无关的阻止列表。
type Validator struct {
	mode     Mode
	allow    []string
	block    []string
	registry registry.Registry
	logger   *logrus.Logger
}

// NewValidator 构造准入校验器。reg 可为 registry.Disabled()。
func NewValidator(mode Mode, allowPatterns, blockPatterns []string, reg registry.Registry, logger *logrus.Logger) *Validator {
	if reg == nil {
		reg = registry.Disabled()
	}
	return &Validator{
		mode:     mode,
		allow:    allowPatterns,
		block:    blockPatterns,
		registry: reg,
		logger:   logger,
	}
}

// ParsePatterns 拆分逗号分隔的模式串，去空白并小写。
func ParsePatterns(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	patterns := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Validate 按模式判定 host 的准入结果。host 需已通过域名校验。
func (v *Validator) Validate(ctx context.Context, host string) Result {
	host = strings.ToLower(host)

	for _, pattern := range v.block {
		if pattern == "*" {
			return Result{Allowed: false, Reason: ReasonKillSwitch, Source: SourceConfig}
		}
		if matchPattern(host, pattern) {
			return Result{Allowed: false, Reason: ReasonBlockedPattern, Source: SourceConfig}
		}
	}

	switch v.mode {
	case ModeOpen:
		return Result{
			Allowed: true,
			Reason:  ReasonAllowed,
			Source:  SourceDefault,
			Records: v.optionalRecords(ctx, host),
		}

	case ModeList:
		for _, pattern := range v.allow {
			if matchPattern(host, pattern) {
				return Result{
					Allowed: true,
					Reason:  ReasonAllowed,
					Source:  SourceConfig,
					Records: v.optionalRecords(ctx, host),
				}
			}
		}
		return Result{Allowed: false, Reason: ReasonNotInAllowList, Source: SourceConfig}

	case ModeRegistered:
		records, err := v.registry.Lookup(ctx, host)
		if err != nil {
			v.logger.WithError(err).WithFields(logrus.Fields{
				"action": "admission",
				"host":   host,
				"mode":   string(v.mode),
			}).Error("registry_lookup_failed")
			return Result{Allowed: false, Reason: ReasonRegistryMisconfig, Source: SourceRegistry}
		}
		if registry.HasActive(records) {
			return Result{Allowed: true, Reason: ReasonAllowed, Source: SourceRegistry, Records: records}
		}
		return Result{Allowed: false, Reason: ReasonNotRegistered, Source: SourceRegistry, Records: records}

	default:
		return Result{Allowed: false, Reason: ReasonUnknownMode, Source: SourceDefault}
	}
}

// optionalRecords 在 open/list 模式下尽力读取 registry，
// 查询失败只影响用量归属，不影响准入。
func (v *Validator) optionalRecords(ctx context.Context, host string) []registry.Record {
	records, err := v.registry.Lookup(ctx, host)
	if err != nil {
		return nil
	}
	return records
}

// matchPattern 支持两种形式：精确匹配 host，以及 *.parent
// 匹配 parent 的真子域（不含 parent 本身）。
func matchPattern(host, pattern string) bool {
	if pattern == host {
		return true
	}
	if parent, ok := strings.CutPrefix(pattern, "*."); ok {
		return strings.HasSuffix(host, "."+parent) && host != parent
	}
	return false
}
