package config

import (
	"fmt"
	"strings"
)

var supportedModes = map[string]struct{}{
	"open":       {},
	"list":       {},
	"registered": {},
}

// Validate 校验配置的内部一致性。模式未知、list 模式缺少允许列表、
// 端口或大小非法时返回带字段名的错误。
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT 非法: %d", c.ListenPort)
	}
	if strings.TrimSpace(c.StoragePath) == "" {
		return fmt.Errorf("STORAGE_PATH 不能为空")
	}
	if _, ok := supportedModes[c.OriginMode]; !ok {
		return fmt.Errorf("ORIGIN_MODE 不支持: %s", c.OriginMode)
	}
	if c.OriginMode == "list" && strings.TrimSpace(c.AllowedOrigins) == "" {
		return fmt.Errorf("list 模式要求配置 ALLOWED_ORIGINS")
	}
	if c.OriginMode == "registered" && strings.TrimSpace(c.RegistryURL) == "" {
		return fmt.Errorf("registered 模式要求配置 REGISTRY_URL")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE 必须为正值")
	}
	if c.FetchTimeout.DurationValue() <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT 必须为正值")
	}
	return nil
}
