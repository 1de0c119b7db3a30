package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// configKeys 列出全部可识别的配置键，同名环境变量逐一绑定。
var configKeys = []string{
	"LISTEN_PORT",
	"LOG_LEVEL",
	"LOG_FILE_PATH",
	"LOG_MAX_SIZE",
	"LOG_MAX_BACKUPS",
	"LOG_COMPRESS",
	"STORAGE_PATH",
	"ORIGIN_MODE",
	"ALLOWED_ORIGINS",
	"BLOCKED_ORIGINS",
	"MAX_FILE_SIZE",
	"FETCH_TIMEOUT",
	"ORIGIN_USER_AGENT",
	"FORWARD_CLIENT_IP",
	"DEBUG",
	"REGISTRY_URL",
	"BILLING_DSN",
}

// Load 读取配置：可选 TOML 文件打底，环境变量覆盖，最后注入默认值并校验。
// path 为空时仅使用环境变量与默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	decodeHooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE_PATH", "")
	v.SetDefault("LOG_MAX_SIZE", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 10)
	v.SetDefault("LOG_COMPRESS", true)
	v.SetDefault("STORAGE_PATH", "./storage")
	v.SetDefault("ORIGIN_MODE", "open")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("BLOCKED_ORIGINS", "")
	v.SetDefault("MAX_FILE_SIZE", "500MB")
	v.SetDefault("FETCH_TIMEOUT", "30000")
	v.SetDefault("ORIGIN_USER_AGENT", "")
	v.SetDefault("FORWARD_CLIENT_IP", false)
	v.SetDefault("DEBUG", false)
	v.SetDefault("REGISTRY_URL", "")
	v.SetDefault("BILLING_DSN", "")
}

func applyDefaults(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 8080
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = ByteSize(500 << 20)
	}
	if cfg.FetchTimeout.DurationValue() <= 0 {
		cfg.FetchTimeout = Duration(30 * time.Second)
	}
	cfg.OriginMode = strings.ToLower(strings.TrimSpace(cfg.OriginMode))
	if cfg.OriginMode == "" {
		cfg.OriginMode = "open"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			var d Duration
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return Duration(time.Duration(v) * time.Millisecond), nil
		case int64:
			return Duration(time.Duration(v) * time.Millisecond), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Millisecond))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return ParseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 ByteSize 类型: %T", v)
		}
	}
}
