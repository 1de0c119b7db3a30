package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯毫秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字毫秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Millisecond)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 解析 "500MB"、"1GB"、"1024" 等大小写法，单位 B/KB/MB/GB。
type ByteSize int64

// UnmarshalText 实现大小字符串解析，无单位时按字节处理。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

var sizeUnits = []struct {
	suffix string
	factor int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize 解析大小字符串。支持小数，如 "1.5GB"。
func ParseByteSize(raw string) (ByteSize, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	if value == "" {
		return 0, fmt.Errorf("empty size value")
	}

	for _, unit := range sizeUnits {
		num, ok := strings.CutSuffix(value, unit.suffix)
		if !ok {
			continue
		}
		num = strings.TrimSpace(num)
		f, err := strconv.ParseFloat(num, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid size value: %s", raw)
		}
		return ByteSize(f * float64(unit.factor)), nil
	}

	intVal, err := strconv.ParseInt(value, 10, 64)
	if err != nil || intVal < 0 {
		return 0, fmt.Errorf("invalid size value: %s", raw)
	}
	return ByteSize(intVal), nil
}

// Config 汇总 CDN 运行所需的全部配置。
// 每个字段都可由同名环境变量覆盖（mapstructure 标签即键名）。
type Config struct {
	ListenPort    int    `mapstructure:"LISTEN_PORT"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFilePath   string `mapstructure:"LOG_FILE_PATH"`
	LogMaxSize    int    `mapstructure:"LOG_MAX_SIZE"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogCompress   bool   `mapstructure:"LOG_COMPRESS"`

	StoragePath string `mapstructure:"STORAGE_PATH"`

	OriginMode      string   `mapstructure:"ORIGIN_MODE"`
	AllowedOrigins  string   `mapstructure:"ALLOWED_ORIGINS"`
	BlockedOrigins  string   `mapstructure:"BLOCKED_ORIGINS"`
	MaxFileSize     ByteSize `mapstructure:"MAX_FILE_SIZE"`
	FetchTimeout    Duration `mapstructure:"FETCH_TIMEOUT"`
	OriginUserAgent string   `mapstructure:"ORIGIN_USER_AGENT"`
	ForwardClientIP bool     `mapstructure:"FORWARD_CLIENT_IP"`
	Debug           bool     `mapstructure:"DEBUG"`

	// RegistryURL 为空表示不绑定域名 registry。
	RegistryURL string `mapstructure:"REGISTRY_URL"`
	// BillingDSN 为空表示不绑定计费库。
	BillingDSN string `mapstructure:"BILLING_DSN"`
}
