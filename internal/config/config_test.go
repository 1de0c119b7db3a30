package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.ListenPort != 8080 {
		t.Fatalf("默认端口应为 8080，得到 %d", cfg.ListenPort)
	}
	if cfg.OriginMode != "open" {
		t.Fatalf("默认模式应为 open，得到 %s", cfg.OriginMode)
	}
	if cfg.MaxFileSize.Int64() != 500<<20 {
		t.Fatalf("默认大小上限应为 500MB，得到 %d", cfg.MaxFileSize)
	}
	if cfg.FetchTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("默认抓取超时应为 30s，得到 %v", cfg.FetchTimeout.DurationValue())
	}
	if !filepath.IsAbs(cfg.StoragePath) {
		t.Fatalf("存储路径应转为绝对路径: %s", cfg.StoragePath)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORIGIN_MODE", "list")
	t.Setenv("ALLOWED_ORIGINS", "example.com,*.media.org")
	t.Setenv("MAX_FILE_SIZE", "50MB")
	t.Setenv("FETCH_TIMEOUT", "5000")
	t.Setenv("FORWARD_CLIENT_IP", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.OriginMode != "list" || cfg.AllowedOrigins != "example.com,*.media.org" {
		t.Fatalf("环境变量未生效: %+v", cfg)
	}
	if cfg.MaxFileSize.Int64() != 50<<20 {
		t.Fatalf("大小解析错误: %d", cfg.MaxFileSize)
	}
	if cfg.FetchTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("纯数字应按毫秒解析: %v", cfg.FetchTimeout.DurationValue())
	}
	if !cfg.ForwardClientIP {
		t.Fatalf("FORWARD_CLIENT_IP 未生效")
	}
}

func TestLoadFromTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
LISTEN_PORT = 9090
ORIGIN_MODE = "open"
BLOCKED_ORIGINS = "bad.com,*.spam.net"
MAX_FILE_SIZE = "1GB"
FETCH_TIMEOUT = "45s"
STORAGE_PATH = "` + dir + `"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.ListenPort != 9090 {
		t.Fatalf("端口未生效: %d", cfg.ListenPort)
	}
	if cfg.BlockedOrigins != "bad.com,*.spam.net" {
		t.Fatalf("阻止列表未生效: %s", cfg.BlockedOrigins)
	}
	if cfg.MaxFileSize.Int64() != 1<<30 {
		t.Fatalf("大小未生效: %d", cfg.MaxFileSize)
	}
	if cfg.FetchTimeout.DurationValue() != 45*time.Second {
		t.Fatalf("Duration 字符串未生效: %v", cfg.FetchTimeout.DurationValue())
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("缺失的配置文件应报错")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	t.Setenv("ORIGIN_MODE", "bogus")
	if _, err := Load(""); err == nil {
		t.Fatalf("未知模式应报错")
	}
}

func TestValidateListModeRequiresAllowList(t *testing.T) {
	t.Setenv("ORIGIN_MODE", "list")
	t.Setenv("ALLOWED_ORIGINS", "")
	if _, err := Load(""); err == nil {
		t.Fatalf("list 模式缺少允许列表应报错")
	}
}

func TestValidateRegisteredModeRequiresRegistry(t *testing.T) {
	t.Setenv("ORIGIN_MODE", "registered")
	if _, err := Load(""); err == nil {
		t.Fatalf("registered 模式缺少 registry 应报错")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{"500MB", 500 << 20},
		{"50mb", 50 << 20},
		{"1GB", 1 << 30},
		{"1.5GB", 3 << 29},
		{"128KB", 128 << 10},
		{"1024B", 1024},
		{"1024", 1024},
		{" 2 GB ", 2 << 30},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.raw)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", tc.raw, err)
		}
		if got.Int64() != tc.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"", "abc", "-5MB", "12TBx"} {
		if _, err := ParseByteSize(raw); err == nil {
			t.Fatalf("ParseByteSize(%q) 应报错", raw)
		}
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("30s")); err != nil || d.DurationValue() != 30*time.Second {
		t.Fatalf("duration 字符串解析失败: %v %v", err, d)
	}
	if err := d.UnmarshalText([]byte("1500")); err != nil || d.DurationValue() != 1500*time.Millisecond {
		t.Fatalf("毫秒整数解析失败: %v %v", err, d)
	}
	if err := d.UnmarshalText([]byte("xx")); err == nil {
		t.Fatalf("非法 duration 应报错")
	}
}
