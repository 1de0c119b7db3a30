package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/admission"
	"github.com/img-pro/unlimited-cdn/internal/billing"
	"github.com/img-pro/unlimited-cdn/internal/blobstore"
	"github.com/img-pro/unlimited-cdn/internal/config"
	"github.com/img-pro/unlimited-cdn/internal/logging"
	"github.com/img-pro/unlimited-cdn/internal/origin"
	"github.com/img-pro/unlimited-cdn/internal/proxy"
	"github.com/img-pro/unlimited-cdn/internal/registry"
	"github.com/img-pro/unlimited-cdn/internal/server"
	"github.com/img-pro/unlimited-cdn/internal/tasks"
	"github.com/img-pro/unlimited-cdn/internal/usage"
	"github.com/img-pro/unlimited-cdn/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config")
		fields["config_path"] = opts.configPath
		fields["origin_mode"] = cfg.OriginMode
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：对象存储 → registry → 计费库 → 用量聚合 → 后台任务组 → 准入 → 抓取器 → 管线。
	// 所有请求共享同一批实例。
	store, err := blobstore.NewDiskStore(cfg.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化对象存储失败: %v\n", err)
		return 1
	}

	ctx := context.Background()

	reg := registry.Disabled()
	if cfg.RegistryURL != "" {
		reg, err = registry.NewRedis(ctx, cfg.RegistryURL)
		if err != nil {
			fmt.Fprintf(stdErr, "连接域名 registry 失败: %v\n", err)
			return 1
		}
	}

	billingStore := billing.Disabled()
	if cfg.BillingDSN != "" {
		billingStore, err = billing.NewPostgres(ctx, cfg.BillingDSN)
		if err != nil {
			fmt.Fprintf(stdErr, "连接计费库失败: %v\n", err)
			return 1
		}
	}

	aggregator, err := usage.NewAggregator(usage.Config{
		Dir:    filepath.Join(cfg.StoragePath, "usage"),
		Store:  billingStore,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化用量聚合失败: %v\n", err)
		return 1
	}
	aggregator.Start()

	taskGroup := tasks.NewGroup(logger)

	validator := admission.NewValidator(
		admission.ParseMode(cfg.OriginMode),
		admission.ParsePatterns(cfg.AllowedOrigins),
		admission.ParsePatterns(cfg.BlockedOrigins),
		reg,
		logger,
	)

	fetcher := origin.NewFetcher(origin.Config{
		Timeout:         cfg.FetchTimeout.DurationValue(),
		UserAgent:       cfg.OriginUserAgent,
		ForwardClientIP: cfg.ForwardClientIP,
		Logger:          logger,
	})

	handler := proxy.NewHandler(proxy.Options{
		Store:       store,
		Fetcher:     fetcher,
		Admission:   validator,
		Usage:       aggregator,
		Tasks:       taskGroup,
		Logger:      logger,
		MaxFileSize: cfg.MaxFileSize.Int64(),
		Debug:       cfg.Debug,
	})

	fields := logging.BaseFields("startup")
	fields["config_path"] = opts.configPath
	fields["listen_port"] = cfg.ListenPort
	fields["origin_mode"] = cfg.OriginMode
	fields["max_file_size"] = cfg.MaxFileSize.Int64()
	fields["registry"] = cfg.RegistryURL != ""
	fields["billing"] = cfg.BillingDSN != ""
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, taskGroup, aggregator, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("unlimited-cdn", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（可选，默认仅用环境变量；未指定时读取 CDN_CONFIG）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("CDN_CONFIG")
	if configFlag != "" {
		path = configFlag
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	cfg *config.Config,
	handler server.ProxyHandler,
	taskGroup *tasks.Group,
	aggregator *usage.Aggregator,
	logger *logrus.Logger,
) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      handler,
		ListenPort: cfg.ListenPort,
		OriginMode: cfg.OriginMode,
	})
	if err != nil {
		return err
	}

	// 优雅停机：停止接收 → 后台任务收尾 → 最后一次用量 flush。
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.WithFields(logrus.Fields{
			"action": "shutdown",
			"signal": sig.String(),
		}).Info("收到退出信号")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).Warn("server_shutdown_failed")
		}
		if err := taskGroup.Drain(shutdownCtx); err != nil {
			logger.WithError(err).Warn("task_drain_timeout")
		}
		aggregator.Stop(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   cfg.ListenPort,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", cfg.ListenPort))
}
