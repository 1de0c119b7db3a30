package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/img-pro/unlimited-cdn/internal/version"
)

// ProxyHandler describes the component responsible for the caching
// pipeline. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Proxy      ProxyHandler
	ListenPort int
	OriginMode string
}

const contextKeyRequestID = "_cdn_request_id"

// NewApp builds a Fiber application with CORS preamble, request IDs,
// diagnostics routes and the catch-all caching pipeline.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())
	app.Use(corsMiddleware())

	registerDiagnostics(app, opts)

	app.All("/*", func(c fiber.Ctx) error {
		return opts.Proxy.Handle(c)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// corsMiddleware 输出缓存路径所需的最小 CORS 头。
func corsMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set(fiber.HeaderAccessControlAllowOrigin, "*")
		c.Set(fiber.HeaderAccessControlAllowMethods, "GET, HEAD, OPTIONS")
		c.Set(fiber.HeaderAccessControlAllowHeaders, "Range, If-None-Match")
		c.Set(fiber.HeaderAccessControlExposeHeaders, "Content-Range, Accept-Ranges, ETag, X-Cdn-Status")
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func registerDiagnostics(app *fiber.App, opts AppOptions) {
	started := time.Now()

	health := func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"version":   version.Full(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	app.Get("/health", health)
	app.Get("/ping", health)

	app.Get("/stats", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"version":        version.Full(),
			"origin_mode":    opts.OriginMode,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		})
	})
}
