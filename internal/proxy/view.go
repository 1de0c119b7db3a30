package proxy

import (
	"fmt"
	"html"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/img-pro/unlimited-cdn/internal/blobstore"
	"github.com/img-pro/unlimited-cdn/internal/urlx"
)

// serveDebugView 渲染缓存条目的调试页。仅 DEBUG=true 且请求带
// view=1 时可达，只输出条目自身的信息，绝不渲染配置。
func (h *Handler) serveDebugView(c fiber.Ctx, req *urlx.Request, obj blobstore.Object) error {
	page := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>cache entry</title></head>
<body>
<h1>Cache Entry</h1>
<table>
<tr><td>Key</td><td>%s</td></tr>
<tr><td>Content-Type</td><td>%s</td></tr>
<tr><td>Size</td><td>%d</td></tr>
<tr><td>ETag</td><td>%s</td></tr>
<tr><td>Cached At</td><td>%s</td></tr>
<tr><td>Source</td><td>%s</td></tr>
</table>
</body>
</html>
`,
		html.EscapeString(obj.Key),
		html.EscapeString(obj.ContentType),
		obj.Size,
		html.EscapeString(obj.ETag),
		obj.Uploaded.UTC().Format(time.RFC3339),
		html.EscapeString(obj.Metadata.SourceURL),
	)

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Set(HeaderStatus, statusHit)
	return c.Status(fiber.StatusOK).SendString(page)
}
