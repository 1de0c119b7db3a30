package mediatype

import "strings"

// 支持的媒体类型按精确集合匹配。使用集合而非子串包含，
// 防止 "text/html; image/png" 这类拼接值绕过校验。
var imageTypes = map[string]struct{}{
	"image/jpeg":    {},
	"image/jpg":     {},
	"image/png":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/avif":    {},
	"image/svg+xml": {},
	"image/bmp":     {},
	"image/tiff":    {},
	"image/x-icon":  {},
	"image/heic":    {},
	"image/heif":    {},
	"image/jxl":     {},
}

var videoTypes = map[string]struct{}{
	"video/mp4":        {},
	"video/webm":       {},
	"video/ogg":        {},
	"video/quicktime":  {},
	"video/x-matroska": {},
	"video/x-m4v":      {},
	"video/mp2t":       {},
}

var audioTypes = map[string]struct{}{
	"audio/mpeg":  {},
	"audio/ogg":   {},
	"audio/wav":   {},
	"audio/webm":  {},
	"audio/x-m4a": {},
	"audio/mp4":   {},
	"audio/aac":   {},
	"audio/flac":  {},
}

var hlsTypes = map[string]struct{}{
	"application/vnd.apple.mpegurl": {},
	"application/x-mpegurl":         {},
	"audio/mpegurl":                 {},
	"audio/x-mpegurl":               {},
}

// Normalize 去除 MIME 参数（"; charset=..." 等）并统一小写。
func Normalize(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// IsImage 判断 contentType 是否为受支持的图片类型。
func IsImage(contentType string) bool {
	_, ok := imageTypes[Normalize(contentType)]
	return ok
}

// IsVideo 判断 contentType 是否为受支持的视频类型。
func IsVideo(contentType string) bool {
	_, ok := videoTypes[Normalize(contentType)]
	return ok
}

// IsAudio 判断 contentType 是否为受支持的音频类型。
func IsAudio(contentType string) bool {
	_, ok := audioTypes[Normalize(contentType)]
	return ok
}

// IsHLS 判断 contentType 是否为 HLS 清单类型。
func IsHLS(contentType string) bool {
	_, ok := hlsTypes[Normalize(contentType)]
	return ok
}

// IsMedia 汇总所有受支持的媒体类型判定。
func IsMedia(contentType string) bool {
	return IsImage(contentType) || IsVideo(contentType) || IsAudio(contentType) || IsHLS(contentType)
}
