// Package httprange 解析 HTTP Range 请求头为单个字节区间。
// 多区间（multipart）请求不受支持，统一按无效处理。
package httprange

import (
	"fmt"
	"strconv"
	"strings"
)

// Interval 表示一次满足约束的字节区间：0 <= Start <= End < TotalSize。
type Interval struct {
	Start  int64
	End    int64
	Length int64

	// IsPartial 表示该区间是否仅覆盖对象的一部分。
	// "bytes=0-" 全文件探测会得到 IsPartial=false，但仍需以 206 响应。
	IsPartial bool
}

// ContentRange 输出 206 响应所需的 Content-Range 值。
func (iv Interval) ContentRange(totalSize int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", iv.Start, iv.End, totalSize)
}

// Unsatisfiable 输出 416 响应所需的 Content-Range 值。
func Unsatisfiable(totalSize int64) string {
	return fmt.Sprintf("bytes */%d", totalSize)
}

// Parse 解析 "bytes=A-B" / "bytes=A-" / "bytes=-S" 形式的 Range 头。
// 返回 nil 表示头缺失或无效：错误单位、多区间、非整数、负值、
// start > end、start >= totalSize。End 会被钳制到 totalSize-1。
func Parse(header string, totalSize int64) *Interval {
	header = strings.TrimSpace(header)
	if header == "" || totalSize <= 0 {
		return nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil
	}
	if strings.Contains(spec, ",") {
		return nil
	}

	first, second, ok := strings.Cut(spec, "-")
	if !ok {
		return nil
	}
	first = strings.TrimSpace(first)
	second = strings.TrimSpace(second)

	var start, end int64
	switch {
	case first == "" && second == "":
		return nil
	case first == "":
		// 后缀区间 bytes=-S：最后 S 个字节。S=0 无效。
		suffix, err := parseByte(second)
		if err != nil || suffix <= 0 {
			return nil
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		start = totalSize - suffix
		end = totalSize - 1
	case second == "":
		// 开放区间 bytes=A-
		var err error
		start, err = parseByte(first)
		if err != nil {
			return nil
		}
		end = totalSize - 1
	default:
		var err error
		start, err = parseByte(first)
		if err != nil {
			return nil
		}
		end, err = parseByte(second)
		if err != nil {
			return nil
		}
	}

	if end > totalSize-1 {
		end = totalSize - 1
	}
	if start < 0 || start > end || start >= totalSize {
		return nil
	}

	return &Interval{
		Start:     start,
		End:       end,
		Length:    end - start + 1,
		IsPartial: !(start == 0 && end == totalSize-1),
	}
}

// IsFullFileProbe 识别播放器用于探测 range 支持的 "bytes=0-" 请求。
func IsFullFileProbe(header string) bool {
	return strings.TrimSpace(header) == "bytes=0-"
}

// ParseBounded 在对象大小未知时提取 "bytes=A-B" 的显式边界，
// 供投机性区间预取使用。其它形式返回 ok=false。
func ParseBounded(header string) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, second, found := strings.Cut(spec, "-")
	if !found || first == "" || second == "" {
		return 0, 0, false
	}
	var err error
	if start, err = parseByte(strings.TrimSpace(first)); err != nil {
		return 0, 0, false
	}
	if end, err = parseByte(strings.TrimSpace(second)); err != nil {
		return 0, 0, false
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

func parseByte(value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative range component: %d", n)
	}
	return n, nil
}
