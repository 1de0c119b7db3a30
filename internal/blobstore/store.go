// Package blobstore 抽象缓存对象存储：按键读写完整对象、按区间读取、
// 以及带内容类型与自定义元数据的定长写入。磁盘实现见 disk.go，
// Store 接口同时是对接 R2/S3 等对象存储的扩展点。
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound 表示对象不存在。
	ErrNotFound = errors.New("object not found")
	// ErrUnknownSize 表示 Put 调用缺少必需的对象长度。
	ErrUnknownSize = errors.New("object size required")
	// ErrSizeMismatch 表示实际写入的字节数与声明长度不符。
	ErrSizeMismatch = errors.New("object size mismatch")
	// ErrInvalidRange 表示区间读取的 offset/length 超出对象边界。
	ErrInvalidRange = errors.New("invalid object range")
)

// Metadata 是写入对象时附带的自定义元数据。
type Metadata struct {
	SourceURL     string `json:"sourceUrl"`
	OriginHost    string `json:"originHost"`
	CachedAt      string `json:"cachedAt"`
	ContentLength string `json:"contentLength,omitempty"`
}

// Object 描述存储中的一个缓存对象。ETag 由存储层在写入时生成，
// 内容不变则保持稳定。
type Object struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
	Uploaded    time.Time
	Metadata    Metadata
}

// ReadResult 组合对象描述与可流式读取的正文。
type ReadResult struct {
	Object
	Body io.ReadCloser
}

// Store 是缓存管线依赖的对象存储端口。
// 读取失败（含 ErrNotFound）由调用方按 miss 处理；写入失败不阻断响应。
type Store interface {
	// Get 返回完整对象及其正文流。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Head 返回对象描述，不携带正文。
	Head(ctx context.Context, key string) (*Object, error)

	// GetRange 返回对象在 [offset, offset+length) 上的正文流。
	GetRange(ctx context.Context, key string, offset, length int64) (*ReadResult, error)

	// Put 以已知长度写入对象，保证原子可见（写入中途的对象不可读）。
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta Metadata) (*Object, error)

	// Delete 删除对象，不存在时不报错。
	Delete(ctx context.Context, key string) error
}
