// Package streamio 提供代理管线使用的流包装器：
// 限长读取、投递字节计数、以及面向“客户端 + 缓存”双消费者的扇出复制。
package streamio

import (
	"errors"
	"io"
	"sync/atomic"
)

// ErrTooLarge 表示累计字节数超过了配置的上限，流在该点被终止。
var ErrTooLarge = errors.New("stream exceeds size limit")

const copyBufferSize = 32 * 1024

// LimitedReader 在透传字节的同时累计计数，超过 Max 立即报错终止。
// Count 返回已成功读出的字节数。
type LimitedReader struct {
	R   io.Reader
	Max int64

	n atomic.Int64
}

// NewLimitedReader 构造限长流。max <= 0 表示不限制。
func NewLimitedReader(r io.Reader, max int64) *LimitedReader {
	return &LimitedReader{R: r, Max: max}
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	n, err := l.R.Read(p)
	if n > 0 {
		total := l.n.Add(int64(n))
		if l.Max > 0 && total > l.Max {
			return n, ErrTooLarge
		}
	}
	return n, err
}

// Count 返回目前为止读出的总字节数。
func (l *LimitedReader) Count() int64 {
	return l.n.Load()
}

// CountingReader 统计实际投递给消费者的字节数，消费者关闭或读尽时
// 通过 OnDone 回调报告总量。客户端中途断开也会触发回调，
// 保证用量按真实送达字节计费。
type CountingReader struct {
	R      io.ReadCloser
	OnDone func(n int64)

	n    atomic.Int64
	done atomic.Bool
}

// NewCountingReader 构造计数流，onDone 可为 nil。
func NewCountingReader(r io.ReadCloser, onDone func(n int64)) *CountingReader {
	return &CountingReader{R: r, OnDone: onDone}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	if err == io.EOF {
		c.finish()
	}
	return n, err
}

// Close 关闭底层流并触发一次 OnDone。
func (c *CountingReader) Close() error {
	err := c.R.Close()
	c.finish()
	return err
}

// Count 返回目前为止投递的总字节数。
func (c *CountingReader) Count() int64 {
	return c.n.Load()
}

func (c *CountingReader) finish() {
	if c.OnDone == nil {
		return
	}
	if c.done.CompareAndSwap(false, true) {
		c.OnDone(c.n.Load())
	}
}

// Fanout 把 src 的字节同时写入 client 与 store 两个管道。
// 任一分支写失败（典型场景：客户端断开）后放弃该分支，
// 另一分支继续消费直到 src 读尽，因此缓存写入不受客户端取消影响。
// 返回成功写入 client 的字节数与 src 侧的读取错误。
func Fanout(src io.Reader, client, store *io.PipeWriter) (int64, error) {
	var delivered int64
	clientAlive := client != nil
	storeAlive := store != nil

	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if clientAlive {
				if w, werr := client.Write(buf[:n]); werr != nil {
					delivered += int64(w)
					clientAlive = false
				} else {
					delivered += int64(n)
				}
			}
			if storeAlive {
				if _, werr := store.Write(buf[:n]); werr != nil {
					storeAlive = false
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			closeBoth(client, store, clientAlive, storeAlive, err)
			return delivered, err
		}
		if !clientAlive && !storeAlive {
			return delivered, nil
		}
	}
}

func closeBoth(client, store *io.PipeWriter, clientAlive, storeAlive bool, err error) {
	if client != nil && clientAlive {
		if err != nil {
			client.CloseWithError(err)
		} else {
			client.Close()
		}
	}
	if store != nil && storeAlive {
		if err != nil {
			store.CloseWithError(err)
		} else {
			store.Close()
		}
	}
}
