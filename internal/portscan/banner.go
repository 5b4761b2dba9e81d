package portscan

import (
	"context"
	"net"
	"strings"
	"time"
)

const (
	DefaultBannerTimeout  = time.Second
	DefaultBannerMaxBytes = 1024
)

// DefaultBannerProbe 最小探测行, HTTP 服务会回状态行, 先说话的服务(SSH/FTP/SMTP)直接回 banner
var DefaultBannerProbe = []byte("GET / HTTP/1.0\r\n\r\n")

// BannerReader 端口开放后读取应用层首行
type BannerReader struct {
	Timeout  time.Duration
	Probe    []byte
	MaxBytes int

	dial func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error)
}

// NewBannerReader timeout <= 0 时使用默认值
func NewBannerReader(timeout time.Duration) *BannerReader {
	if timeout <= 0 {
		timeout = DefaultBannerTimeout
	}
	return &BannerReader{
		Timeout:  timeout,
		Probe:    DefaultBannerProbe,
		MaxBytes: DefaultBannerMaxBytes,
		dial:     dialTCP,
	}
}

// Read 新建一条连接读取 banner, 任何失败都返回空串
func (b *BannerReader) Read(ctx context.Context, t Target) string {
	dial := b.dial
	if dial == nil {
		dial = dialTCP
	}
	conn, err := dial(ctx, "tcp", t.String(), b.Timeout)
	if err != nil {
		return ""
	}
	defer conn.Close()
	return b.ReadConn(conn)
}

// ReadConn 复用已建立的连接, 不负责关闭
func (b *BannerReader) ReadConn(conn net.Conn) string {
	if err := conn.SetDeadline(time.Now().Add(b.Timeout)); err != nil {
		return ""
	}
	if len(b.Probe) > 0 {
		if _, err := conn.Write(b.Probe); err != nil {
			return ""
		}
	}
	limit := b.MaxBytes
	if limit <= 0 {
		limit = DefaultBannerMaxBytes
	}
	buf := make([]byte, limit)
	// 单次读取, 读到部分数据即可
	n, _ := conn.Read(buf)
	if n <= 0 {
		return ""
	}
	return firstLine(buf[:n])
}

func firstLine(data []byte) string {
	s := strings.ToValidUTF8(string(data), "")
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
