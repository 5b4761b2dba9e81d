package portscan

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Prober 探测策略: 对单个目标给出结论, 不重试, 最长阻塞 timeout 加少量收尾时间
type Prober interface {
	Technique() Technique
	Probe(ctx context.Context, t Target, timeout time.Duration) Result
}

// ConnProber 探测成功时可以把已建立的连接交给 BannerReader 复用
// 返回的 conn 仅在 Result.State == StateOpen 时非 nil, 调用者负责关闭
type ConnProber interface {
	Prober
	ProbeConn(ctx context.Context, t Target, timeout time.Duration) (Result, net.Conn)
}

// ProberOptions 创建探测策略的参数
type ProberOptions struct {
	// RawAvailable 原始套接字能力, 由调用者在启动时检查一次
	RawAvailable bool
	// UDPServiceProbes 对知名 UDP 端口发送协议相关的负载
	UDPServiceProbes bool
}

// NewProber 按扫描模式创建探测策略
func NewProber(technique Technique, opts ProberOptions) (Prober, error) {
	switch technique {
	case TechniqueConnect:
		return NewConnectProber(), nil
	case TechniqueSYN:
		return NewSynProber(opts.RawAvailable), nil
	case TechniqueUDP:
		return NewUDPProber(opts.RawAvailable, opts.UDPServiceProbes), nil
	}
	return nil, fmt.Errorf("unsupported technique %v", technique)
}
