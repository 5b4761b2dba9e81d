package portscan

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// ConnectProber TCP 全连接扫描
type ConnectProber struct {
	dial func(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error)
}

// NewConnectProber 创建全连接探测
func NewConnectProber() *ConnectProber {
	return &ConnectProber{dial: dialTCP}
}

func dialTCP(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1, // 扫描不需要保持连接
	}
	return d.DialContext(ctx, network, address)
}

func (p *ConnectProber) Technique() Technique { return TechniqueConnect }

// Probe 完成一次握手后立即关闭连接
func (p *ConnectProber) Probe(ctx context.Context, t Target, timeout time.Duration) Result {
	res, conn := p.ProbeConn(ctx, t, timeout)
	if conn != nil {
		conn.Close()
	}
	return res
}

// ProbeConn 与 Probe 相同, 但端口开放时把连接交给调用者
func (p *ConnectProber) ProbeConn(ctx context.Context, t Target, timeout time.Duration) (Result, net.Conn) {
	start := time.Now()
	conn, err := p.dial(ctx, "tcp", t.String(), timeout)
	if err != nil {
		return classifyDialError(t, err), nil
	}
	res := newResult(t, StateOpen)
	res.RTT = time.Since(start)
	res.HasRTT = true
	return res, conn
}

func classifyDialError(t Target, err error) Result {
	switch {
	case isTimeout(err):
		return newResult(t, StateFilteredOrTimeout)
	case isConnRefused(err):
		return newResult(t, StateClosed)
	default:
		return errorResult(t, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
