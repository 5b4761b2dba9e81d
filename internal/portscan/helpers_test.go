package portscan

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddr("127.0.0.1")

// listenTCP 在回环地址上监听, handle 为 nil 时接受后立即关闭
func listenTCP(t *testing.T, handle func(net.Conn)) Target {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if handle != nil {
					handle(conn)
				}
			}()
		}
	}()
	return Target{Host: loopback, Port: uint16(ln.Addr().(*net.TCPAddr).Port)}
}

// closedTCPPort 取一个刚释放的端口, 连接会被拒绝
func closedTCPPort(t *testing.T) Target {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return Target{Host: loopback, Port: uint16(port)}
}

type fakePacket struct {
	data []byte
	from net.Addr
}

// fakePacketConn 模拟原始套接字: 记录写出的报文, 按 onWrite 的返回值投递回包
type fakePacketConn struct {
	mu       sync.Mutex
	writes   [][]byte
	deadline time.Time
	closed   bool

	onWrite func(b []byte, to net.Addr) []fakePacket

	packets chan fakePacket
	wake    chan struct{}
	done    chan struct{}
}

func newFakePacketConn() *fakePacketConn {
	return &fakePacketConn{
		packets: make(chan fakePacket, 16),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *fakePacketConn) deliver(p fakePacket) { c.packets <- p }

func (c *fakePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline, closed := c.deadline, c.closed
		c.mu.Unlock()
		if closed {
			return 0, nil, net.ErrClosed
		}
		var timer <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.After(wait)
		}
		select {
		case p := <-c.packets:
			return copy(b, p.data), p.from, nil
		case <-timer:
		case <-c.wake:
		case <-c.done:
		}
	}
}

func (c *fakePacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	onWrite := c.onWrite
	c.mu.Unlock()
	if onWrite != nil {
		for _, p := range onWrite(b, addr) {
			c.deliver(p)
		}
	}
	return len(b), nil
}

func (c *fakePacketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakePacketConn) LocalAddr() net.Addr { return &net.IPAddr{IP: net.IPv4zero} }

func (c *fakePacketConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *fakePacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakePacketConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakePacketConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// countingListener 返回 conn 并记录调用次数
type countingListener struct {
	mu       sync.Mutex
	conn     net.PacketConn
	networks []string
}

func (l *countingListener) listen(network, address string) (net.PacketConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.networks = append(l.networks, network)
	if l.conn == nil {
		return nil, errors.New("no raw socket in test")
	}
	return l.conn, nil
}

func (l *countingListener) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.networks)
}
