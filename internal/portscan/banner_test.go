package portscan

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBannerReaderServerSpeaksFirst(t *testing.T) {
	target := listenTCP(t, func(c net.Conn) {
		_, _ = c.Write([]byte("SSH-2.0-OpenSSH_9.6\r\nextra\r\n"))
		time.Sleep(100 * time.Millisecond)
	})

	got := NewBannerReader(time.Second).Read(context.Background(), target)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", got)
}

func TestBannerReaderSendsProbe(t *testing.T) {
	target := listenTCP(t, func(c net.Conn) {
		line, err := bufio.NewReader(c).ReadString('\n')
		if err != nil || line != "GET / HTTP/1.0\r\n" {
			return
		}
		_, _ = c.Write([]byte("HTTP/1.0 200 OK\r\nServer: test\r\n\r\n"))
	})

	got := NewBannerReader(time.Second).Read(context.Background(), target)
	assert.Equal(t, "HTTP/1.0 200 OK", got)
}

func TestBannerReaderSilentService(t *testing.T) {
	target := listenTCP(t, func(c net.Conn) {
		time.Sleep(500 * time.Millisecond)
	})

	start := time.Now()
	got := NewBannerReader(100 * time.Millisecond).Read(context.Background(), target)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestBannerReaderClosedPort(t *testing.T) {
	assert.Empty(t, NewBannerReader(time.Second).Read(context.Background(), closedTCPPort(t)))
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"220 smtp ready\r\n", "220 smtp ready"},
		{"\r\n  +OK pop3\r\nmore", "+OK pop3"},
		{"no newline", "no newline"},
		{"bad \xff\xfe utf8\n", "bad  utf8"},
		{"   \r\n\t", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, firstLine([]byte(tt.in)), "input %q", tt.in)
	}
}
