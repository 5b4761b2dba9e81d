package portscan

import (
	"cmp"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Technique 定义扫描模式
type Technique int

const (
	TechniqueConnect Technique = iota // TCP 全连接扫描 (默认, 无需 Root)
	TechniqueSYN                      // TCP SYN 半开放扫描 (需 Root)
	TechniqueUDP                      // UDP 探测 (需 Root 接收 ICMP)
)

func (t Technique) String() string {
	switch t {
	case TechniqueConnect:
		return "connect"
	case TechniqueSYN:
		return "syn"
	case TechniqueUDP:
		return "udp"
	default:
		return fmt.Sprintf("technique(%d)", int(t))
	}
}

// ParseTechnique 解析 connect / syn / udp
func ParseTechnique(s string) (Technique, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "connect", "tcp":
		return TechniqueConnect, nil
	case "syn", "stealth":
		return TechniqueSYN, nil
	case "udp":
		return TechniqueUDP, nil
	}
	return 0, fmt.Errorf("unknown scan technique %q", s)
}

// PortState 单个探测的结论
type PortState int

const (
	StateOpen PortState = iota
	StateClosed
	StateFilteredOrTimeout
	StateOpenOrFiltered // 仅 UDP: 无响应, 开放或被过滤无法区分
	StateUnsupported    // 缺少原始套接字权限
	StateError          // 其他错误, 详情见 Result.Err
)

func (s PortState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFilteredOrTimeout:
		return "filtered"
	case StateOpenOrFiltered:
		return "open|filtered"
	case StateUnsupported:
		return "unsupported"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target 一个 (主机, 端口) 探测目标
type Target struct {
	Host netip.Addr
	Port uint16
}

func (t Target) String() string {
	return netip.AddrPortFrom(t.Host, t.Port).String()
}

// Compare 按地址再按端口排序, 与展开顺序一致
func (t Target) Compare(o Target) int {
	if c := t.Host.Compare(o.Host); c != 0 {
		return c
	}
	return cmp.Compare(t.Port, o.Port)
}

// Result 扫描结果, 每个已派发的目标恰好产生一个
type Result struct {
	Target Target
	State  PortState
	Banner string
	RTT    time.Duration
	HasRTT bool
	Err    string
}

// RoundTripMillis 返回往返时延(毫秒), 未测得时 ok=false
func (r Result) RoundTripMillis() (int64, bool) {
	if !r.HasRTT {
		return 0, false
	}
	return r.RTT.Milliseconds(), true
}

// RTTString 表格显示用, 缺失时为 N/A
func (r Result) RTTString() string {
	if ms, ok := r.RoundTripMillis(); ok {
		return fmt.Sprintf("%d ms", ms)
	}
	return "N/A"
}

func newResult(t Target, state PortState) Result {
	return Result{Target: t, State: state}
}

func errorResult(t Target, err error) Result {
	return Result{Target: t, State: StateError, Err: err.Error()}
}

// Progress 进度计数
type Progress struct {
	Completed uint64
	Total     uint64
}

// Update 每完成一个探测推送一次
type Update struct {
	Result   Result
	Progress Progress
}

// RunState 一次扫描的生命周期
type RunState int32

const (
	RunIdle RunState = iota
	RunRunning
	RunCompleted
	RunCancelled
)

func (s RunState) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("run_state(%d)", int32(s))
	}
}

// Summary 扫描结束时的汇总
type Summary struct {
	RunID     string
	Completed uint64
	Total     uint64
	State     RunState
	Elapsed   time.Duration
}
