// Package console 在终端展示扫描进度、逐条结果和最终汇总表
package console

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"

	"MscannerGo/internal/portscan"
)

const maxBannerColumn = 60

// Sink 消费 Run.Updates, 非并发安全, 由单个协程驱动
type Sink struct {
	out        io.Writer
	progress   io.Writer
	showClosed bool

	bar     *progressbar.ProgressBar
	results []portscan.Result
	counts  map[portscan.PortState]int
}

// NewSink out 输出结果和汇总, progress 输出进度条
// showClosed 为 false 时不逐条打印 closed / filtered
func NewSink(out, progress io.Writer, showClosed bool) *Sink {
	return &Sink{
		out:        out,
		progress:   progress,
		showClosed: showClosed,
		counts:     make(map[portscan.PortState]int),
	}
}

// Begin 按目标总数重置进度条
func (s *Sink) Begin(total uint64) {
	s.results = s.results[:0]
	clear(s.counts)
	s.bar = progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(s.progress),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription("[cyan][扫描中][reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Handle 处理一条结果
func (s *Sink) Handle(u portscan.Update) {
	res := u.Result
	s.counts[res.State]++
	if s.visible(res.State) {
		s.results = append(s.results, res)
		if s.bar != nil {
			_ = s.bar.Clear()
		}
		s.printLine(res)
	}
	if s.bar != nil {
		_ = s.bar.Set64(int64(u.Progress.Completed))
	}
}

func (s *Sink) visible(state portscan.PortState) bool {
	switch state {
	case portscan.StateClosed, portscan.StateFilteredOrTimeout:
		return s.showClosed
	}
	return true
}

func (s *Sink) printLine(res portscan.Result) {
	prefix, c := style(res.State)
	line := fmt.Sprintf("\r%s%s %s RTT: %s", prefix, res.Target, res.State, res.RTTString())
	if res.Banner != "" {
		line += " | " + res.Banner
	}
	if res.Err != "" {
		line += " | " + res.Err
	}
	c.Fprintln(s.out, line)
}

func style(state portscan.PortState) (string, *color.Color) {
	switch state {
	case portscan.StateOpen:
		return "[+]", color.New(color.FgGreen)
	case portscan.StateOpenOrFiltered:
		return "[?]", color.New(color.FgYellow)
	case portscan.StateUnsupported:
		return "[x]", color.New(color.FgMagenta)
	case portscan.StateError:
		return "[!]", color.New(color.FgRed)
	}
	return "[-]", color.New(color.FgWhite)
}

// Finish 打印汇总行和结果表
func (s *Sink) Finish(sum portscan.Summary) {
	if s.bar != nil {
		_ = s.bar.Finish()
		s.bar = nil
	}
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "============================")

	head := color.New(color.FgCyan)
	if sum.State == portscan.RunCancelled {
		head = color.New(color.FgYellow)
		head.Fprintf(s.out, "[!]扫描已取消! 已完成 %d/%d 耗时: %s\n", sum.Completed, sum.Total, sum.Elapsed.Round(time.Millisecond))
	} else {
		head.Fprintf(s.out, "[+]扫描完成! 已完成 %d/%d 耗时: %s\n", sum.Completed, sum.Total, sum.Elapsed.Round(time.Millisecond))
	}
	head.Fprintf(s.out, "[+]%s\n", s.stateCounts())

	if len(s.results) == 0 {
		return
	}
	slices.SortFunc(s.results, func(a, b portscan.Result) int {
		return a.Target.Compare(b.Target)
	})
	table := tablewriter.NewWriter(s.out)
	table.Header("Host", "Port", "State", "RTT", "Banner")
	for _, r := range s.results {
		_ = table.Append([]string{
			r.Target.Host.String(),
			strconv.Itoa(int(r.Target.Port)),
			r.State.String(),
			r.RTTString(),
			truncate(r.Banner, maxBannerColumn),
		})
	}
	_ = table.Render()
}

func (s *Sink) stateCounts() string {
	states := []portscan.PortState{
		portscan.StateOpen,
		portscan.StateClosed,
		portscan.StateFilteredOrTimeout,
		portscan.StateOpenOrFiltered,
		portscan.StateUnsupported,
		portscan.StateError,
	}
	parts := make([]string, 0, len(states))
	for _, st := range states {
		if n := s.counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", st, n))
		}
	}
	if len(parts) == 0 {
		return "无结果"
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
