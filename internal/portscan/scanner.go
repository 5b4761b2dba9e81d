package portscan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"MscannerGo/internal/logging"
)

// DefaultConcurrency 同时在途的探测上限
const DefaultConcurrency = 50

// ErrInvalidConfig 配置在扫描开始前被拒绝
var ErrInvalidConfig = errors.New("invalid scan configuration")

// Recorder 接收探测指标, 由 metrics 包实现
type Recorder interface {
	ProbeStarted(technique string)
	ProbeFinished(technique, state string, elapsed time.Duration)
	RunFinished(technique, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ProbeStarted(string) {}

func (nopRecorder) ProbeFinished(string, string, time.Duration) {}

func (nopRecorder) RunFinished(string, string) {}

// Options 调度参数
type Options struct {
	Concurrency int
	Timeout     time.Duration
	GrabBanner  bool
	Banner      *BannerReader
	Logger      logrus.FieldLogger
	Recorder    Recorder
}

// Scanner 有界并发调度器, 同一时刻最多一个活动的 Run
type Scanner struct {
	prober Prober
	opts   Options

	mu     sync.Mutex
	active *Run
}

// NewScanner 创建调度器, 未设置的参数使用默认值
func NewScanner(prober Prober, opts Options) *Scanner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Banner == nil {
		opts.Banner = NewBannerReader(DefaultBannerTimeout)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Scanner{prober: prober, opts: opts}
}

// Start 校验参数后启动一次扫描, 结果通过 Run.Updates 流式返回
// ctx 被取消等同于 Cancel
func (s *Scanner) Start(ctx context.Context, targets *TargetRange) (*Run, error) {
	if s.prober == nil {
		return nil, ErrNoProber
	}
	if targets == nil {
		return nil, fmt.Errorf("%w: no target range", ErrInvalidConfig)
	}
	if s.opts.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, s.opts.Timeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.finished() {
		return nil, ErrRunActive
	}
	run := newRun(s.prober, s.opts, targets)
	s.active = run
	run.state.Store(int32(RunRunning))
	go run.loop(ctx)
	return run, nil
}

// Cancel 取消当前活动的扫描, 幂等, 没有活动扫描时什么也不做
func (s *Scanner) Cancel() {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
}

// Active 当前(或最近一次)的扫描
func (s *Scanner) Active() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run 一次扫描的协调状态, 游标和在途集合只由协调协程修改
type Run struct {
	id      string
	prober  Prober
	opts    Options
	cursor  *Cursor
	total   uint64
	log     logrus.FieldLogger
	updates chan Update
	done    chan struct{}

	cancelCh        chan struct{}
	cancelOnce      sync.Once
	cancelRequested atomic.Bool

	state     atomic.Int32
	completed atomic.Uint64

	mu       sync.Mutex
	inflight map[Target]struct{}
	summary  Summary
}

func newRun(prober Prober, opts Options, targets *TargetRange) *Run {
	id := uuid.NewString()
	return &Run{
		id:     id,
		prober: prober,
		opts:   opts,
		cursor: targets.Cursor(),
		total:  targets.Total(),
		log: opts.Logger.WithFields(logrus.Fields{
			"run_id":    id,
			"technique": prober.Technique().String(),
		}),
		updates:  make(chan Update, opts.Concurrency),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
		inflight: make(map[Target]struct{}, opts.Concurrency),
	}
}

// ID 扫描编号, 用于日志关联
func (r *Run) ID() string { return r.id }

// Total 目标总数
func (r *Run) Total() uint64 { return r.total }

// Completed 已发出的结果数
func (r *Run) Completed() uint64 { return r.completed.Load() }

// State 当前生命周期状态
func (r *Run) State() RunState { return RunState(r.state.Load()) }

// Updates 每完成一个探测推送一条, 扫描结束后关闭
// 调用者必须持续读取, 否则调度会因背压暂停
func (r *Run) Updates() <-chan Update { return r.updates }

// Done 在途集合清空、扫描结束后关闭
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait 阻塞到扫描结束并返回汇总
func (r *Run) Wait() Summary {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// InFlight 当前在途的探测数
func (r *Run) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Cancel 停止派发新探测, 已派发的探测继续跑完, 幂等
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		r.cancelRequested.Store(true)
		close(r.cancelCh)
	})
}

func (r *Run) finished() bool {
	s := r.State()
	return s == RunCompleted || s == RunCancelled
}

func (r *Run) loop(ctx context.Context) {
	started := time.Now()
	r.log.WithFields(logrus.Fields{
		"total":       r.total,
		"concurrency": r.opts.Concurrency,
		"timeout":     r.opts.Timeout,
	}).Debug("scan started")

	// 在途探测不受取消影响, 只停止派发
	probeCtx := context.WithoutCancel(ctx)
	results := make(chan Result, r.opts.Concurrency)
	cancelCh := r.cancelCh
	ctxDone := ctx.Done()
	exhausted := false

	for {
		for !exhausted && !r.cancelRequested.Load() && r.InFlight() < r.opts.Concurrency {
			t, ok := r.cursor.Next()
			if !ok {
				exhausted = true
				break
			}
			r.track(t)
			go r.probe(probeCtx, t, results)
		}
		if r.InFlight() == 0 && (exhausted || r.cancelRequested.Load()) {
			break
		}

		select {
		case res := <-results:
			r.untrack(res.Target)
			n := r.completed.Add(1)
			r.updates <- Update{Result: res, Progress: Progress{Completed: n, Total: r.total}}
		case <-cancelCh:
			cancelCh = nil
			r.log.WithField("in_flight", r.InFlight()).Debug("scan cancel requested, draining")
		case <-ctxDone:
			ctxDone = nil
			r.Cancel()
		}
	}

	final := RunCompleted
	if r.cancelRequested.Load() {
		final = RunCancelled
	}
	summary := Summary{
		RunID:     r.id,
		Completed: r.completed.Load(),
		Total:     r.total,
		State:     final,
		Elapsed:   time.Since(started),
	}
	r.mu.Lock()
	r.summary = summary
	r.mu.Unlock()
	r.state.Store(int32(final))
	r.opts.Recorder.RunFinished(r.prober.Technique().String(), final.String())
	r.log.WithFields(logrus.Fields{
		"state":     final.String(),
		"completed": summary.Completed,
		"elapsed":   summary.Elapsed,
	}).Debug("scan finished")

	close(r.updates)
	close(r.done)
}

func (r *Run) track(t Target) {
	r.mu.Lock()
	r.inflight[t] = struct{}{}
	r.mu.Unlock()
}

func (r *Run) untrack(t Target) {
	r.mu.Lock()
	delete(r.inflight, t)
	r.mu.Unlock()
}

func (r *Run) probe(ctx context.Context, t Target, out chan<- Result) {
	technique := r.prober.Technique().String()
	r.opts.Recorder.ProbeStarted(technique)
	start := time.Now()

	res := r.execute(ctx, t)

	r.opts.Recorder.ProbeFinished(technique, res.State.String(), time.Since(start))
	if res.State == StateError || res.State == StateUnsupported {
		r.log.WithFields(logrus.Fields{
			"target": t.String(),
			"state":  res.State.String(),
			"error":  res.Err,
		}).Debug("probe not conclusive")
	}
	out <- res
}

// execute 执行探测, 开放时在同一个在途名额内读取 banner
func (r *Run) execute(ctx context.Context, t Target) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = errorResult(t, fmt.Errorf("probe panic: %v", p))
		}
	}()

	if r.opts.GrabBanner {
		if cp, ok := r.prober.(ConnProber); ok {
			probed, conn := cp.ProbeConn(ctx, t, r.opts.Timeout)
			probed.Target = t
			if conn != nil {
				probed.Banner = r.opts.Banner.ReadConn(conn)
				conn.Close()
			}
			return probed
		}
	}

	res = r.prober.Probe(ctx, t, r.opts.Timeout)
	res.Target = t
	// 半开放探测没有应用层数据, 另起一次完整握手读取 banner
	if r.opts.GrabBanner && res.State == StateOpen && res.Banner == "" && r.prober.Technique() == TechniqueSYN {
		res.Banner = r.opts.Banner.Read(ctx, t)
	}
	return res
}
