package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"MscannerGo/internal/config"
	"MscannerGo/internal/console"
	"MscannerGo/internal/logging"
	"MscannerGo/internal/metrics"
	"MscannerGo/internal/portscan"
)

func newScanCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "扫描 IP 范围 x 端口范围",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("ip-start", "127.0.0.1", "起始 IP")
	f.String("ip-end", "127.0.0.1", "结束 IP")
	f.Int("port-start", 1, "起始端口")
	f.Int("port-end", 1024, "结束端口")
	f.Float64("timeout", 1, "单个探测超时(秒)")
	f.StringP("technique", "s", portscan.TechniqueConnect.String(), "扫描方式 (connect, syn, udp)")
	f.Bool("banner", true, "开放端口读取 banner")
	f.Float64("banner-timeout", portscan.DefaultBannerTimeout.Seconds(), "banner 读取超时(秒)")
	f.IntP("concurrency", "t", portscan.DefaultConcurrency, "并发数")
	f.Bool("udp-service-probes", true, "对 DNS/NTP/SNMP 端口发送协议负载")
	f.Bool("show-closed", false, "显示关闭和被过滤的端口")
	f.String("metrics-addr", "", "Prometheus /metrics 监听地址, 例如 127.0.0.1:9100")

	for key, name := range map[string]string{
		"scan.ip_start":           "ip-start",
		"scan.ip_end":             "ip-end",
		"scan.port_start":         "port-start",
		"scan.port_end":           "port-end",
		"scan.timeout":            "timeout",
		"scan.technique":          "technique",
		"scan.banner":             "banner",
		"scan.banner_timeout":     "banner-timeout",
		"scan.concurrency":        "concurrency",
		"scan.udp_service_probes": "udp-service-probes",
		"scan.show_closed":        "show-closed",
		"metrics.addr":            "metrics-addr",
	} {
		bindFlag(v, key, f.Lookup(name))
	}
	return cmd
}

func runScan(parent context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	technique, err := cfg.Scan.TechniqueValue()
	if err != nil {
		return err
	}
	targets, err := cfg.Scan.TargetRange()
	if err != nil {
		return err
	}

	// 权限只检查一次
	raw, rawErr := portscan.RawSocketAvailable()
	if rawErr != nil {
		log.WithError(rawErr).Debug("raw socket capability check failed")
	}
	if technique != portscan.TechniqueConnect && !raw {
		color.Yellow("[!]当前进程没有原始套接字权限 (需要 root/CAP_NET_RAW), %s 扫描的结果将为 unsupported", technique)
	}

	prober, err := portscan.NewProber(technique, portscan.ProberOptions{
		RawAvailable:     raw,
		UDPServiceProbes: cfg.Scan.UDPServiceProbes,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := portscan.Options{
		Concurrency: cfg.Scan.Concurrency,
		Timeout:     cfg.Scan.Timeout(),
		GrabBanner:  cfg.Scan.Banner,
		Banner:      portscan.NewBannerReader(cfg.Scan.BannerTimeout()),
		Logger:      log,
	}
	if cfg.Metrics.Addr != "" {
		collector := metrics.New()
		opts.Recorder = collector
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		go func() {
			if err := collector.Serve(metricsCtx, cfg.Metrics.Addr, log); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	scanner := portscan.NewScanner(prober, opts)
	run, err := scanner.Start(ctx, targets)
	if err != nil {
		return err
	}

	color.Cyan("--- 开始扫描 %s-%s [端口 %d-%d] 方式: %s ---\n",
		targets.Start().Host, targets.End().Host, targets.Start().Port, targets.End().Port, technique)
	color.Cyan("--- 目标数: %d | 并发数: %d | 超时: %s ---\n", run.Total(), opts.Concurrency, opts.Timeout)
	log.WithFields(logrus.Fields{"run_id": run.ID(), "targets": targets.String()}).Debug("scan dispatched")

	sink := console.NewSink(os.Stdout, os.Stderr, cfg.Scan.ShowClosed)
	sink.Begin(run.Total())
	for u := range run.Updates() {
		sink.Handle(u)
	}
	sum := run.Wait()
	sink.Finish(sum)

	if sum.State == portscan.RunCancelled {
		return fmt.Errorf("scan cancelled after %d/%d probes", sum.Completed, sum.Total)
	}
	return nil
}
