// Command gtvcore runs the MVD/GTV core as a standalone process: it
// loads configuration, starts each configured Rule (a live Upstream or
// a file playlist), serves Prometheus metrics, and reads operator
// commands from stdin, mirroring the shape of the teacher's run.go.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/5l1v3r1/gtvcore/internal/channel"
	"github.com/5l1v3r1/gtvcore/internal/clicmd"
	"github.com/5l1v3r1/gtvcore/internal/config"
	"github.com/5l1v3r1/gtvcore/internal/demo"
	"github.com/5l1v3r1/gtvcore/internal/logging"
	"github.com/5l1v3r1/gtvcore/internal/metrics"
	"github.com/5l1v3r1/gtvcore/internal/parser"
	"github.com/5l1v3r1/gtvcore/internal/registry"
	"github.com/5l1v3r1/gtvcore/internal/transport"
	"github.com/5l1v3r1/gtvcore/internal/upstream"
)

const tickInterval = 50 * time.Millisecond // ~20 Hz, per the "tens of Hz" cooperative scheduling model

func main() {
	confPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.Global
	log := logging.Named("main")
	defer logging.Sync()

	log.Info("gtvcore starting")

	reg := registry.New(cfg)
	defer reg.Close()

	startConfiguredRules(reg, cfg, log)

	go serveMetrics(cfg.MetricsAddr, log)
	go clicmd.RunConsole(clicmd.New(reg, cfg, os.Stdout), bufio.NewReader(os.Stdin))

	runTickLoop(reg)
}

func startConfiguredRules(reg *registry.Registry, cfg *config.Config, log *zap.Logger) {
	for _, rule := range cfg.Rules {
		if rule.Address != "" {
			opts := upstream.Options{
				TimeoutSec:  cfg.Timeout,
				WaitDelay:   cfg.WaitDelay,
				WaitPercent: cfg.WaitPercent,
				BufferSize:  cfg.BufferSize,
				Username:    firstNonEmpty(rule.Username, cfg.Username),
				Password:    firstNonEmpty(rule.Password, cfg.Password),
				Deflate:     true,
			}
			tr := transport.New(rule.Transport)
			id := reg.NextUpstreamID()
			u := upstream.New(id, rule.Name, rule.Address, tr, opts, parser.NewNull())
			reg.AddUpstream(u)
			log.Info("rule started as upstream", zap.String("name", rule.Name), zap.String("address", rule.Address))
			continue
		}
		if len(rule.Files) > 0 {
			id := reg.NextChannelID()
			ch := channel.New(id, rule.Name, cfg.BufferSize, cfg.WaitDelay, cfg.WaitPercent, parser.NewNull())
			src := demo.New(ch, rule.Files, rule.Loop, parser.NewNull())
			if err := src.Start(); err != nil {
				log.Warn("rule playlist failed to start", zap.String("name", rule.Name), zap.Error(err))
				continue
			}
			reg.AddDemo(id, ch, src)
			log.Info("rule started as playlist", zap.String("name", rule.Name), zap.Int("files", len(rule.Files)))
		}
	}
}

func serveMetrics(addr string, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}

func runTickLoop(reg *registry.Registry) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	var nowMS int64
	for range ticker.C {
		nowMS += tickInterval.Milliseconds()
		reg.Tick(nowMS)
		metrics.Sample(reg)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
