// cmd/sender/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/kburak/meshstream/adaptive"
	"github.com/kburak/meshstream/capture"
	"github.com/kburak/meshstream/codec"
	"github.com/kburak/meshstream/config"
	"github.com/kburak/meshstream/dashboard"
	"github.com/kburak/meshstream/hostmetrics"
	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/metrics"
	"github.com/kburak/meshstream/rttmon"
	"github.com/kburak/meshstream/scheduler"
	"github.com/kburak/meshstream/sender"
	"github.com/kburak/meshstream/transport"
	"github.com/kburak/meshstream/tui"
)

const encoderRTPPort = 15000

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults if absent)")
	patch := flag.String("set", "", "JSON document overriding individual config fields")
	httpAddr := flag.String("http", ":9090", "address to serve /metrics and the dashboard websocket on")
	sessionID := flag.String("session", "", "feedback session id (defaults to a generated xid)")
	rateLimit := flag.Float64("send-rate", 0, "cap outbound datagrams/sec across all paths (0 = unlimited)")
	useTUI := flag.Bool("tui", false, "run the terminal dashboard instead of staying headless")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("config.LoadFile: %v", err)
	}
	if *patch != "" {
		cfg = cfg.ApplyJSONPatch([]byte(*patch))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	session := *sessionID
	if session == "" {
		session = xid.New().String()
	}
	log.Printf("[sender] session=%s remote=%s:%v local=%v", session, cfg.RemoteIP, cfg.RemotePorts, cfg.LocalPorts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		<-sigc
		log.Printf("[sender] signal received, shutting down")
		cancel()
	}()

	tr, err := transport.Init(cfg.LocalPorts)
	if err != nil {
		log.Fatalf("transport.Init: %v", err)
	}
	defer tr.Close()
	if err := tr.SetTargets(cfg.RemoteIP, cfg.RemotePorts); err != nil {
		log.Fatalf("transport.SetTargets: %v", err)
	}
	if *rateLimit > 0 {
		tr.SetSendRateLimit(*rateLimit, int(*rateLimit))
	}

	sched := scheduler.Bootstrap(cfg.RemoteIP, cfg.RemotePorts)
	rtt := rttmon.New()
	loss := losstrack.New()

	host := hostmetrics.New()
	go host.Run(ctx)
	defer host.Stop()
	ctrl := adaptive.New(cfg.Video.Bitrate).WithHostLoad(host.Load)

	capSrc, err := capture.Open(cfg.Device, cfg.Video.Width, cfg.Video.Height)
	if err != nil {
		log.Fatalf("capture.Open: %v", err)
	}
	defer capSrc.Close()

	enc, err := codec.NewEncoder(ctx, cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS, cfg.Video.Bitrate, encoderRTPPort)
	if err != nil {
		log.Fatalf("codec.NewEncoder: %v", err)
	}
	defer enc.Close()

	pipe := sender.New(capSrc, enc, tr, sched, rtt, loss, ctrl, cfg.RemoteIP, cfg.ChunkSize)

	reg := metrics.New()
	go pollMetrics(ctx, reg, sched, ctrl)

	frame := func() dashboard.Frame { return dashboardFrame(sched, ctrl, pipe) }

	hub := dashboard.NewHub(frame)
	go hub.Run()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/ws", hub)
	httpSrv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[sender] http server: %v", err)
		}
	}()
	defer httpSrv.Close()

	if *useTUI {
		go pipe.Run(ctx)
		if err := tui.Run(frame); err != nil {
			log.Printf("[sender] tui: %v", err)
		}
		cancel()
		pipe.Stop()
		return
	}

	pipe.Run(ctx)
	pipe.Stop()
}

func pollMetrics(ctx context.Context, reg *metrics.Registry, sched *scheduler.Scheduler, ctrl *adaptive.Controller) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range sched.Paths() {
				reg.ObservePath(path.Port, path.RTTMs, path.LossRatio, path.Weight)
			}
			bitrate, fps := ctrl.CurrentTier()
			reg.ObserveAdaptive(bitrate, fps)
		}
	}
}

func dashboardFrame(sched *scheduler.Scheduler, ctrl *adaptive.Controller, pipe *sender.Pipeline) dashboard.Frame {
	paths := sched.Paths()
	stats := make([]dashboard.PathStat, len(paths))
	for i, path := range paths {
		stats[i] = dashboard.PathStat{Port: path.Port, RTTMs: path.RTTMs, LossRatio: path.LossRatio, Weight: path.Weight}
	}
	bitrate, fps := ctrl.CurrentTier()
	dispatched, dropped := pipe.FrameCounts()
	return dashboard.Frame{
		Paths:           stats,
		BitrateBps:      bitrate,
		FPS:             fps,
		FramesDelivered: dispatched,
		FramesDropped:   dropped,
		GeneratedAtMs:   time.Now().UnixMilli(),
	}
}
