// cmd/receiver/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/xid"

	"github.com/kburak/meshstream/codec"
	"github.com/kburak/meshstream/collector"
	"github.com/kburak/meshstream/config"
	"github.com/kburak/meshstream/dashboard"
	"github.com/kburak/meshstream/feedback"
	"github.com/kburak/meshstream/losstrack"
	"github.com/kburak/meshstream/metrics"
	"github.com/kburak/meshstream/receiver"
	"github.com/kburak/meshstream/rttmon"
	"github.com/kburak/meshstream/transport"
	"github.com/kburak/meshstream/tui"
)

const decoderRTPPort = 15100

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults if absent)")
	patch := flag.String("set", "", "JSON document overriding individual config fields")
	httpAddr := flag.String("http", ":9091", "address to serve /metrics and the dashboard websocket on")
	sessionID := flag.String("session", "", "feedback session id (defaults to a generated xid)")
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
	log.Printf("[receiver] session=%s remote=%s:%v local=%v", session, cfg.RemoteIP, cfg.RemotePorts, cfg.LocalPorts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		<-sigc
		log.Printf("[receiver] signal received, shutting down")
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

	loss := losstrack.New()
	rtt := rttmon.New()

	dec, err := codec.NewDecoder(ctx, cfg.Video.Width, cfg.Video.Height, decoderRTPPort)
	if err != nil {
		log.Fatalf("codec.NewDecoder: %v", err)
	}
	defer dec.Close()
	frames, decErrs := dec.Frames()
	go func() {
		for err := range decErrs {
			log.Printf("[receiver] decoder: %v", err)
		}
	}()
	go func() {
		for range frames {
			// rendering the decoded BGR frame is outside this transport's
			// scope; a real deployment wires this into a display sink.
		}
	}()

	reg := metrics.New()

	// Mirrors reg.FramesDelivered/FramesDroppedAge/FramesDroppedFEC so
	// the dashboard (C17/C18) can read a live count without reaching
	// into the Prometheus registry's internals.
	var framesDelivered, framesDropped atomic.Uint64

	var pipe *receiver.Pipeline
	coll := collector.New(cfg.FEC.K, cfg.FEC.R, func(frameID uint16, data []byte) {
		reg.FramesDelivered.Inc()
		framesDelivered.Add(1)
		pipe.OnFrame(frameID, data)
	})
	coll.WithDropCallback(func(frameID uint16, reason collector.DropReason) {
		switch reason {
		case collector.DropAge:
			reg.FramesDroppedAge.Inc()
		case collector.DropFEC:
			reg.FramesDroppedFEC.Inc()
		}
		framesDropped.Add(1)
	})
	coll.Run()
	defer coll.Stop()

	pipe = receiver.New(tr, coll, loss, dec)

	fbRemotePort := cfg.RemotePorts[0]
	fbSender := feedback.NewSender(session, tr, loss, cfg.RemoteIP, fbRemotePort, func(port int) (float64, bool) {
		return rtt.RTT(port)
	})
	go fbSender.Run()
	defer fbSender.Stop()

	go pollMetrics(ctx, reg, loss, cfg.LocalPorts)

	frame := func() dashboard.Frame {
		return dashboardFrame(loss, cfg.LocalPorts, framesDelivered.Load(), framesDropped.Load())
	}

	hub := dashboard.NewHub(frame)
	go hub.Run()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.Handle("/ws", hub)
	httpSrv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[receiver] http server: %v", err)
		}
	}()
	defer httpSrv.Close()

	if *useTUI {
		go pipe.Run()
		if err := tui.Run(frame); err != nil {
			log.Printf("[receiver] tui: %v", err)
		}
		pipe.Stop()
		return
	}

	go pipe.Run()
	<-ctx.Done()
	pipe.Stop()
}

func pollMetrics(ctx context.Context, reg *metrics.Registry, loss *losstrack.Tracker, localPorts []int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, port := range localPorts {
				reg.ObservePath(port, 0, loss.PortLossRate(port), 0)
			}
		}
	}
}

func dashboardFrame(loss *losstrack.Tracker, localPorts []int, framesDelivered, framesDropped uint64) dashboard.Frame {
	stats := make([]dashboard.PathStat, len(localPorts))
	for i, port := range localPorts {
		stats[i] = dashboard.PathStat{Port: port, LossRatio: loss.PortLossRate(port)}
	}
	return dashboard.Frame{
		Paths:           stats,
		FramesDelivered: framesDelivered,
		FramesDropped:   framesDropped,
		GeneratedAtMs:   time.Now().UnixMilli(),
	}
}
