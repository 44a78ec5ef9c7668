// Command ari-voice-agent bridges an Asterisk PBX (via ARI) to a pluggable
// AI speech provider: it answers Stasis calls, carries audio over RTP or
// AudioSocket, and drives the conversation state machine in internal/engine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/voiceagent/ari-bridge/internal/ari"
	"github.com/voiceagent/ari-bridge/internal/audiosocket"
	"github.com/voiceagent/ari-bridge/internal/config"
	"github.com/voiceagent/ari-bridge/internal/engine"
	"github.com/voiceagent/ari-bridge/internal/gating"
	"github.com/voiceagent/ari-bridge/internal/health"
	"github.com/voiceagent/ari-bridge/internal/metrics"
	"github.com/voiceagent/ari-bridge/internal/playback"
	"github.com/voiceagent/ari-bridge/internal/provider"
	"github.com/voiceagent/ari-bridge/internal/rtpserver"
	"github.com/voiceagent/ari-bridge/internal/session"

	// Provider plugins self-register via init(); link the ones this build
	// should offer here, e.g.:
	//   _ "github.com/voiceagent/ari-bridge/internal/provider/openairealtime"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, nil)
	} else {
		handler = slog.NewTextHandler(os.Stdout, nil)
	}
	log := slog.New(handler)
	slog.SetDefault(log)

	adapterName := cfg.ActivePipeline
	if adapterName == "" {
		adapterName = cfg.DefaultProvider
	}
	adapter, err := provider.New(adapterName, cfg.Providers[adapterName])
	if err != nil {
		log.Error("provider selection failed", "error", err, "provider", adapterName, "registered", provider.List())
		os.Exit(1)
	}

	store := session.New()
	gate := gating.New(log, store)
	ariClient := ari.New(ari.Config{
		BaseURL:     "http://" + cfg.AsteriskHost + "/ari",
		Username:    cfg.AriUsername,
		Password:    cfg.AriPassword,
		AppName:     cfg.AriAppName,
		HTTPTimeout: 10 * time.Second,
	}, log)

	// rtp/audioSock need a callback at construction, but the callback is a
	// method on the Engine, which itself needs both servers to construct.
	// Broken by indirecting through eng, assigned once before either
	// server's Run loop starts (main goroutine happens-before every
	// goroutine it spawns below).
	var eng *engine.Engine
	rtp := rtpserver.New(log, "0.0.0.0:0", func(newFlow bool, frame rtpserver.Frame) {
		eng.OnRTPFrame(newFlow, frame)
	})
	audioSock := audiosocket.New(log, func(connID string, ev audiosocket.Event) {
		eng.OnAudioSocketEvent(connID, ev)
	})
	playbackMgr := playback.New(log, playback.Config{
		MediaDir:            cfg.MediaDir,
		WatchdogTimeout:     cfg.TTSGateWatchdog,
		FarewellHangupDelay: cfg.FarewellHangupDelay,
	}, ariClient, audioSock, gate, store)
	reporter := health.NewReporter()

	eng = engine.New(log, cfg, ariClient, store, gate, playbackMgr, rtp, audioSock, adapter, reporter)
	eng.RegisterARIHandlers()
	reporter.SetProviderReady(true)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	healthSrv := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux(reporter)}

	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		log.Info("health listening", "addr", cfg.HealthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server stopped", "error", err)
		}
	}()
	go func() {
		if err := rtp.Run(); err != nil {
			log.Error("RTP server stopped", "error", err)
		}
	}()
	go func() {
		addr := "0.0.0.0:" + strconv.Itoa(cfg.AudioSocketPort)
		if err := audioSock.Run(addr); err != nil {
			log.Error("AudioSocket server stopped", "error", err)
		}
	}()
	reporter.SetTransportReady(true)

	ariErr := make(chan error, 1)
	go func() { ariErr <- ariClient.Run(ctx) }()
	reporter.SetPBXConnected(true)

	select {
	case <-ctx.Done():
	case err := <-ariErr:
		if err != nil && ctx.Err() == nil {
			log.Error("ARI client stopped unexpectedly", "error", err)
			cancel()
		}
	}

	log.Info("shutting down...")
	reporter.SetPBXConnected(false)
	reporter.SetTransportReady(false)
	eng.Shutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", "error", err)
	}
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", "error", err)
	}
	if err := rtp.Close(); err != nil {
		log.Warn("RTP server close error", "error", err)
	}
	if err := audioSock.Close(); err != nil {
		log.Warn("AudioSocket server close error", "error", err)
	}

	log.Info("shutdown complete")
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func healthMux(r *health.Reporter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.Handler())
	return mux
}
