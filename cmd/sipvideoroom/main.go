package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/api"
	"sipvideoroom/native/internal/config"
	"sipvideoroom/native/internal/coordinator"
	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/eventloop"
	"sipvideoroom/native/internal/janus"
	"sipvideoroom/native/internal/metrics"
	transport "sipvideoroom/native/internal/transport/http"
	"sipvideoroom/native/internal/webrtc"
)

const helpText = `sipvideoroom - SIP calls, video rooms and screen sharing through a Janus gateway

Usage:
  sipvideoroom [options]

A control API is served on SIPROOM_LISTEN_ADDR. Notifications are streamed
as JSON over the /events websocket.

Environment Variables:
  SIPROOM_SERVER              Gateway URL, http(s):// or ws(s):// (default http://127.0.0.1:8088/janus)
  SIPROOM_SCREENSHARE_SERVER  Gateway URL for screen sharing (default ws://127.0.0.1:8188/janus)
  SIPROOM_SIP_PROXY           SIP proxy host (default 127.0.0.1)
  SIPROOM_SIP_PROXY_PORT      SIP proxy port (default 5061)
  SIPROOM_ACCOUNT             Register this account at startup
  SIPROOM_DESTINATION         Number dialed after registration (default 5555)
  SIPROOM_AUTO_DIAL           Dial automatically once registered (default true)
  SIPROOM_LOG_LEVEL           trace, debug, info, warn or error (default info)
  SIPROOM_CONFIG              Optional YAML file with the same keys

Examples:
  # Register and call 5555
  SIPROOM_ACCOUNT=700000100001 sipvideoroom

  # Join the video room afterwards
  curl -X POST localhost:8080/room/start

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("module", "main").Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Step 1: Check the gateway offers what we need
	info, err := api.NewClient(cfg.RequestTimeout).Preflight(ctx, cfg.Server, domain.PluginSIP, domain.PluginVideoRoom)
	if err != nil {
		log.Fatal().Str("module", "main").Err(err).Msg("gateway preflight")
	}
	if info != nil {
		log.Info().Str("module", "main").Str("gateway", info.Name).Str("version", info.VersionString).Msg("gateway ready")
		// The echo test is optional; without it only /echotest/start fails.
		if missing := api.Missing(info, domain.PluginEchoTest); len(missing) > 0 {
			log.Warn().Str("module", "main").Strs("plugins", missing).Msg("echo test unavailable on this gateway")
		}
	}

	// Step 2: Event loop owning all session state; it outlives ctx so that
	// teardown can still run on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := eventloop.New()
	go loop.Run(loopCtx)

	// Step 3: Gateway client with a pion PeerConnection per handle
	m := metrics.New()
	gw := janus.New(webrtc.NewFactory(cfg.ICEServers), janus.Options{
		Keepalive:      cfg.KeepaliveInterval,
		RequestTimeout: cfg.RequestTimeout,
		Trace:          m.GatewayMessage,
	})

	// Step 4: Coordinator reporting to the metrics and the /events stream
	hub := transport.NewHub()
	co := coordinator.New(cfg, gw, loop, coordinator.Observers{m, hub})

	// Step 5: Control API
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: transport.SetupRouter(cfg, co, hub, m.Handler()),
	}
	go func() {
		log.Info().Str("module", "main").Str("addr", cfg.ListenAddr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Str("module", "main").Err(err).Msg("control API")
			cancel()
		}
	}()

	// Step 6: Register right away when an account is configured
	if cfg.Account != "" {
		if err := co.Start(ctx, cfg.Account, hub.Progress(domain.SessionMain)); err != nil {
			log.Error().Str("module", "main").Err(err).Msg("start main session")
		}
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := co.Destroy(shutdownCtx); err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("destroy sessions")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Str("module", "main").Err(err).Msg("control API forced to shutdown")
	}
	log.Info().Str("module", "main").Msg("done")
}
