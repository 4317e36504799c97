// Command mediahubd is the media hub's composition root: it loads
// configuration, wires the stream hub to every enabled ingest/egress
// protocol, and runs until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethan/mediahub/pkg/api"
	"github.com/ethan/mediahub/pkg/bridge"
	"github.com/ethan/mediahub/pkg/config"
	"github.com/ethan/mediahub/pkg/gb28181"
	"github.com/ethan/mediahub/pkg/logger"
	"github.com/ethan/mediahub/pkg/remux"
	"github.com/ethan/mediahub/pkg/rtmp"
	"github.com/ethan/mediahub/pkg/rtsp"
	"github.com/ethan/mediahub/pkg/streamhub"
)

func main() {
	fs := flag.NewFlagSet("mediahubd", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to the .env-style configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "RTMP/RTSP/GB28181/WHIP media hub\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting mediahubd", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "env_path", *envPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	hub := streamhub.NewHub(log.With("component", "hub").Logger)

	var wg sync.WaitGroup

	if cfg.RTMP.Enabled {
		rtmpServer := rtmp.NewServer(hub, log.Logger)
		startListener(ctx, &wg, log, "rtmp", cfg.RTMP.ListenAddr, rtmpServer.Serve)
	}

	var rtspServer *rtsp.Server
	if cfg.RTSP.Enabled {
		rtspServer = rtsp.NewServer(hub, log.With("component", "rtsp").Logger)
		if cfg.Remux.RTSPToRTMPEnabled {
			rtspServer.OnPublish(remuxOnPublish(hub, log, "rtsp", remux.RTSPTarget))
		}
		startListener(ctx, &wg, log, "rtsp", cfg.RTSP.ListenAddr, rtspServer.Serve)
	}

	var pullManager *rtsp.PullManager
	if cfg.RTSP.PullEnabled && len(cfg.RTSP.PullSources) > 0 {
		pullManager = rtsp.NewPullManager(hub, cfg.RTSP.PullSources, log.With("component", "rtsp-pull").Logger)
		hub.SetPullTrigger(pullManager.Trigger)
		defer pullManager.Stop()
		log.Info("rtsp relay-pull enabled", "sources", len(cfg.RTSP.PullSources))
	}

	// gb28181 devices resolve their SSRC against the API server's
	// pre-registration table, so it must exist before the gb28181 server
	// does even when cfg.API has no other consumer.
	apiServer := api.NewServer(hub, log.With("component", "api").Logger, cfg.API.CORSOrigins)

	if cfg.GB28181.Enabled {
		gb28181Cfg := gb28181.Config{
			ListenAddr: cfg.GB28181.ListenAddr,
			DumpToFile: cfg.GB28181.DumpToFile,
			DumpDir:    cfg.GB28181.DumpDir,
		}
		gb28181Server := gb28181.NewServer(gb28181Cfg, hub, apiServer, log.With("component", "gb28181").Logger)
		if cfg.Remux.GB28181ToRTMPEnabled {
			gb28181Server.OnPublish(remuxOnPublish(hub, log, "gb28181", remux.GB28181Target))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer gb28181Server.Shutdown()
			if err := gb28181Server.Serve(ctx); err != nil && ctx.Err() == nil {
				log.Error("gb28181 server stopped with error", "error", err)
				cancel()
			}
		}()
		log.Info("gb28181 ingest enabled", "listen_addr", cfg.GB28181.ListenAddr)
	}

	if cfg.WHIP.Enabled {
		apiServer.SetWHIPHandler(func(ctx context.Context, app, name, offerSDP string) (string, error) {
			return negotiateWHIP(ctx, hub, log, cfg, app, name, offerSDP)
		})
		apiServer.SetWHEPHandler(func(ctx context.Context, app, name, offerSDP string) (string, error) {
			return negotiateWHEP(ctx, hub, log, app, name, offerSDP)
		})
		log.Info("whip/whep signalling enabled")
	}

	if err := apiServer.Start(ctx, cfg.API.ListenAddr); err != nil {
		log.Error("failed to start API server", "error", err)
		cancel()
	} else {
		log.Info("API server listening", "address", cfg.API.ListenAddr)
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx := context.Background()
	if err := apiServer.Stop(stopCtx); err != nil {
		log.Error("error stopping API server", "error", err)
	}

	wg.Wait()
	log.Info("graceful shutdown complete")
}

// startListener resolves addr as a TCP listener and runs serve on it in a
// background goroutine tracked by wg. A listen failure exits the process;
// a non-shutdown error from serve is logged and the process keeps running
// the other servers. This matches the accept-loop-plus-goroutine
// shape every protocol server here already uses internally.
func startListener(ctx context.Context, wg *sync.WaitGroup, log *logger.Logger, name, addr string, serve func(context.Context, net.Listener) error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to listen", "protocol", name, "address", addr, "error", err)
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("ingest listening", "protocol", name, "address", addr)
		if err := serve(ctx, ln); err != nil && ctx.Err() == nil {
			log.Error("server stopped with error", "protocol", name, "error", err)
		}
	}()
}

// remuxOnPublish builds the callback a protocol server's OnPublish hook
// invokes once a stream is first published, spinning up a remuxer that
// republishes it under targetFn's RTMP-facing namespace.
func remuxOnPublish(hub *streamhub.Hub, log *logger.Logger, protocol string, targetFn func(streamhub.Identifier) streamhub.Identifier) func(streamhub.Identifier) {
	return func(source streamhub.Identifier) {
		target := targetFn(source)
		if _, err := remux.New(hub, source, target, log.With("component", "remux", "protocol", protocol).Logger); err != nil {
			log.Warn("failed to start remuxer", "protocol", protocol, "source", source.String(), "target", target.String(), "error", err)
		}
	}
}

func negotiateWHIP(ctx context.Context, hub *streamhub.Hub, log *logger.Logger, cfg *config.Config, app, name, offerSDP string) (string, error) {
	id := streamhub.Identifier{App: app, Name: name}

	sess, err := bridge.NewWHIPSession(ctx, id, hub, log.With("component", "whip", "stream", id.String()).Logger)
	if err != nil {
		return "", fmt.Errorf("create whip session: %w", err)
	}

	answer, err := sess.Negotiate(ctx, offerSDP)
	if err != nil {
		sess.Close()
		return "", fmt.Errorf("negotiate whip offer: %w", err)
	}

	if cfg.Remux.WHIPToRTMPEnabled {
		target := remux.WHIPTarget(id)
		if _, err := remux.New(hub, id, target, log.With("component", "remux", "protocol", "whip").Logger); err != nil {
			log.Warn("failed to start whip remuxer", "source", id.String(), "target", target.String(), "error", err)
		}
	}

	return answer, nil
}

func negotiateWHEP(ctx context.Context, hub *streamhub.Hub, log *logger.Logger, app, name, offerSDP string) (string, error) {
	id := streamhub.Identifier{App: app, Name: name}

	br, err := bridge.NewBridge(ctx, id, hub, log.With("component", "whep", "stream", id.String()).Logger)
	if err != nil {
		return "", fmt.Errorf("create whep bridge: %w", err)
	}

	if err := br.Start(ctx); err != nil {
		br.Close()
		return "", fmt.Errorf("start whep bridge: %w", err)
	}

	answer, err := br.Negotiate(ctx, offerSDP)
	if err != nil {
		br.Close()
		return "", fmt.Errorf("negotiate whep offer: %w", err)
	}

	return answer, nil
}
