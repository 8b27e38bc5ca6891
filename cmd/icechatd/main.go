// Package main provides the icechatd daemon - a minimal P2P chat core,
// exposing its public API and event feed for an external UI process to
// drive. Flag parsing here is deliberately thin; a real CLI wrapper is
// out of scope (see spec Non-goals).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/icechat/core/internal/config"
	"github.com/icechat/core/internal/hub"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/notify"
	"github.com/icechat/core/internal/store"
	"github.com/icechat/core/internal/transport"
	"github.com/icechat/core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.icechat", "Data directory")
		listenAddr  = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		notifyAddr  = flag.String("notify", "", "Local event feed address, overrides config")
		enableMDNS  = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT   = flag.Bool("dht", true, "Enable DHT discovery")
		bootstrap   = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("icechatd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	cfg.Storage.DataDir = *dataDir

	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	cfg.Logging.Level = *logLevel
	if *notifyAddr != "" {
		cfg.Notify.Addr = *notifyAddr
	}
	if *bootstrap != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrap)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)

	id, err := identity.LoadOrGenerate(cfg.KeyFilePath())
	if err != nil {
		log.Fatal("failed to load/create identity", "error", err)
	}
	log.Info("identity loaded", "cert", id.Cert().Hex())

	st, err := store.Open(cfg.DBFilePath())
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer st.Close()
	if err := st.EnsureLocal(id.Cert(), nil); err != nil {
		log.Fatal("failed to initialize local identity row", "error", err)
	}
	log.Info("store opened", "path", cfg.DBFilePath())

	tr, err := transport.New(ctx, &cfg.Network, filepath.Join(dataPath, "libp2p.key"))
	if err != nil {
		log.Fatal("failed to start transport", "error", err)
	}
	defer tr.Close()
	log.Info("transport started", "peer_id", tr.PeerID())

	h := hub.New(st, id, tr, &cfg.Identity)

	var notifyServer *notify.Server
	if cfg.Notify.Enabled {
		notifyServer = notify.New(cfg.Notify.Addr)
		notifyServer.WatchHub(h)
		go func() {
			if err := notifyServer.Run(ctx); err != nil {
				log.Warn("notify server stopped", "error", err)
			}
		}()
		log.Info("event feed listening", "addr", cfg.Notify.Addr)
	}

	go h.Run(ctx)

	printBanner(log, id, tr, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()
	log.Info("goodbye!")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func printBanner(log *logging.Logger, id *identity.Identity, tr *transport.Transport, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  icechat core (%s)", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Cert:    %s", id.Cert().Hex())
	log.Infof("  Peer ID: %s", tr.PeerID())
	log.Info("")
	log.Infof("  mDNS: %v | DHT: %v", cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	if cfg.Notify.Enabled {
		log.Infof("  Event feed: ws://%s/events", cfg.Notify.Addr)
	}
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
