package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/localproxy/localproxy/internal/config"
	"github.com/localproxy/localproxy/internal/control"
	"github.com/localproxy/localproxy/internal/discover"
	"github.com/localproxy/localproxy/internal/proxy"
	"github.com/localproxy/localproxy/internal/rebind"
	"github.com/localproxy/localproxy/internal/resolver"
	"github.com/localproxy/localproxy/internal/store"
	"github.com/localproxy/localproxy/internal/upstream"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"model", cfg.Model,
		"cache_file", cfg.CacheFile,
		"debug_host", cfg.DebugHost,
	)

	// --- MappingStore ---
	mappingStore := store.New(cfg.CacheFile)
	if err := mappingStore.Load(); err != nil {
		log.Error("failed to load mapping store", "error", err)
		os.Exit(1)
	}

	// --- Discovery caches ---
	processCache := discover.NewProcessCache(discover.NewGopsutilProcessProber(), cfg.ProcessSnapshotTTL, cfg.ProbeTimeout)
	containerProber := discover.NewDockerContainerProber(log)
	containerCache := discover.NewContainerCache(containerProber, cfg.ProcessSnapshotTTL, cfg.ProbeTimeout, cfg.OwnProject)

	// --- Resolver stack ---
	gateway := resolver.NewGateway(cfg.APIURL, cfg.APIKey, cfg.Model, cfg.LLMTimeout)
	singleflightResolver := resolver.New(gateway, mappingStore, log)

	// --- Address building ---
	rebinder := rebind.New()
	addressBuilder := upstream.New(rebinder, processCache, containerProber, log)

	// --- Inventory, dispatcher, control plane ---
	inventory := proxy.NewInventory(processCache, containerCache, log)
	controlPlane := control.New(mappingStore, processCache, containerCache, control.Environment{
		Model:           cfg.Model,
		CacheFile:       cfg.CacheFile,
		APIURL:          cfg.APIURL,
		HasAPIKey:       cfg.APIKey != "",
		OwnProject:      cfg.OwnProject,
		DebugHost:       cfg.DebugHost,
		AdmissionSuffix: cfg.AdmissionSuffix,
	}, log)
	forwarder := proxy.NewForwarder(log)
	dispatcher := proxy.New(mappingStore, singleflightResolver, addressBuilder, inventory, controlPlane, forwarder, cfg.DebugHost, cfg.AdmissionSuffix, log)

	// --- Startup ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("received shutdown signal")
		cancel()
	}()

	go func() {
		invalidator := discover.NewEventInvalidator(containerProber, containerCache.Invalidate)
		if err := invalidator.Run(ctx); err != nil {
			log.Warn("container event invalidator stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: dispatcher,
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	log.Info("proxy listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("proxy server failed", "error", err)
		os.Exit(1)
	}
}
