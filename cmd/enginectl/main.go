// Command enginectl boots an integration engine node: it loads
// configuration, builds the composition root, deploys every configured
// channel, serves the control API, and shuts down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hcengine/integration-engine/internal/app"
	"github.com/hcengine/integration-engine/internal/config"
	"github.com/hcengine/integration-engine/internal/controlapi"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	redisAddr := flag.String("redis-addr", "", "Redis address (overrides config/env)")
	serverID := flag.String("server-id", "", "this node's cluster server id (overrides config/env)")
	channelDir := flag.String("channels", "", "directory of channel definition files (overrides config/env)")
	listenAddr := flag.String("addr", "", "control API listen address (overrides config/env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyFlagOverrides(cfg, *dsn, *redisAddr, *serverID, *channelDir, *listenAddr)

	rootCtx := context.Background()

	application, err := app.New(rootCtx, cfg)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	channels, err := config.LoadChannels(cfg.Engine.ChannelConfigDir)
	if err != nil {
		log.Fatalf("load channel definitions: %v", err)
	}
	for _, ch := range channels {
		if err := application.DeployChannel(rootCtx, ch); err != nil {
			log.Fatalf("deploy channel %s: %v", ch.ID, err)
		}
	}
	if errs := application.Engine.StartAll(rootCtx); len(errs) > 0 {
		for id, err := range errs {
			log.Printf("start channel %s: %v", id, err)
		}
	}

	server := controlapi.New(application.Engine, application.Metrics, application.Log.With("component", "controlapi"))
	httpServer := &http.Server{
		Addr:    cfg.ControlAPI.ListenAddress,
		Handler: server.Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control api listen: %v", err)
		}
	}()
	log.Printf("integration engine node %s listening on %s", cfg.Cluster.ServerID, cfg.ControlAPI.ListenAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("control api shutdown: %v", err)
	}
	if errs := application.Engine.StopAll(shutdownCtx); len(errs) > 0 {
		for id, err := range errs {
			log.Printf("stop channel %s: %v", id, err)
		}
	}
}

func applyFlagOverrides(cfg *config.Config, dsn, redisAddr, serverID, channelDir, listenAddr string) {
	if v := strings.TrimSpace(dsn); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(redisAddr); v != "" {
		cfg.Redis.Address = v
	}
	if v := strings.TrimSpace(serverID); v != "" {
		cfg.Cluster.ServerID = v
	}
	if v := strings.TrimSpace(channelDir); v != "" {
		cfg.Engine.ChannelConfigDir = v
	}
	if v := strings.TrimSpace(listenAddr); v != "" {
		cfg.ControlAPI.ListenAddress = v
	}
}
