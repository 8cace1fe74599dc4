package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/consensus"
	"github.com/automateyournetwork/neighbourd/internal/executor"
	"github.com/automateyournetwork/neighbourd/internal/gossip"
	"github.com/automateyournetwork/neighbourd/internal/safety"
	"github.com/automateyournetwork/neighbourd/internal/transport"
	"github.com/automateyournetwork/neighbourd/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var basePath string
	flag.StringVar(&basePath, "prefix", "", "Config file base path")
	flag.Parse()

	cfg, err := config.LoadMainConfig(basePath)
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	logx := utils.NewManager(cfg.LogPath)
	defer logx.Sync()

	constraints := safety.NewConstraints(cfg.Safety, logx.Logger("safety"))

	httpTransport := transport.NewHTTPTransport(cfg.WebPath, cfg.GlobalSecret, logx.Logger("transport"))
	proto := gossip.NewProtocol(cfg.NodeID, httpTransport, cfg.Gossip, logx.Logger("gossip"))
	httpTransport.Bind(proto)
	for _, p := range cfg.Peers {
		proto.RegisterPeer(p.ID, p.Address, p.Port)
	}

	engine := consensus.NewEngine(proto, cfg.Consensus, cfg.Safety, logx.Logger("consensus"))

	exec := executor.New(constraints, cfg.Executor, logx.Logger("executor"),
		executor.WithConsensus(engine, cfg.Consensus.RequiredVotes))
	state := executor.NewNetworkState()
	executor.RegisterBuiltinHandlers(exec, state,
		time.Duration(cfg.Executor.DiagnosticTimeoutSeconds)*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gossipDone := make(chan struct{})
	go func() {
		proto.Start(ctx)
		close(gossipDone)
	}()

	// The consensus engine has no internal ticker; drive expiry sweeps here.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				engine.CleanupExpired()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WebPath+"/gossip", httpTransport.HandleGossip)
	mux.HandleFunc(cfg.WebPath+"/health_check", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "ok\nnode=%s\ntime=%s\npeers=%d\nactive_proposals=%d\n",
			cfg.NodeID, time.Now().Format(time.RFC3339), len(proto.Peers()), engine.ActiveCount())
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("agent %s listening on :%s ...", cfg.NodeID, cfg.Port)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-stop:
		log.Println("Stopping agent...")
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancel()

	// Let the gossip loop drain in-flight forwards before exiting.
	select {
	case <-gossipDone:
	case <-time.After(10 * time.Second):
		log.Println("gossip drain timed out")
	}

	log.Println("Agent stopped")
}
