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

	"github.com/b-vibesonly/btc-solo-pool/internal/config"
	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/journal"
	"github.com/b-vibesonly/btc-solo-pool/internal/metrics"
	"github.com/b-vibesonly/btc-solo-pool/internal/stats"
	"github.com/b-vibesonly/btc-solo-pool/internal/stratum"
	"github.com/b-vibesonly/btc-solo-pool/internal/walletaddr"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	netParams, err := cfg.NetworkParams()
	if err != nil {
		log.Fatalf("network: %v", err)
	}
	destScript, err := walletaddr.ScriptForAddress(cfg.PoolAddress, netParams)
	if err != nil {
		log.Fatalf("pool_address: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	journalStore, err := journal.Open(ctx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		log.Fatalf("init journal: %v", err)
	}
	if journalStore != nil {
		defer journalStore.Close()
	} else {
		log.Println("WARNING: running without postgres_dsn - found blocks and accepted shares will not be journaled")
	}

	prom, err := metrics.NewPromRecorder("stratumd")
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsListen)
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	rpcClient, err := job.NewRPCClient(cfg.NodeRPCURL, cfg.NodeRPCTimeout)
	if err != nil {
		log.Fatalf("init node rpc client: %v", err)
	}

	builder := &job.Builder{
		Message:         []byte(cfg.CoinbaseMessage),
		DestScript:      destScript,
		Extranonce1Size: cfg.Extranonce1Size,
		Extranonce2Size: cfg.Extranonce2Size,
	}

	statsStore := stats.NewStore(time.Now())

	srv := stratum.NewServer(cfg, builder, rpcClient, rpcClient.SubmitBlock, prom, statsStore, journalStore)
	if err := srv.Start(); err != nil {
		log.Fatalf("start stratum server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received, stopping...")

	if err := srv.Stop(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
