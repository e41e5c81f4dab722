package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"disttx/internal/config"
	"disttx/internal/coordinator"
	"disttx/internal/logger"
	"disttx/internal/metrics"
	"disttx/internal/node"
	"disttx/internal/participant"
	"disttx/internal/storage"
)

var (
	configPath  = flag.String("config", "", "config file path")
	nodeID      = flag.String("node-id", "", "node id")
	listenAddr  = flag.String("listen", "", "grpc listen address")
	peers       = flag.String("peers", "", "cluster peers, id1=addr1,id2=addr2")
	role        = flag.String("role", "", "coordinator, participant or both")
	dataDir     = flag.String("data-dir", "", "coordinator leveldb directory, empty keeps records in memory")
	metricsAddr = flag.String("metrics-addr", "", "prometheus listen address")
	logLevel    = flag.String("loglevel", "", "log level")
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *peers != "" {
		if err := cfg.ApplyPeers(*peers); err != nil {
			return nil, err
		}
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		os.Stderr.WriteString("invalid config: " + err.Error() + "\n")
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log, cfg.NodeID)
	if err != nil {
		os.Stderr.WriteString("init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var persist storage.Store
	if cfg.DataDir != "" {
		level, err := storage.OpenLevelStore(cfg.DataDir)
		if err != nil {
			log.Fatal("open data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
		}
		defer level.Close()
		persist = level
	}

	n, err := node.NewNode(node.Options{
		NodeID:     cfg.NodeID,
		ListenAddr: cfg.ListenAddr,
		Role:       node.Role(cfg.Role),
		Nodes:      cfg.BuildRingNodes(),
		VNodes:     cfg.VNodes,
		Coordinator: coordinator.Config{
			Zone:           cfg.Zone,
			CacheMaxSize:   cfg.Coordinator.CacheMaxSize,
			CacheIdle:      cfg.Coordinator.CacheIdle,
			DefaultTimeout: cfg.Coordinator.DefaultTimeout,
		},
		CoordinatorTick: cfg.Coordinator.TickInterval,
		Participant: participant.Config{
			Key:          cfg.Participant.Key,
			ResolveRate:  cfg.Participant.ResolveRate,
			ResolveBurst: cfg.Participant.ResolveBurst,
		},
		ParticipantTick: cfg.Participant.TickInterval,
		RPCTimeout:      cfg.RPCTimeout,
		Persist:         persist,
		Logger:          log,
		Metrics:         m,
	})
	if err != nil {
		log.Fatal("create node", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		n.Stop()
	}()

	log.Info("txnode started",
		zap.String("listen", cfg.ListenAddr),
		zap.String("role", cfg.Role),
		zap.Int("peers", len(cfg.Peers)))
	if err := n.Start(); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
	// Serve returns once GracefulStop finishes; wait for the ledger snapshot before closing storage.
	n.Stop()
	log.Info("txnode stopped")
}
