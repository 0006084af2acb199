// Package main wires the consensus core (chain, mempool, miner,
// propagation) into a runnable node. Adapted from the prior
// implementation's cmd/gochain/main.go, whose cobra root command plus
// viper-backed loadConfig/setupLogger shape this file keeps, with the
// wallet/send/balance/info subcommands dropped (thin shells over the
// core, out of scope here) and the hand-rolled
// pkg/logger + protobuf gossip envelope replaced by zerolog and the
// pkg/net/pkg/wire framed stream protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chain"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/mempool"
	"github.com/ledgercore/chain/pkg/miner"
	netpkg "github.com/ledgercore/chain/pkg/net"
	"github.com/ledgercore/chain/pkg/parallel"
	"github.com/ledgercore/chain/pkg/storage"
	"github.com/ledgercore/chain/pkg/utxo"
)

var (
	configFile string
	port       int
	mining     bool
	network    string
	dataDirFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gochain",
		Short: "gochain - a proof-of-work node with post-quantum signatures",
		Long: `gochain runs the consensus core: block and transaction validation,
a cached UTXO set, manipulation-resistant difficulty adjustment, and
header-first P2P block propagation.`,
		RunE: runNode,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "network port (0 for random)")
	rootCmd.PersistentFlags().BoolVar(&mining, "mining", false, "enable mining")
	rootCmd.PersistentFlags().StringVar(&network, "network", "mainnet", "network (mainnet, testnet, regtest)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "datadir", "", "data directory (default ./data)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads config.yaml (or --config) via viper, tolerating a
// missing file since every setting also has a flag or a built-in
// default.
func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

// setupLogger builds the node's base zerolog.Logger from
// logging.level/logging.format in config, defaulting to a colored
// console writer at info level.
func setupLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(viper.GetString("logging.level")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	var base zerolog.Logger
	if strings.ToLower(viper.GetString("logging.format")) == "json" {
		base = zerolog.New(os.Stdout)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return base.Level(level).With().Timestamp().Str("component", "node").Logger()
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger()
	log.Info().Str("network", network).Int("port", port).Bool("mining", mining).Msg("starting node")

	params := chainparams.ForNetwork(network)

	dataDir := dataDirFlag
	if dataDir == "" {
		dataDir = viper.GetString("storage.data_dir")
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	backend := storage.BackendBadger
	if strings.ToLower(viper.GetString("storage.db_type")) == "leveldb" {
		backend = storage.BackendLevelDB
	}
	store, err := storage.Open(backend, filepath.Join(dataDir, "chainstate"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	utxoSet, err := utxo.NewSet(utxo.Config{
		CacheCapacity:  params.UTXOCacheCapacity,
		StorePath:      filepath.Join(dataDir, "utxo.db"),
		SpentRetention: 2 * params.CoinbaseMaturity,
	})
	if err != nil {
		return fmt.Errorf("failed to open utxo set: %w", err)
	}
	defer utxoSet.Close()

	engine := consensus.NewEngine(params)
	engine.SetLogger(log.With().Str("component", "consensus").Logger())

	pool := mempool.New(mempool.Config{
		MaxBytes:   300 * 1024 * 1024,
		MaxTxBytes: params.MaxBlockSize / 4,
	}, params)

	chainLog := log.With().Str("component", "chain").Logger()
	ledger, err := chain.New(chain.Config{
		Params:  params,
		Storage: store,
		UTXOSet: utxoSet,
		Engine:  engine,
		Mempool: pool,
		Logger:  &chainLog,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chain: %w", err)
	}
	defer ledger.Close()

	netCfg := netpkg.DefaultNetworkConfig()
	netCfg.ListenPort = port
	netCfg.EnableMDNS = viper.GetBool("network.mdns")
	if maxPeers := viper.GetInt("network.max_peers"); maxPeers > 0 {
		netCfg.MaxPeers = maxPeers
	}
	for _, addr := range viper.GetStringSlice("network.bootstrap_peers") {
		netCfg.BootstrapPeers = append(netCfg.BootstrapPeers, addr)
	}

	peerMgrCfg := netpkg.DefaultConfig()
	peerMgrCfg.MaxPeersPerSubnet = params.MaxPeersPerSubnet
	peerMgrCfg.MaxPeersPerASN = params.MaxPeersPerASN
	peerMgrCfg.MaxPeersPerRegion = params.MaxPeersPerRegion
	peerMgrCfg.MaxInbound = params.MaxInbound
	peerMgrCfg.MaxOutbound = params.MaxOutbound
	peerMgr := netpkg.NewManager(peerMgrCfg)
	peerMgr.AttachStore(store)
	if addressBook, err := peerMgr.LoadAddressBook(); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted address book")
	} else if len(addressBook) > 0 {
		log.Info().Int("count", len(addressBook)).Msg("loaded persisted address book")
		for _, r := range addressBook {
			netCfg.BootstrapPeers = append(netCfg.BootstrapPeers, r.Address)
		}
	}

	transport, err := netpkg.NewNetwork(netCfg)
	if err != nil {
		return fmt.Errorf("failed to start network: %w", err)
	}
	defer transport.Close()

	propagator := netpkg.NewPropagator(netpkg.DefaultPropagationConfig(), params, transport, ledger, ledger.AcceptBlock, peerMgr)

	validator := parallel.NewPool(parallel.DefaultConfig())
	defer validator.Close()

	nh := &nodeHandler{
		chain:     ledger,
		pool:      pool,
		prop:      propagator,
		transport: transport,
		validator: validator,
		params:    params,
		log:       log.With().Str("component", "net").Logger(),
	}
	transport.SetHandler(nh)
	transport.SetPeerManager(peerMgr)
	transport.SetPropagator(propagator)

	if err := transport.SubscribeToTransactions(nh.onGossipTx); err != nil {
		return fmt.Errorf("failed to subscribe to transaction relay: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var blockMiner *miner.Miner
	if mining {
		minerCfg := miner.DefaultConfig()
		minerCfg.MaxBlockBytes = uint64(params.MaxBlockSize)
		minerCfg.CoinbaseScript = []byte("gochain-miner")
		blockMiner = miner.New(ledger, pool, params, minerCfg)
		blockMiner.SetOnBlockMined(func(b *block.Block) {
			log.Info().Uint64("height", b.Header.Height).Hex("hash", hashSlice(b.Hash())).Msg("mined block")
			if err := propagator.AnnounceBlock(b, "", time.Now()); err != nil {
				log.Warn().Err(err).Msg("failed to announce mined block")
			}
		})
		if err := blockMiner.Start(); err != nil {
			return fmt.Errorf("failed to start mining: %w", err)
		}
		defer blockMiner.Close()
		log.Info().Msg("mining started")
	}

	go statusLoop(ctx, ledger, transport, pool, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	if blockMiner != nil {
		blockMiner.Stop()
	}
	log.Info().Msg("node stopped")
	return nil
}

// statusLoop logs a periodic one-line summary of chain height, tip
// hash, peer count, and mempool size, in the idiom of the prior
// implementation's 30-second status ticker.
func statusLoop(ctx context.Context, ledger *chain.Chain, transport *netpkg.Network, pool *mempool.Mempool, log zerolog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tip, height := ledger.Tip()
			log.Info().
				Uint64("height", height).
				Hex("tip", hashSlice(tip)).
				Int("peers", transport.GetPeerCount()).
				Int("mempool", pool.Count()).
				Msg("status")
		}
	}
}

func hashSlice(h [32]byte) []byte { return h[:] }
