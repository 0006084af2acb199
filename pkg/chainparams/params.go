// Package chainparams holds the per-network constants that the difficulty
// engine, chain state, and validation pipeline all need to agree on.
package chainparams

import "time"

// Network identifies which constant set a node operates under.
type Network int

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return "unknown"
	}
}

// Params bundles every network-parameterized consensus constant.
type Params struct {
	Network Network

	// Difficulty engine.
	TargetBlockTime    time.Duration
	AdjustmentInterval uint64
	DampeningFactor    int64
	MinTarget          [32]byte // maximum difficulty (smallest threshold)
	MaxTarget          [32]byte // minimum difficulty (largest threshold)

	// Validation pipeline.
	MaxBlockSize     int
	CoinbaseMaturity uint64

	// Chain state.
	GenesisTimestamp      uint64
	SubsidyHalvingInterval uint64
	InitialSubsidy        uint64

	// Mempool.
	MinFeeRate uint64 // base units per byte

	// UTXO set.
	UTXOCacheCapacity int

	// Peer manager.
	MaxPeersPerSubnet int
	MaxPeersPerASN    int
	MaxPeersPerRegion int
	MaxInbound        int
	MaxOutbound       int
}

// fullTarget returns a 32-byte big-endian threshold whose first
// leadingZeroBytes bytes are zero and whose remaining bytes are 0xff.
func fullTarget(leadingZeroBytes int) [32]byte {
	var t [32]byte
	for i := leadingZeroBytes; i < 32; i++ {
		t[i] = 0xff
	}
	return t
}

// MainnetParams are the production constants: a 150s block time on a
// 2016-block adjustment interval, matching the documented target
// rather than the faster cadence used for local development.
func MainnetParams() *Params {
	return &Params{
		Network:                Mainnet,
		TargetBlockTime:        150 * time.Second,
		AdjustmentInterval:     2016,
		DampeningFactor:        4,
		MinTarget:              fullTarget(4),  // hardest allowed
		MaxTarget:              fullTarget(1),  // easiest allowed
		MaxBlockSize:           4 * 1024 * 1024,
		CoinbaseMaturity:       100,
		GenesisTimestamp:       1231006505,
		SubsidyHalvingInterval: 210000,
		InitialSubsidy:         50 * 100_000_000,
		MinFeeRate:             1,
		UTXOCacheCapacity:      100_000,
		MaxPeersPerSubnet:      3,
		MaxPeersPerASN:         8,
		MaxPeersPerRegion:      32,
		MaxInbound:             115,
		MaxOutbound:            8,
	}
}

// TestnetParams mirror mainnet's consensus constants but a distinct
// genesis so the two chains never interoperate.
func TestnetParams() *Params {
	p := MainnetParams()
	p.Network = Testnet
	p.GenesisTimestamp = 1296688602
	return p
}

// RegtestParams use a fast profile for local testing and development,
// matching the prior implementation's DefaultConsensusConfig cadence rather than the
// production 150s/2016 pair.
func RegtestParams() *Params {
	return &Params{
		Network:                Regtest,
		TargetBlockTime:        1 * time.Second,
		AdjustmentInterval:     8,
		DampeningFactor:        4,
		MinTarget:              fullTarget(2),
		MaxTarget:              fullTarget(1),
		MaxBlockSize:           4 * 1024 * 1024,
		CoinbaseMaturity:       10,
		GenesisTimestamp:       1231006505,
		SubsidyHalvingInterval: 150,
		InitialSubsidy:         50 * 100_000_000,
		MinFeeRate:             0,
		UTXOCacheCapacity:      1000,
		MaxPeersPerSubnet:      100,
		MaxPeersPerASN:         100,
		MaxPeersPerRegion:      100,
		MaxInbound:             100,
		MaxOutbound:            100,
	}
}

// ForNetwork resolves params by name, as read from viper configuration.
func ForNetwork(name string) *Params {
	switch name {
	case "testnet":
		return TestnetParams()
	case "regtest":
		return RegtestParams()
	default:
		return MainnetParams()
	}
}

// Subsidy returns the block reward at the given height under halving.
func (p *Params) Subsidy(height uint64) uint64 {
	halvings := height / p.SubsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return p.InitialSubsidy >> halvings
}
