package net

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/chainparams"
	"github.com/ledgercore/chain/pkg/consensus"
	"github.com/ledgercore/chain/pkg/crypto"
	"github.com/ledgercore/chain/pkg/wire"
)

// Capability is a peer's advertised transport characteristics,
// exchanged during handshake.
type Capability struct {
	SupportsCompactBlocks bool
	SupportsBloom         bool
	MaxBlockSize          int
	BandwidthCapacity     uint64 // bytes/sec the peer has declared
}

// peerState is the propagation layer's per-peer bookkeeping: which
// inventory it has advertised, which hashes we are fetching from it,
// and a rolling bandwidth counter. It carries no reference back to
// any transport connection object; Transport implementations look
// peers up by PeerID themselves.
type peerState struct {
	id           string
	capability   Capability
	advertised   map[[32]byte]struct{}
	fetching     map[[32]byte]struct{}
	bandwidthUsed uint64 // bytes sent in the current measurement window
	lastReset    time.Time
}

func newPeerState(id string, cap Capability) *peerState {
	return &peerState{
		id:         id,
		capability: cap,
		advertised: make(map[[32]byte]struct{}),
		fetching:   make(map[[32]byte]struct{}),
		lastReset:  time.Now(),
	}
}

// Transport is the send-side the propagation layer rides on top of.
// pkg/net's libp2p-backed Network implements it; tests use an
// in-memory fake. Keeping this as an interface is what let the
// header-first/compact-block logic below be exercised without a real
// libp2p host, by exposing a synchronous contract at the component
// boundary even though the transport itself is asynchronous.
type Transport interface {
	SendHeaders(peerID string, h *Headers) error
	SendCompactBlock(peerID string, cb *CompactBlock) error
	SendBlock(peerID string, bm *BlockMessage) error
	SendGetData(peerID string, gd *wire.GetData) error
	RequestBlock(ctx context.Context, peerID string, hash [32]byte) (*block.Block, error)
	RequestBlockTxn(ctx context.Context, peerID string, req *GetBlockTxn) (*BlockTxn, error)
}

// ChainReader is the read-only chain surface propagation needs: block
// lookup by hash/height and the current tip, so it can decide whether
// an announced header is already known and what an out-of-order
// block's parent would be.
type ChainReader interface {
	HaveBlock(hash [32]byte) bool
	Tip() ([32]byte, uint64)
}

// Acceptor is the callback the propagation layer drives once a full
// block has been fetched and is ready for contextual validation and,
// on success, connecting to the chain. pkg/chain.Chain.AcceptBlock
// satisfies this.
type Acceptor func(b *block.Block, now time.Time) error

// Stats accumulates the propagation layer's counters.
type Stats struct {
	mu                 sync.Mutex
	BlocksPropagated   uint64
	HeadersSent        uint64
	CompactSent        uint64
	FullSent           uint64
	ParallelFetches    uint64
	EarlyRejections    uint64
	totalLatency       time.Duration
	latencySamples     uint64
}

func (s *Stats) recordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalLatency += d
	s.latencySamples++
}

// AveragePropagationLatency returns the mean time between a block's
// header timestamp and its local acceptance, across every block this
// node has propagated or accepted.
func (s *Stats) AveragePropagationLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latencySamples == 0 {
		return 0
	}
	return s.totalLatency / time.Duration(s.latencySamples)
}

// outOfOrderEntry buffers a block whose parent has not yet arrived.
type outOfOrderEntry struct {
	block   *block.Block
	expires time.Time
}

// Config bounds the propagation layer's resource usage.
type PropagationConfig struct {
	MaxParallelFetches  int
	MaxPerPeerInFlight  int
	FetchTimeout        time.Duration
	OutOfOrderTTL       time.Duration
	OutOfOrderMaxItems  int
	BandwidthSaturation float64 // peers above this fraction of declared capacity are skipped (0.9 default)
}

func DefaultPropagationConfig() PropagationConfig {
	return PropagationConfig{
		MaxParallelFetches:  16,
		MaxPerPeerInFlight:  4,
		FetchTimeout:        30 * time.Second,
		OutOfOrderTTL:       2 * time.Minute,
		OutOfOrderMaxItems:  1024,
		BandwidthSaturation: 0.9,
	}
}

// Propagator implements C8: early-validation, header-first
// announcement, compact-block relay, scored parallel fetch scheduling,
// and out-of-order buffering with per-accept rescanning.
type Propagator struct {
	mu     sync.Mutex
	cfg    PropagationConfig
	params *chainparams.Params
	peers  map[string]*peerState

	transport Transport
	chain     ChainReader
	accept    Acceptor
	peerMgr   *Manager

	inFlightGlobal int
	outOfOrder     map[[32]byte]*outOfOrderEntry

	Stats Stats
}

func NewPropagator(cfg PropagationConfig, params *chainparams.Params, transport Transport, chain ChainReader, accept Acceptor, peerMgr *Manager) *Propagator {
	return &Propagator{
		cfg:        cfg,
		params:     params,
		peers:      make(map[string]*peerState),
		transport:  transport,
		chain:      chain,
		accept:     accept,
		peerMgr:    peerMgr,
		outOfOrder: make(map[[32]byte]*outOfOrderEntry),
	}
}

// AddPeer registers a peer's capabilities with the propagation layer.
// Call after the peer manager has admitted and registered the
// connection.
func (p *Propagator) AddPeer(id string, cap Capability) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers[id] = newPeerState(id, cap)
}

// RemovePeer drops a peer's propagation state, freeing any in-flight
// fetch slots it held.
func (p *Propagator) RemovePeer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.peers[id]; ok {
		p.inFlightGlobal -= len(ps.fetching)
		delete(p.peers, id)
	}
}

// AnnounceBlock implements header-first announcement: the block is
// early-validated (dropping it and penalizing sourcePeer on failure,
// sourcePeer == "" for a locally mined block), then its
// header is sent to every connected peer, and its body follows as a
// compact block or a full block depending on each peer's capability.
func (p *Propagator) AnnounceBlock(b *block.Block, sourcePeer string, now time.Time) error {
	if err := consensus.ValidatePhaseA(b, now, p.params); err != nil {
		p.Stats.mu.Lock()
		p.Stats.EarlyRejections++
		p.Stats.mu.Unlock()
		if sourcePeer != "" && p.peerMgr != nil {
			p.peerMgr.Ban(sourcePeer)
		}
		return fmt.Errorf("net: early validation rejected block %x: %w", b.Hash(), err)
	}

	p.mu.Lock()
	targets := make([]*peerState, 0, len(p.peers))
	for id, ps := range p.peers {
		if id == sourcePeer {
			continue
		}
		targets = append(targets, ps)
	}
	p.mu.Unlock()

	headers := &Headers{Headers: []*block.BlockHeader{b.Header}}
	nonce := compactNonce(b)
	compact := buildCompactBlock(b, nonce)
	full := &BlockMessage{Block: b}

	var firstErr error
	for _, ps := range targets {
		if err := p.transport.SendHeaders(ps.id, headers); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.Stats.mu.Lock()
		p.Stats.HeadersSent++
		p.Stats.mu.Unlock()

		if ps.capability.SupportsCompactBlocks {
			if err := p.transport.SendCompactBlock(ps.id, compact); err == nil {
				p.Stats.mu.Lock()
				p.Stats.CompactSent++
				p.Stats.mu.Unlock()
			}
		} else {
			if err := p.transport.SendBlock(ps.id, full); err == nil {
				p.Stats.mu.Lock()
				p.Stats.FullSent++
				p.Stats.mu.Unlock()
			}
		}
	}

	p.Stats.mu.Lock()
	p.Stats.BlocksPropagated++
	p.Stats.mu.Unlock()
	p.Stats.recordLatency(now.Sub(time.Unix(int64(b.Header.Timestamp), 0)))
	return firstErr
}

// compactNonce derives a per-block nonce for short-id key derivation
// from the block's own hash, so the same block always yields the same
// short ids across every peer it is sent to (repeatable, not secret:
// short ids only need to resist accidental collision, not an
// adversary who already has the block).
func compactNonce(b *block.Block) uint64 {
	h := b.Hash()
	return uint64(h[0]) | uint64(h[1])<<8 | uint64(h[2])<<16 | uint64(h[3])<<24 |
		uint64(h[4])<<32 | uint64(h[5])<<40 | uint64(h[6])<<48 | uint64(h[7])<<56
}

// shortIDKeys derives the SipHash-2-4 key pair from hash256(header
// bytes || nonce), per the key-schedule decision in SPEC_FULL.md: the
// first two little-endian uint64s of that hash seed k0 and k1.
func shortIDKeys(h *block.BlockHeader, nonce uint64) (uint64, uint64) {
	w := h.Bytes()
	var nb [8]byte
	for i := 0; i < 8; i++ {
		nb[i] = byte(nonce >> (8 * i))
	}
	seed := append(append([]byte{}, w...), nb[:]...)
	digest := crypto.Hash256(seed)
	k0 := le64(digest[0:8])
	k1 := le64(digest[8:16])
	return k0, k1
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func computeShortID(k0, k1 uint64, txid [32]byte) ShortID {
	full := siphash.Hash(k0, k1, txid[:])
	var id ShortID
	for i := 0; i < 6; i++ {
		id[i] = byte(full >> (8 * i))
	}
	return id
}

// buildCompactBlock constructs the CompactBlock for b: every
// transaction's short id, plus the coinbase prefilled outright since
// it can never already be present in a peer's mempool.
func buildCompactBlock(b *block.Block, nonce uint64) *CompactBlock {
	k0, k1 := shortIDKeys(b.Header, nonce)
	cb := &CompactBlock{
		Header: b.Header,
		Nonce:  nonce,
	}
	for i, tx := range b.Transactions {
		if i == 0 {
			cb.Prefilled = append(cb.Prefilled, PrefilledTx{Index: 0, Tx: tx})
			continue
		}
		cb.ShortIDs = append(cb.ShortIDs, computeShortID(k0, k1, tx.TxID()))
	}
	return cb
}

// ReconstructCompactBlock rebuilds a full block from a received
// CompactBlock using the local mempool's candidate transactions,
// returning the indexes of any short ids that matched no mempool
// entry so the caller can issue a GetBlockTxn for just those.
func ReconstructCompactBlock(cb *CompactBlock, mempoolTxs []*block.Transaction) (*block.Block, []uint32) {
	k0, k1 := shortIDKeys(cb.Header, cb.Nonce)
	byShortID := make(map[ShortID]*block.Transaction, len(mempoolTxs))
	for _, tx := range mempoolTxs {
		byShortID[computeShortID(k0, k1, tx.TxID())] = tx
	}

	total := len(cb.Prefilled) + len(cb.ShortIDs)
	txs := make([]*block.Transaction, total)
	for _, pf := range cb.Prefilled {
		txs[pf.Index] = pf.Tx
	}

	var missing []uint32
	shortIdx := 0
	for i := 0; i < total; i++ {
		if txs[i] != nil {
			continue
		}
		id := cb.ShortIDs[shortIdx]
		shortIdx++
		if tx, ok := byShortID[id]; ok {
			txs[i] = tx
		} else {
			missing = append(missing, uint32(i))
		}
	}

	if len(missing) > 0 {
		return nil, missing
	}
	return &block.Block{Header: cb.Header, Transactions: txs}, nil
}

// FillCompactBlock applies a BlockTxn response to the gaps left by a
// prior ReconstructCompactBlock attempt.
func FillCompactBlock(cb *CompactBlock, mempoolTxs []*block.Transaction, filled *BlockTxn) (*block.Block, error) {
	k0, k1 := shortIDKeys(cb.Header, cb.Nonce)
	byShortID := make(map[ShortID]*block.Transaction, len(mempoolTxs))
	for _, tx := range mempoolTxs {
		byShortID[computeShortID(k0, k1, tx.TxID())] = tx
	}
	total := len(cb.Prefilled) + len(cb.ShortIDs)
	txs := make([]*block.Transaction, total)
	for _, pf := range cb.Prefilled {
		txs[pf.Index] = pf.Tx
	}
	fillIdx := 0
	shortIdx := 0
	for i := 0; i < total; i++ {
		if txs[i] != nil {
			continue
		}
		id := cb.ShortIDs[shortIdx]
		shortIdx++
		if tx, ok := byShortID[id]; ok {
			txs[i] = tx
			continue
		}
		if fillIdx >= len(filled.Transactions) {
			return nil, fmt.Errorf("net: compact block fill missing transaction at index %d", i)
		}
		txs[i] = filled.Transactions[fillIdx]
		fillIdx++
	}
	return &block.Block{Header: cb.Header, Transactions: txs}, nil
}

// fetchCandidate is a scored peer eligible to serve a block fetch.
type fetchCandidate struct {
	id    string
	score float64
}

// selectFetchPeer scores each candidate peer as:
// score = available_bandwidth*0.7 + (1/(1+in_flight))*0.3, filtering
// out any peer already past 90% of its declared bandwidth capacity.
func (p *Propagator) selectFetchPeer() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []fetchCandidate
	for id, ps := range p.peers {
		if len(ps.fetching) >= p.cfg.MaxPerPeerInFlight {
			continue
		}
		if ps.capability.BandwidthCapacity > 0 {
			usedFrac := float64(ps.bandwidthUsed) / float64(ps.capability.BandwidthCapacity)
			if usedFrac > p.cfg.BandwidthSaturation {
				continue
			}
		}
		available := 1.0
		if ps.capability.BandwidthCapacity > 0 {
			available = 1 - float64(ps.bandwidthUsed)/float64(ps.capability.BandwidthCapacity)
		}
		inFlightTerm := 1 / (1 + float64(len(ps.fetching)))
		score := available*0.7 + inFlightTerm*0.3
		candidates = append(candidates, fetchCandidate{id: id, score: score})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates[0].id, true
}

// HandleUnknownHeader is called when a peer announces a header for a
// block this node does not have. It schedules a fetch, subject to the
// global and per-peer parallel-fetch caps.
func (p *Propagator) HandleUnknownHeader(ctx context.Context, hash [32]byte) error {
	if p.chain.HaveBlock(hash) {
		return nil
	}

	p.mu.Lock()
	if p.inFlightGlobal >= p.cfg.MaxParallelFetches {
		p.mu.Unlock()
		return fmt.Errorf("net: global parallel fetch cap reached (%d)", p.cfg.MaxParallelFetches)
	}
	p.mu.Unlock()

	peerID, ok := p.selectFetchPeer()
	if !ok {
		return fmt.Errorf("net: no eligible peer to fetch block %x", hash)
	}

	p.mu.Lock()
	ps := p.peers[peerID]
	if ps == nil {
		p.mu.Unlock()
		return fmt.Errorf("net: peer %s vanished before fetch", peerID)
	}
	ps.fetching[hash] = struct{}{}
	p.inFlightGlobal++
	p.Stats.mu.Lock()
	p.Stats.ParallelFetches++
	p.Stats.mu.Unlock()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(ps.fetching, hash)
		p.inFlightGlobal--
		p.mu.Unlock()
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	b, err := p.transport.RequestBlock(fetchCtx, peerID, hash)
	if err != nil {
		if p.peerMgr != nil {
			p.peerMgr.RecordExchange(peerID, false, 0)
		}
		return fmt.Errorf("net: fetch of block %x from %s failed: %w", hash, peerID, err)
	}
	if p.peerMgr != nil {
		p.peerMgr.RecordExchange(peerID, true, 0)
	}

	return p.processFetchedBlock(b, time.Now())
}

// HandleReceivedBlock feeds a full block the transport delivered
// unsolicited (sent by a peer as a BlockMessage rather than fetched in
// response to HandleUnknownHeader) through the same accept-or-buffer
// path a fetched block takes.
func (p *Propagator) HandleReceivedBlock(b *block.Block, now time.Time) error {
	return p.processFetchedBlock(b, now)
}

// processFetchedBlock runs the acceptor and, on success, rescans the
// out-of-order buffer for any block whose parent this acceptance just
// supplied: every accepted block triggers a rescan so a chain of
// buffered out-of-order blocks connects in one pass.
func (p *Propagator) processFetchedBlock(b *block.Block, now time.Time) error {
	if err := p.accept(b, now); err != nil {
		if ve, ok := consensus.AsValidationError(err); ok && ve.Code == consensus.UnknownParent {
			p.bufferOutOfOrder(b, now)
			return nil
		}
		return err
	}
	p.rescanOutOfOrder(now)
	return nil
}

func (p *Propagator) bufferOutOfOrder(b *block.Block, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outOfOrder) >= p.cfg.OutOfOrderMaxItems {
		p.evictExpiredLocked(now)
	}
	if len(p.outOfOrder) >= p.cfg.OutOfOrderMaxItems {
		return // still full after eviction; drop silently, the buffer stays bounded
	}
	p.outOfOrder[b.Hash()] = &outOfOrderEntry{block: b, expires: now.Add(p.cfg.OutOfOrderTTL)}
}

func (p *Propagator) evictExpiredLocked(now time.Time) {
	for h, e := range p.outOfOrder {
		if now.After(e.expires) {
			delete(p.outOfOrder, h)
		}
	}
}

// rescanOutOfOrder re-attempts every buffered block after a new
// acceptance; it loops until a full pass adds nothing, so a chain of
// several buffered blocks (H+1, H+2, H+3) all connect once H+1
// arrives.
func (p *Propagator) rescanOutOfOrder(now time.Time) {
	for {
		p.mu.Lock()
		p.evictExpiredLocked(now)
		var candidate *block.Block
		for h, e := range p.outOfOrder {
			if p.chain.HaveBlock(e.block.Header.PrevHash) {
				candidate = e.block
				delete(p.outOfOrder, h)
				break
			}
		}
		p.mu.Unlock()
		if candidate == nil {
			return
		}
		if err := p.accept(candidate, now); err != nil {
			continue
		}
	}
}
