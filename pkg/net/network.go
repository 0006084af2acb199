package net

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	p2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	multiaddr "github.com/multiformats/go-multiaddr"

	"github.com/ledgercore/chain/pkg/block"
	"github.com/ledgercore/chain/pkg/wire"
)

// protocolID is the single stream protocol every message kind in
// pkg/wire/pkg/net travels over: one frame in, at most one frame out,
// then the stream closes. Request/response pairs (GetData/Block,
// GetBlockTxn/BlockTxn) use a fresh stream per request rather than a
// long-lived session, trading a connect round trip for not having to
// track request IDs.
const protocolID = "/ledgercore/block-relay/1.0.0"

// rendezvous is the DHT/mdns discovery tag peers advertise under.
const rendezvous = "ledgercore-chain"

const maxFrameSize = 32 << 20 // bounds a single inbound frame

// Handler is the inbound message sink a Network delivers parsed
// messages to. cmd/gochain wires a concrete implementation that feeds
// headers and blocks into the Propagator and answers block/txn lookups
// from the chain and mempool.
type Handler interface {
	OnHeaders(peerID string, h *Headers)
	OnCompactBlock(peerID string, cb *CompactBlock)
	OnBlock(peerID string, bm *BlockMessage)
	OnTx(peerID string, tm *TxMessage)
	LookupBlock(hash [32]byte) (*BlockMessage, bool)
	LookupBlockTxn(req *GetBlockTxn) (*BlockTxn, bool)
}

// PeerInfo holds information about a connected peer.
type PeerInfo struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	Inbound   bool
	Connected time.Time
	LastSeen  time.Time
}

// NetworkConfig configures the libp2p transport.
type NetworkConfig struct {
	ListenPort        int
	BootstrapPeers    []string
	EnableMDNS        bool
	MaxPeers          int
	ConnectionTimeout time.Duration
}

// DefaultNetworkConfig returns sensible defaults for a single node.
func DefaultNetworkConfig() *NetworkConfig {
	return &NetworkConfig{
		ListenPort:        0,
		BootstrapPeers:    []string{},
		EnableMDNS:        true,
		MaxPeers:          50,
		ConnectionTimeout: 30 * time.Second,
	}
}

// Network is the libp2p-backed Transport implementation: a single
// framed stream protocol for header-first/compact-block relay and
// request/response block fetch, plus a gossipsub topic for flooding
// mempool transaction relay unsolicited to all peers, which a
// targeted stream would serve poorly.
type Network struct {
	mu    sync.RWMutex
	host  host.Host
	dht   *dht.IpfsDHT
	pubsub *pubsub.PubSub
	peers map[peer.ID]*PeerInfo

	bootstrapPeers []multiaddr.Multiaddr
	cfg            *NetworkConfig
	ctx            context.Context
	cancel         context.CancelFunc

	handler Handler
	peerMgr *Manager
	prop    *Propagator

	txTopic *pubsub.Topic
}

// NewNetwork starts a libp2p host, DHT, and gossipsub instance and
// installs the block-relay stream handler.
func NewNetwork(cfg *NetworkConfig) (*Network, error) {
	ctx, cancel := context.WithCancel(context.Background())

	priv, _, err := p2pcrypto.GenerateKeyPairWithReader(p2pcrypto.Ed25519, 2048, cryptorand.Reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("net: generate key pair: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", cfg.ListenPort),
		),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(websocket.New),
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("net: create host: %w", err)
	}

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeServer))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("net: create dht: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSigning(true))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("net: create pubsub: %w", err)
	}

	var bootstrap []multiaddr.Multiaddr
	for _, addr := range cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			continue
		}
		bootstrap = append(bootstrap, ma)
	}

	n := &Network{
		host:           h,
		dht:            kad,
		pubsub:         ps,
		peers:          make(map[peer.ID]*PeerInfo),
		bootstrapPeers: bootstrap,
		cfg:            cfg,
		ctx:            ctx,
		cancel:         cancel,
	}

	h.SetStreamHandler(protocolID, n.handleStream)
	h.Network().Notify(n)

	if err := n.startDiscovery(); err != nil {
		cancel()
		return nil, fmt.Errorf("net: start discovery: %w", err)
	}
	go n.connectToBootstrapPeers()

	topic, err := ps.Join("ledgercore-tx-relay")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("net: join tx relay topic: %w", err)
	}
	n.txTopic = topic

	return n, nil
}

// SetHandler installs the inbound message sink. Must be called before
// traffic is expected; messages received before a handler is set are
// silently dropped.
func (n *Network) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// SetPeerManager wires the diversity/scoring/ban layer so connection
// and disconnection events update it automatically.
func (n *Network) SetPeerManager(m *Manager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peerMgr = m
}

// SetPropagator wires the propagation layer so connection and
// disconnection events register and deregister peers with it.
func (n *Network) SetPropagator(p *Propagator) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prop = p
}

func (n *Network) startDiscovery() error {
	if n.cfg.EnableMDNS {
		mdns.NewMdnsService(n.host, rendezvous, mdnsNotifee{n})
	}

	disc := routing.NewRoutingDiscovery(n.dht)
	if _, err := disc.Advertise(n.ctx, rendezvous); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	go n.discoverPeers(disc)
	return nil
}

func (n *Network) discoverPeers(disc *routing.RoutingDiscovery) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := disc.FindPeers(n.ctx, rendezvous)
			if err != nil {
				continue
			}
			for pi := range peerChan {
				if pi.ID == n.host.ID() {
					continue
				}
				go n.connectToPeer(pi)
			}
		}
	}
}

func (n *Network) connectToPeer(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ConnectionTimeout)
	defer cancel()

	addrIP := extractIP(pi.Addrs)
	if n.peerMgr != nil {
		if err := n.peerMgr.Admit(addrIP, "", "", false); err != nil {
			return
		}
	}

	err := n.host.Connect(ctx, pi)
	if n.peerMgr != nil {
		n.peerMgr.RecordConnectOutcome(pi.ID.String(), err == nil)
	}
	if err != nil {
		return
	}
}

func (n *Network) connectToBootstrapPeers() {
	for _, addr := range n.bootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		go n.connectToPeer(*pi)
	}
}

func extractIP(addrs []multiaddr.Multiaddr) string {
	for _, a := range addrs {
		if v, err := a.ValueForProtocol(multiaddr.P_IP4); err == nil {
			return v
		}
		if v, err := a.ValueForProtocol(multiaddr.P_IP6); err == nil {
			return v
		}
	}
	return ""
}

// --- framed stream I/O ---

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("net: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (n *Network) handleStream(s p2pnetwork.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()

	body, err := readFrame(s)
	if err != nil {
		return
	}
	kind, payload, err := wire.Unframe(body)
	if err != nil {
		return
	}

	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h == nil {
		return
	}

	switch kind {
	case wire.KindHeaders:
		if hdrs, err := DecodeHeaders(payload); err == nil {
			h.OnHeaders(remote, hdrs)
		}
	case wire.KindCompactBlock:
		if cb, err := DecodeCompactBlock(payload); err == nil {
			h.OnCompactBlock(remote, cb)
		}
	case wire.KindBlock:
		if bm, err := DecodeBlockMessage(payload); err == nil {
			h.OnBlock(remote, bm)
		}
	case wire.KindTx:
		if tm, err := DecodeTxMessage(payload); err == nil {
			h.OnTx(remote, tm)
		}
	case wire.KindGetData:
		gd, err := wire.DecodeGetData(payload)
		if err != nil || len(gd.Items) == 0 {
			return
		}
		bm, ok := h.LookupBlock(gd.Items[0].Hash)
		if !ok {
			return
		}
		_ = writeFrame(s, bm.Encode())
	case wire.KindGetBlockTxn:
		req, err := DecodeGetBlockTxn(payload)
		if err != nil {
			return
		}
		bt, ok := h.LookupBlockTxn(req)
		if !ok {
			return
		}
		_ = writeFrame(s, bt.Encode())
	}
}

func (n *Network) openStream(ctx context.Context, peerID string) (p2pnetwork.Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("net: invalid peer id %q: %w", peerID, err)
	}
	return n.host.NewStream(ctx, pid, protocolID)
}

func (n *Network) sendFrame(peerID string, frame []byte) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ConnectionTimeout)
	defer cancel()
	s, err := n.openStream(ctx, peerID)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeFrame(s, frame)
}

// --- Transport implementation (consumed by Propagator) ---

func (n *Network) SendHeaders(peerID string, h *Headers) error {
	return n.sendFrame(peerID, h.Encode())
}

func (n *Network) SendCompactBlock(peerID string, cb *CompactBlock) error {
	return n.sendFrame(peerID, cb.Encode())
}

func (n *Network) SendBlock(peerID string, bm *BlockMessage) error {
	return n.sendFrame(peerID, bm.Encode())
}

func (n *Network) SendGetData(peerID string, gd *wire.GetData) error {
	return n.sendFrame(peerID, gd.Encode())
}

func (n *Network) RequestBlock(ctx context.Context, peerID string, hash [32]byte) (*block.Block, error) {
	s, err := n.openStream(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	gd := &wire.GetData{Items: []wire.InvItem{{Type: wire.InvBlock, Hash: hash}}}
	if err := writeFrame(s, gd.Encode()); err != nil {
		return nil, err
	}
	resp, err := readFrame(s)
	if err != nil {
		return nil, err
	}
	kind, payload, err := wire.Unframe(resp)
	if err != nil {
		return nil, err
	}
	if kind != wire.KindBlock {
		return nil, fmt.Errorf("net: expected block response, got %s", kind)
	}
	bm, err := DecodeBlockMessage(payload)
	if err != nil {
		return nil, err
	}
	return bm.Block, nil
}

func (n *Network) RequestBlockTxn(ctx context.Context, peerID string, req *GetBlockTxn) (*BlockTxn, error) {
	s, err := n.openStream(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := writeFrame(s, req.Encode()); err != nil {
		return nil, err
	}
	resp, err := readFrame(s)
	if err != nil {
		return nil, err
	}
	kind, payload, err := wire.Unframe(resp)
	if err != nil {
		return nil, err
	}
	if kind != wire.KindBlockTxn {
		return nil, fmt.Errorf("net: expected blocktxn response, got %s", kind)
	}
	return DecodeBlockTxn(payload)
}

// --- mempool transaction gossip (gossipsub, not the per-peer stream protocol) ---

// BroadcastTx floods a transaction to every subscribed peer.
func (n *Network) BroadcastTx(tx *block.Transaction) error {
	msg := &TxMessage{Tx: tx}
	return n.txTopic.Publish(n.ctx, msg.Encode())
}

// SubscribeToTransactions delivers every transaction this node
// receives over gossipsub (excluding its own publications) to handler.
func (n *Network) SubscribeToTransactions(handler func(*block.Transaction)) error {
	sub, err := n.txTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("net: subscribe to tx relay: %w", err)
	}
	go n.relayTxMessages(sub, handler)
	return nil
}

func (n *Network) relayTxMessages(sub *pubsub.Subscription, handler func(*block.Transaction)) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		kind, payload, err := wire.Unframe(msg.Data)
		if err != nil || kind != wire.KindTx {
			continue
		}
		tm, err := DecodeTxMessage(payload)
		if err != nil {
			continue
		}
		handler(tm.Tx)
	}
}

// --- peer bookkeeping ---

func (n *Network) GetPeers() []*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *Network) GetPeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

func (n *Network) GetHost() host.Host { return n.host }

func (n *Network) GetMultiaddrs() []multiaddr.Multiaddr { return n.host.Addrs() }

func (n *Network) Close() error {
	n.cancel()
	if err := n.dht.Close(); err != nil {
		return fmt.Errorf("net: close dht: %w", err)
	}
	return n.host.Close()
}

func (n *Network) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return fmt.Sprintf("Network{Peers: %d, HostID: %s}", len(n.peers), n.host.ID().String())
}

// --- libp2p network.Notifiee ---

func (n *Network) Listen(p2pnetwork.Network, multiaddr.Multiaddr)      {}
func (n *Network) ListenClose(p2pnetwork.Network, multiaddr.Multiaddr) {}

func (n *Network) Connected(_ p2pnetwork.Network, conn p2pnetwork.Conn) {
	id := conn.RemotePeer()
	inbound := conn.Stat().Direction == p2pnetwork.DirInbound
	addrIP := extractIP([]multiaddr.Multiaddr{conn.RemoteMultiaddr()})

	n.mu.Lock()
	n.peers[id] = &PeerInfo{
		ID:        id,
		Addrs:     []multiaddr.Multiaddr{conn.RemoteMultiaddr()},
		Inbound:   inbound,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}
	peerMgr := n.peerMgr
	prop := n.prop
	n.mu.Unlock()

	if peerMgr != nil {
		peerMgr.Register(id.String(), addrIP, "", "", inbound)
	}
	if prop != nil {
		// Every peer on this wire protocol speaks compact blocks; a
		// capability handshake would only matter if a second protocol
		// version existed, which it does not yet.
		prop.AddPeer(id.String(), Capability{SupportsCompactBlocks: true})
	}
}

func (n *Network) Disconnected(_ p2pnetwork.Network, conn p2pnetwork.Conn) {
	id := conn.RemotePeer()

	n.mu.Lock()
	info := n.peers[id]
	delete(n.peers, id)
	peerMgr := n.peerMgr
	prop := n.prop
	n.mu.Unlock()

	inbound := info != nil && info.Inbound
	if peerMgr != nil {
		peerMgr.Unregister(id.String(), inbound)
	}
	if prop != nil {
		prop.RemovePeer(id.String())
	}
}

func (n *Network) OpenedStream(p2pnetwork.Network, p2pnetwork.Stream) {}
func (n *Network) ClosedStream(p2pnetwork.Network, p2pnetwork.Stream) {}

// mdnsNotifee adapts Network to the mdns.Notifee interface without
// polluting Network's own method set with a HandlePeerFound name that
// reads oddly outside the discovery context.
type mdnsNotifee struct{ n *Network }

func (m mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	go m.n.connectToPeer(pi)
}
