// Package net implements the propagation and peer-management layer:
// header-first block relay, compact blocks, parallel fetch scheduling
// (propagation.go), and connection admission, diversity enforcement,
// scoring, and banning (this file). The donor's pkg/net/network.go
// tracked only a flat peer list with no diversity or scoring concept
// at all, so this file is new.
package net

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ledgercore/chain/pkg/storage"
	"github.com/ledgercore/chain/pkg/wire"
)

// Subnet buckets an address for diversity scoring: a /24 for IPv4, a
// /48 for IPv6. /48 is the stricter, more conservative choice over a
// /64 grouping and is what this package uses.
func Subnet(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask).String()
	}
	mask := net.CIDRMask(48, 128)
	return ip.Mask(mask).String()
}

// ScoreComponents breaks a peer's composite score into factors, each
// in [0,1]. Callers update individual components as evidence arrives;
// Composite blends them.
type ScoreComponents struct {
	Age       float64 // rises with peer age
	Stability float64 // successful/total connection attempts
	Behavior  float64 // successful/total protocol exchanges
	Latency   float64 // 1 - normalized round-trip time
	Diversity float64 // higher for underrepresented subnet/ASN/region
}

// weights sum to 1; diversity and behavior dominate since those are
// the signals a misbehaving or Sybil peer can't fake cheaply.
const (
	weightAge       = 0.15
	weightStability = 0.15
	weightBehavior  = 0.30
	weightLatency   = 0.10
	weightDiversity = 0.30
)

func (s ScoreComponents) Composite() float64 {
	return s.Age*weightAge + s.Stability*weightStability + s.Behavior*weightBehavior +
		s.Latency*weightLatency + s.Diversity*weightDiversity
}

// Record is the per-peer bookkeeping the peer manager owns. It holds
// no reference to any connection or stream object; pkg/net's
// transport layer keeps connection/stream state indexed by PeerID,
// with no back-edges stored here.
type Record struct {
	ID        string
	Address   string
	Subnet    string
	ASN       string // empty if unknown
	Region    string // empty if unknown
	Protected bool   // exempt from rotation eviction (e.g. a configured seed peer)

	FirstSeen time.Time
	LastSeen  time.Time

	ConnectAttempts   int
	ConnectSuccesses  int
	ExchangeAttempts  int
	ExchangeSuccesses int
	RoundTrip         time.Duration

	Score   ScoreComponents
	Banned  bool
	BanUntil time.Time
}

func (r *Record) recomputeStability() {
	if r.ConnectAttempts == 0 {
		r.Score.Stability = 0
		return
	}
	r.Score.Stability = float64(r.ConnectSuccesses) / float64(r.ConnectAttempts)
}

func (r *Record) recomputeBehavior() {
	if r.ExchangeAttempts == 0 {
		r.Score.Behavior = 0
		return
	}
	r.Score.Behavior = float64(r.ExchangeSuccesses) / float64(r.ExchangeAttempts)
}

func (r *Record) recomputeAge(now time.Time) {
	age := now.Sub(r.FirstSeen)
	const maxAgeForFullScore = 7 * 24 * time.Hour
	if age >= maxAgeForFullScore {
		r.Score.Age = 1
		return
	}
	r.Score.Age = float64(age) / float64(maxAgeForFullScore)
}

// Config bounds the peer manager's admission and ban behavior.
type Config struct {
	MaxPeersPerSubnet int
	MaxPeersPerASN    int
	MaxPeersPerRegion int
	MaxInbound        int
	MaxOutbound       int

	BanScoreThreshold float64 // composite score below this triggers a ban
	BanDuration       time.Duration

	RateLimitWindow Duration
	RateLimitMax    int // max connection attempts per source IP per window
}

// Duration is an alias kept distinct so Config's zero value reads
// naturally in literal form without importing time at every call site
// that only needs the window length.
type Duration = time.Duration

// DefaultConfig mirrors chainparams.MainnetParams' diversity caps.
func DefaultConfig() Config {
	return Config{
		MaxPeersPerSubnet: 3,
		MaxPeersPerASN:    8,
		MaxPeersPerRegion: 32,
		MaxInbound:        115,
		MaxOutbound:       8,
		BanScoreThreshold: 0.2,
		BanDuration:        24 * time.Hour,
		RateLimitWindow:    10 * time.Minute,
		RateLimitMax:       8,
	}
}

// attemptLog is the sliding window of connection attempt timestamps
// kept per source IP for rate limiting.
type attemptLog struct {
	times []time.Time
}

func (a *attemptLog) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(a.times) && a.times[i].Before(cutoff) {
		i++
	}
	a.times = a.times[i:]
}

// Manager enforces connection budgets, diversity caps, scoring,
// banning, and rotation. In the fixed lock hierarchy (inventory ->
// per-peer -> chain -> mempool -> utxo:{cache,index,spent,commitment})
// the peer manager's own per-record bookkeeping sits at the "per-peer"
// position, ahead of the chain and mempool locks: a caller that also
// touches chain or mempool state acquires this lock first, not after.
// The manager itself acquires no other lock while holding it.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	peers map[string]*Record

	subnetCount map[string]int
	asnCount    map[string]int
	regionCount map[string]int
	inbound     int
	outbound    int

	attempts map[string]*attemptLog // keyed by source IP, independent of the peer lock
	attemptsMu sync.Mutex

	now   func() time.Time
	store storage.Interface // optional; nil until AttachStore is called
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:         cfg,
		peers:       make(map[string]*Record),
		subnetCount: make(map[string]int),
		asnCount:    make(map[string]int),
		regionCount: make(map[string]int),
		attempts:    make(map[string]*attemptLog),
		now:         time.Now,
	}
}

// AttachStore wires the address-book persistence backend. Records are
// written best-effort from then on: a failed write is dropped rather
// than propagated, since losing a last-seen update must never block
// connection handling on storage I/O.
func (m *Manager) AttachStore(store storage.Interface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// LoadAddressBook decodes every persisted peer record without
// touching the live connected-peer set, diversity counts, or
// connection budgets — those only apply to peers Register has seen
// for the current process lifetime. Callers use the result to seed
// dial candidates at startup.
func (m *Manager) LoadAddressBook() (map[string]*Record, error) {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return nil, nil
	}
	raw, err := store.ListPeerRecords()
	if err != nil {
		return nil, fmt.Errorf("net: load address book: %w", err)
	}
	out := make(map[string]*Record, len(raw))
	for id, data := range raw {
		r, err := decodePeerRecord(data)
		if err != nil {
			continue
		}
		r.ID = id
		out[id] = r
	}
	return out, nil
}

// persistLocked best-effort writes r to the address book. Callers
// must hold m.mu; r must not be mutated further by the caller after
// this returns without re-persisting.
func (m *Manager) persistLocked(r *Record) {
	if m.store == nil {
		return
	}
	_ = m.store.StorePeerRecord(r.ID, encodePeerRecord(r))
}

func encodePeerRecord(r *Record) []byte {
	w := wire.NewWriter()
	w.WriteVarBytes([]byte(r.Address))
	w.WriteVarBytes([]byte(r.ASN))
	w.WriteVarBytes([]byte(r.Region))
	w.WriteU64(uint64(r.FirstSeen.Unix()))
	w.WriteU64(uint64(r.LastSeen.Unix()))
	w.WriteU64(uint64(r.ConnectAttempts))
	w.WriteU64(uint64(r.ConnectSuccesses))
	w.WriteU64(uint64(r.ExchangeAttempts))
	w.WriteU64(uint64(r.ExchangeSuccesses))
	banned := byte(0)
	if r.Banned {
		banned = 1
	}
	w.WriteByte(banned)
	w.WriteU64(uint64(r.BanUntil.Unix()))
	return w.Bytes()
}

func decodePeerRecord(data []byte) (*Record, error) {
	rr := wire.NewReader(data)
	addr, err := rr.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	asn, err := rr.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	region, err := rr.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	firstSeen, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	lastSeen, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	connectAttempts, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	connectSuccesses, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	exchangeAttempts, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	exchangeSuccesses, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}
	banned, err := rr.ReadByte()
	if err != nil {
		return nil, err
	}
	banUntil, err := rr.ReadU64()
	if err != nil {
		return nil, err
	}

	r := &Record{
		Address:           string(addr),
		ASN:               string(asn),
		Region:            string(region),
		Subnet:            Subnet(string(addr)),
		FirstSeen:         time.Unix(int64(firstSeen), 0),
		LastSeen:          time.Unix(int64(lastSeen), 0),
		ConnectAttempts:   int(connectAttempts),
		ConnectSuccesses:  int(connectSuccesses),
		ExchangeAttempts:  int(exchangeAttempts),
		ExchangeSuccesses: int(exchangeSuccesses),
		Banned:            banned == 1,
		BanUntil:          time.Unix(int64(banUntil), 0),
	}
	r.recomputeStability()
	r.recomputeBehavior()
	return r, nil
}

// CheckRateLimit records a connection attempt from sourceIP and
// reports whether it is within the configured sliding-window budget.
// Exceeding it does not ban the IP outright; callers should treat a
// false result as grounds for a temporary admission refusal.
func (m *Manager) CheckRateLimit(sourceIP string) bool {
	m.attemptsMu.Lock()
	defer m.attemptsMu.Unlock()

	now := m.now()
	log := m.attempts[sourceIP]
	if log == nil {
		log = &attemptLog{}
		m.attempts[sourceIP] = log
	}
	log.prune(now, m.cfg.RateLimitWindow)
	if len(log.times) >= m.cfg.RateLimitMax {
		return false
	}
	log.times = append(log.times, now)
	return true
}

// Admit decides whether a new connection from addr (inbound or not)
// may proceed, given the diversity caps and connection budget. It
// does not register the peer; call Register after the handshake
// completes.
func (m *Manager) Admit(addr string, asn, region string, inbound bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if inbound && m.inbound >= m.cfg.MaxInbound {
		return fmt.Errorf("net: inbound connection budget exhausted (%d/%d)", m.inbound, m.cfg.MaxInbound)
	}
	if !inbound && m.outbound >= m.cfg.MaxOutbound {
		return fmt.Errorf("net: outbound connection budget exhausted (%d/%d)", m.outbound, m.cfg.MaxOutbound)
	}

	subnet := Subnet(addr)
	if m.subnetCount[subnet] >= m.cfg.MaxPeersPerSubnet {
		return fmt.Errorf("net: subnet %s at diversity cap (%d)", subnet, m.cfg.MaxPeersPerSubnet)
	}
	if asn != "" && m.asnCount[asn] >= m.cfg.MaxPeersPerASN {
		return fmt.Errorf("net: asn %s at diversity cap (%d)", asn, m.cfg.MaxPeersPerASN)
	}
	if region != "" && m.regionCount[region] >= m.cfg.MaxPeersPerRegion {
		return fmt.Errorf("net: region %s at diversity cap (%d)", region, m.cfg.MaxPeersPerRegion)
	}
	return nil
}

// Register admits a peer record after a successful handshake,
// updating diversity counts and connection budgets. Callers must have
// called Admit first; Register does not re-check caps, since a
// connection already in progress should not be retroactively refused.
func (m *Manager) Register(id, addr, asn, region string, inbound bool) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	subnet := Subnet(addr)
	r := &Record{
		ID:        id,
		Address:   addr,
		Subnet:    subnet,
		ASN:       asn,
		Region:    region,
		FirstSeen: now,
		LastSeen:  now,
	}
	m.peers[id] = r
	m.subnetCount[subnet]++
	if asn != "" {
		m.asnCount[asn]++
	}
	if region != "" {
		m.regionCount[region]++
	}
	if inbound {
		m.inbound++
	} else {
		m.outbound++
	}
	m.recomputeDiversityLocked()
	m.persistLocked(r)
	return r
}

// Unregister removes a peer from the live connected set and releases
// its diversity/budget slots, but leaves its address-book record in
// the store: a disconnected peer is still a known dial candidate.
func (m *Manager) Unregister(id string, inbound bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.peers[id]
	if !ok {
		return
	}
	m.persistLocked(r)
	delete(m.peers, id)
	m.subnetCount[r.Subnet]--
	if r.ASN != "" {
		m.asnCount[r.ASN]--
	}
	if r.Region != "" {
		m.regionCount[r.Region]--
	}
	if inbound {
		m.inbound--
	} else {
		m.outbound--
	}
	m.recomputeDiversityLocked()
}

// recomputeDiversityLocked refreshes every peer's diversity score: a
// peer in a group with fewer members than the cap scores higher,
// rewarding the connections that most reduce Sybil concentration.
// Callers must hold m.mu.
func (m *Manager) recomputeDiversityLocked() {
	for _, r := range m.peers {
		subnetFrac := 1 - float64(m.subnetCount[r.Subnet])/float64(m.cfg.MaxPeersPerSubnet+1)
		asnFrac := 1.0
		if r.ASN != "" {
			asnFrac = 1 - float64(m.asnCount[r.ASN])/float64(m.cfg.MaxPeersPerASN+1)
		}
		regionFrac := 1.0
		if r.Region != "" {
			regionFrac = 1 - float64(m.regionCount[r.Region])/float64(m.cfg.MaxPeersPerRegion+1)
		}
		r.Score.Diversity = clamp01((subnetFrac + asnFrac + regionFrac) / 3)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RecordConnectOutcome updates a peer's stability component after a
// connection attempt succeeds or fails (handshake timeout, reset).
func (m *Manager) RecordConnectOutcome(id string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[id]
	if !ok {
		return
	}
	r.ConnectAttempts++
	if success {
		r.ConnectSuccesses++
	}
	r.recomputeStability()
	m.evaluateBanLocked(r)
	m.persistLocked(r)
}

// RecordExchange updates a peer's behavior component after a protocol
// exchange (a request/response round trip, or a single unsolicited
// message that did or did not violate protocol rules).
func (m *Manager) RecordExchange(id string, success bool, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[id]
	if !ok {
		return
	}
	now := m.now()
	r.LastSeen = now
	r.ExchangeAttempts++
	if success {
		r.ExchangeSuccesses++
	}
	r.recomputeBehavior()
	r.recomputeAge(now)
	if rtt > 0 {
		const maxRTT = 2 * time.Second
		norm := 1 - float64(rtt)/float64(maxRTT)
		r.Score.Latency = clamp01(norm)
	}
	m.evaluateBanLocked(r)
	m.persistLocked(r)
}

// evaluateBanLocked bans a peer whose composite score has fallen
// below the configured threshold. Callers must hold m.mu.
func (m *Manager) evaluateBanLocked(r *Record) {
	if r.Banned {
		return
	}
	if r.Score.Composite() < m.cfg.BanScoreThreshold {
		r.Banned = true
		r.BanUntil = m.now().Add(m.cfg.BanDuration)
	}
}

// IsBanned reports whether a peer is currently under an active ban.
// A ban whose expiry has passed is cleared and the peer unbanned.
func (m *Manager) IsBanned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[id]
	if !ok {
		return false
	}
	if r.Banned && m.now().After(r.BanUntil) {
		r.Banned = false
	}
	return r.Banned
}

// Ban immediately bans a peer for the configured duration, used when
// a consensus or structural rule rejects a block or transaction the
// peer supplied.
func (m *Manager) Ban(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.peers[id]
	if !ok {
		return
	}
	r.Banned = true
	r.BanUntil = m.now().Add(m.cfg.BanDuration)
	m.persistLocked(r)
}

// Snapshot returns a copy of a peer's record, or nil if unknown.
func (m *Manager) Snapshot(id string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.peers[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Count returns the number of currently registered peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// RotationCandidates returns the lowest-scored non-protected peers in
// groups (by subnet, ASN, or region) that exceed their configured cap,
// up to max candidates, ordered worst-score-first. Periodic rotation
// disconnects these and dials replacements from underrepresented
// groups.
func (m *Manager) RotationCandidates(max int) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	overSubnet := make(map[string]bool)
	for s, n := range m.subnetCount {
		if n > m.cfg.MaxPeersPerSubnet {
			overSubnet[s] = true
		}
	}
	overASN := make(map[string]bool)
	for a, n := range m.asnCount {
		if n > m.cfg.MaxPeersPerASN {
			overASN[a] = true
		}
	}
	overRegion := make(map[string]bool)
	for r, n := range m.regionCount {
		if n > m.cfg.MaxPeersPerRegion {
			overRegion[r] = true
		}
	}

	var candidates []*Record
	for _, r := range m.peers {
		if r.Protected {
			continue
		}
		if overSubnet[r.Subnet] || overASN[r.ASN] || overRegion[r.Region] {
			cp := *r
			candidates = append(candidates, &cp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score.Composite() < candidates[j].Score.Composite()
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}
