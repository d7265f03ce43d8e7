package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
	"github.com/heikotroetsch/simedge/internal/protocol"
)

// minCost keeps the inverse-cost weight finite for peers reporting zero latency.
const minCost = 1e-3

// SchedulerService tracks the peers granted by the broker and picks the
// execution target for each request. One mutex guards peers, windows and
// probabilities together.
type SchedulerService struct {
	config    *SchedulerConfig
	broker    Broker
	sender    MessageSender
	models    CommittedModels
	downloads DownloadTracker
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu            sync.Mutex
	peers         map[string]*peerRecord
	order         []string // active peers in promotion order
	localInFlight map[int64]time.Time
	stopping      bool

	now    func() time.Time
	random func() float64
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	LocalAddress   string
	MaxInFlight    int
	Timeout        time.Duration
	LatencyHistory int
	Smoothing      float64
	SweepInterval  time.Duration
}

// Measurement is what one RESULT contributed to a peer's estimates, in milliseconds.
type Measurement struct {
	RTT      float64
	Exec     float64
	Total    float64
	Measured bool
}

type peerRecord struct {
	address     string
	state       model.PeerState
	rtt         float64
	exec        float64
	history     *latencyWindow
	lastSeen    time.Time
	probeSentAt time.Time
	inFlight    map[int64]time.Time
	probability float64
}

func (p *peerRecord) cost() float64 {
	if c := p.rtt + p.exec; c > minCost {
		return c
	}
	return minCost
}

type eviction struct {
	peer   *peerRecord
	reason model.EvictionReason
}

// NewSchedulerService creates a new scheduler
func NewSchedulerService(
	cfg *SchedulerConfig,
	broker Broker,
	sender MessageSender,
	models CommittedModels,
	downloads DownloadTracker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SchedulerService {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.LatencyHistory <= 0 {
		cfg.LatencyHistory = 10
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = 0.9
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.Timeout
	}

	return &SchedulerService{
		config:        cfg,
		broker:        broker,
		sender:        sender,
		models:        models,
		downloads:     downloads,
		metrics:       m,
		logger:        logger,
		peers:         make(map[string]*peerRecord),
		localInFlight: make(map[int64]time.Time),
		now:           time.Now,
		random:        rand.Float64,
	}
}

// LocalAddress returns the address that denotes in-process execution
func (s *SchedulerService) LocalAddress() string {
	return s.config.LocalAddress
}

// AddResource registers a peer granted by the broker and probes it.
// The peer only becomes selectable once a probe reply arrives.
func (s *SchedulerService) AddResource(address string, latencyPrediction float64) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.logger.Info("Returning resource granted during shutdown", zap.String("peer", address))
		s.broker.ReturnResource(address, latencyPrediction)
		return
	}
	if address == s.config.LocalAddress {
		s.mu.Unlock()
		s.logger.Warn("Ignoring resource grant for the local node", zap.String("peer", address))
		return
	}
	if _, exists := s.peers[address]; exists {
		s.mu.Unlock()
		s.logger.Debug("Ignoring duplicate resource grant", zap.String("peer", address))
		return
	}

	now := s.now()
	s.peers[address] = &peerRecord{
		address:     address,
		state:       model.PeerStateProbing,
		rtt:         latencyPrediction,
		exec:        latencyPrediction,
		history:     newLatencyWindow(s.config.LatencyHistory),
		probeSentAt: now,
		inFlight:    map[int64]time.Time{protocol.ProbeSequence: now},
	}
	s.updatePeerGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("Resource granted",
		zap.String("peer", address),
		zap.Float64("latency_prediction_ms", latencyPrediction))

	s.sendProbes(address)
}

func (s *SchedulerService) sendProbes(address string) {
	var payloads [][]byte
	for _, h := range s.models.CommittedModels() {
		h := h
		payloads = append(payloads, h[:])
	}
	if len(payloads) == 0 {
		payloads = append(payloads, nil)
	}

	for _, payload := range payloads {
		frame, err := protocol.EncodePeerMessage(protocol.NewProbe(payload))
		if err != nil {
			s.logger.Error("Failed to encode probe", zap.Error(err))
			return
		}
		if err := s.sender.Send(address, frame); err != nil {
			s.logger.Warn("Failed to send probe", zap.String("peer", address), zap.Error(err))
			continue
		}
		s.metrics.RecordPeerMessage("out", protocol.MessageTypeProbe.String())
	}
}

// RemoveResource drops all state for a peer and returns it to the broker.
// Returns false when the peer is unknown.
func (s *SchedulerService) RemoveResource(address string) bool {
	return s.evict(address, model.EvictionReasonBroker)
}

func (s *SchedulerService) evict(address string, reason model.EvictionReason) bool {
	s.mu.Lock()
	rec := s.removeLocked(address)
	s.mu.Unlock()

	if rec == nil {
		return false
	}
	s.notifyReturned([]eviction{{peer: rec, reason: reason}})
	return true
}

// ReturnAll stops scheduling and returns every peer to the broker.
func (s *SchedulerService) ReturnAll() {
	s.mu.Lock()
	s.stopping = true
	evicted := make([]eviction, 0, len(s.peers))
	for addr := range s.peers {
		if rec := s.removeLocked(addr); rec != nil {
			evicted = append(evicted, eviction{peer: rec, reason: model.EvictionReasonShutdown})
		}
	}
	s.mu.Unlock()

	s.notifyReturned(evicted)
	s.logger.Info("Returned all resources", zap.Int("peers", len(evicted)))
}

// DropAll forgets every peer without telling the broker. Used once the broker
// session is gone; scheduling carries on with local execution.
func (s *SchedulerService) DropAll() {
	s.mu.Lock()
	dropped := 0
	for addr := range s.peers {
		if rec := s.removeLocked(addr); rec != nil {
			dropped++
			s.metrics.RecordPeerEviction(string(model.EvictionReasonBrokerLost))
		}
	}
	s.mu.Unlock()

	s.logger.Warn("Dropped all resources", zap.Int("peers", dropped))
}

// Schedule picks where the next request for hash should run. It returns the
// local address for in-process execution, or ok=false when nothing can take
// the request right now and the caller should retry later.
func (s *SchedulerService) Schedule(hash model.ModelHash) (string, bool) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.metrics.RecordScheduleDecision("rejected")
		return "", false
	}

	now := s.now()
	if len(s.order) == 0 || s.downloads.DownloadingModel(hash) || s.allUnavailableLocked(now) {
		full := s.windowFullLocked(s.localInFlight, nil, now)
		s.mu.Unlock()
		if full {
			s.metrics.RecordScheduleDecision("rejected")
			return "", false
		}
		s.metrics.RecordScheduleDecision("local")
		return s.config.LocalAddress, true
	}

	candidates := make([]*peerRecord, len(s.order))
	weights := make([]float64, len(s.order))
	for i, addr := range s.order {
		candidates[i] = s.peers[addr]
		weights[i] = candidates[i].probability
	}

	draw := s.random()
	cumulative := 0.0
	selected := ""
	var evicted []eviction
	for i, rec := range candidates {
		cumulative += weights[i]
		if cumulative <= draw {
			continue
		}
		if !s.availableLocked(rec, now) || s.windowFullLocked(rec.inFlight, rec, now) {
			continue
		}
		if rec.history.average() > s.timeoutMillis() {
			s.removeLocked(rec.address)
			evicted = append(evicted, eviction{peer: rec, reason: model.EvictionReasonSlow})
			continue
		}
		selected = rec.address
		break
	}
	s.mu.Unlock()

	s.notifyReturned(evicted)

	if selected == "" {
		s.metrics.RecordScheduleDecision("rejected")
		return "", false
	}
	s.metrics.RecordScheduleDecision("remote")
	return selected, true
}

// AddToMessageController records an in-flight request. Returns false for unknown peers.
func (s *SchedulerService) AddToMessageController(address string, sequence int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.windowLocked(address)
	if window == nil {
		return false
	}
	window[sequence] = s.now()
	return true
}

// Release frees a window slot without recording a measurement.
func (s *SchedulerService) Release(address string, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if window := s.windowLocked(address); window != nil {
		delete(window, sequence)
	}
}

func (s *SchedulerService) windowLocked(address string) map[int64]time.Time {
	if address == s.config.LocalAddress {
		return s.localInFlight
	}
	if rec, ok := s.peers[address]; ok {
		return rec.inFlight
	}
	return nil
}

// UpdateMessageController applies a RESULT from source: a probe reply promotes
// the peer, a matching send timestamp yields a latency sample, and the window
// slot is freed. Results from unknown peers are ignored.
func (s *SchedulerService) UpdateMessageController(source string, result *protocol.PeerMessage) (Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec := float64(result.ExecutionMillis)
	if source == s.config.LocalAddress {
		delete(s.localInFlight, result.Sequence)
		return Measurement{Exec: exec}, true
	}

	rec, ok := s.peers[source]
	if !ok {
		return Measurement{}, false
	}

	now := s.now()
	promoted := false
	if result.Sequence == protocol.ProbeSequence && rec.state == model.PeerStateProbing {
		rec.state = model.PeerStateActive
		s.order = append(s.order, source)
		promoted = true
	}

	m := Measurement{Exec: exec}
	if sent, ok := rec.inFlight[result.Sequence]; ok {
		m.Total = millis(now.Sub(sent))
		m.RTT = m.Total - exec
		if m.RTT < 0 {
			m.RTT = 0
		}
		m.Measured = true
		delete(rec.inFlight, result.Sequence)
		s.updateRTTLocked(rec, m.RTT, exec)
	} else if promoted {
		s.recomputeLocked()
	}
	rec.lastSeen = now

	if promoted {
		s.updatePeerGaugesLocked()
		s.logger.Info("Peer promoted to active",
			zap.String("peer", source),
			zap.Float64("rtt_ms", rec.rtt),
			zap.Float64("exec_ms", rec.exec))
	}

	return m, true
}

// UpdateRTTAverage folds one rtt/exec sample into a peer's estimates.
func (s *SchedulerService) UpdateRTTAverage(address string, rtt, exec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if address == s.config.LocalAddress {
		return
	}
	if rec, ok := s.peers[address]; ok {
		s.updateRTTLocked(rec, rtt, exec)
	}
}

func (s *SchedulerService) updateRTTLocked(rec *peerRecord, rtt, exec float64) {
	a := s.config.Smoothing
	rec.rtt = a*rec.rtt + (1-a)*rtt
	rec.exec = a*rec.exec + (1-a)*exec
	rec.history.add(rtt + exec)
	s.metrics.RecordLatencySample(rtt, exec)
	s.recomputeLocked()
}

// recomputeLocked sets p_i = (total/cost_i) / sum_j(total/cost_j) over active peers.
func (s *SchedulerService) recomputeLocked() {
	total := 0.0
	for _, addr := range s.order {
		total += s.peers[addr].cost()
	}

	weightSum := 0.0
	for _, addr := range s.order {
		weightSum += total / s.peers[addr].cost()
	}

	for _, addr := range s.order {
		rec := s.peers[addr]
		rec.probability = (total / rec.cost()) / weightSum
	}
}

// windowFullLocked reports whether a window has no free slot. A full window
// first drops entries older than the timeout; if that freed anything on a
// remote peer, slow peers are checked for eviction in the background.
func (s *SchedulerService) windowFullLocked(window map[int64]time.Time, rec *peerRecord, now time.Time) bool {
	if len(window) < s.config.MaxInFlight {
		return false
	}

	if rec == nil || rec.state == model.PeerStateActive {
		if expired := s.expireLocked(window, now); expired > 0 && rec != nil {
			go s.evictSlowPeers()
		}
	}

	if len(window) >= s.config.MaxInFlight {
		s.metrics.RecordWindowFull()
		return true
	}
	return false
}

func (s *SchedulerService) expireLocked(window map[int64]time.Time, now time.Time) int {
	expired := 0
	for seq, sent := range window {
		if now.Sub(sent) > s.config.Timeout {
			delete(window, seq)
			expired++
		}
	}
	s.metrics.RecordWindowExpired(expired)
	return expired
}

func (s *SchedulerService) evictSlowPeers() {
	s.mu.Lock()
	now := s.now()
	var evicted []eviction
	for _, addr := range append([]string(nil), s.order...) {
		rec := s.peers[addr]
		if s.availableLocked(rec, now) && rec.rtt+rec.exec > s.timeoutMillis() {
			s.removeLocked(addr)
			evicted = append(evicted, eviction{peer: rec, reason: model.EvictionReasonSlow})
		}
	}
	s.mu.Unlock()

	s.notifyReturned(evicted)
}

// Sweep expires stale window entries and evicts peers that stopped answering,
// never answered their probe, or became slower than the timeout.
func (s *SchedulerService) Sweep() {
	s.mu.Lock()
	now := s.now()
	s.expireLocked(s.localInFlight, now)

	var evicted []eviction
	for addr, rec := range s.peers {
		var reason model.EvictionReason
		switch rec.state {
		case model.PeerStateProbing:
			if now.Sub(rec.probeSentAt) > s.config.Timeout {
				reason = model.EvictionReasonProbe
			}
		case model.PeerStateActive:
			s.expireLocked(rec.inFlight, now)
			if now.Sub(rec.lastSeen) > s.config.Timeout {
				reason = model.EvictionReasonIdle
			} else if rec.rtt+rec.exec > s.timeoutMillis() {
				reason = model.EvictionReasonSlow
			}
		}
		if reason != "" {
			s.removeLocked(addr)
			evicted = append(evicted, eviction{peer: rec, reason: reason})
		}
	}
	s.mu.Unlock()

	s.notifyReturned(evicted)
}

// Run sweeps every SweepInterval until ctx is done.
func (s *SchedulerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *SchedulerService) removeLocked(address string) *peerRecord {
	rec, ok := s.peers[address]
	if !ok {
		return nil
	}
	delete(s.peers, address)
	for i, addr := range s.order {
		if addr == address {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	rec.state = model.PeerStateEvicted
	s.recomputeLocked()
	s.updatePeerGaugesLocked()
	return rec
}

func (s *SchedulerService) notifyReturned(evicted []eviction) {
	for _, e := range evicted {
		s.broker.ReturnResource(e.peer.address, e.peer.rtt)
		s.metrics.RecordPeerEviction(string(e.reason))
		s.logger.Info("Resource returned",
			zap.String("peer", e.peer.address),
			zap.String("reason", string(e.reason)),
			zap.Float64("rtt_ms", e.peer.rtt),
			zap.Float64("exec_ms", e.peer.exec))
	}
}

func (s *SchedulerService) availableLocked(rec *peerRecord, now time.Time) bool {
	return rec.state == model.PeerStateActive && now.Sub(rec.lastSeen) <= s.config.Timeout
}

func (s *SchedulerService) allUnavailableLocked(now time.Time) bool {
	for _, addr := range s.order {
		if s.availableLocked(s.peers[addr], now) {
			return false
		}
	}
	return true
}

func (s *SchedulerService) updatePeerGaugesLocked() {
	active := len(s.order)
	s.metrics.UpdatePeerCounts(len(s.peers)-active, active)
}

func (s *SchedulerService) timeoutMillis() float64 {
	return millis(s.config.Timeout)
}

// Probabilities returns the current selection probability of each active peer.
func (s *SchedulerService) Probabilities() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(s.order))
	for _, addr := range s.order {
		out[addr] = s.peers[addr].probability
	}
	return out
}

// Snapshot returns a copy of every known peer's state
func (s *SchedulerService) Snapshot() []model.PeerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.PeerSnapshot, 0, len(s.peers))
	for _, rec := range s.peers {
		out = append(out, model.PeerSnapshot{
			Address:        rec.address,
			State:          rec.state,
			RTT:            rec.rtt,
			ExecutionTime:  rec.exec,
			AverageLatency: rec.history.average(),
			Probability:    rec.probability,
			InFlight:       len(rec.inFlight),
			LastSeen:       rec.lastSeen,
		})
	}
	return out
}

// ActivePeers returns the number of selectable peers
func (s *SchedulerService) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// latencyWindow keeps the most recent rtt+exec samples.
type latencyWindow struct {
	samples []float64
	next    int
	count   int
}

func newLatencyWindow(size int) *latencyWindow {
	return &latencyWindow{samples: make([]float64, size)}
}

func (w *latencyWindow) add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *latencyWindow) average() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}
