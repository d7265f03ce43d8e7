package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	simerrors "github.com/heikotroetsch/simedge/internal/errors"
	"github.com/heikotroetsch/simedge/internal/metrics"
	"github.com/heikotroetsch/simedge/internal/model"
)

// Listener receives overlay events. Calls arrive on memberlist goroutines
// and must not block.
type Listener interface {
	HandleMessage(sender string, payload []byte)
	HandlePeerUnreachable(address string)
}

// OverlayTransport carries peer frames between nodes over a memberlist
// cluster. A node's overlay address is its memberlist name.
type OverlayTransport struct {
	config     *OverlayConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu         sync.RWMutex
	listener   Listener
	healthData *model.HealthStatus
}

// OverlayConfig holds overlay configuration
type OverlayConfig struct {
	BindAddr        string
	BindPort        int
	AdvertiseAddr   string
	SeedNodes       []string
	GossipInterval  time.Duration
	ProbeTimeout    time.Duration
	ProbeInterval   time.Duration
	BestEffortLimit int
}

// NewOverlayTransport creates the memberlist instance; call Join to reach the seeds.
func NewOverlayTransport(cfg *OverlayConfig, nodeID string, m *metrics.Metrics, logger *zap.Logger) (*OverlayTransport, error) {
	if cfg.BestEffortLimit <= 0 {
		cfg.BestEffortLimit = 1200
	}

	t := &OverlayTransport{
		config:  cfg,
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
		healthData: &model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseAddr
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = t
	mlConfig.Events = &overlayEventDelegate{transport: t}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	// events fired inside Create may already be reading it
	t.mu.Lock()
	t.memberlist = ml
	t.mu.Unlock()
	m.UpdateOverlayMembers(ml.NumMembers())

	return t, nil
}

// SetListener installs the receiver of overlay events
func (t *OverlayTransport) SetListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listener = l
}

func (t *OverlayTransport) currentListener() Listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listener
}

// Join contacts the seed nodes. Failing to reach some of them is not fatal.
func (t *OverlayTransport) Join() int {
	if len(t.config.SeedNodes) == 0 {
		return 0
	}
	n, err := t.memberlist.Join(t.config.SeedNodes)
	if err != nil {
		t.logger.Warn("Failed to join some seed nodes", zap.Int("joined", n), zap.Error(err))
	}
	t.metrics.UpdateOverlayMembers(t.memberlist.NumMembers())
	return n
}

// LocalAddress returns this node's overlay address
func (t *OverlayTransport) LocalAddress() string {
	return t.nodeID
}

// Members returns the overlay addresses of all live members
func (t *OverlayTransport) Members() []string {
	nodes := t.memberlist.Members()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

// Send delivers payload to the member named address. Small frames go over
// UDP, larger ones over a TCP stream.
func (t *OverlayTransport) Send(address string, payload []byte) error {
	node := t.lookup(address)
	if node == nil {
		return simerrors.NewError(simerrors.ErrCodeModelUnavailable,
			fmt.Sprintf("peer %s is not an overlay member", address), nil)
	}

	msg := encodeEnvelope(t.nodeID, payload)
	if len(msg) <= t.config.BestEffortLimit {
		return t.memberlist.SendBestEffort(node, msg)
	}
	return t.memberlist.SendReliable(node, msg)
}

func (t *OverlayTransport) lookup(address string) *memberlist.Node {
	for _, n := range t.memberlist.Members() {
		if n.Name == address {
			return n
		}
	}
	return nil
}

// NodeMeta implements memberlist.Delegate
func (t *OverlayTransport) NodeMeta(limit int) []byte {
	t.mu.RLock()
	data, _ := json.Marshal(t.healthData)
	t.mu.RUnlock()
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (t *OverlayTransport) NotifyMsg(data []byte) {
	sender, frame, err := decodeEnvelope(data)
	if err != nil {
		t.metrics.RecordMalformedFrame()
		t.logger.Warn("Dropping malformed overlay message", zap.Int("size", len(data)), zap.Error(err))
		return
	}

	l := t.currentListener()
	if l == nil {
		return
	}
	// memberlist reuses buf after return
	l.HandleMessage(sender, append([]byte(nil), frame...))
}

// GetBroadcasts implements memberlist.Delegate
func (t *OverlayTransport) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (t *OverlayTransport) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (t *OverlayTransport) MergeRemoteState(buf []byte, join bool) {}

// UpdateHealthStatus refreshes the status advertised in node metadata
func (t *OverlayTransport) UpdateHealthStatus(m model.HealthMetrics) {
	t.mu.Lock()
	t.healthData.Timestamp = time.Now().Unix()
	t.healthData.Metrics = m
	switch {
	case m.DiskUsage > 95:
		t.healthData.Status = model.NodeStatusUnhealthy
	case m.DiskUsage > 90 || !m.BrokerConnected:
		t.healthData.Status = model.NodeStatusDegraded
	default:
		t.healthData.Status = model.NodeStatusHealthy
	}
	t.mu.Unlock()

	if err := t.memberlist.UpdateNode(time.Second); err != nil {
		t.logger.Debug("Failed to propagate node metadata", zap.Error(err))
	}
}

// HealthStatus returns the status advertised to other members
func (t *OverlayTransport) HealthStatus() model.HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return *t.healthData
}

// Shutdown leaves the cluster and stops the memberlist
func (t *OverlayTransport) Shutdown() error {
	if err := t.memberlist.Leave(time.Second); err != nil {
		t.logger.Warn("Failed to leave overlay cleanly", zap.Error(err))
	}
	return t.memberlist.Shutdown()
}

type overlayEventDelegate struct {
	transport *OverlayTransport
}

// NotifyJoin is called when a node joins
func (d *overlayEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.transport.logger.Info("Overlay member joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.transport.updateMemberCount()
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *overlayEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.transport.logger.Info("Overlay member left", zap.String("node_id", node.Name))
	d.transport.updateMemberCount()

	if l := d.transport.currentListener(); l != nil && node.Name != d.transport.nodeID {
		l.HandlePeerUnreachable(node.Name)
	}
}

// NotifyUpdate is called when a node's metadata changes
func (d *overlayEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.transport.logger.Debug("Overlay member updated", zap.String("node_id", node.Name))
}

func (t *OverlayTransport) updateMemberCount() {
	// memberlist holds its own lock while firing events
	go func() {
		t.mu.RLock()
		ml := t.memberlist
		t.mu.RUnlock()
		if ml != nil {
			t.metrics.UpdateOverlayMembers(ml.NumMembers())
		}
	}()
}

// encodeEnvelope prefixes frame with the sender's address:
// [uint16 sender length][sender][frame].
func encodeEnvelope(sender string, frame []byte) []byte {
	buf := make([]byte, 2+len(sender)+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(sender)))
	copy(buf[2:], sender)
	copy(buf[2+len(sender):], frame)
	return buf
}

func decodeEnvelope(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, simerrors.MalformedFrame("envelope shorter than its header", len(data))
	}
	n := int(binary.BigEndian.Uint16(data))
	if n == 0 || 2+n > len(data) {
		return "", nil, simerrors.MalformedFrame("envelope sender length out of range", len(data))
	}
	return string(data[2 : 2+n]), data[2+n:], nil
}
