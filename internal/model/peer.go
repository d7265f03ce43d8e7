package model

import "time"

// PeerState defines the lifecycle stage of a granted peer
type PeerState string

const (
	PeerStateProbing PeerState = "probing"
	PeerStateActive  PeerState = "active"
	PeerStateEvicted PeerState = "evicted"
)

// PeerSnapshot is a point-in-time view of one scheduler peer.
type PeerSnapshot struct {
	Address        string    `json:"address"`
	State          PeerState `json:"state"`
	RTT            float64   `json:"rtt_ms"`
	ExecutionTime  float64   `json:"exec_ms"`
	AverageLatency float64   `json:"avg_latency_ms"`
	Probability    float64   `json:"probability"`
	InFlight       int       `json:"in_flight"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
}

// EvictionReason labels why a peer left the scheduler.
type EvictionReason string

const (
	EvictionReasonBroker      EvictionReason = "broker"
	EvictionReasonProbe       EvictionReason = "probe_timeout"
	EvictionReasonIdle        EvictionReason = "idle"
	EvictionReasonSlow        EvictionReason = "slow"
	EvictionReasonUnreachable EvictionReason = "unreachable"
	EvictionReasonShutdown    EvictionReason = "shutdown"
	EvictionReasonBrokerLost  EvictionReason = "broker_lost"
)
