package model

import "time"

// ExecutionTrace records one completed execution as seen by the requester.
type ExecutionTrace struct {
	Timestamp     time.Time `json:"timestamp"`
	Local         string    `json:"local"`
	Source        string    `json:"source"`
	Sequence      int64     `json:"sequence"`
	ExecutionTime int64     `json:"exec_ms"`
	RTT           float64   `json:"rtt_ms"`
	Total         float64   `json:"total_ms"`
	PayloadSize   int       `json:"payload_size"`
}

// CacheStats summarizes model cache occupancy.
type CacheStats struct {
	Entries     int   `json:"entries"`
	UsedBytes   int64 `json:"used_bytes"`
	MaxBytes    int64 `json:"max_bytes"`
	Downloading int   `json:"downloading"`
}
