package relay

import "sync/atomic"

// Metrics are process-wide delivery counters.
type Metrics struct {
	Published      atomic.Uint64
	Delivered      atomic.Uint64
	DeliveryFailed atomic.Uint64
	Written        atomic.Uint64
	QueueFull      atomic.Uint64
	Dropped        atomic.Uint64
	WriteFailures  atomic.Uint64
	AuthFailures   atomic.Uint64
	Violations     atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Published      uint64 `json:"published"`
	Delivered      uint64 `json:"delivered"`
	DeliveryFailed uint64 `json:"delivery_failed"`
	Written        uint64 `json:"written"`
	QueueFull      uint64 `json:"queue_full"`
	Dropped        uint64 `json:"dropped"`
	WriteFailures  uint64 `json:"write_failures"`
	AuthFailures   uint64 `json:"auth_failures"`
	Violations     uint64 `json:"violations"`
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Published:      m.Published.Load(),
		Delivered:      m.Delivered.Load(),
		DeliveryFailed: m.DeliveryFailed.Load(),
		Written:        m.Written.Load(),
		QueueFull:      m.QueueFull.Load(),
		Dropped:        m.Dropped.Load(),
		WriteFailures:  m.WriteFailures.Load(),
		AuthFailures:   m.AuthFailures.Load(),
		Violations:     m.Violations.Load(),
	}
}
