package models

import "time"

// Connection type constants
const (
	ConnectionTypeWifi     = "wifi"
	ConnectionTypeCellular = "cellular"
	ConnectionTypeEthernet = "ethernet"
	ConnectionTypeNone     = "none"
)

// Connection quality constants
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityPoor      = "poor"
	QualityOffline   = "offline"
)

// ConnectionState is a point-in-time classification of the network.
// Ephemeral: recomputed on every reading, kept only as "current" plus a
// short rolling history for stability checks.
type ConnectionState struct {
	Type       string        `json:"type"`
	Quality    string        `json:"quality"`
	IsMetered  bool          `json:"isMetered"`
	Latency    time.Duration `json:"latency"`
	MeasuredAt time.Time     `json:"measuredAt"`
}

// IsOffline reports whether the state allows no transfer at all
func (s ConnectionState) IsOffline() bool {
	return s.Quality == QualityOffline || s.Type == ConnectionTypeNone
}

// Equivalent reports whether two states classify the network the same way.
// MeasuredAt and latency jitter are ignored; only classification matters
// for the stability window.
func (s ConnectionState) Equivalent(other ConnectionState) bool {
	return s.Type == other.Type && s.Quality == other.Quality && s.IsMetered == other.IsMetered
}

// OfflineState returns the canonical offline classification
func OfflineState() ConnectionState {
	return ConnectionState{
		Type:       ConnectionTypeNone,
		Quality:    QualityOffline,
		MeasuredAt: time.Now().UTC(),
	}
}
