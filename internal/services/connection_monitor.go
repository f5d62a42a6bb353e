package services

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
)

// ConnectionProbe measures the network and classifies it. Implementations
// wrap whatever reachability API the platform offers; the monitor treats
// probe errors as offline and never propagates them.
type ConnectionProbe interface {
	Probe(ctx context.Context) (models.ConnectionState, error)
}

// HTTPProbe classifies connectivity by timing a HEAD request against the
// sync server. It cannot distinguish wifi from cellular on its own, so the
// transport type and metered flag are fixed at construction; platform
// integrations should supply their own probe instead.
type HTTPProbe struct {
	BaseURL   string
	Client    *http.Client
	ConnType  string
	IsMetered bool
}

// NewHTTPProbe creates an HTTPProbe with a bounded request timeout
func NewHTTPProbe(baseURL string, timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: timeout},
		ConnType: models.ConnectionTypeWifi,
	}
}

// Probe issues the reachability check
func (p *HTTPProbe) Probe(ctx context.Context) (models.ConnectionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.BaseURL+"/health", nil)
	if err != nil {
		return models.OfflineState(), err
	}

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return models.OfflineState(), err
	}
	resp.Body.Close()
	latency := time.Since(start)

	return models.ConnectionState{
		Type:       p.ConnType,
		Quality:    classifyLatency(latency),
		IsMetered:  p.IsMetered,
		Latency:    latency,
		MeasuredAt: time.Now().UTC(),
	}, nil
}

func classifyLatency(latency time.Duration) string {
	switch {
	case latency < 150*time.Millisecond:
		return models.QualityExcellent
	case latency < 600*time.Millisecond:
		return models.QualityGood
	default:
		return models.QualityPoor
	}
}

// SyncPolicy controls ShouldSync decisions
type SyncPolicy struct {
	// AllowMetered permits sync on metered connections regardless of quality
	AllowMetered bool
	// Force overrides every check except hard offline; used for explicit
	// user-requested syncs
	Force bool
}

// MonitorConfig holds connection monitor configuration
type MonitorConfig struct {
	// StabilityWindow is how long readings must agree before a state change
	// is trusted; transient flaps inside the window are suppressed
	StabilityWindow time.Duration
	// ProbeInterval is how often the probe runs while the monitor is active
	ProbeInterval time.Duration
	// HistorySize bounds the rolling reading history
	HistorySize int
}

// DefaultMonitorConfig returns the standard monitor settings
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		StabilityWindow: 3 * time.Second,
		ProbeInterval:   5 * time.Second,
		HistorySize:     10,
	}
}

// ConnectionMonitor observes network reachability, suppresses flapping,
// and answers go/no-go questions for the orchestrator
type ConnectionMonitor struct {
	probe     ConnectionProbe
	stateRepo repository.SyncStateRepo
	config    MonitorConfig
	logger    *observability.Logger

	mu             sync.RWMutex
	stable         models.ConnectionState
	candidate      models.ConnectionState
	candidateSince time.Time
	history        []models.ConnectionState
	subscribers    []chan models.ConnectionState
	now            func() time.Time
}

// NewConnectionMonitor creates a ConnectionMonitor. The stable state starts
// from the persisted snapshot when one exists, otherwise offline until the
// first window of consistent readings completes.
func NewConnectionMonitor(probe ConnectionProbe, stateRepo repository.SyncStateRepo, config MonitorConfig) *ConnectionMonitor {
	m := &ConnectionMonitor{
		probe:     probe,
		stateRepo: stateRepo,
		config:    config,
		logger:    observability.GetLogger().WithField("component", "connection_monitor"),
		stable:    models.OfflineState(),
		now:       time.Now,
	}
	m.restoreSnapshot()
	return m
}

func (m *ConnectionMonitor) restoreSnapshot() {
	if m.stateRepo == nil {
		return
	}
	raw, err := m.stateRepo.GetValue(context.Background(), repository.StateKeyConnectionSnapshot)
	if err != nil || raw == "" {
		return
	}
	var state models.ConnectionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		m.logger.Warnf("Discarding unreadable connection snapshot: %v", err)
		return
	}
	m.stable = state
}

// Run probes on the configured interval until the context is cancelled
func (m *ConnectionMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := m.probe.Probe(ctx)
			if err != nil {
				// Probe failures classify as offline rather than surfacing
				state = models.OfflineState()
			}
			m.Record(state)
		}
	}
}

// Record feeds a reading into the stability window. A new classification
// becomes stable only after holding for the full window; flaps reset it.
func (m *ConnectionMonitor) Record(state models.ConnectionState) {
	m.mu.Lock()

	m.history = append(m.history, state)
	if len(m.history) > m.config.HistorySize {
		m.history = m.history[1:]
	}

	var promoted *models.ConnectionState
	switch {
	case state.Equivalent(m.stable):
		// Reading agrees with the stable state; drop any candidate
		m.candidateSince = time.Time{}
		m.stable.MeasuredAt = state.MeasuredAt
		m.stable.Latency = state.Latency
	case !m.candidateSince.IsZero() && state.Equivalent(m.candidate):
		if m.now().Sub(m.candidateSince) >= m.config.StabilityWindow {
			m.stable = state
			m.candidateSince = time.Time{}
			s := state
			promoted = &s
		}
	default:
		m.candidate = state
		m.candidateSince = m.now()
	}
	m.mu.Unlock()

	if promoted != nil {
		m.onStableChange(*promoted)
	}
}

func (m *ConnectionMonitor) onStableChange(state models.ConnectionState) {
	m.logger.Infof("Connection state changed: type=%s quality=%s metered=%v",
		state.Type, state.Quality, state.IsMetered)

	if m.stateRepo != nil {
		if raw, err := json.Marshal(state); err == nil {
			if err := m.stateRepo.SetValue(context.Background(), repository.StateKeyConnectionSnapshot, string(raw)); err != nil {
				m.logger.Warnf("Failed to persist connection snapshot: %v", err)
			}
		}
	}

	m.mu.RLock()
	subs := make([]chan models.ConnectionState, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			// Slow subscriber; skip rather than block the monitor
		}
	}
}

// Current returns the last stable connection state
func (m *ConnectionMonitor) Current() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stable
}

// Observe returns a channel receiving stable state changes
func (m *ConnectionMonitor) Observe() <-chan models.ConnectionState {
	ch := make(chan models.ConnectionState, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// ShouldSync reports whether a sync cycle should run under the policy.
// Offline always refuses; metered-and-poor refuses unless the policy allows
// metered transfer or the caller forces the cycle.
func (m *ConnectionMonitor) ShouldSync(policy SyncPolicy) bool {
	state := m.Current()

	if state.IsOffline() {
		return false
	}
	if policy.Force {
		return true
	}
	if state.IsMetered && state.Quality == models.QualityPoor && !policy.AllowMetered {
		return false
	}
	return true
}
