package resource

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Monitor memoizes the host profile and re-probes it when it goes stale
type Monitor struct {
	mu       sync.RWMutex
	prober   *Prober
	profile  HostProfile
	probed   bool
	ttl      time.Duration
	flight   singleflight.Group
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor. A ttl of zero keeps the first profile
// until Refresh is called.
func NewMonitor(prober *Prober, ttl time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}
}

// Current returns the memoized profile, probing first if there is none
// or it has expired.
func (m *Monitor) Current(ctx context.Context) HostProfile {
	m.mu.RLock()
	profile, probed := m.profile, m.probed
	m.mu.RUnlock()

	if probed && (m.ttl <= 0 || time.Since(profile.ProbedAt) < m.ttl) {
		return profile
	}
	return m.Refresh(ctx)
}

// Refresh re-probes the host. Concurrent callers share one probe.
func (m *Monitor) Refresh(ctx context.Context) HostProfile {
	v, _, _ := m.flight.Do("probe", func() (interface{}, error) {
		profile := m.prober.Probe(ctx)
		m.mu.Lock()
		m.profile = profile
		m.probed = true
		m.mu.Unlock()
		return profile, nil
	})
	return v.(HostProfile)
}

// Start refreshes the profile on every tick until Stop is called
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go m.monitorLoop(interval)
}

// Stop stops the background refresh loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *Monitor) monitorLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.Refresh(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}
