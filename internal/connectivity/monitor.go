// Package connectivity tracks whether the backend is believed reachable.
//
// State changes come from three sources: platform network-change signals
// (SetOnline), passive observations of real requests (ReportSuccess,
// ReportFailure) and active health probes (Probe). Listeners are notified
// only on transitions.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mipyme/offline/internal/logging"
)

const (
	// DefaultProbeURL is the backend health endpoint.
	DefaultProbeURL = "/api/health/"
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 5 * time.Second
)

// State is a point-in-time view of the monitor.
type State struct {
	Online     bool      `json:"online"`
	LastChange time.Time `json:"last_change"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithProbeURL sets the absolute URL probed by Probe.
func WithProbeURL(u string) Option {
	return func(m *Monitor) { m.probeURL = u }
}

// WithProbeTimeout bounds each probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithHTTPClient sets the client used by Probe.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) {
		if c != nil {
			m.client = c
		}
	}
}

// WithInitialState overrides the default online start state.
func WithInitialState(online bool) Option {
	return func(m *Monitor) { m.online.Store(online) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor holds the current connectivity belief. Safe for concurrent use.
type Monitor struct {
	online atomic.Bool

	mu         sync.Mutex
	lastChange time.Time
	listeners  map[uint64]func(online bool)
	nextID     uint64

	// serializes deliveries so listeners observe transitions in order
	notifyMu sync.Mutex

	client       *http.Client
	probeURL     string
	probeTimeout time.Duration
	now          func() time.Time
	logger       *logging.Logger
}

// New creates a Monitor that starts online.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		listeners:    make(map[uint64]func(bool)),
		client:       http.DefaultClient,
		probeURL:     DefaultProbeURL,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		logger:       logging.Named("connectivity"),
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	m.lastChange = m.now()
	return m
}

// IsOnline returns the current belief.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// LastChange returns when the belief last flipped (or construction time).
func (m *Monitor) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChange
}

// State returns the current belief and when it last changed.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Online: m.online.Load(), LastChange: m.lastChange}
}

// SetOnline records a platform network-change signal.
func (m *Monitor) SetOnline(online bool) {
	m.set(online, "platform")
}

// ReportSuccess records that a real request reached the backend.
func (m *Monitor) ReportSuccess() {
	m.set(true, "request")
}

// ReportFailure records a connectivity-class request failure.
func (m *Monitor) ReportFailure(err error) {
	if err != nil {
		m.logger.Debug("Request failed for connectivity reasons", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.set(false, "request")
}

// OnChange registers fn to be called with the new state on every
// transition. The returned func removes the registration. fn runs on the
// goroutine that caused the transition and must not change the state itself.
func (m *Monitor) OnChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe checks the health endpoint and updates the state. Any 2xx answer
// within the timeout means online; anything else means offline.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = m.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			online = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	if err != nil {
		m.logger.Debug("Health probe failed", map[string]interface{}{
			"url":   m.probeURL,
			"error": err.Error(),
		})
	}
	m.set(online, "probe")
	return online
}

func (m *Monitor) set(online bool, source string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online.Load() == online {
		m.mu.Unlock()
		return
	}
	m.online.Store(online)
	m.lastChange = m.now()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Info("Connectivity changed", map[string]interface{}{
		"online": online,
		"source": source,
	})

	for _, fn := range fns {
		m.deliver(fn, online)
	}
}

func (m *Monitor) deliver(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Connectivity listener panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	fn(online)
}
