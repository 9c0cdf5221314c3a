// Package proxy keeps the process wide list of upstream proxies, rotates
// through it and probes proxies for health.
package proxy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/storage"
	"github.com/zond/swarmbot/structs"
)

const (
	TestTimeout = 10 * time.Second
	// DefaultTestURL answers 204 to any client.
	DefaultTestURL = "http://www.gstatic.com/generate_204"
)

var (
	ErrMalformedProxy = errors.New("malformed proxy")
)

// Parse reads "host:port[:user:pass]", optionally prefixed with "kind://".
// Proxies without a scheme get kind.
func Parse(spec string, kind structs.ProxyKind) (*structs.Proxy, error) {
	spec = strings.TrimSpace(spec)
	if scheme, rest, found := strings.Cut(spec, "://"); found {
		parsed, ok := structs.ParseProxyKind(strings.ToLower(scheme))
		if !ok {
			return nil, errors.Wrapf(ErrMalformedProxy, "unknown kind %q", scheme)
		}
		kind, spec = parsed, rest
	}
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) != 2 && len(parts) != 4 {
		return nil, errors.Wrapf(ErrMalformedProxy, "%q is not host:port[:user:pass]", spec)
	}
	if parts[0] == "" {
		return nil, errors.Wrapf(ErrMalformedProxy, "%q has no host", spec)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.Wrapf(ErrMalformedProxy, "%q has no valid port", spec)
	}
	if kind == "" {
		kind = structs.ProxyHTTP
	}
	p := &structs.Proxy{
		Host: parts[0],
		Port: port,
		Kind: kind,
	}
	if len(parts) == 4 {
		p.Username = parts[2]
		p.Password = parts[3]
	}
	return p, nil
}

// Prober checks that p can reach the outside world.
type Prober func(ctx context.Context, p *structs.Proxy) error

// HTTPProber fetches url through the proxy and expects a 2xx answer.
func HTTPProber(url string) Prober {
	return func(ctx context.Context, p *structs.Proxy) error {
		transport, err := Transport(p, TestTimeout)
		if err != nil {
			return err
		}
		defer transport.CloseIdleConnections()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return swarmbot.WithStack(err)
		}
		resp, err := (&http.Client{Transport: transport, Timeout: TestTimeout}).Do(req)
		if err != nil {
			return swarmbot.WithStack(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return errors.Errorf("%s answered %s", url, resp.Status)
		}
		return nil
	}
}

type Config struct {
	// Path is where the list is persisted. Empty means memory only.
	Path     string
	Clock    clock.Clock
	Prober   Prober
	Logger   *log.Logger
	Interval time.Duration
}

type document struct {
	Proxies        []*structs.Proxy  `json:"proxies"`
	Cursor         int               `json:"cursor"`
	IntervalMillis int64             `json:"interval_ms"`
	DefaultKind    structs.ProxyKind `json:"default_kind"`
}

// Manager is an ordered, cyclable proxy list. Every mutation is written to
// disk before it returns.
type Manager struct {
	path   string
	clock  clock.Clock
	prober Prober
	logger *log.Logger

	mu           sync.Mutex
	proxies      []*structs.Proxy
	cursor       int
	interval     time.Duration
	lastRotation time.Time
	defaultKind  structs.ProxyKind
}

func New(cfg Config) *Manager {
	m := &Manager{
		path:        cfg.Path,
		clock:       cfg.Clock,
		prober:      cfg.Prober,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		defaultKind: structs.ProxyHTTP,
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.prober == nil {
		m.prober = HTTPProber(DefaultTestURL)
	}
	if m.logger == nil {
		m.logger = log.Default()
	}
	m.lastRotation = m.clock.Now()
	return m
}

// Load replaces the in-memory list with the persisted one, if any.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	doc := document{}
	found, err := storage.ReadJSON(m.path, &doc)
	if err != nil || !found {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxies = []*structs.Proxy{}
	for _, p := range doc.Proxies {
		if p != nil {
			m.proxies = append(m.proxies, p)
		}
	}
	m.cursor = doc.Cursor
	if m.cursor < 0 || m.cursor >= len(m.proxies) {
		m.cursor = 0
	}
	m.interval = time.Duration(doc.IntervalMillis) * time.Millisecond
	if doc.DefaultKind != "" {
		m.defaultKind = doc.DefaultKind
	}
	m.lastRotation = m.clock.Now()
	return nil
}

func (m *Manager) persistLocked() error {
	if m.path == "" {
		return nil
	}
	return storage.WriteJSON(m.path, document{
		Proxies:        m.proxies,
		Cursor:         m.cursor,
		IntervalMillis: m.interval.Milliseconds(),
		DefaultKind:    m.defaultKind,
	})
}

func (m *Manager) persistOrLogLocked() {
	if err := m.persistLocked(); err != nil {
		m.logger.Printf("saving proxies: %v", err)
	}
}

func (m *Manager) indexLocked(host string, port int) int {
	for idx, p := range m.proxies {
		if p.Is(host, port) {
			return idx
		}
	}
	return -1
}

// Add parses spec and appends it. A proxy with the same host and port is
// updated in place instead, keeping its position.
func (m *Manager) Add(spec string) (*structs.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := Parse(spec, m.defaultKind)
	if err != nil {
		return nil, err
	}
	if idx := m.indexLocked(p.Host, p.Port); idx != -1 {
		existing := m.proxies[idx]
		existing.Username, existing.Password, existing.Kind = p.Username, p.Password, p.Kind
		existing.Working = nil
		return existing, m.persistLocked()
	}
	m.proxies = append(m.proxies, p)
	return p, m.persistLocked()
}

// Remove deletes the proxy at host:port. It returns false if there was none.
func (m *Manager) Remove(host string, port int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(host, port)
	if idx == -1 {
		return false, nil
	}
	m.proxies = append(m.proxies[:idx], m.proxies[idx+1:]...)
	if m.cursor > idx {
		m.cursor--
	}
	if m.cursor >= len(m.proxies) {
		m.cursor = 0
	}
	return true, m.persistLocked()
}

func (m *Manager) rotateLocked() {
	if len(m.proxies) > 0 {
		m.cursor = (m.cursor + 1) % len(m.proxies)
	}
	m.lastRotation = m.clock.Now()
}

// Rotate advances the cursor and restarts the rotation interval. It returns
// the new current proxy.
func (m *Manager) Rotate() *structs.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	m.persistOrLogLocked()
	return m.currentLocked()
}

// Next returns the first working proxy at or after the cursor, rotating first
// if the rotation interval has passed. It returns nil if no proxy is known to
// work.
func (m *Manager) Next() *structs.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.interval > 0 && m.clock.Now().Sub(m.lastRotation) >= m.interval {
		m.rotateLocked()
		m.persistOrLogLocked()
	}
	for i := 0; i < len(m.proxies); i++ {
		p := m.proxies[(m.cursor+i)%len(m.proxies)]
		if p.Working != nil && *p.Working {
			return p
		}
	}
	return nil
}

func (m *Manager) currentLocked() *structs.Proxy {
	if len(m.proxies) == 0 {
		return nil
	}
	return m.proxies[m.cursor]
}

func (m *Manager) Current() *structs.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// List returns copies of the proxies in order.
func (m *Manager) List() []structs.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]structs.Proxy, len(m.proxies))
	for idx, p := range m.proxies {
		result[idx] = *p
	}
	return result
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// SetInterval sets how often Next rotates on its own. Zero disables it.
func (m *Manager) SetInterval(d time.Duration) error {
	if d < 0 {
		return errors.Errorf("negative interval %v", d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
	m.lastRotation = m.clock.Now()
	return m.persistLocked()
}

func (m *Manager) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// SetDefaultKind sets the kind given to proxies added without a scheme.
func (m *Manager) SetDefaultKind(kind structs.ProxyKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultKind = kind
	return m.persistLocked()
}

func (m *Manager) DefaultKind() structs.ProxyKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultKind
}

// SetKind changes the kind of the proxy at host:port, resetting its health.
// It returns false if there is no such proxy.
func (m *Manager) SetKind(host string, port int, kind structs.ProxyKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexLocked(host, port)
	if idx == -1 {
		return false, nil
	}
	m.proxies[idx].Kind = kind
	m.proxies[idx].Working = nil
	return true, m.persistLocked()
}

// Find returns the proxy at host:port.
func (m *Manager) Find(host string, port int) (*structs.Proxy, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx := m.indexLocked(host, port); idx != -1 {
		return m.proxies[idx], true
	}
	return nil, false
}

// Test probes p with a bounded timeout and records the result on p. It never
// fails: any error means false. A probe that outlives ctx is discarded.
func (m *Manager) Test(ctx context.Context, p *structs.Proxy) bool {
	m.mu.Lock()
	probe := *p
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, TestTimeout)
	defer cancel()
	err := m.prober(probeCtx, &probe)
	if ctx.Err() != nil {
		return false
	}
	working := err == nil
	if err != nil {
		m.logger.Printf("proxy %v failed: %v", &probe, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p.Working = &working
	m.persistOrLogLocked()
	return working
}

// TestAll probes every proxy, one at a time, and returns how many work.
func (m *Manager) TestAll(ctx context.Context) int {
	m.mu.Lock()
	list := append([]*structs.Proxy{}, m.proxies...)
	m.mu.Unlock()
	passed := 0
	for _, p := range list {
		if ctx.Err() != nil {
			break
		}
		if m.Test(ctx, p) {
			passed++
		}
	}
	return passed
}

// Describe renders a one line summary of the rotation state.
func (m *Manager) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval := "manual"
	if m.interval > 0 {
		interval = fmt.Sprintf("every %v", m.interval)
	}
	current := "none"
	if p := m.currentLocked(); p != nil {
		current = p.String()
	}
	return fmt.Sprintf("%d proxies, current %s, rotation %s, default kind %s", len(m.proxies), current, interval, m.defaultKind)
}
