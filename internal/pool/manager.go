package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifold-ai/manifold-gateway/internal/provider"
	"github.com/manifold-ai/manifold-gateway/internal/telemetry"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

// ErrNoHealthyProvider is returned when every entry of a pool is
// disabled or unhealthy. There is no fallback to an ineligible entry.
var ErrNoHealthyProvider = errors.New("no healthy provider available")

// ErrEntryNotFound is returned by CRUD operations on unknown IDs.
var ErrEntryNotFound = errors.New("pool entry not found")

// Selection is what Select hands the caller: the adapter to call and
// the identity to report results against.
type Selection struct {
	EntryID string
	Type    string
	Adapter provider.Adapter
}

// pool is the ordered entry list for one provider type. cursor is the
// round-robin position; mu guards both.
type pool struct {
	mu      sync.Mutex
	entries []*entry
	cursor  int
}

// Manager owns all pools and the entry index.
type Manager struct {
	client  *transport.Client
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// newAdapter is swappable in tests.
	newAdapter func(provider.Config) (provider.Adapter, error)

	mu    sync.RWMutex
	pools map[string]*pool
	index map[string]*entry
	// order of provider types as first seen, so Snapshot listing is
	// stable across calls.
	types []string
}

func NewManager(client *transport.Client, metrics *telemetry.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:  client,
		metrics: metrics,
		logger:  logger,
		pools:   make(map[string]*pool),
		index:   make(map[string]*entry),
	}
	m.newAdapter = func(cfg provider.Config) (provider.Adapter, error) {
		return provider.New(cfg, m.client, m.logger)
	}
	return m
}

// LoadEntries replaces nothing; it adds every configured entry,
// typically at startup from the store.
func (m *Manager) LoadEntries(cfgs []EntryConfig) error {
	for _, cfg := range cfgs {
		if _, err := m.Add(cfg); err != nil {
			return fmt.Errorf("load entry %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// ReplaceAll swaps the whole entry set for the given configs, used
// when the pool file changes on disk. Health state of entries that
// keep their ID is preserved.
func (m *Manager) ReplaceAll(cfgs []EntryConfig) error {
	m.mu.Lock()
	old := m.index
	m.index = make(map[string]*entry)
	m.pools = make(map[string]*pool)
	m.types = nil
	m.mu.Unlock()

	for _, cfg := range cfgs {
		view, err := m.Add(cfg)
		if err != nil {
			return fmt.Errorf("replace entry %s: %w", cfg.ID, err)
		}
		prev, ok := old[view.ID]
		if !ok {
			continue
		}
		m.withEntry(view.ID, func(e *entry) {
			if e.state == StateDisabled {
				return
			}
			e.state = prev.state
			e.prevState = prev.prevState
			e.usage = prev.usage
			e.consecutiveErrs = prev.consecutiveErrs
			e.lastUsed = prev.lastUsed
			e.lastError = prev.lastError
			e.lastErrMsg = prev.lastErrMsg
			e.lastProbe = prev.lastProbe
			e.lastProbeOK = prev.lastProbeOK
		})
	}
	m.logger.Info("pool entries replaced", "entries", len(cfgs))
	return nil
}

// Add creates a pool entry. A missing ID gets a fresh uuid.
func (m *Manager) Add(cfg EntryConfig) (EntryView, error) {
	if cfg.Type == "" {
		return EntryView{}, fmt.Errorf("entry has no provider type")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	adapter, err := m.newAdapter(cfg.providerConfig())
	if err != nil {
		return EntryView{}, err
	}

	e := &entry{cfg: cfg, adapter: adapter, state: StateUnknown, prevState: StateUnknown}
	if cfg.Disabled {
		e.state = StateDisabled
	}

	m.mu.Lock()
	if _, exists := m.index[cfg.ID]; exists {
		m.mu.Unlock()
		return EntryView{}, fmt.Errorf("entry %s already exists", cfg.ID)
	}
	p, ok := m.pools[cfg.Type]
	if !ok {
		p = &pool{}
		m.pools[cfg.Type] = p
		m.types = append(m.types, cfg.Type)
	}
	m.index[cfg.ID] = e
	m.mu.Unlock()

	p.mu.Lock()
	p.entries = append(p.entries, e)
	view := e.view()
	p.mu.Unlock()

	m.logger.Info("pool entry added", "id", cfg.ID, "provider", cfg.Type, "base_url", cfg.BaseURL)
	return view, nil
}

// Update replaces an entry's configuration in place, keeping its
// position in the round-robin order and resetting health to unknown.
func (m *Manager) Update(id string, cfg EntryConfig) (EntryView, error) {
	cfg.ID = id
	adapter, err := m.newAdapter(cfg.providerConfig())
	if err != nil {
		return EntryView{}, err
	}

	m.mu.RLock()
	e, ok := m.index[id]
	m.mu.RUnlock()
	if !ok {
		return EntryView{}, ErrEntryNotFound
	}
	if e.cfg.Type != cfg.Type {
		return EntryView{}, fmt.Errorf("entry %s: provider type cannot change (delete and re-add)", id)
	}

	p := m.poolFor(e.cfg.Type)
	p.mu.Lock()
	e.cfg = cfg
	e.adapter = adapter
	m.setState(e, StateUnknown)
	e.consecutiveErrs = 0
	if cfg.Disabled {
		m.setState(e, StateDisabled)
	}
	view := e.view()
	p.mu.Unlock()

	m.logger.Info("pool entry updated", "id", id, "provider", cfg.Type)
	return view, nil
}

// Delete removes an entry from its pool.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return ErrEntryNotFound
	}
	delete(m.index, id)
	p := m.pools[e.cfg.Type]
	m.mu.Unlock()

	p.mu.Lock()
	for i, cand := range p.entries {
		if cand == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			if p.cursor > i {
				p.cursor--
			}
			break
		}
	}
	p.mu.Unlock()

	m.logger.Info("pool entry deleted", "id", id, "provider", e.cfg.Type)
	return nil
}

// Disable excludes an entry from selection, remembering its current
// state for a later Enable.
func (m *Manager) Disable(id string) error {
	return m.withEntry(id, func(e *entry) {
		if e.state == StateDisabled {
			return
		}
		e.prevState = e.state
		m.setState(e, StateDisabled)
	})
}

// Enable resumes a disabled entry in the state it held before the
// disable.
func (m *Manager) Enable(id string) error {
	return m.withEntry(id, func(e *entry) {
		if e.state != StateDisabled {
			return
		}
		m.setState(e, e.prevState)
	})
}

// ResetHealth forces an entry back to unknown with a clean error
// count.
func (m *Manager) ResetHealth(id string) error {
	return m.withEntry(id, func(e *entry) {
		if e.state == StateDisabled {
			e.prevState = StateUnknown
			return
		}
		m.setState(e, StateUnknown)
		e.consecutiveErrs = 0
	})
}

// Select picks the next eligible entry of the given provider type in
// round-robin order and counts the use. Disabled and unhealthy
// entries are skipped; when nothing is eligible the caller gets
// ErrNoHealthyProvider.
func (m *Manager) Select(providerType string) (Selection, error) {
	m.mu.RLock()
	p, ok := m.pools[providerType]
	m.mu.RUnlock()
	if !ok {
		m.metrics.RecordNoHealthy(providerType)
		return Selection{}, fmt.Errorf("%w: no pool for provider %q", ErrNoHealthyProvider, providerType)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[idx]
		if !e.eligible() {
			continue
		}
		p.cursor = (idx + 1) % n
		e.usage++
		e.lastUsed = time.Now()
		m.metrics.RecordSelection(providerType, e.cfg.ID)
		return Selection{EntryID: e.cfg.ID, Type: providerType, Adapter: e.adapter}, nil
	}
	m.metrics.RecordNoHealthy(providerType)
	return Selection{}, fmt.Errorf("%w: all %d entries for %q are disabled or unhealthy", ErrNoHealthyProvider, n, providerType)
}

// RecordSuccess marks a request against the entry as succeeded.
func (m *Manager) RecordSuccess(id string) {
	m.withEntry(id, func(e *entry) {
		e.consecutiveErrs = 0
		if e.state == StateUnknown || e.state == StateUnhealthy {
			m.setState(e, StateHealthy)
		}
	})
}

// RecordFailure marks a request against the entry as failed. One
// failed call is enough to turn the entry unhealthy; the consecutive
// error counter is reporting only.
func (m *Manager) RecordFailure(id string, err error) {
	m.withEntry(id, func(e *entry) {
		e.consecutiveErrs++
		e.lastError = time.Now()
		if err != nil {
			e.lastErrMsg = err.Error()
		}
		if e.state == StateDisabled {
			return
		}
		if e.state != StateUnhealthy {
			m.logger.Warn("pool entry marked unhealthy",
				"id", e.cfg.ID, "provider", e.cfg.Type, "consecutive_errors", e.consecutiveErrs)
		}
		m.setState(e, StateUnhealthy)
	})
}

// recordProbe applies one probe outcome to the entry's state.
func (m *Manager) recordProbe(id string, probeErr error) {
	outcome := "ok"
	if probeErr != nil {
		outcome = "fail"
	}
	m.withEntry(id, func(e *entry) {
		e.lastProbe = time.Now()
		e.lastProbeOK = probeErr == nil
		m.metrics.RecordProbe(e.cfg.Type, outcome)
		if e.state == StateDisabled {
			return
		}
		if probeErr == nil {
			e.consecutiveErrs = 0
			m.setState(e, StateHealthy)
		} else {
			e.lastError = e.lastProbe
			e.lastErrMsg = probeErr.Error()
			m.setState(e, StateUnhealthy)
		}
	})
}

// Snapshot lists every entry across all pools in insertion order.
func (m *Manager) Snapshot() []EntryView {
	m.mu.RLock()
	types := append([]string(nil), m.types...)
	m.mu.RUnlock()

	var views []EntryView
	for _, t := range types {
		p := m.poolFor(t)
		if p == nil {
			continue
		}
		p.mu.Lock()
		for _, e := range p.entries {
			views = append(views, e.view())
		}
		p.mu.Unlock()
	}
	return views
}

// Get returns the admin view of one entry.
func (m *Manager) Get(id string) (EntryView, error) {
	var view EntryView
	err := m.withEntry(id, func(e *entry) { view = e.view() })
	return view, err
}

// Configs returns the persisted shape of every entry, in order, for
// the store to save.
func (m *Manager) Configs() []EntryConfig {
	m.mu.RLock()
	types := append([]string(nil), m.types...)
	m.mu.RUnlock()

	var cfgs []EntryConfig
	for _, t := range types {
		p := m.poolFor(t)
		if p == nil {
			continue
		}
		p.mu.Lock()
		for _, e := range p.entries {
			cfg := e.cfg
			cfg.Disabled = e.state == StateDisabled
			cfgs = append(cfgs, cfg)
		}
		p.mu.Unlock()
	}
	return cfgs
}

func (m *Manager) poolFor(providerType string) *pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[providerType]
}

// withEntry runs fn under the entry's pool lock.
func (m *Manager) withEntry(id string, fn func(*entry)) error {
	m.mu.RLock()
	e, ok := m.index[id]
	m.mu.RUnlock()
	if !ok {
		return ErrEntryNotFound
	}
	p := m.poolFor(e.cfg.Type)
	p.mu.Lock()
	fn(e)
	p.mu.Unlock()
	return nil
}

// setState transitions an entry, recording the change. Callers hold
// the pool lock.
func (m *Manager) setState(e *entry, to State) {
	if e.state == to {
		return
	}
	m.metrics.RecordHealthTransition(e.cfg.Type, string(e.state), string(to))
	e.state = to
}
