package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// DefaultProbeInterval is how often the prober sweeps the pools.
const DefaultProbeInterval = 60 * time.Second

// probeTimeout bounds a single probe call.
const probeTimeout = 15 * time.Second

// credentialExpiryWindow is how close to expiry a credential must be
// before the prober refreshes it and re-verifies the entry.
const credentialExpiryWindow = 10 * time.Minute

// Prober periodically verifies pool entries against their upstreams.
// Routine sweeps only touch entries that need attention: unknown
// state, a failed last probe, an unhealthy entry, or a credential
// nearing expiry. A forced sweep probes everything.
type Prober struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

func NewProber(manager *Manager, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{manager: manager, interval: interval, logger: logger}
}

// Run sweeps until ctx is cancelled. The first sweep is forced so
// every entry is verified at startup.
func (p *Prober) Run(ctx context.Context) {
	p.Sweep(ctx, true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx, false)
		}
	}
}

// Sweep probes entries due for a probe; force probes every entry
// regardless. Disabled entries are never probed.
func (p *Prober) Sweep(ctx context.Context, force bool) {
	for _, view := range p.manager.Snapshot() {
		if view.State == StateDisabled {
			continue
		}
		if !force && !p.due(view) {
			continue
		}
		p.probe(ctx, view.ID)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Prober) due(view EntryView) bool {
	if view.State == StateUnknown || view.State == StateUnhealthy {
		return true
	}
	if !view.LastProbe.IsZero() && !view.LastProbeOK {
		return true
	}
	p.manager.mu.RLock()
	e, ok := p.manager.index[view.ID]
	p.manager.mu.RUnlock()
	if !ok {
		return false
	}
	return e.adapter.CredentialNearExpiry(credentialExpiryWindow)
}

// probe exercises the entry with a minimal generation, falling back
// to a model listing when no probe model is configured.
func (p *Prober) probe(ctx context.Context, id string) {
	p.manager.mu.RLock()
	e, ok := p.manager.index[id]
	p.manager.mu.RUnlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if e.adapter.CredentialNearExpiry(credentialExpiryWindow) {
		if err := e.adapter.RefreshCredential(ctx, true); err != nil {
			p.logger.Warn("credential refresh failed", "id", id, "provider", e.cfg.Type, "error", err)
		}
	}

	err := p.probeAdapter(ctx, e)
	if err != nil {
		p.logger.Warn("probe failed", "id", id, "provider", e.cfg.Type, "error", err)
	} else {
		p.logger.Debug("probe ok", "id", id, "provider", e.cfg.Type)
	}
	p.manager.recordProbe(id, err)
}

func (p *Prober) probeAdapter(ctx context.Context, e *entry) error {
	if e.cfg.ProbeModel == "" {
		_, err := e.adapter.ListModels(ctx)
		return err
	}
	one := 1
	_, err := e.adapter.Generate(ctx, &canonical.Request{
		Model:     e.cfg.ProbeModel,
		MaxTokens: &one,
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("ping")}},
		},
	})
	if err != nil {
		return fmt.Errorf("probe generate: %w", err)
	}
	return nil
}
