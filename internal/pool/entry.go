// Package pool manages the per-provider-type pools of upstream
// credentials: health tracking, round-robin selection, probing, and
// persistence.
package pool

import (
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/provider"
)

// State is a pool entry's health state.
type State string

const (
	// StateUnknown is the initial state; entries are eligible for
	// selection until proven unhealthy.
	StateUnknown State = "unknown"
	StateHealthy State = "healthy"
	// StateUnhealthy entries are skipped by selection until a probe
	// succeeds.
	StateUnhealthy State = "unhealthy"
	// StateDisabled entries are administratively excluded; re-enabling
	// resumes the state held before the disable.
	StateDisabled State = "disabled"
)

// EntryConfig is the persisted shape of one pool entry.
type EntryConfig struct {
	ID         string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Name       string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Type       string                 `yaml:"type" json:"type"`
	BaseURL    string                 `yaml:"base_url" json:"base_url"`
	Credential provider.CredentialRef `yaml:"credential" json:"credential"`
	ProbeModel string                 `yaml:"probe_model,omitempty" json:"probe_model,omitempty"`
	Headers    map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Disabled   bool                   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

func (c EntryConfig) providerConfig() provider.Config {
	return provider.Config{
		Type:       c.Type,
		BaseURL:    c.BaseURL,
		Credential: c.Credential,
		ProbeModel: c.ProbeModel,
		Headers:    c.Headers,
	}
}

// entry is one live pool member. All mutable fields are guarded by
// the owning pool's mutex.
type entry struct {
	cfg     EntryConfig
	adapter provider.Adapter

	state     State
	prevState State

	usage           uint64
	consecutiveErrs int
	lastUsed        time.Time
	lastError       time.Time
	lastErrMsg      string
	lastProbe       time.Time
	lastProbeOK     bool
}

func (e *entry) eligible() bool {
	return e.state == StateUnknown || e.state == StateHealthy
}

// EntryView is the admin-facing snapshot of an entry. Credential
// values are never included, only the source kind.
type EntryView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Type            string    `json:"type"`
	BaseURL         string    `json:"base_url"`
	CredentialKind  string    `json:"credential_kind"`
	ProbeModel      string    `json:"probe_model,omitempty"`
	State           State     `json:"state"`
	Usage           uint64    `json:"usage"`
	ConsecutiveErrs int       `json:"consecutive_errors"`
	LastUsed        time.Time `json:"last_used,omitzero"`
	LastError       time.Time `json:"last_error,omitzero"`
	LastErrorMsg    string    `json:"last_error_message,omitempty"`
	LastProbe       time.Time `json:"last_probe,omitzero"`
	LastProbeOK     bool      `json:"last_probe_ok"`
}

func (e *entry) view() EntryView {
	kind := string(e.cfg.Credential.Kind)
	if kind == "" {
		kind = string(provider.CredentialInline)
	}
	return EntryView{
		ID:              e.cfg.ID,
		Name:            e.cfg.Name,
		Type:            e.cfg.Type,
		BaseURL:         e.cfg.BaseURL,
		CredentialKind:  kind,
		ProbeModel:      e.cfg.ProbeModel,
		State:           e.state,
		Usage:           e.usage,
		ConsecutiveErrs: e.consecutiveErrs,
		LastUsed:        e.lastUsed,
		LastError:       e.lastError,
		LastErrorMsg:    e.lastErrMsg,
		LastProbe:       e.lastProbe,
		LastProbeOK:     e.lastProbeOK,
	}
}
