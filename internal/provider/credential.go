package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CredentialKind selects where an adapter's secret comes from.
type CredentialKind string

const (
	// CredentialInline is a literal secret in configuration.
	CredentialInline CredentialKind = "inline"
	// CredentialFile points at a file holding the secret. OAuth-backed
	// providers are handled by an external flow that rewrites this
	// file; a refresh here re-reads it.
	CredentialFile CredentialKind = "file"
	// CredentialCookie is a raw Cookie header value.
	CredentialCookie CredentialKind = "cookie"
)

// CredentialRef is the opaque reference stored on a pool entry.
type CredentialRef struct {
	Kind  CredentialKind `yaml:"kind" json:"kind"`
	Value string         `yaml:"value" json:"value"`
}

// Credential holds an adapter's live secret and expiry. Refresh is
// single-flight: a refresh already in flight is awaited by concurrent
// callers rather than duplicated.
type Credential struct {
	ref  CredentialRef
	load func(CredentialRef) (string, time.Time, error)

	mu     sync.RWMutex
	token  string
	expiry time.Time
	loaded bool

	group singleflight.Group
}

func NewCredential(ref CredentialRef) *Credential {
	return &Credential{ref: ref, load: loadCredential}
}

func (c *Credential) Ref() CredentialRef { return c.ref }

// Kind returns the credential source kind.
func (c *Credential) Kind() CredentialKind { return c.ref.Kind }

// Token returns the current secret, loading it on first use and
// refreshing it when expired.
func (c *Credential) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	ok := c.loaded && (c.expiry.IsZero() || time.Now().Before(c.expiry))
	token := c.token
	c.mu.RUnlock()
	if ok {
		return token, nil
	}
	if err := c.Refresh(ctx, false); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

// Refresh reloads the secret from its source. Unless force is set, a
// still-valid credential is left alone. Concurrent refreshes collapse
// into one load.
func (c *Credential) Refresh(ctx context.Context, force bool) error {
	if !force {
		c.mu.RLock()
		ok := c.loaded && (c.expiry.IsZero() || time.Now().Before(c.expiry))
		c.mu.RUnlock()
		if ok {
			return nil
		}
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		token, expiry, err := c.load(c.ref)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token = token
		c.expiry = expiry
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// NearExpiry reports whether the credential expires within window.
// Credentials with no expiry never near it.
func (c *Credential) NearExpiry(window time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded || c.expiry.IsZero() {
		return false
	}
	return time.Until(c.expiry) < window
}

// Expiry returns the credential's expiry, zero when none applies.
func (c *Credential) Expiry() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry
}

// fileCredential is the JSON shape accepted in credential files.
// A bare token on a single line is also accepted.
type fileCredential struct {
	AccessToken string `json:"access_token"`
	APIKey      string `json:"api_key"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

func loadCredential(ref CredentialRef) (token string, expiry time.Time, err error) {
	switch ref.Kind {
	case CredentialInline, CredentialCookie, "":
		if ref.Value == "" {
			return "", time.Time{}, fmt.Errorf("empty %s credential", ref.Kind)
		}
		return ref.Value, time.Time{}, nil
	case CredentialFile:
		data, err := os.ReadFile(ref.Value)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("read credential file: %w", err)
		}
		var fc fileCredential
		if jerr := json.Unmarshal(data, &fc); jerr == nil && (fc.AccessToken != "" || fc.APIKey != "") {
			token := fc.AccessToken
			if token == "" {
				token = fc.APIKey
			}
			var expiry time.Time
			if fc.ExpiresAt != "" {
				if t, perr := time.Parse(time.RFC3339, fc.ExpiresAt); perr == nil {
					expiry = t
				}
			}
			return token, expiry, nil
		}
		token = strings.TrimSpace(string(data))
		if token == "" {
			return "", time.Time{}, fmt.Errorf("credential file %s is empty", ref.Value)
		}
		return token, time.Time{}, nil
	default:
		return "", time.Time{}, fmt.Errorf("unknown credential kind %q", ref.Kind)
	}
}
