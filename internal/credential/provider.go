// Package credential implements the Credential Provider of spec §4.1: it
// acquires and refreshes auth tokens for connector instances and exposes a
// single-flight refresh discipline so concurrent pull workers share one
// refresh call instead of stampeding the identity provider.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rakunlabs/connectgate/internal/errtax"
	"github.com/rakunlabs/connectgate/internal/model"
	"github.com/rakunlabs/logi"
)

// safetyWindow is how far ahead of expiresAt a refresh is triggered
// ("now >= expiresAt - 60s" per spec §4.1).
const safetyWindow = 60 * time.Second

// Refresher knows how to mint a fresh Credential for one instance's scheme
// configuration. Implementations live in oauth2.go and static.go.
type Refresher interface {
	// Refresh returns a brand-new Credential. previous is nil on first use.
	Refresh(ctx context.Context, previous *model.Credential) (model.Credential, error)
}

// lease is the provider's live view of one instance's credential.
type lease struct {
	mu   sync.RWMutex
	cred model.Credential
	has  bool
}

// Provider is the concrete, in-process Credential Provider. One Provider
// typically backs an entire runtime process; leases are keyed by connector
// instance id.
type Provider struct {
	refreshers map[string]Refresher // instanceID -> scheme refresher

	mu     sync.Mutex
	leases map[string]*lease

	sf singleflight.Group // single-flight refresh per instance id
}

// New creates an empty Provider. Call Register for each connector instance
// before Acquire is called for it.
func New() *Provider {
	return &Provider{
		refreshers: make(map[string]Refresher),
		leases:     make(map[string]*lease),
	}
}

// Register associates a connector instance id with the Refresher that mints
// its credentials. Must be called once during instance initialization.
func (p *Provider) Register(instanceID string, r Refresher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshers[instanceID] = r
	if _, ok := p.leases[instanceID]; !ok {
		p.leases[instanceID] = &lease{}
	}
}

// Acquire returns a valid Credential for instanceID, refreshing it first if
// it is missing or within safetyWindow of expiry. Concurrent callers that
// observe an expired/missing credential share exactly one refresh call.
func (p *Provider) Acquire(ctx context.Context, instanceID string) (model.Credential, error) {
	p.mu.Lock()
	r, ok := p.refreshers[instanceID]
	l := p.leases[instanceID]
	p.mu.Unlock()

	if !ok || l == nil {
		return model.Credential{}, &errtax.ValidationError{Op: "credential.Acquire", Message: fmt.Sprintf("instance %q not registered", instanceID)}
	}

	l.mu.RLock()
	cred := l.cred
	has := l.has
	l.mu.RUnlock()

	if has && !needsRefresh(cred) {
		return cred, nil
	}

	// Single-flight: only one goroutine per instance id actually calls
	// Refresh; the rest wait on the same result.
	v, err, _ := p.sf.Do(instanceID, func() (any, error) {
		// Re-check under the singleflight gate: another waiter may have
		// just finished a refresh we can reuse.
		l.mu.RLock()
		cur := l.cred
		curHas := l.has
		l.mu.RUnlock()
		if curHas && !needsRefresh(cur) {
			return cur, nil
		}

		var prev *model.Credential
		if curHas {
			prev = &cur
		}

		logi.Ctx(ctx).Info("credential: refreshing", "instance_id", instanceID)
		refreshed, err := r.Refresh(ctx, prev)
		if err != nil {
			logi.Ctx(ctx).Error("credential: refresh failed", "instance_id", instanceID, "error", err)
			return model.Credential{}, err
		}

		l.mu.Lock()
		l.cred = refreshed
		l.has = true
		l.mu.Unlock()

		return refreshed, nil
	})
	if err != nil {
		return model.Credential{}, err
	}

	return v.(model.Credential), nil
}

// Invalidate forces the next Acquire for instanceID to refresh.
func (p *Provider) Invalidate(instanceID string) {
	p.mu.Lock()
	l := p.leases[instanceID]
	p.mu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	l.has = false
	l.mu.Unlock()
	slog.Debug("credential: invalidated", "instance_id", instanceID)
}

func needsRefresh(c model.Credential) bool {
	if !c.ExpiresAt.Valid {
		return false
	}
	return !time.Now().Before(c.ExpiresAt.V.Time.Add(-safetyWindow))
}
