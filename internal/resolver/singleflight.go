package resolver

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/localproxy/localproxy/internal/model"
)

// MappingStore is the subset of store.Store the resolver needs. Defined
// here (rather than imported) so resolver does not depend on the store
// package's concrete type — only its contract.
type MappingStore interface {
	Get(host string) (model.RouteMapping, bool)
	Set(host string, m model.RouteMapping)
	Save() error
}

// Gatewayer is the subset of Gateway the SingleflightResolver drives.
type Gatewayer interface {
	ResolveHostname(ctx context.Context, host, userHint string, inv model.InventorySnapshot) (model.TargetDecision, error)
	ResolveRelated(ctx context.Context, originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot) (model.TargetDecision, error)
}

// Resolver coalesces concurrent misses for the same key into one call to
// the gateway, writing the result through to the mapping store.
type Resolver struct {
	group   singleflight.Group
	gateway Gatewayer
	store   MappingStore
	log     *slog.Logger
}

// New builds a Resolver over gateway and store.
func New(gateway Gatewayer, store MappingStore, log *slog.Logger) *Resolver {
	return &Resolver{gateway: gateway, store: store, log: log}
}

// ResolveHostname resolves host, the key being the hostname itself. Unless
// force is set, the call re-checks the store inside the single-flight slot,
// so a waiter that joined an in-flight call for a *different* reason still
// sees a freshly written mapping if another waiter already finished. force
// skips that recheck so a stale hit is never returned without consulting
// the gateway.
func (r *Resolver) ResolveHostname(ctx context.Context, host, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error) {
	return r.resolve(ctx, host, force, func(ctx context.Context) (model.TargetDecision, error) {
		return r.gateway.ResolveHostname(ctx, host, userHint, inv)
	})
}

// ResolveRelated resolves a second-level "<origin>:<service>" composite
// key, the inter-service proxy path.
func (r *Resolver) ResolveRelated(ctx context.Context, key, originHost string, originMapping *model.RouteMapping, service, userHint string, inv model.InventorySnapshot, force bool) (model.RouteMapping, error) {
	return r.resolve(ctx, key, force, func(ctx context.Context) (model.TargetDecision, error) {
		return r.gateway.ResolveRelated(ctx, originHost, originMapping, service, userHint, inv)
	})
}

func (r *Resolver) resolve(ctx context.Context, key string, force bool, call func(context.Context) (model.TargetDecision, error)) (model.RouteMapping, error) {
	v, err, _ := r.group.Do(key, func() (any, error) {
		// Another waiter may have already populated the store while we
		// waited to enter this critical section. A forced re-resolution
		// must not short-circuit on that — it exists precisely to replace
		// whatever the store currently holds.
		if !force {
			if m, ok := r.store.Get(key); ok {
				return m, nil
			}
		}

		decision, err := call(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		m := decision.ToMapping(time.Now().UTC())
		r.store.Set(key, m)
		if saveErr := r.store.Save(); saveErr != nil {
			r.log.Warn("mapping resolved but persistence failed", "key", key, "error", saveErr)
		}
		return m, nil
	})
	if err != nil {
		return model.RouteMapping{}, err
	}
	return v.(model.RouteMapping), nil
}
