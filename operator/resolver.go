package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	walleterrors "github.com/lightsparkdev/spark-wallet/errors"
)

// EndpointSource resolves an operator's logical identity to a reachable
// network endpoint. Implementations may hit DNS or a discovery service; the
// static source below just reads the registry.
type EndpointSource interface {
	Resolve(ctx context.Context, operator *SigningOperator) (string, error)
}

// StaticSource resolves operators to the address recorded in the registry.
type StaticSource struct{}

func (StaticSource) Resolve(_ context.Context, op *SigningOperator) (string, error) {
	if op.Address == "" {
		return "", fmt.Errorf("operator %s has no address", op.Identifier)
	}
	return op.Address, nil
}

// Resolver caches endpoint resolutions so every signing round does not pay a
// discovery round trip. Resolution failures are surfaced as unreachable and
// never cached.
type Resolver struct {
	source EndpointSource
	cache  *cache.Cache
}

// NewResolver wraps source with a TTL cache. A zero ttl disables expiry.
func NewResolver(source EndpointSource, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the endpoint for the operator, from cache when fresh.
func (r *Resolver) Resolve(ctx context.Context, op *SigningOperator) (string, error) {
	if endpoint, ok := r.cache.Get(op.Identifier); ok {
		return endpoint.(string), nil
	}

	endpoint, err := r.source.Resolve(ctx, op)
	if err != nil {
		return "", walleterrors.UnavailableOperator(fmt.Errorf("resolving operator %s: %w", op.Identifier, err))
	}
	r.cache.SetDefault(op.Identifier, endpoint)
	return endpoint, nil
}

// Invalidate drops a cached endpoint, forcing re-resolution on next use.
// Called after a connection to the cached endpoint fails.
func (r *Resolver) Invalidate(identifier string) {
	r.cache.Delete(identifier)
}
