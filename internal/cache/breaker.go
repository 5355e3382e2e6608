package cache

import (
	"context"
	"errors"

	"github.com/fjod/tienda-cart/internal/cart"
	"github.com/fjod/tienda-cart/pkg/circuitbreaker"
)

// Guarded stops calling the wrapped cache after repeated failures so a dead
// Redis costs one fast error per request instead of a timeout.
type Guarded struct {
	next CartCache
	cb   *circuitbreaker.Breaker[cart.View]
}

func NewGuarded(next CartCache, settings circuitbreaker.Settings) *Guarded {
	settings.Ignore = func(err error) bool { return errors.Is(err, ErrCacheMiss) }
	return &Guarded{
		next: next,
		cb:   circuitbreaker.New[cart.View](settings),
	}
}

func (g *Guarded) Get(ctx context.Context, sessionID string) (cart.View, error) {
	return g.cb.Execute(func() (cart.View, error) {
		return g.next.Get(ctx, sessionID)
	})
}

func (g *Guarded) Set(ctx context.Context, sessionID string, view cart.View) error {
	_, err := g.cb.Execute(func() (cart.View, error) {
		return view, g.next.Set(ctx, sessionID, view)
	})
	return err
}

func (g *Guarded) Delete(ctx context.Context, sessionID string) error {
	_, err := g.cb.Execute(func() (cart.View, error) {
		return cart.View{}, g.next.Delete(ctx, sessionID)
	})
	return err
}
