package cache

import (
	"context"
	"errors"

	"github.com/fjod/tienda-cart/internal/cart"
)

// CartCache stores the latest view of a session's cart.
type CartCache interface {
	Get(ctx context.Context, sessionID string) (cart.View, error)
	Set(ctx context.Context, sessionID string, view cart.View) error
	Delete(ctx context.Context, sessionID string) error
}

var ErrCacheMiss = errors.New("cache miss")

// Nop is used when no Redis address is configured. Every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, string) (cart.View, error) { return cart.View{}, ErrCacheMiss }
func (Nop) Set(context.Context, string, cart.View) error   { return nil }
func (Nop) Delete(context.Context, string) error           { return nil }
