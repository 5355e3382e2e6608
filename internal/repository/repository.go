package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/tienda-cart/internal/cart"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	// ErrStaleVersion is returned by SaveCart when the stored cart already
	// has the same or a newer version than the one being written.
	ErrStaleVersion = errors.New("stale cart version")
)

// CartRecord is the persisted form of one session's cart.
type CartRecord struct {
	SessionID string          `bson:"session_id"`
	Items     []cart.LineItem `bson:"items"`
	Version   int64           `bson:"version"`
	CreatedAt time.Time       `bson:"created_at"`
	UpdatedAt time.Time       `bson:"updated_at"`
}

// Store rebuilds the cart store held in the record.
func (r *CartRecord) Store() *cart.Store {
	return cart.NewStoreFrom(r.Items, uint64(r.Version))
}

// CartRepository defines the persistence the cart service relies on.
// Consumers define this interface, not the MongoDB implementation.
type CartRepository interface {
	GetCart(ctx context.Context, sessionID string) (*CartRecord, error)
	SaveCart(ctx context.Context, sessionID string, view cart.View) error
	DeleteCart(ctx context.Context, sessionID string) error
}
