package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/tienda-cart/internal/cart"
	"github.com/fjod/tienda-cart/internal/domain"
	"github.com/fjod/tienda-cart/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// retryDelay throttles the loop while the broker is unreachable.
const retryDelay = time.Second

var ErrMalformedEvent = errors.New("malformed checkout event")

type CartClearer interface {
	ClearCart(ctx context.Context, sessionID string) (cart.View, error)
}

type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Poller empties a session's cart once its checkout has completed.
type Poller struct {
	carts  CartClearer
	reader MessageReader
}

func NewPoller(carts CartClearer, topic, groupID string, brokers ...string) *Poller {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6, // 10MB
	})
	return NewPollerWithReader(carts, reader)
}

func NewPollerWithReader(carts CartClearer, reader MessageReader) *Poller {
	return &Poller{carts: carts, reader: reader}
}

func (p *Poller) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return
		}

		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("error reading message", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		if err := p.handle(ctx, m); err != nil {
			log.Error("failed to handle checkout event", "offset", m.Offset, "error", err)
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		logger.L().Error("error closing reader", "error", err)
	}
}

func (p *Poller) handle(ctx context.Context, m kafka.Message) error {
	var event domain.CheckoutCompletedEvent
	if err := json.Unmarshal(m.Value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrMalformedEvent)
	}

	if _, err := p.carts.ClearCart(ctx, event.SessionID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	logger.FromContext(ctx).Info("cart cleared after checkout",
		"session_id", event.SessionID, "checkout_id", event.CheckoutID)
	return nil
}
