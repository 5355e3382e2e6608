package domain

// CheckoutCompletedEvent is the outbox payload published once a checkout
// succeeds. Only the session id matters to the cart service.
type CheckoutCompletedEvent struct {
	CheckoutID string `json:"checkout_id"`
	SessionID  string `json:"session_id"`
}
