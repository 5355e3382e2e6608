package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/tienda-cart/internal/cart"
	"github.com/fjod/tienda-cart/internal/domain"
	"github.com/fjod/tienda-cart/pkg/logger"
	"github.com/go-chi/chi/v5"
)

// keepAliveInterval keeps idle event streams open through proxies.
const keepAliveInterval = 15 * time.Second

type CartService interface {
	GetCart(ctx context.Context, sessionID string) (cart.View, error)
	AddItem(ctx context.Context, sessionID string, productID domain.ProductID) (cart.View, error)
	RemoveItem(ctx context.Context, sessionID string, productID domain.ProductID) (cart.View, error)
	ClearCart(ctx context.Context, sessionID string) (cart.View, error)
	Subscribe(ctx context.Context, sessionID string, fn func(cart.View)) (func(), error)
	EndSession(ctx context.Context, sessionID string) error
}

type CartHandler struct {
	service     CartService
	timeout     time.Duration
	maxBodySize int64
}

func NewCartHandler(service CartService, timeout time.Duration, maxBodySize int64) *CartHandler {
	return &CartHandler{
		service:     service,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// ProductRef accepts the product id as a JSON string or number.
type ProductRef string

func (p *ProductRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProductRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = ProductRef(n.String())
	return nil
}

type AddItemRequestDTO struct {
	ProductID ProductRef `json:"product_id"`
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.service.GetCart(ctx, sessionFromContext(r.Context()))
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBodySize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	view, err := h.service.AddItem(ctx, sessionFromContext(r.Context()), domain.ProductID(req.ProductID))
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, view)
}

// RemoveItem answers 200 with the cart even when the product was not in it.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID := chi.URLParam(r, "product_id")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id is required")
		return
	}

	view, err := h.service.RemoveItem(ctx, sessionFromContext(r.Context()), domain.ProductID(productID))
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	view, err := h.service.ClearCart(ctx, sessionFromContext(r.Context()))
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// EndSession drops the cart and expires the session cookie.
func (h *CartHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.service.EndSession(ctx, sessionFromContext(r.Context())); err != nil {
		handleError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// Events streams the cart as server-sent events: the current view first,
// then one "cart" event per change until the client goes away. A slow
// client skips intermediate views but always receives the latest one.
func (h *CartHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	ctx := r.Context()
	sessionID := sessionFromContext(ctx)

	updates := make(chan cart.View, 1)
	unsubscribe, err := h.service.Subscribe(ctx, sessionID, func(v cart.View) {
		select {
		case updates <- v:
		default:
			// replace the pending view with the newer one
			select {
			case <-updates:
			default:
			}
			select {
			case updates <- v:
			default:
			}
		}
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	defer unsubscribe()

	current, err := h.service.GetCart(ctx, sessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	last := current.Version()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-updates:
			if v.Version() <= last {
				continue
			}
			if err := writeEvent(w, v); err != nil {
				logger.FromContext(ctx).Debug("cart event stream closed", "error", err)
				return
			}
			flusher.Flush()
			last = v.Version()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v cart.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: cart\ndata: %s\n\n", strconv.FormatUint(v.Version(), 10), data)
	return err
}
