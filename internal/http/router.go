package http

import (
	"net/http"
	"time"

	"github.com/fjod/tienda-cart/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterConfig struct {
	AppName            string
	AppVersion         string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

func NewRouter(cfg RouterConfig, carts CartService, products ProductCatalog, m *metrics.Metrics) http.Handler {
	cartHandler := NewCartHandler(carts, cfg.RequestTimeout, cfg.MaxRequestBodySize)
	productHandler := NewProductHandler(products, cfg.RequestTimeout)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(middleware.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"app":     cfg.AppName,
			"version": cfg.AppVersion,
		})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			r.Get("/", productHandler.List)
			r.Get("/{id}", productHandler.Get)
		})

		r.Route("/cart", func(r chi.Router) {
			r.Use(SessionMiddleware)

			// event streams outlive the request timeout
			r.Get("/events", cartHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
				r.Get("/", cartHandler.GetCart)
				r.Delete("/", cartHandler.ClearCart)
				r.Post("/items", cartHandler.AddItem)
				r.Delete("/items/{product_id}", cartHandler.RemoveItem)
			})
		})

		r.With(SessionMiddleware, middleware.Timeout(cfg.RequestTimeout)).Delete("/session", cartHandler.EndSession)
	})

	return r
}
