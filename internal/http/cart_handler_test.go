package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fjod/tienda-cart/internal/cache"
	"github.com/fjod/tienda-cart/internal/catalog"
	"github.com/fjod/tienda-cart/internal/domain"
	"github.com/fjod/tienda-cart/internal/metrics"
	"github.com/fjod/tienda-cart/internal/repository"
	"github.com/fjod/tienda-cart/internal/service"
	"github.com/fjod/tienda-cart/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogMock struct {
	products []domain.Product
	err      error
}

func (m catalogMock) ListProducts(context.Context) ([]domain.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.products, nil
}

func (m catalogMock) GetProduct(_ context.Context, id domain.ProductID) (domain.Product, error) {
	if m.err != nil {
		return domain.Product{}, m.err
	}
	for _, p := range m.products {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Product{}, domain.NotFound("product %s", id)
}

const (
	testSession   = "6f1c2f0e-8d4a-4e57-9a43-0f3b6a1d2c11"
	streamSession = "1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed"
)

var testProducts = catalogMock{products: []domain.Product{
	{ID: "1", Name: "Laptop", Price: 1000},
	{ID: "2", Name: "Mouse", Price: 25},
}}

type cartJSON struct {
	Items []struct {
		Product  domain.Product `json:"product"`
		Quantity int            `json:"quantity"`
	} `json:"items"`
	TotalQuantity int     `json:"total_quantity"`
	Subtotal      float64 `json:"subtotal"`
	Version       uint64  `json:"version"`
}

func newTestRouter(t *testing.T, products catalogMock) http.Handler {
	t.Helper()
	m := metrics.New()
	svc := service.NewCartService(repository.NewMemoryRepository(), cache.Nop{}, products, m)
	return NewRouter(RouterConfig{
		AppName:            "TiendaVue",
		AppVersion:         "test",
		RequestTimeout:     5 * time.Second,
		MaxRequestBodySize: 1 << 10,
	}, svc, products, m)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set(SessionHeader, testSession)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeCart(t *testing.T, rec *httptest.ResponseRecorder) cartJSON {
	t.Helper()
	var c cartJSON
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return c
}

func TestGetCart_Empty(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodGet, "/api/v1/cart", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, rec.Code)
	}
	c := decodeCart(t, rec)
	if len(c.Items) != 0 {
		t.Errorf("Expected empty cart, got %d items", len(c.Items))
	}
}

func TestAddItem_Success(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected status code %d, got %d", http.StatusCreated, rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":1}`)
	c := decodeCart(t, rec)

	require.Len(t, c.Items, 1)
	assert.Equal(t, 2, c.Items[0].Quantity)
	assert.Equal(t, "Laptop", c.Items[0].Product.Name)
	assert.Equal(t, 2000.0, c.Subtotal)
}

func TestAddItem_InvalidJSON(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":`)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status code %d, got %d", http.StatusBadRequest, rec.Code)
	}
	var response ErrorResponse
	json.NewDecoder(rec.Body).Decode(&response)
	if response.Code != "invalid_request" {
		t.Errorf("Expected error code 'invalid_request', got '%s'", response.Code)
	}
}

func TestAddItem_MissingProductID(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "invalid_product_id", response.Code)
}

func TestAddItem_BodyTooLarge(t *testing.T) {
	h := newTestRouter(t, testProducts)

	body := `{"product_id":"1","padding":"` + strings.Repeat("x", 2048) + `"}`
	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddItem_UnknownProduct(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"77"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "not_found", response.Code)
}

func TestAddItem_CatalogUnavailable(t *testing.T) {
	h := newTestRouter(t, catalogMock{err: errors.New("disk on fire")})

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"1"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestRemoveItem_PreservesOrderAndIsIdempotent(t *testing.T) {
	h := newTestRouter(t, catalogMock{products: []domain.Product{{ID: "A"}, {ID: "B"}, {ID: "C"}}})
	for _, id := range []string{"A", "B", "C"} {
		rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"`+id+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, h, http.MethodDelete, "/api/v1/cart/items/B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	c := decodeCart(t, rec)
	require.Len(t, c.Items, 2)
	assert.Equal(t, domain.ProductID("A"), c.Items[0].Product.ID)
	assert.Equal(t, domain.ProductID("C"), c.Items[1].Product.ID)

	rec = do(t, h, http.MethodDelete, "/api/v1/cart/items/B", "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeCart(t, rec)
	assert.Equal(t, c.Version, again.Version)
}

func TestClearCart(t *testing.T) {
	h := newTestRouter(t, testProducts)
	do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"1"}`)
	do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"2"}`)

	rec := do(t, h, http.MethodDelete, "/api/v1/cart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)

	rec = do(t, h, http.MethodDelete, "/api/v1/cart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)
}

func TestSessionCookieIssuedAndReused(t *testing.T) {
	h := newTestRouter(t, testProducts)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", strings.NewReader(`{"product_id":"1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, SessionCookie, cookies[0].Name)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Result().Cookies())
	assert.Len(t, decodeCart(t, rec).Items, 1)

	other := do(t, h, http.MethodGet, "/api/v1/cart", "")
	assert.Empty(t, decodeCart(t, other).Items)
}

func TestSessionHeader_Validation(t *testing.T) {
	h := newTestRouter(t, testProducts)

	for _, id := range []string{"session-1", strings.Repeat("a", 4096), "../../etc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
		req.Header.Set(SessionHeader, id)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var response ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, "invalid_session", response.Code)
	}

	// other spellings of the same uuid share one cart
	do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"1"}`)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set(SessionHeader, strings.ToUpper(testSession))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeCart(t, rec).Items, 1)
}

func TestSessionCookie_InvalidValueReplaced(t *testing.T) {
	h := newTestRouter(t, testProducts)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "not-a-uuid"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.NotEqual(t, "not-a-uuid", cookies[0].Value)
}

func TestAddItem_NonCanonicalCatalogID(t *testing.T) {
	products, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { products.Close() })
	require.NoError(t, products.Migrate())

	m := metrics.New()
	svc := service.NewCartService(repository.NewMemoryRepository(), cache.Nop{}, products, m)
	h := NewRouter(RouterConfig{RequestTimeout: 5 * time.Second, MaxRequestBodySize: 1 << 10}, svc, products, m)

	for _, id := range []string{`"03"`, `"+3"`, `" 3"`} {
		rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":`+id+`}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/v1/cart/items/3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeCart(t, rec).Items)
}

func TestEndSession(t *testing.T) {
	h := newTestRouter(t, testProducts)
	do(t, h, http.MethodPost, "/api/v1/cart/items", `{"product_id":"1"}`)

	rec := do(t, h, http.MethodDelete, "/api/v1/session", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].MaxAge < 0)

	assert.Empty(t, decodeCart(t, do(t, h, http.MethodGet, "/api/v1/cart", "")).Items)
}

func TestHealth(t *testing.T) {
	h := newTestRouter(t, testProducts)

	rec := do(t, h, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "TiendaVue", body["app"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func readEvent(t *testing.T, r *bufio.Reader) cartJSON {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var c cartJSON
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &c))
			return c
		}
	}
}

func TestEvents_StreamsCartChanges(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, testProducts))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/cart/events", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, streamSession)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.Empty(t, first.Items)

	add, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/cart/items", strings.NewReader(`{"product_id":"2"}`))
	require.NoError(t, err)
	add.Header.Set(SessionHeader, streamSession)
	addResp, err := srv.Client().Do(add)
	require.NoError(t, err)
	addResp.Body.Close()
	require.Equal(t, http.StatusCreated, addResp.StatusCode)

	next := readEvent(t, reader)
	require.Len(t, next.Items, 1)
	assert.Equal(t, domain.ProductID("2"), next.Items[0].Product.ID)
	assert.Equal(t, uint64(1), next.Version)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.InvalidArgument("bad"), http.StatusBadRequest, "invalid_argument"},
		{domain.NotFound("gone"), http.StatusNotFound, "not_found"},
		{fmt.Errorf("cache: %w", circuitbreaker.ErrOpen), http.StatusServiceUnavailable, "service_unavailable"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)

		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		var response ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, tc.code, response.Code)
	}
}

var _ CartService = (*service.CartService)(nil)
