package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjod/tienda-cart/internal/cache"
	"github.com/fjod/tienda-cart/internal/cart"
	"github.com/fjod/tienda-cart/internal/catalog"
	"github.com/fjod/tienda-cart/internal/domain"
	"github.com/fjod/tienda-cart/internal/metrics"
	"github.com/fjod/tienda-cart/internal/repository"
	"github.com/fjod/tienda-cart/pkg/logger"
	"golang.org/x/sync/singleflight"
)

const sessionLockStripes = 64

// CartService owns one cart.Store per session. A store is loaded once
// (cache, then repository, then empty) and afterwards serves every read and
// write for that session; each change is written through to the repository.
type CartService struct {
	repo    repository.CartRepository
	cache   cache.CartCache
	catalog catalog.Reader
	metrics *metrics.Metrics
	sfg     singleflight.Group // Prevents concurrent loads of the same session
	now     func() time.Time

	// held while a session is loaded, ended or evicted
	lifecycle [sessionLockStripes]sync.Mutex

	mu    sync.RWMutex
	carts map[string]*session
}

// session pairs a store with the lock that orders its writes. A session
// marked ended is no longer in the registry; callers holding it start over.
type session struct {
	mu       sync.Mutex
	store    *cart.Store
	ended    bool
	lastUsed atomic.Int64
}

func (se *session) touch(t time.Time) { se.lastUsed.Store(t.UnixNano()) }

func NewCartService(repo repository.CartRepository, cache cache.CartCache, catalog catalog.Reader, m *metrics.Metrics) *CartService {
	return &CartService{
		repo:    repo,
		cache:   cache,
		catalog: catalog,
		metrics: m,
		now:     time.Now,
		carts:   make(map[string]*session),
	}
}

// GetCart returns the current view of the session's cart.
func (s *CartService) GetCart(ctx context.Context, sessionID string) (cart.View, error) {
	se, err := s.session(ctx, sessionID)
	if err != nil {
		return cart.View{}, err
	}
	return se.store.View(), nil
}

// AddItem looks productID up in the catalog and adds its snapshot.
func (s *CartService) AddItem(ctx context.Context, sessionID string, productID domain.ProductID) (cart.View, error) {
	p, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		s.metrics.CartOp("add", err)
		return cart.View{}, err
	}
	return s.AddProduct(ctx, sessionID, p)
}

// AddProduct adds a caller supplied snapshot without consulting the catalog.
func (s *CartService) AddProduct(ctx context.Context, sessionID string, p domain.Product) (cart.View, error) {
	view, err := s.mutate(ctx, sessionID, func(st *cart.Store) error {
		return st.Add(p)
	})
	s.metrics.CartOp("add", err)
	return view, err
}

// RemoveItem drops the line for productID. Unknown ids are not an error.
func (s *CartService) RemoveItem(ctx context.Context, sessionID string, productID domain.ProductID) (cart.View, error) {
	view, err := s.mutate(ctx, sessionID, func(st *cart.Store) error {
		st.Remove(productID)
		return nil
	})
	s.metrics.CartOp("remove", err)
	return view, err
}

// ClearCart empties the session's cart.
func (s *CartService) ClearCart(ctx context.Context, sessionID string) (cart.View, error) {
	view, err := s.mutate(ctx, sessionID, func(st *cart.Store) error {
		st.Clear()
		return nil
	})
	s.metrics.CartOp("clear", err)
	return view, err
}

// Subscribe forwards every new view of the session's cart to fn.
func (s *CartService) Subscribe(ctx context.Context, sessionID string, fn func(cart.View)) (cancel func(), err error) {
	se, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return se.store.Subscribe(fn), nil
}

// EndSession forgets the session: the in-memory store, the stored document
// and the cached view are all dropped. Writes already in flight for the
// session finish first; subscribers receive an empty cart.
func (s *CartService) EndSession(ctx context.Context, sessionID string) error {
	if err := validateSession(sessionID); err != nil {
		return err
	}

	lock := s.lifecycleLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	se, ok := s.carts[sessionID]
	if ok {
		delete(s.carts, sessionID)
		s.metrics.ActiveCarts.Dec()
	}
	s.mu.Unlock()

	if ok {
		se.mu.Lock()
		defer se.mu.Unlock()
		se.ended = true
		se.store.Clear()
	}

	err := s.repo.DeleteCart(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrCartNotFound) {
		logger.FromContext(ctx).Error("repo delete cart error", "session_id", sessionID, "error", err)
		return err
	}

	invalidateCache(ctx, s, sessionID)
	return nil
}

// EvictIdle drops stores unused for maxIdle that nobody is subscribed to.
// Their state is already persisted; the next request loads it again.
func (s *CartService) EvictIdle(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle).UnixNano()

	s.mu.RLock()
	var idle []string
	for id, se := range s.carts {
		if se.lastUsed.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	evicted := 0
	for _, id := range idle {
		if s.evict(id, cutoff) {
			evicted++
		}
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (s *CartService) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(maxIdle); n > 0 {
				logger.L().Debug("evicted idle carts", "count", n)
			}
		}
	}
}

func (s *CartService) evict(sessionID string, cutoff int64) bool {
	lock := s.lifecycleLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	se, ok := s.carts[sessionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	se.mu.Lock()
	defer se.mu.Unlock()
	if se.lastUsed.Load() >= cutoff || se.store.Subscribers() > 0 {
		return false
	}

	s.mu.Lock()
	delete(s.carts, sessionID)
	s.metrics.ActiveCarts.Dec()
	s.mu.Unlock()
	se.ended = true
	return true
}

// mutate applies op under the session's write lock and writes the result
// through when the version moved.
func (s *CartService) mutate(ctx context.Context, sessionID string, op func(*cart.Store) error) (cart.View, error) {
	for {
		se, err := s.session(ctx, sessionID)
		if err != nil {
			return cart.View{}, err
		}

		se.mu.Lock()
		if se.ended {
			se.mu.Unlock()
			continue
		}
		view, err := s.apply(ctx, sessionID, se.store, op)
		se.mu.Unlock()
		return view, err
	}
}

// apply runs op and saves the result. A failed save restores the previous
// items so memory never runs ahead of the repository. When the repository
// holds a newer cart than this store, the store adopts it and op runs once
// more on top of it.
func (s *CartService) apply(ctx context.Context, sessionID string, st *cart.Store, op func(*cart.Store) error) (cart.View, error) {
	log := logger.FromContext(ctx)

	for attempt := 0; ; attempt++ {
		before := st.View()
		if err := op(st); err != nil {
			return cart.View{}, err
		}

		view := st.View()
		if view.Version() == before.Version() {
			return view, nil
		}

		err := s.repo.SaveCart(ctx, sessionID, view)
		if err == nil {
			invalidateCache(ctx, s, sessionID)
			return view, nil
		}

		st.Replace(before.Items(), before.Version())
		if !errors.Is(err, repository.ErrStaleVersion) || attempt > 0 {
			log.Error("repo save cart error", "session_id", sessionID, "error", err)
			return st.View(), fmt.Errorf("save cart: %w", err)
		}

		log.Warn("cart out of date, reloading from repository", "session_id", sessionID, "version", view.Version())
		if err := s.resync(ctx, sessionID, st); err != nil {
			return st.View(), err
		}
	}
}

// resync replaces the store's items with the stored document and drops the
// cached view, which is at least as old as the store was.
func (s *CartService) resync(ctx context.Context, sessionID string, st *cart.Store) error {
	rec, err := s.repo.GetCart(ctx, sessionID)
	switch {
	case errors.Is(err, repository.ErrCartNotFound):
		st.Replace(nil, 0)
	case err != nil:
		return fmt.Errorf("reload cart: %w", err)
	default:
		st.Replace(rec.Items, uint64(rec.Version))
	}

	invalidateCache(ctx, s, sessionID)
	return nil
}

func (s *CartService) session(ctx context.Context, sessionID string) (*session, error) {
	if err := validateSession(sessionID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	se, ok := s.carts[sessionID]
	s.mu.RUnlock()
	if ok {
		se.touch(s.now())
		return se, nil
	}

	v, err, _ := s.sfg.Do(sessionID, func() (interface{}, error) {
		lock := s.lifecycleLock(sessionID)
		lock.Lock()
		defer lock.Unlock()

		s.mu.RLock()
		existing, ok := s.carts[sessionID]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		st, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		se := &session{store: st}
		se.touch(s.now())
		s.mu.Lock()
		s.carts[sessionID] = se
		s.metrics.ActiveCarts.Inc()
		s.mu.Unlock()
		return se, nil
	})
	if err != nil {
		return nil, err
	}

	se = v.(*session)
	se.touch(s.now())
	return se, nil
}

func (s *CartService) lifecycleLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.lifecycle[h.Sum32()%sessionLockStripes]
}

func (s *CartService) load(ctx context.Context, sessionID string) (*cart.Store, error) {
	log := logger.FromContext(ctx)

	view, err := s.cache.Get(ctx, sessionID)
	if err == nil {
		return cart.NewStoreFrom(view.Items(), view.Version()), nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		log.Warn("cache get error", "session_id", sessionID, "error", err) // log cache error but continue
	}

	rec, err := s.repo.GetCart(ctx, sessionID)
	if errors.Is(err, repository.ErrCartNotFound) {
		return cart.NewStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	// populate the cache before the store becomes reachable, so no write
	// can invalidate it first and be overwritten by this older view
	st := rec.Store()
	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Set(setCtx, sessionID, st.View()); err != nil {
		log.Warn("cache set error", "session_id", sessionID, "error", err)
	}

	return st, nil
}

func invalidateCache(ctx context.Context, s *CartService, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		logger.FromContext(ctx).Warn("cache invalidate error", "session_id", sessionID, "error", err)
	}
}

func validateSession(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.InvalidArgument("session id is required")
	}
	return nil
}
