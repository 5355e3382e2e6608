package cart

import (
	"sync"
	"time"

	"github.com/fjod/tienda-cart/internal/domain"
)

// Store owns the mutable line items of one cart. All mutations go through
// Add, Remove, RemoveStrict and Clear; readers only ever get a View.
//
// Operations are serialized. Subscribers are called synchronously, after the
// store lock is released, in version order. A callback may cancel its own
// subscription but must not call any other Store method.
type Store struct {
	mu      sync.Mutex
	items   []LineItem
	version uint64
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[uint64]func(View)
	nextSub uint64

	// held while subscribers run so deliveries never overtake each other
	notifyMu sync.Mutex
}

// NewStore creates an empty cart.
func NewStore() *Store {
	return &Store{
		subs: make(map[uint64]func(View)),
		now:  time.Now,
	}
}

// NewStoreFrom rebuilds a cart from persisted line items. Lines without an id
// or with a non-positive quantity are dropped; duplicate ids are merged into
// the first occurrence.
func NewStoreFrom(items []LineItem, version uint64) *Store {
	s := NewStore()
	s.items = normalize(items)
	s.version = version
	return s
}

// Add puts one unit of p into the cart. A product already present keeps its
// original snapshot and only has its quantity incremented.
func (s *Store) Add(p domain.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if i := s.indexLocked(p.ID); i >= 0 {
		s.items[i].Quantity++
	} else {
		s.items = append(s.items, LineItem{
			Product:  p.Clone(),
			Quantity: 1,
			AddedAt:  s.now(),
		})
	}
	s.publishLocked()
	return nil
}

// Remove deletes the line for id. Unknown ids are ignored.
// It reports whether a line was removed.
func (s *Store) Remove(id domain.ProductID) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	s.publishLocked()
	return true
}

// RemoveStrict is Remove for callers that need to know about unknown ids.
func (s *Store) RemoveStrict(id domain.ProductID) error {
	if !s.Remove(id) {
		return domain.NotFound("product %q is not in the cart", id)
	}
	return nil
}

// Clear empties the cart. Clearing an empty cart changes nothing.
func (s *Store) Clear() {
	s.mu.Lock()
	if len(s.items) == 0 {
		s.mu.Unlock()
		return
	}
	s.items = nil
	s.publishLocked()
}

// Replace swaps the whole cart for items and publishes the result. The new
// version is above both version and the current one, so subscribers and
// versioned saves keep moving forward.
func (s *Store) Replace(items []LineItem, version uint64) {
	s.mu.Lock()
	s.items = normalize(items)
	if version > s.version {
		s.version = version
	}
	s.publishLocked()
}

// View returns the current snapshot.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Subscribe registers fn to receive every view produced by a later mutation.
// The returned function unregisters it and is safe to call more than once.
func (s *Store) Subscribe(fn func(View)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Subscribers reports how many subscriptions are registered.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

func (s *Store) indexLocked(id domain.ProductID) int {
	for i := range s.items {
		if s.items[i].Product.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) viewLocked() View {
	items := make([]LineItem, len(s.items))
	copy(items, s.items)
	return View{items: items, version: s.version}
}

// publishLocked bumps the version, releases s.mu and notifies subscribers.
func (s *Store) publishLocked() {
	s.version++
	v := s.viewLocked()
	s.subMu.Lock()
	subs := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

func normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	seen := make(map[domain.ProductID]int, len(items))
	for _, li := range items {
		if li.Quantity < 1 || li.Product.Validate() != nil {
			continue
		}
		if i, ok := seen[li.Product.ID]; ok {
			out[i].Quantity += li.Quantity
			continue
		}
		seen[li.Product.ID] = len(out)
		out = append(out, li.clone())
	}
	return out
}
