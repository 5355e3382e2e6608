package cart

import (
	"encoding/json"
	"time"

	"github.com/fjod/tienda-cart/internal/domain"
)

// LineItem is one product snapshot plus the quantity held in the cart.
type LineItem struct {
	Product  domain.Product `json:"product" bson:"product"`
	Quantity int            `json:"quantity" bson:"quantity"`
	AddedAt  time.Time      `json:"added_at" bson:"added_at"`
}

func (li LineItem) clone() LineItem {
	li.Product = li.Product.Clone()
	return li
}

// View is a read-only snapshot of a cart. Nothing obtained from a View can
// modify the Store that produced it.
type View struct {
	items   []LineItem
	version uint64
}

// Items returns a copy of the line items in insertion order.
func (v View) Items() []LineItem {
	out := make([]LineItem, len(v.items))
	for i, li := range v.items {
		out[i] = li.clone()
	}
	return out
}

func (v View) Len() int { return len(v.items) }

func (v View) IsEmpty() bool { return len(v.items) == 0 }

// Version increases by one with every mutation that changed the cart.
func (v View) Version() uint64 { return v.version }

// Item looks up the line item for id.
func (v View) Item(id domain.ProductID) (LineItem, bool) {
	for _, li := range v.items {
		if li.Product.ID == id {
			return li.clone(), true
		}
	}
	return LineItem{}, false
}

// TotalQuantity sums the quantities of all lines.
func (v View) TotalQuantity() int {
	total := 0
	for _, li := range v.items {
		total += li.Quantity
	}
	return total
}

// Subtotal is the sum of price times quantity, using prices captured at add time.
func (v View) Subtotal() float64 {
	var total float64
	for _, li := range v.items {
		total += li.Product.Price * float64(li.Quantity)
	}
	return total
}

type viewJSON struct {
	Items         []LineItem `json:"items"`
	TotalQuantity int        `json:"total_quantity"`
	Subtotal      float64    `json:"subtotal"`
	Version       uint64     `json:"version"`
}

func (v View) MarshalJSON() ([]byte, error) {
	items := v.items
	if items == nil {
		items = []LineItem{}
	}
	return json.Marshal(viewJSON{
		Items:         items,
		TotalQuantity: v.TotalQuantity(),
		Subtotal:      v.Subtotal(),
		Version:       v.version,
	})
}

// UnmarshalJSON restores a view written by MarshalJSON. Lines breaking the
// cart invariants are dropped or merged the same way NewStoreFrom does.
func (v *View) UnmarshalJSON(data []byte) error {
	var raw viewJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.items = normalize(raw.Items)
	v.version = raw.Version
	return nil
}
