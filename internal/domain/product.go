package domain

import "strings"

// ProductID identifies a product. It is opaque to the cart.
type ProductID string

// Product is a snapshot of the catalog fields shown next to a cart line.
type Product struct {
	ID          ProductID         `json:"id" bson:"id"`
	Name        string            `json:"name" bson:"name"`
	Description string            `json:"description,omitempty" bson:"description,omitempty"`
	Price       float64           `json:"price" bson:"price"`
	ImageURL    string            `json:"image_url,omitempty" bson:"image_url,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// Clone returns a deep copy so later edits to p never reach the copy.
func (p Product) Clone() Product {
	c := p
	if p.Attributes != nil {
		c.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

// Validate reports ErrInvalidArgument when the snapshot has no identifier.
func (p Product) Validate() error {
	if strings.TrimSpace(string(p.ID)) == "" {
		return InvalidArgument("product id is required")
	}
	return nil
}
