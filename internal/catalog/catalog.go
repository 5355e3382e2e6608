// Package catalog is the read side of the product table. The cart never
// talks to it directly; the service layer turns catalog rows into the
// snapshots that are added to a cart.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/fjod/tienda-cart/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Reader is what the cart service needs from a catalog.
type Reader interface {
	GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error)
}

type Catalog struct {
	db *sql.DB
}

// Open connects to the SQLite database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Migrate applies the embedded migrations, including the seed products.
func (c *Catalog) Migrate() error {
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("could not open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

// ParseProductID accepts only positive integers written in canonical form,
// the shape of catalog ids. "03" and "+3" are rejected so every product has
// exactly one id inside a cart.
func ParseProductID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != raw {
		return 0, domain.InvalidArgument("product id %q must be a positive integer", raw)
	}
	return id, nil
}

func (c *Catalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	query := `
		SELECT id, name, description, price, image_url, category
		FROM products
		ORDER BY id
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	products := []domain.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return products, nil
}

func (c *Catalog) GetProduct(ctx context.Context, id domain.ProductID) (domain.Product, error) {
	n, err := ParseProductID(string(id))
	if err != nil {
		return domain.Product{}, err
	}

	query := `
		SELECT id, name, description, price, image_url, category
		FROM products
		WHERE id = ?
	`

	p, err := scanProduct(c.db.QueryRowContext(ctx, query, n))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.NotFound("product %d", n)
	}
	if err != nil {
		return domain.Product{}, err
	}
	return p, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (domain.Product, error) {
	var (
		id       int64
		p        domain.Product
		category string
	)
	if err := row.Scan(&id, &p.Name, &p.Description, &p.Price, &p.ImageURL, &category); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("failed to scan product: %w", err)
	}
	p.ID = domain.ProductID(strconv.FormatInt(id, 10))
	if category != "" {
		p.Attributes = map[string]string{"category": category}
	}
	return p, nil
}
