// Package catalog содержит неизменяемый каталог товаров, загружаемый при старте.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmeshcher/pointshop/internal/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// ErrInvalidCatalog возвращается, если файл каталога содержит некорректные позиции.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog хранит неизменяемый список товаров. После создания не модифицируется,
// поэтому безопасен для одновременного использования.
type Catalog struct {
	products []model.Product
	byID     map[string]int
}

type catalogFile struct {
	Products []model.Product `yaml:"products"`
}

// New создаёт каталог из списка товаров, проверяя идентификаторы и цены.
func New(products []model.Product) (*Catalog, error) {
	c := &Catalog{
		products: make([]model.Product, 0, len(products)),
		byID:     make(map[string]int, len(products)),
	}

	for _, p := range products {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("%w: product without id", ErrInvalidCatalog)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate product %q", ErrInvalidCatalog, p.ID)
		}
		if p.PointsPrice <= 0 {
			return nil, fmt.Errorf("%w: product %q must cost a positive number of points", ErrInvalidCatalog, p.ID)
		}
		if p.MonetaryPrice.IsNegative() {
			return nil, fmt.Errorf("%w: product %q has negative price", ErrInvalidCatalog, p.ID)
		}
		c.byID[p.ID] = len(c.products)
		c.products = append(c.products, p)
	}

	return c, nil
}

// Parse разбирает каталог в формате YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(f.Products)
}

// Load читает каталог из файла. Пустой путь означает встроенный каталог.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Find возвращает товар по идентификатору.
func (c *Catalog) Find(id string) (model.Product, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.Product{}, false
	}
	return c.products[i], true
}

// Products возвращает копию списка товаров в порядке объявления.
func (c *Catalog) Products() []model.Product {
	out := make([]model.Product, len(c.products))
	copy(out, c.products)
	return out
}

// Len возвращает количество товаров.
func (c *Catalog) Len() int {
	return len(c.products)
}
