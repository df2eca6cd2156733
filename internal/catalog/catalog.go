// Package catalog loads the product list from a JSON file at startup. The
// catalog is read-only at runtime; orders snapshot name and price at creation
// so catalog edits require only a restart, never a data migration.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// Product is one purchasable service plan.
type Product struct {
	Code                string   `json:"code"`
	Name                string   `json:"name"`
	PriceRub            int64    `json:"price_rub"`
	DisplayPrice        *string  `json:"display_price,omitempty"`
	DurationDays        int      `json:"duration_days"`
	Requirements        []string `json:"requirements,omitempty"`
	ServiceLinkPrompt   string   `json:"service_link_prompt,omitempty"`
	InstructionTemplate string   `json:"instruction_template,omitempty"`
	AllowedDomains      []string `json:"allowed_domains,omitempty"`
	Hidden              bool     `json:"hidden,omitempty"`
}

// PriceLabel returns the display price when set, otherwise the numeric amount.
func (p Product) PriceLabel() string {
	if p.DisplayPrice != nil && *p.DisplayPrice != "" {
		return *p.DisplayPrice
	}
	return fmt.Sprintf("%d ₽", p.PriceRub)
}

// Catalog is the loaded product set keyed by code.
type Catalog struct {
	products map[string]Product
	order    []string
}

// Load reads and validates the product file.
func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading products file: %w", err)
	}
	return Parse(content)
}

// Parse builds a catalog from raw JSON.
func Parse(content []byte) (*Catalog, error) {
	var raw []Product
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing products file: %w", err)
	}

	cat := &Catalog{products: make(map[string]Product, len(raw))}
	for _, item := range raw {
		if item.Code == "" {
			return nil, fmt.Errorf("product with empty code")
		}
		if _, exists := cat.products[item.Code]; exists {
			return nil, fmt.Errorf("duplicate product code %q", item.Code)
		}
		if item.PriceRub < 0 {
			return nil, fmt.Errorf("product %q has negative price", item.Code)
		}
		if item.DurationDays <= 0 {
			return nil, fmt.Errorf("product %q has non-positive duration", item.Code)
		}
		if item.ServiceLinkPrompt == "" {
			item.ServiceLinkPrompt = "Пришлите ссылку на оплату сервиса."
		}
		if item.InstructionTemplate == "" {
			item.InstructionTemplate = "Инструкции отправит оператор."
		}
		cat.products[item.Code] = item
		cat.order = append(cat.order, item.Code)
	}
	return cat, nil
}

// Get returns the product for code.
func (c *Catalog) Get(code string) (Product, bool) {
	p, ok := c.products[code]
	return p, ok
}

// Visible returns the non-hidden products in file order.
func (c *Catalog) Visible() []Product {
	out := make([]Product, 0, len(c.order))
	for _, code := range c.order {
		p := c.products[code]
		if p.Hidden {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len returns the number of loaded products.
func (c *Catalog) Len() int {
	return len(c.products)
}
