package derive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"irriline/internal/domain"
)

// PriceCatalog resolves the unit and rate of a catalog item. Misses are
// reported as NotFoundError.
type PriceCatalog interface {
	GetRate(ctx context.Context, category, itemID string) (domain.Rate, error)
}

type LineItemInput struct {
	ID       string   `json:"id,omitempty"`
	ItemID   string   `json:"item_id,omitempty"`
	Category string   `json:"category"`
	Name     string   `json:"name"`
	Unit     string   `json:"unit,omitempty"`
	Quantity *float64 `json:"quantity"`
	UnitRate *float64 `json:"unit_rate,omitempty"`
}

type ResourcesInput struct {
	LineItems []LineItemInput `json:"line_items"`
}

type ResourcesDerived struct {
	LineItems   []domain.ResourceLineItem `json:"line_items"`
	TotalAmount float64                   `json:"total_amount"`
}

// ResolveLineItems validates raw line items and fills unit and rate from the
// price catalog where the input leaves the rate out. Items without an id get
// a UUID derived from category, name and occurrence, so repeated commits
// keep their ids regardless of list order.
func ResolveLineItems(ctx context.Context, in []LineItemInput, prices PriceCatalog) ([]domain.ResourceLineItem, error) {
	const stage = "resources"
	var fe fieldErrors
	if len(in) == 0 {
		fe.add("line_items", "at least one line item is required")
	}
	out := make([]domain.ResourceLineItem, 0, len(in))
	seen := map[string]bool{}
	occurrences := map[string]int{}
	for i, raw := range in {
		prefix := fmt.Sprintf("line_items[%d]", i)
		item := domain.ResourceLineItem{
			ID:       strings.TrimSpace(raw.ID),
			ItemID:   strings.TrimSpace(raw.ItemID),
			Category: strings.TrimSpace(raw.Category),
			Name:     strings.TrimSpace(raw.Name),
			Unit:     strings.TrimSpace(raw.Unit),
		}
		if !domain.ValidCategory(item.Category) {
			fe.add(prefix+".category", "must be one of %s", strings.Join(domain.Categories, ", "))
		}
		if item.Name == "" {
			fe.add(prefix+".name", "is required")
		}
		if raw.Quantity == nil {
			fe.add(prefix+".quantity", "is required")
		} else {
			item.Quantity = *raw.Quantity
		}
		switch {
		case raw.UnitRate != nil:
			item.UnitRate = *raw.UnitRate
		case item.ItemID == "":
			fe.add(prefix+".unit_rate", "is required when item_id is not given")
		case domain.ValidCategory(item.Category):
			if prices == nil {
				return nil, errors.New("price catalog not configured")
			}
			rate, err := prices.GetRate(ctx, item.Category, item.ItemID)
			if err != nil {
				return nil, err
			}
			item.UnitRate = rate.UnitRate
			if item.Unit == "" {
				item.Unit = rate.Unit
			}
		}
		if item.ID == "" {
			key := item.Category + "|" + item.Name
			item.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|%d", key, occurrences[key]))).String()
			occurrences[key]++
		}
		if seen[item.ID] {
			fe.add(prefix+".id", "duplicate id %s", item.ID)
		}
		seen[item.ID] = true
		out = append(out, item)
	}
	if err := fe.err(stage); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveResourceCosts recomputes amount = quantity × unit rate for every item.
func DeriveResourceCosts(items []domain.ResourceLineItem) ([]domain.ResourceLineItem, error) {
	const stage = "resources"
	var fe fieldErrors
	out := make([]domain.ResourceLineItem, len(items))
	for i, it := range items {
		prefix := fmt.Sprintf("line_items[%d]", i)
		out[i] = it
		if !nonNegative(it.Quantity) {
			fe.add(prefix+".quantity", "must be non-negative")
			continue
		}
		if !nonNegative(it.UnitRate) {
			fe.add(prefix+".unit_rate", "must be non-negative")
			continue
		}
		out[i].Amount = decimal.NewFromFloat(it.Quantity).Mul(decimal.NewFromFloat(it.UnitRate)).InexactFloat64()
	}
	if err := fe.err(stage); err != nil {
		return nil, err
	}
	return out, nil
}

func totalAmount(items []domain.ResourceLineItem) float64 {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(decimal.NewFromFloat(it.Amount))
	}
	return sum.InexactFloat64()
}
