package catalog_test

import (
	"context"
	"errors"
	"testing"

	"irriline/internal/catalog"
	"irriline/internal/config"
	"irriline/internal/derive"
)

func TestFromConfig(t *testing.T) {
	cat := catalog.FromConfig(config.Default("p"))

	d, err := cat.GetTechnologyDetails(context.Background(), "Drip", " surface")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if d.Efficiency != 0.9 {
		t.Fatalf("expected efficiency fraction 0.9, got %v", d.Efficiency)
	}
	d.SuitabilityTags[0] = "mutated"
	again, _ := cat.GetTechnologyDetails(context.Background(), "drip", "surface")
	if again.SuitabilityTags[0] == "mutated" {
		t.Fatalf("catalog entries must not alias")
	}

	r, err := cat.GetRate(context.Background(), "labor", "TRENCHING")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if r.UnitRate != 55 || r.Unit != "m" {
		t.Fatalf("unexpected rate %+v", r)
	}

	var nf derive.NotFoundError
	if _, err := cat.GetRate(context.Background(), "materials", "gold"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if _, err := cat.GetTechnologyDetails(context.Background(), "drip", "aerial"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestTechnologiesSorted(t *testing.T) {
	list := catalog.FromConfig(config.Default("p")).Technologies()
	if len(list) != 5 {
		t.Fatalf("expected 5 technologies, got %d", len(list))
	}
	if list[0].Technology != "drip" || list[len(list)-1].Technology != "surface" {
		t.Fatalf("unexpected order %+v", list)
	}
	if len(catalog.FromConfig(nil).Technologies()) != 0 {
		t.Fatalf("nil config should give an empty catalog")
	}
}
