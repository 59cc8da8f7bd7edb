package store_test

import (
	"errors"
	"math"
	"testing"

	"irriline/internal/domain"
	"irriline/internal/store"
)

func TestSetGetCopies(t *testing.T) {
	s := store.New()
	in := map[string]any{"project_name": "Canal"}
	s.Set(1, in, map[string]any{"potential_area_ha": 5.0}, "2026-01-01T00:00:00Z")
	in["project_name"] = "changed"

	rec, err := s.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Inputs["project_name"] != "Canal" {
		t.Fatalf("store should not alias caller input, got %v", rec.Inputs["project_name"])
	}
	rec.Derived["potential_area_ha"] = 99.0
	again, _ := s.Get(1)
	if again.Derived["potential_area_ha"] != 5.0 {
		t.Fatalf("store should not alias returned records")
	}
	if !again.Complete() || again.Name != "basic_info" {
		t.Fatalf("unexpected record %+v", again)
	}

	if _, err := s.Get(2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllUpstreamOf(t *testing.T) {
	s := store.New()
	for _, id := range []int{1, 2, 4} {
		s.Set(id, map[string]any{}, nil, "2026-01-01T00:00:00Z")
	}
	up := s.AllUpstreamOf(4)
	if len(up) != 2 || up[0].StageID != 1 || up[1].StageID != 2 {
		t.Fatalf("unexpected upstream %+v", up)
	}
	if len(s.AllUpstreamOf(1)) != 0 {
		t.Fatalf("stage 1 has no upstream")
	}
}

func TestMarkIncompleteAndDelete(t *testing.T) {
	s := store.New()
	s.Set(1, map[string]any{}, nil, "2026-01-01T00:00:00Z")
	s.Set(2, map[string]any{}, nil, "2026-01-01T00:00:00Z")
	if !s.MarkIncomplete(2) {
		t.Fatalf("expected stage 2 marked")
	}
	if s.MarkIncomplete(2) {
		t.Fatalf("second mark should be a no-op")
	}
	if got := s.Completed(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1], got %v", got)
	}
	if _, err := s.Get(2); err != nil {
		t.Fatalf("incomplete data should remain: %v", err)
	}
	if !s.Delete(2) || s.Delete(2) {
		t.Fatalf("delete should succeed once")
	}
	if len(s.Records()) != 1 {
		t.Fatalf("expected one record left")
	}
}

func TestLoad(t *testing.T) {
	done := "2026-01-01T00:00:00Z"
	s := store.New()
	err := s.Load([]domain.StageRecord{
		{StageID: 3, Inputs: map[string]any{}},
		{StageID: 1, Inputs: map[string]any{}, CompletedAt: &done},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	recs := s.Records()
	if recs[0].StageID != 1 || recs[1].Name != "crop_water" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if got := s.Completed(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected [1] completed, got %v", got)
	}
	if err := s.Load([]domain.StageRecord{{StageID: 7}}); err == nil {
		t.Fatalf("expected unknown stage error")
	}
	if err := s.Load([]domain.StageRecord{{StageID: 1}, {StageID: 1}}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if len(s.Records()) != 2 {
		t.Fatalf("failed load must keep previous contents")
	}
}

func TestSetRejectsNonJSONValues(t *testing.T) {
	s := store.New()
	if err := s.Set(1, map[string]any{"project_name": "Canal"}, nil, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(1, map[string]any{"notes": math.NaN()}, nil, "2026-02-01T00:00:00Z"); err == nil {
		t.Fatalf("expected NaN input to be rejected")
	}
	rec, err := s.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Inputs["project_name"] != "Canal" || *rec.CompletedAt != "2026-01-01T00:00:00Z" {
		t.Fatalf("failed set must keep the previous record, got %+v", rec)
	}
	if err := s.Set(2, nil, map[string]any{"bad": math.Inf(1)}, "2026-01-01T00:00:00Z"); err == nil {
		t.Fatalf("expected Inf derived value to be rejected")
	}
	if _, err := s.Get(2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed set must not create a record, got %v", err)
	}
}
