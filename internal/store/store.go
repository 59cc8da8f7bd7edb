package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"irriline/internal/domain"
)

// ErrNotFound is returned when a stage has no stored data.
var ErrNotFound = errors.New("stage data not found")

// Store holds the accumulated configuration of a single project keyed by
// stage id. It is owned by exactly one wizard controller and is not safe for
// concurrent use.
type Store struct {
	stages map[int]domain.StageRecord
}

func New() *Store {
	return &Store{stages: map[int]domain.StageRecord{}}
}

// Get returns a copy of the stored stage data.
func (s *Store) Get(stageID int) (domain.StageRecord, error) {
	rec, ok := s.stages[stageID]
	if !ok {
		return domain.StageRecord{}, fmt.Errorf("stage %d: %w", stageID, ErrNotFound)
	}
	return clone(rec), nil
}

// Set overwrites inputs and derived values of a stage and stamps completedAt.
// Maps that cannot be encoded as JSON are rejected and the store is unchanged.
func (s *Store) Set(stageID int, inputs, derived map[string]any, completedAt string) error {
	in, err := cloneMap(inputs)
	if err != nil {
		return fmt.Errorf("stage %d inputs: %w", stageID, err)
	}
	out, err := cloneMap(derived)
	if err != nil {
		return fmt.Errorf("stage %d derived: %w", stageID, err)
	}
	ts := completedAt
	s.stages[stageID] = domain.StageRecord{
		StageID:     stageID,
		Name:        domain.StageName(stageID),
		Inputs:      in,
		Derived:     out,
		CompletedAt: &ts,
	}
	return nil
}

// AllUpstreamOf returns the stored data of stages 1..stageID-1 in order.
// Stages that were never stored are skipped.
func (s *Store) AllUpstreamOf(stageID int) []domain.StageRecord {
	var out []domain.StageRecord
	for id := 1; id < stageID; id++ {
		if rec, ok := s.stages[id]; ok {
			out = append(out, clone(rec))
		}
	}
	return out
}

// MarkIncomplete clears the completion stamp but keeps the data for re-editing.
func (s *Store) MarkIncomplete(stageID int) bool {
	rec, ok := s.stages[stageID]
	if !ok || rec.CompletedAt == nil {
		return false
	}
	rec.CompletedAt = nil
	s.stages[stageID] = rec
	return true
}

// Delete removes a stage's data entirely.
func (s *Store) Delete(stageID int) bool {
	if _, ok := s.stages[stageID]; !ok {
		return false
	}
	delete(s.stages, stageID)
	return true
}

// Completed returns the ids of stages carrying a completion stamp, ascending.
func (s *Store) Completed() []int {
	var ids []int
	for id, rec := range s.stages {
		if rec.Complete() {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Records returns a copy of every stored stage ordered by id.
func (s *Store) Records() []domain.StageRecord {
	ids := make([]int, 0, len(s.stages))
	for id := range s.stages {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]domain.StageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.stages[id]))
	}
	return out
}

// Load replaces the store contents with persisted records.
func (s *Store) Load(records []domain.StageRecord) error {
	next := make(map[int]domain.StageRecord, len(records))
	for _, rec := range records {
		if domain.StageName(rec.StageID) == "" {
			return fmt.Errorf("unknown stage id %d", rec.StageID)
		}
		if _, dup := next[rec.StageID]; dup {
			return fmt.Errorf("duplicate stage id %d", rec.StageID)
		}
		rec.Name = domain.StageName(rec.StageID)
		in, err := cloneMap(rec.Inputs)
		if err != nil {
			return fmt.Errorf("stage %d inputs: %w", rec.StageID, err)
		}
		out, err := cloneMap(rec.Derived)
		if err != nil {
			return fmt.Errorf("stage %d derived: %w", rec.StageID, err)
		}
		rec.Inputs, rec.Derived = in, out
		next[rec.StageID] = clone(rec)
	}
	s.stages = next
	return nil
}

// clone copies a stored record. Set and Load only admit JSON-encodable maps,
// so the copies cannot fail.
func clone(rec domain.StageRecord) domain.StageRecord {
	out := rec
	out.Inputs, _ = cloneMap(rec.Inputs)
	out.Derived, _ = cloneMap(rec.Derived)
	if rec.CompletedAt != nil {
		ts := *rec.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// cloneMap deep-copies through JSON.
func cloneMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
