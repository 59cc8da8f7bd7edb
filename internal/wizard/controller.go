// Package wizard drives a project through its ordered configuration stages.
// A Controller owns one StageDataStore and applies the gating rules and
// cascading invalidation on every transition.
package wizard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"irriline/internal/derive"
	"irriline/internal/domain"
	"irriline/internal/gating"
	"irriline/internal/store"
)

// NotReachableError reports navigation or a commit to a locked stage.
type NotReachableError struct {
	Stage     int
	Reachable []int
}

func (e NotReachableError) Error() string {
	return fmt.Sprintf("stage %d is not reachable (reachable: %v)", e.Stage, e.Reachable)
}

// Deriver validates stage input and aggregates the bill of quantities.
// derive.Engine is the production implementation.
type Deriver interface {
	DeriveFor(ctx context.Context, id int, raw map[string]any, upstream []domain.StageRecord) (map[string]any, error)
	Summarize(upstream []domain.StageRecord, rates domain.Rates) (domain.BOQSummary, error)
}

type Options struct {
	// Rates are the costing defaults used until the boq stage is committed.
	Rates domain.Rates
	// CurrentStage restores a persisted position; it is clamped to the reachable set.
	CurrentStage int
	Now          func() time.Time
	Logger       *slog.Logger
}

// CommitResult describes the effect of a successful commit.
type CommitResult struct {
	Record      domain.StageRecord
	Changed     bool
	Invalidated []int
}

// State is a snapshot of the controller position.
type State struct {
	CurrentStage int   `json:"current_stage"`
	Completed    []int `json:"completed"`
	Reachable    []int `json:"reachable"`
	Done         bool  `json:"done"`
}

type Controller struct {
	deriver Deriver
	store   *store.Store
	rates   domain.Rates
	now     func() time.Time
	log     *slog.Logger

	current int
	summary *domain.BOQSummary
	dirty   map[int]bool
}

// New returns a controller over st, which may already hold persisted records.
func New(deriver Deriver, st *store.Store, opts Options) *Controller {
	if st == nil {
		st = store.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		deriver: deriver,
		store:   st,
		rates:   opts.Rates,
		now:     now,
		log:     logger.With("component", "wizard"),
		current: 1,
		dirty:   map[int]bool{},
	}
	if opts.CurrentStage > 0 {
		c.current = opts.CurrentStage
	}
	c.clampCurrent()
	c.refreshSummary()
	return c
}

// CommitStage validates raw input for stage id, derives its outputs and
// stores them. On any error the controller and its store are unchanged.
func (c *Controller) CommitStage(ctx context.Context, id int, raw map[string]any) (CommitResult, error) {
	if !gating.IsReachable(id, c.store.Completed(), domain.StageCount) {
		return CommitResult{}, NotReachableError{Stage: id, Reachable: c.Reachable()}
	}
	raw, err := normalizeInput(id, raw)
	if err != nil {
		return CommitResult{}, err
	}
	derived, err := c.deriver.DeriveFor(ctx, id, raw, c.store.AllUpstreamOf(id))
	if err != nil {
		c.log.Debug("commit rejected", "stage", domain.StageName(id), "err", err)
		return CommitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CommitResult{}, err
	}

	prev, prevErr := c.store.Get(id)
	if err := c.store.Set(id, raw, derived, c.now().UTC().Format(time.RFC3339)); err != nil {
		return CommitResult{}, err
	}
	c.dirty[id] = true
	rec, err := c.store.Get(id)
	if err != nil {
		return CommitResult{}, err
	}
	changed := prevErr != nil ||
		!reflect.DeepEqual(prev.Inputs, rec.Inputs) ||
		!reflect.DeepEqual(prev.Derived, rec.Derived)

	res := CommitResult{Record: rec, Changed: changed}
	if changed {
		res.Invalidated = c.invalidate(id + 1)
		if len(res.Invalidated) > 0 {
			c.log.Info("downstream stages invalidated", "stage", domain.StageName(id), "invalidated", res.Invalidated)
		}
	}
	if id < domain.StageCount {
		c.current = id + 1
	} else {
		c.current = id
	}
	c.clampCurrent()
	c.refreshSummary()
	c.log.Info("stage committed", "stage", domain.StageName(id), "changed", changed)
	return res, nil
}

// GoTo moves to a reachable stage.
func (c *Controller) GoTo(id int) error {
	if !gating.IsReachable(id, c.store.Completed(), domain.StageCount) {
		return NotReachableError{Stage: id, Reachable: c.Reachable()}
	}
	c.current = id
	return nil
}

// InvalidateFrom clears completion of id and every later stage and returns
// the stages that lost completion. Stored data stays for re-editing.
func (c *Controller) InvalidateFrom(id int) ([]int, error) {
	if domain.StageName(id) == "" {
		return nil, fmt.Errorf("unknown stage %d", id)
	}
	out := c.invalidate(id)
	c.clampCurrent()
	c.refreshSummary()
	if len(out) > 0 {
		c.log.Info("stages invalidated", "from", domain.StageName(id), "invalidated", out)
	}
	return out, nil
}

// DeleteStage removes the stored data of stage id and invalidates it and
// every later stage. It reports whether data existed.
func (c *Controller) DeleteStage(id int) (bool, []int, error) {
	if domain.StageName(id) == "" {
		return false, nil, fmt.Errorf("unknown stage %d", id)
	}
	invalidated := c.invalidate(id)
	existed := c.store.Delete(id)
	if existed {
		c.dirty[id] = true
	}
	c.clampCurrent()
	c.refreshSummary()
	c.log.Info("stage deleted", "stage", domain.StageName(id), "existed", existed)
	return existed, invalidated, nil
}

// normalizeInput round-trips raw input through JSON so the deriver sees
// exactly what will be stored.
func normalizeInput(id int, raw map[string]any) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err == nil {
		var out map[string]any
		if err = json.Unmarshal(data, &out); err == nil {
			return out, nil
		}
	}
	return nil, derive.ValidationError{
		Stage:  domain.StageName(id),
		Fields: []derive.FieldError{{Field: "input", Message: fmt.Sprintf("not representable as JSON: %v", err)}},
	}
}

func (c *Controller) invalidate(from int) []int {
	var out []int
	for _, k := range c.store.Completed() {
		if k < from {
			continue
		}
		if c.store.MarkIncomplete(k) {
			c.dirty[k] = true
			out = append(out, k)
		}
	}
	return out
}

// clampCurrent moves the position back to the furthest reachable stage not
// after it when the current stage became locked.
func (c *Controller) clampCurrent() {
	reachable := c.Reachable()
	best := 1
	for _, k := range reachable {
		if k == c.current {
			return
		}
		if k < c.current {
			best = k
		}
	}
	c.current = best
}

// refreshSummary re-aggregates while the resources stage is complete.
func (c *Controller) refreshSummary() {
	c.summary = nil
	res, err := c.store.Get(domain.StageResources)
	if err != nil || !res.Complete() {
		return
	}
	summary, err := c.deriver.Summarize(c.store.AllUpstreamOf(domain.StageCount+1), c.effectiveRates())
	if err != nil {
		c.log.Warn("summary unavailable", "err", err)
		return
	}
	c.summary = &summary
}

func (c *Controller) effectiveRates() domain.Rates {
	rates := c.rates
	rec, err := c.store.Get(domain.StageBOQ)
	if err != nil || !rec.Complete() {
		return rates
	}
	if v, ok := rec.Derived["contingency_rate"].(float64); ok {
		rates.ContingencyRate = v
	}
	if v, ok := rec.Derived["tax_rate"].(float64); ok {
		rates.TaxRate = v
	}
	return rates
}

// Summary returns the last aggregated bill of quantities, or nil when the
// resources stage is not complete.
func (c *Controller) Summary() *domain.BOQSummary {
	if c.summary == nil {
		return nil
	}
	s := *c.summary
	if s.CostPerHectare != nil {
		v := *s.CostPerHectare
		s.CostPerHectare = &v
	}
	return &s
}

func (c *Controller) Reachable() []int {
	return gating.Reachable(c.store.Completed(), domain.StageCount)
}

func (c *Controller) Completed() []int {
	return c.store.Completed()
}

func (c *Controller) Current() int {
	return c.current
}

// Done reports whether every stage is committed.
func (c *Controller) Done() bool {
	return len(c.store.Completed()) == domain.StageCount
}

func (c *Controller) State() State {
	return State{
		CurrentStage: c.current,
		Completed:    c.Completed(),
		Reachable:    c.Reachable(),
		Done:         c.Done(),
	}
}

// Stage returns the stored record of a stage.
func (c *Controller) Stage(id int) (domain.StageRecord, error) {
	return c.store.Get(id)
}

func (c *Controller) Records() []domain.StageRecord {
	return c.store.Records()
}

// Dirty returns the stages touched since the last ClearDirty, ascending.
func (c *Controller) Dirty() []int {
	out := make([]int, 0, len(c.dirty))
	for id := range c.dirty {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

func (c *Controller) ClearDirty() {
	c.dirty = map[int]bool{}
}
