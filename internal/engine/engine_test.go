package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"irriline/internal/config"
	"irriline/internal/db"
	"irriline/internal/derive"
	"irriline/internal/domain"
	"irriline/internal/engine"
	"irriline/internal/metrics"
	"irriline/internal/migrate"
	"irriline/internal/repo"
	"irriline/internal/wizard"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("proj-1"))
	eng.Metrics = metrics.New()
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func stageInput(id int) map[string]any {
	et0 := make([]any, 12)
	for i := range et0 {
		et0[i] = 4.0
	}
	switch id {
	case domain.StageBasicInfo:
		return map[string]any{"project_name": "Lift scheme", "potential_area_ha": 20.0}
	case domain.StageTechnology:
		return map[string]any{"technology": "sprinkler", "irrigation_type": "portable"}
	case domain.StageCropWater:
		return map[string]any{
			"crops": []any{map[string]any{"name": "wheat", "area_ha": 10.0, "kc": 1.0, "sowing_month": 11.0, "growth_stage_days": []any{30.0, 31.0}}},
			"climate": map[string]any{"et0_mm_day": et0},
		}
	case domain.StageHydraulics:
		return map[string]any{"operating_hours_per_day": 12.0, "total_head_m": 25.0}
	case domain.StageResources:
		return map[string]any{"line_items": []any{
			map[string]any{"category": "materials", "name": "Mainline", "quantity": 1000.0, "unit_rate": 1000.0},
			map[string]any{"category": "labor", "name": "Installation", "quantity": 1.0, "unit_rate": 500000.0},
		}}
	default:
		return map[string]any{}
	}
}

func (env testEnv) commitThrough(t *testing.T, last int) {
	t.Helper()
	for id := 1; id <= last; id++ {
		if _, err := env.Engine.CommitStage(env.Ctx, "proj-1", id, stageInput(id), "tester"); err != nil {
			t.Fatalf("commit stage %d: %v", id, err)
		}
	}
}

func countEvents(t *testing.T, env testEnv, evtType string) int {
	t.Helper()
	var n int
	if err := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type=?`, evtType).Scan(&n); err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestCommitPersistsAcrossEngines(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, domain.StageCount)

	fresh := engine.New(env.Engine.DB, nil)
	view, err := fresh.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.State.Done || len(view.Stages) != domain.StageCount {
		t.Fatalf("expected all stages persisted, got %+v", view.State)
	}
	if view.Project.CurrentStage != domain.StageBOQ {
		t.Fatalf("expected current stage 6, got %d", view.Project.CurrentStage)
	}
	s := view.Summary
	if s == nil {
		t.Fatalf("expected summary")
	}
	// Scenario A figures: 1,000,000 materials and 500,000 labor over 10% and 18%.
	if s.Subtotal != 1500000 || s.Contingency != 150000 || s.Tax != 297000 || s.GrandTotal != 1947000 {
		t.Fatalf("unexpected summary %+v", s)
	}
	if s.CostPerHectare == nil || *s.CostPerHectare != 97350 {
		t.Fatalf("unexpected cost per hectare %v", s.CostPerHectare)
	}
	if got := countEvents(t, env, "stage.committed"); got != domain.StageCount {
		t.Fatalf("expected %d commit events, got %d", domain.StageCount, got)
	}
}

func TestFailedCommitLeavesDatabase(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, 1)
	_, err := env.Engine.CommitStage(env.Ctx, "proj-1", domain.StageTechnology, map[string]any{"technology": "drip", "irrigation_type": "aerial"}, "tester")
	var nf derive.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	stages, err := env.Engine.Repo.LoadStages(env.Ctx, nil, "proj-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stages) != 1 {
		t.Fatalf("expected only basic_info stored, got %d", len(stages))
	}
	_, err = env.Engine.CommitStage(env.Ctx, "proj-1", domain.StageHydraulics, stageInput(domain.StageHydraulics), "tester")
	var nr wizard.NotReachableError
	if !errors.As(err, &nr) {
		t.Fatalf("expected NotReachableError, got %v", err)
	}
}

func TestInvalidateFromPersists(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, 3)
	out, state, err := env.Engine.InvalidateFrom(env.Ctx, "proj-1", 2, "tester")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if !reflect.DeepEqual(out, []int{2, 3}) {
		t.Fatalf("expected [2 3], got %v", out)
	}
	if !reflect.DeepEqual(state.Completed, []int{1}) || !reflect.DeepEqual(state.Reachable, []int{1, 2}) {
		t.Fatalf("unexpected state %+v", state)
	}
	reachable, err := env.Engine.Reachable(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("reachable: %v", err)
	}
	if !reflect.DeepEqual(reachable, []int{1, 2}) {
		t.Fatalf("expected persisted reachable [1 2], got %v", reachable)
	}
	rec, err := env.Engine.Stage(env.Ctx, "proj-1", 3)
	if err != nil {
		t.Fatalf("stage 3 should keep its data: %v", err)
	}
	if rec.Complete() {
		t.Fatalf("stage 3 should be incomplete")
	}
	if countEvents(t, env, "stage.invalidated") != 1 {
		t.Fatalf("expected one invalidation event")
	}
}

func TestRecommitCascades(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, domain.StageResources)
	out, err := env.Engine.CommitStage(env.Ctx, "proj-1", domain.StageTechnology, map[string]any{"technology": "drip", "irrigation_type": "surface"}, "tester")
	if err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if !reflect.DeepEqual(out.Invalidated, []int{3, 4, 5}) {
		t.Fatalf("expected [3 4 5] invalidated, got %v", out.Invalidated)
	}
	if out.Summary != nil {
		t.Fatalf("summary should clear with resources invalidated")
	}
	summary, err := env.Engine.Summary(env.Ctx, "proj-1")
	if err != nil || summary != nil {
		t.Fatalf("expected no persisted summary, got %+v %v", summary, err)
	}
}

func TestDeleteStage(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, 2)
	existed, invalidated, err := env.Engine.DeleteStage(env.Ctx, "proj-1", 2, "tester")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !existed || !reflect.DeepEqual(invalidated, []int{2}) {
		t.Fatalf("unexpected delete result %v %v", existed, invalidated)
	}
	if _, err := env.Engine.Stage(env.Ctx, "proj-1", 2); err == nil {
		t.Fatalf("expected stage 2 gone")
	}
	if countEvents(t, env, "stage.deleted") != 1 {
		t.Fatalf("expected stage.deleted event")
	}
}

func TestGoTo(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, 2)
	state, err := env.Engine.GoTo(env.Ctx, "proj-1", 1, "tester")
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if state.CurrentStage != 1 {
		t.Fatalf("expected current 1, got %d", state.CurrentStage)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil || p.CurrentStage != 1 {
		t.Fatalf("expected persisted position 1, got %+v %v", p, err)
	}
	if _, err := env.Engine.GoTo(env.Ctx, "proj-1", 5, "tester"); err == nil {
		t.Fatalf("expected stage 5 locked")
	}
	if countEvents(t, env, "wizard.moved") != 1 {
		t.Fatalf("expected one move event")
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.commitThrough(t, 3)
	_, err := env.Engine.SubmitProject(env.Ctx, "proj-1", "tester")
	var inc engine.IncompleteError
	if !errors.As(err, &inc) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}
	env.commitThrough(t, domain.StageCount)
	p, err := env.Engine.SubmitProject(env.Ctx, "proj-1", "tester")
	if err != nil || p.Status != domain.ProjectSubmitted {
		t.Fatalf("submit: %+v %v", p, err)
	}
	_, err = env.Engine.CommitStage(env.Ctx, "proj-1", 1, stageInput(1), "tester")
	var se engine.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError on submitted project, got %v", err)
	}
	if _, err := env.Engine.ReopenProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := env.Engine.SubmitProject(env.Ctx, "proj-1", "tester"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	p, err = env.Engine.ApproveProject(env.Ctx, "proj-1", "tester")
	if err != nil || p.Status != domain.ProjectApproved {
		t.Fatalf("approve: %+v %v", p, err)
	}
	_, err = env.Engine.ReopenProject(env.Ctx, "proj-1", "tester")
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if countEvents(t, env, "project.status.changed") != 4 {
		t.Fatalf("expected four status events")
	}
}

func TestImportConfigChangesRates(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("proj-1")
	cfg.Costing.ContingencyRate = 0
	cfg.Costing.TaxRate = 0
	if err := env.Engine.ImportConfig(env.Ctx, "proj-1", cfg, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	env.commitThrough(t, domain.StageResources)
	s, err := env.Engine.Summary(env.Ctx, "proj-1")
	if err != nil || s == nil {
		t.Fatalf("summary: %v", err)
	}
	if s.GrandTotal != 1500000 {
		t.Fatalf("expected rates from imported config, got %+v", s)
	}
}

func TestUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CommitStage(env.Ctx, "missing", 1, stageInput(1), "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.Engine.Status(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
