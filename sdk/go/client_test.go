package irrilinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"irriline/internal/config"
	"irriline/internal/db"
	"irriline/internal/engine"
	"irriline/internal/migrate"
	"irriline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("canal"))
	handler, err := server.New(server.Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: "sdk-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	c := New(srv.URL, "canal")
	c.ActorID = "planner"
	return c
}

func inputs() map[string]map[string]any {
	et0 := make([]any, 12)
	for i := range et0 {
		et0[i] = 5.0
	}
	return map[string]map[string]any{
		"basic_info": {"project_name": "Canal block", "district": "Nashik", "potential_area_ha": 10.0},
		"technology": {"technology": "drip", "irrigation_type": "surface"},
		"crop_water": {
			"crops": []any{
				map[string]any{"name": "tomato", "area_ha": 4.0, "kc": 1.0, "sowing_month": 1, "growth_stage_days": []any{31}},
			},
			"climate": map[string]any{"et0_mm_day": et0},
		},
		"hydraulics": {"operating_hours_per_day": 8, "total_head_m": 20},
		"resources": {"line_items": []any{
			map[string]any{"category": "materials", "name": "HDPE pipe", "quantity": 100, "unit_rate": 145},
			map[string]any{"category": "labor", "item_id": "trenching", "name": "Trenching", "quantity": 100},
		}},
		"boq": {},
	}
}

func TestClientWizardFlow(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	if _, err := c.CreateProject(ctx, "north canal"); err != nil {
		t.Fatalf("create project: %v", err)
	}

	sum, err := c.BOQ(ctx)
	if err != nil {
		t.Fatalf("boq: %v", err)
	}
	if sum != nil {
		t.Fatalf("expected no summary before resources, got %+v", sum)
	}

	in := inputs()
	for _, name := range []string{"basic_info", "technology", "crop_water", "hydraulics", "resources", "boq"} {
		res, err := c.CommitStage(ctx, name, in[name])
		if err != nil {
			t.Fatalf("commit %s: %v", name, err)
		}
		if res.Record.Name != name || res.Record.CompletedAt == nil {
			t.Fatalf("unexpected record for %s: %+v", name, res.Record)
		}
	}

	sum, err = c.BOQ(ctx)
	if err != nil {
		t.Fatalf("boq: %v", err)
	}
	if sum == nil || sum.Subtotal != 20000 || sum.CostPerHectare == nil {
		t.Fatalf("unexpected summary %+v", sum)
	}

	st, err := c.Invalidate(ctx, "hydraulics")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if len(st.State.Completed) != 3 {
		t.Fatalf("expected three completed stages, got %v", st.State.Completed)
	}
	if _, err := c.GoTo(ctx, "resources"); err == nil {
		t.Fatalf("expected resources to be unreachable")
	}
	state, err := c.GoTo(ctx, "4")
	if err != nil {
		t.Fatalf("goto: %v", err)
	}
	if state.StageName != "hydraulics" {
		t.Fatalf("unexpected state %+v", state)
	}

	stage, err := c.Stage(ctx, "basic_info")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if stage.Inputs["district"] != "Nashik" {
		t.Fatalf("unexpected inputs %+v", stage.Inputs)
	}

	events, err := c.Events(ctx, 3)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	if _, err := c.CreateProject(ctx, ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	_, err := c.Submit(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "wizard_incomplete" {
		t.Fatalf("unexpected error %+v", apiErr)
	}

	_, err = c.CommitStage(ctx, "basic_info", map[string]any{"project_name": ""})
	if !errors.As(err, &apiErr) || apiErr.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %v", err)
	}
	if apiErr.Details["stage"] == nil {
		t.Fatalf("expected stage detail, got %+v", apiErr.Details)
	}
}

func TestClientSendsCredentials(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"canal","status":"draft","current_stage":1}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "canal")
	c.APIKey = "il_key"
	c.ActorID = "ignored"
	if _, err := c.Project(context.Background()); err != nil {
		t.Fatalf("project: %v", err)
	}
	if got.Get("X-Api-Key") != "il_key" || got.Get("X-Actor-Id") != "" {
		t.Fatalf("unexpected headers %v", got)
	}

	c.BearerToken = "tok"
	if _, err := c.Project(context.Background()); err != nil {
		t.Fatalf("project: %v", err)
	}
	if got.Get("Authorization") != "Bearer tok" || got.Get("X-Api-Key") != "" {
		t.Fatalf("unexpected headers %v", got)
	}
}
