package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"irriline/internal/config"
	"irriline/internal/db"
	"irriline/internal/domain"
	"irriline/internal/engine"
	"irriline/internal/metrics"
	"irriline/internal/migrate"
	"irriline/internal/repo"
)

const (
	testProject = "canal"
	testSecret  = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.New()
	e := engine.New(conn, config.Default(testProject))
	e.Metrics = m
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	if _, err := e.InitProject(context.Background(), testProject, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

var actor = map[string]string{"X-Actor-Id": "planner"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func stageInput(id int) map[string]any {
	et0 := make([]any, 12)
	for i := range et0 {
		et0[i] = 5.0
	}
	switch id {
	case domain.StageBasicInfo:
		return map[string]any{"project_name": "Canal block", "district": "Nashik", "potential_area_ha": 10.0}
	case domain.StageTechnology:
		return map[string]any{"technology": "drip", "irrigation_type": "surface"}
	case domain.StageCropWater:
		return map[string]any{
			"crops": []any{
				map[string]any{"name": "tomato", "area_ha": 4.0, "kc": 1.0, "sowing_month": 1, "growth_stage_days": []any{31}},
			},
			"climate": map[string]any{"et0_mm_day": et0},
		}
	case domain.StageHydraulics:
		return map[string]any{"operating_hours_per_day": 8, "total_head_m": 20}
	case domain.StageResources:
		return map[string]any{"line_items": []any{
			map[string]any{"category": "materials", "name": "HDPE pipe", "quantity": 100, "unit_rate": 145},
			map[string]any{"category": "labor", "item_id": "trenching", "name": "Trenching", "quantity": 100},
		}}
	default:
		return map[string]any{}
	}
}

func (s *testServer) stageURL(stage string) string {
	return s.URL + "/v0/projects/" + testProject + "/stages/" + stage
}

func (s *testServer) commitThrough(t *testing.T, last int) {
	t.Helper()
	for id := 1; id <= last; id++ {
		res, data := doJSON(t, s.Client(), http.MethodPut, s.stageURL(domain.StageName(id)), stageInput(id), actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("commit stage %d status %d: %s", id, res.StatusCode, string(data))
		}
	}
}

func TestWizardLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	srv.commitThrough(t, domain.StageCount)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/wizard", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("wizard status %d: %s", res.StatusCode, string(data))
	}
	var view WizardResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal wizard: %v", err)
	}
	if !view.State.Done || len(view.Stages) != domain.StageCount || view.State.StageName != "boq" {
		t.Fatalf("unexpected wizard state %+v", view.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/boq", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("boq status %d: %s", res.StatusCode, string(data))
	}
	var boq BOQResponse
	if err := json.Unmarshal(data, &boq); err != nil {
		t.Fatalf("unmarshal boq: %v", err)
	}
	if !boq.Available || boq.Summary == nil {
		t.Fatalf("expected summary, got %s", string(data))
	}
	if boq.Summary.Subtotal != 20000 || boq.Summary.GrandTotal != 25960 {
		t.Fatalf("unexpected summary %+v", boq.Summary)
	}

	for _, step := range []struct {
		action string
		status string
	}{
		{"submit", domain.ProjectSubmitted},
		{"approve", domain.ProjectApproved},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/"+step.action, nil, actor)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.action, res.StatusCode, string(data))
		}
		var p ProjectResponse
		if err := json.Unmarshal(data, &p); err != nil {
			t.Fatalf("unmarshal project: %v", err)
		}
		if p.Status != step.status {
			t.Fatalf("expected %s, got %s", step.status, p.Status)
		}
	}

	res, data = doJSON(t, client, http.MethodPut, srv.stageURL("1"), stageInput(1), actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 committing to approved project, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "project_locked" {
		t.Fatalf("expected project_locked, got %s", code)
	}
}

func TestCommitLockedStage(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.stageURL("hydraulics"), stageInput(domain.StageHydraulics), actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "stage_not_reachable" {
		t.Fatalf("expected stage_not_reachable, got %s", env.Error.Code)
	}
	reachable, ok := env.Error.Details["reachable"].([]any)
	if !ok || len(reachable) != 1 || reachable[0] != float64(1) {
		t.Fatalf("expected reachable [1], got %v", env.Error.Details["reachable"])
	}
}

func TestCommitValidationFailure(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.stageURL("1"), map[string]any{"potential_area_ha": -1}, actor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", env.Error.Code)
	}
	fields, ok := env.Error.Details["fields"].([]any)
	if !ok || len(fields) < 2 {
		t.Fatalf("expected field failures, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.stageURL("1"), nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected nothing stored, got %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownTechnology(t *testing.T) {
	srv := newTestServer(t)
	srv.commitThrough(t, 1)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.stageURL("technology"),
		map[string]any{"technology": "hovercraft", "irrigation_type": "aerial"}, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "selection_unavailable" {
		t.Fatalf("expected selection_unavailable, got %s", code)
	}
}

func TestUnknownStageName(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.stageURL("drainage"), nil, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.stageURL("7"), nil, actor)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestInvalidateAndGoTo(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	srv.commitThrough(t, 3)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/wizard/invalidate",
		map[string]any{"stage": "technology"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status %d: %s", res.StatusCode, string(data))
	}
	var inv InvalidateResponse
	if err := json.Unmarshal(data, &inv); err != nil {
		t.Fatalf("unmarshal invalidate: %v", err)
	}
	if len(inv.Invalidated) != 2 || inv.Invalidated[0] != 2 || inv.Invalidated[1] != 3 {
		t.Fatalf("expected [2 3] invalidated, got %v", inv.Invalidated)
	}
	if inv.State.CurrentStage != 2 {
		t.Fatalf("expected current stage 2, got %d", inv.State.CurrentStage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/wizard/goto",
		map[string]any{"stage": "4"}, actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for locked goto, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/wizard/goto",
		map[string]any{"stage": "basic_info"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("goto status %d: %s", res.StatusCode, string(data))
	}
	var st StateResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.CurrentStage != 1 || st.StageName != "basic_info" {
		t.Fatalf("unexpected state %+v", st)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.stageURL("crop_water"), nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get stage status %d: %s", res.StatusCode, string(data))
	}
	var rec domain.StageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}
	if rec.StageID != 3 || rec.Complete() {
		t.Fatalf("expected kept incomplete crop_water data, got %+v", rec)
	}
}

func TestDeleteStage(t *testing.T) {
	srv := newTestServer(t)
	srv.commitThrough(t, 2)
	res, data := doJSON(t, srv.Client(), http.MethodDelete, srv.stageURL("2"), nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	var out DeleteStageResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal delete: %v", err)
	}
	if !out.Existed || len(out.Invalidated) != 1 || out.Invalidated[0] != 2 {
		t.Fatalf("unexpected delete response %+v", out)
	}
}

func TestSubmitIncomplete(t *testing.T) {
	srv := newTestServer(t)
	srv.commitThrough(t, 2)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+testProject+"/submit", nil, actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Error.Code; code != "wizard_incomplete" {
		t.Fatalf("expected wizard_incomplete, got %s", code)
	}
}

func TestProjectCRUD(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "lift", "description": "Lift scheme"}, actor)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{"id": "lift"}, actor)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate create 409, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var items []ProjectResponse
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("unmarshal projects: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(items))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/projects/lift", map[string]any{"description": "Lift scheme phase 2"}, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var p ProjectResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if p.Description != "Lift scheme phase 2" || p.Status != domain.ProjectDraft {
		t.Fatalf("unexpected project %+v", p)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/projects/lift", nil, actor)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/lift", nil, actor)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestConfigReplaceChangesRates(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	cfg := config.Default(testProject)
	cfg.Costing.ContingencyRate = 0.05
	cfg.Costing.TaxRate = 0
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+testProject+"/config", cfg, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put config status %d: %s", res.StatusCode, string(data))
	}
	srv.commitThrough(t, domain.StageResources)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/boq", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("boq status %d: %s", res.StatusCode, string(data))
	}
	var boq BOQResponse
	if err := json.Unmarshal(data, &boq); err != nil {
		t.Fatalf("unmarshal boq: %v", err)
	}
	if boq.Summary == nil || boq.Summary.GrandTotal != 21000 {
		t.Fatalf("expected 21000 grand total, got %s", string(data))
	}

	cfg.Costing.TaxRate = 1.5
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/"+testProject+"/config", cfg, actor)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for invalid config, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCatalogTechnologies(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+testProject+"/catalog/technologies", nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("catalog status %d: %s", res.StatusCode, string(data))
	}
	var techs []domain.TechnologyDetails
	if err := json.Unmarshal(data, &techs); err != nil {
		t.Fatalf("unmarshal technologies: %v", err)
	}
	if len(techs) == 0 || techs[0].Efficiency <= 0 || techs[0].Efficiency > 1 {
		t.Fatalf("unexpected technologies %+v", techs)
	}
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	srv.commitThrough(t, domain.StageCount)
	url := srv.URL + "/v0/projects/" + testProject + "/events?limit=5"
	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 5 || page.NextCursor == "" {
		t.Fatalf("expected 5 items and a cursor, got %d %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].Type != "stage.committed" || page.Items[0].Payload["stage_id"] != float64(6) {
		t.Fatalf("expected newest event first, got %+v", page.Items[0])
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, url+"&cursor="+page.NextCursor, nil, actor)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	if err := json.Unmarshal(data, &next); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	// project.init plus six commits
	if len(next.Items) != 2 || next.NextCursor != "" {
		t.Fatalf("expected 2 remaining events, got %d %q", len(next.Items), next.NextCursor)
	}
	if next.Items[1].Type != "project.init" {
		t.Fatalf("expected project.init last, got %s", next.Items[1].Type)
	}
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be public, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	token, err := SignToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "alice" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	bad, err := SignToken("other-secret", "mallory", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + bad})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", res.StatusCode)
	}

	ctx := context.Background()
	tx, err := srv.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := srv.Engine.Repo.InsertAPIKey(ctx, tx, domain.APIKey{
		ID: "key-1", ActorID: "bot", KeyHash: repo.HashAPIKey("secret-key"), CreatedAt: "2026-03-01T09:00:00Z",
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key me status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "bot" || me.Source != "api_key" {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.commitThrough(t, 1)
	doJSON(t, srv.Client(), http.MethodPut, srv.stageURL("4"), stageInput(4), actor)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	body := string(data)
	for _, want := range []string{
		`irriline_stage_commits_total{outcome="ok",stage="basic_info"} 1`,
		`irriline_stage_commits_total{outcome="not_reachable",stage="hydraulics"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output", want)
		}
	}
}

func TestOpenAPIMarksHealthPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	health, ok := doc.Paths["/v0/health"]["get"]
	if !ok {
		t.Fatalf("health operation missing")
	}
	if len(health.Security) != 0 {
		t.Fatalf("expected no security on health, got %v", health.Security)
	}
	if _, ok := doc.Paths["/v0/projects/{project_id}/stages/{stage}"]["put"]; !ok {
		t.Fatalf("commit operation missing")
	}
}

type webhookSink struct {
	mu       sync.Mutex
	events   []webhookEvent
	projects []string
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
		s.mu.Lock()
		s.events = append(s.events, evt)
		s.projects = append(s.projects, r.Header.Get("X-Irriline-Project"))
		s.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDispatch(t *testing.T) {
	srv := newTestServer(t)
	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	ctx := context.Background()
	cfg := config.Default(testProject)
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"stage.committed"}}}
	if err := srv.Engine.ImportConfig(ctx, testProject, cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}

	d := newWebhookDispatcher(srv.Engine, nil)
	d.dispatchAll(ctx)
	if len(sink.events) != 0 {
		t.Fatalf("history should not be replayed, got %d events", len(sink.events))
	}

	if _, err := srv.Engine.CommitStage(ctx, testProject, 1, stageInput(1), "tester"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, _, err := srv.Engine.InvalidateFrom(ctx, testProject, 1, "tester"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	d.dispatchAll(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected 1 delivered event, got %d", len(sink.events))
	}
	if sink.events[0].Type != "stage.committed" || sink.events[0].EntityID != "basic_info" || sink.projects[0] != testProject {
		t.Fatalf("unexpected delivery %+v", sink.events[0])
	}
}
