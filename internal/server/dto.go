package server

import (
	"encoding/json"

	"irriline/internal/domain"
	"irriline/internal/engine"
	"irriline/internal/wizard"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

// StageSelector names a stage by number ("3") or name ("crop_water").
type StageSelector struct {
	Stage string `json:"stage" example:"crop_water"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ProjectResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status" enum:"draft,submitted,approved"`
	CurrentStage int    `json:"current_stage"`
	StageName    string `json:"current_stage_name"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type StateResponse struct {
	CurrentStage int    `json:"current_stage"`
	StageName    string `json:"current_stage_name"`
	Completed    []int  `json:"completed"`
	Reachable    []int  `json:"reachable"`
	Done         bool   `json:"done"`
}

type WizardResponse struct {
	Project ProjectResponse      `json:"project"`
	State   StateResponse        `json:"state"`
	Stages  []domain.StageRecord `json:"stages"`
	Summary *domain.BOQSummary   `json:"summary,omitempty"`
}

type CommitResponse struct {
	Record      domain.StageRecord `json:"record"`
	Changed     bool               `json:"changed"`
	Invalidated []int              `json:"invalidated"`
	State       StateResponse      `json:"state"`
	Summary     *domain.BOQSummary `json:"summary,omitempty"`
}

type InvalidateResponse struct {
	Invalidated []int         `json:"invalidated"`
	State       StateResponse `json:"state"`
}

type DeleteStageResponse struct {
	Existed     bool  `json:"existed"`
	Invalidated []int `json:"invalidated"`
}

type BOQResponse struct {
	Available bool               `json:"available"`
	Summary   *domain.BOQSummary `json:"summary,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,legacy_header"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:           p.ID,
		Status:       p.Status,
		CurrentStage: p.CurrentStage,
		StageName:    domain.StageName(p.CurrentStage),
		Description:  p.Description,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func stateResponse(s wizard.State) StateResponse {
	return StateResponse{
		CurrentStage: s.CurrentStage,
		StageName:    domain.StageName(s.CurrentStage),
		Completed:    nonNilSlice(s.Completed),
		Reachable:    nonNilSlice(s.Reachable),
		Done:         s.Done,
	}
}

func wizardResponse(v engine.View) WizardResponse {
	return WizardResponse{
		Project: projectResponse(v.Project),
		State:   stateResponse(v.State),
		Stages:  nonNilSlice(v.Stages),
		Summary: v.Summary,
	}
}

func commitResponse(o engine.CommitOutcome) CommitResponse {
	return CommitResponse{
		Record:      o.Record,
		Changed:     o.Changed,
		Invalidated: nonNilSlice(o.Invalidated),
		State:       stateResponse(o.State),
		Summary:     o.Summary,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
