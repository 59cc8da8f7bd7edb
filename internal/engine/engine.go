package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"irriline/internal/catalog"
	"irriline/internal/config"
	"irriline/internal/derive"
	"irriline/internal/domain"
	"irriline/internal/events"
	"irriline/internal/metrics"
	"irriline/internal/repo"
	"irriline/internal/store"
	"irriline/internal/wizard"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Area    derive.AreaFunc
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
	Locks   *Locks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
		Locks:  NewLocks(),
	}
}

// Locks serializes writers per project.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: map[string]*sync.Mutex{}}
}

func (l *Locks) lock(projectID string) func() {
	l.mu.Lock()
	m, ok := l.locks[projectID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[projectID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

var fallbackLocks = NewLocks()

func (e Engine) lock(projectID string) func() {
	if e.Locks != nil {
		return e.Locks.lock(projectID)
	}
	return fallbackLocks.lock(projectID)
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// StatusError reports a wizard edit against a project that is not a draft.
type StatusError struct {
	ProjectID string
	Status    string
}

func (err StatusError) Error() string {
	return fmt.Sprintf("project %s is %s; reopen it to edit stages", err.ProjectID, err.Status)
}

// TransitionError reports a disallowed project status change.
type TransitionError struct {
	From string
	To   string
}

func (err TransitionError) Error() string {
	return fmt.Sprintf("invalid project transition %s -> %s", err.From, err.To)
}

// IncompleteError reports a submit before every stage is committed.
type IncompleteError struct {
	Completed []int
}

func (err IncompleteError) Error() string {
	return fmt.Sprintf("all %d stages must be completed before submit (completed: %v)", domain.StageCount, err.Completed)
}

// View is a read snapshot of a project's wizard.
type View struct {
	Project domain.Project       `json:"project"`
	State   wizard.State         `json:"state"`
	Stages  []domain.StageRecord `json:"stages"`
	Summary *domain.BOQSummary   `json:"summary"`
}

// CommitOutcome is the result of a successful stage commit.
type CommitOutcome struct {
	Record      domain.StageRecord `json:"record"`
	Changed     bool               `json:"changed"`
	Invalidated []int              `json:"invalidated,omitempty"`
	State       wizard.State       `json:"state"`
	Summary     *domain.BOQSummary `json:"summary"`
}

// InitProject creates a draft project seeded with the default config.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	p := domain.Project{
		ID:           projectID,
		Status:       domain.ProjectDraft,
		CurrentStage: domain.StageBasicInfo,
		Description:  description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type: events.ProjectInit, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: actorID,
		Payload: events.Payload{"status": p.Status},
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.logger().Info("project initialized", "project", p.ID, "actor", actorID)
	return p, nil
}

// ImportConfig replaces a project's config. Committed stages keep their
// derived values until they are committed again.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	unlock := e.lock(projectID)
	defer unlock()
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfig(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, events.Entry{
		Type: events.ProjectConfigUpdated, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
		Payload: events.Payload{"technologies": len(cfg.Catalog.Technologies), "prices": len(cfg.Catalog.Prices)},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectConfig returns the stored config of a project, falling back to the
// engine config and then the defaults.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	switch {
	case err == nil:
		return cfg, nil
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	case e.Config != nil:
		return e.Config, nil
	default:
		return config.Default(projectID), nil
	}
}

// Deriver builds the derivation engine for a config.
func (e Engine) Deriver(cfg *config.Config) derive.Engine {
	cat := catalog.FromConfig(cfg)
	return derive.Engine{
		Technologies: cat,
		Prices:       cat,
		Area:         e.Area,
		Hydraulics: derive.HydraulicsDefaults{
			PipeVelocityMPS: cfg.Hydraulics.PipeVelocityMPS,
			PumpEfficiency:  cfg.Hydraulics.PumpEfficiencyPct / 100,
		},
		Rates: cfg.Rates(),
	}
}

type session struct {
	tx      *sql.Tx
	project domain.Project
	ctrl    *wizard.Controller
	status  string
}

func (e Engine) controller(cfg *config.Config, p domain.Project, records []domain.StageRecord) (*wizard.Controller, error) {
	st := store.New()
	if err := st.Load(records); err != nil {
		return nil, fmt.Errorf("load project %s: %w", p.ID, err)
	}
	return wizard.New(e.Deriver(cfg), st, wizard.Options{
		Rates:        cfg.Rates(),
		CurrentStage: p.CurrentStage,
		Now:          e.now,
		Logger:       e.logger().With("project", p.ID),
	}), nil
}

// mutate runs fn against a fresh controller and persists every touched
// stage, the project row and fn's events in one transaction.
func (e Engine) mutate(ctx context.Context, projectID string, fn func(s *session) ([]events.Entry, error)) (*session, error) {
	unlock := e.lock(projectID)
	defer unlock()

	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	records, err := e.Repo.LoadStages(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	ctrl, err := e.controller(cfg, p, records)
	if err != nil {
		return nil, err
	}
	s := &session{tx: tx, project: p, ctrl: ctrl}
	entries, err := fn(s)
	if err != nil {
		return nil, err
	}

	now := e.stamp()
	for _, id := range ctrl.Dirty() {
		rec, err := ctrl.Stage(id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			err = e.Repo.DeleteStage(ctx, tx, projectID, id)
		case err == nil:
			err = e.Repo.SaveStage(ctx, tx, projectID, rec, now)
		}
		if err != nil {
			return nil, fmt.Errorf("persist stage %d: %w", id, err)
		}
	}
	if err := e.Repo.UpdateProjectState(ctx, tx, projectID, s.status, ctrl.Current(), now); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		entry.ProjectID = projectID
		if err := e.events().Append(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	ctrl.ClearDirty()
	s.project.CurrentStage = ctrl.Current()
	s.project.UpdatedAt = now
	if s.status != "" {
		s.project.Status = s.status
	}
	return s, nil
}

func requireDraft(p domain.Project) error {
	if p.Status != domain.ProjectDraft {
		return StatusError{ProjectID: p.ID, Status: p.Status}
	}
	return nil
}

func stageNames(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.StageName(id))
	}
	return out
}

func invalidatedEntry(actorID string, from int, ids []int) events.Entry {
	return events.Entry{
		Type: events.StageInvalidated, EntityKind: "stage", EntityID: domain.StageName(from), ActorID: actorID,
		Payload: events.Payload{"stages": stageNames(ids)},
	}
}

// CommitStage validates and stores one stage of a draft project.
func (e Engine) CommitStage(ctx context.Context, projectID string, stageID int, raw map[string]any, actorID string) (CommitOutcome, error) {
	var res wizard.CommitResult
	s, err := e.mutate(ctx, projectID, func(s *session) ([]events.Entry, error) {
		if err := requireDraft(s.project); err != nil {
			return nil, err
		}
		var err error
		res, err = s.ctrl.CommitStage(ctx, stageID, raw)
		if err != nil {
			return nil, err
		}
		entries := []events.Entry{{
			Type: events.StageCommitted, EntityKind: "stage", EntityID: domain.StageName(stageID), ActorID: actorID,
			Payload: events.Payload{"stage_id": stageID, "changed": res.Changed},
		}}
		if len(res.Invalidated) > 0 {
			entries = append(entries, invalidatedEntry(actorID, stageID+1, res.Invalidated))
		}
		return entries, nil
	})
	e.Metrics.ObserveCommit(domain.StageName(stageID), err)
	if err != nil {
		return CommitOutcome{}, err
	}
	e.Metrics.ObserveInvalidated(stageNames(res.Invalidated))
	return CommitOutcome{
		Record:      res.Record,
		Changed:     res.Changed,
		Invalidated: res.Invalidated,
		State:       s.ctrl.State(),
		Summary:     s.ctrl.Summary(),
	}, nil
}

// GoTo moves the wizard to a reachable stage.
func (e Engine) GoTo(ctx context.Context, projectID string, stageID int, actorID string) (wizard.State, error) {
	s, err := e.mutate(ctx, projectID, func(s *session) ([]events.Entry, error) {
		from := s.ctrl.Current()
		if err := s.ctrl.GoTo(stageID); err != nil {
			return nil, err
		}
		if from == stageID {
			return nil, nil
		}
		return []events.Entry{{
			Type: events.WizardMoved, EntityKind: "wizard", EntityID: domain.StageName(stageID), ActorID: actorID,
			Payload: events.Payload{"from": domain.StageName(from), "to": domain.StageName(stageID)},
		}}, nil
	})
	if err != nil {
		return wizard.State{}, err
	}
	return s.ctrl.State(), nil
}

// InvalidateFrom clears completion of stageID and everything after it.
func (e Engine) InvalidateFrom(ctx context.Context, projectID string, stageID int, actorID string) ([]int, wizard.State, error) {
	var out []int
	s, err := e.mutate(ctx, projectID, func(s *session) ([]events.Entry, error) {
		if err := requireDraft(s.project); err != nil {
			return nil, err
		}
		var err error
		out, err = s.ctrl.InvalidateFrom(stageID)
		if err != nil || len(out) == 0 {
			return nil, err
		}
		return []events.Entry{invalidatedEntry(actorID, stageID, out)}, nil
	})
	if err != nil {
		return nil, wizard.State{}, err
	}
	e.Metrics.ObserveInvalidated(stageNames(out))
	return out, s.ctrl.State(), nil
}

// DeleteStage removes a stage's data and invalidates it and every later stage.
func (e Engine) DeleteStage(ctx context.Context, projectID string, stageID int, actorID string) (bool, []int, error) {
	var (
		existed     bool
		invalidated []int
	)
	_, err := e.mutate(ctx, projectID, func(s *session) ([]events.Entry, error) {
		if err := requireDraft(s.project); err != nil {
			return nil, err
		}
		var err error
		existed, invalidated, err = s.ctrl.DeleteStage(stageID)
		if err != nil {
			return nil, err
		}
		var entries []events.Entry
		if existed {
			entries = append(entries, events.Entry{
				Type: events.StageDeleted, EntityKind: "stage", EntityID: domain.StageName(stageID), ActorID: actorID,
				Payload: events.Payload{"stage_id": stageID},
			})
		}
		if len(invalidated) > 0 {
			entries = append(entries, invalidatedEntry(actorID, stageID, invalidated))
		}
		return entries, nil
	})
	if err != nil {
		return false, nil, err
	}
	e.Metrics.ObserveInvalidated(stageNames(invalidated))
	return existed, invalidated, nil
}

func (e Engine) read(ctx context.Context, projectID string) (domain.Project, *wizard.Controller, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	records, err := e.Repo.LoadStages(ctx, nil, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	ctrl, err := e.controller(cfg, p, records)
	return p, ctrl, err
}

// Status returns the project, wizard state, stored stages and summary.
func (e Engine) Status(ctx context.Context, projectID string) (View, error) {
	p, ctrl, err := e.read(ctx, projectID)
	if err != nil {
		return View{}, err
	}
	return View{Project: p, State: ctrl.State(), Stages: ctrl.Records(), Summary: ctrl.Summary()}, nil
}

// Summary returns the current bill of quantities, or nil before resources
// are committed.
func (e Engine) Summary(ctx context.Context, projectID string) (*domain.BOQSummary, error) {
	_, ctrl, err := e.read(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ctrl.Summary(), nil
}

func (e Engine) Reachable(ctx context.Context, projectID string) ([]int, error) {
	_, ctrl, err := e.read(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return ctrl.Reachable(), nil
}

// Stage returns one stored stage.
func (e Engine) Stage(ctx context.Context, projectID string, stageID int) (domain.StageRecord, error) {
	_, ctrl, err := e.read(ctx, projectID)
	if err != nil {
		return domain.StageRecord{}, err
	}
	return ctrl.Stage(stageID)
}

func ensureProjectTransition(from, to string) error {
	switch from {
	case domain.ProjectDraft:
		if to == domain.ProjectSubmitted {
			return nil
		}
	case domain.ProjectSubmitted:
		if to == domain.ProjectApproved || to == domain.ProjectDraft {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

func (e Engine) setStatus(ctx context.Context, projectID, to, actorID string) (domain.Project, error) {
	s, err := e.mutate(ctx, projectID, func(s *session) ([]events.Entry, error) {
		from := s.project.Status
		if err := ensureProjectTransition(from, to); err != nil {
			return nil, err
		}
		if to == domain.ProjectSubmitted && (!s.ctrl.Done() || s.ctrl.Summary() == nil) {
			return nil, IncompleteError{Completed: s.ctrl.Completed()}
		}
		s.status = to
		return []events.Entry{{
			Type: events.ProjectStatusChanged, EntityKind: "project", EntityID: projectID, ActorID: actorID,
			Payload: events.Payload{"from": from, "to": to},
		}}, nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.Metrics.ObserveTransition(to)
	e.logger().Info("project status changed", "project", projectID, "status", to, "actor", actorID)
	return s.project, nil
}

// SubmitProject moves a fully configured draft to submitted.
func (e Engine) SubmitProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.setStatus(ctx, projectID, domain.ProjectSubmitted, actorID)
}

func (e Engine) ApproveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.setStatus(ctx, projectID, domain.ProjectApproved, actorID)
}

// ReopenProject returns a submitted project to draft for editing.
func (e Engine) ReopenProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.setStatus(ctx, projectID, domain.ProjectDraft, actorID)
}
