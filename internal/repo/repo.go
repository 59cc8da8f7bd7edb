package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"irriline/internal/config"
	"irriline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,status,current_stage,COALESCE(description,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Status, &p.CurrentStage, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,status,current_stage,description,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Status, p.CurrentStage, nullable(p.Description), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.GetProjectTx(ctx, nil, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectState writes status and wizard position. Empty status keeps
// the stored one.
func (r Repo) UpdateProjectState(ctx context.Context, tx *sql.Tx, id, status string, currentStage int, updatedAt string) error {
	fields := []string{"current_stage=?", "updated_at=?"}
	args := []any{currentStage, updatedAt}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProjectDescription(ctx context.Context, id, description, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET description=?, updated_at=? WHERE id=?`, nullable(description), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProjectConfig validates cfg and stores it as JSON.
func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// SaveStage upserts one stage row.
func (r Repo) SaveStage(ctx context.Context, tx *sql.Tx, projectID string, rec domain.StageRecord, updatedAt string) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal stage %d inputs: %w", rec.StageID, err)
	}
	var derived any
	if rec.Derived != nil {
		data, err := json.Marshal(rec.Derived)
		if err != nil {
			return fmt.Errorf("marshal stage %d derived: %w", rec.StageID, err)
		}
		derived = string(data)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO stages(project_id,stage_id,name,inputs_json,derived_json,completed_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,stage_id) DO UPDATE SET inputs_json=excluded.inputs_json, derived_json=excluded.derived_json, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		projectID, rec.StageID, domain.StageName(rec.StageID), string(inputs), derived, nullableStringPtr(rec.CompletedAt), updatedAt)
	return err
}

func (r Repo) DeleteStage(ctx context.Context, tx *sql.Tx, projectID string, stageID int) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM stages WHERE project_id=? AND stage_id=?`, projectID, stageID)
	return err
}

// LoadStages returns the stored stages of a project ordered by id.
func (r Repo) LoadStages(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.StageRecord, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT stage_id,name,inputs_json,derived_json,completed_at FROM stages WHERE project_id=? ORDER BY stage_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageRecord
	for rows.Next() {
		var (
			rec       domain.StageRecord
			inputs    string
			derived   sql.NullString
			completed sql.NullString
		)
		if err := rows.Scan(&rec.StageID, &rec.Name, &inputs, &derived, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
			return nil, fmt.Errorf("stage %d inputs: %w", rec.StageID, err)
		}
		if derived.Valid {
			if err := json.Unmarshal([]byte(derived.String), &rec.Derived); err != nil {
				return nil, fmt.Errorf("stage %d derived: %w", rec.StageID, err)
			}
		}
		if completed.Valid {
			ts := completed.String
			rec.CompletedAt = &ts
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type EventFilters struct {
	ProjectID string
	Type      string
	Cursor    int64
	Limit     int
}

// LatestEvents returns events newest first. Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	return r.queryEvents(ctx, `WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	args = append(args, limit)
	return r.queryEvents(ctx, `WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id ASC LIMIT ?`, args...)
}

func (r Repo) queryEvents(ctx context.Context, tail string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, across projects when projectID is empty.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
