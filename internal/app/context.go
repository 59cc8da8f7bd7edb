package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"irriline/internal/config"
	"irriline/internal/engine"
	"irriline/internal/repo"
)

// ProjectEnvKey names the default project in the workspace .env file.
const ProjectEnvKey = "IRRILINE_PROJECT"

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// LoadEnv loads the workspace .env into the process environment without
// overriding variables that are already set.
func LoadEnv(workspace string) error {
	err := godotenv.Load(envPath(workspace))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// DefaultProject reads the default project from the workspace .env.
func DefaultProject(workspace string) (string, error) {
	env, err := godotenv.Read(envPath(workspace))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return env[ProjectEnvKey], nil
}

// SetDefaultProject writes the default project to the workspace .env,
// keeping any other keys.
func SetDefaultProject(workspace, projectID string) error {
	env, err := godotenv.Read(envPath(workspace))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if env == nil {
		env = map[string]string{}
	}
	env[ProjectEnvKey] = projectID
	return godotenv.Write(env, envPath(workspace))
}

// ResolveProject picks the active project: the override, then the workspace
// default, then the only project in the database.
func ResolveProject(ctx context.Context, workspace, projectOverride string, r repo.Repo) (string, error) {
	if projectOverride != "" {
		return projectOverride, nil
	}
	if id, err := DefaultProject(workspace); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}
	p, err := r.SingleProject(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("no project found; run il project init --project <id>")
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// ResolveProjectAndConfig resolves the active project and creates it with
// the default config when it does not exist yet.
func ResolveProjectAndConfig(ctx context.Context, eng engine.Engine, workspace, projectOverride, actorID string) (string, *config.Config, error) {
	projectID, err := ResolveProject(ctx, workspace, projectOverride, eng.Repo)
	if err != nil {
		return "", nil, err
	}
	if _, err := eng.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := eng.InitProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := eng.ProjectConfig(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	return projectID, cfg, nil
}
