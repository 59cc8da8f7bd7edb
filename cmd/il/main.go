package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"irriline/internal/app"
	"irriline/internal/config"
	"irriline/internal/db"
	"irriline/internal/domain"
	"irriline/internal/engine"
	"irriline/internal/migrate"
	"irriline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "il",
	Short: "irriline CLI",
	Long: `irriline walks an irrigation project through six configuration stages and
prices it as a bill of quantities.
- Workspace: the .irriline directory holding the SQLite database; .env keeps the default project.
- Project: one scheme under design; draft until submitted, then approved or reopened.
- Stages: basic_info, technology, crop_water, hydraulics, resources, boq. A stage opens once the one
  before it is committed; committing a changed stage invalidates everything after it.
- Config: per-project costing rates, hydraulic defaults and the technology and price catalogs.
- Event log: every commit, invalidation and status change; view with 'il log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return app.LoadEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("IRRILINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("project", "p", "", "project id (overrides the workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(boqCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDescribeCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectTransitionCmd("submit", "Submit a fully configured project", engine.Engine.SubmitProject))
	prj.AddCommand(projectTransitionCmd("approve", "Approve a submitted project", engine.Engine.ApproveProject))
	prj.AddCommand(projectTransitionCmd("reopen", "Return a submitted project to draft", engine.Engine.ReopenProject))
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, desc, configFile string
	var use bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			id = strings.TrimSpace(id)
			if id == "" {
				return fmt.Errorf("--id required")
			}
			var cfg *config.Config
			if configFile != "" {
				loaded, err := config.FromFile(configFile)
				if err != nil {
					return err
				}
				loaded.Project.ID = id
				cfg = loaded
			}
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InitProject(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if cfg != nil {
					if err := e.ImportConfig(ctx, id, cfg, viper.GetString("actor-id")); err != nil {
						return err
					}
				}
				if use {
					if err := app.SetDefaultProject(viper.GetString("workspace"), id); err != nil {
						return err
					}
				}
				return printProjects([]domain.Project{p})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config to import instead of the defaults")
	cmd.Flags().BoolVar(&use, "use", false, "make it the workspace default project")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printProjects(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the wizard state of the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				view, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("Project: %s (%s)\n", view.Project.ID, view.Project.Status)
				if view.Project.Description != "" {
					fmt.Printf("Description: %s\n", view.Project.Description)
				}
				fmt.Printf("Current stage: %d %s\n", view.State.CurrentStage, domain.StageName(view.State.CurrentStage))
				printStageTable(view.Stages, view.State.Reachable)
				if view.Summary != nil {
					fmt.Printf("Grand total: %.2f\n", view.Summary.GrandTotal)
				}
				return nil
			})
		},
	}
}

func projectDescribeCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Set the project description",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				if err := e.Repo.UpdateProjectDescription(ctx, projectID, description, time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				return printProjects([]domain.Project{p})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete the active project and its stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return e.Repo.DeleteProject(ctx, projectID)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := app.SetDefaultProject(workspace, projectID); err != nil {
				return err
			}
			fmt.Printf("Set %s=%s in %s/.env\n", app.ProjectEnvKey, projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				c, err := e.ProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	})
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(&cobra.Command{
		Use:   "template",
		Short: "Print the default config template",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(viper.GetString("project"))
			if id == "" {
				id = "my-project"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	})
	return cfg
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		Long:  "Committed stages keep their derived values; commit them again to apply new rates or catalog entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				cfg.Project.ID = projectID
				if err := e.ImportConfig(ctx, projectID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Imported config for %s (%d technologies, %d prices)\n",
					projectID, len(cfg.Catalog.Technologies), len(cfg.Catalog.Prices))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectTransitionCmd(use, short string, apply func(engine.Engine, context.Context, string, string) (domain.Project, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				p, err := apply(e, ctx, projectID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printProjects([]domain.Project{p})
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every commit, invalidation, navigation and status change of a project.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{ProjectID: projectID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

// withDB opens the workspace database without resolving a project.
func withDB(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, nil))
}

// withEngine resolves the active project, creating it when missing, and
// hands its engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withDB(ctx, func(ctx context.Context, e engine.Engine) error {
		projectID, cfg, err := app.ResolveProjectAndConfig(ctx, e, viper.GetString("workspace"), viper.GetString("project"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		e.Config = cfg
		return fn(ctx, e, projectID)
	})
}

func printProjects(items []domain.Project) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Description", "Updated"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Status, fmt.Sprintf("%d %s", p.CurrentStage, domain.StageName(p.CurrentStage)), p.Description, p.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
