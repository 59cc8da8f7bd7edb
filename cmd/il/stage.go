package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"irriline/internal/catalog"
	"irriline/internal/domain"
	"irriline/internal/engine"
)

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Commit and navigate wizard stages",
		Long: `Stages are addressed by number (1-6) or name:
  1 basic_info  2 technology  3 crop_water  4 hydraulics  5 resources  6 boq`,
	}
	stage.AddCommand(stageListCmd())
	stage.AddCommand(stageShowCmd())
	stage.AddCommand(stageCommitCmd())
	stage.AddCommand(stageDeleteCmd())
	stage.AddCommand(stageGoToCmd())
	stage.AddCommand(stageInvalidateCmd())
	return stage
}

func stageListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				view, err := e.Status(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view.Stages)
				}
				printStageTable(view.Stages, view.State.Reachable)
				return nil
			})
		},
	}
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <stage>",
		Short: "Show the inputs and derived values of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStageArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				rec, err := e.Stage(ctx, projectID, stageID)
				if err != nil {
					return fmt.Errorf("stage %s: %w", domain.StageName(stageID), err)
				}
				return printJSON(rec)
			})
		},
	}
}

func stageCommitCmd() *cobra.Command {
	var file string
	var sets []string
	cmd := &cobra.Command{
		Use:   "commit <stage>",
		Short: "Validate and commit stage input",
		Long: `Input comes from a JSON or YAML file (--file) and/or key=value pairs (--set).
Values given with --set are parsed as JSON when possible, e.g. --set potential_area_ha=12.5.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStageArg(args[0])
			if err != nil {
				return err
			}
			raw, err := readStageInput(file, sets)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				out, err := e.CommitStage(ctx, projectID, stageID, raw, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Committed %s", domain.StageName(stageID))
				if !out.Changed {
					fmt.Print(" (unchanged)")
				}
				fmt.Println()
				if len(out.Invalidated) > 0 {
					fmt.Printf("Invalidated: %s\n", joinStageNames(out.Invalidated))
				}
				fmt.Printf("Next stage: %d %s\n", out.State.CurrentStage, domain.StageName(out.State.CurrentStage))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON or YAML input file")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "key=value input field (repeatable)")
	return cmd
}

func stageDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <stage>",
		Short: "Delete a stage's data and invalidate it and every later stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStageArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				existed, invalidated, err := e.DeleteStage(ctx, projectID, stageID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"existed": existed, "invalidated": invalidated})
				}
				if !existed {
					fmt.Printf("No data stored for %s\n", domain.StageName(stageID))
				}
				if len(invalidated) > 0 {
					fmt.Printf("Invalidated: %s\n", joinStageNames(invalidated))
				}
				return nil
			})
		},
	}
}

func stageGoToCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <stage>",
		Short: "Move the wizard to a reachable stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStageArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.GoTo(ctx, projectID, stageID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Current stage: %d %s\n", st.CurrentStage, domain.StageName(st.CurrentStage))
				return nil
			})
		},
	}
}

func stageInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <stage>",
		Short: "Clear completion of a stage and every later stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stageID, err := parseStageArg(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				out, st, err := e.InvalidateFrom(ctx, projectID, stageID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"invalidated": out, "state": st})
				}
				if len(out) == 0 {
					fmt.Println("Nothing to invalidate")
					return nil
				}
				fmt.Printf("Invalidated: %s\n", joinStageNames(out))
				return nil
			})
		},
	}
}

func boqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boq",
		Short: "Show the bill of quantities summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				s, err := e.Summary(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				if s == nil {
					fmt.Println("No summary yet; commit the resources stage first")
					return nil
				}
				printBOQ(*s)
				return nil
			})
		},
	}
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{Use: "catalog", Short: "Browse the project catalogs"}
	cat.AddCommand(&cobra.Command{
		Use:   "technologies",
		Short: "List technology and irrigation type pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items := catalog.FromConfig(e.Config).Technologies()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Technology", "Irrigation type", "Efficiency", "Lifespan (y)", "Maintenance"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Technology, t.IrrigationType, fmt.Sprintf("%.0f%%", t.Efficiency*100), t.LifespanYears, t.MaintenanceLevel})
				}
				tw.Render()
				return nil
			})
		},
	})
	cat.AddCommand(&cobra.Command{
		Use:   "prices",
		Short: "List resource prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				prices := e.Config.Catalog.Prices
				if viper.GetBool("json") {
					return printJSON(prices)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Item", "Unit", "Rate"})
				for _, p := range prices {
					tw.AppendRow(table.Row{p.Category, p.ItemID, p.Unit, fmt.Sprintf("%.2f", p.UnitRate)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return cat
}

func printStageTable(stages []domain.StageRecord, reachable []int) {
	stored := map[int]domain.StageRecord{}
	for _, rec := range stages {
		stored[rec.StageID] = rec
	}
	open := map[int]bool{}
	for _, id := range reachable {
		open[id] = true
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Stage", "State", "Completed at"})
	for id := 1; id <= domain.StageCount; id++ {
		state := "locked"
		completedAt := ""
		rec, ok := stored[id]
		switch {
		case ok && rec.Complete():
			state = "complete"
			completedAt = *rec.CompletedAt
		case ok:
			state = "needs commit"
		case open[id]:
			state = "open"
		}
		tw.AppendRow(table.Row{id, domain.StageName(id), state, completedAt})
	}
	tw.Render()
}

func printBOQ(s domain.BOQSummary) {
	money := func(v float64) string { return fmt.Sprintf("%.2f", v) }
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Line", "Amount"})
	tw.AppendRow(table.Row{"Materials", money(s.CategoryTotals.Materials)})
	tw.AppendRow(table.Row{"Equipment", money(s.CategoryTotals.Equipment)})
	tw.AppendRow(table.Row{"Labor", money(s.CategoryTotals.Labor)})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Subtotal", money(s.Subtotal)})
	tw.AppendRow(table.Row{fmt.Sprintf("Contingency (%.1f%%)", s.ContingencyRate*100), money(s.Contingency)})
	tw.AppendRow(table.Row{fmt.Sprintf("Tax (%.1f%%)", s.TaxRate*100), money(s.Tax)})
	tw.AppendFooter(table.Row{"Grand total", money(s.GrandTotal)})
	perHa := "undefined"
	if s.CostPerHectare != nil {
		perHa = money(*s.CostPerHectare)
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("Per hectare (%.2f ha)", s.PotentialArea), perHa})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight}})
	tw.Render()
}

func parseStageArg(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		if domain.StageName(n) == "" {
			return 0, fmt.Errorf("unknown stage %d (1-%d)", n, domain.StageCount)
		}
		return n, nil
	}
	if id, ok := domain.StageIDByName(raw); ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown stage %q", raw)
}

// readStageInput merges a JSON or YAML file with --set overrides.
func readStageInput(file string, sets []string) (map[string]any, error) {
	raw := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(file)) {
		case ".yml", ".yaml":
			err = yaml.Unmarshal(data, &raw)
		default:
			err = json.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q; expected key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		raw[key] = parsed
	}
	return raw, nil
}

func joinStageNames(ids []int) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, domain.StageName(id))
	}
	return strings.Join(names, ", ")
}
