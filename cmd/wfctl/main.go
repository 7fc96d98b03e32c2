// wfctl is the operator CLI: seed demo data, inspect dispatches,
// requeue failures. It talks to the database directly, not the API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/leadwave/automations/internal/config"
	"github.com/leadwave/automations/internal/repository"
	"github.com/leadwave/automations/pkg/models"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "wfctl",
		Short: "Operator tooling for the workflow automation service",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(seedCmd())
	root.AddCommand(workflowCmd())
	root.AddCommand(dispatchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (repository.Store, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DB.Driver != "postgres" {
		return nil, nil, fmt.Errorf("wfctl requires db.driver=postgres, got %q", cfg.DB.Driver)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create a demo workflow (tag VIP contacts and greet them)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			existing, err := store.ListWorkflows(ctx)
			if err != nil {
				return err
			}
			for _, w := range existing {
				if w.Name == "VIP welcome" {
					fmt.Println("demo workflow already exists:", w.ID)
					return nil
				}
			}

			triggerStep := models.Step{ID: uuid.New(), Kind: models.StepKindTrigger, Label: "Contact created"}
			tagStep := models.Step{
				ID:         uuid.New(),
				Kind:       models.StepKindAction,
				ActionType: "add_tag",
				Config:     map[string]any{"tag": "vip"},
				Label:      "Tag as VIP",
			}
			condStep := models.Step{
				ID:   uuid.New(),
				Kind: models.StepKindCondition,
				Config: map[string]any{
					"field":    "contact.phone",
					"operator": "is_not_empty",
				},
				Label: "Has phone?",
			}
			smsStep := models.Step{
				ID:         uuid.New(),
				Kind:       models.StepKindAction,
				ActionType: "send_sms",
				Config:     map[string]any{"message": "Welcome aboard, {{contact.first_name}}!"},
				Label:      "Welcome SMS",
			}

			w := &models.Workflow{
				ID:          uuid.New(),
				Name:        "VIP welcome",
				Description: "Tags new VIP contacts and sends them a welcome SMS",
				Status:      models.WorkflowStatusPublished,
				TriggerType: "contact_created",
				TriggerFilter: &models.TriggerFilter{
					Filters: map[string]any{"contact.source": "landing_page"},
				},
				Steps: []models.Step{triggerStep, tagStep, condStep, smsStep},
				Connections: []models.Connection{
					{FromStepID: triggerStep.ID, ToStepID: tagStep.ID, Type: models.ConnectionNext},
					{FromStepID: tagStep.ID, ToStepID: condStep.ID, Type: models.ConnectionNext},
					{FromStepID: condStep.ID, ToStepID: smsStep.ID, Type: models.ConnectionTrueBranch},
				},
			}
			if err := models.ValidateWorkflow(w); err != nil {
				return err
			}
			if err := store.SaveWorkflow(ctx, w); err != nil {
				return err
			}
			fmt.Println("created demo workflow:", w.ID)
			return nil
		},
	}
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflow definitions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			workflows, err := store.ListWorkflows(ctx)
			if err != nil {
				return err
			}
			for _, w := range workflows {
				fmt.Printf("%s  %-10s  %-28s  trigger=%s\n", w.ID, w.Status, w.Name, w.TriggerType)
			}
			return nil
		},
	})

	return cmd
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Inspect and repair the dispatch queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a dispatch with its step trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dispatch id: %w", err)
			}
			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			d, err := store.GetDispatch(ctx, id)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(d, "", "  ")
			fmt.Println(string(out))

			traces, err := store.ListTraces(ctx, id)
			if err != nil {
				return err
			}
			for _, t := range traces {
				line := fmt.Sprintf("  %2d  %-8s  step=%s", t.Seq, t.Outcome, t.StepID)
				if t.Error != "" {
					line += "  error=" + t.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue <id>",
		Short: "Return a failed dispatch to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dispatch id: %w", err)
			}
			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Requeue(ctx, id); err != nil {
				return err
			}
			fmt.Println("requeued:", id)
			return nil
		},
	})

	var threshold time.Duration
	reclaim := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Requeue dispatches whose worker claim went stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			reclaimed, err := store.ReclaimStale(ctx, threshold)
			if err != nil {
				return err
			}
			for _, d := range reclaimed {
				fmt.Printf("requeued %s (attempts=%d)\n", d.ID, d.Attempts)
			}
			fmt.Printf("reclaimed %d dispatches\n", len(reclaimed))
			return nil
		},
	}
	reclaim.Flags().DurationVar(&threshold, "threshold", 10*time.Minute, "age after which a claim counts as stale")
	cmd.AddCommand(reclaim)

	return cmd
}
