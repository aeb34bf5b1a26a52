package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/domain"
	"batchline/internal/engine"
	"batchline/internal/engine/auth"
	"batchline/internal/stageflow"
)

func ordersCmd() *cobra.Command {
	orders := &cobra.Command{Use: "orders", Short: "Browse manufacturing orders"}
	orders.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List orders from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.ListOrders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "MO", "Product", "Status", "Quantity"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.MONumber, o.ProductName, o.Status, formatQuantity(o.Quantity)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return orders
}

func flowCmd() *cobra.Command {
	flow := &cobra.Command{
		Use:   "flow",
		Short: "Inspect the stage flow of an order",
		Long:  "The flow board has one row per batch and one column per stage, in sequence order. Cells marked * can be acted on by the chosen role.",
	}
	var orderID, role string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the flow board of an order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				board, err := env.Engine.FlowBoard(ctx, orderID, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(board)
				}
				renderBoard(os.Stdout, board)
				return nil
			})
		},
	}
	show.Flags().StringVar(&orderID, "order", "", "order id")
	show.Flags().StringVar(&role, "role", stageflow.RoleManager, "dashboard role")
	_ = show.MarkFlagRequired("order")
	flow.AddCommand(show)
	return flow
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{Use: "batch", Short: "Inspect batches"}
	var orderID, batchID, role string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the stage statuses of one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				stages, err := env.Backend.ListStages(ctx, orderID)
				if err != nil {
					return err
				}
				bf, err := env.Engine.BatchFlow(ctx, orderID, batchID, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bf)
				}
				renderBatch(os.Stdout, bf, stages)
				return nil
			})
		},
	}
	show.Flags().StringVar(&orderID, "order", "", "order id")
	show.Flags().StringVar(&batchID, "batch", "", "batch id")
	show.Flags().StringVar(&role, "role", stageflow.RoleManager, "dashboard role")
	_ = show.MarkFlagRequired("order")
	_ = show.MarkFlagRequired("batch")
	batch.AddCommand(show)
	return batch
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Start or complete a batch stage",
		Long:  "Stage actions are checked against the freshly resolved status before anything is sent to the backend. Only supervisors may act.",
	}
	actions := []struct {
		name  string
		short string
		run   func(engine.Engine, context.Context, engine.ActionOptions) (engine.ActionResult, error)
	}{
		{auth.ActionStart, "Start an available stage", engine.Engine.StartStage},
		{auth.ActionComplete, "Complete a stage in progress", engine.Engine.CompleteStage},
	}
	for _, a := range actions {
		a := a
		var opts engine.ActionOptions
		cmd := &cobra.Command{
			Use:   a.name,
			Short: a.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				opts.ActorID = viper.GetString("actor-id")
				return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
					res, err := a.run(env.Engine, ctx, opts)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Printf("event %d: %s stage %s of batch %s\n", res.Event.ID, res.Event.Type, res.Event.StageID, res.Event.BatchID)
					stages, err := env.Backend.ListStages(ctx, opts.OrderID)
					if err != nil {
						return err
					}
					renderBatch(os.Stdout, res.Flow, stages)
					return nil
				})
			},
		}
		cmd.Flags().StringVar(&opts.OrderID, "order", "", "order id")
		cmd.Flags().StringVar(&opts.BatchID, "batch", "", "batch id")
		cmd.Flags().StringVar(&opts.StageID, "stage", "", "stage id")
		cmd.Flags().StringVar(&opts.Role, "role", "", "dashboard role")
		for _, name := range []string{"order", "batch", "stage", "role"} {
			_ = cmd.MarkFlagRequired(name)
		}
		stage.AddCommand(cmd)
	}
	return stage
}

func renderBoard(w io.Writer, board domain.FlowBoard) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	header := table.Row{"Batch", "Progress"}
	for _, s := range board.Stages {
		header = append(header, stageLabel(s))
	}
	tw.AppendHeader(header)
	for _, bf := range board.Batches {
		row := table.Row{bf.Batch.BatchID, fmt.Sprintf("%d%%", bf.Progress)}
		for _, cell := range bf.Stages {
			row = append(row, cellLabel(cell))
		}
		tw.AppendRow(row)
	}
	tw.AppendFooter(table.Row{"Order", fmt.Sprintf("%d%%", board.Progress)})
	tw.Render()
}

func renderBatch(w io.Writer, bf domain.BatchFlow, stages []domain.Stage) {
	names := make(map[domain.ID]string, len(stages))
	for _, s := range stages {
		names[s.ID] = stageLabel(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Batch %s (%d%%)", bf.Batch.BatchID, bf.Progress)
	tw.AppendHeader(table.Row{"Stage", "Status", "Can start", "Can complete", "Current"})
	for _, cell := range bf.Stages {
		current := ""
		if bf.CurrentStageID != nil && *bf.CurrentStageID == cell.StageID {
			current = "<"
		}
		label := names[cell.StageID]
		if label == "" {
			label = string(cell.StageID)
		}
		tw.AppendRow(table.Row{label, cell.Status, cell.CanStart, cell.CanComplete, current})
	}
	tw.Render()
}

func stageLabel(s domain.Stage) string {
	if s.Name != "" {
		return s.Name
	}
	if s.Code != "" {
		return s.Code
	}
	return string(s.ID)
}

func cellLabel(c domain.StageCell) string {
	if c.CanStart || c.CanComplete {
		return string(c.Status) + " *"
	}
	return string(c.Status)
}

func formatQuantity(q domain.Quantity) string {
	return strconv.FormatFloat(float64(q), 'f', -1, 64)
}
