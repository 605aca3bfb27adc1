package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shopfloor/internal/app"
	"shopfloor/internal/db"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
	"shopfloor/internal/migrate"
	"shopfloor/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Shopfloor CLI",
	Long: `Shopfloor decides what a machining shop should run next and tracks how far running work has got.
Core concepts:
- Workspace: the .shopfloor directory holding the database; the plant config lives in the DB and is imported from shopfloor.yml.
- Orders: a drawing number, a quantity and a deadline. Overdue orders get a realistic deadline from 'sf preprocess'.
- Operations: the ordered machining steps of an order; PENDING -> ASSIGNED -> IN_PROGRESS -> COMPLETED.
- Machines: turning or milling centres with an axis count; a machine runs one operation at a time.
- Candidates: operations that could be assigned next, ranked by 'sf candidates'.
- Shift records: units produced per machine and shift; 'sf reconcile' turns them into progress.
- Notifications: raised once when an operation reaches its target.
- Event log: everything that changed, view with 'sf log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHOPFLOOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("plant", "", "plant id (overrides the stored config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("plant", rootCmd.PersistentFlags().Lookup("plant"))
}

func registerCommands() {
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(candidatesCmd())
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(preprocessCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(progressCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func importCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import orders, machines and shift records from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			doc, err := engine.ParseImport(f)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Import(ctx, doc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Imported %d orders, %d operations, %d machines, %d shift records\n", res.Orders, res.Operations, res.Machines, res.ShiftRecords)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func candidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List operations that could be assigned next",
		Long:  "Ranks unassigned operations: startable ones first, then by order priority and sequence. Blocked operations show why.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				list, err := e.FindCandidates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				printCandidates(list.Candidates)
				fmt.Printf("%d candidates, %d ready to start, %d need prerequisites\n", list.Total, list.ReadyToStart, list.NeedsPrerequisites)
				return nil
			})
		},
	}
}

func recommendCmd() *cobra.Command {
	var machineID int64
	var limit int
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Most urgent startable operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var recs []domain.Candidate
				var err error
				if machineID > 0 {
					recs, err = e.RecommendForMachine(ctx, machineID, limit)
				} else {
					recs, err = e.Recommend(ctx, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				printCandidates(recs)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&machineID, "machine", 0, "only operations this machine can run")
	cmd.Flags().IntVar(&limit, "limit", 0, "number of recommendations (config default when 0)")
	return cmd
}

func planCmd() *cobra.Command {
	var start string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Dry-run machine timelines for startable operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			from := time.Now()
			if start != "" {
				parsed, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				from = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plans, err := e.PlanProduction(ctx, from)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Machine", "Op", "Drawing", "Seq", "Minutes", "Start", "End"})
				for _, p := range plans {
					for _, entry := range p.Entries {
						tw.AppendRow(table.Row{p.Machine.Code, entry.OperationID, entry.DrawingNumber, entry.Sequence, entry.Minutes, entry.Start, entry.End})
					}
					tw.AppendSeparator()
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "plan start (RFC3339, default now)")
	return cmd
}

func preprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preprocess",
		Short: "Move overdue deadlines to a realistic date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				adjustments, err := e.PreprocessOrders(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(adjustments)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Order", "Drawing", "Overdue", "Days", "Original", "Deadline", "Priority"})
				for _, a := range adjustments {
					tw.AppendRow(table.Row{a.OrderID, a.DrawingNumber, a.Overdue, a.DaysOverdue, a.OriginalDeadline, a.Deadline, a.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute progress of running operations from shift records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reconcile(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printProgress(res.Updated)
				fmt.Printf("%d machines checked, %d progress updates, %d operations completed\n", res.Machines, len(res.Updated), len(res.Completed))
				return nil
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress [operation-id]",
		Short: "Show cached progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.OperationProgress
				if len(args) == 1 {
					opID, err := parseID(args[0])
					if err != nil {
						return err
					}
					p, err := e.GetProgress(ctx, opID)
					if err != nil {
						return err
					}
					items = append(items, p)
				} else {
					all, err := e.ListProgress(ctx)
					if err != nil {
						return err
					}
					items = all
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printProgress(items)
				return nil
			})
		},
	}
}

func opCmd() *cobra.Command {
	op := &cobra.Command{
		Use:   "op",
		Short: "Drive an operation through its lifecycle",
		Long:  "Operations move PENDING -> ASSIGNED -> IN_PROGRESS -> COMPLETED. Repeating a step that already happened is acknowledged without change.",
	}
	op.AddCommand(opAssignCmd())
	op.AddCommand(opUnassignCmd())
	op.AddCommand(opStartCmd())
	op.AddCommand(opCompleteCmd())
	op.AddCommand(opCheckCmd())
	op.AddCommand(opActionCmd())
	return op
}

func opAssignCmd() *cobra.Command {
	var machineID int64
	cmd := &cobra.Command{
		Use:   "assign <operation-id>",
		Short: "Assign an operation to a machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperation(cmd, args, func(ctx context.Context, e engine.Engine, opID int64) (domain.Ack, error) {
				return e.AssignOperation(ctx, opID, machineID, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().Int64Var(&machineID, "machine", 0, "machine id")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func opUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <operation-id>",
		Short: "Return an assigned operation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperation(cmd, args, func(ctx context.Context, e engine.Engine, opID int64) (domain.Ack, error) {
				return e.UnassignOperation(ctx, opID, viper.GetString("actor-id"))
			})
		},
	}
}

func opStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <operation-id>",
		Short: "Start production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperation(cmd, args, func(ctx context.Context, e engine.Engine, opID int64) (domain.Ack, error) {
				return e.StartOperation(ctx, opID, viper.GetString("actor-id"))
			})
		},
	}
}

func opCompleteCmd() *cobra.Command {
	var actual int
	cmd := &cobra.Command{
		Use:   "complete <operation-id>",
		Short: "Complete an operation and free its machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperation(cmd, args, func(ctx context.Context, e engine.Engine, opID int64) (domain.Ack, error) {
				var qty *int
				if cmd.Flags().Changed("actual") {
					qty = &actual
				}
				return e.CompleteOperation(ctx, opID, qty, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().IntVar(&actual, "actual", 0, "actual quantity produced")
	return cmd
}

func opCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <operation-id>",
		Short: "Check completion and raise a notification once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckCompletion(ctx, opID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("operation %d complete=%t notified=%t\n", res.OperationID, res.Complete, res.Notified)
				return nil
			})
		},
	}
}

func opActionCmd() *cobra.Command {
	var action string
	var qty int
	cmd := &cobra.Command{
		Use:   "action <operation-id>",
		Short: "Close, continue or close-and-plan a finished operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opID, err := parseID(args[0])
			if err != nil {
				return err
			}
			var completed *int
			if cmd.Flags().Changed("qty") {
				completed = &qty
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.HandleCompletion(ctx, opID, action, completed, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				printAck(out.Ack)
				if out.ArchivedRecords > 0 {
					fmt.Printf("archived %d shift records\n", out.ArchivedRecords)
				}
				if out.FreedMachineID != nil {
					fmt.Printf("machine %d is free; next up:\n", *out.FreedMachineID)
					printCandidates(out.Recommendations)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", engine.ActionClose, "close, continue or plan")
	cmd.Flags().IntVar(&qty, "qty", 0, "completed quantity")
	return cmd
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "Completion notifications",
	}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, limit, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Operation", "Drawing", "Units", "%", "Source", "Created", "Expires"})
				for _, n := range items {
					expires := ""
					if n.ExpiresAt != nil {
						expires = *n.ExpiresAt
					}
					tw.AppendRow(table.Row{n.OperationID, n.DrawingNumber, fmt.Sprintf("%d/%d", n.CompletedUnits, n.TotalUnits), n.Percentage, n.Source, n.CreatedAt, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum notifications")
	clearCmd := &cobra.Command{
		Use:   "clear <operation-id>",
		Short: "Clear an operation's notification so it may notify again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ClearNotification(ctx, opID, viper.GetString("actor-id"))
			})
		},
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Drop expired notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeExpiredNotifications(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				fmt.Printf("purged %d notifications\n", n)
				return nil
			})
		},
	}
	poll := &cobra.Command{
		Use:   "poll",
		Short: "Process pending events once and raise due notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := engine.NewNotifier(e).Poll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("raised %d notifications\n", n)
				return nil
			})
		},
	}
	cmd.AddCommand(list, clearCmd, purge, poll)
	return cmd
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Production metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ProductionMetrics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(m)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Operations", m.TotalOperations},
					{"Completed", m.CompletedOperations},
					{"In progress", m.InProgressOperations},
					{"Pending", m.PendingOperations},
					{"Average progress %", m.AverageProgress},
					{"Units today", m.DailyUnits},
					{"Machines busy/active", fmt.Sprintf("%d/%d", m.BusyMachines, m.ActiveMachines)},
					{"Utilization %", m.MachineUtilization},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(ctx, workspace, viper.GetString("plant"), repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		return err
	}
	e.SetLogger(log.New(os.Stderr, "sf: ", log.LstdFlags))
	e.Bus = events.NewBus()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withOperation(cmd *cobra.Command, args []string, fn func(context.Context, engine.Engine, int64) (domain.Ack, error)) error {
	opID, err := parseID(args[0])
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
		ack, err := fn(ctx, e, opID)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(ack)
		}
		printAck(ack)
		return nil
	})
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printCandidates(items []domain.Candidate) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Op", "Drawing", "Seq", "Type", "Prio", "Deadline", "Overdue", "Start", "Machines / reason"})
	for _, c := range items {
		detail := c.BlockingReason
		if c.CanStart {
			codes := make([]string, 0, len(c.CompatibleMachines))
			for _, m := range c.CompatibleMachines {
				codes = append(codes, m.Code)
			}
			detail = strings.Join(codes, ",")
		}
		tw.AppendRow(table.Row{c.OperationID, c.DrawingNumber, c.Sequence, c.Type, c.Priority, c.Deadline, c.DaysOverdue, c.CanStart, detail})
	}
	tw.Render()
}

func printProgress(items []domain.OperationProgress) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Op", "Units", "%", "Day", "Night", "Updated"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.OperationID, fmt.Sprintf("%d/%d", p.CompletedUnits, p.TotalUnits), p.Percentage, p.DayOperator, p.NightOperator, p.LastUpdated})
	}
	tw.Render()
}

func printAck(ack domain.Ack) {
	state := "unchanged"
	if ack.Changed {
		state = "changed"
	}
	fmt.Printf("operation %d: %s (%s)", ack.OperationID, ack.Status, state)
	if ack.Message != "" {
		fmt.Printf(" %s", ack.Message)
	}
	fmt.Println()
	if ack.Progress != nil {
		fmt.Printf("progress %d/%d (%d%%)\n", ack.Progress.CompletedUnits, ack.Progress.TotalUnits, ack.Progress.Percentage)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
