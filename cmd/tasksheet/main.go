package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksheet/internal/app"
	"tasksheet/internal/config"
	"tasksheet/internal/domain"
	"tasksheet/internal/engine"
	"tasksheet/internal/repo"
	"tasksheet/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tasksheet",
	Short: "Tasksheet CLI",
	Long: `Tasksheet keeps project task lists in .xlsx workbooks and mutates them safely.
- Project: one workbook in the data directory; each sheet is a list of tasks.
- Task: one row, addressed by its stable id or by its sequence number within a sheet.
- Every accepted change bumps the row version, snapshots the workbook into the backup
  directory and appends a before/after entry to the audit journal.
- restore reverts a task to the state recorded before its most recent change.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	slog.SetDefault(newLogger(viper.GetString("log-level")))
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("data-dir", "d", "data", "directory holding the project workbooks")
	flags.Bool("json", false, "output JSON")
	flags.String("operator", "", "operator recorded on changes (defaults to $USER)")
	flags.String("project", "", "project name")
	flags.String("sheet", domain.DefaultSheet, "sheet name")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("no-backup", false, "skip the backup snapshot before saving")
	for _, name := range []string{"data-dir", "json", "operator", "project", "sheet", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectSheetsCmd())
	prj.AddCommand(projectSummaryCmd())
	prj.AddCommand(projectInitRulesCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Projects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Name", "ID", "Sheets", "Tasks")
				for _, p := range items {
					tw.AppendRow(table.Row{p.Name, p.ID, strings.Join(p.Sheets, ", "), p.Tasks})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty project workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				info, err := a.Engine.CreateProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(info)
			})
		},
	}
}

func projectSheetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sheets",
		Short: "List the sheets of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Sheets(ctx, project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Sheet", "Tasks")
				for _, s := range items {
					tw.AppendRow(table.Row{s.Name, s.Tasks})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show completion figures for a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Summary(ctx, project)
				if err != nil {
					return err
				}
				var activity map[string]int
				if a.Events != nil {
					if activity, err = a.Events.CountByAction(ctx, s.Project); err != nil {
						return fmt.Errorf("count indexed events: %w", err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(struct {
						domain.Summary
						Activity map[string]int `json:"activity,omitempty"`
					}{s, activity})
				}
				tw := newTable("Project", "Total", "Completed", "% complete", "In progress", "Critical open")
				tw.AppendRow(table.Row{s.Project, s.Total, s.Completed, fmt.Sprintf("%.1f", s.PercentComplete), s.InProgress, s.CriticalOpen})
				tw.Render()
				if len(activity) == 0 {
					return nil
				}
				actions := make([]string, 0, len(activity))
				for action := range activity {
					actions = append(actions, action)
				}
				sort.Strings(actions)
				at := newTable("Action", "Events")
				for _, action := range actions {
					at.AppendRow(table.Row{action, activity[action]})
				}
				at.Render()
				return nil
			})
		},
	}
}

func projectInitRulesCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-rules",
		Short: "Write the default " + config.RulesFile + " into the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := viper.GetString("data-dir")
			path := config.RulesPath(dataDir)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.DefaultRulesYAML), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing rules file")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Read and change tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskReopenCmd())
	task.AddCommand(taskProgressCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var inProgress, allSheets bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			project := viper.GetString("project")
			if project == "" && !inProgress {
				return fmt.Errorf("--project required")
			}
			sheet := viper.GetString("sheet")
			if allSheets {
				sheet = ""
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Record
					err   error
				)
				if inProgress {
					items, err = a.Engine.InProgress(ctx, project)
				} else {
					items, err = a.Engine.Records(ctx, project, sheet)
				}
				if err != nil {
					return err
				}
				return printRecords(items)
			})
		},
	}
	cmd.Flags().BoolVar(&inProgress, "in-progress", false, "only tasks someone is working on (all projects when --project is empty)")
	cmd.Flags().BoolVar(&allSheets, "all-sheets", false, "list every sheet of the project")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|number>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Get(ctx, locator(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func taskAddCmd() *cobra.Command {
	var in engine.NewTask
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a task to a sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := requireProject()
			if err != nil {
				return err
			}
			in.Sheet = viper.GetString("sheet")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Engine.Create(ctx, project, operator(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "task name")
	cmd.Flags().StringVar(&in.Number, "number", "", "sequence number (next free when empty)")
	cmd.Flags().StringVar(&in.Phase, "phase", "", "phase")
	cmd.Flags().StringVar(&in.Category, "category", "", "category")
	cmd.Flags().StringVar(&in.Classification, "classification", "", "classification")
	cmd.Flags().StringVar(&in.Condition, "condition", "", "condition")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "priority")
	cmd.Flags().StringVar(&in.Duration, "duration", "", "duration in days")
	cmd.Flags().StringVar(&in.Instructions, "instructions", "", "instructions")
	cmd.Flags().StringVar(&in.ReferenceDoc, "reference", "", "reference document or URL")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskEditCmd() *cobra.Command {
	var expected int
	fields := map[string]*string{}
	names := []string{"name", "phase", "category", "classification", "condition", "priority", "duration", "instructions", "reference", "status"}
	cmd := &cobra.Command{
		Use:   "edit <id|number>",
		Short: "Edit task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := func(name string) *string {
				if cmd.Flags().Changed(name) {
					return fields[name]
				}
				return nil
			}
			patch := engine.Patch{
				Name:           changed("name"),
				Phase:          changed("phase"),
				Category:       changed("category"),
				Classification: changed("classification"),
				Condition:      changed("condition"),
				Priority:       changed("priority"),
				Duration:       changed("duration"),
				Instructions:   changed("instructions"),
				ReferenceDoc:   changed("reference"),
				Status:         changed("status"),
			}
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Edit(ctx, locator(args[0]), expectedVersion(cmd, expected), operator(), patch)
			})
		},
	}
	for _, name := range names {
		v := new(string)
		fields[name] = v
		cmd.Flags().StringVar(v, name, "", name)
	}
	addExpectedVersion(cmd, &expected)
	return cmd
}

func progressFlags(cmd *cobra.Command, collaborators, report *string, percent *int) func() engine.ProgressOptions {
	cmd.Flags().StringVar(collaborators, "collaborators", "", "collaborators")
	cmd.Flags().StringVar(report, "report", "", "progress report")
	cmd.Flags().IntVar(percent, "percent", 0, "completion percentage (0-99)")
	return func() engine.ProgressOptions {
		var opts engine.ProgressOptions
		if cmd.Flags().Changed("collaborators") {
			opts.Collaborators = collaborators
		}
		if cmd.Flags().Changed("report") {
			opts.Report = report
		}
		if cmd.Flags().Changed("percent") {
			opts.Percent = percent
		}
		return opts
	}
}

func taskStartCmd() *cobra.Command {
	var expected, percent int
	var collaborators, report string
	cmd := &cobra.Command{
		Use:   "start <id|number>",
		Short: "Mark a task in progress",
		Args:  cobra.ExactArgs(1),
	}
	opts := progressFlags(cmd, &collaborators, &report, &percent)
	addExpectedVersion(cmd, &expected)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
			return e.Start(ctx, locator(args[0]), expectedVersion(cmd, expected), operator(), opts())
		})
	}
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var expected, percent int
	var collaborators, report string
	cmd := &cobra.Command{
		Use:   "progress <id|number>",
		Short: "Update progress of a task in progress",
		Args:  cobra.ExactArgs(1),
	}
	opts := progressFlags(cmd, &collaborators, &report, &percent)
	addExpectedVersion(cmd, &expected)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
			return e.UpdateProgress(ctx, locator(args[0]), expectedVersion(cmd, expected), operator(), opts())
		})
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var expected int
	var report string
	cmd := &cobra.Command{
		Use:   "complete <id|number>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reportPtr *string
			if cmd.Flags().Changed("report") {
				reportPtr = &report
			}
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Complete(ctx, locator(args[0]), expectedVersion(cmd, expected), operator(), reportPtr)
			})
		},
	}
	cmd.Flags().StringVar(&report, "report", "", "final progress report")
	addExpectedVersion(cmd, &expected)
	return cmd
}

func taskReopenCmd() *cobra.Command {
	var expected int
	var opts engine.ReopenOptions
	cmd := &cobra.Command{
		Use:   "reopen <id|number>",
		Short: "Reopen a completed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd.Context(), func(ctx context.Context, e *engine.Engine) (engine.Result, error) {
				return e.Reopen(ctx, locator(args[0]), expectedVersion(cmd, expected), operator(), opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Duration, "duration", engine.DefaultReopenDuration, "new duration in days")
	cmd.Flags().BoolVar(&opts.ClearOwner, "clear-owner", false, "release the task")
	addExpectedVersion(cmd, &expected)
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id|number>",
		Short: "Revert a task to the state before its last change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				current, err := a.Engine.Get(ctx, locator(args[0]))
				if err != nil {
					return err
				}
				rec, err := a.Engine.Restore(ctx, current.Project, current.Sheet, current.ID, operator())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func backupCmd() *cobra.Command {
	bkp := &cobra.Command{Use: "backup", Short: "Inspect workbook backups"}
	bkp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List retained backups of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListBackups(project)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Name", "Taken at", "Size")
				for _, s := range items {
					tw.AppendRow(table.Row{s.Name, s.TakenAt.Format(time.DateTime), s.Size})
				}
				tw.Render()
				return nil
			})
		},
	})
	return bkp
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{Use: "audit", Short: "Read the audit journal"}
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditReindexCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var n int
	var taskID, action string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Events != nil {
					items, err := a.Events.LatestEvents(ctx, n, repo.EventFilter{
						Project: viper.GetString("project"),
						Sheet:   sheetFilter(cmd),
						TaskID:  taskID,
						Action:  action,
					})
					if err != nil {
						return err
					}
					return printEvents(items)
				}
				// Without the index, read the journal directly.
				items, err := a.Engine.Journal.Tail(n)
				if err != nil {
					return err
				}
				out := make([]repo.Event, 0, len(items))
				for _, ev := range items {
					out = append(out, repo.Event{Event: ev})
				}
				return printEvents(out)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task-id", "", "task id filter")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	return cmd
}

func auditReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the event index from the audit journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Index == nil {
					return fmt.Errorf("event index is disabled")
				}
				n, err := a.Index.Rebuild(ctx, a.Engine.Journal)
				if err != nil {
					return err
				}
				fmt.Printf("indexed %d events\n", n)
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Events:   a.Events,
					Metrics:  a.Metrics,
					BasePath: basePath,
					Logger:   a.Logger,
					Auth: server.AuthConfig{
						JWTSecret:           a.Config.Auth.JWTSecret,
						AllowOperatorHeader: a.Config.Auth.AllowOperatorHeader,
					},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Tasksheet API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	if noBackup, _ := rootCmd.PersistentFlags().GetBool("no-backup"); noBackup {
		cfg.BackupEnabled = false
	}
	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func mutate(ctx context.Context, fn func(context.Context, *engine.Engine) (engine.Result, error)) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		res, err := fn(ctx, a.Engine)
		if err != nil {
			return describe(err)
		}
		return printJSONOrTable(res.Record)
	})
}

// describe adds the details a terminal user needs to retry.
func describe(err error) error {
	var vc *domain.VersionConflictError
	if errors.As(err, &vc) {
		return fmt.Errorf("%w (reload with `task show` and retry with --expected-version %d)", err, vc.Current)
	}
	var dn *domain.DuplicateNumberError
	if errors.As(err, &dn) {
		return fmt.Errorf("%w (try --number %d)", err, dn.Suggested)
	}
	return err
}

func requireProject() (string, error) {
	project := viper.GetString("project")
	if project == "" {
		return "", fmt.Errorf("--project required")
	}
	return project, nil
}

func locator(ref string) domain.Locator {
	return domain.Locator{
		Project: viper.GetString("project"),
		Sheet:   viper.GetString("sheet"),
		ID:      ref,
		Number:  ref,
	}
}

func operator() string {
	if op := strings.TrimSpace(viper.GetString("operator")); op != "" {
		return op
	}
	return os.Getenv("USER")
}

func sheetFilter(cmd *cobra.Command) string {
	if cmd.Flags().Changed("sheet") {
		return viper.GetString("sheet")
	}
	return ""
}

func addExpectedVersion(cmd *cobra.Command, v *int) {
	cmd.Flags().IntVar(v, "expected-version", 0, "fail unless the task is at this version")
}

func expectedVersion(cmd *cobra.Command, v int) *int {
	if !cmd.Flags().Changed("expected-version") {
		return nil
	}
	return &v
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printRecords(items []domain.Record) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("Project", "Sheet", "#", "Name", "Cond", "Prio", "Duration", "%", "Owner", "Ver")
	for _, r := range items {
		tw.AppendRow(table.Row{r.Project, r.Sheet, r.SequenceNumber, r.Name, r.Condition, r.Priority, r.Duration, r.Percent, r.InProgressBy, r.Version})
	}
	tw.Render()
	return nil
}

func printEvents(items []repo.Event) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("TS", "Action", "Operator", "Project", "Sheet", "Task")
	for _, ev := range items {
		tw.AppendRow(table.Row{ev.TS, ev.Action, ev.Operator, ev.Project, ev.Sheet, ev.TaskID})
	}
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
