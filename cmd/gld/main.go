package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"garland/internal/config"
	"garland/internal/db"
	"garland/internal/domain"
	"garland/internal/engine"
	"garland/internal/migrate"
	"garland/internal/notify"
	"garland/internal/scheduler"
	"garland/internal/server"
	"garland/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "gld",
	Short: "Garland CLI",
	Long: `Garland runs a time-boxed advent-calendar challenge.
Core concepts:
- Workspace: a directory with garland.yml and a .garland database.
- Calendar: an ordered date list; one shared day pointer advances once per day.
- Tasks: a catalog seeded out of band (gld tasks import); every participant
  draws a random no-repeat sequence from it at registration.
- Reveal: each evening the next task goes out and its slot turns PENDING.
- Deadline: tasks must be self-reported (gld done) before the deadline clock
  on their own calendar day; the nightly sweep expires what is left.
- Leaderboard: completed-task counts, ties broken by registration order.
- Event log: diary of everything that happened, view with 'gld log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("GARLAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(doneCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(topCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates garland.yml from the reference template (unless present) and the workspace database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			} else {
				fmt.Printf("%s already exists, leaving it alone\n", cfgPath)
			}
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Manage the task catalog"}
	cmd.AddCommand(tasksImportCmd())
	cmd.AddCommand(tasksListCmd())
	return cmd
}

// taskFile is the YAML shape consumed by gld tasks import.
type taskFile struct {
	Tasks []struct {
		ID   string `yaml:"id"`
		Body string `yaml:"body"`
	} `yaml:"tasks"`
}

func tasksImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import tasks from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var tf taskFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("invalid task yaml: %w", err)
			}
			if len(tf.Tasks) == 0 {
				return fmt.Errorf("no tasks in %s", filePath)
			}
			tasks := make([]domain.Task, 0, len(tf.Tasks))
			for _, t := range tf.Tasks {
				tasks = append(tasks, domain.Task{ID: t.ID, Body: t.Body})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				count, err := e.ImportTasks(ctx, tasks)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d tasks\n", count)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML task file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func tasksListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ids, err := e.Store.ListTaskIDs(ctx)
				if err != nil {
					return err
				}
				tasks := make([]domain.Task, 0, len(ids))
				for _, id := range ids {
					t, err := e.Store.GetTask(ctx, id)
					if err != nil {
						return err
					}
					tasks = append(tasks, t)
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Body"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func registerCmd() *cobra.Command {
	var chatID, name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Register(ctx, chatID, name)
				if err != nil {
					return err
				}
				switch res.Outcome {
				case engine.OutcomeInvalidName:
					return fmt.Errorf("name must contain at least surname and first name")
				case engine.OutcomeInsufficientTasks:
					return fmt.Errorf("task catalog has fewer tasks than calendar days; run gld tasks import first")
				case engine.OutcomeWelcomeBack:
					fmt.Printf("Welcome back, %s! Your assignment is unchanged.\n", res.Participant.DisplayName)
					return nil
				}
				fmt.Printf("Registered %s. First task goes out on %s at %s.\n",
					res.Participant.DisplayName, res.FirstReveal, res.RevealTime)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "external chat id")
	cmd.Flags().StringVar(&name, "name", "", "full display name")
	_ = cmd.MarkFlagRequired("chat-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show a participant's calendar",
		Long:  "Revealed and past days show their task text; upcoming days stay a surprise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				views, err := e.ScheduleView(ctx, chatID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Day", "Date", "Status", "Task", "Deadline"})
				for _, v := range views {
					body := v.TaskBody
					if body == "" && v.Status == domain.StatusNotYet {
						body = "Surprise!"
					}
					tw.AppendRow(table.Row{v.DayIndex + 1, v.Date, statusGlyph(v.Status), body, v.Deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "external chat id")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func doneCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "done",
		Short: "Self-report completion of the active task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.MarkComplete(ctx, chatID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case engine.OutcomeDone:
					fmt.Printf("Day %d done! Total completed: %d.\n", res.DayIndex+1, res.CompletedCount)
				case engine.OutcomeAlreadyDone:
					fmt.Printf("Day %d was already checked off.\n", res.DayIndex+1)
				case engine.OutcomeTooLate:
					fmt.Printf("The deadline for day %d has passed.\n", res.DayIndex+1)
				case engine.OutcomeNotRegistered:
					return fmt.Errorf("chat %s is not registered", chatID)
				default:
					fmt.Println("No active task right now.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "external chat id")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func pauseCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a participant",
		Long:  "A paused participant keeps the assignment and history but is skipped by the daily reveal. Resume with gld resume or by re-registering.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SetParticipantActive(ctx, chatID, false)
				if err != nil {
					return err
				}
				fmt.Printf("Paused %s\n", p.DisplayName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "external chat id")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func resumeCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.SetParticipantActive(ctx, chatID, true)
				if err != nil {
					return err
				}
				fmt.Printf("Resumed %s\n", p.DisplayName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "external chat id")
	_ = cmd.MarkFlagRequired("chat-id")
	return cmd
}

func topCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Show the leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				lb, err := e.Leaderboard(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lb)
				}
				if len(lb.Entries) == 0 {
					fmt.Println("Nobody has completed a task yet. Be the first!")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Name", "Completed"})
				for i, entry := range lb.Entries {
					tw.AppendRow(table.Row{i + 1, entry.DisplayName, entry.CompletedCount})
				}
				tw.Render()
				if lb.CurrentDayIndex > 0 {
					fmt.Printf("Current day: %d of %d\n", lb.CurrentDayIndex, lb.Days)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "number of entries")
	return cmd
}

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Run the daily reveal now",
		Long:  "Re-checks the reveal date itself; running it on the wrong day, or twice, is a no-op.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.AdvanceDay(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func expireCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Run the deadline sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.ExpirePending(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Expired %d pending slots\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, reveals, completions, sweeps.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Store.LatestEvents(ctx, store.EventFilters{Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("GARLAND_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("GARLAND_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Garland API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily reveal and sweep on schedule",
		Long:  "Blocks and fires the reveal at reveal_time and the sweep at sweep_time in the configured timezone. Dispatches tasks over Telegram when a bot token is configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				token := os.Getenv("GARLAND_TELEGRAM_TOKEN")
				if token == "" {
					token = e.Config.Telegram.Token
				}
				if token != "" {
					e.Notifier = notify.NewTelegram(token)
				} else {
					fmt.Println("No Telegram token configured; dispatches will be logged only")
				}
				sched, err := scheduler.New(e, nil)
				if err != nil {
					return err
				}
				sched.Start()
				fmt.Printf("Scheduler running (reveal %s, sweep %s, %s)\n",
					e.Config.Calendar.RevealTime, e.Config.Calendar.SweepTime, e.Config.Calendar.Timezone)
				<-ctx.Done()
				<-sched.Stop().Done()
				return nil
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
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

func statusGlyph(s domain.DayStatus) string {
	switch s {
	case domain.StatusCompleted:
		return "✅"
	case domain.StatusPending:
		return "⏳"
	case domain.StatusExpired:
		return "✖️"
	default:
		return "➖"
	}
}
