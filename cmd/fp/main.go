package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldproof/internal/app"
	"fieldproof/internal/claim"
	"fieldproof/internal/config"
	"fieldproof/internal/db"
	"fieldproof/internal/domain"
	"fieldproof/internal/engine"
	"fieldproof/internal/export"
	"fieldproof/internal/repo"
	"fieldproof/internal/server"
	"fieldproof/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "fp",
	Short: "Fieldproof CLI",
	Long: `Fieldproof keeps tamper-evident report runs and signature ledgers for
field-service jobs. Reports are hashed over server-assembled data, signed
role by role, and sealed only after the integrity gate re-verifies every
hash. Every consequential action lands in an append-only audit ledger.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("database-url") != "" {
			return nil
		}
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
	viper.SetEnvPrefix("FIELDPROOF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("database-url", "", "postgres:// URL (default: SQLite in the workspace)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("org", "", "acting organization id")
	rootCmd.PersistentFlags().String("user", "", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(ledgerCmd())
}

func initCmd() *cobra.Command {
	var orgName, ownerID, ownerName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates the database schema, writes the default fieldproof.yml, and bootstraps the organization with its owner and an API key. The key is printed once.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, dialect, err := app.Open(workspace, viper.GetString("database-url"))
			if err != nil {
				return err
			}
			defer conn.Close()
			res, err := app.Init(cmd.Context(), conn, dialect, workspace, orgName, ownerID, ownerName)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("Initialized workspace for %q\n", orgName)
			if viper.GetString("database-url") == "" {
				fmt.Printf("  store:   %s\n", db.Path(workspace))
			}
			fmt.Printf("  org:     %s\n", res.OrgID)
			fmt.Printf("  owner:   %s\n", res.UserID)
			fmt.Printf("  api key: %s  (store it now; only a hash is kept)\n", res.APIKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgName, "org-name", "", "organization name")
	cmd.Flags().StringVar(&ownerID, "owner", "", "owner user id")
	cmd.Flags().StringVar(&ownerName, "owner-name", "", "owner display name")
	_ = cmd.MarkFlagRequired("org-name")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("owner-name")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, dialect, err := app.Open(workspace, viper.GetString("database-url"))
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			jwtSecret := os.Getenv("FIELDPROOF_JWT_SECRET")
			if jwtSecret == "" {
				return fmt.Errorf("FIELDPROOF_JWT_SECRET is required for bearer auth")
			}
			e := engine.New(conn, dialect, cfg, log.Default())
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: log.Default()},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldproof API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func workerCmd() *cobra.Command {
	var workerID string
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the export worker",
		Long:  "Claims queued export jobs and writes packet bundles to the configured output directory. With --once the queue is drained and the command exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, dialect, err := app.Open(workspace, viper.GetString("database-url"))
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if workerID == "" {
				host, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
			}
			e := engine.New(conn, dialect, cfg, log.Default())
			outDir := cfg.Export.OutputDir
			if !filepath.IsAbs(outDir) {
				outDir = filepath.Join(workspace, outDir)
			}
			w := worker.Worker{
				ID:       workerID,
				Repo:     e.Repo,
				Claimer:  claim.New(conn, dialect, nil),
				Packets:  e.Packets,
				Exporter: export.JSONExporter{Dir: outDir},
				Ledger:   e.Ledger,
				Config:   cfg,
				Logger:   log.Default(),
			}
			ctx := cmd.Context()
			if once {
				w.ReclaimStale(ctx)
				for {
					err := w.RunOnce(ctx, workerID)
					if errors.Is(err, claim.ErrNoJobs) {
						return nil
					}
					if err != nil {
						return err
					}
				}
			}
			fmt.Printf("Export worker %s draining queue (%s backend)\n", workerID, dialect)
			err = w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (default: hostname + random suffix)")
	cmd.Flags().BoolVar(&once, "once", false, "drain the queue and exit")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Report runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var jobID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List report runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var runs []domain.ReportRun
				var err error
				if jobID != "" {
					runs, err = r.ListRunsForJob(ctx, jobID)
				} else {
					org, orgErr := r.GetOrg(ctx, viper.GetString("org"))
					if orgErr != nil {
						return fmt.Errorf("unknown org %q", viper.GetString("org"))
					}
					runs, err = r.ListRunsForOrg(ctx, org.ID, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				return printRunsTable(runs)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "filter by job id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run with its signatures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				sigs, err := r.ListSignatures(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"run": run, "signatures": sigs})
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	exp := &cobra.Command{Use: "export", Short: "Export jobs"}
	exp.AddCommand(exportEnqueueCmd())
	exp.AddCommand(exportShowCmd())
	exp.AddCommand(exportListCmd())
	return exp
}

func exportEnqueueCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a sealed run for export",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := app.ResolvePrincipal(ctx, e.Repo, viper.GetString("org"), viper.GetString("user"))
				if err != nil {
					return err
				}
				job, err := e.EnqueueExport(ctx, p, runID)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "report run id")
	return cmd
}

func exportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <export-id>",
		Short: "Show an export job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetExportJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	return cmd
}

func exportListCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List export jobs for a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListExportJobsForRun(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "STATE", "CREATED", "CLAIMED BY", "ERROR"})
				for _, j := range jobs {
					claimedBy := ""
					if j.ClaimedBy != nil {
						claimedBy = *j.ClaimedBy
					}
					t.AppendRow(table.Row{j.ID, j.State, j.CreatedAt, claimedBy, j.Error})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "report run id")
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger",
		Long:  "The append-only record of report, export and auth events.",
	}
	led.AddCommand(ledgerTailCmd())
	return led
}

func ledgerTailCmd() *cobra.Command {
	var n int
	var eventType, category, targetID string
	var afterID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListLedgerEvents(ctx, viper.GetString("org"), repo.LedgerFilter{
					EventType: eventType,
					Category:  category,
					TargetID:  targetID,
					AfterID:   afterID,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				return printEventsTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&eventType, "type", "", "event type filter")
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	cmd.Flags().StringVar(&targetID, "target", "", "target id filter")
	cmd.Flags().Int64Var(&afterID, "after", 0, "only events after this id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, dialect, err := app.Open(workspace, viper.GetString("database-url"))
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, dialect, cfg, log.Default()))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, dialect, err := app.Open(workspace, viper.GetString("database-url"))
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn, Dialect: dialect})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunsTable(runs []domain.ReportRun) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "JOB", "PACKET", "STATUS", "GENERATED", "HASH"})
	for _, r := range runs {
		hash := r.DataHash
		if len(hash) > 19 {
			hash = hash[:19] + "…"
		}
		t.AppendRow(table.Row{r.ID, r.JobID, r.PacketType, r.Status, r.GeneratedAt, hash})
	}
	t.Render()
	return nil
}

func printEventsTable(events []domain.LedgerEvent) error {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "AT", "TYPE", "SEVERITY", "OUTCOME", "ACTOR", "TARGET"})
	for _, e := range events {
		t.AppendRow(table.Row{e.ID, e.CreatedAt, e.EventType, e.Severity, e.Outcome, e.ActorID, e.TargetID})
	}
	t.Render()
	return nil
}
