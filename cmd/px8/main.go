package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"proxim8/internal/app"
	"proxim8/internal/config"
	"proxim8/internal/db"
	"proxim8/internal/scheduler"
	"proxim8/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "px8",
	Short: "Proxim8 mission engine",
	Long: `Proxim8 sends units on timed missions and reveals the results phase by phase.
- Agent: a player; earns timeline points and climbs ranks.
- Unit: an agent's operative with a personality, level and experience.
- Mission: a catalog template with five phases, unlocked in sequence.
- Deployment: one unit on one mission; outcomes are fixed at deploy time and revealed as time passes.
- Scheduler: completes due deployments and applies rewards exactly once ('px8 serve' or 'px8 sweep').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PROXIM8")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("catalog", "", "mission catalog YAML (defaults to the built-in catalog)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("catalog.file", rootCmd.PersistentFlags().Lookup("catalog"))
}

func registerCommands() {
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(unitCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(deploymentCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in proxim8.yml in the workspace. Every key can be overridden with PROXIM8_<SECTION>_<KEY>, e.g. PROXIM8_NARRATIVE_BACKEND=ollama.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), lookup)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			b, err := cfg.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(b))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config and mission catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), lookup)
			if err == nil {
				_, err = app.LoadCatalog(cfg)
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default proxim8.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func sweepCmd() *cobra.Command {
	var phases, purge bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one scheduler tick: complete every due deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s := scheduler.New(a.SchedulerConfig(), scheduler.Deps{Engine: a.Engine, Log: a.Log})
				report, err := s.Sweep(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"due":          report.Due,
					"completed":    report.Completed,
					"already_done": report.AlreadyDone,
					"failed":       report.Failed,
				}
				if len(report.Errors) > 0 {
					msgs := make([]string, 0, len(report.Errors))
					for _, e := range report.Errors {
						msgs = append(msgs, e.Error())
					}
					out["errors"] = msgs
				}
				if phases {
					n, err := s.AdvancePhases(ctx)
					if err != nil {
						return err
					}
					out["phases_updated"] = n
				}
				if purge {
					n, err := s.Housekeeping(ctx)
					if err != nil {
						return err
					}
					out["purged"] = n
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().BoolVar(&phases, "phases", false, "also refresh phase progress of active deployments")
	cmd.Flags().BoolVar(&purge, "purge", false, "also purge terminal deployments past retention")
	return cmd
}

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				addr, basePath := a.Config.Server.Addr, a.Config.Server.BasePath
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Log: a.Log})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					a.Log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Proxim8 API (OpenAPI at /openapi.json, Swagger UI at /docs)")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if !noScheduler {
					g.Go(func() error {
						h := scheduler.Start(gctx, a.SchedulerConfig(), scheduler.Deps{Engine: a.Engine, Log: a.Log})
						<-gctx.Done()
						h.Stop()
						return nil
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the background scheduler")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

// --- helpers ---

// lookup feeds flag and PROXIM8_* environment overrides into the config.
func lookup(key string) (string, bool) {
	if !viper.IsSet(key) {
		return "", false
	}
	v := viper.GetString(key)
	return v, v != ""
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Lookup: lookup})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
