package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"deskline/internal/app"
	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/logging"
	"deskline/internal/migrate"
	"deskline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Deskline CLI",
	Long: `Deskline queues work items for agents and humans, parks them behind
questions when they get stuck, and routes them to desks.
- Items move queued -> working -> completed; blocked, failed and cancelled are the detours.
- Questions block one or more items; answering releases them all.
- Desks own routing rules and coverage hours.
- Monitors ingest events from feeds, GitHub and Slack into new items.
- Everything is scoped to a tenant (--tenant or DESKLINE_TENANT).`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	// .env values never override the real environment.
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("DESKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/deskline.yml)")
	flags.String("tenant", "default", "tenant id")
	flags.String("actor-id", "cli", "actor identifier recorded in the audit log")
	flags.Bool("json", false, "output JSON")
	flags.String("log-level", "warn", "log level for non-server commands")
	for _, name := range []string{"workspace", "config", "tenant", "actor-id", "json", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(questionCmd())
	rootCmd.AddCommand(deskCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(playbookCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create deskline.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "DESKLINE_TENANT", viper.GetString("tenant")); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized %s and %s\n", path, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			before, err := migrate.Current(ctx, conn)
			if err != nil {
				return err
			}
			if err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			after, err := migrate.Current(ctx, conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"from": before, "to": after})
			}
			if before == after {
				fmt.Printf("Schema is up to date (version %d)\n", after)
				return nil
			}
			fmt.Printf("Migrated schema from version %d to %d\n", before, after)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var devTenant, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook intake and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.Config.Server.Addr = addr
			}
			if devTenant {
				a.Config.Server.AllowDevTenant = true
			}
			if a.Config.Server.JWTSecret == "" {
				a.Config.Server.JWTSecret = os.Getenv("DESKLINE_JWT_SECRET")
			}
			handler, err := server.New(server.FromApp(a))
			if err != nil {
				return err
			}
			if !noScheduler {
				a.Scheduler.Start(ctx)
			}

			srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			a.Log.Info("serving deskline api", zap.String("addr", srv.Addr), zap.Bool("dev_tenant", a.Config.Server.AllowDevTenant))

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			grace := time.Duration(a.Config.Server.ShutdownSeconds) * time.Second
			if grace <= 0 {
				grace = 10 * time.Second
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			a.Log.Info("shutting down", zap.Duration("grace", grace))
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&devTenant, "dev-tenant", false, "accept the unauthenticated X-Tenant-Id header")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve without background polling and routing")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := logging.New(viper.GetString("log-level"), "console", "dl")
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func tenant() string {
	return viper.GetString("tenant")
}

func actor() string {
	return viper.GetString("actor-id")
}

// printJSONOrTable prints v as JSON under --json, otherwise renders rows
// into a table with the given header.
func printJSONOrTable(v any, header table.Row, rows func(add func(table.Row))) error {
	if viper.GetBool("json") || rows == nil {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	rows(func(r table.Row) { tw.AppendRow(r) })
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseJSONObject(flag, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func setEnvValue(path, key, value string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		env = map[string]string{}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
