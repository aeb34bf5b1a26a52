package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/app"
	"batchline/internal/config"
	"batchline/internal/engine"
	"batchline/internal/server"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage batchline.yml",
		Long:  "batchline.yml names the production backend, the configured dashboard roles, webhooks and logging. Secrets may come from BATCHLINE_BACKEND_TOKEN instead of the file.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(viper.GetString("backend-url"))), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"path": path})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate batchline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
		Long:  "API keys authenticate HTTP clients as an actor with a fixed role. The plaintext key is shown once at creation.",
	}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key, plain, err := env.Engine.CreateAPIKey(ctx, actorID, role, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "role": key.Role, "name": key.Name, "key": plain})
				}
				fmt.Printf("api key %s for %s (%s)\n%s\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "", "dashboard role")
	cmd.Flags().StringVar(&name, "name", "", "label")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				keys, err := env.Engine.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var actorID, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a JWT with BATCHLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default()
			}
			if !cfg.HasRole(role) {
				return fmt.Errorf("role %q is not configured", role)
			}
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorID, role, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "actor_id": actorID, "role": role})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&actorID, "actor", "", "token subject")
	issue.Flags().StringVar(&role, "role", "", "dashboard role")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	_ = issue.MarkFlagRequired("actor")
	_ = issue.MarkFlagRequired("role")
	tok.AddCommand(issue)
	return tok
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the action journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var q engine.EventQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				evts, err := env.Engine.ListEvents(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Order", "Batch", "Stage", "Actor", "Role"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.OrderID, e.BatchID, e.StageID, e.ActorID, e.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.OrderID, "order", "", "order filter")
	cmd.Flags().StringVar(&q.BatchID, "batch", "", "batch filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("BATCHLINE_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			env, err := app.Open(ctx, envOptions())
			if err != nil {
				return err
			}
			defer env.Close()
			if !cmd.Flags().Changed("addr") && env.Config.Server.Addr != "" {
				addr = env.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && env.Config.Server.BasePath != "" {
				basePath = env.Config.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   env.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, HasRole: env.Config.HasRole},
				Logger:   env.Logger,
				Metrics:  env.Metrics,
				Version:  version,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, env.Engine, env.Logger)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			env.Logger.Info("serving", "addr", addr, "base_path", basePath, "backend", env.Config.Backend.BaseURL)
			fmt.Printf("Serving Batchline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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
