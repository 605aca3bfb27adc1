package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/metrics"
	"shopfloor/internal/repo"
	"shopfloor/internal/server"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP API",
	}
	var actorID, name string
	var perms []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actorID) == "" {
				actorID = viper.GetString("actor-id")
			}
			secret := "sf_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:          uuid.NewString(),
				ActorID:     actorID,
				Name:        name,
				KeyHash:     repo.HashAPIKey(secret),
				Permissions: perms,
				CreatedAt:   time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret, "permissions": key.Permissions})
				}
				fmt.Printf("API key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key acts as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringSliceVar(&perms, "perm", []string{server.PermScheduleRead}, "granted permission, repeatable (* grants all)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Plant configuration",
		Long:  "The plant config (compatibility matrix, preprocessing factors, reconciliation and notifier settings) is stored in the DB. Write a starting shopfloor.yml with 'config init' and load edits with 'config import'.",
	}
	var force bool
	var plantID string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default shopfloor.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(plantID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&plantID, "plant-id", "plant-1", "plant id")

	var filePath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Validate a YAML config and store it in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			c, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertPlantConfig(ctx, c); err != nil {
					return err
				}
				fmt.Printf("imported config for plant %s\n", c.Plant.ID)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default workspace shopfloor.yml)")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the active config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				out, err := e.Config.YAML()
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	cfg.AddCommand(initCmd, importCmd, show)
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reconcileEvery time.Duration
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the notifier and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("SHOPFLOOR_JWT_SECRET is required for bearer auth")
			}
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				e.Metrics = metrics.NewCollector(nil)
				logger := e.Logger

				go engine.NewNotifier(e).Run(ctx)
				server.StartWebhookDispatcher(ctx, e)
				if reconcileEvery > 0 {
					go runReconciler(ctx, e, reconcileEvery, logger)
				}

				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: allowActorHeader,
					EnableDevLogin:         devLogin,
					LegacyPermissions:      []string{server.PermScheduleRead},
					Logger:                 logger,
				}})
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
				fmt.Printf("Serving Shopfloor API for plant %s on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
					e.Config.Plant.ID, addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-interval", 0, "run reconciliation periodically (0 disables)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id with read-only access")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login, which mints tokens for anyone (local testing only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func runReconciler(ctx context.Context, e engine.Engine, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Reconcile(ctx, "reconciler")
			if err != nil {
				if ctx.Err() == nil {
					logger.Printf("reconcile: %v", err)
				}
				continue
			}
			if len(res.Updated) > 0 {
				logger.Printf("reconcile: machines=%d updated=%d completed=%d", res.Machines, len(res.Updated), len(res.Completed))
			}
		}
	}
}
