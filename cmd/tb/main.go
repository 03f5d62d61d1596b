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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskboard/internal/app"
	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/logging"
	"taskboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "Taskboard CLI",
	Long: `Taskboard is a shared task board with live updates.
- Tasks: title, description, assignee, status (Todo, In Progress, Done) and priority (Low, Medium, High).
- Every change is written to an append-only action log and broadcast to connected clients.
- Edits carry the updated_at the client last saw; a stale edit is rejected with both versions so nothing is silently lost.
- Smart assign hands a task to the user with the fewest open tasks.
Run 'tb serve' to start the API, seed users with 'tb user add', then mint a token with 'tb token'.`,
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
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	viper.SetEnvPrefix("TASKBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:5000/api", "API base URL for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(actionsCmd())
	rootCmd.AddCommand(watchCmd())
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage taskboard.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskboard.yml",
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
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	cfgCmd.AddCommand(initCmd, showCmd)
	return cfgCmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("TASKBOARD_JWT_SECRET is required for bearer auth")
			}
			log, logCloser, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rt, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				Hub:      rt.Hub,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: secret, DevLogin: cfg.Auth.DevLogin},
				Log:      log,
			})
			if err != nil {
				return err
			}
			hooks := server.StartWebhooks(ctx, rt.Hub, cfg.Webhooks, log)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				// Ending subscriptions first lets open event streams return.
				rt.Hub.Close()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			log.WithFields(logrus.Fields{"addr": cfg.Server.Addr, "base_path": cfg.Server.BasePath, "driver": cfg.Store.Driver, "dev_login": cfg.Auth.DevLogin}).Info("serving")
			fmt.Printf("Serving Taskboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			err = srv.ListenAndServe()
			stop()
			hooks.Wait()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	usr.AddCommand(userAddCmd())
	usr.AddCommand(userListCmd())
	return usr
}

func userAddCmd() *cobra.Command {
	var id, email, name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(email) == "" || strings.TrimSpace(name) == "" {
				return fmt.Errorf("--email and --name are required")
			}
			if id == "" {
				id = uuid.NewString()
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				u, err := rt.Store.InsertUser(ctx, domain.User{ID: id, Email: strings.TrimSpace(email), Name: strings.TrimSpace(name)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				printUsers([]domain.User{u})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (default: random uuid)")
	cmd.Flags().StringVar(&email, "email", "", "email (unique)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				users, err := rt.Engine.Users(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				printUsers(users)
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Engine.LookupUser(ctx, userID); err != nil {
					return err
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), userID, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"user_id": userID, "token": token})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = workspace
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Discard()
	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsers(users []domain.User) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Email", "Name", "Created"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Email, u.Name, u.CreatedAt.Local().Format("2006-01-02 15:04")})
	}
	tw.Render()
}
