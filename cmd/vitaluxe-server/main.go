package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vitaluxe/vitaluxe-flow/internal/config"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/identity"
	"github.com/vitaluxe/vitaluxe-flow/internal/domain/practice"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/auth"
	"github.com/vitaluxe/vitaluxe-flow/internal/platform/db"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "vitaluxe-server",
		Short: "Vitaluxe practice platform API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(practiceCmd())
	rootCmd.AddCommand(jobsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func shutdownSignal() <-chan os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	return quit
}

// withPool loads config, connects and hands both to fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func practiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "practice",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create <slug> <name>",
		Short: "Create a practice and optionally its owner account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, name := args[0], args[1]
			email, _ := cmd.Flags().GetString("email")
			timezone, _ := cmd.Flags().GetString("timezone")
			ownerEmail, _ := cmd.Flags().GetString("owner-email")
			ownerName, _ := cmd.Flags().GetString("owner-name")
			ownerPassword, _ := cmd.Flags().GetString("owner-password")
			if ownerEmail != "" && ownerPassword == "" {
				return fmt.Errorf("--owner-password is required with --owner-email")
			}

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				a, err := newApp(ctx, cfg, pool, newLogger(cfg.Env))
				if err != nil {
					return err
				}
				defer a.close(ctx)

				p := &practice.Practice{Slug: slug, Name: name, Email: email, Timezone: timezone}
				if err := a.practices.CreatePractice(ctx, p); err != nil {
					return err
				}
				fmt.Printf("Created practice %s (%s)\n", p.Slug, p.ID)

				if ownerEmail == "" {
					return nil
				}
				if ownerName == "" {
					ownerName = strings.SplitN(ownerEmail, "@", 2)[0]
				}
				// The CLI acts with platform-admin rights.
				ctx = auth.WithIdentity(ctx, auth.Identity{Roles: []string{auth.RoleAdmin}})
				u, err := a.identity.CreateUser(ctx, identity.CreateUserInput{
					Email:    ownerEmail,
					Password: ownerPassword,
					Name:     ownerName,
					Roles:    []string{auth.RolePracticeOwner},
					Practice: p.Slug,
				})
				if err != nil {
					return fmt.Errorf("create owner: %w", err)
				}
				fmt.Printf("Created owner %s (%s)\n", u.Email, u.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("email", "", "Contact email")
	createCmd.Flags().String("timezone", "UTC", "IANA time zone for scheduling")
	createCmd.Flags().String("owner-email", "", "Create a practice owner with this email")
	createCmd.Flags().String("owner-name", "", "Owner display name")
	createCmd.Flags().String("owner-password", "", "Owner password")

	cmd.AddCommand(createCmd)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run background jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				a, err := newApp(ctx, cfg, pool, newLogger(cfg.Env))
				if err != nil {
					return err
				}
				defer a.close(ctx)
				runner, err := a.jobRunner()
				if err != nil {
					return err
				}
				for _, name := range runner.Names() {
					fmt.Println(name)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run-once <name>",
		Short: "Run one job immediately and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				a, err := newApp(ctx, cfg, pool, newLogger(cfg.Env))
				if err != nil {
					return err
				}
				defer a.close(ctx)
				runner, err := a.jobRunner()
				if err != nil {
					return err
				}
				return runner.RunOnce(ctx, args[0])
			})
		},
	})

	return cmd
}
