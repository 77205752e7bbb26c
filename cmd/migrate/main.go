package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-approvals/internal/console/service"
	"github.com/xela07ax/spaceai-approvals/internal/domain"
	"github.com/xela07ax/spaceai-approvals/internal/infra"
	"github.com/xela07ax/spaceai-approvals/internal/repository/postgres"
)

var cfg *infra.Config

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migrations and console operators",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = infra.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("database.driver is %q, migrations need postgres", cfg.Database.Driver)
		}
		return nil
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := postgres.MigrateUp(cfg.Database.URL); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var downSteps int

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (one step by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := postgres.NewMigrator(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer m.Close()

		if err := m.Steps(-downSteps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Printf("rolled back %d step(s)\n", downSteps)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := postgres.NewMigrator(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer m.Close()

		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("no migrations applied")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage console operators",
}

var (
	userEmail    string
	userPassword string
	userScopes   []string
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create or update a console operator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if userPassword == "" {
			userPassword = os.Getenv("CONSOLE_USER_PASSWORD")
		}
		if userPassword == "" {
			return errors.New("password is required (--password or CONSOLE_USER_PASSWORD)")
		}

		hash, err := service.HashPassword(userPassword, cfg.Auth.BcryptCost)
		if err != nil {
			return err
		}

		scopes := make(map[string]bool, len(userScopes))
		for _, s := range userScopes {
			if s = strings.TrimSpace(s); s != "" {
				scopes[s] = true
			}
		}
		role := "operator"
		if scopes[domain.ScopeAdmin] {
			role = "admin"
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()

		u := &domain.User{
			ID:           uuid.NewString(),
			Email:        userEmail,
			Username:     args[0],
			PasswordHash: hash,
			Role:         role,
			Scopes:       scopes,
		}
		if err := postgres.NewUserRepo(pool).UpsertUser(ctx, u); err != nil {
			return err
		}
		fmt.Printf("operator %s saved (scopes: %s)\n", u.Username, strings.Join(userScopes, ","))
		return nil
	},
}

func init() {
	downCmd.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	userAddCmd.Flags().StringVar(&userEmail, "email", "", "operator email")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "operator password")
	userAddCmd.Flags().StringSliceVar(&userScopes, "scopes", []string{domain.ScopeTasksRead}, "granted scopes")
	userCmd.AddCommand(userAddCmd)

	rootCmd.AddCommand(upCmd, downCmd, versionCmd, userCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
