package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	var env string
	root := &cobra.Command{Use: "migrate"}
	root.PersistentFlags().StringVar(&env, "env", "", "config environment overlay")

	root.AddCommand(upCmd(&env))
	root.AddCommand(statusCmd(&env))

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("migrate command failed")
		os.Exit(1)
	}
}

func loadStore(env string) (store.Store, *config.Config, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(context.Background(), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, cfg, nil
}

func upCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "apply pending schema migrations for the configured persistence backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := loadStore(*env)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logrus.WithField("backend", cfg.Persistence.Backend).Info("migrations applied")
			return nil
		},
	}
}

func statusCmd(env *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "report the configured persistence backend and connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := loadStore(*env)
			if err != nil {
				return err
			}
			defer s.Close()
			stats, err := s.JobStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("job stats: %w", err)
			}
			fmt.Printf("backend=%s strict=%v pending_jobs=%d\n", cfg.Persistence.Backend, cfg.Persistence.Strict, stats.Pending)
			return nil
		},
	}
}
