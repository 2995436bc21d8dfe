package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/noticeboard/internal/account"
	"github.com/christopherjohns/noticeboard/internal/config"
	"github.com/christopherjohns/noticeboard/internal/logging"
)

const (
	defaultSeedAdmins = 3
	defaultSeedUsers  = 7
)

func newSeedCmd() *cobra.Command {
	var admins, users int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create the initial accounts if the accounts database is empty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: cfg.Level, Format: cfg.LogFormat})
			accounts, err := openAccounts(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer accounts.Close()

			n, err := seedAccounts(cmd.Context(), accounts, cfg.Accounts.SeedFile, admins, users)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d accounts\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&admins, "admins", defaultSeedAdmins, "default admin accounts to create without a seed file")
	cmd.Flags().IntVar(&users, "users", defaultSeedUsers, "default user accounts to create without a seed file")
	return cmd
}

func openAccounts(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*account.Store, error) {
	return account.Open(ctx, cfg.Accounts.Path,
		account.WithHashCost(cfg.Accounts.HashCost),
		account.WithAdminSignup(cfg.Accounts.AllowAdminSignup),
		account.WithLogger(logging.Component(log, "account")),
	)
}

// seedAccounts loads seeds from file when set, otherwise uses the default
// admin_N/user_N accounts.
func seedAccounts(ctx context.Context, accounts *account.Store, file string, admins, users int) (int, error) {
	seeds := account.DefaultSeeds(admins, users)
	if file != "" {
		loaded, err := account.LoadSeeds(file)
		if err != nil {
			return 0, err
		}
		seeds = loaded
	}
	return accounts.Seed(ctx, seeds)
}

func newHealthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running server's /health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health: status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/health", "health endpoint")
	return cmd
}
