package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tripstream/internal/app"
	"tripstream/internal/config"
	"tripstream/internal/identity"
	"tripstream/internal/logging"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "tripstream",
		Short: "Real-time chat and booking-status event core",
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	root.AddCommand(brokerCmd(), mintTokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()
	return config.Load(cfgPath)
}

func brokerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broker",
		Short: "Run the development event broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := logging.Init(cfg.Log.Level)

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := application.Start(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := application.Wait(ctx); err != nil {
				logger.Error("broker failed", "error", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return application.Stop(shutdownCtx)
		},
	}
}

func mintTokenCmd() *cobra.Command {
	var displayName, email string
	cmd := &cobra.Command{
		Use:   "mint-token <user-id>",
		Short: "Mint a development login token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			signer, err := identity.NewSigner(cfg.Auth.Secret, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := signer.Mint(args[0], displayName, email)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name claim")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	return cmd
}
