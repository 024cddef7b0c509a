package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"xbtagent/internal/config"
	"xbtagent/internal/provisioner"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version  = "0.1.0"
	logger   *slog.Logger
	envFiles []string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "provisioner",
		Short:        "Create and delete tenant agents on Kubernetes",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load (existing variables win)")

	root.AddCommand(createCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("provisioner", version)
		},
	})

	if err := root.Execute(); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func createCmd() *cobra.Command {
	var in provisioner.Input
	var fid string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision the secret, volume and deployment of one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			in.FID = provisioner.TenantID(fid)
			withDefaults(&in, cfg)

			p, err := newProvisioner(cfg)
			if err != nil {
				return err
			}
			if err := p.Create(cmd.Context(), in); err != nil {
				return err
			}
			fmt.Printf("Provisioned agent %s\n", color.GreenString(fid))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&fid, "fid", "", "tenant fid (required)")
	f.StringVar(&in.BackendURL, "backend-url", "", "backend base URL (default $BACKEND_URL)")
	f.StringVar(&in.BackendAPIKey, "backend-api-key", "", "backend API key (default $BACKEND_API_KEY)")
	f.StringVar(&in.XMTPMnemonic, "xmtp-mnemonic", "", "wallet mnemonic (default $XMTP_MNEMONIC)")
	f.StringVar(&in.XMTPPrivateKey, "xmtp-private-key", "", "wallet private key (default $XMTP_PRIVATE_KEY)")
	f.StringVar(&in.XMTPEnv, "xmtp-env", "", "dev, local or production (default $XMTP_ENV or production)")
	f.StringVar(&in.XMTPDBKey, "xmtp-db-key", "", "local database encryption key (default $XMTP_DB_ENCRYPTION_KEY)")
	cmd.MarkFlagRequired("fid")
	cmd.MarkFlagsMutuallyExclusive("xmtp-mnemonic", "xmtp-private-key")
	return cmd
}

func deleteCmd() *cobra.Command {
	var fid string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the deployment, volume and secret of one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := newProvisioner(cfg)
			if err != nil {
				return err
			}
			if err := p.Delete(cmd.Context(), fid); err != nil {
				return err
			}
			fmt.Printf("Deleted agent %s\n", color.GreenString(fid))
			return nil
		},
	}
	cmd.Flags().StringVar(&fid, "fid", "", "tenant fid (required)")
	cmd.MarkFlagRequired("fid")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the provisioning HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.ValidateProvisioner(cfg); err != nil {
				return err
			}
			p, err := newProvisioner(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := provisioner.NewServer(provisioner.ServerConfig{
				Provisioner:   p,
				WebhookSecret: cfg.WebhookSecret,
				Logger:        logger,
			})
			if cfg.WebhookSecret == "" {
				logger.Warn("WEBHOOK_SECRET not set, webhook signatures are not checked")
			}
			return srv.ListenAndServe(ctx, ":"+strconv.Itoa(cfg.Port))
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(config.SanitizeProvisioner(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

// withDefaults fills flags left empty from the environment. A signing key
// given on the command line suppresses the other one from the environment.
func withDefaults(in *provisioner.Input, cfg *config.ProvisionerConfig) {
	if in.BackendURL == "" {
		in.BackendURL = cfg.BackendURL
	}
	if in.BackendAPIKey == "" {
		in.BackendAPIKey = cfg.BackendAPIKey
	}
	if in.XMTPMnemonic == "" && in.XMTPPrivateKey == "" {
		in.XMTPMnemonic = cfg.XMTPMnemonic
		in.XMTPPrivateKey = cfg.XMTPPrivateKey
	}
	if in.XMTPEnv == "" {
		in.XMTPEnv = cfg.XMTPEnv
	}
	if in.XMTPDBKey == "" {
		in.XMTPDBKey = cfg.XMTPDBEncryptionKey
	}
}

func newProvisioner(cfg *config.ProvisionerConfig) (*provisioner.Provisioner, error) {
	client, err := provisioner.NewClientset(cfg.Kubeconfig, cfg.ClientTimeout)
	if err != nil {
		return nil, err
	}
	return provisioner.New(provisioner.Config{
		Client:    client,
		Namespace: cfg.Namespace,
		Image:     cfg.Image,
		Logger:    logger,
	}), nil
}

func loadConfig() (*config.ProvisionerConfig, error) {
	config.LoadEnvFiles(envFiles...)
	cfg, err := config.LoadProvisioner()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return cfg, nil
}
