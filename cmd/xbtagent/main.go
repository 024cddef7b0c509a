package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"xbtagent/internal/config"
	"xbtagent/internal/roster"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version is set at build time with -ldflags "-X main.version=...".
	version  = "0.1.0"
	logger   *slog.Logger
	envFiles []string
)

const banner = "" +
	"        _     _                         _\n" +
	" __ __ | |__ | |_  __ _  __ _  ___  _ _ | |_\n" +
	" \\ \\ / | '_ \\|  _|/ _` |/ _` |/ -_)| ' \\|  _|\n" +
	" /_\\_\\ |_.__/ \\__|\\__,_|\\__, |\\___||_||_|\\__|\n" +
	"                        |___/\n"

func main() {
	logger = newLogger(config.LogConfig{Level: "info", Format: "text"})

	root := &cobra.Command{
		Use:   "xbtagent",
		Short: "Messaging agent that forwards questions to the XBT backend",
		Long:  color.CyanString(banner) + "\nListens on a messaging network, answers addressed questions through the backend and keeps group metadata in sync.",
		RunE:  runAgent,
		// Errors are logged by main; usage is only useful for flag errors.
		SilenceUsage: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "additional .env files to load (existing variables win)")

	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(configCmd())
	root.AddCommand(rosterCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured transport and start answering",
		RunE:  runAgent,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("xbtagent", version)
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
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func rosterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roster",
		Short: "List the known non-human agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			r, err := roster.Load(cfg.Agent.RosterFile)
			if err != nil {
				return err
			}
			if r.Len() == 0 {
				fmt.Println("roster is empty")
				return nil
			}
			for _, e := range r.Entries() {
				fmt.Printf("%-20s %s\n", e.Name, e.Address)
			}
			return nil
		},
	}
}

// loadConfig reads .env files, then the environment.
func loadConfig() (*config.Config, error) {
	loaded := config.LoadEnvFiles(envFiles...)
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.Log)
	if len(loaded) > 0 {
		logger.Debug("env files loaded", "files", loaded)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
