package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"xbtagent/internal/config"
	"xbtagent/internal/roster"
	"xbtagent/internal/store"

	"github.com/fatih/color"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

const dialTimeout = 5 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the agent setup",
		Long: `Verifies that the configuration is valid, the data directory is
writable, the roster parses and the backend and brokers are reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("xbtagent doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, warned, failed := 0, 0, 0

			cfg, err := loadConfig()
			if err != nil {
				printFail("Config", err.Error())
				return fmt.Errorf("config could not be loaded")
			}
			if err := config.Validate(cfg); err != nil {
				printFail("Config validation", err.Error())
				failed++
			} else {
				printPass("Config validation", "valid")
				passed++
			}

			if err := checkDataDir(cfg.Storage.DataDir, cfg.XMTP.Env); err != nil {
				printFail("Data directory", err.Error())
				failed++
			} else {
				printPass("Data directory", cfg.Storage.DataDir)
				passed++
			}

			if r, err := roster.Load(cfg.Agent.RosterFile); err != nil {
				printFail("Roster", err.Error())
				failed++
			} else if r.Len() == 0 {
				printWarn("Roster", "empty: every new group member is treated as a user")
				warned++
			} else {
				printPass("Roster", fmt.Sprintf("%d agents", r.Len()))
				passed++
			}

			if cfg.Backend.URL != "" {
				if err := checkBackend(cmd.Context(), cfg.Backend.URL); err != nil {
					printFail("Backend", err.Error())
					failed++
				} else {
					printPass("Backend", cfg.Backend.URL)
					passed++
				}
			}

			if cfg.Transport.Kind == config.TransportXMTP {
				for _, broker := range cfg.Transport.Kafka.Brokers {
					if err := checkBroker(cmd.Context(), broker); err != nil {
						printFail("Kafka broker", fmt.Sprintf("%s: %v", broker, err))
						failed++
					} else {
						printPass("Kafka broker", broker)
						passed++
					}
				}
			}

			if cfg.Metrics.Addr != "" {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics address", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// checkDataDir opens a scratch history database next to the real ones.
func checkDataDir(dataDir, env string) error {
	path := store.Path(dataDir, env, "doctor")
	s, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return err
	}
	s.Close()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(path + suffix)
	}
	return nil
}

func checkBackend(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	return conn.Close()
}

func checkBroker(ctx context.Context, broker string) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Brokers()
	return err
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.GreenString("[PASS]"), check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.RedString("[FAIL]"), check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  %s %-20s %s\n", color.YellowString("[WARN]"), check, detail)
}
