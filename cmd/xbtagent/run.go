package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xbtagent/internal/addressing"
	"xbtagent/internal/backend"
	"xbtagent/internal/bus"
	"xbtagent/internal/channel"
	"xbtagent/internal/config"
	"xbtagent/internal/domain"
	"xbtagent/internal/metrics"
	"xbtagent/internal/roster"
	"xbtagent/internal/router"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	busBufferSize   = 100
	shutdownTimeout = 10 * time.Second
)

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	policy, err := router.ParseGroupPolicy(cfg.Agent.GroupPolicy)
	if err != nil {
		return err
	}
	agents, err := roster.Load(cfg.Agent.RosterFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := newTransport(cfg)
	self, err := transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", transport.Name(), err)
	}
	if cfg.Agent.Username != "" {
		self.Username = cfg.Agent.Username
	}
	if cfg.Agent.Address != "" {
		self.Address = cfg.Agent.Address
	}
	if self.InboxID == "" {
		transport.Stop()
		return errors.New("agent identity could not be resolved")
	}

	fmt.Fprintf(os.Stderr, "%s %s on %s as %s (fid %s)\n",
		color.CyanString("xbtagent"), version,
		color.GreenString(transport.Name()), color.YellowString(displayName(self)), cfg.Agent.FID)

	client := backend.New(backend.Config{
		BaseURL:        cfg.Backend.URL,
		APIKey:         cfg.Backend.APIKey,
		FID:            cfg.Agent.FID,
		IncludeContext: cfg.Backend.IncludeContext,
		Timeout:        cfg.Backend.Timeout,
		RatePerMinute:  cfg.Backend.RatePerMinute,
		Burst:          cfg.Backend.Burst,
		Logger:         logger,
	})

	detector := addressing.NewDetector(addressing.DetectorConfig{
		InboxID:  self.InboxID,
		Username: self.Username,
		Lookup:   transport,
		Logger:   logger,
	})

	var indicator router.IndicatorFactory
	if cfg.Agent.ThinkingReaction {
		indicator = router.NewReactionIndicator
	}

	messageBus := bus.New(busBufferSize, logger)
	agentRouter := router.New(router.Config{
		Bus:           messageBus,
		Conversations: transport,
		Backend:       client,
		Metadata:      client,
		Addresser:     detector,
		Identity:      self,
		Roster:        agents,
		GroupPolicy:   policy,
		Indicator:     indicator,
		Concurrency:   cfg.Agent.Concurrency,
		Logger:        logger,
	})
	go agentRouter.Run(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metrics.NewServeMux(metrics.Collector),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Addr)
	}

	transportErr := make(chan error, 1)
	go func() {
		transportErr <- transport.Start(ctx, messageBus)
	}()

	logger.Info("agent started. Press Ctrl+C to stop.",
		"transport", transport.Name(),
		"inbox_id", self.InboxID,
		"group_policy", policy,
		"roster_size", agents.Len(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down agent...")
	case err := <-transportErr:
		if err != nil {
			runErr = fmt.Errorf("%s transport: %w", transport.Name(), err)
			logger.Error("transport stopped", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := agentRouter.Wait(shutdownCtx); err != nil {
			logger.Warn("pending metadata pushes abandoned", "err", err)
		}
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
		if err := transport.Stop(); err != nil {
			logger.Warn("transport stop", "err", err)
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = errors.New("shutdown timed out")
		}
	}
	return runErr
}

// newTransport builds the adapter selected by TRANSPORT. Config validation
// has already rejected unknown kinds.
func newTransport(cfg *config.Config) domain.Transport {
	store := channel.StoreConfig{DataDir: cfg.Storage.DataDir, Env: cfg.XMTP.Env}
	switch cfg.Transport.Kind {
	case config.TransportTelegram:
		return channel.NewTelegram(channel.TelegramConfig{
			Token:  cfg.Transport.Telegram.Token,
			Store:  store,
			Logger: logger,
		})
	case config.TransportSlack:
		return channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Transport.Slack.BotToken,
			AppToken: cfg.Transport.Slack.AppToken,
			Store:    store,
			Logger:   logger,
		})
	case config.TransportDiscord:
		return channel.NewDiscord(channel.DiscordConfig{
			Token:  cfg.Transport.Discord.Token,
			Store:  store,
			Logger: logger,
		})
	default:
		k := cfg.Transport.Kafka
		return channel.NewXMTP(channel.XMTPConfig{
			Brokers:       k.Brokers,
			InboundTopic:  k.InboundTopic,
			OutboundTopic: k.OutboundTopic,
			GroupID:       k.GroupID,
			InboxID:       cfg.Agent.InboxID,
			Address:       cfg.Agent.Address,
			Username:      cfg.Agent.Username,
			Store:         store,
			Logger:        logger,
		})
	}
}

func displayName(id domain.Identity) string {
	if id.Username != "" {
		return "@" + id.Username
	}
	return id.InboxID
}
