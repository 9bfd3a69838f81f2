package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"console_agent/internal/app"
	"console_agent/internal/config"
	"console_agent/internal/core"
	"console_agent/internal/logger"
	"console_agent/internal/metrics"
	"console_agent/internal/storage"
)

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "console-agent",
		Short:         "Multi-agent assistant for the infrastructure console",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadConfig()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if err := logger.InitLogger(loaded.Log); err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			cfg = loaded
			return nil
		},
	}

	root.AddCommand(
		newServeCmd(&cfg),
		newCleanupCmd(&cfg),
		newSessionsCmd(&cfg),
		newChatCmd(&cfg),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat and session HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := app.New(ctx, *cfg, app.Options{})
			if err != nil {
				logger.Error().Err(err).Msg("Startup failed")
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					logger.Error().Err(err).Msg("Shutdown failed")
				}
			}()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Server.Run(ctx) })
			if schedule := (*cfg).Store.CleanupSchedule; schedule != "" {
				g.Go(func() error { return runCleanupSchedule(ctx, schedule, c.Store, (*cfg).Store.RetentionDays, c.Metrics) })
			}

			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("Server stopped with error")
				return err
			}
			logger.Info().Msg("Server stopped")
			return nil
		},
	}
}

// runCleanupSchedule purges expired soft-deleted sessions on a cron schedule
// until ctx is cancelled.
func runCleanupSchedule(ctx context.Context, schedule string, store storage.Store, retentionDays int, m *metrics.Metrics) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid STORE_CLEANUP_SCHEDULE %q: %w", schedule, err)
	}

	log := logger.Component("cleanup")
	scheduler := cron.New(cron.WithParser(parser))
	_, err := scheduler.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		removed, err := store.Cleanup(runCtx, retentionDays)
		if err != nil {
			log.Error().Err(err).Msg("Session cleanup failed")
			return
		}
		m.SessionsCleaned(removed)
		log.Info().Int("removed", removed).Int("retention_days", retentionDays).Msg("Session cleanup finished")
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	log.Info().Str("schedule", schedule).Msg("Session cleanup scheduled")
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Store, storage.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	return store, nil
}

func newCleanupCmd(cfg **config.Config) *cobra.Command {
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge soft-deleted sessions older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAgeDays < 0 {
				maxAgeDays = (*cfg).Store.RetentionDays
			}
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx, *cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Cleanup(ctx, maxAgeDays)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d session(s) deleted more than %d day(s) ago\n", removed, maxAgeDays)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", -1, "Retention in days (defaults to STORE_RETENTION_DAYS)")
	return cmd
}

func newSessionsCmd(cfg **config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect stored sessions",
	}

	var userID string
	var withDeleted bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List the sessions of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx, *cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(ctx, userID, withDeleted)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTITLE\tDELETED\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.SessionID, s.Title, s.IsDeleted, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&userID, "user", "", "Owner of the sessions")
	list.Flags().BoolVar(&withDeleted, "deleted", false, "Include soft-deleted sessions")
	_ = list.MarkFlagRequired("user")

	cmd.AddCommand(list)
	return cmd
}

func newChatCmd(cfg **config.Config) *cobra.Command {
	var sessionID, userID, message string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := app.New(ctx, *cfg, app.Options{})
			if err != nil {
				return err
			}
			defer c.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			out := cmd.OutOrStdout()

			if message != "" {
				return chatTurn(ctx, c.Graph, out, core.TurnInput{Message: message, SessionID: sessionID, UserID: userID})
			}

			fmt.Fprintf(out, "Session %s. Type 'quit' to exit.\n", sessionID)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "\n> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				input := strings.TrimSpace(scanner.Text())
				if input == "" {
					continue
				}
				if input == "quit" || input == "exit" {
					return nil
				}
				err := chatTurn(ctx, c.Graph, out, core.TurnInput{Message: input, SessionID: sessionID, UserID: userID})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id (a new one by default)")
	cmd.Flags().StringVar(&userID, "user", "cli", "User id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Send one message and exit")
	return cmd
}

func chatTurn(ctx context.Context, graph core.GraphProcessor, out io.Writer, input core.TurnInput) error {
	stream, err := graph.Run(ctx, input)
	if err != nil {
		return err
	}
	defer stream.Close()

	for ev := range stream.Events() {
		switch ev.Type {
		case core.EventRoute:
			fmt.Fprintf(out, "[%s]\n", ev.Node)
		case core.EventToolCall:
			fmt.Fprintf(out, "  -> %s %s\n", ev.Tool, ev.Content)
		case core.EventToken:
			fmt.Fprint(out, ev.Content)
		}
	}
	fmt.Fprintln(out)
	return stream.Err()
}
