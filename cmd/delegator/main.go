package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/antoniostano/delegator/internal/app"
	"github.com/antoniostano/delegator/internal/catalogue"
	"github.com/antoniostano/delegator/internal/config"
	"github.com/antoniostano/delegator/internal/delegator"
	"github.com/antoniostano/delegator/internal/observability"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "delegator",
		Short:         "Multi-agent delegator: routes messages to capability agents and keeps conversation memory",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newHistoryCmd(),
		newContextCmd(),
		newCompactCmd(),
		newCatalogueCmd(),
	)
	return root
}

// loadApp reads the environment and wires the application. CLI commands log
// to stderr so stdout stays machine readable.
func loadApp(ctx context.Context, stderr io.Writer) (*app.BuildResult, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return res, logger, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket API, Telegram poller and compaction schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr())
		},
	}
}

func runServe(parent context.Context, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	res, logger, err := loadApp(parent, stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup")
		}
	}()

	runCtx, runCancel := context.WithCancel(parent)
	defer runCancel()
	if err := res.Start(runCtx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              res.Config.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", res.Config.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err, ok := <-serveErr:
		if ok && err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	case <-parent.Done():
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), res.Config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func newAskCmd() *cobra.Command {
	var (
		conversationID string
		sender         string
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Run one turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			res, _, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer res.Cleanup()

			reply, err := res.Delegator.HandleEvent(ctx, delegator.Event{
				ConversationID: conversationID,
				SenderID:       sender,
				Text:           strings.Join(args, " "),
				Timestamp:      time.Now().UTC(),
				Channel:        "cli",
			})
			if err != nil {
				var env *delegator.ErrorEnvelope
				if asJSON && errors.As(err, &env) {
					_ = writeJSON(cmd.OutOrStdout(), env)
				}
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), reply)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.Message.Text)
			return err
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "cli", "Conversation id")
	cmd.Flags().StringVar(&sender, "sender", "cli", "Sender id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full reply as JSON")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print every stored turn of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			res, _, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer res.Cleanup()
			turns, err := res.Memory.History(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), turns)
		},
	}
}

func newContextCmd() *cobra.Command {
	var budget int
	cmd := &cobra.Command{
		Use:   "context <conversation>",
		Short: "Print the working context a reasoning step would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			res, _, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer res.Cleanup()
			if budget <= 0 {
				budget = res.Memory.DefaultBudget()
			}
			wc, err := res.Memory.ReadWorkingContext(ctx, args[0], budget)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), wc)
		},
	}
	cmd.Flags().IntVar(&budget, "budget", 0, "Token budget (default CONTEXT_BUDGET)")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact [conversation]",
		Short: "Compact one conversation, or every conversation when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			res, _, err := loadApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer res.Cleanup()
			if len(args) == 1 {
				out, err := res.Memory.Compact(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			stats, err := res.Scheduler.RunOnce(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newCatalogueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogue",
		Short: "Inspect capability catalogues",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Check a catalogue file for unknown kinds, duplicate ids and capability cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := catalogue.Load(args[0])
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "catalogue ok: %d agent(s)\n", len(c.Agents))
			return err
		},
	})
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
