package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/sessionmanager"
)

type submitOptions struct {
	sessionID string
	threadID  string
	userID    string
	dialogID  string
	meta      map[string]string
	timeout   time.Duration
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit MESSAGE...",
		Short: "Enqueue a request and stream its updates and final response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.resolvedConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Bus.Backend == "memory" {
				return fmt.Errorf("submit needs a shared bus; the memory backend only lives inside serve")
			}
			return submit(cmd.Context(), cfg, so, strings.Join(args, " "), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVar(&so.sessionID, "session", "", "session id (required)")
	f.StringVar(&so.threadID, "thread", "", "hosted thread id")
	f.StringVar(&so.userID, "user", "cli", "user id")
	f.StringVar(&so.dialogID, "dialog", "", "dialog id (default: generated)")
	f.StringToStringVar(&so.meta, "meta", nil, "additional metadata, e.g. --meta action=save --meta report_title=Q3")
	f.DurationVar(&so.timeout, "timeout", 6*time.Minute, "how long to wait for the final response")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func buildRequest(so *submitOptions, message string) *domain.Request {
	req := &domain.Request{
		SessionID: so.sessionID,
		ThreadID:  so.threadID,
		UserID:    so.userID,
		DialogID:  so.dialogID,
		Message:   message,
	}
	if len(so.meta) > 0 {
		req.AdditionalMetadata = make(map[string]any, len(so.meta))
		for k, v := range so.meta {
			req.AdditionalMetadata[k] = v
		}
	}
	return req
}

func submit(ctx context.Context, cfg *config.Config, so *submitOptions, message string, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	bus, err := newBus(ctx, cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("message bus: %w", err)
	}
	defer bus.Close()

	m := sessionmanager.New(bus, bus, sessionmanager.Config{Timeout: so.timeout}, log)
	events, err := m.Submit(ctx, buildRequest(so, message))
	if err != nil {
		return err
	}
	return printEvents(events, stdout, stderr)
}

// printEvents writes updates to stderr and the final response as JSON to
// stdout. A final carrying an error is reported as a command failure.
func printEvents(events <-chan sessionmanager.Event, stdout, stderr io.Writer) error {
	for ev := range events {
		switch {
		case ev.Update != nil:
			fmt.Fprintf(stderr, "... %s\n", ev.Update.UpdateMessage)
		case ev.Response != nil:
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(ev.Response); err != nil {
				return err
			}
			if ev.Response.Error != nil {
				return fmt.Errorf("request failed: %s", ev.Response.Error.ErrorStr)
			}
		case ev.Err != nil:
			return ev.Err
		}
	}
	return nil
}
