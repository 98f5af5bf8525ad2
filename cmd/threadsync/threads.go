package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/floegence/threadsync/internal/engine"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/threads"
)

func newThreadsCmd(g *globalFlags) *cobra.Command {
	var format string
	var all bool
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List threads, pinned first then most recently active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			remote, err := engine.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer remote.Close()

			reg, err := threads.New(remote,
				threads.WithRetryPolicy(cfg.RetryPolicy()),
				threads.WithTimeout(cfg.Sync.OperationTimeout),
				threads.WithPageSize(cfg.Sync.ThreadPageSize),
			)
			if err != nil {
				return err
			}
			ctx = session.WithMeta(ctx, &session.Meta{UserID: cfg.User.ID})
			if _, err := reg.FetchThreads(ctx); err != nil {
				return err
			}
			for all && reg.HasMore() {
				n, err := reg.LoadMoreThreads(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}
			return printThreads(cmd.OutOrStdout(), format, reg.Threads(), reg.CurrentID())
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text|json")
	cmd.Flags().BoolVar(&all, "all", false, "Load every page instead of the first")
	return cmd
}

func printThreads(w io.Writer, format string, entries []threads.Entry, current string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		for _, e := range entries {
			marker := " "
			if e.ID == current {
				marker = "*"
			}
			pin := ""
			if e.Pinned {
				pin = " [pinned]"
			}
			fmt.Fprintf(w, "%s %s  %s%s  (%s)\n", marker, e.ID, e.Title, pin, e.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	case "json":
		out := make([]any, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Thread)
		}
		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("encode threads: %w", err)
		}
		fmt.Fprintf(w, "%s\n", b)
		return nil
	default:
		return fmt.Errorf("invalid --format: %q (want text|json)", format)
	}
}
