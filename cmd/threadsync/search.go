package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/floegence/threadsync/internal/augment"
)

func newSearchCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search the web across every configured provider and print ranked sources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return errors.New("empty query")
			}
			ctx, stop := signalContext()
			defer stop()

			e, err := g.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if e.Augmenter() == nil {
				return errors.New("search is not configured: set api keys for at least two providers (BRAVE_API_KEY, TAVILY_API_KEY)")
			}

			res, err := e.Augmenter().Augment(e.Context(ctx), query)
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "json":
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", b)
			case "text":
				fmt.Fprint(cmd.OutOrStdout(), augment.FormatContext(res))
			default:
				return fmt.Errorf("invalid --format: %q (want json|text)", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json|text")
	return cmd
}
