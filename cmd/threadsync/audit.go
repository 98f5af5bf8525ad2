package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/floegence/threadsync/internal/auditlog"
)

func newAuditCmd(g *globalFlags) *cobra.Command {
	var format string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent thread and message mutations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			journal, err := g.audit()
			if err != nil {
				return err
			}
			entries, err := journal.List(limit)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), format, entries)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text|json")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries (1-1000)")
	return cmd
}

func printAudit(w io.Writer, format string, entries []auditlog.Entry) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		for _, e := range entries {
			target := e.ThreadID
			if e.MessageID != "" {
				target += "/" + e.MessageID
			}
			line := fmt.Sprintf("%s  %-17s %-7s %s", e.CreatedAt.Local().Format(time.DateTime), e.Action, e.Status, target)
			if e.Error != "" {
				line += "  " + e.Error
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []auditlog.Entry{}
		}
		return enc.Encode(entries)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
