package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/keep/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the vault's audit trail",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long: `Filter the audit trail by action, outcome, secret name and time range.
Timestamps accept RFC3339 ("2026-01-02T15:04:05Z") or a plain date
("2026-01-02").`,
	RunE: runAuditQuery,
}

var (
	auditAction     string
	auditSecretName string
	auditSince      string
	auditUntil      string
	auditFailures   bool
	auditCeremonies bool
	auditLimit      int
	auditOffset     int
	auditJSON       bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action name (e.g. SECRET_ACCESSED)")
	auditQueryCmd.Flags().StringVar(&auditSecretName, "name", "", "filter by secret name")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "events at or after this time")
	auditQueryCmd.Flags().StringVar(&auditUntil, "until", "", "events before this time")
	auditQueryCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditQueryCmd.Flags().BoolVar(&auditCeremonies, "ceremonies", false, "only key custody ceremony events")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum events to return")
	auditQueryCmd.Flags().IntVar(&auditOffset, "offset", 0, "events to skip, for paging")
	auditQueryCmd.Flags().BoolVar(&auditJSON, "json", false, "output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options := audit.QueryOptions{
		Action:     auditAction,
		SecretName: auditSecretName,
		Limit:      auditLimit,
		Offset:     auditOffset,
		Ceremonies: auditCeremonies,
	}

	if auditFailures {
		failed := false
		options.Success = &failed
	}

	if auditSince != "" {
		t, err := parseAuditTime(auditSince)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("invalid --since: %w", err), started)
		}
		options.Since = &t
	}
	if auditUntil != "" {
		t, err := parseAuditTime(auditUntil)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("invalid --until: %w", err), started)
		}
		options.Until = &t
	}

	result, err := manager.AuditQuery(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	if auditJSON {
		return auditCmdComplete(cmd, printJSON(result), started)
	}

	if len(result.Events) == 0 {
		fmt.Println("No matching events.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOK\tSECRET\tUSER\tERROR")
	for _, event := range result.Events {
		ok := "yes"
		if !event.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Action, ok, event.SecretName, event.User, event.Error)
	}
	w.Flush()

	fmt.Printf("\n%d of %d events", len(result.Events), result.Filtered)
	if result.HasMore {
		fmt.Printf(" (more available; use --offset %d)", auditOffset+len(result.Events))
	}
	fmt.Println()

	return auditCmdComplete(cmd, nil, started)
}

func parseAuditTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, time.Local)
}
