package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/audit"
)

var (
	auditSubject string
	auditRequest string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail of a subject or request",
	Long: `Audit prints the audit events of a request, or of all requests of a
subject, oldest first. Each event carries a hash of its own content; events
whose hash no longer matches are flagged as tampered and make the command
fail.

Example:
  goforget audit --request 6f1c...
  goforget audit --subject anna@example.com`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVarP(&auditSubject, "subject", "s", "", "Subject identifier (email address)")
	auditCmd.Flags().StringVarP(&auditRequest, "request", "r", "", "Erasure request id")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	if auditSubject == "" && auditRequest == "" {
		return errors.New("either --subject or --request is required")
	}
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		events, err := a.AuditTrail(ctx, c, auditSubject, auditRequest)
		if err != nil {
			return err
		}
		tampered := audit.Tampered(events)
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), events); err != nil {
				return err
			}
		} else {
			w := cmd.OutOrStdout()
			heading(w, "Audit Trail")
			bad := make(map[string]bool, len(tampered))
			for _, e := range tampered {
				bad[e.ID] = true
			}
			t := newTable("TIME", "EVENT", "REQUEST", "DESCRIPTION", "INTEGRITY")
			t.colorColumn(4, statusColor)
			for _, e := range events {
				integrity := "verified"
				if bad[e.ID] {
					integrity = "FAILED"
				}
				t.add(formatTime(&e.Timestamp), string(e.Type), e.RequestID, e.Description, integrity)
			}
			t.render(w)
		}
		if len(tampered) > 0 {
			return errors.New("audit trail contains tampered events")
		}
		return nil
	})
}
