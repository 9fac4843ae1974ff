package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/dashboard"
)

var (
	requestsSubject string
	requestsLimit   int
	statusSubject   string
	inspectSubject  string
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the compliance dashboard",
	Long: `Dashboard summarizes all erasure requests: counts per status, requests
past the response deadline, average processing time and activity of the
last seven days. The overall grade is COMPLIANT with no overdue request,
AT_RISK with one or two and NON_COMPLIANT beyond.

Example:
  goforget dashboard`,
	RunE: runDashboard,
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List erasure requests",
	Long: `Requests lists erasure requests, newest first. Requests of erased
subjects are only listed for callers with full privilege.

Example:
  goforget requests --limit 20
  goforget requests --subject anna@example.com`,
	RunE: runRequests,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the erasure status of a subject",
	Long: `Status reports whether the subject has an active request, whether a
deletion has completed and which retention policies hold the subject's data.

Example:
  goforget status --subject anna@example.com`,
	RunE: runStatus,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the personal data held about a subject",
	Long: `Inspect reads every location where the subject was discovered and prints
the values, masked according to the caller's role (see --role).

Example:
  goforget inspect --subject anna@example.com --role dpo`,
	RunE: runInspect,
}

func init() {
	requestsCmd.Flags().StringVarP(&requestsSubject, "subject", "s", "", "Only requests of this subject")
	requestsCmd.Flags().IntVarP(&requestsLimit, "limit", "n", 10, "Maximum number of requests")

	statusCmd.Flags().StringVarP(&statusSubject, "subject", "s", "", "Subject identifier (email address)")
	_ = statusCmd.MarkFlagRequired("subject")

	inspectCmd.Flags().StringVarP(&inspectSubject, "subject", "s", "", "Subject identifier (email address)")
	_ = inspectCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(requestsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		snap, err := a.DashboardSnapshot(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), snap)
		}
		printDashboard(cmd, snap)
		return nil
	})
}

func printDashboard(cmd *cobra.Command, snap *dashboard.Snapshot) {
	w := cmd.OutOrStdout()
	heading(w, "Compliance Dashboard")
	cmd.Printf("Overall:          %s\n", statusColor(string(snap.OverallStatus)))
	cmd.Printf("Generated:        %s\n", formatTime(&snap.GeneratedAt))
	cmd.Printf("Total requests:   %d\n", snap.Total)
	cmd.Printf("Overdue:          %d\n", snap.Overdue)
	cmd.Printf("Due within 7d:    %d\n", snap.DueSoon)
	cmd.Printf("Avg processing:   %.1f days (max %.1f)\n", snap.AvgProcessingDays, snap.MaxProcessingDays)
	cmd.Printf("Last 7 days:      %d submitted, %d completed, %d rejected\n\n",
		snap.LastSevenDays.Submitted, snap.LastSevenDays.Completed, snap.LastSevenDays.Rejected)

	statuses := make([]string, 0, len(snap.ByStatus))
	for s := range snap.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	t := newTable("STATUS", "REQUESTS")
	t.colorColumn(0, statusColor)
	for _, s := range statuses {
		t.add(s, fmt.Sprint(snap.ByStatus[compliance.RequestStatus(s)]))
	}
	t.render(w)

	if len(snap.OverdueIDs) > 0 {
		cmd.Println()
		failure(w, "Overdue: %s", strings.Join(snap.OverdueIDs, ", "))
	}
}

func runRequests(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		list, err := a.ListRequests(ctx, c, compliance.ListFilter{Subject: requestsSubject, Limit: requestsLimit})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		heading(cmd.OutOrStdout(), "Erasure Requests")
		if len(list) == 0 {
			cmd.Println("No requests found.")
			return nil
		}
		t := newTable("ID", "SUBJECT", "GROUND", "STATUS", "REQUESTED", "DAYS")
		t.colorColumn(3, statusColor)
		for _, l := range list {
			t.add(l.ID, l.Subject, string(l.Ground), string(l.Status), formatTime(&l.RequestedAt), fmt.Sprint(l.DaysSinceRequest))
		}
		t.render(cmd.OutOrStdout())
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		st, err := a.Status(ctx, c, statusSubject)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		w := cmd.OutOrStdout()
		heading(w, "Subject Status")
		cmd.Printf("Subject:             %s\n", st.Subject)
		cmd.Printf("Active request:      %t %s\n", st.HasActiveRequest, st.ActiveRequestID)
		cmd.Printf("Deletion completed:  %t\n", st.DeletionCompleted)
		cmd.Printf("Last request:        %s\n", formatTime(st.LastRequestDate))
		cmd.Printf("Retained until:      %s\n", formatTime(st.DataRetentionUntil))
		if len(st.Holds) == 0 {
			return nil
		}
		cmd.Println()
		t := newTable("POLICY", "CATEGORY", "UNTIL", "OVERRIDES ERASURE", "REASON")
		for _, p := range st.Holds {
			t.add(p.ID, p.Category, formatTime(&p.RetentionEnd), fmt.Sprint(p.CanOverrideErasure), p.Reason)
		}
		t.render(w)
		return nil
	})
}

func runInspect(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		ins, err := a.InspectSubject(ctx, c, inspectSubject)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), ins)
		}
		w := cmd.OutOrStdout()
		heading(w, "Subject Data: "+ins.Subject)
		if ins.Hidden {
			cmd.Println("The subject was erased.")
			return nil
		}
		if len(ins.Records) == 0 {
			cmd.Println("No records found.")
			return nil
		}
		t := newTable("LOCATION", "FIELD", "VALUE")
		for _, r := range ins.Records {
			fields := make([]string, 0, len(r.Values))
			for f := range r.Values {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				t.add(r.Location, f, r.Values[f])
			}
		}
		t.render(w)
		return nil
	})
}
