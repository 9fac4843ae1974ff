package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/verifier"
)

var verifySubject string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that a subject's data is gone",
	Long: `Verify compares the subject's record counts at the start of the lookback
window with the current counts. A location is verified when nothing of the
subject remains. Stores with system-versioned tables are read as of the
window start; others fall back to the discovery snapshot.

Verification is advisory: it never changes request state.

Example:
  goforget verify --subject anna@example.com --lookback-hours 48`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&verifySubject, "subject", "s", "",
		"Subject identifier (email address)")
	_ = verifyCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		rep, err := a.Verify(ctx, c, verifySubject, 0)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		printReport(cmd, rep)
		if !rep.AllVerified() {
			return fmt.Errorf("%d location(s) still hold data of the subject", rep.Stats.Unverified)
		}
		return nil
	})
}

func printReport(cmd *cobra.Command, rep *verifier.Report) {
	w := cmd.OutOrStdout()
	heading(w, "Deletion Verification")
	cmd.Printf("Subject:  %s\n", rep.Subject)
	cmd.Printf("Window:   %s back from %s\n\n", rep.Lookback, formatTime(&rep.AsOf))

	t := newTable("LOCATION", "PII TYPE", "BEFORE", "NOW", "METHOD", "RESULT")
	t.colorColumn(5, statusColor)
	for _, r := range rep.Results {
		result := "verified"
		if !r.Verified {
			result = "UNVERIFIED"
		}
		if r.ErrorMessage != "" {
			result = "FAILED"
		}
		t.add(r.Location.String(), string(r.PIIType), fmt.Sprint(r.PreCount), fmt.Sprint(r.PostCount), string(r.Method), result)
	}
	t.render(w)
	cmd.Printf("\nChecked %d location(s): %d verified, %d unverified\n",
		rep.Stats.LocationsChecked, rep.Stats.Verified, rep.Stats.Unverified)
	if rep.AllVerified() {
		success(w, "All data of the subject is erased")
	}
}
