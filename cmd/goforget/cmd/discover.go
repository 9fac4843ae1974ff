package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/types"
)

var discoverSubject string

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find a subject's personal data across the enrolled stores",
	Long: `Discover scans the enrolled stores, classifies candidate columns and
counts the subject's records at every location. The result is saved as a
discovery batch and can be used later as the verification baseline.

Example:
  goforget discover --config goforget.yaml --subject anna@example.com`,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVarP(&discoverSubject, "subject", "s", "",
		"Subject identifier (email address)")
	_ = discoverCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(discoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		batch, err := a.Discover(ctx, discoverSubject)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), batch)
		}
		printBatch(cmd, batch, c)
		return nil
	})
}

func printBatch(cmd *cobra.Command, batch *compliance.DiscoveryBatch, c access.Capability) {
	out := cmd.OutOrStdout()
	heading(out, "Discovery")
	cmd.Printf("Subject: %s\n", access.Mask(c, types.PIIEmailAddress, batch.Subject))
	cmd.Printf("Batch:   %s\n\n", batch.ID)

	if len(batch.Results) == 0 {
		cmd.Println("No personal data found.")
		return
	}
	t := newTable("LOCATION", "PII TYPE", "SENSITIVITY", "RECORDS", "OPERATION")
	var total int64
	for _, r := range batch.Results {
		op := "DELETE"
		if r.Pseudonymize {
			op = "PSEUDONYMIZE"
		}
		t.add(r.Location.String(), string(r.PIIType), r.Tier.String(), fmt.Sprint(r.RecordsFound), op)
		total += r.RecordsFound
	}
	t.render(out)
	cmd.Printf("\nTotal: %d record(s) in %d location(s)\n", total, len(batch.Results))
}
