package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/erasure"
	"github.com/dbsmedya/goforget/internal/types"
)

var (
	requestSubject string
	requestGround  string
	requestSource  string
	processID      string
)

var requestErasureCmd = &cobra.Command{
	Use:   "request-erasure",
	Short: "Submit an erasure request for a data subject",
	Long: `Request-erasure records a new request in SUBMITTED state and starts
discovery for the subject. A subject can hold only one active request.

Erasure grounds:
  ` + groundList() + `

Example:
  goforget request-erasure --subject anna@example.com --ground WITHDRAWN_CONSENT`,
	RunE: runRequestErasure,
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Validate and execute an erasure request",
	Long: `Process advances a request through validation and execution. Legal
holds are checked before validation, before execution and before every
location; a blocking hold rejects the request. Failures of single locations
are recorded and do not stop the others.

Running process again on an interrupted request resumes it; locations that
already finished are not touched twice.

Example:
  goforget process --request 6f1c...`,
	RunE: runProcess,
}

func init() {
	requestErasureCmd.Flags().StringVarP(&requestSubject, "subject", "s", "",
		"Subject identifier (email address)")
	requestErasureCmd.Flags().StringVarP(&requestGround, "ground", "g", string(compliance.GroundWithdrawnConsent),
		"Erasure ground")
	requestErasureCmd.Flags().StringVar(&requestSource, "source", "cli",
		"Channel the request arrived through")
	_ = requestErasureCmd.MarkFlagRequired("subject")

	processCmd.Flags().StringVarP(&processID, "request", "r", "",
		"Erasure request id")
	_ = processCmd.MarkFlagRequired("request")

	rootCmd.AddCommand(requestErasureCmd)
	rootCmd.AddCommand(processCmd)
}

func groundList() string {
	names := make([]string, len(compliance.Grounds))
	for i, g := range compliance.Grounds {
		names[i] = string(g)
	}
	return strings.Join(names, ", ")
}

func runRequestErasure(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		req, err := a.SubmitErasure(ctx, erasure.SubmitInput{
			Subject: requestSubject,
			Ground:  compliance.Ground(requestGround),
			Source:  requestSource,
		})
		if err != nil {
			var conflict *erasure.ConflictError
			if errors.As(err, &conflict) {
				return fmt.Errorf("subject already has active request %s", conflict.ExistingID)
			}
			return err
		}
		// Let discovery finish before the connections close.
		a.Wait()

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), req)
		}
		out := cmd.OutOrStdout()
		heading(out, "Erasure Request Submitted")
		cmd.Printf("Request ID:           %s\n", req.ID)
		cmd.Printf("Subject:              %s\n", access.Mask(c, types.PIIEmailAddress, req.Subject))
		cmd.Printf("Ground:               %s\n", req.Ground)
		cmd.Printf("Status:               %s\n", statusColor(string(req.Status)))
		cmd.Printf("Estimated completion: %s\n", formatTime(&req.EstimatedCompletion))
		return nil
	})
}

func runProcess(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		out, err := a.ProcessErasure(ctx, processID)
		var hold *erasure.LegalHoldError
		switch {
		case errors.As(err, &hold):
			// The rejection itself is a valid outcome.
		case errors.Is(err, erasure.ErrFinished):
			cmd.Printf("Request %s already finished.\n", processID)
		case err != nil:
			return fmt.Errorf("processing failed: %w", err)
		}
		if out == nil {
			return nil
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), out)
		}
		printOutcome(cmd, out)
		return nil
	})
}

func printOutcome(cmd *cobra.Command, out *erasure.Outcome) {
	w := cmd.OutOrStdout()
	req := out.Request
	heading(w, "Erasure Request "+req.ID)
	cmd.Printf("Status:   %s\n", statusColor(string(req.Status)))
	cmd.Printf("Message:  %s\n", out.Message)
	if req.RejectionReason != "" {
		cmd.Printf("Reason:   %s\n", req.RejectionReason)
	}
	if req.VerificationHash != "" {
		cmd.Printf("Hash:     %s\n", req.VerificationHash)
	}
	if len(req.DeletionSummary) == 0 {
		return
	}
	cmd.Println()
	t := newTable("LOCATION", "OPERATION", "STATUS", "RECORDS", "ERROR")
	t.colorColumn(2, statusColor)
	for _, e := range req.DeletionSummary {
		t.add(e.Location, string(e.Operation), string(e.Status), fmt.Sprint(e.RecordsAffected), e.Error)
	}
	t.render(w)
}
