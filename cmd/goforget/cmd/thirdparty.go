package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dbsmedya/goforget/internal/access"
	"github.com/dbsmedya/goforget/internal/app"
	"github.com/dbsmedya/goforget/internal/compliance"
	"github.com/dbsmedya/goforget/internal/thirdparty"
)

var (
	coordinateSubject string

	notifyRequest   string
	notifyProcessor string
	notifyStatus    string
	notifyDetail    string
)

var coordinateCmd = &cobra.Command{
	Use:   "coordinate",
	Short: "Notify third-party processors about a subject's erasure",
	Long: `Coordinate creates one notification per configured processor for the
subject's most recent erasure request and dispatches the pending ones.
Running it again never duplicates a notification.

Example:
  goforget coordinate --subject anna@example.com`,
	RunE: runCoordinate,
}

var notificationCmd = &cobra.Command{
	Use:   "notification",
	Short: "Record a processor's response to a notification",
	Long: `Notification moves a processor notification forward, for example when
the processor acknowledges or confirms the erasure. Status can only move
forward: PENDING, SENT, ACKNOWLEDGED, COMPLETED. FAILED is allowed from any
non-final state.

Example:
  goforget notification --request 6f1c... --processor mailer --status COMPLETED`,
	RunE: runNotification,
}

func init() {
	coordinateCmd.Flags().StringVarP(&coordinateSubject, "subject", "s", "",
		"Subject identifier (email address)")
	_ = coordinateCmd.MarkFlagRequired("subject")

	notificationCmd.Flags().StringVarP(&notifyRequest, "request", "r", "", "Erasure request id")
	notificationCmd.Flags().StringVarP(&notifyProcessor, "processor", "p", "", "Processor name")
	notificationCmd.Flags().StringVar(&notifyStatus, "status", "", "New status (SENT, ACKNOWLEDGED, COMPLETED, FAILED)")
	notificationCmd.Flags().StringVar(&notifyDetail, "detail", "", "Free-text detail from the processor")
	_ = notificationCmd.MarkFlagRequired("request")
	_ = notificationCmd.MarkFlagRequired("processor")
	_ = notificationCmd.MarkFlagRequired("status")

	rootCmd.AddCommand(coordinateCmd)
	rootCmd.AddCommand(notificationCmd)
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		sum, err := a.CoordinateThirdParties(ctx, coordinateSubject)
		if err != nil {
			return fmt.Errorf("coordination failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		printSummary(cmd, sum)
		return nil
	})
}

func printSummary(cmd *cobra.Command, sum *thirdparty.Summary) {
	w := cmd.OutOrStdout()
	heading(w, "Third-Party Notifications")
	cmd.Printf("Request ID: %s\n", sum.RequestID)
	cmd.Printf("Created: %d  Existing: %d  Dispatched: %d\n\n", sum.Created, sum.Existing, sum.Dispatched)
	printNotifications(cmd, sum.Notifications)
	if sum.DispatchErrors > 0 {
		failure(w, "%d notification(s) could not be dispatched and stay PENDING", sum.DispatchErrors)
	}
}

func printNotifications(cmd *cobra.Command, list []compliance.Notification) {
	t := newTable("PROCESSOR", "STATUS", "SENT", "ACKNOWLEDGED", "COMPLETED")
	t.colorColumn(1, statusColor)
	for _, n := range list {
		t.add(n.Processor, string(n.Status), formatTime(n.SentAt), formatTime(n.AcknowledgedAt), formatTime(n.CompletedAt))
	}
	t.render(cmd.OutOrStdout())
}

func runNotification(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App, c access.Capability) error {
		n, err := a.UpdateNotification(ctx, notifyRequest, notifyProcessor,
			compliance.NotificationStatus(notifyStatus), notifyDetail)
		if err != nil {
			return fmt.Errorf("notification update failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), n)
		}
		success(cmd.OutOrStdout(), "Notification for %s is now %s", n.Processor, n.Status)
		return nil
	})
}
