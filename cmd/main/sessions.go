package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"botswarm/pkg/models"
)

var (
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Manage sessions",
		Long:  "List and inspect session history",
	}

	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE:  runSessionsList,
	}

	sessionsInspectCmd = &cobra.Command{
		Use:   "inspect <session-id>",
		Short: "Inspect a session",
		Long:  "Show a session's configuration, outcome and aggregate metrics",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionsInspect,
	}
)

func runSessionsList(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	statusFilter, _ := cmd.Flags().GetString("status")

	banner := styles.Banner.Render("🗂  Sessions")
	fmt.Println(banner)

	var sessions []*models.Session
	if statusFilter != "" {
		sessions, err = repos.Sessions.ListByStatus(ctx, models.SessionStatus(statusFilter))
	} else {
		if limit <= 0 {
			limit = 50
		}
		sessions, err = repos.Sessions.List(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("• No sessions found")
		return nil
	}

	names := targetNames(ctx, repos)
	fmt.Printf("Found %d session(s):\n", len(sessions))
	for _, sess := range sessions {
		fmt.Printf("• %s %s %s", statusIcon(sess.Status), sess.SessionID, styles.Success.Render(names[sess.TargetID]))
		fmt.Printf(" [%s]", sess.CreatedAt.Format("Jan 2 15:04"))
		if sess.StartedAt != nil && sess.CompletedAt != nil {
			fmt.Printf(" (%.1fs)", sess.CompletedAt.Sub(*sess.StartedAt).Seconds())
		}
		if sess.Summary != nil {
			fmt.Printf("  %d/%d ok", sess.Summary.SuccessCount, sess.Summary.MessageCount)
		}
		fmt.Println()
	}
	return nil
}

func runSessionsInspect(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	verbose, _ := cmd.Flags().GetBool("verbose")

	sess, err := repos.Sessions.GetBySessionID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("session %s not found", args[0])
	}

	banner := styles.Banner.Render("🔍 Session Details")
	fmt.Println(banner)

	names := targetNames(ctx, repos)
	fmt.Printf("Session: %s %s\n", sess.SessionID, statusIcon(sess.Status))
	fmt.Printf("Target: %s (ID: %d)\n", styles.Success.Render(names[sess.TargetID]), sess.TargetID)
	fmt.Printf("Status: %s\n", colorizeStatus(sess.Status))
	if sess.ScenarioID != nil {
		fmt.Printf("Scenario: %d\n", *sess.ScenarioID)
	} else {
		fmt.Printf("Messages: %d ad hoc\n", len(sess.CustomMessages))
	}
	if sess.BatchID != nil {
		fmt.Printf("Batch: %s\n", *sess.BatchID)
	}
	fmt.Printf("Created: %s\n", sess.CreatedAt.Format("Jan 2, 2006 15:04:05"))
	if sess.StartedAt != nil {
		fmt.Printf("Started: %s\n", sess.StartedAt.Format("Jan 2, 2006 15:04:05"))
	}
	if sess.CompletedAt != nil && sess.StartedAt != nil {
		duration := sess.CompletedAt.Sub(*sess.StartedAt)
		fmt.Printf("Completed: %s (Duration: %.1fs)\n", sess.CompletedAt.Format("Jan 2, 2006 15:04:05"), duration.Seconds())
	}
	if sess.Error != nil {
		fmt.Printf("Error: %s\n", styles.Error.Render(*sess.Error))
	}
	printSummary(sess.Summary)

	if verbose {
		rows, err := repos.Metrics.ListBySession(ctx, sess.SessionID)
		if err != nil {
			return fmt.Errorf("failed to load metrics: %w", err)
		}
		if len(rows) > 0 {
			fmt.Print("\n" + styles.Banner.Render("📊 Message Metrics") + "\n")
			for _, m := range rows {
				printMetricRow(m)
			}
		}
	}
	return nil
}

func printMetricRow(m models.MessageMetric) {
	icon := "✅"
	if !m.Success {
		icon = "❌"
	}
	line := fmt.Sprintf("• %s #%d attempt %d  %s", icon, m.MessageIndex, m.Attempt, formatDuration(m.ResponseTimeMs))
	if m.TotalTokens > 0 {
		line += styles.Muted.Render(fmt.Sprintf("  %d tok", m.TotalTokens))
	}
	if m.StatusCode != 0 {
		line += styles.Muted.Render(fmt.Sprintf("  HTTP %d", m.StatusCode))
	}
	if m.Similarity > 0 {
		line += styles.Muted.Render(fmt.Sprintf("  sim %.2f", m.Similarity))
	}
	if !m.Success {
		detail := m.ErrorType
		if m.ErrorMessage != "" {
			detail += ": " + truncateString(m.ErrorMessage, 60)
		}
		line += "  " + styles.Error.Render(detail)
	}
	fmt.Println(line)
	fmt.Println(styles.Muted.Render("    sent " + m.SentAt.Format(time.RFC3339)))
}
