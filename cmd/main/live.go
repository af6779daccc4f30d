package main

import (
	"fmt"

	"botswarm/internal/events"
	"botswarm/pkg/models"
)

// renderEvents prints the live view of a session or batch stream until
// the channel closes. Events arrive in-process, so Data carries the
// concrete payload structs.
func renderEvents(ch <-chan *events.Event, quiet bool) {
	for event := range ch {
		switch event.Type {
		case events.EventSessionStatus:
			data, ok := event.Data.(events.StatusData)
			if !ok || quiet {
				continue
			}
			fmt.Printf("%s %s → %s\n", styles.Muted.Render(shortID(event.SessionID)), data.From, colorizeStatus(data.To))

		case events.EventMessage:
			data, ok := event.Data.(events.MessageData)
			if !ok || quiet {
				continue
			}
			printMessageMetric(event.SessionID, data)

		case events.EventSessionComplete:
			data, ok := event.Data.(events.CompleteData)
			if !ok {
				continue
			}
			line := fmt.Sprintf("%s session %s", statusIcon(data.Status), colorizeStatus(data.Status))
			if data.Error != "" {
				line += styles.Error.Render(" (" + truncateString(data.Error, 120) + ")")
			}
			fmt.Printf("%s %s\n", styles.Muted.Render(shortID(event.SessionID)), line)

		case events.EventBatchStatus:
			data, ok := event.Data.(events.BatchStatusData)
			if !ok {
				continue
			}
			fmt.Printf("%s batch %s %d/%d sessions done\n",
				styles.Muted.Render(shortID(data.BatchID)), colorizeBatchStatus(data.Status), data.Completed, data.Total)

		case events.EventError:
			if data, ok := event.Data.(map[string]string); ok {
				fmt.Println(styles.Error.Render("⚠ " + data["error"]))
			}
		}
	}
}

func printMessageMetric(sessionID string, data events.MessageData) {
	m := data.Metric

	icon := "✅"
	if !m.Success {
		icon = "❌"
	}
	retry := ""
	if m.Attempt > 1 {
		retry = styles.Warning.Render(fmt.Sprintf(" attempt %d", m.Attempt))
	}

	line := fmt.Sprintf("%s #%d%s  %s", icon, m.MessageIndex, retry, formatDuration(m.ResponseTimeMs))
	if m.TotalTokens > 0 {
		line += styles.Muted.Render(fmt.Sprintf("  %d tok", m.TotalTokens))
	}
	if !m.Success && m.ErrorMessage != "" {
		line += "  " + styles.Error.Render(truncateString(m.ErrorMessage, 80))
	}
	fmt.Printf("%s %s\n", styles.Muted.Render(shortID(sessionID)), line)
}

func formatDuration(ms int64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%dms", ms)
}

// shortID trims session and batch ids to their distinguishing tail so
// live output stays on one line.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return "…" + id[len(id)-8:]
}

func printSummary(summary *models.SessionSummary) {
	if summary == nil {
		return
	}
	fmt.Printf("\nMessages: %d sent, %s ok, %s failed",
		summary.MessageCount,
		styles.Success.Render(fmt.Sprintf("%d", summary.SuccessCount)),
		styles.Error.Render(fmt.Sprintf("%d", summary.FailureCount)))
	if summary.RetryCount > 0 {
		fmt.Printf(", %s", styles.Warning.Render(fmt.Sprintf("%d retries", summary.RetryCount)))
	}
	fmt.Println()

	if summary.MessageCount > 0 {
		fmt.Printf("Latency:  avg %.0fms  p50 %dms  p95 %dms  p99 %dms  (min %dms, max %dms)\n",
			summary.AvgResponseTimeMs,
			summary.P50ResponseTimeMs, summary.P95ResponseTimeMs, summary.P99ResponseTimeMs,
			summary.MinResponseTimeMs, summary.MaxResponseTimeMs)
	}
	if summary.TotalTokens > 0 {
		fmt.Printf("Tokens:   %d prompt + %d completion = %d total\n",
			summary.PromptTokens, summary.CompletionTokens, summary.TotalTokens)
	}
	if summary.AvgSimilarity > 0 {
		fmt.Printf("Similarity: %.2f avg\n", summary.AvgSimilarity)
	}
	fmt.Printf("Duration: %s\n", formatDuration(summary.DurationMs))
}
