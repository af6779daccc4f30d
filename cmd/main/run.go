package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"botswarm/internal/db/repositories"
	"botswarm/internal/events"
	"botswarm/internal/queue"
	"botswarm/internal/services"
	"botswarm/pkg/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one session against a target",
	Long: `Execute a scenario (or an ad hoc message list) against one target and
stream per-message results. With --detach the session is queued on a
running server instead of executing in this process.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	targetRef, _ := cmd.Flags().GetString("target")
	scenarioRef, _ := cmd.Flags().GetString("scenario")
	messages, _ := cmd.Flags().GetStringArray("message")
	detach, _ := cmd.Flags().GetBool("detach")
	quiet, _ := cmd.Flags().GetBool("quiet")

	target, err := resolveTargetRef(ctx, repos, targetRef)
	if err != nil {
		return err
	}

	req := services.SubmitRequest{
		TargetID: target.ID,
		Messages: messages,
	}
	var scenario *models.Scenario
	if scenarioRef != "" {
		scenario, err = resolveScenarioRef(ctx, repos, scenarioRef)
		if err != nil {
			return err
		}
		req.ScenarioID = scenario.ID
	}
	req.Config, err = configOverrides(cmd)
	if err != nil {
		return err
	}

	if detach {
		return enqueueSession(cmd, repos, req)
	}

	banner := styles.Banner.Render("🐝 Running session")
	fmt.Println(banner)
	fmt.Printf("• Target: %s %s\n", styles.Success.Render(target.Name), styles.Muted.Render(target.Endpoint))
	if scenario != nil {
		fmt.Printf("• Scenario: %s\n", styles.Success.Render(scenario.Name))
	} else {
		fmt.Printf("• Messages: %d ad hoc\n", len(messages))
	}
	fmt.Println()

	live := events.NewChannelPublisher(256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(live.Events(), quiet)
	}()

	svc := services.NewSessionService(repos, nil, live)
	start := time.Now()
	sess, runErr := svc.Start(ctx, req)
	live.Close()
	wg.Wait()

	if sess == nil {
		return runErr
	}

	fmt.Printf("\nSession %s %s %s\n", sess.SessionID, statusIcon(sess.Status), colorizeStatus(sess.Status))
	printSummary(sess.Summary)

	durationMs := time.Since(start).Milliseconds()
	messageCount := 0
	if sess.Summary != nil {
		messageCount = sess.Summary.MessageCount
	}
	analytics.TrackSessionExecuted(string(sess.Status), messageCount, durationMs, string(target.ConnectorType))

	// The terminal status is on the record; a failed run is reported
	// through it rather than a non-zero exit.
	if runErr != nil && sess.Status == models.SessionFailed && sess.Error != nil {
		fmt.Println(styles.Error.Render("Error: " + *sess.Error))
	}
	return nil
}

// enqueueSession hands the session to a running server over NATS.
func enqueueSession(cmd *cobra.Command, repos *repositories.Repositories, req services.SubmitRequest) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := cfg.NATSURL
	if url == "" {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATSPort)
	}

	q, err := queue.New(queue.Options{Enabled: true, URL: url})
	if err != nil {
		return fmt.Errorf("no server reachable at %s (is `botswarm serve` running?): %w", url, err)
	}
	defer q.Close()

	svc := services.NewSessionService(repos, q, &events.NoOpPublisher{})
	sess, err := svc.Enqueue(cmd.Context(), req)
	if err != nil {
		return err
	}

	fmt.Printf("⏳ Session %s queued\n", styles.Info.Render(sess.SessionID))
	fmt.Println(styles.Muted.Render("  botswarm sessions inspect " + sess.SessionID))
	return nil
}

// configOverrides collects execution overrides from flags. Zero values
// inherit the scenario defaults, so absent flags cost nothing.
func configOverrides(cmd *cobra.Command) (models.ExecutionConfig, error) {
	var cfg models.ExecutionConfig
	cfg.Repetitions, _ = cmd.Flags().GetInt("repetitions")
	cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	cfg.DelayBetweenMs, _ = cmd.Flags().GetInt("delay-ms")

	onError, _ := cmd.Flags().GetString("on-error")
	switch models.ErrorAction(onError) {
	case "", models.ActionSkip, models.ActionRetry, models.ActionAbort:
		cfg.OnError = models.ErrorAction(onError)
	default:
		return cfg, fmt.Errorf("invalid --on-error %q (want skip, retry or abort)", onError)
	}
	return cfg, nil
}
