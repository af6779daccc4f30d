package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"botswarm/internal/events"
	"botswarm/internal/services"
	"botswarm/pkg/models"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one scenario across several targets",
	Long: `Run a scenario against a set of targets as one batch. Parallel mode
admits every session at once; sequential mode runs them in target
order. The command blocks until the batch is terminal.`,
	RunE: runBatch,
}

func runBatch(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	scenarioRef, _ := cmd.Flags().GetString("scenario")
	targetRefs, _ := cmd.Flags().GetStringSlice("target")
	modeFlag, _ := cmd.Flags().GetString("mode")
	quiet, _ := cmd.Flags().GetBool("quiet")

	mode := models.BatchMode(modeFlag)
	if mode != models.BatchParallel && mode != models.BatchSequential {
		return fmt.Errorf("invalid --mode %q (want parallel or sequential)", modeFlag)
	}

	scenario, err := resolveScenarioRef(ctx, repos, scenarioRef)
	if err != nil {
		return err
	}
	targets, err := resolveTargetRefs(ctx, repos, targetRefs)
	if err != nil {
		return err
	}

	overrides, err := configOverrides(cmd)
	if err != nil {
		return err
	}
	req := services.BatchRequest{
		ScenarioID: scenario.ID,
		Mode:       mode,
		Config:     overrides,
	}
	for _, t := range targets {
		req.TargetIDs = append(req.TargetIDs, t.ID)
	}

	banner := styles.Banner.Render("🐝 Running batch")
	fmt.Println(banner)
	fmt.Printf("• Scenario: %s\n", styles.Success.Render(scenario.Name))
	fmt.Printf("• Targets: %d (%s mode)\n", len(targets), mode)
	fmt.Println()

	live := events.NewChannelPublisher(1024)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renderEvents(live.Events(), quiet)
	}()

	sessions := services.NewSessionService(repos, nil, live)
	batches := services.NewBatchService(repos, sessions)

	start := time.Now()
	result, runErr := batches.Run(ctx, req)
	live.Close()
	wg.Wait()

	if runErr != nil {
		return runErr
	}

	names := make(map[int64]string, len(targets))
	for _, t := range targets {
		names[t.ID] = t.Name
	}

	fmt.Printf("\nBatch %s %s\n", result.Batch.BatchID, colorizeBatchStatus(result.Status))
	for _, sess := range result.Sessions {
		line := fmt.Sprintf("• %s %s %s", statusIcon(sess.Status), styles.Success.Render(names[sess.TargetID]), styles.Muted.Render(sess.SessionID))
		if sess.Summary != nil {
			line += fmt.Sprintf("  %d/%d ok", sess.Summary.SuccessCount, sess.Summary.MessageCount)
		}
		if sess.Error != nil {
			line += "  " + styles.Error.Render(truncateString(*sess.Error, 80))
		}
		fmt.Println(line)
	}
	fmt.Printf("Duration: %s\n", formatDuration(time.Since(start).Milliseconds()))

	analytics.TrackBatchExecuted(string(result.Status), len(result.Sessions), string(mode))
	return nil
}
