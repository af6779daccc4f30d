package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"botswarm/internal/db/repositories"
	"botswarm/internal/scheduler"
	"botswarm/pkg/models"
)

var (
	schedulesCmd = &cobra.Command{
		Use:   "schedules",
		Short: "Manage cron schedules",
		Long:  "List and manage recurring batch runs fired by the server's scheduler",
	}

	schedulesListCmd = &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE:  runSchedulesList,
	}

	schedulesAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Create a schedule",
		Long: `Create a recurring batch run. The cron expression fires in the given
timezone; the server's scheduler triggers it while serve is running.`,
		RunE: runSchedulesAdd,
	}

	schedulesEnableCmd = &cobra.Command{
		Use:   "enable <name|id>",
		Short: "Enable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(cmd, args[0], true) },
	}

	schedulesDisableCmd = &cobra.Command{
		Use:   "disable <name|id>",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setScheduleEnabled(cmd, args[0], false) },
	}

	schedulesDeleteCmd = &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE:  runSchedulesDelete,
	}
)

func runSchedulesList(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	schedules, err := repos.Schedules.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	banner := styles.Banner.Render("⏰ Schedules")
	fmt.Println(banner)

	if len(schedules) == 0 {
		fmt.Println("• No schedules defined. Add one with: botswarm schedules add")
		return nil
	}

	for _, sched := range schedules {
		state := styles.Success.Render("enabled")
		if !sched.Enabled {
			state = styles.Muted.Render("disabled")
		}
		fmt.Printf("• %s (%d) %s  %s %s\n",
			styles.Success.Render(sched.Name), sched.ID, state,
			styles.Info.Render(sched.CronExpression), styles.Muted.Render(sched.Timezone))
		detail := fmt.Sprintf("  scenario %d across %d target(s), %s mode", sched.ScenarioID, len(sched.TargetIDs), sched.Mode)
		if sched.NextRunAt != nil {
			detail += fmt.Sprintf(", next run %s", formatNextRun(*sched.NextRunAt))
		}
		if sched.LastRunAt != nil {
			detail += fmt.Sprintf(", last ran %s", sched.LastRunAt.Format("Jan 2 15:04"))
		}
		fmt.Println(styles.Muted.Render(detail))
	}
	return nil
}

func runSchedulesAdd(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	name, _ := cmd.Flags().GetString("name")
	scenarioRef, _ := cmd.Flags().GetString("scenario")
	targetRefs, _ := cmd.Flags().GetStringSlice("target")
	cronExpr, _ := cmd.Flags().GetString("cron")
	timezone, _ := cmd.Flags().GetString("timezone")
	modeFlag, _ := cmd.Flags().GetString("mode")
	disabled, _ := cmd.Flags().GetBool("disabled")

	if name == "" {
		return fmt.Errorf("--name is required")
	}
	if cronExpr == "" {
		return fmt.Errorf("--cron is required")
	}
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

	// Compute the first slot up front: a schedule stored without one
	// counts as overdue and would fire the moment serve sees it.
	next, err := scheduler.NextRun(cronExpr, timezone, time.Now().UTC())
	if err != nil {
		return err
	}

	sched := &models.Schedule{
		Name:           name,
		ScenarioID:     scenario.ID,
		Mode:           mode,
		CronExpression: cronExpr,
		Timezone:       timezone,
		Enabled:        !disabled,
		NextRunAt:      &next,
	}
	for _, t := range targets {
		sched.TargetIDs = append(sched.TargetIDs, t.ID)
	}

	if err := repos.Schedules.Create(ctx, sched); err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}

	fmt.Printf("✅ Schedule %s created (id %d), first run %s\n",
		styles.Success.Render(sched.Name), sched.ID, formatNextRun(next))
	if disabled {
		fmt.Println(styles.Muted.Render("  schedule is disabled; enable it with: botswarm schedules enable " + name))
	}
	return nil
}

func setScheduleEnabled(cmd *cobra.Command, ref string, enabled bool) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	sched, err := resolveScheduleRef(ctx, repos, ref)
	if err != nil {
		return err
	}

	sched.Enabled = enabled
	if enabled {
		// Re-anchor the next slot so a long-disabled schedule does not
		// fire immediately for every interval it missed.
		next, err := scheduler.NextRun(sched.CronExpression, sched.Timezone, time.Now().UTC())
		if err != nil {
			return err
		}
		sched.NextRunAt = &next
		if err := repos.Schedules.SetNextRun(ctx, sched.ID, &next); err != nil {
			return err
		}
	}
	if err := repos.Schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("✅ Schedule %s %s\n", sched.Name, state)
	return nil
}

func runSchedulesDelete(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	sched, err := resolveScheduleRef(cmd.Context(), repos, args[0])
	if err != nil {
		return err
	}
	if err := repos.Schedules.Delete(cmd.Context(), sched.ID); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	fmt.Printf("🗑️  Schedule %s deleted\n", sched.Name)
	return nil
}

// resolveScheduleRef looks a schedule up by id, or by name when the
// reference is not numeric.
func resolveScheduleRef(ctx context.Context, repos *repositories.Repositories, ref string) (*models.Schedule, error) {
	if id, ok := parseScheduleID(ref); ok {
		sched, err := repos.Schedules.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("schedule %d not found", id)
		}
		return sched, nil
	}
	schedules, err := repos.Schedules.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	for _, sched := range schedules {
		if sched.Name == ref {
			return sched, nil
		}
	}
	return nil, fmt.Errorf("schedule %q not found", ref)
}

func formatNextRun(t time.Time) string {
	until := time.Until(t)
	if until < 0 {
		return "now"
	}
	if until < 2*time.Minute {
		return fmt.Sprintf("in %ds", int(until.Seconds()))
	}
	if until < 2*time.Hour {
		return fmt.Sprintf("in %dm", int(until.Minutes()))
	}
	return t.Format("Jan 2 15:04 MST")
}

func parseScheduleID(ref string) (int64, bool) {
	id, err := strconv.ParseInt(ref, 10, 64)
	return id, err == nil
}
