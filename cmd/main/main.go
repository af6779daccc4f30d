package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"botswarm/internal/config"
	"botswarm/internal/logging"
	"botswarm/internal/telemetry"
	"botswarm/internal/version"
)

var (
	cfgFile   string
	analytics *telemetry.Analytics

	rootCmd = &cobra.Command{
		Use:   "botswarm",
		Short: "Botswarm - chatbot session testing engine",
		Long: `Botswarm drives scripted conversations against chatbot APIs and records
per-message metrics. Targets, scenarios and schedules live in a local
database; sessions run directly, through the job queue, or on a cron
schedule.`,
		Version: version.Short(),
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogging)
	cobra.OnInitialize(initTelemetry)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/botswarm/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(scenariosCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(schedulesCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(mockTargetCmd)
	rootCmd.AddCommand(versionCmd)

	targetsCmd.AddCommand(targetsListCmd)
	targetsCmd.AddCommand(targetsShowCmd)
	targetsCmd.AddCommand(targetsAddCmd)
	targetsCmd.AddCommand(targetsDeleteCmd)

	scenariosCmd.AddCommand(scenariosListCmd)
	scenariosCmd.AddCommand(scenariosShowCmd)
	scenariosCmd.AddCommand(scenariosAddCmd)

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsInspectCmd)

	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesAddCmd)
	schedulesCmd.AddCommand(schedulesEnableCmd)
	schedulesCmd.AddCommand(schedulesDisableCmd)
	schedulesCmd.AddCommand(schedulesDeleteCmd)

	// Serve command flags. Defaults stay zero-valued so an unset flag
	// never shadows an environment variable through viper.
	serveCmd.Flags().String("database", "", "Database file path (default \"botswarm.db\")")
	serveCmd.Flags().Int("metrics-port", 0, "Prometheus /metrics port (default 9090)")
	serveCmd.Flags().Int("nats-port", 0, "Embedded NATS port (default 4222)")
	serveCmd.Flags().Int("workers", 0, "Queue worker count (default 4)")
	serveCmd.Flags().String("jetstream-dir", "", "JetStream storage directory (default alongside the database)")
	serveCmd.Flags().StringSlice("webhook", nil, "Webhook URL notified on session completion (repeatable)")

	// Run command flags
	runCmd.Flags().StringP("target", "t", "", "Target name or id (required)")
	runCmd.Flags().StringP("scenario", "s", "", "Scenario name or id")
	runCmd.Flags().StringArrayP("message", "m", nil, "Ad hoc message to send instead of a scenario (repeatable)")
	runCmd.Flags().Int("repetitions", 0, "Repeat the conversation this many times")
	runCmd.Flags().Int("concurrency", 0, "Concurrent message cap within the session")
	runCmd.Flags().Int("delay-ms", 0, "Start-to-start spacing between messages")
	runCmd.Flags().String("on-error", "", "Failure policy: skip, retry or abort")
	runCmd.Flags().Bool("detach", false, "Enqueue the session on a running server instead of executing here")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress per-message output")

	// Batch command flags
	batchCmd.Flags().StringP("scenario", "s", "", "Scenario name or id (required)")
	batchCmd.Flags().StringSliceP("target", "t", nil, "Target name or id (repeatable, required)")
	batchCmd.Flags().String("mode", "parallel", "Batch mode: parallel or sequential")
	batchCmd.Flags().Int("repetitions", 0, "Repeat the conversation this many times per session")
	batchCmd.Flags().Int("delay-ms", 0, "Start-to-start spacing between messages")
	batchCmd.Flags().BoolP("quiet", "q", false, "Suppress per-message output")

	// Sessions command flags
	sessionsListCmd.Flags().Int("limit", 50, "Maximum number of sessions to display")
	sessionsListCmd.Flags().String("status", "", "Filter by status (PENDING, QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED)")
	sessionsInspectCmd.Flags().BoolP("verbose", "v", false, "Show per-message metric rows")

	// Schedules command flags
	schedulesAddCmd.Flags().String("name", "", "Schedule name (required)")
	schedulesAddCmd.Flags().StringP("scenario", "s", "", "Scenario name or id (required)")
	schedulesAddCmd.Flags().StringSliceP("target", "t", nil, "Target name or id (repeatable, required)")
	schedulesAddCmd.Flags().String("cron", "", "Cron expression, e.g. \"0 3 * * *\" or \"@hourly\" (required)")
	schedulesAddCmd.Flags().String("timezone", "UTC", "IANA timezone the cron expression is evaluated in")
	schedulesAddCmd.Flags().String("mode", "parallel", "Batch mode: parallel or sequential")
	schedulesAddCmd.Flags().Bool("disabled", false, "Create the schedule disabled")

	// Cancel command flags
	cancelCmd.Flags().Bool("batch", false, "Treat the argument as a batch id and cancel every session in it")

	// Validate command flags
	validateCmd.Flags().Int("max-depth", 0, "Maximum conditional/loop nesting (default 10)")

	// Mock target flags
	mockTargetCmd.Flags().Int("port", 8081, "Listen port")
	mockTargetCmd.Flags().Int("delay-ms", 0, "Simulated response latency")
	mockTargetCmd.Flags().Float64("fail-rate", 0, "Fraction of requests answered with HTTP 500 (0..1)")

	// Bind serve flags to viper so config.yaml keys and BOTSWARM_
	// variables reach the same settings.
	viper.BindPFlag("database_url", serveCmd.Flags().Lookup("database"))
	viper.BindPFlag("metrics_port", serveCmd.Flags().Lookup("metrics-port"))
	viper.BindPFlag("nats_port", serveCmd.Flags().Lookup("nats-port"))
	viper.BindPFlag("worker_count", serveCmd.Flags().Lookup("workers"))
	viper.BindPFlag("jetstream_dir", serveCmd.Flags().Lookup("jetstream-dir"))
	viper.BindPFlag("webhook_urls", serveCmd.Flags().Lookup("webhook"))

	viper.SetDefault("telemetry_enabled", true)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BOTSWARM")

	// The config file is optional; environment variables and flags are
	// enough to run.
	_ = viper.ReadInConfig()
}

func initLogging() {
	level := viper.GetString("log_level")
	if level == "" {
		if cfg, err := config.Load(); err == nil {
			level = cfg.LogLevel
		}
	}
	logging.Initialize(logging.Config{Level: level, Pretty: true})
}

func initTelemetry() {
	cfg, err := config.Load()
	if err != nil {
		analytics = telemetry.NewAnalytics(false)
		return
	}
	analytics = telemetry.NewAnalytics(cfg.TelemetryEnabled && viper.GetBool("telemetry_enabled"))
}

func configDir() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, _ := os.UserHomeDir()
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "botswarm")
}

func main() {
	startTime := time.Now()
	var commandName string
	if len(os.Args) > 1 {
		commandName = os.Args[1]
	}

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if analytics != nil {
			analytics.TrackError("cli_execution", err.Error())
		}
	}

	if analytics != nil {
		analytics.TrackCLICommand(commandName, err == nil, time.Since(startTime).Milliseconds())
		analytics.Close()
	}

	if err != nil {
		os.Exit(1)
	}
}
