package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"botswarm/internal/flow"
	"botswarm/pkg/models"
	"botswarm/pkg/schema"
)

var (
	scenariosCmd = &cobra.Command{
		Use:   "scenarios",
		Short: "Manage conversation scenarios",
		Long:  "List, inspect and register the reusable conversation flows sessions execute",
	}

	scenariosListCmd = &cobra.Command{
		Use:   "list",
		Short: "List scenarios",
		RunE:  runScenariosList,
	}

	scenariosShowCmd = &cobra.Command{
		Use:   "show <name|id>",
		Short: "Show a scenario's flow document",
		Args:  cobra.ExactArgs(1),
		RunE:  runScenariosShow,
	}

	scenariosAddCmd = &cobra.Command{
		Use:   "add <file>",
		Short: "Register a scenario from a JSON file",
		Long: `Register a scenario. The file carries a name, an optional description
and defaults, and the flow document; the flow is validated before
anything is stored.`,
		Args: cobra.ExactArgs(1),
		RunE: runScenariosAdd,
	}
)

func runScenariosList(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	scenarios, err := repos.Scenarios.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list scenarios: %w", err)
	}

	banner := styles.Banner.Render("📜 Scenarios")
	fmt.Println(banner)

	if len(scenarios) == 0 {
		fmt.Println("• No scenarios registered. Add one with: botswarm scenarios add <file>")
		return nil
	}

	for _, scenario := range scenarios {
		steps := "?"
		if def, err := flow.ParseDefinition(scenario.Flow); err == nil {
			steps = fmt.Sprintf("%d", len(def.Steps))
		}
		line := fmt.Sprintf("• %s (%d) %s steps", styles.Success.Render(scenario.Name), scenario.ID, steps)
		if scenario.Description != nil {
			line += "  " + styles.Muted.Render(truncateString(*scenario.Description, 60))
		}
		fmt.Println(line)
	}
	return nil
}

func runScenariosShow(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	scenario, err := resolveScenarioRef(cmd.Context(), repos, args[0])
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(scenario, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func runScenariosAdd(cmd *cobra.Command, args []string) error {
	raw, err := readDefinition(args[0])
	if err != nil {
		return err
	}

	var scenario models.Scenario
	if err := json.Unmarshal(raw, &scenario); err != nil {
		return fmt.Errorf("invalid scenario file: %w", err)
	}
	if scenario.Name == "" {
		return fmt.Errorf("scenario needs a name")
	}

	// A scenario with a broken flow would fail every session it runs;
	// reject it at the door instead.
	if err := schema.ValidateFlowDocument(scenario.Flow); err != nil {
		return fmt.Errorf("flow rejected: %w", err)
	}
	if _, err := flow.ValidateFlow(scenario.Flow, scenario.Defaults.MaxDepth); err != nil {
		return fmt.Errorf("flow rejected: %w", err)
	}

	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := repos.Scenarios.Create(cmd.Context(), &scenario); err != nil {
		return fmt.Errorf("failed to create scenario: %w", err)
	}

	fmt.Printf("✅ Scenario %s created (id %d)\n", styles.Success.Render(scenario.Name), scenario.ID)
	return nil
}
