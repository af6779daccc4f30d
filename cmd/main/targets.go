package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"botswarm/pkg/models"
)

var (
	targetsCmd = &cobra.Command{
		Use:   "targets",
		Short: "Manage chatbot targets",
		Long:  "List, inspect and register the chatbot endpoints sessions run against",
	}

	targetsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List targets",
		RunE:  runTargetsList,
	}

	targetsShowCmd = &cobra.Command{
		Use:   "show <name|id>",
		Short: "Show a target's full configuration",
		Args:  cobra.ExactArgs(1),
		RunE:  runTargetsShow,
	}

	targetsAddCmd = &cobra.Command{
		Use:   "add <file>",
		Short: "Register a target from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runTargetsAdd,
	}

	targetsDeleteCmd = &cobra.Command{
		Use:   "delete <name|id>",
		Short: "Delete a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runTargetsDelete,
	}
)

func runTargetsList(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	targets, err := repos.Targets.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	banner := styles.Banner.Render("🎯 Targets")
	fmt.Println(banner)

	if len(targets) == 0 {
		fmt.Println("• No targets registered. Add one with: botswarm targets add <file>")
		return nil
	}

	for _, target := range targets {
		fmt.Printf("• %s (%d) %s %s\n",
			styles.Success.Render(target.Name),
			target.ID,
			styles.Info.Render(string(target.ConnectorType)),
			styles.Muted.Render(truncateString(target.Endpoint, 60)))
		if len(target.Plugins) > 0 {
			names := make([]string, 0, len(target.Plugins))
			for _, p := range target.Plugins {
				names = append(names, p.Name)
			}
			fmt.Printf("  plugins: %v\n", names)
		}
	}
	return nil
}

func runTargetsShow(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	target, err := resolveTargetRef(cmd.Context(), repos, args[0])
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(target, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func runTargetsAdd(cmd *cobra.Command, args []string) error {
	raw, err := readDefinition(args[0])
	if err != nil {
		return err
	}

	var target models.Target
	if err := json.Unmarshal(raw, &target); err != nil {
		return fmt.Errorf("invalid target file: %w", err)
	}
	if target.Name == "" {
		return fmt.Errorf("target needs a name")
	}
	if !target.ConnectorType.Valid() {
		return fmt.Errorf("invalid connector_type %q (want HTTP_REST, WEBSOCKET, GRPC or SSE)", target.ConnectorType)
	}
	if target.Endpoint == "" {
		return fmt.Errorf("target needs an endpoint")
	}

	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := repos.Targets.Create(cmd.Context(), &target); err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}

	fmt.Printf("✅ Target %s created (id %d)\n", styles.Success.Render(target.Name), target.ID)
	return nil
}

func runTargetsDelete(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	target, err := resolveTargetRef(cmd.Context(), repos, args[0])
	if err != nil {
		return err
	}
	if err := repos.Targets.Delete(cmd.Context(), target.ID); err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}

	fmt.Printf("🗑️  Target %s deleted\n", target.Name)
	return nil
}
