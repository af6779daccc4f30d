package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"botswarm/internal/flow"
	"botswarm/pkg/schema"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a flow or scenario document",
	Long: `Check a JSON flow document against the schema and the semantic rules
(step types, jump targets, nesting depth). The file may be a bare flow
document or a scenario file with a top-level "flow" key.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	raw, err := readDefinition(args[0])
	if err != nil {
		return err
	}

	doc := extractFlow(raw)

	banner := styles.Banner.Render("🔍 Validating " + args[0])
	fmt.Println(banner)

	if err := schema.ValidateFlowDocument(doc); err != nil {
		fmt.Println(styles.Error.Render("✗ schema: " + err.Error()))
		return fmt.Errorf("flow document is invalid")
	}

	maxDepth, _ := cmd.Flags().GetInt("max-depth")
	def, result, err := flow.ValidateDefinition(doc, maxDepth)
	for _, warning := range result.Warnings {
		fmt.Printf("%s %s at %s: %s\n", styles.Warning.Render("⚠"), warning.Code, warning.Path, warning.Message)
		if warning.Hint != "" {
			fmt.Println(styles.Muted.Render("  hint: " + warning.Hint))
		}
	}
	if err != nil {
		for _, issue := range result.Errors {
			fmt.Printf("%s %s at %s: %s\n", styles.Error.Render("✗"), issue.Code, issue.Path, issue.Message)
			if issue.Hint != "" {
				fmt.Println(styles.Muted.Render("  hint: " + issue.Hint))
			}
		}
		return fmt.Errorf("flow document is invalid")
	}

	fmt.Println(styles.Success.Render(fmt.Sprintf("✓ valid: %d top-level steps", len(def.Steps))))
	return nil
}

// extractFlow unwraps a scenario file to its flow document; a bare flow
// document passes through unchanged.
func extractFlow(raw []byte) json.RawMessage {
	var wrapper struct {
		Flow json.RawMessage `json:"flow"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Flow) > 0 {
		return wrapper.Flow
	}
	return raw
}
