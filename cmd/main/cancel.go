package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"botswarm/internal/events"
	"botswarm/internal/services"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session or batch",
	Long: `Cancel a pending or queued session before a worker picks it up. With
--batch the argument is a batch id and every non-terminal session in
the batch is cancelled. A session already running inside a server
process cannot be cancelled from here.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	database, repos, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	asBatch, _ := cmd.Flags().GetBool("batch")

	sessions := services.NewSessionService(repos, nil, &events.NoOpPublisher{})

	if asBatch {
		batches := services.NewBatchService(repos, sessions)
		count, err := batches.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("🚫 Cancelled %d session(s) in batch %s\n", count, args[0])
		return nil
	}

	if err := sessions.Cancel(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("🚫 Session %s cancelled\n", args[0])
	return nil
}
