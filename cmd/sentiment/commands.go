package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/auth"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/billing"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/config"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/logging"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Hash an admin API token for SENTIMENT_ADMIN_TOKEN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashToken(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var (
	overrideActor string
	overrideNote  string
)

// overrideCmd forces a user's entitlement from the command line, for
// operators working on the host directly. It goes through the same audited
// path as the admin API.
var overrideCmd = &cobra.Command{
	Use:   "override <user-id> <status>",
	Short: "Force a user's entitlement status",
	Long:  `Force a user's entitlement to a lifecycle status (none, trialing, active, trial_ending, past_due, past_due_final, cancelled). The change is applied through the normal event path and recorded in the audit log.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "console", Level: "warn", Component: "sentiment"})

		target, ok := entitlement.ParseStatus(args[1])
		if !ok {
			return fmt.Errorf("unknown status %q", args[1])
		}

		cfg, err := config.Load(dataDir)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		st, err := store.Open(cfg.DataPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		processor := billing.NewProcessor(st, nil)
		outcome, err := processor.Override(ctx, args[0], target, overrideActor, overrideNote, "")
		if err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%s)\n", args[0], target, outcome)
		return nil
	},
}

func init() {
	overrideCmd.Flags().StringVar(&overrideActor, "actor", "cli", "operator identity recorded in the audit log")
	overrideCmd.Flags().StringVar(&overrideNote, "note", "", "reason recorded in the audit log")
}
