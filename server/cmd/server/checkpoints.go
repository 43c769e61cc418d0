package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/checkpoint"
)

var (
	clearUser    string
	clearSession string
	clearAll     bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect stored generation checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints awaiting recovery",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		store, err := openCheckpoints(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, key := range keys {
			cp, err := store.Read(cmd.Context(), key)
			if err != nil {
				log.Warn("unreadable checkpoint", zap.String("key", key.String()), zap.Error(err))
				continue
			}
			if cp == nil {
				continue
			}
			if err := enc.Encode(cp); err != nil {
				return err
			}
		}
		return nil
	},
}

var checkpointsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete one checkpoint (--user and --session) or all of them (--all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearAll && (clearUser == "" || clearSession == "") {
			return fmt.Errorf("either --all or both --user and --session are required")
		}

		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		store, err := openCheckpoints(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		keys := []checkpoint.Key{{UserID: clearUser, ConversationID: clearSession}}
		if clearAll {
			if keys, err = store.List(cmd.Context()); err != nil {
				return err
			}
		}
		for _, key := range keys {
			if err := store.Clear(cmd.Context(), key); err != nil {
				return fmt.Errorf("clear %s: %w", key, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d checkpoint(s)\n", len(keys))
		return nil
	},
}

func init() {
	checkpointsClearCmd.Flags().StringVar(&clearUser, "user", "", "User ID")
	checkpointsClearCmd.Flags().StringVar(&clearSession, "session", "", "Conversation ID")
	checkpointsClearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every checkpoint")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsClearCmd)
}
