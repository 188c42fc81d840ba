package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Manage conversation memory",
}

var conversationNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Abandon the last-used conversation and mint a new one",
	Long: `Mint a fresh conversation id and make it the default for subsequent jobs
that arrive without an explicit conversation id.

Only meaningful against Redis-backed memory: the in-process store is private
to a single server process.`,
	RunE: runConversationNew,
}

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationNewCmd)
}

func runConversationNew(cmd *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := buildStack(cfg, nil)
	if err != nil {
		return err
	}
	defer s.close()

	id, err := s.store.ForceNewConversation(cmd.Context())
	if err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}
	fmt.Println(id)
	return nil
}
