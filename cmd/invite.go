package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

// inviteCmd represents the create-invite command.
var inviteCmd = &cobra.Command{
	Use:   "create-invite",
	Short: "Generate an invite code that admits one registration",
	Args:  cobra.NoArgs,
	Run:   withApp(generateInvite),
}

func init() {
	rootCmd.AddCommand(inviteCmd)
}

func generateInvite(ctx context.Context, a *app, _ []string) error {
	code, err := a.identity.CreateInvite(ctx)
	if err != nil {
		return err
	}
	log.Printf("Generated Invite Code: %s", code)
	return nil
}
