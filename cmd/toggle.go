package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

var muteCmd = &cobra.Command{
	Use:     "mute",
	Short:   "Toggle your microphone for calls and voice channels",
	Args:    cobra.NoArgs,
	PreRunE: requireCredentials,
	Run:     withApp(toggleMute),
}

var deafenCmd = &cobra.Command{
	Use:     "deafen",
	Short:   "Toggle hearing other participants",
	Args:    cobra.NoArgs,
	PreRunE: requireCredentials,
	Run:     withApp(toggleDeafen),
}

func init() {
	rootCmd.AddCommand(muteCmd)
	rootCmd.AddCommand(deafenCmd)
}

// Open calls and voice channels follow the persisted flags, including those
// of another phiscord process.
func toggleMute(ctx context.Context, a *app, _ []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	muted, err := a.presence.ToggleMuted(ctx, me.UserID)
	if err != nil {
		return err
	}
	log.Printf("muted: %t", muted)
	return nil
}

func toggleDeafen(ctx context.Context, a *app, _ []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	deafened, err := a.presence.ToggleDeafened(ctx, me.UserID)
	if err != nil {
		return err
	}
	log.Printf("deafened: %t", deafened)
	return nil
}
