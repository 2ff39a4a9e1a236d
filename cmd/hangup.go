package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/conversations"
)

var hangupCmd = &cobra.Command{
	Use:     "hangup <user>",
	Short:   "End the call with a friend",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireCredentials,
	Run:     withApp(hangUp),
}

func init() {
	rootCmd.AddCommand(hangupCmd)
}

func hangUp(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	other, err := a.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	dmID := conversations.DMID(me.UserID, other.UserID)
	call, err := a.signaling.Get(ctx, dmID)
	if err != nil {
		return err
	}
	if !call.Status().Active() {
		return fmt.Errorf("no active call with %s", other.DisplayName)
	}
	if err := a.signaling.HangUp(ctx, dmID, me.UserID, call.CallID()); err != nil {
		return err
	}
	a.log.Info("hung up", zap.String("with", other.DisplayName))
	return nil
}
