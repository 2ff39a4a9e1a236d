package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/signaling"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Stay online, ringing for incoming calls and showing notifications",
	Args:    cobra.NoArgs,
	PreRunE: requireCredentials,
	Run:     withApp(runClient),
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runClient(ctx context.Context, a *app, _ []string) error {
	a.session.OnIncoming(func(in signaling.Incoming) {
		a.log.Info("incoming call",
			zap.String("from", in.Data.DisplayName),
			zap.String("type", string(in.Data.Type)),
			zap.String("call", in.Data.CallID))
	})
	a.session.OnNotifications(func(list []schemas.Notification) {
		a.log.Debug("notifications updated", zap.Int("count", len(list)))
	})

	me, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout()
	a.log.Info("online, waiting for calls", zap.String("name", me.DisplayName))

	<-ctx.Done()
	return nil
}
