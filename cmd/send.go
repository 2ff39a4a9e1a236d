package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message to a friend or a channel",
}

var sendDMCmd = &cobra.Command{
	Use:     "dm <user> <message...>",
	Short:   "Send a direct message",
	Args:    cobra.MinimumNArgs(2),
	PreRunE: requireCredentials,
	Run:     withApp(sendDM),
}

var sendChannelCmd = &cobra.Command{
	Use:     "channel <server> <channel> <message...>",
	Short:   "Send a message to a server channel",
	Args:    cobra.MinimumNArgs(3),
	PreRunE: requireCredentials,
	Run:     withApp(sendChannelMessage),
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.AddCommand(sendDMCmd)
	sendCmd.AddCommand(sendChannelCmd)
}

func sendDM(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	to, err := a.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	dmID, err := a.convos.OpenDM(ctx, me.UserID, to.UserID)
	if err != nil {
		return err
	}
	id, err := a.convos.SendDM(ctx, me, dmID, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	a.log.Debug("message sent", zap.String("dm", dmID), zap.String("message", id))
	return nil
}

func sendChannelMessage(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	id, err := a.convos.SendChannelMessage(ctx, me, args[0], args[1], strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	a.log.Debug("message sent", zap.String("channel", args[1]), zap.String("message", id))
	return nil
}
