package cmd

import (
	"context"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Invoke actions on a voice channel",
}

var voiceJoinCmd = &cobra.Command{
	Use:     "join <server> <channel>",
	Short:   "Connect to a voice channel until interrupted",
	Args:    cobra.ExactArgs(2),
	PreRunE: requireCredentials,
	Run:     withApp(joinVoice),
}

var voiceLeaveCmd = &cobra.Command{
	Use:     "leave <server> <channel>",
	Short:   "Remove yourself from a voice channel you did not leave cleanly",
	Args:    cobra.ExactArgs(2),
	PreRunE: requireCredentials,
	Run:     withApp(leaveVoice),
}

func init() {
	rootCmd.AddCommand(voiceCmd)
	voiceCmd.AddCommand(voiceJoinCmd)
	voiceCmd.AddCommand(voiceLeaveCmd)
}

func joinVoice(ctx context.Context, a *app, args []string) error {
	serverID, channelID := args[0], args[1]
	me, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout()

	if err := a.voice.Join(ctx, me.UserID, serverID, channelID); err != nil {
		return err
	}
	var last []string
	dispose, err := a.voice.Subscribe(ctx, serverID, channelID, func(ps []string) {
		if slices.Equal(ps, last) {
			return
		}
		last = slices.Clone(ps)
		a.log.Info("voice channel participants", zap.String("channel", channelID), zap.Strings("participants", ps))
	})
	if err != nil {
		return err
	}
	// tie the participant feed to the session so logout disposes it
	if err := a.session.Open("voice", dispose); err != nil {
		return err
	}

	<-ctx.Done()
	return a.voice.Leave(context.Background(), me.UserID, serverID, channelID)
}

func leaveVoice(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	return a.voice.Remove(ctx, me.UserID, args[0], args[1])
}
