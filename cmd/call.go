package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/signaling"
)

var callCmd = &cobra.Command{
	Use:   "call <user>",
	Short: "Call a friend",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := requireCredentials(cmd, args); err != nil {
			return err
		}
		if len(args[0]) > 21 {
			return fmt.Errorf("recipient string too long")
		}
		return nil
	},
	Run: withApp(callFriend),
}

func init() {
	rootCmd.AddCommand(callCmd)

	flagName := "video"
	callCmd.Flags().Bool(flagName, false, "start a video call")
	_ = viper.BindPFlag(flagName, callCmd.Flags().Lookup(flagName))
}

func callFriend(ctx context.Context, a *app, args []string) error {
	me, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout()

	callee, err := a.lookup(ctx, args[0])
	if err != nil {
		return err
	}
	dmID, err := a.convos.OpenDM(ctx, me.UserID, callee.UserID)
	if err != nil {
		return err
	}

	typ := schemas.CallVoice
	if viper.GetBool("video") {
		typ = schemas.CallVideo
	}
	call, err := a.signaling.Dial(ctx, dmID, me, callee.UserID, typ)
	if errors.Is(err, signaling.ErrBusy) {
		return fmt.Errorf("%s is already in a call with you", callee.DisplayName)
	}
	if err != nil {
		return err
	}
	a.log.Info("ringing", zap.String("to", callee.DisplayName), zap.String("type", string(typ)))
	return a.follow(ctx, call)
}

// follow reports the call's progress until it ends. An interrupt hangs up.
func (a *app) follow(ctx context.Context, call *signaling.Call) error {
	call.OnChange(func(status schemas.CallStatus) {
		a.log.Info("call "+string(status), zap.String("call", call.ID()))
	})
	select {
	case <-call.Done():
	case <-ctx.Done():
		if err := call.HangUp(context.Background()); err != nil {
			return err
		}
	}
	a.log.Info("call ended", zap.String("reason", string(call.EndReason())))
	return call.Err()
}
