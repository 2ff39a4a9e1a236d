package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/signaling"
)

var errNoIncomingCall = errors.New("no incoming call")

var answerCmd = &cobra.Command{
	Use:     "answer [user]",
	Short:   "Answer a call from a friend, or the oldest ringing call",
	Args:    cobra.MaximumNArgs(1),
	PreRunE: requireCredentials,
	Run:     withApp(answerCall),
}

var declineCmd = &cobra.Command{
	Use:     "decline [user]",
	Short:   "Decline a call from a friend, or the oldest ringing call",
	Args:    cobra.MaximumNArgs(1),
	PreRunE: requireCredentials,
	Run:     withApp(declineCall),
}

func init() {
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(declineCmd)
}

// ringing picks the call to act on: the one from args[0] if given, else the
// oldest one ringing for me.
func (a *app) ringing(ctx context.Context, me schemas.Identity, args []string) (signaling.Incoming, error) {
	pending, err := a.signaling.Pending(ctx, me.UserID)
	if err != nil {
		return signaling.Incoming{}, err
	}
	if len(args) == 0 {
		if len(pending) == 0 {
			return signaling.Incoming{}, errNoIncomingCall
		}
		return pending[0], nil
	}
	caller, err := a.lookup(ctx, args[0])
	if err != nil {
		return signaling.Incoming{}, err
	}
	for _, in := range pending {
		if in.Data.From == caller.UserID {
			return in, nil
		}
	}
	return signaling.Incoming{}, fmt.Errorf("%w from %s", errNoIncomingCall, caller.DisplayName)
}

func answerCall(ctx context.Context, a *app, args []string) error {
	me, err := a.login(ctx)
	if err != nil {
		return err
	}
	defer a.logout()

	in, err := a.ringing(ctx, me, args)
	if err != nil {
		return err
	}
	call, err := a.signaling.Answer(ctx, in, me.UserID)
	if err != nil {
		return err
	}
	a.log.Info("answered", zap.String("from", in.Data.DisplayName), zap.String("type", string(in.Data.Type)))
	return a.follow(ctx, call)
}

func declineCall(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	in, err := a.ringing(ctx, me, args)
	if err != nil {
		return err
	}
	if err := a.signaling.Decline(ctx, in.DMID, me.UserID, in.Data.CallID); err != nil {
		return err
	}
	a.log.Info("declined", zap.String("from", in.Data.DisplayName))
	return nil
}
