package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show your presence, ringing calls and unread notifications",
	Args:    cobra.NoArgs,
	PreRunE: requireCredentials,
	Run:     withApp(getStatus),
}

func init() {
	rootCmd.AddCommand(statusCmd)

	flagName := "set"
	statusCmd.Flags().String(flagName, "", "set a custom status line")
	_ = viper.BindPFlag("status.custom", statusCmd.Flags().Lookup(flagName))
}

func getStatus(ctx context.Context, a *app, _ []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	if custom := viper.GetString("status.custom"); custom != "" {
		if err := a.presence.SetCustomStatus(ctx, me.UserID, custom); err != nil {
			return err
		}
	}

	p, err := a.presence.Get(ctx, me.UserID)
	if err != nil {
		return err
	}
	pending, err := a.signaling.Pending(ctx, me.UserID)
	if err != nil {
		return err
	}
	notes, err := a.notify.List(ctx, me.UserID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "user\t%s\n", me.DisplayName)
	fmt.Fprintf(w, "status\t%s\n", p.Status())
	fmt.Fprintf(w, "muted\t%t\n", p.IsMuted)
	fmt.Fprintf(w, "deafened\t%t\n", p.IsDeafened)
	fmt.Fprintf(w, "notifications\t%d\n", len(notes))
	for _, in := range pending {
		fmt.Fprintf(w, "ringing\t%s call from %s\n", in.Data.Type, in.Data.DisplayName)
	}
	return w.Flush()
}
