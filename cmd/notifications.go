package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Short:   "List your notifications, newest first",
	Args:    cobra.NoArgs,
	PreRunE: requireCredentials,
	Run:     withApp(listNotifications),
}

func init() {
	rootCmd.AddCommand(notificationsCmd)

	notificationsCmd.Flags().Bool("clear", false, "delete every notification")
	notificationsCmd.Flags().String("dismiss", "", "delete one notification by id")
	_ = viper.BindPFlag("notifications.clear", notificationsCmd.Flags().Lookup("clear"))
	_ = viper.BindPFlag("notifications.dismiss", notificationsCmd.Flags().Lookup("dismiss"))
}

func listNotifications(ctx context.Context, a *app, _ []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}

	if id := viper.GetString("notifications.dismiss"); id != "" {
		return a.notify.Dismiss(ctx, id)
	}
	if viper.GetBool("notifications.clear") {
		n, err := a.notify.ClearAll(ctx, me.UserID)
		if err != nil {
			return err
		}
		log.Printf("cleared %d notifications", n)
		return nil
	}

	list, err := a.notify.List(ctx, me.UserID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, n := range list {
		from := n.Sender
		if n.ChannelName != "" {
			from += " in #" + n.ChannelName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Timestamp.Local().Format(time.DateTime), from, n.Content)
	}
	return w.Flush()
}
