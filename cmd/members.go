package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kimchiigu/PHiscord/internal/members"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
)

var membersCmd = &cobra.Command{
	Use:   "members <server>",
	Short: "Show the members of a server grouped by role and presence",
	Args:  cobra.ExactArgs(1),
	Run:   withApp(showMembers),
}

var joinServerCmd = &cobra.Command{
	Use:     "join <server>",
	Short:   "Join a server",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireCredentials,
	Run:     withApp(joinServer),
}

var nicknameCmd = &cobra.Command{
	Use:     "nick <server> [nickname]",
	Short:   "Set or clear your nickname on a server",
	Args:    cobra.RangeArgs(1, 2),
	PreRunE: requireCredentials,
	Run:     withApp(setNickname),
}

// roleCmd builds promote, demote and kick, which share their arguments.
func roleCmd(use, short string, fn func(v *members.View, ctx context.Context, serverID, memberID string) error) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <server> <user>",
		Short:   short,
		Args:    cobra.ExactArgs(2),
		PreRunE: requireCredentials,
		Run: withApp(func(ctx context.Context, a *app, args []string) error {
			if _, err := a.signIn(ctx); err != nil {
				return err
			}
			target, err := a.lookup(ctx, args[1])
			if err != nil {
				return err
			}
			return fn(a.members, ctx, args[0], target.UserID)
		}),
	}
}

func init() {
	rootCmd.AddCommand(membersCmd)
	membersCmd.AddCommand(joinServerCmd)
	membersCmd.AddCommand(nicknameCmd)
	membersCmd.AddCommand(roleCmd("promote", "Make a member an admin", (*members.View).Promote))
	membersCmd.AddCommand(roleCmd("demote", "Make an admin a plain member", (*members.View).Demote))
	membersCmd.AddCommand(roleCmd("kick", "Remove a member from a server", (*members.View).Kick))

	membersCmd.Flags().Bool("watch", false, "keep printing the roster as it changes")
	_ = viper.BindPFlag("members.watch", membersCmd.Flags().Lookup("watch"))
	joinServerCmd.Flags().String("role", string(schemas.RoleMember), "role to join with (owner, admin, member)")
	_ = viper.BindPFlag("members.role", joinServerCmd.Flags().Lookup("role"))
}

func showMembers(ctx context.Context, a *app, args []string) error {
	rosters := make(chan members.Roster, 1)
	dispose, err := a.members.Subscribe(ctx, args[0], func(r members.Roster) {
		// keep only the latest roster
		select {
		case <-rosters:
		default:
		}
		rosters <- r
	})
	if err != nil {
		return err
	}
	defer dispose()

	watch := viper.GetBool("members.watch")
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-rosters:
			printRoster(os.Stdout, r)
			if !watch {
				return nil
			}
			fmt.Println()
		}
	}
}

func printRoster(w io.Writer, r members.Roster) {
	section := func(title string, ms []members.Member) {
		if len(ms) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d)\n", title, len(ms))
		for _, m := range ms {
			fmt.Fprintf(w, "  %s - %s\n", m.Label(), m.Presence.Status())
		}
	}
	if r.Owner != nil {
		section("Owner", []members.Member{*r.Owner})
	}
	section("Admins", r.Admins)
	section("Members", r.Members)
	section("Offline", r.Offline)
}

func joinServer(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	return a.members.Join(ctx, args[0], me.UserID, schemas.Role(viper.GetString("members.role")))
}

func setNickname(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	var nick string
	if len(args) == 2 {
		nick = args[1]
	}
	return a.members.SetNickname(ctx, me.UserID, args[0], nick)
}
