package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kimchiigu/PHiscord/configs"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the user in the config file with an invite code",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("code") == "" {
			return fmt.Errorf("must specify an invite code to register")
		}
		if err := requireCredentials(cmd, args); err != nil {
			return err
		}
		if strings.Contains(viper.GetString("user.name"), "#") {
			return fmt.Errorf(
				"existing friend code detected in config file, have you already registered a user with this client? "+
					"to register a new user, please set a plain username in your config file (%s)", ConfigFile,
			)
		}
		return nil
	},
	Run: withApp(registerUser),
}

func init() {
	rootCmd.AddCommand(registerCmd)

	flagName := "code"
	registerCmd.PersistentFlags().String(flagName, "", "invite code from create-invite")
	_ = viper.BindPFlag(flagName, registerCmd.PersistentFlags().Lookup(flagName))
}

func registerUser(ctx context.Context, a *app, _ []string) error {
	creds := credentials()
	user, err := a.identity.Register(ctx, viper.GetString("code"), creds)
	if err != nil {
		return fmt.Errorf("error during registration: %w", err)
	}

	if err := configs.PersistCredentialsToConfig(ConfigFile, user.Name, creds.Password); err != nil {
		return fmt.Errorf(
			"error writing username to config file. please write name=%q to the [user] table of %s: %w",
			user.Name, ConfigFile, err,
		)
	}
	if err := a.presence.SetDisplayName(ctx, user.Id, user.Name); err != nil {
		return err
	}
	log.Printf("Now registered as %s", user.Name)
	return nil
}
