// Package cmd contains the CLI setup and commands exposed to the user
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Kimchiigu/PHiscord/configs"
)

var ConfigFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "phiscord",
	Short: "Presence, notifications and calls for PHiscord",
	Long: `phiscord keeps you online, rings you for incoming calls and shows
notifications as they arrive. Calls and voice channels use WebRTC when a STUN
server is configured.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// deferring this allows user to override config path with cli option
	cobra.OnInitialize(func() {
		created, err := configs.InitConfig(ConfigFile)
		if err != nil {
			log.Fatalf("error loading config: %v", err)
		}
		if created {
			log.Printf("created config file: %s", ConfigFile)
		}
	})

	rootCmd.PersistentFlags().StringVar(&ConfigFile, "config", configs.DefaultConfigFile(), "config file")

	rootCmd.PersistentFlags().String("stun-server", "", "STUN Server Origin")
	rootCmd.PersistentFlags().String("store", "", "document store backend (memory, sqlite, redis, mongo)")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debugging information")

	// expose to application via viper
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("media.stun-origin", rootCmd.PersistentFlags().Lookup("stun-server"))
	_ = viper.BindPFlag("store.backend", rootCmd.PersistentFlags().Lookup("store"))
}
