package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadCmd = &cobra.Command{
	Use:     "upload <file>",
	Short:   "Store a file, such as an avatar, and print its URL",
	Args:    cobra.ExactArgs(1),
	PreRunE: requireCredentials,
	Run:     withApp(uploadFile),
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().String("as", "", "blob path to store the file under (default <user id>/<file name>)")
	_ = viper.BindPFlag("upload.as", uploadCmd.Flags().Lookup("as"))
}

func uploadFile(ctx context.Context, a *app, args []string) error {
	me, err := a.signIn(ctx)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("error reading %s: %w", args[0], err)
	}
	path := viper.GetString("upload.as")
	if path == "" {
		path = me.UserID + "/" + filepath.Base(args[0])
	}
	url, err := a.blob.Upload(ctx, path, data)
	if err != nil {
		return err
	}
	fmt.Println(url)
	return nil
}
