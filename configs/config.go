// Package configs contains the logic to obtain app configuration from a file or the environment
package configs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	_ "embed" // used to embed the default application config file.

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

//go:embed phiscord.toml
var defaultConfigFile []byte

// InitConfig initializes the app config with Viper from the environment, a
// specified file, or the embedded default file. A missing file is created from
// the default. It reports whether the file was created.
func InitConfig(file string) (created bool, err error) {
	if file == "" {
		return false, errors.New("no config file path")
	}
	viper.SetConfigName("phiscord")
	viper.SetConfigType("toml")

	// allow env vars to override config file
	viper.SetEnvPrefix("phiscord")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	viper.SetConfigFile(file)

	// if config file does not exist, create it with the embedded default config
	if _, err := os.Stat(file); err != nil {
		if err := viper.ReadConfig(bytes.NewBuffer(defaultConfigFile)); err != nil {
			return false, fmt.Errorf("error reading default embedded config file: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o750); err != nil {
			return false, fmt.Errorf("error creating config directory: %w", err)
		}
		if err := os.WriteFile(file, defaultConfigFile, 0o600); err != nil {
			return false, fmt.Errorf("error writing default config: %w", err)
		}
		return true, nil
	}

	if err := viper.ReadInConfig(); err != nil {
		return false, fmt.Errorf("error reading config file: %w", err)
	}
	return false, nil
}

// GetConfigDir obtains the configuration directory in a cross-platform manner,
// always respecting the XDG_CONFIG_HOME env var, using standard defaults on all OS's,
// but overriding to ~/.config on macOS
func GetConfigDir() string {
	var xdgConfigHome string
	if runtime.GOOS == "darwin" && os.Getenv("XDG_CONFIG_HOME") == "" {
		home, _ := os.UserHomeDir()
		xdgConfigHome = filepath.Join(home, ".config") // override for mac
	} else {
		xdgConfigHome = xdg.ConfigHome
	}
	return filepath.Join(xdgConfigHome, "phiscord")
}

// DefaultConfigFile is the config file used when --config is not given.
func DefaultConfigFile() string {
	return filepath.Join(GetConfigDir(), "phiscord.toml")
}

// PersistCredentialsToConfig writes the full username (with friend code) and
// the plaintext password into the [user] table of the config file, keeping
// every other key.
func PersistCredentialsToConfig(filename, username, password string) error {
	config := make(map[string]any)

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	user, _ := config["user"].(map[string]any)
	if user == nil {
		user = make(map[string]any)
	}
	user["name"] = username
	user["password"] = password
	config["user"] = user

	data, err = toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}
	return os.WriteFile(filename, data, 0o600)
}
