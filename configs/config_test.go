package configs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/store"
)

func TestInitConfigCreatesDefault(t *testing.T) {
	t.Cleanup(viper.Reset)
	file := filepath.Join(t.TempDir(), "nested", "phiscord.toml")

	created, err := InitConfig(file)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, file)
	assert.Equal(t, "sqlite", viper.GetString("store.backend"))
	assert.Equal(t, 45*time.Second, viper.GetDuration("call.ring-timeout"))

	viper.Reset()
	created, err = InitConfig(file)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "local", viper.GetString("feed.backend"))
}

func TestEnvOverridesFile(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("PHISCORD_CALL_RING_TIMEOUT", "10s")
	t.Setenv("PHISCORD_STORE_BACKEND", "memory")

	_, err := InitConfig(filepath.Join(t.TempDir(), "phiscord.toml"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, viper.GetDuration("call.ring-timeout"))
	assert.Equal(t, "memory", viper.GetString("store.backend"))
}

func TestPersistCredentialsKeepsOtherKeys(t *testing.T) {
	t.Cleanup(viper.Reset)
	file := filepath.Join(t.TempDir(), "phiscord.toml")
	_, err := InitConfig(file)
	require.NoError(t, err)

	require.NoError(t, PersistCredentialsToConfig(file, "ann#AB12", "hunter2!"))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var got struct {
		User struct {
			Name     string `toml:"name"`
			Password string `toml:"password"`
		} `toml:"user"`
		Call struct {
			RingTimeout string `toml:"ring-timeout"`
		} `toml:"call"`
	}
	require.NoError(t, toml.Unmarshal(data, &got))
	assert.Equal(t, "ann#AB12", got.User.Name)
	assert.Equal(t, "hunter2!", got.User.Password)
	assert.Equal(t, "45s", got.Call.RingTimeout)

	assert.Error(t, PersistCredentialsToConfig(filepath.Join(t.TempDir(), "missing.toml"), "a", "b"))
}

func TestOpenBackend(t *testing.T) {
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	_, err := InitConfig(filepath.Join(dir, "phiscord.toml"))
	require.NoError(t, err)
	viper.Set("store.sqlite-path", filepath.Join(dir, "phiscord.sqlite"))
	ctx := context.Background()

	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			viper.Set("store.backend", backend)
			b, err := OpenBackend(ctx, zap.NewNop())
			require.NoError(t, err)
			require.NotNil(t, b.DB)

			path := store.Path("Users").Doc("ann")
			require.NoError(t, b.Store.Set(ctx, path, store.Fields{"isOnline": true}))
			snap, err := b.Store.Get(ctx, path)
			require.NoError(t, err)
			assert.True(t, snap.Exists)
			assert.Equal(t, true, snap.Fields["isOnline"])

			require.NoError(t, b.Close())
		})
	}

	viper.Set("store.backend", "cassandra")
	_, err = OpenBackend(ctx, zap.NewNop())
	assert.ErrorContains(t, err, "unknown store backend")
}
