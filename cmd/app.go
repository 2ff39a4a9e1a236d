package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/configs"
	"github.com/Kimchiigu/PHiscord/internal/blob"
	"github.com/Kimchiigu/PHiscord/internal/conversations"
	"github.com/Kimchiigu/PHiscord/internal/identity"
	"github.com/Kimchiigu/PHiscord/internal/logging"
	"github.com/Kimchiigu/PHiscord/internal/media"
	"github.com/Kimchiigu/PHiscord/internal/members"
	"github.com/Kimchiigu/PHiscord/internal/notify"
	"github.com/Kimchiigu/PHiscord/internal/presence"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/session"
	"github.com/Kimchiigu/PHiscord/internal/shell"
	"github.com/Kimchiigu/PHiscord/internal/signaling"
	"github.com/Kimchiigu/PHiscord/internal/voice"
)

// app holds every component a command acts through, built from the config.
type app struct {
	log       *zap.Logger
	backend   *configs.Backend
	identity  *identity.Local
	presence  *presence.Tracker
	notify    *notify.Aggregator
	signaling *signaling.Signaler
	session   *session.Orchestrator
	members   *members.View
	convos    *conversations.Service
	voice     *voice.Service
	blob      blob.Store
}

func newApp(ctx context.Context) (*app, error) {
	logger, err := logging.New(viper.GetBool("debug"), viper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	b, err := configs.OpenBackend(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("error opening store: %w", err)
	}

	var m media.Session = media.NewMemory()
	if stun := viper.GetString("media.stun-origin"); stun != "" {
		m = media.NewPeerSession(stun, nil, logger)
	}

	a := &app{
		log:      logger,
		backend:  b,
		identity: identity.NewLocal(b.DB, logger),
		presence: presence.New(b.Store, logger),
		notify:   notify.New(b.Store, logger),
		blob:     blob.NewFS(viper.GetString("blob.root")),
	}
	a.signaling = signaling.New(b.Store, logger,
		signaling.WithRingTimeout(viper.GetDuration("call.ring-timeout")),
		signaling.WithMedia(m),
		signaling.WithPresence(a.presence))
	a.session = session.New(session.Deps{
		Identity:  a.identity,
		Presence:  a.presence,
		Notify:    a.notify,
		Signaling: a.signaling,
		Shell:     shell.NewLog(logger),
		Log:       logger,
	})
	a.members = members.New(b.Store, a.presence, logger)
	a.convos = conversations.New(b.Store, a.notify, logger)
	a.voice = voice.New(b.Store, m, a.presence, logger)
	return a, nil
}

// mustApp builds the app or exits.
func mustApp(ctx context.Context) *app {
	a, err := newApp(ctx)
	if err != nil {
		log.Fatal(err)
	}
	return a
}

func (a *app) close() {
	err := a.voice.Close(context.Background())
	a.members.Close()
	a.session.Shutdown()
	a.presence.Close()
	err = multierr.Append(err, a.backend.Close())
	if err != nil {
		a.log.Warn("error shutting down", zap.Error(err))
	}
	_ = a.log.Sync()
}

// withApp runs fn with a fresh app and a context cancelled on interrupt. The app
// is closed before an error from fn ends the process.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		a := mustApp(ctx)
		err := fn(ctx, a, args)
		a.close()
		stop()
		if err != nil {
			log.Fatal(err)
		}
	}
}

func credentials() identity.Credentials {
	return identity.Credentials{
		Username: viper.GetString("user.name"),
		Password: viper.GetString("user.password"),
	}
}

// requireCredentials is the PreRunE of every command that acts as the user.
func requireCredentials(_ *cobra.Command, _ []string) error {
	username, password := viper.GetString("user.name"), viper.GetString("user.password")
	if len(username) == 0 {
		return fmt.Errorf("username not found. ensure it is present in %s", ConfigFile)
	}
	if len(password) == 0 {
		return fmt.Errorf("password not found. ensure it is present in %s", ConfigFile)
	}
	return nil
}

// signIn authenticates without touching presence, for one-shot commands.
func (a *app) signIn(ctx context.Context) (schemas.Identity, error) {
	id, err := a.identity.SignIn(ctx, credentials())
	if err != nil {
		return schemas.Identity{}, fmt.Errorf("error signing in: %w", err)
	}
	return id, nil
}

// login starts a full session: the user is online until logout.
func (a *app) login(ctx context.Context) (session.Context, error) {
	return a.session.Login(ctx, credentials())
}

func (a *app) logout() {
	if err := a.session.Logout(context.Background()); err != nil {
		a.log.Warn("error logging out", zap.Error(err))
	}
}

// lookup resolves a username, with or without friend code.
func (a *app) lookup(ctx context.Context, name string) (schemas.Identity, error) {
	id, err := a.identity.LookupName(ctx, name)
	if err != nil {
		return schemas.Identity{}, fmt.Errorf("error finding user %s: %w", name, err)
	}
	return id, nil
}
