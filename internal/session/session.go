// Package session ties the coordinator to the signed-in user. Login marks the
// user online and opens the long-lived incoming call and notification
// subscriptions; Logout marks the user offline first and then disposes every
// subscription the session owns.
//
// A crash skips Logout, so the user stays marked online until the next Logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/identity"
	"github.com/Kimchiigu/PHiscord/internal/notify"
	"github.com/Kimchiigu/PHiscord/internal/presence"
	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/shell"
	"github.com/Kimchiigu/PHiscord/internal/signaling"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

var (
	ErrSignedIn  = errors.New("already signed in")
	ErrSignedOut = errors.New("not signed in")
)

// Context is the signed-in user, handed to every component that acts for them.
type Context = schemas.Identity

type Deps struct {
	Identity  identity.Provider
	Presence  *presence.Tracker
	Notify    *notify.Aggregator
	Signaling *signaling.Signaler
	Shell     shell.Host
	Log       *zap.Logger
}

type Orchestrator struct {
	idp       identity.Provider
	presence  *presence.Tracker
	notify    *notify.Aggregator
	signaling *signaling.Signaler
	shell     shell.Host
	log       *zap.Logger

	unsubscribeAuth func()

	mu         sync.Mutex
	current    *Context
	subs       []store.Disposer
	scopes     map[string]store.Disposer
	foreground bool
	seen       map[string]bool
	primed     bool
	onIncoming []func(signaling.Incoming)
	onNotes    []func([]schemas.Notification)
}

func New(d Deps) *Orchestrator {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		idp:       d.Identity,
		presence:  d.Presence,
		notify:    d.Notify,
		signaling: d.Signaling,
		shell:     d.Shell,
		log:       log.Named("session"),
		scopes:    make(map[string]store.Disposer),
	}
	o.unsubscribeAuth = d.Identity.OnAuthChange(o.onAuthChange)
	return o
}

// OnIncoming registers fn for every incoming call while signed in.
func (o *Orchestrator) OnIncoming(fn func(signaling.Incoming)) {
	o.mu.Lock()
	o.onIncoming = append(o.onIncoming, fn)
	o.mu.Unlock()
}

// OnNotifications registers fn for every update of the user's notification list.
func (o *Orchestrator) OnNotifications(fn func([]schemas.Notification)) {
	o.mu.Lock()
	o.onNotes = append(o.onNotes, fn)
	o.mu.Unlock()
}

// Current returns the signed-in user.
func (o *Orchestrator) Current() (Context, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Context{}, false
	}
	return *o.current, true
}

func (o *Orchestrator) Login(ctx context.Context, creds identity.Credentials) (Context, error) {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return Context{}, ErrSignedIn
	}
	o.mu.Unlock()

	id, err := o.idp.SignIn(ctx, creds)
	if err != nil {
		return Context{}, fmt.Errorf("error signing in: %w", err)
	}
	if err := o.presence.SetOnline(ctx, id.UserID, true); err != nil {
		return Context{}, multierr.Append(err, o.idp.SignOut(ctx))
	}

	cur := &id
	o.mu.Lock()
	o.current = cur
	o.seen = make(map[string]bool)
	o.primed = false
	o.mu.Unlock()

	incoming, err := o.signaling.WatchIncoming(context.Background(), id.UserID, o.raiseIncoming)
	if err != nil {
		return Context{}, o.abortLogin(ctx, cur, err)
	}
	notes, err := o.notify.Subscribe(context.Background(), id.UserID, o.raiseNotifications)
	if err != nil {
		incoming()
		return Context{}, o.abortLogin(ctx, cur, err)
	}

	o.mu.Lock()
	if o.current != cur {
		// signed out while the subscriptions were opening
		o.mu.Unlock()
		incoming()
		notes()
		return Context{}, ErrSignedOut
	}
	o.subs = []store.Disposer{incoming, notes}
	o.mu.Unlock()

	o.log.Info("signed in", zap.String("user", id.UserID), zap.String("name", id.DisplayName))
	return id, nil
}

func (o *Orchestrator) abortLogin(ctx context.Context, id *Context, err error) error {
	o.mu.Lock()
	if o.current == id {
		o.current = nil
	}
	o.mu.Unlock()
	return multierr.Combine(
		fmt.Errorf("error opening subscriptions: %w", err),
		o.presence.SetOnline(ctx, id.UserID, false),
		o.idp.SignOut(ctx),
	)
}

// Logout marks the user offline, disposes every subscription and scope, and
// signs out.
func (o *Orchestrator) Logout(ctx context.Context) error {
	id, ok, err := o.teardown(ctx)
	if !ok {
		return ErrSignedOut
	}
	err = multierr.Append(err, o.idp.SignOut(ctx))
	if err != nil {
		return fmt.Errorf("error signing out %s: %w", id.UserID, err)
	}
	o.log.Info("signed out", zap.String("user", id.UserID))
	return nil
}

// teardown clears the session. The offline write goes out before any
// subscription is disposed.
func (o *Orchestrator) teardown(ctx context.Context) (Context, bool, error) {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return Context{}, false, nil
	}
	id := *o.current
	o.current = nil
	subs := o.subs
	o.subs = nil
	scopes := o.scopes
	o.scopes = make(map[string]store.Disposer)
	o.mu.Unlock()

	err := o.presence.SetOnline(ctx, id.UserID, false)
	for _, d := range scopes {
		d()
	}
	for _, d := range subs {
		d()
	}
	return id, true, err
}

// onAuthChange handles a sign-out that did not come from Logout.
func (o *Orchestrator) onAuthChange(id *schemas.Identity) {
	if id != nil {
		return
	}
	cur, ok, err := o.teardown(context.Background())
	if !ok {
		return
	}
	if err != nil {
		o.log.Warn("error tearing down session", zap.String("user", cur.UserID), zap.Error(err))
	}
	o.log.Info("session ended by sign-out", zap.String("user", cur.UserID))
}

// Open ties a subscription to a named navigation scope, such as the open
// conversation. Opening the scope again disposes what it held.
func (o *Orchestrator) Open(scope string, d store.Disposer) error {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		d()
		return ErrSignedOut
	}
	prev := o.scopes[scope]
	o.scopes[scope] = d
	o.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// Close disposes a scope.
func (o *Orchestrator) Close(scope string) {
	o.mu.Lock()
	d := o.scopes[scope]
	delete(o.scopes, scope)
	o.mu.Unlock()
	if d != nil {
		d()
	}
}

// SetForeground records whether the window has focus. Shell notifications are
// only shown while it does not.
func (o *Orchestrator) SetForeground(fg bool) {
	o.mu.Lock()
	o.foreground = fg
	o.mu.Unlock()
}

// Shutdown stops following the identity provider. It does not log out.
func (o *Orchestrator) Shutdown() {
	o.unsubscribeAuth()
}

func (o *Orchestrator) raiseIncoming(in signaling.Incoming) {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return
	}
	show := !o.foreground
	fns := append([]func(signaling.Incoming)(nil), o.onIncoming...)
	o.mu.Unlock()

	if show {
		o.shell.Notify("Incoming "+string(in.Data.Type)+" call", in.Data.DisplayName+" is calling you")
	}
	for _, fn := range fns {
		fn(in)
	}
}

func (o *Orchestrator) raiseNotifications(list []schemas.Notification) {
	o.mu.Lock()
	if o.current == nil {
		o.mu.Unlock()
		return
	}
	var fresh []schemas.Notification
	ids := make(map[string]bool, len(list))
	for _, n := range list {
		ids[n.ID] = true
		// records present at login are not new
		if o.primed && !o.seen[n.ID] {
			fresh = append(fresh, n)
		}
	}
	o.seen = ids
	o.primed = true
	show := !o.foreground
	fns := append([]func([]schemas.Notification)(nil), o.onNotes...)
	o.mu.Unlock()

	if show {
		for _, n := range fresh {
			o.shell.Notify(title(n), n.Content)
		}
	}
	for _, fn := range fns {
		fn(list)
	}
}

func title(n schemas.Notification) string {
	if n.Type == schemas.NotifyChannel && n.ChannelName != "" {
		return n.Sender + " in #" + n.ChannelName
	}
	return n.Sender
}
