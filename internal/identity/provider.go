// Package identity signs users in against the local sqlite database. Accounts
// are created with an invite code; passwords are stored as bcrypt hashes.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
)

// ErrBadCredentials is returned by SignIn for an unknown user or a wrong
// password. The two are not told apart.
var ErrBadCredentials = errors.New("invalid username or password")

type Credentials struct {
	Username string
	Password string
}

// Provider authenticates the local user. OnAuthChange listeners receive the new
// identity after a sign-in and nil after a sign-out.
type Provider interface {
	SignIn(ctx context.Context, creds Credentials) (schemas.Identity, error)
	SignOut(ctx context.Context) error
	OnAuthChange(fn func(*schemas.Identity)) (unsubscribe func())
	CurrentUser() (schemas.Identity, bool)
}

// Local is the Provider backed by the users and invite_codes tables.
type Local struct {
	db  *sql.DB
	log *zap.Logger

	mu        sync.Mutex
	current   *schemas.Identity
	nextID    int
	listeners map[int]func(*schemas.Identity)
}

func NewLocal(db *sql.DB, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{db: db, log: log.Named("identity"), listeners: make(map[int]func(*schemas.Identity))}
}

// CreateInvite stores a fresh invite code and returns it.
func (l *Local) CreateInvite(ctx context.Context) (string, error) {
	code := NewInviteCode()
	if err := addInviteCode(ctx, l.db, code); err != nil {
		return "", fmt.Errorf("error creating invite code: %w", err)
	}
	return code, nil
}

// Register creates an account with a valid unused invite code. The returned
// user's Name carries the friend code, like name#AB12.
func (l *Local) Register(ctx context.Context, inviteCode string, creds Credentials) (*schemas.User, error) {
	username := strings.TrimSpace(creds.Username)
	if err := validateInviteCode(ctx, l.db, inviteCode); err != nil {
		l.log.Info("invite code rejected", zap.Error(err))
		return nil, ErrInviteInvalid
	}
	if err := validateUsername(username); err != nil {
		return nil, fmt.Errorf("invalid username %s (%w)", username, err)
	}
	if err := validatePassword(creds.Password); err != nil {
		return nil, fmt.Errorf("invalid password (%w)", err)
	}
	hashed, err := hashPassword(creds.Password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}
	user, err := createUser(ctx, l.db, username, hashed, inviteCode)
	if err != nil {
		return nil, fmt.Errorf("error registering %s: %w", username, err)
	}
	l.log.Info("user registered", zap.String("user", user.Id), zap.String("name", user.Name))
	return user, nil
}

// Lookup returns the identity of a registered user id.
func (l *Local) Lookup(ctx context.Context, userID string) (schemas.Identity, error) {
	user, err := userByID(ctx, l.db, userID)
	if err != nil {
		return schemas.Identity{}, err
	}
	return schemas.Identity{UserID: user.Id, DisplayName: user.Name}, nil
}

// LookupName returns the identity registered under username, with or without
// the friend code suffix.
func (l *Local) LookupName(ctx context.Context, username string) (schemas.Identity, error) {
	name, _, _ := strings.Cut(strings.TrimSpace(username), "#")
	user, err := userByUsername(ctx, l.db, name)
	if err != nil {
		return schemas.Identity{}, err
	}
	return schemas.Identity{UserID: user.Id, DisplayName: user.Name}, nil
}

func (l *Local) SignIn(ctx context.Context, creds Credentials) (schemas.Identity, error) {
	name, _, _ := strings.Cut(strings.TrimSpace(creds.Username), "#")
	user, err := userByUsername(ctx, l.db, name)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return schemas.Identity{}, ErrBadCredentials
		}
		return schemas.Identity{}, err
	}
	if comparePassword(user.Password, creds.Password) != nil {
		l.log.Info("sign in rejected", zap.String("name", name))
		return schemas.Identity{}, ErrBadCredentials
	}
	id := schemas.Identity{UserID: user.Id, DisplayName: user.Name}

	l.mu.Lock()
	l.current = &id
	fns := l.snapshotListeners()
	l.mu.Unlock()
	for _, fn := range fns {
		fn(&id)
	}
	return id, nil
}

// SignOut clears the current user. Signing out while signed out is a no-op.
func (l *Local) SignOut(_ context.Context) error {
	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return nil
	}
	l.current = nil
	fns := l.snapshotListeners()
	l.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
	return nil
}

func (l *Local) OnAuthChange(fn func(*schemas.Identity)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.listeners[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Local) CurrentUser() (schemas.Identity, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return schemas.Identity{}, false
	}
	return *l.current, true
}

func (l *Local) snapshotListeners() []func(*schemas.Identity) {
	fns := make([]func(*schemas.Identity), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	return fns
}
