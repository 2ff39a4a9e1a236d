// Package members keeps the grouped member list of a server: the owner, admins
// and members who are online, and everyone offline. The list is recomputed
// whenever a membership, presence or nickname record changes.
package members

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Kimchiigu/PHiscord/internal/schemas"
	"github.com/Kimchiigu/PHiscord/internal/store"
)

// ErrOwner is returned when promoting, demoting or kicking the server owner.
var ErrOwner = errors.New("the owner's membership cannot be changed")

// Member is one row of a roster.
type Member struct {
	UserID   string
	Role     schemas.Role
	Nickname string
	Presence schemas.Presence
}

// Label is the name shown for the member: the server nickname, else the display
// name, else the user id.
func (m Member) Label() string {
	switch {
	case m.Nickname != "":
		return m.Nickname
	case m.Presence.DisplayName != "":
		return m.Presence.DisplayName
	}
	return m.UserID
}

// Roster is the grouped member list. Offline holds offline members of every
// role, the owner included.
type Roster struct {
	Owner   *Member
	Admins  []Member
	Members []Member
	Offline []Member
}

// Len counts every member in the roster.
func (r Roster) Len() int {
	n := len(r.Admins) + len(r.Members) + len(r.Offline)
	if r.Owner != nil {
		n++
	}
	return n
}

// Group sorts members into a roster. Every bucket is ordered by label, case
// insensitively, with the user id breaking ties.
func Group(ms []Member) Roster {
	var r Roster
	for _, m := range ms {
		switch {
		case !m.Presence.IsOnline:
			r.Offline = append(r.Offline, m)
		case m.Role == schemas.RoleOwner:
			owner := m
			r.Owner = &owner
		case m.Role == schemas.RoleAdmin:
			r.Admins = append(r.Admins, m)
		default:
			r.Members = append(r.Members, m)
		}
	}
	for _, bucket := range [][]Member{r.Admins, r.Members, r.Offline} {
		slices.SortFunc(bucket, compare)
	}
	return r
}

func compare(a, b Member) int {
	if c := cmp.Compare(strings.ToLower(a.Label()), strings.ToLower(b.Label())); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}

// PresenceSource is what the view needs from the presence tracker.
type PresenceSource interface {
	Subscribe(ctx context.Context, userID string, fn func(schemas.Presence)) (store.Disposer, error)
}

type View struct {
	store    store.Store
	presence PresenceSource
	nicks    *store.Mux
	log      *zap.Logger
}

// New returns a view. Presence subscriptions go through p, so a user who sits
// in several servers is followed once.
func New(s store.Store, p PresenceSource, log *zap.Logger) *View {
	if log == nil {
		log = zap.NewNop()
	}
	return &View{store: s, presence: p, nicks: store.NewMux(s), log: log.Named("members")}
}

// Close ends the shared nickname subscriptions.
func (v *View) Close() {
	v.nicks.Close()
}

// Join adds userID to serverID with the given role.
func (v *View) Join(ctx context.Context, serverID, userID string, role schemas.Role) error {
	if !role.Valid() {
		return fmt.Errorf("error joining %s: invalid role %q", serverID, role)
	}
	fields, err := schemas.ToFields(schemas.Member{UserID: userID, Role: role})
	if err != nil {
		return err
	}
	if err := v.store.Set(ctx, schemas.MemberPath(serverID, userID), fields); err != nil {
		return fmt.Errorf("error joining %s: %w", serverID, err)
	}
	v.log.Info("member joined", zap.String("server", serverID), zap.String("user", userID), zap.String("role", string(role)))
	return nil
}

func (v *View) Promote(ctx context.Context, serverID, memberID string) error {
	return v.setRole(ctx, serverID, memberID, schemas.RoleAdmin)
}

func (v *View) Demote(ctx context.Context, serverID, memberID string) error {
	return v.setRole(ctx, serverID, memberID, schemas.RoleMember)
}

// Kick removes memberID from the server.
func (v *View) Kick(ctx context.Context, serverID, memberID string) error {
	if _, err := v.member(ctx, serverID, memberID); err != nil {
		return fmt.Errorf("error kicking %s: %w", memberID, err)
	}
	if err := v.store.Delete(ctx, schemas.MemberPath(serverID, memberID)); err != nil {
		return fmt.Errorf("error kicking %s: %w", memberID, err)
	}
	v.log.Info("member kicked", zap.String("server", serverID), zap.String("user", memberID))
	return nil
}

func (v *View) setRole(ctx context.Context, serverID, memberID string, role schemas.Role) error {
	if _, err := v.member(ctx, serverID, memberID); err != nil {
		return fmt.Errorf("error setting role of %s: %w", memberID, err)
	}
	err := v.store.Set(ctx, schemas.MemberPath(serverID, memberID), store.Fields{"role": role}, store.Merge())
	if err != nil {
		return fmt.Errorf("error setting role of %s: %w", memberID, err)
	}
	v.log.Info("member role changed", zap.String("server", serverID), zap.String("user", memberID), zap.String("role", string(role)))
	return nil
}

// member reads a membership and refuses the owner's.
func (v *View) member(ctx context.Context, serverID, memberID string) (schemas.Member, error) {
	snap, err := v.store.Get(ctx, schemas.MemberPath(serverID, memberID))
	if err != nil {
		return schemas.Member{}, err
	}
	if !snap.Exists {
		return schemas.Member{}, fmt.Errorf("%s is not a member of %s", memberID, serverID)
	}
	var m schemas.Member
	if err := schemas.Decode(snap.Fields, &m); err != nil {
		return m, err
	}
	if m.Role == schemas.RoleOwner {
		return m, ErrOwner
	}
	return m, nil
}

// SetNickname sets the nickname userID goes by in serverID. An empty nickname
// removes it.
func (v *View) SetNickname(ctx context.Context, userID, serverID, nickname string) error {
	path := schemas.NicknamePath(userID, serverID)
	var err error
	if nickname == "" {
		err = v.store.Delete(ctx, path)
	} else {
		var fields store.Fields
		fields, err = schemas.ToFields(schemas.Nickname{ServerID: serverID, ServerNickname: nickname})
		if err == nil {
			err = v.store.Set(ctx, path, fields)
		}
	}
	if err != nil {
		return fmt.Errorf("error setting nickname in %s: %w", serverID, err)
	}
	return nil
}

// Subscribe delivers the roster of serverID once the membership list has been
// read, and again after every change, until the returned disposer is called or
// ctx ends. Rosters are delivered one at a time, latest last.
func (v *View) Subscribe(ctx context.Context, serverID string, fn func(Roster)) (store.Disposer, error) {
	w := &watcher{
		v:        v,
		serverID: serverID,
		fn:       fn,
		members:  make(map[string]*tracked),
	}
	dispose, err := v.store.WatchQuery(context.Background(), store.From(schemas.MembersPath(serverID)), w.onMembers)
	if err != nil {
		return nil, fmt.Errorf("error watching members of %s: %w", serverID, err)
	}
	w.mu.Lock()
	w.dispose = dispose
	w.mu.Unlock()

	var once sync.Once
	stop := func() { once.Do(w.close) }
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				stop()
			case <-w.done():
			}
		}()
	}
	return stop, nil
}

type tracked struct {
	member   Member
	disposes []store.Disposer
	// feeds that have not delivered their first snapshot yet
	awaiting int
}

type watcher struct {
	v        *View
	serverID string
	fn       func(Roster)

	// held across recompute and delivery so rosters go out in order
	emit sync.Mutex

	mu      sync.Mutex
	ready   bool
	closed  bool
	closing chan struct{}
	dispose store.Disposer
	members map[string]*tracked
}

func (w *watcher) done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing == nil {
		w.closing = make(chan struct{})
	}
	return w.closing
}

func (w *watcher) onMembers(snaps []store.Snapshot) {
	current := make(map[string]schemas.Member, len(snaps))
	for _, snap := range snaps {
		var m schemas.Member
		if err := schemas.Decode(snap.Fields, &m); err != nil {
			w.v.log.Warn("skipping malformed membership", zap.String("path", snap.Path.String()), zap.Error(err))
			continue
		}
		// the document id is authoritative
		m.UserID = snap.ID()
		current[m.UserID] = m
	}

	var stale []store.Disposer
	var added []string
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	for id, t := range w.members {
		if _, ok := current[id]; !ok {
			stale = append(stale, t.disposes...)
			delete(w.members, id)
		}
	}
	for id, m := range current {
		if t, ok := w.members[id]; ok {
			t.member.Role = m.Role
			continue
		}
		w.members[id] = &tracked{member: Member{UserID: id, Role: m.Role}, awaiting: 2}
		added = append(added, id)
	}
	w.ready = true
	w.mu.Unlock()

	for _, d := range stale {
		d()
	}
	for _, id := range added {
		w.follow(id)
	}
	w.publish()
}

// follow subscribes to the presence and nickname of one member. The member
// holds back rosters until both feeds have delivered once.
func (w *watcher) follow(userID string) {
	var presenceSeen bool
	pd, err := w.v.presence.Subscribe(context.Background(), userID, func(p schemas.Presence) {
		first := !presenceSeen
		presenceSeen = true
		if w.update(userID, first, func(m *Member) { m.Presence = p }) {
			w.publish()
		}
	})
	if err != nil {
		w.v.log.Warn("error watching presence", zap.String("user", userID), zap.Error(err))
		w.settle(userID)
	} else {
		w.keep(userID, pd)
	}

	var nickSeen bool
	nd, err := w.v.nicks.Watch(context.Background(), schemas.NicknamePath(userID, w.serverID), func(snap store.Snapshot) {
		first := !nickSeen
		nickSeen = true
		var n schemas.Nickname
		if snap.Exists {
			if err := schemas.Decode(snap.Fields, &n); err != nil {
				w.v.log.Warn("skipping malformed nickname", zap.String("user", userID), zap.Error(err))
			}
		}
		if w.update(userID, first, func(m *Member) { m.Nickname = n.ServerNickname }) {
			w.publish()
		}
	})
	if err != nil {
		w.v.log.Warn("error watching nickname", zap.String("user", userID), zap.Error(err))
		w.settle(userID)
	} else {
		w.keep(userID, nd)
	}
}

// settle counts a feed that will never deliver as delivered.
func (w *watcher) settle(userID string) {
	if w.update(userID, true, func(*Member) {}) {
		w.publish()
	}
}

// keep attaches a disposer to a member, or runs it if the member already left.
func (w *watcher) keep(userID string, d store.Disposer) {
	w.mu.Lock()
	if t, ok := w.members[userID]; ok && !w.closed {
		t.disposes = append(t.disposes, d)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	d()
}

// update applies fn to a member. first marks the first delivery of one of the
// member's feeds.
func (w *watcher) update(userID string, first bool, fn func(*Member)) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.members[userID]
	if !ok || w.closed {
		return false
	}
	fn(&t.member)
	if first && t.awaiting > 0 {
		t.awaiting--
	}
	return true
}

func (w *watcher) publish() {
	w.emit.Lock()
	defer w.emit.Unlock()

	w.mu.Lock()
	if w.closed || !w.ready {
		w.mu.Unlock()
		return
	}
	ms := make([]Member, 0, len(w.members))
	for _, t := range w.members {
		if t.awaiting > 0 {
			// a new member's presence is not known yet
			w.mu.Unlock()
			return
		}
		ms = append(ms, t.member)
	}
	w.mu.Unlock()

	w.fn(Group(ms))
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	var ds []store.Disposer
	if w.dispose != nil {
		ds = append(ds, w.dispose)
	}
	for _, t := range w.members {
		ds = append(ds, t.disposes...)
	}
	w.members = nil
	if w.closing == nil {
		w.closing = make(chan struct{})
	}
	close(w.closing)
	w.mu.Unlock()

	for _, d := range ds {
		d()
	}
}
