package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"towerward/internal/secure"
	"towerward/internal/session"
	"towerward/internal/types"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeUsers struct {
	mu       sync.Mutex
	byName   map[string]*types.User
	nextID   int
	touched  []int
	lookupFn func()
	err      error
	touchErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: make(map[string]*types.User), nextID: 1}
}

func (f *fakeUsers) FindByUsername(_ context.Context, name string) (*types.User, error) {
	if f.lookupFn != nil {
		f.lookupFn()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.byName[name]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

// Create does not enforce uniqueness, so only the router's serialization keeps names unique.
func (f *fakeUsers) Create(_ context.Context, name, password, avatar string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	id := f.nextID
	f.nextID++
	f.byName[name] = &types.User{ID: id, Username: name, PasswordHash: password, Avatar: avatar}
	return id, nil
}

func (f *fakeUsers) TouchLastLogin(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeUsers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byName)
}

type fakeAuth struct {
	mu         sync.Mutex
	users      *fakeUsers
	access     map[string]int
	refresh    map[string]int
	seq         int
	refreshErr  error
	validateErr error
}

func newFakeAuth(users *fakeUsers) *fakeAuth {
	return &fakeAuth{users: users, access: make(map[string]int), refresh: make(map[string]int)}
}

func (f *fakeAuth) issue(userID int) *types.TokenPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	pair := &types.TokenPair{
		UserID:             userID,
		AccessToken:        fmt.Sprintf("access-%d", f.seq),
		AccessTokenExpiry:  fixedNow.Add(30 * time.Minute),
		RefreshToken:       fmt.Sprintf("refresh-%d", f.seq),
		RefreshTokenExpiry: fixedNow.Add(7 * 24 * time.Hour),
	}
	f.access[pair.AccessToken] = userID
	f.refresh[pair.RefreshToken] = userID
	return pair
}

// expire invalidates an access token while leaving its refresh token usable.
func (f *fakeAuth) expire(access string) {
	f.mu.Lock()
	delete(f.access, access)
	f.mu.Unlock()
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (*types.TokenPair, error) {
	u, err := f.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil || u.PasswordHash != password {
		return nil, nil
	}
	return f.issue(u.ID), nil
}

func (f *fakeAuth) ValidateAccessToken(_ context.Context, token string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return false, 0, f.validateErr
	}
	id, ok := f.access[token]
	return ok, id, nil
}

func (f *fakeAuth) RefreshTokens(_ context.Context, token string) (*types.TokenPair, error) {
	f.mu.Lock()
	if f.refreshErr != nil {
		f.mu.Unlock()
		return nil, f.refreshErr
	}
	id, ok := f.refresh[token]
	delete(f.refresh, token)
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.issue(id), nil
}

func (f *fakeAuth) RevokeAll(_ context.Context, userID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, id := range f.refresh {
		if id == userID {
			delete(f.refresh, tok)
		}
	}
	return nil
}

type userGame struct {
	UserID       int
	Won          bool
	SinglePlayer bool
}

type fakeStats struct {
	mu          sync.Mutex
	userGames   []userGame
	globalGames []bool
	globalUsers int
	err         error
}

func (f *fakeStats) IncrementUserGames(_ context.Context, id int, won, single bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.userGames = append(f.userGames, userGame{id, won, single})
	return nil
}

func (f *fakeStats) IncrementGlobalGames(_ context.Context, single bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.globalGames = append(f.globalGames, single)
	return nil
}

func (f *fakeStats) IncrementGlobalUsers(_ context.Context, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.globalUsers += delta
	return nil
}

type fakeGames struct {
	mu      sync.Mutex
	records []types.GameSessionRecord
	err     error
}

func (f *fakeGames) CreateSession(_ context.Context, rec types.GameSessionRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.records = append(f.records, rec)
	return len(f.records), nil
}

type harness struct {
	t        *testing.T
	router   *Router
	sessions *session.Manager
	users    *fakeUsers
	auth     *fakeAuth
	stats    *fakeStats
	games    *fakeGames
	codec    *secure.Codec
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := secure.NewCodec(bytes.Repeat([]byte{5}, 32), bytes.Repeat([]byte{6}, 16))
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	users := newFakeUsers()
	h := &harness{
		t:        t,
		sessions: session.NewManager(),
		users:    users,
		auth:     newFakeAuth(users),
		stats:    &fakeStats{},
		games:    &fakeGames{},
		codec:    codec,
	}
	h.router = NewRouter(Deps{
		Sessions: h.sessions,
		Users:    h.users,
		Auth:     h.auth,
		Games:    h.games,
		Stats:    h.stats,
		Now:      func() time.Time { return fixedNow },
	})
	return h
}

func (h *harness) client(name string, opts ...types.ClientOption) *types.Client {
	h.t.Helper()
	c := types.NewClient(name, "test", append([]types.ClientOption{types.WithSendBuffer(256)}, opts...)...)
	if err := c.Establish(h.codec); err != nil {
		h.t.Fatalf("Establish: %v", err)
	}
	h.sessions.AddClient(c)
	return c
}

// authed returns a client plus a valid token pair for a fresh user.
func (h *harness) authed(name string) (*types.Client, *types.TokenPair) {
	h.t.Helper()
	id, err := h.users.Create(context.Background(), name, "pw", DefaultAvatar)
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	return h.client(name), h.auth.issue(id)
}

// send dispatches msg with tokens attached when pair is non-nil.
func (h *harness) send(c *types.Client, pair *types.TokenPair, typ string, data any) {
	h.t.Helper()
	env := map[string]any{"Type": typ}
	if data != nil {
		env["Data"] = data
	}
	if pair != nil {
		env["TokenData"] = types.TokenData{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.router.Handle(context.Background(), c, raw)
}

type reply struct {
	Type      string
	Data      map[string]any
	WaveIndex *int
	raw       string
}

func (h *harness) drain(c *types.Client) []reply {
	h.t.Helper()
	var out []reply
	for {
		select {
		case frame := <-c.Outbound():
			plain, err := h.codec.Decrypt(string(frame))
			if err != nil {
				h.t.Fatalf("decrypt: %v", err)
			}
			var r reply
			if err := json.Unmarshal(plain, &r); err != nil {
				h.t.Fatalf("unmarshal %s: %v", plain, err)
			}
			r.raw = string(plain)
			out = append(out, r)
		default:
			return out
		}
	}
}

func (h *harness) expect(c *types.Client, want ...string) []reply {
	h.t.Helper()
	got := h.drain(c)
	if len(got) != len(want) {
		h.t.Fatalf("%s: expected %v, got %+v", c.ID, want, got)
	}
	for i := range want {
		if got[i].Type != want[i] {
			h.t.Fatalf("%s: message %d expected %s, got %s", c.ID, i, want[i], got[i].raw)
		}
	}
	return got
}

// match pairs two authenticated clients and clears their queues.
func (h *harness) match() (a *types.Client, ta *types.TokenPair, b *types.Client, tb *types.TokenPair) {
	h.t.Helper()
	a, ta = h.authed("alpha")
	b, tb = h.authed("bravo")
	h.send(a, ta, types.TypeMatchmakingRequest, nil)
	h.send(b, tb, types.TypeMatchmakingRequest, nil)
	h.expect(a, types.TypeMatchWaiting, types.TypeMatchFound)
	h.expect(b, types.TypeMatchFound)
	return a, ta, b, tb
}
