package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"towerward/internal/types"
)

type staticUsers map[string]*types.User

func (s staticUsers) FindByUsername(_ context.Context, name string) (*types.User, error) {
	if name == "broken" {
		return nil, errors.New("db down")
	}
	return s[name], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newProvider(t *testing.T) (*Provider, *MemoryTokenStore, *clock) {
	t.Helper()
	hash, err := HashPassword("p")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users := staticUsers{"alice": {ID: 7, Username: "alice", PasswordHash: hash}}
	store := NewMemoryTokenStore()
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	p, err := NewProvider(Config{
		Secret:     []byte("test-secret"),
		Issuer:     "towerward",
		Audience:   "towerward-clients",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, users, store, WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, store, clk
}

func TestLoginAndValidate(t *testing.T) {
	p, store, clk := newProvider(t)
	ctx := context.Background()

	pair, err := p.Login(ctx, "alice", "p")
	if err != nil || pair == nil {
		t.Fatalf("Login: %v %v", pair, err)
	}
	if pair.UserID != 7 || pair.AccessToken == "" || len(pair.RefreshToken) != 32 || strings.Contains(pair.RefreshToken, "-") {
		t.Fatalf("unexpected pair %+v", pair)
	}
	if !pair.AccessTokenExpiry.Equal(clk.Now().Add(30*time.Minute)) || !pair.RefreshTokenExpiry.Equal(clk.Now().Add(7*24*time.Hour)) {
		t.Fatalf("unexpected expiries %v %v", pair.AccessTokenExpiry, pair.RefreshTokenExpiry)
	}
	if store.Len() != 1 {
		t.Fatalf("refresh token not stored")
	}

	valid, id, err := p.ValidateAccessToken(ctx, pair.AccessToken)
	if err != nil || !valid || id != 7 {
		t.Fatalf("ValidateAccessToken: %v %d %v", valid, id, err)
	}

	clk.Advance(31 * time.Minute)
	if valid, _, _ := p.ValidateAccessToken(ctx, pair.AccessToken); valid {
		t.Fatal("expired access token accepted")
	}
}

func TestLoginRejections(t *testing.T) {
	p, _, _ := newProvider(t)
	ctx := context.Background()

	for _, tc := range []struct{ user, pass string }{{"alice", "wrong"}, {"nobody", "p"}, {"", ""}} {
		pair, err := p.Login(ctx, tc.user, tc.pass)
		if err != nil || pair != nil {
			t.Fatalf("%s/%s: expected nil, nil, got %v %v", tc.user, tc.pass, pair, err)
		}
	}
	if _, err := p.Login(ctx, "broken", "p"); err == nil {
		t.Fatal("directory error should surface")
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	p, _, clk := newProvider(t)
	ctx := context.Background()

	sign := func(method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	base := jwt.RegisteredClaims{
		Subject:   "7",
		Issuer:    "towerward",
		Audience:  jwt.ClaimStrings{"towerward-clients"},
		ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Hour)),
	}

	wrongAudience := base
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	noExpiry := base
	noExpiry.ExpiresAt = nil
	badSubject := base
	badSubject.Subject = "alice"

	cases := map[string]string{
		"garbage":        "not.a.jwt",
		"empty":          "",
		"wrong secret":   sign(jwt.SigningMethodHS256, []byte("other"), base),
		"wrong audience": sign(jwt.SigningMethodHS256, []byte("test-secret"), wrongAudience),
		"no expiry":      sign(jwt.SigningMethodHS256, []byte("test-secret"), noExpiry),
		"bad subject":    sign(jwt.SigningMethodHS256, []byte("test-secret"), badSubject),
		"alg none":       sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, base),
	}
	for name, tok := range cases {
		valid, _, err := p.ValidateAccessToken(ctx, tok)
		if err != nil || valid {
			t.Fatalf("%s: expected rejection, got valid=%v err=%v", name, valid, err)
		}
	}
	if valid, _, _ := p.ValidateAccessToken(ctx, sign(jwt.SigningMethodHS256, []byte("test-secret"), base)); !valid {
		t.Fatal("well-formed token rejected")
	}
}

func TestRefreshIsSingleUse(t *testing.T) {
	p, store, _ := newProvider(t)
	ctx := context.Background()
	pair, _ := p.Login(ctx, "alice", "p")

	next, err := p.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil || next == nil {
		t.Fatalf("RefreshTokens: %v %v", next, err)
	}
	if next.UserID != 7 || next.RefreshToken == pair.RefreshToken {
		t.Fatalf("unexpected refreshed pair %+v", next)
	}
	if valid, id, _ := p.ValidateAccessToken(ctx, next.AccessToken); !valid || id != 7 {
		t.Fatal("refreshed access token invalid")
	}

	again, err := p.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil || again != nil {
		t.Fatalf("consumed token redeemed twice: %v %v", again, err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the rotated token to remain, got %d", store.Len())
	}
}

func TestRefreshConcurrentRedemption(t *testing.T) {
	p, _, _ := newProvider(t)
	ctx := context.Background()
	pair, _ := p.Login(ctx, "alice", "p")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if next, err := p.RefreshTokens(ctx, pair.RefreshToken); err == nil && next != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one redemption, got %d", wins)
	}
}

func TestExpiredRefreshIsDeleted(t *testing.T) {
	p, store, clk := newProvider(t)
	ctx := context.Background()
	pair, _ := p.Login(ctx, "alice", "p")

	clk.Advance(8 * 24 * time.Hour)
	next, err := p.RefreshTokens(ctx, pair.RefreshToken)
	if err != nil || next != nil {
		t.Fatalf("expired refresh accepted: %v %v", next, err)
	}
	if store.Len() != 0 {
		t.Fatal("expired record was not deleted")
	}
	if next, _ := p.RefreshTokens(ctx, ""); next != nil {
		t.Fatal("empty refresh token accepted")
	}
}

func TestRevokeAll(t *testing.T) {
	p, store, _ := newProvider(t)
	ctx := context.Background()
	first, _ := p.Login(ctx, "alice", "p")
	second, _ := p.Login(ctx, "alice", "p")

	if err := p.RevokeAll(ctx, 7); err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	for _, tok := range []string{first.RefreshToken, second.RefreshToken} {
		if next, _ := p.RefreshTokens(ctx, tok); next != nil {
			t.Fatal("revoked token refreshed")
		}
	}
	if store.Len() != 0 {
		t.Fatalf("tokens left after revoke: %d", store.Len())
	}
}

func TestNewProviderValidates(t *testing.T) {
	if _, err := NewProvider(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour}, staticUsers{}, NewMemoryTokenStore()); err == nil {
		t.Fatal("empty secret accepted")
	}
	if _, err := NewProvider(Config{Secret: []byte("s")}, staticUsers{}, NewMemoryTokenStore()); err == nil {
		t.Fatal("zero lifetimes accepted")
	}
}
