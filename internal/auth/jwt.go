package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"towerward/internal/types"
)

// UserLookup is the part of the user directory the provider needs for logins.
type UserLookup interface {
	FindByUsername(ctx context.Context, username string) (*types.User, error)
}

// Config holds the signing parameters.
type Config struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Provider issues HS256 access tokens and single-use opaque refresh tokens.
type Provider struct {
	cfg    Config
	users  UserLookup
	tokens TokenStore
	now    func() time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func NewProvider(cfg Config, users UserLookup, tokens TokenStore, opts ...Option) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	p := &Provider{cfg: cfg, users: users, tokens: tokens, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HashPassword returns the bcrypt hash stored for new accounts.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Login checks the password and issues a token pair. Unknown users and wrong passwords
// both yield nil, nil.
func (p *Provider) Login(ctx context.Context, username, password string) (*types.TokenPair, error) {
	if username == "" || password == "" {
		return nil, nil
	}
	u, err := p.users.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compare password: %w", err)
	}

	refresh := p.newRefreshRecord(u.ID)
	if err := p.tokens.Insert(ctx, refresh); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return p.pair(u.ID, refresh)
}

// ValidateAccessToken reports whether token is a live access token and returns its subject.
// Rejected tokens are not an error.
func (p *Provider) ValidateAccessToken(_ context.Context, token string) (bool, int, error) {
	if token == "" {
		return false, 0, nil
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !parsed.Valid {
		return false, 0, nil
	}
	id, err := strconv.Atoi(claims.Subject)
	if err != nil || id <= 0 {
		return false, 0, nil
	}
	return true, id, nil
}

// RefreshTokens consumes refreshToken and issues a new pair. The old token is replaced in
// the store in one atomic step, so it can be redeemed at most once.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string) (*types.TokenPair, error) {
	if refreshToken == "" {
		return nil, nil
	}
	next := p.newRefreshRecord(0)
	userID, ok, err := p.tokens.Rotate(ctx, refreshToken, next, p.now())
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !ok {
		// Either unknown or expired; an expired record is useless, drop it.
		if err := p.tokens.Delete(ctx, refreshToken); err != nil {
			return nil, fmt.Errorf("delete refresh token: %w", err)
		}
		return nil, nil
	}
	next.UserID = userID
	return p.pair(userID, next)
}

// RevokeAll deletes every refresh token of the user.
func (p *Provider) RevokeAll(ctx context.Context, userID int) error {
	return p.tokens.DeleteUser(ctx, userID)
}

func (p *Provider) newRefreshRecord(userID int) TokenRecord {
	now := p.now().UTC()
	return TokenRecord{
		UserID:    userID,
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt: now,
		ExpiresAt: now.Add(p.cfg.RefreshTTL),
	}
}

func (p *Provider) pair(userID int, refresh TokenRecord) (*types.TokenPair, error) {
	now := p.now().UTC()
	expires := now.Add(p.cfg.AccessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		ID:        uuid.NewString(),
		Issuer:    p.cfg.Issuer,
		Audience:  jwt.ClaimStrings{p.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &types.TokenPair{
		UserID:             userID,
		AccessToken:        access,
		AccessTokenExpiry:  expires,
		RefreshToken:       refresh.Token,
		RefreshTokenExpiry: refresh.ExpiresAt,
	}, nil
}
