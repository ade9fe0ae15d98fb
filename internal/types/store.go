package types

import (
	"context"
	"time"
)

// User is a registered account.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Avatar       string
	Status       string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// GameSessionRecord is one finished game as reported by GameOverDetailed.
type GameSessionRecord struct {
	User1ID    int
	User2ID    *int
	Mode       string
	StartTime  time.Time
	EndTime    time.Time
	WonUserID  *int
	FinalWave  int
	TimePlayed int
}

// UserDirectory looks up and creates accounts. FindByUsername returns nil, nil when absent.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	Create(ctx context.Context, username, password, avatar string) (int, error)
	TouchLastLogin(ctx context.Context, userID int) error
}

// AuthProvider issues and checks token pairs. Login and RefreshTokens return nil, nil when
// the credentials or the refresh token are rejected; an error means the provider failed.
type AuthProvider interface {
	Login(ctx context.Context, username, password string) (*TokenPair, error)
	ValidateAccessToken(ctx context.Context, token string) (bool, int, error)
	RefreshTokens(ctx context.Context, refreshToken string) (*TokenPair, error)
	RevokeAll(ctx context.Context, userID int) error
}

// SessionStore persists finished games.
type SessionStore interface {
	CreateSession(ctx context.Context, rec GameSessionRecord) (int, error)
}

// StatsStore keeps per-user and global counters.
type StatsStore interface {
	IncrementUserGames(ctx context.Context, userID int, won, singlePlayer bool) error
	IncrementGlobalGames(ctx context.Context, singlePlayer bool) error
	IncrementGlobalUsers(ctx context.Context, delta int) error
}
