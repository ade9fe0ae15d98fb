package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"towerward/internal/auth"
	"towerward/internal/types"
)

// StatusActive is the status of a freshly registered account.
const StatusActive = "Active"

const mysqlDuplicateEntry = 1062

// ErrUsernameTaken is returned by Create when the unique index rejects the name.
var ErrUsernameTaken = errors.New("Username already taken")

// UserRepository stores accounts in the users table.
type UserRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db, now: time.Now}
}

func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*types.User, error) {
	var (
		u         types.User
		lastLogin sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT UserId, Username, Password, Avatar, Status, CreatedAt, LastLogin FROM users WHERE Username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &u.Status, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", username, err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

// Create hashes the password and inserts the account together with its zeroed stats row.
func (r *UserRepository) Create(ctx context.Context, username, password, avatar string) (int, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (Username, Password, Avatar, CreatedAt, Status) VALUES (?, ?, ?, ?, ?)`,
		username, hash, avatar, now, StatusActive,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_game_stats (UserId, GamesPlayed, GamesWon, TotalTimePlayed, SinglePlayerGames, MultiplayerGames, Xp, LastUpdate) VALUES (?, 0, 0, 0, 0, 0, 0, ?)`,
		id, now,
	); err != nil {
		return 0, fmt.Errorf("insert stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(id), nil
}

func (r *UserRepository) TouchLastLogin(ctx context.Context, userID int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET LastLogin = ? WHERE UserId = ?`, r.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %d not found", userID)
	}
	return nil
}
