package db

import (
	"context"
	"database/sql"
	"fmt"

	"towerward/internal/types"
)

// SessionRepository records finished games in game_sessions.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) CreateSession(ctx context.Context, rec types.GameSessionRecord) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO game_sessions (User1Id, User2Id, Mode, StartTime, EndTime, WonUserId, FinalWave, TimePlayed) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.User1ID, nullInt(rec.User2ID), rec.Mode, rec.StartTime.UTC(), rec.EndTime.UTC(),
		nullInt(rec.WonUserID), rec.FinalWave, rec.TimePlayed,
	)
	if err != nil {
		return 0, fmt.Errorf("insert game session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("game session id: %w", err)
	}
	return int(id), nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
