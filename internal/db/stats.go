package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StatsRepository maintains user_game_stats and the global_game_stats row.
type StatsRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db, now: time.Now}
}

// IncrementUserGames counts one finished game for the user. The stats row is created at
// registration, so a missing row is an error.
func (r *StatsRepository) IncrementUserGames(ctx context.Context, userID int, won, singlePlayer bool) error {
	single, multi := flag(singlePlayer), flag(!singlePlayer)
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_game_stats SET GamesPlayed = GamesPlayed + 1, GamesWon = GamesWon + ?, SinglePlayerGames = SinglePlayerGames + ?, MultiplayerGames = MultiplayerGames + ?, LastUpdate = ? WHERE UserId = ?`,
		flag(won), single, multi, r.now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("update user stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user stats: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("stats not found for user %d", userID)
	}
	return nil
}

func (r *StatsRepository) IncrementGlobalGames(ctx context.Context, singlePlayer bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO global_game_stats (Id, TotalUsers, TotalGamesPlayed, TotalSingleplayerGames, TotalMultiplayerGames) VALUES (?, 0, 1, ?, ?)
		ON DUPLICATE KEY UPDATE TotalGamesPlayed = TotalGamesPlayed + 1, TotalSingleplayerGames = TotalSingleplayerGames + VALUES(TotalSingleplayerGames), TotalMultiplayerGames = TotalMultiplayerGames + VALUES(TotalMultiplayerGames)`,
		GlobalStatsID, flag(singlePlayer), flag(!singlePlayer),
	)
	if err != nil {
		return fmt.Errorf("update global games: %w", err)
	}
	return nil
}

func (r *StatsRepository) IncrementGlobalUsers(ctx context.Context, delta int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO global_game_stats (Id, TotalUsers, TotalGamesPlayed, TotalSingleplayerGames, TotalMultiplayerGames) VALUES (?, ?, 0, 0, 0)
		ON DUPLICATE KEY UPDATE TotalUsers = TotalUsers + VALUES(TotalUsers)`,
		GlobalStatsID, delta,
	)
	if err != nil {
		return fmt.Errorf("update global users: %w", err)
	}
	return nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}
