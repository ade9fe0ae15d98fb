package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GlobalStatsID is the single row of global_game_stats.
const GlobalStatsID = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		UserId INT NOT NULL AUTO_INCREMENT,
		Username VARCHAR(50) NOT NULL,
		Password LONGTEXT NOT NULL,
		Avatar LONGTEXT NOT NULL,
		CreatedAt DATETIME(6) NOT NULL,
		LastLogin DATETIME(6) NULL,
		Status LONGTEXT NOT NULL,
		PRIMARY KEY (UserId),
		UNIQUE KEY IX_users_Username (Username)
	)`,
	`CREATE TABLE IF NOT EXISTS user_game_stats (
		UserId INT NOT NULL,
		GamesPlayed INT NOT NULL DEFAULT 0,
		GamesWon INT NOT NULL DEFAULT 0,
		TotalTimePlayed INT NOT NULL DEFAULT 0,
		SinglePlayerGames INT NOT NULL DEFAULT 0,
		MultiplayerGames INT NOT NULL DEFAULT 0,
		Xp INT NOT NULL DEFAULT 0,
		LastUpdate DATETIME(6) NOT NULL,
		PRIMARY KEY (UserId),
		CONSTRAINT FK_user_game_stats_users_UserId FOREIGN KEY (UserId) REFERENCES users (UserId) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS game_sessions (
		SessionId INT NOT NULL AUTO_INCREMENT,
		User1Id INT NULL,
		User2Id INT NULL,
		Mode LONGTEXT NOT NULL,
		StartTime DATETIME(6) NOT NULL,
		EndTime DATETIME(6) NULL,
		WonUserId INT NULL,
		FinalWave INT NULL,
		TimePlayed INT NULL,
		PRIMARY KEY (SessionId),
		KEY IX_game_sessions_User1Id (User1Id),
		KEY IX_game_sessions_User2Id (User2Id),
		CONSTRAINT FK_game_sessions_users_User1Id FOREIGN KEY (User1Id) REFERENCES users (UserId) ON DELETE SET NULL,
		CONSTRAINT FK_game_sessions_users_User2Id FOREIGN KEY (User2Id) REFERENCES users (UserId) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS global_game_stats (
		Id INT NOT NULL,
		TotalUsers INT NOT NULL DEFAULT 0,
		TotalGamesPlayed BIGINT NOT NULL DEFAULT 0,
		TotalSingleplayerGames BIGINT NOT NULL DEFAULT 0,
		TotalMultiplayerGames BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (Id)
	)`,
}

// Migrate creates any missing table. It is safe to run on every start.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for _, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
