package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"towerward/internal/config"
	"towerward/internal/logger"
)

// OpenMySQL connects to the relational store and verifies the connection with a ping.
func OpenMySQL(ctx context.Context, cfg *config.ConfigStruct) (*sql.DB, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.MySQLUser
	dsn.Passwd = cfg.MySQLPassword
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.MySQLHost, strconv.Itoa(cfg.MySQLPort))
	dsn.DBName = cfg.MySQLDatabase
	dsn.ParseTime = true
	dsn.Loc = time.UTC

	conn, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	logger.L.Info("Connected to MySQL", zap.String("addr", dsn.Addr), zap.String("database", dsn.DBName))
	return conn, nil
}
