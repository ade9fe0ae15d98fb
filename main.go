package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"towerward/internal/auth"
	"towerward/internal/config"
	"towerward/internal/db"
	"towerward/internal/handle/message"
	"towerward/internal/logger"
	"towerward/internal/metrics"
	"towerward/internal/server"
	"towerward/internal/session"
	"towerward/internal/utils"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("Server stopped with error", zap.Error(err))
		_ = logger.L.Sync()
		os.Exit(1)
	}
	_ = logger.L.Sync()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return err
	}
	if _, err := logger.New(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Printf("Logger setup failed: %v", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.OpenMySQL(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeMySQL(mysqlDB)
	if err := db.Migrate(ctx, mysqlDB); err != nil {
		return err
	}

	tokens, mongoClient, err := tokenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.CloseMongo(mongoClient)

	users := db.NewUserRepository(mysqlDB)
	provider, err := auth.NewProvider(auth.Config{
		Secret:     []byte(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTTL,
	}, users, tokens)
	if err != nil {
		return err
	}

	sessions := session.NewManager()
	router := message.NewRouter(message.Deps{
		Sessions: sessions,
		Users:    users,
		Auth:     provider,
		Games:    db.NewSessionRepository(mysqlDB),
		Stats:    db.NewStatsRepository(mysqlDB),
	})
	srv := server.New(server.Config{
		TCPAddr:       cfg.TCPAddr(),
		WSAddr:        cfg.WSAddr(),
		MaxFrameBytes: cfg.MaxFrameBytes,
		Conn: server.Options{
			RSAKeyBits:  cfg.RSAKeyBits,
			IdleTimeout: cfg.IdleTimeout,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
			Strict:      cfg.Development(),
		},
	}, sessions, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr) })
	}

	logger.L.Info("TowerWard server starting",
		zap.String("tcp", cfg.TCPAddr()),
		zap.String("ws", cfg.WSAddr()),
		zap.String("metrics", cfg.MetricsAddr),
	)
	if cfg.TCPHost == "" || cfg.TCPHost == "0.0.0.0" {
		utils.LogReachableAddresses(cfg.TCPPort)
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.L.Info("TowerWard server stopped")
	return err
}

// tokenStore picks Mongo when configured. Without it refresh tokens live in memory and are
// lost on restart.
func tokenStore(ctx context.Context, cfg *config.ConfigStruct) (auth.TokenStore, *mongo.Client, error) {
	if cfg.MongoURI == "" {
		logger.L.Warn("MONGO_URI not set, refresh tokens are kept in memory")
		return auth.NewMemoryTokenStore(), nil, nil
	}
	client, database, err := db.OpenMongo(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := auth.NewMongoTokenStore(database)
	if err := store.EnsureIndexes(ctx); err != nil {
		db.CloseMongo(client)
		return nil, nil, err
	}
	return store, client, nil
}

func closeMySQL(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logger.L.Warn("Error closing MySQL connection", zap.Error(err))
	}
}
