package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"towerward/internal/config"
	"towerward/internal/logger"
)

// OpenMongo connects to the document store holding refresh tokens. Callers disconnect the
// returned client on shutdown.
func OpenMongo(ctx context.Context, cfg *config.ConfigStruct) (*mongo.Client, *mongo.Database, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.L.Info("Connected to MongoDB", zap.String("database", cfg.MongoDB))
	return client, client.Database(cfg.MongoDB), nil
}

// CloseMongo disconnects the client, logging instead of failing.
func CloseMongo(client *mongo.Client) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.L.Warn("Error closing MongoDB connection", zap.Error(err))
	}
}
