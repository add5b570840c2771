package database

import (
	"fmt"

	"github.com/corkboardhq/corkboard/backend/internal/boards"
	"github.com/corkboardhq/corkboard/backend/internal/cards"
	"github.com/corkboardhq/corkboard/backend/internal/events"
	"github.com/corkboardhq/corkboard/backend/internal/feeds"
	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	"github.com/corkboardhq/corkboard/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&boards.Board{},
		&boards.Membership{},
		&boards.Announcement{},
		&cards.Card{},
		&cards.Comment{},
		&subscriptions.FollowInterval{},
		&events.Event{},
		&events.FanoutTask{},
		&feeds.FeedItem{},
		&users.Identity{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
