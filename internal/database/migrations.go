package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/boards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillMemberships = "2026-08-10_backfill_memberships_from_legacy_member_lists"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMemberships, apply: backfillLegacyMemberships},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillLegacyMemberships converts the inline member-id arrays that older
// board rows carried into normalized membership rows. Listed users become
// viewers unless a membership row already exists; the legacy column is
// cleared afterwards so the normalized rows stay the single source of truth.
func backfillLegacyMemberships(db *gorm.DB) error {
	var legacyBoards []boards.Board
	if err := db.Where("legacy_member_ids <> ''").Find(&legacyBoards).Error; err != nil {
		return err
	}

	for _, board := range legacyBoards {
		var memberIDs []string
		if err := json.Unmarshal([]byte(board.LegacyMemberJSON), &memberIDs); err != nil {
			return err
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			for _, userID := range memberIDs {
				if userID == "" {
					continue
				}
				var count int64
				if err := tx.Model(&boards.Membership{}).
					Where("board_id = ? AND user_id = ?", board.ID, userID).
					Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					continue
				}
				membership := boards.Membership{
					BoardID:          board.ID,
					UserID:           userID,
					TenantID:         board.TenantID,
					Role:             boards.RoleViewer,
					GrantedAtSeconds: board.CreatedAtSeconds,
				}
				if err := tx.Create(&membership).Error; err != nil {
					return err
				}
			}
			return tx.Model(&boards.Board{}).
				Where("board_id = ?", board.ID).
				Update("legacy_member_ids", "").Error
		})
		if err != nil {
			return err
		}
	}
	return nil
}
