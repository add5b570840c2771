package cards

import (
	"context"

	"gorm.io/gorm"
)

// Directory answers card-location queries without pulling in the full card
// service. The subscription interval store consumes it to resolve which cards
// live under a board when clearing mute state.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs a card directory over the shared database handle.
func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// CardIDsOnBoard returns the ids of every card currently on the board.
func (d *Directory) CardIDsOnBoard(ctx context.Context, tenantID, boardID string) ([]string, error) {
	var cardIDs []string
	err := d.db.WithContext(ctx).Model(&Card{}).
		Where("tenant_id = ? AND board_id = ?", tenantID, boardID).
		Pluck("card_id", &cardIDs).Error
	if err != nil {
		return nil, err
	}
	return cardIDs, nil
}

// BoardIDOf returns the board the card currently lives on, or the empty
// string when the card does not exist.
func (d *Directory) BoardIDOf(ctx context.Context, tenantID, cardID string) (string, error) {
	var boardIDs []string
	err := d.db.WithContext(ctx).Model(&Card{}).
		Where("tenant_id = ? AND card_id = ?", tenantID, cardID).
		Limit(1).
		Pluck("board_id", &boardIDs).Error
	if err != nil {
		return "", err
	}
	if len(boardIDs) == 0 {
		return "", nil
	}
	return boardIDs[0], nil
}
