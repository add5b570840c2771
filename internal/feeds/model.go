package feeds

// FeedItem is one materialized feed entry per (event, recipient). Items are
// created only by the fan-out engine and never mutated; the (event_id,
// user_id) uniqueness keeps duplicate fan-out attempts idempotent. Sequence is
// the insertion-order cursor for pagination.
type FeedItem struct {
	Sequence         int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_feed_items_user;uniqueIndex:idx_feed_items_event_user,priority:2"`
	EventID          string `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_feed_items_event_user,priority:1"`
	EventTimeSeconds int64  `gorm:"column:event_time_s;not null"`
	CardID           string `gorm:"column:card_id;size:190;not null;default:''"`
	BoardID          string `gorm:"column:board_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (FeedItem) TableName() string {
	return "feed_items"
}
