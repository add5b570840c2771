package cards

// Card is a tenant-scoped work item living on exactly one board at a time.
type Card struct {
	ID               string `gorm:"column:card_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null;index:idx_cards_tenant"`
	BoardID          string `gorm:"column:board_id;size:190;not null;index:idx_cards_board"`
	Title            string `gorm:"column:title;size:320;not null"`
	Status           string `gorm:"column:status;size:64;not null;default:''"`
	AssigneeID       string `gorm:"column:assignee_id;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "cards"
}

// Comment is a card-scoped message.
type Comment struct {
	ID               string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null"`
	CardID           string `gorm:"column:card_id;size:190;not null;index:idx_comments_card"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "card_comments"
}
