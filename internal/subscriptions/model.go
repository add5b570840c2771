package subscriptions

// Scope identifies what kind of subject an interval is attached to.
type Scope string

const (
	ScopeBoard Scope = "board"
	ScopeCard  Scope = "card"
)

// Mode identifies what an active interval means for its user. Mute strictly
// dominates follow during fan-out.
type Mode string

const (
	ModeFollow Mode = "follow"
	ModeMute   Mode = "mute"
)

// FollowInterval is a time-bounded follow or mute record. History is never
// deleted; ending an interval patches EndedAtSeconds on the active row. An
// interval with EndedAtSeconds set is never active, regardless of when it
// started.
type FollowInterval struct {
	ID               string `gorm:"column:interval_id;primaryKey;size:190;not null"`
	TenantID         string `gorm:"column:tenant_id;size:190;not null"`
	Scope            Scope  `gorm:"column:scope;size:16;not null;index:idx_intervals_subject,priority:1"`
	SubjectID        string `gorm:"column:subject_id;size:190;not null;index:idx_intervals_subject,priority:2"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_intervals_user"`
	Mode             Mode   `gorm:"column:mode;size:16;not null;index:idx_intervals_subject,priority:3"`
	StartedAtSeconds int64  `gorm:"column:started_at_s;not null"`
	EndedAtSeconds   *int64 `gorm:"column:ended_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (FollowInterval) TableName() string {
	return "follow_intervals"
}

// ActiveAt reports whether the interval was active at the given unix time.
func (i FollowInterval) ActiveAt(atSeconds int64) bool {
	if i.EndedAtSeconds != nil {
		return false
	}
	return i.StartedAtSeconds <= atSeconds
}
