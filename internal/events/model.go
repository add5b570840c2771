package events

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the closed set of domain event kinds. Persisted values are
// part of the storage contract and must not be renamed.
type Kind string

const (
	KindCardCreated         Kind = "card_created"
	KindCardDeleted         Kind = "card_deleted"
	KindCardTitleChanged    Kind = "card_title_changed"
	KindCardStatusChanged   Kind = "card_status_changed"
	KindCardAssigneeChanged Kind = "card_assignee_changed"
	KindCardBoardChanged    Kind = "card_board_changed"
	KindCommentCreated      Kind = "comment_created"
	KindMemberAddedOwner    Kind = "user_added_as_board_owner"
	KindMemberAddedEditor   Kind = "user_added_as_board_editor"
	KindMemberAddedViewer   Kind = "user_added_as_board_viewer"
	KindMemberRemoved       Kind = "user_removed_from_board"
	KindAnnouncementCreated Kind = "announcement_created"
	KindAnnouncementUpdated Kind = "announcement_updated"
)

// ErrInvalidKind indicates an event kind outside the closed set.
var ErrInvalidKind = errors.New("events: invalid event kind")

var knownKinds = map[Kind]struct{}{
	KindCardCreated:         {},
	KindCardDeleted:         {},
	KindCardTitleChanged:    {},
	KindCardStatusChanged:   {},
	KindCardAssigneeChanged: {},
	KindCardBoardChanged:    {},
	KindCommentCreated:      {},
	KindMemberAddedOwner:    {},
	KindMemberAddedEditor:   {},
	KindMemberAddedViewer:   {},
	KindMemberRemoved:       {},
	KindAnnouncementCreated: {},
	KindAnnouncementUpdated: {},
}

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	kind := Kind(strings.TrimSpace(rawInput))
	if _, ok := knownKinds[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
	return kind, nil
}

// Event is an immutable row in the append-only domain event log. Rows are
// never updated or deleted; tenant-wide cleanup is handled elsewhere.
type Event struct {
	Sequence          int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	EventID           string `gorm:"column:event_id;size:190;not null;uniqueIndex:idx_events_event_id"`
	TenantID          string `gorm:"column:tenant_id;size:190;not null;index:idx_events_tenant"`
	ActorID           string `gorm:"column:actor_id;size:190;not null"`
	CardID            string `gorm:"column:card_id;size:190;not null;index:idx_events_card"`
	BoardID           string `gorm:"column:board_id;size:190;not null;default:''"`
	Kind              Kind   `gorm:"column:kind;size:64;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null;default:''"`
	OccurredAtSeconds int64  `gorm:"column:occurred_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "domain_events"
}

// TaskState tracks the lifecycle of a deferred fan-out task.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateDone    TaskState = "done"
	TaskStateFailed  TaskState = "failed"
)

// FanoutTask is the outbox row committed alongside its event. The fan-out
// engine drains pending rows; a row surviving a crash is re-enqueued on
// startup. Delivery is at-least-once; the feed store's (event_id, user_id)
// uniqueness keeps retries idempotent.
type FanoutTask struct {
	EventID          string    `gorm:"column:event_id;primaryKey;size:190;not null"`
	CardID           string    `gorm:"column:card_id;size:190;not null"`
	BoardContextJSON string    `gorm:"column:board_context_json;type:text;not null;default:''"`
	State            TaskState `gorm:"column:state;size:16;not null;index:idx_fanout_tasks_state"`
	Attempts         int       `gorm:"column:attempts;not null;default:0"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FanoutTask) TableName() string {
	return "fanout_tasks"
}
