package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/boards"
	"github.com/corkboardhq/corkboard/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the card does not exist.
	ErrNotFound = errors.New("cards: not found")
	// ErrNotAuthorized indicates the actor's role is insufficient for the change.
	ErrNotAuthorized = errors.New("cards: not authorized")
	// ErrTenantMismatch indicates the card belongs to another tenant.
	ErrTenantMismatch = errors.New("cards: tenant mismatch")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAuthority  = errors.New("membership authority is required")
	errMissingEventLog   = errors.New("event log is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation-scoped error code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "cards.service.new"
	opCreateCard     = "cards.create_card"
	opChangeTitle    = "cards.change_title"
	opChangeStatus   = "cards.change_status"
	opChangeAssignee = "cards.change_assignee"
	opMoveCard       = "cards.move_card"
	opDeleteCard     = "cards.delete_card"
	opAddComment     = "cards.add_comment"
	opDeleteBoard    = "cards.delete_board"
	opGetCard        = "cards.get_card"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// Authority answers role questions for the boards a card touches.
type Authority interface {
	GetBoard(ctx context.Context, tenantID, boardID string) (boards.Board, error)
	IsOwner(ctx context.Context, tenantID, boardID, userID string) (bool, error)
	IsEditor(ctx context.Context, tenantID, boardID, userID string) (bool, error)
	IsViewer(ctx context.Context, tenantID, boardID, userID string) (bool, error)
}

// EventLog records card events after the primary write commits.
type EventLog interface {
	LogEvent(ctx context.Context, entry events.Entry) (events.Event, error)
	LogCardDeletedBatch(ctx context.Context, entries []events.Entry) ([]events.Event, error)
}

// ServiceConfig describes the dependencies of the card service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Authority  Authority
	EventLog   EventLog
	Logger     *zap.Logger
}

// Service is the CRUD layer for cards and comments. Every committed mutation
// is followed by an event log call carrying the board context the fan-out
// engine needs; event logging failures are reported but never surface to the
// caller, since the primary mutation has already committed.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	authority  Authority
	eventLog   EventLog
	logger     *zap.Logger
}

// NewService constructs the card service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Authority == nil {
		return nil, newServiceError(opServiceNew, "missing_authority", errMissingAuthority)
	}
	if cfg.EventLog == nil {
		return nil, newServiceError(opServiceNew, "missing_event_log", errMissingEventLog)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		authority:  cfg.Authority,
		eventLog:   cfg.EventLog,
		logger:     logger,
	}, nil
}

// CardIDsOnBoard implements the card index the subscription store consumes.
func (s *Service) CardIDsOnBoard(ctx context.Context, tenantID, boardID string) ([]string, error) {
	return NewDirectory(s.db).CardIDsOnBoard(ctx, tenantID, boardID)
}

// GetCard loads a card, enforcing tenant scope.
func (s *Service) GetCard(ctx context.Context, tenantID, cardID string) (Card, error) {
	var card Card
	err := s.db.WithContext(ctx).Where("card_id = ?", cardID).Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Card{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetCard, "query_failed", err, zap.String("card_id", cardID))
		return Card{}, newServiceError(opGetCard, "query_failed", err)
	}
	if card.TenantID != tenantID {
		return Card{}, ErrTenantMismatch
	}
	return card, nil
}

// CreateCard creates a card on the board. Requires editor or better.
func (s *Service) CreateCard(ctx context.Context, tenantID, actorID, boardID, title string) (Card, error) {
	if err := s.requireEditor(ctx, tenantID, boardID, actorID); err != nil {
		return Card{}, err
	}

	cardID, err := s.idProvider.NewID()
	if err != nil {
		return Card{}, newServiceError(opCreateCard, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	card := Card{
		ID:               cardID,
		TenantID:         tenantID,
		BoardID:          boardID,
		Title:            title,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&card).Error; err != nil {
		s.logError(opCreateCard, "insert_failed", err, zap.String("board_id", boardID))
		return Card{}, newServiceError(opCreateCard, "insert_failed", err)
	}

	s.logCardEvent(ctx, opCreateCard, events.Entry{
		Kind:         events.KindCardCreated,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      boardID,
		BoardContext: []string{boardID},
	}, struct {
		Title string `json:"title"`
	}{Title: title})
	return card, nil
}

// ChangeTitle renames a card. Requires editor or better on the card's board.
func (s *Service) ChangeTitle(ctx context.Context, tenantID, actorID, cardID, title string) (Card, error) {
	card, err := s.editableCard(ctx, tenantID, actorID, cardID)
	if err != nil {
		return Card{}, err
	}

	previous := card.Title
	card.Title = title
	if err := s.updateCard(ctx, opChangeTitle, &card, map[string]interface{}{"title": title}); err != nil {
		return Card{}, err
	}

	s.logCardEvent(ctx, opChangeTitle, events.Entry{
		Kind:         events.KindCardTitleChanged,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      card.BoardID,
		BoardContext: []string{card.BoardID},
	}, struct {
		PreviousTitle string `json:"previous_title"`
		Title         string `json:"title"`
	}{PreviousTitle: previous, Title: title})
	return card, nil
}

// ChangeStatus updates a card's workflow status. Requires editor or better.
func (s *Service) ChangeStatus(ctx context.Context, tenantID, actorID, cardID, status string) (Card, error) {
	card, err := s.editableCard(ctx, tenantID, actorID, cardID)
	if err != nil {
		return Card{}, err
	}

	previous := card.Status
	card.Status = status
	if err := s.updateCard(ctx, opChangeStatus, &card, map[string]interface{}{"status": status}); err != nil {
		return Card{}, err
	}

	s.logCardEvent(ctx, opChangeStatus, events.Entry{
		Kind:         events.KindCardStatusChanged,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      card.BoardID,
		BoardContext: []string{card.BoardID},
	}, struct {
		PreviousStatus string `json:"previous_status"`
		Status         string `json:"status"`
	}{PreviousStatus: previous, Status: status})
	return card, nil
}

// ChangeAssignee updates who a card is assigned to. Requires editor or better.
func (s *Service) ChangeAssignee(ctx context.Context, tenantID, actorID, cardID, assigneeID string) (Card, error) {
	card, err := s.editableCard(ctx, tenantID, actorID, cardID)
	if err != nil {
		return Card{}, err
	}

	previous := card.AssigneeID
	card.AssigneeID = assigneeID
	if err := s.updateCard(ctx, opChangeAssignee, &card, map[string]interface{}{"assignee_id": assigneeID}); err != nil {
		return Card{}, err
	}

	s.logCardEvent(ctx, opChangeAssignee, events.Entry{
		Kind:         events.KindCardAssigneeChanged,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      card.BoardID,
		BoardContext: []string{card.BoardID},
	}, struct {
		PreviousAssigneeID string `json:"previous_assignee_id"`
		AssigneeID         string `json:"assignee_id"`
	}{PreviousAssigneeID: previous, AssigneeID: assigneeID})
	return card, nil
}

// MoveCard relocates a card to another board. Requires editor or better on
// both boards; followers of both boards are notified of the move.
func (s *Service) MoveCard(ctx context.Context, tenantID, actorID, cardID, toBoardID string) (Card, error) {
	card, err := s.editableCard(ctx, tenantID, actorID, cardID)
	if err != nil {
		return Card{}, err
	}
	if _, err := s.authority.GetBoard(ctx, tenantID, toBoardID); err != nil {
		return Card{}, err
	}
	if err := s.requireEditor(ctx, tenantID, toBoardID, actorID); err != nil {
		return Card{}, err
	}

	fromBoardID := card.BoardID
	if fromBoardID == toBoardID {
		return card, nil
	}

	card.BoardID = toBoardID
	if err := s.updateCard(ctx, opMoveCard, &card, map[string]interface{}{"board_id": toBoardID}); err != nil {
		return Card{}, err
	}

	s.logCardEvent(ctx, opMoveCard, events.Entry{
		Kind:         events.KindCardBoardChanged,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      toBoardID,
		BoardContext: []string{fromBoardID, toBoardID},
	}, struct {
		FromBoardID string `json:"from_board_id"`
		ToBoardID   string `json:"to_board_id"`
	}{FromBoardID: fromBoardID, ToBoardID: toBoardID})
	return card, nil
}

// DeleteCard removes a card and its comments. Requires editor or better.
func (s *Service) DeleteCard(ctx context.Context, tenantID, actorID, cardID string) error {
	card, err := s.editableCard(ctx, tenantID, actorID, cardID)
	if err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("card_id = ?", cardID).Delete(&Comment{}).Error; err != nil {
			return err
		}
		return tx.Where("card_id = ?", cardID).Delete(&Card{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteCard, "delete_failed", txErr, zap.String("card_id", cardID))
		return newServiceError(opDeleteCard, "delete_failed", txErr)
	}

	s.logCardEvent(ctx, opDeleteCard, events.Entry{
		Kind:         events.KindCardDeleted,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      card.BoardID,
		BoardContext: []string{card.BoardID},
	}, struct {
		Title string `json:"title"`
	}{Title: card.Title})
	return nil
}

// AddComment records a comment on the card. Any board member may comment.
func (s *Service) AddComment(ctx context.Context, tenantID, actorID, cardID, body string) (Comment, error) {
	card, err := s.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return Comment{}, err
	}
	allowed, err := s.authority.IsViewer(ctx, tenantID, card.BoardID, actorID)
	if err != nil {
		return Comment{}, err
	}
	if !allowed {
		return Comment{}, ErrNotAuthorized
	}

	commentID, err := s.idProvider.NewID()
	if err != nil {
		return Comment{}, newServiceError(opAddComment, "id_generation_failed", err)
	}

	comment := Comment{
		ID:               commentID,
		TenantID:         tenantID,
		CardID:           cardID,
		AuthorID:         actorID,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		s.logError(opAddComment, "insert_failed", err, zap.String("card_id", cardID))
		return Comment{}, newServiceError(opAddComment, "insert_failed", err)
	}

	s.logCardEvent(ctx, opAddComment, events.Entry{
		Kind:         events.KindCommentCreated,
		TenantID:     tenantID,
		ActorID:      actorID,
		CardID:       cardID,
		BoardID:      card.BoardID,
		BoardContext: []string{card.BoardID},
	}, struct {
		CommentID string `json:"comment_id"`
	}{CommentID: commentID})
	return comment, nil
}

// DeleteBoard removes a board with every card on it. Requires owner. Each
// card's board context is captured before the board row disappears, then one
// card_deleted event per card is logged and fanned out independently.
func (s *Service) DeleteBoard(ctx context.Context, tenantID, actorID, boardID string) error {
	if _, err := s.authority.GetBoard(ctx, tenantID, boardID); err != nil {
		return err
	}
	allowed, err := s.authority.IsOwner(ctx, tenantID, boardID, actorID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}

	var doomed []Card
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND board_id = ?", tenantID, boardID).
		Find(&doomed).Error; err != nil {
		s.logError(opDeleteBoard, "card_capture_failed", err, zap.String("board_id", boardID))
		return newServiceError(opDeleteBoard, "card_capture_failed", err)
	}

	entries := make([]events.Entry, 0, len(doomed))
	for _, card := range doomed {
		payloadJSON, err := json.Marshal(struct {
			Title string `json:"title"`
		}{Title: card.Title})
		if err != nil {
			return newServiceError(opDeleteBoard, "payload_encode_failed", err)
		}
		entries = append(entries, events.Entry{
			Kind:         events.KindCardDeleted,
			TenantID:     tenantID,
			ActorID:      actorID,
			CardID:       card.ID,
			BoardID:      boardID,
			BoardContext: []string{boardID},
			PayloadJSON:  string(payloadJSON),
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cardIDs := make([]string, 0, len(doomed))
		for _, card := range doomed {
			cardIDs = append(cardIDs, card.ID)
		}
		if len(cardIDs) > 0 {
			if err := tx.Where("card_id IN ?", cardIDs).Delete(&Comment{}).Error; err != nil {
				return err
			}
			if err := tx.Where("card_id IN ?", cardIDs).Delete(&Card{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("board_id = ?", boardID).Delete(&boards.Membership{}).Error; err != nil {
			return err
		}
		return tx.Where("board_id = ?", boardID).Delete(&boards.Board{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteBoard, "delete_failed", txErr, zap.String("board_id", boardID))
		return newServiceError(opDeleteBoard, "delete_failed", txErr)
	}

	if _, err := s.eventLog.LogCardDeletedBatch(ctx, entries); err != nil {
		s.logError(opDeleteBoard, "event_log_failed", err, zap.String("board_id", boardID))
	}
	return nil
}

func (s *Service) editableCard(ctx context.Context, tenantID, actorID, cardID string) (Card, error) {
	card, err := s.GetCard(ctx, tenantID, cardID)
	if err != nil {
		return Card{}, err
	}
	if err := s.requireEditor(ctx, tenantID, card.BoardID, actorID); err != nil {
		return Card{}, err
	}
	return card, nil
}

func (s *Service) requireEditor(ctx context.Context, tenantID, boardID, actorID string) error {
	if _, err := s.authority.GetBoard(ctx, tenantID, boardID); err != nil {
		return err
	}
	allowed, err := s.authority.IsEditor(ctx, tenantID, boardID, actorID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) updateCard(ctx context.Context, operation string, card *Card, fields map[string]interface{}) error {
	now := s.clock().UTC().Unix()
	fields["updated_at_s"] = now
	card.UpdatedAtSeconds = now
	err := s.db.WithContext(ctx).Model(&Card{}).
		Where("card_id = ?", card.ID).
		Updates(fields).Error
	if err != nil {
		s.logError(operation, "update_failed", err, zap.String("card_id", card.ID))
		return newServiceError(operation, "update_failed", err)
	}
	return nil
}

// logCardEvent marshals the payload and records the event. The mutation has
// already committed, so failures are logged rather than returned.
func (s *Service) logCardEvent(ctx context.Context, operation string, entry events.Entry, payload interface{}) {
	if entry.PayloadJSON == "" && payload != nil {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			s.logError(operation, "payload_encode_failed", err)
			return
		}
		entry.PayloadJSON = string(payloadJSON)
	}
	if _, err := s.eventLog.LogEvent(ctx, entry); err != nil {
		s.logError(operation, "event_log_failed", err, zap.String("card_id", entry.CardID))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("card service error", attrs...)
}
