package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingTenantID   = errors.New("tenant identifier is required")
	errMissingActorID    = errors.New("actor identifier is required")
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
	opServiceNew      = "events.service.new"
	opLogEvent        = "events.log_event"
	opLogDeletedBatch = "events.log_card_deleted_batch"
	opListCardHistory = "events.list_card_history"
	opLookupByEventID = "events.lookup_by_event_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new event rows.
type IDProvider interface {
	NewID() (string, error)
}

// Dispatcher receives the identifier of a committed event whose fan-out task
// is pending. Implementations must not block the caller; the outbox row is
// the durable fallback when the enqueue is dropped.
type Dispatcher interface {
	Enqueue(eventID, cardID string)
}

// Entry describes a domain event to append. BoardID is empty for events with
// no single home board; BoardContext lists every board whose followers must
// be considered (zero, one, or two boards).
type Entry struct {
	Kind         Kind
	TenantID     string
	ActorID      string
	CardID       string
	BoardID      string
	BoardContext []string
	PayloadJSON  string
}

// ServiceConfig describes the dependencies of the event log.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// Service owns the append-only event log and schedules fan-out tasks.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewService constructs the event log service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// SetDispatcher wires the fan-out dispatcher after construction. The event
// log and the engine reference each other at runtime, so one side is attached
// late during startup wiring.
func (s *Service) SetDispatcher(dispatcher Dispatcher) {
	s.dispatcher = dispatcher
}

// LogEvent appends an immutable event row and commits a pending fan-out task
// in the same transaction. The dispatcher is notified only after the commit
// succeeds; a failed or dropped notification leaves the task pending for the
// startup sweep. Fan-out failures never propagate to the caller.
func (s *Service) LogEvent(ctx context.Context, entry Entry) (Event, error) {
	if _, err := ParseKind(string(entry.Kind)); err != nil {
		s.logError(opLogEvent, "invalid_kind", err, zap.String("kind", string(entry.Kind)))
		return Event{}, newServiceError(opLogEvent, "invalid_kind", err)
	}
	if entry.TenantID == "" {
		return Event{}, newServiceError(opLogEvent, "missing_tenant_id", errMissingTenantID)
	}
	if entry.ActorID == "" {
		return Event{}, newServiceError(opLogEvent, "missing_actor_id", errMissingActorID)
	}

	event, err := s.appendEvent(ctx, entry)
	if err != nil {
		return Event{}, err
	}

	s.notify(event.EventID, event.CardID)
	return event, nil
}

// LogCardDeletedBatch appends one card_deleted event per entry, each with the
// board context captured by the caller before the board row disappeared. Each
// card's event commits and fans out independently of the others.
func (s *Service) LogCardDeletedBatch(ctx context.Context, entries []Entry) ([]Event, error) {
	logged := make([]Event, 0, len(entries))
	for _, entry := range entries {
		entry.Kind = KindCardDeleted
		if entry.TenantID == "" {
			return logged, newServiceError(opLogDeletedBatch, "missing_tenant_id", errMissingTenantID)
		}
		if entry.ActorID == "" {
			return logged, newServiceError(opLogDeletedBatch, "missing_actor_id", errMissingActorID)
		}
		event, err := s.appendEvent(ctx, entry)
		if err != nil {
			s.logError(opLogDeletedBatch, "append_failed", err, zap.String("card_id", entry.CardID))
			return logged, err
		}
		logged = append(logged, event)
		s.notify(event.EventID, event.CardID)
	}
	return logged, nil
}

// ListCardHistory returns the event rows for one card in logging order.
func (s *Service) ListCardHistory(ctx context.Context, tenantID, cardID string) ([]Event, error) {
	var rows []Event
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND card_id = ?", tenantID, cardID).
		Order("sequence ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListCardHistory, "query_failed", err, zap.String("card_id", cardID))
		return nil, newServiceError(opListCardHistory, "query_failed", err)
	}
	return rows, nil
}

// ByEventID loads a single event row.
func (s *Service) ByEventID(ctx context.Context, eventID string) (Event, error) {
	var row Event
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Take(&row).Error; err != nil {
		return Event{}, newServiceError(opLookupByEventID, "query_failed", err)
	}
	return row, nil
}

func (s *Service) appendEvent(ctx context.Context, entry Entry) (Event, error) {
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opLogEvent, "id_generation_failed", err)
		return Event{}, newServiceError(opLogEvent, "id_generation_failed", err)
	}

	contextJSON, err := json.Marshal(entry.BoardContext)
	if err != nil {
		return Event{}, newServiceError(opLogEvent, "board_context_encode_failed", err)
	}

	now := s.clock().UTC().Unix()
	event := Event{
		EventID:           eventID,
		TenantID:          entry.TenantID,
		ActorID:           entry.ActorID,
		CardID:            entry.CardID,
		BoardID:           entry.BoardID,
		Kind:              entry.Kind,
		PayloadJSON:       entry.PayloadJSON,
		OccurredAtSeconds: now,
	}
	task := FanoutTask{
		EventID:          eventID,
		CardID:           entry.CardID,
		BoardContextJSON: string(contextJSON),
		State:            TaskStatePending,
		CreatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return newServiceError(opLogEvent, "event_insert_failed", err)
		}
		if err := tx.Create(&task).Error; err != nil {
			return newServiceError(opLogEvent, "task_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opLogEvent, "transaction_failed", txErr,
			zap.String("kind", string(entry.Kind)),
			zap.String("card_id", entry.CardID))
		return Event{}, txErr
	}

	return event, nil
}

func (s *Service) notify(eventID, cardID string) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Enqueue(eventID, cardID)
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
	s.logger.Error("event log error", attrs...)
}
