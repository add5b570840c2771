package boards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the board or membership does not exist.
	ErrNotFound = errors.New("boards: not found")
	// ErrNotAuthorized indicates the actor's role is insufficient for the change.
	ErrNotAuthorized = errors.New("boards: not authorized")
	// ErrLastOwner indicates the change would leave the board without an owner.
	ErrLastOwner = errors.New("boards: cannot remove last owner")
	// ErrSelfRemoval indicates an owner attempted to remove themselves.
	ErrSelfRemoval = errors.New("boards: owner cannot remove self")
	// ErrTenantMismatch indicates the target entity belongs to another tenant.
	ErrTenantMismatch = errors.New("boards: tenant mismatch")

	errMissingDatabase      = errors.New("database handle is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errMissingSubscriptions = errors.New("subscription store is required")
	errMissingEventLog      = errors.New("event log is required")
	noOpLogger              = zap.NewNop()
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
	opServiceNew         = "boards.service.new"
	opCreateBoard        = "boards.create_board"
	opAssignRole         = "boards.assign_role"
	opRemoveMember       = "boards.remove_member"
	opRoleOf             = "boards.role_of"
	opGetBoard           = "boards.get_board"
	opPostAnnouncement   = "boards.post_announcement"
	opUpdateAnnouncement = "boards.update_announcement"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// Subscriptions receives auto-subscribe side effects of role changes. Both
// calls are idempotent in the interval store.
type Subscriptions interface {
	FollowBoard(ctx context.Context, tenantID, boardID, userID string) error
	UnfollowBoard(ctx context.Context, tenantID, boardID, userID string) error
}

// EventLog records membership and announcement events.
type EventLog interface {
	LogEvent(ctx context.Context, entry events.Entry) (events.Event, error)
}

// ServiceConfig describes the dependencies of the membership authority.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Subscriptions Subscriptions
	EventLog      EventLog
	Logger        *zap.Logger
}

// Service owns per-board role assignments and their invariants: every board
// keeps at least one owner, and a user holds exactly one role per board.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	subscriptions Subscriptions
	eventLog      EventLog
	logger        *zap.Logger
}

// NewService constructs the board membership authority.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Subscriptions == nil {
		return nil, newServiceError(opServiceNew, "missing_subscriptions", errMissingSubscriptions)
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
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		subscriptions: cfg.Subscriptions,
		eventLog:      cfg.EventLog,
		logger:        logger,
	}, nil
}

// CreateBoard creates a tenant-scoped board and makes the creator its first
// owner. The creator is auto-subscribed and the ownership grant is logged.
func (s *Service) CreateBoard(ctx context.Context, tenantID, actorID, name string, visibility Visibility) (Board, error) {
	boardID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateBoard, "id_generation_failed", err)
		return Board{}, newServiceError(opCreateBoard, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	board := Board{
		ID:               boardID,
		TenantID:         tenantID,
		Name:             name,
		Visibility:       visibility,
		CreatedAtSeconds: now,
	}
	membership := Membership{
		BoardID:          boardID,
		UserID:           actorID,
		TenantID:         tenantID,
		Role:             RoleOwner,
		GrantedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&board).Error; err != nil {
			return newServiceError(opCreateBoard, "board_insert_failed", err)
		}
		if err := tx.Create(&membership).Error; err != nil {
			return newServiceError(opCreateBoard, "membership_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateBoard, "transaction_failed", txErr, zap.String("board_id", boardID))
		return Board{}, txErr
	}

	s.scheduleGrantSideEffects(ctx, tenantID, boardID, actorID, actorID, RoleOwner)
	return board, nil
}

// GetBoard loads a board, enforcing tenant scope.
func (s *Service) GetBoard(ctx context.Context, tenantID, boardID string) (Board, error) {
	var board Board
	err := s.db.WithContext(ctx).Where("board_id = ?", boardID).Take(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGetBoard, "query_failed", err, zap.String("board_id", boardID))
		return Board{}, newServiceError(opGetBoard, "query_failed", err)
	}
	if board.TenantID != tenantID {
		return Board{}, ErrTenantMismatch
	}
	return board, nil
}

// AssignRole grants the target user a role on the board. Granting owner
// requires the actor to be an owner; granting editor or viewer requires owner
// or editor. A grant already implied by the target's current role is a
// side-effect-free no-op: the row is untouched and nothing is logged.
func (s *Service) AssignRole(ctx context.Context, tenantID, boardID, actorID, targetID string, role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return newServiceError(opAssignRole, "invalid_role", err)
	}
	if _, err := s.GetBoard(ctx, tenantID, boardID); err != nil {
		return err
	}

	actorRole, actorIsMember, err := s.RoleOf(ctx, tenantID, boardID, actorID)
	if err != nil {
		return err
	}
	if !actorIsMember {
		return ErrNotAuthorized
	}
	if role == RoleOwner && actorRole != RoleOwner {
		return ErrNotAuthorized
	}
	if role != RoleOwner && !actorRole.Subsumes(RoleEditor) {
		return ErrNotAuthorized
	}

	targetRole, targetIsMember, err := s.RoleOf(ctx, tenantID, boardID, targetID)
	if err != nil {
		return err
	}
	if targetIsMember && targetRole.Subsumes(role) {
		return nil
	}

	now := s.clock().UTC().Unix()
	membership := Membership{
		BoardID:          boardID,
		UserID:           targetID,
		TenantID:         tenantID,
		Role:             role,
		GrantedAtSeconds: now,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if targetIsMember {
			return tx.Model(&Membership{}).
				Where("board_id = ? AND user_id = ?", boardID, targetID).
				Updates(map[string]interface{}{"role": role, "granted_at_s": now}).Error
		}
		return tx.Create(&membership).Error
	})
	if txErr != nil {
		s.logError(opAssignRole, "membership_write_failed", txErr,
			zap.String("board_id", boardID), zap.String("target_id", targetID))
		return newServiceError(opAssignRole, "membership_write_failed", txErr)
	}

	s.scheduleGrantSideEffects(ctx, tenantID, boardID, actorID, targetID, role)
	return nil
}

// RemoveMember deletes the target's membership row. Removing the sole owner
// fails with ErrLastOwner no matter who asks; an owner removing themselves
// fails with ErrSelfRemoval. Non-owners may always remove themselves (leave
// the board); removing another user requires editor or better, and removing
// an owner requires an owner.
func (s *Service) RemoveMember(ctx context.Context, tenantID, boardID, actorID, targetID string) error {
	if _, err := s.GetBoard(ctx, tenantID, boardID); err != nil {
		return err
	}

	targetRole, targetIsMember, err := s.RoleOf(ctx, tenantID, boardID, targetID)
	if err != nil {
		return err
	}
	if !targetIsMember {
		return ErrNotFound
	}

	if targetRole == RoleOwner {
		ownerCount, err := s.countOwners(ctx, boardID)
		if err != nil {
			return err
		}
		if ownerCount <= 1 {
			return ErrLastOwner
		}
	}

	if actorID == targetID {
		if targetRole == RoleOwner {
			return ErrSelfRemoval
		}
	} else {
		actorRole, actorIsMember, err := s.RoleOf(ctx, tenantID, boardID, actorID)
		if err != nil {
			return err
		}
		if !actorIsMember || !actorRole.Subsumes(RoleEditor) {
			return ErrNotAuthorized
		}
		if targetRole == RoleOwner && actorRole != RoleOwner {
			return ErrNotAuthorized
		}
	}

	if err := s.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ?", boardID, targetID).
		Delete(&Membership{}).Error; err != nil {
		s.logError(opRemoveMember, "membership_delete_failed", err,
			zap.String("board_id", boardID), zap.String("target_id", targetID))
		return newServiceError(opRemoveMember, "membership_delete_failed", err)
	}

	if err := s.subscriptions.UnfollowBoard(ctx, tenantID, boardID, targetID); err != nil {
		s.logError(opRemoveMember, "unsubscribe_failed", err,
			zap.String("board_id", boardID), zap.String("target_id", targetID))
	}
	s.logMembershipEvent(ctx, tenantID, boardID, actorID, targetID, events.KindMemberRemoved, "")
	return nil
}

// RoleOf returns the target's role on the board and whether a membership row
// exists.
func (s *Service) RoleOf(ctx context.Context, tenantID, boardID, userID string) (Role, bool, error) {
	var membership Membership
	err := s.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ? AND tenant_id = ?", boardID, userID, tenantID).
		Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opRoleOf, "query_failed", err,
			zap.String("board_id", boardID), zap.String("user_id", userID))
		return "", false, newServiceError(opRoleOf, "query_failed", err)
	}
	return membership.Role, true, nil
}

// IsOwner reports whether the user holds the owner role on the board.
func (s *Service) IsOwner(ctx context.Context, tenantID, boardID, userID string) (bool, error) {
	role, isMember, err := s.RoleOf(ctx, tenantID, boardID, userID)
	if err != nil {
		return false, err
	}
	return isMember && role.Subsumes(RoleOwner), nil
}

// IsEditor reports whether the user holds editor capabilities (owner or editor).
func (s *Service) IsEditor(ctx context.Context, tenantID, boardID, userID string) (bool, error) {
	role, isMember, err := s.RoleOf(ctx, tenantID, boardID, userID)
	if err != nil {
		return false, err
	}
	return isMember && role.Subsumes(RoleEditor), nil
}

// IsViewer reports whether the user holds any role on the board.
func (s *Service) IsViewer(ctx context.Context, tenantID, boardID, userID string) (bool, error) {
	role, isMember, err := s.RoleOf(ctx, tenantID, boardID, userID)
	if err != nil {
		return false, err
	}
	return isMember && role.Subsumes(RoleViewer), nil
}

// ListMemberIDs returns the user ids holding any role on the board.
func (s *Service) ListMemberIDs(ctx context.Context, tenantID, boardID string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("board_id = ? AND tenant_id = ?", boardID, tenantID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, newServiceError(opRoleOf, "query_failed", err)
	}
	return userIDs, nil
}

// PostAnnouncement creates a board announcement. Requires editor or better.
func (s *Service) PostAnnouncement(ctx context.Context, tenantID, boardID, actorID, title, body string) (Announcement, error) {
	if _, err := s.GetBoard(ctx, tenantID, boardID); err != nil {
		return Announcement{}, err
	}
	allowed, err := s.IsEditor(ctx, tenantID, boardID, actorID)
	if err != nil {
		return Announcement{}, err
	}
	if !allowed {
		return Announcement{}, ErrNotAuthorized
	}

	announcementID, err := s.idProvider.NewID()
	if err != nil {
		return Announcement{}, newServiceError(opPostAnnouncement, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	announcement := Announcement{
		ID:               announcementID,
		TenantID:         tenantID,
		BoardID:          boardID,
		AuthorID:         actorID,
		Title:            title,
		Body:             body,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&announcement).Error; err != nil {
		s.logError(opPostAnnouncement, "insert_failed", err, zap.String("board_id", boardID))
		return Announcement{}, newServiceError(opPostAnnouncement, "insert_failed", err)
	}

	s.logAnnouncementEvent(ctx, tenantID, boardID, actorID, announcementID, title, events.KindAnnouncementCreated)
	return announcement, nil
}

// UpdateAnnouncement rewrites an announcement's title and body. Requires
// editor or better on the owning board.
func (s *Service) UpdateAnnouncement(ctx context.Context, tenantID, announcementID, actorID, title, body string) (Announcement, error) {
	var announcement Announcement
	err := s.db.WithContext(ctx).
		Where("announcement_id = ?", announcementID).
		Take(&announcement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Announcement{}, ErrNotFound
	}
	if err != nil {
		return Announcement{}, newServiceError(opUpdateAnnouncement, "query_failed", err)
	}
	if announcement.TenantID != tenantID {
		return Announcement{}, ErrTenantMismatch
	}

	allowed, err := s.IsEditor(ctx, tenantID, announcement.BoardID, actorID)
	if err != nil {
		return Announcement{}, err
	}
	if !allowed {
		return Announcement{}, ErrNotAuthorized
	}

	now := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&Announcement{}).
		Where("announcement_id = ?", announcementID).
		Updates(map[string]interface{}{
			"title":        title,
			"body":         body,
			"updated_at_s": now,
		}).Error; err != nil {
		s.logError(opUpdateAnnouncement, "update_failed", err, zap.String("announcement_id", announcementID))
		return Announcement{}, newServiceError(opUpdateAnnouncement, "update_failed", err)
	}

	announcement.Title = title
	announcement.Body = body
	announcement.UpdatedAtSeconds = now
	s.logAnnouncementEvent(ctx, tenantID, announcement.BoardID, actorID, announcementID, title, events.KindAnnouncementUpdated)
	return announcement, nil
}

func (s *Service) countOwners(ctx context.Context, boardID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("board_id = ? AND role = ?", boardID, RoleOwner).
		Count(&count).Error
	if err != nil {
		return 0, newServiceError(opRemoveMember, "owner_count_failed", err)
	}
	return count, nil
}

func (s *Service) scheduleGrantSideEffects(ctx context.Context, tenantID, boardID, actorID, targetID string, role Role) {
	if err := s.subscriptions.FollowBoard(ctx, tenantID, boardID, targetID); err != nil {
		s.logError(opAssignRole, "auto_subscribe_failed", err,
			zap.String("board_id", boardID), zap.String("target_id", targetID))
	}
	kind := events.KindMemberAddedViewer
	switch role {
	case RoleOwner:
		kind = events.KindMemberAddedOwner
	case RoleEditor:
		kind = events.KindMemberAddedEditor
	}
	s.logMembershipEvent(ctx, tenantID, boardID, actorID, targetID, kind, string(role))
}

func (s *Service) logMembershipEvent(ctx context.Context, tenantID, boardID, actorID, targetID string, kind events.Kind, role string) {
	payload := struct {
		TargetUserID string `json:"target_user_id"`
		Role         string `json:"role,omitempty"`
	}{TargetUserID: targetID, Role: role}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		s.logError(opAssignRole, "payload_encode_failed", err)
		return
	}
	_, err = s.eventLog.LogEvent(ctx, events.Entry{
		Kind:         kind,
		TenantID:     tenantID,
		ActorID:      actorID,
		BoardID:      boardID,
		BoardContext: []string{boardID},
		PayloadJSON:  string(payloadJSON),
	})
	if err != nil {
		s.logError(opAssignRole, "event_log_failed", err, zap.String("board_id", boardID))
	}
}

func (s *Service) logAnnouncementEvent(ctx context.Context, tenantID, boardID, actorID, announcementID, title string, kind events.Kind) {
	payload := struct {
		AnnouncementID string `json:"announcement_id"`
		Title          string `json:"title"`
	}{AnnouncementID: announcementID, Title: title}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		s.logError(opPostAnnouncement, "payload_encode_failed", err)
		return
	}
	_, err = s.eventLog.LogEvent(ctx, events.Entry{
		Kind:         kind,
		TenantID:     tenantID,
		ActorID:      actorID,
		BoardID:      boardID,
		BoardContext: []string{boardID},
		PayloadJSON:  string(payloadJSON),
	})
	if err != nil {
		s.logError(opPostAnnouncement, "event_log_failed", err, zap.String("board_id", boardID))
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
	s.logger.Error("board membership error", attrs...)
}
