package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCardIndex  = errors.New("card index is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries an operation-scoped error code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "subscriptions.store.new"
	opFollowBoard   = "subscriptions.follow_board"
	opUnfollowBoard = "subscriptions.unfollow_board"
	opFollowCard    = "subscriptions.follow_card"
	opUnfollowCard  = "subscriptions.unfollow_card"
	opMuteCard      = "subscriptions.mute_card"
	opUnmuteCard    = "subscriptions.unmute_card"
	opIsActive      = "subscriptions.is_active"
	opFollowerIDs   = "subscriptions.follower_ids"
	opMutedUserIDs  = "subscriptions.muted_user_ids"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// IDProvider issues identifiers for new interval rows.
type IDProvider interface {
	NewID() (string, error)
}

// CardIndex resolves which cards live under a board. The follow/unfollow
// operations close card-level mute intervals across a whole board, which
// requires the card directory owned by the cards package.
type CardIndex interface {
	CardIDsOnBoard(ctx context.Context, tenantID, boardID string) ([]string, error)
}

// StoreConfig describes the dependencies of the interval store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Cards      CardIndex
	Logger     *zap.Logger
}

// Store owns time-bounded follow/mute records per (subject, user). Every
// toggle is an idempotent no-op when the requested state already holds.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	cards      CardIndex
	logger     *zap.Logger
}

// NewStore constructs the subscription interval store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Cards == nil {
		return nil, newStoreError(opStoreNew, "missing_card_index", errMissingCardIndex)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		cards:      cfg.Cards,
		logger:     logger,
	}, nil
}

// FollowBoard opens a board-follow interval for the user if none is active.
// Activation also closes every active card-mute the user holds on cards under
// this board: re-following clears prior suppressions.
func (s *Store) FollowBoard(ctx context.Context, tenantID, boardID, userID string) error {
	now := s.clock().UTC().Unix()
	cardIDs, err := s.cards.CardIDsOnBoard(ctx, tenantID, boardID)
	if err != nil {
		s.logError(opFollowBoard, "card_index_failed", err, zap.String("board_id", boardID))
		return newStoreError(opFollowBoard, "card_index_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		opened, err := s.openInterval(tx, tenantID, ScopeBoard, boardID, userID, ModeFollow, now)
		if err != nil {
			return newStoreError(opFollowBoard, "open_failed", err)
		}
		if !opened {
			return nil
		}
		if err := closeIntervals(tx, ScopeCard, cardIDs, userID, ModeMute, now); err != nil {
			return newStoreError(opFollowBoard, "mute_cleanup_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opFollowBoard, "transaction_failed", txErr,
			zap.String("board_id", boardID), zap.String("user_id", userID))
	}
	return txErr
}

// UnfollowBoard closes the user's active board-follow interval along with
// their active card-mute intervals on this board's cards, which have no
// effect once the board is no longer followed.
func (s *Store) UnfollowBoard(ctx context.Context, tenantID, boardID, userID string) error {
	now := s.clock().UTC().Unix()
	cardIDs, err := s.cards.CardIDsOnBoard(ctx, tenantID, boardID)
	if err != nil {
		s.logError(opUnfollowBoard, "card_index_failed", err, zap.String("board_id", boardID))
		return newStoreError(opUnfollowBoard, "card_index_failed", err)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := closeIntervals(tx, ScopeBoard, []string{boardID}, userID, ModeFollow, now); err != nil {
			return newStoreError(opUnfollowBoard, "close_failed", err)
		}
		if err := closeIntervals(tx, ScopeCard, cardIDs, userID, ModeMute, now); err != nil {
			return newStoreError(opUnfollowBoard, "mute_cleanup_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opUnfollowBoard, "transaction_failed", txErr,
			zap.String("board_id", boardID), zap.String("user_id", userID))
	}
	return txErr
}

// FollowCard opens a card-follow interval if none is active.
func (s *Store) FollowCard(ctx context.Context, tenantID, cardID, userID string) error {
	return s.toggleOpen(ctx, opFollowCard, tenantID, ScopeCard, cardID, userID, ModeFollow)
}

// UnfollowCard closes the active card-follow interval, if any.
func (s *Store) UnfollowCard(ctx context.Context, tenantID, cardID, userID string) error {
	return s.toggleClose(ctx, opUnfollowCard, ScopeCard, cardID, userID, ModeFollow)
}

// MuteCard opens a card-mute interval if none is active, independent of any
// follow state the user holds.
func (s *Store) MuteCard(ctx context.Context, tenantID, cardID, userID string) error {
	return s.toggleOpen(ctx, opMuteCard, tenantID, ScopeCard, cardID, userID, ModeMute)
}

// UnmuteCard closes the active card-mute interval, if any.
func (s *Store) UnmuteCard(ctx context.Context, tenantID, cardID, userID string) error {
	return s.toggleClose(ctx, opUnmuteCard, ScopeCard, cardID, userID, ModeMute)
}

// IsActive reports whether the user held an active interval of the given mode
// on the subject at the provided instant.
func (s *Store) IsActive(ctx context.Context, scope Scope, subjectID, userID string, mode Mode, at time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&FollowInterval{}).
		Where("scope = ? AND subject_id = ? AND user_id = ? AND mode = ? AND started_at_s <= ? AND ended_at_s IS NULL",
			scope, subjectID, userID, mode, at.UTC().Unix()).
		Count(&count).Error
	if err != nil {
		s.logError(opIsActive, "query_failed", err, zap.String("subject_id", subjectID))
		return false, newStoreError(opIsActive, "query_failed", err)
	}
	return count > 0, nil
}

// BoardFollowerIDs returns the users with an active board-follow interval at
// the provided instant.
func (s *Store) BoardFollowerIDs(ctx context.Context, boardID string, at time.Time) ([]string, error) {
	return s.activeUserIDs(ctx, ScopeBoard, boardID, ModeFollow, at)
}

// CardFollowerIDs returns the users with an active card-follow interval at
// the provided instant.
func (s *Store) CardFollowerIDs(ctx context.Context, cardID string, at time.Time) ([]string, error) {
	return s.activeUserIDs(ctx, ScopeCard, cardID, ModeFollow, at)
}

// CardMutedUserIDs returns the users with an active card-mute interval at the
// provided instant.
func (s *Store) CardMutedUserIDs(ctx context.Context, cardID string, at time.Time) ([]string, error) {
	return s.activeUserIDs(ctx, ScopeCard, cardID, ModeMute, at)
}

func (s *Store) activeUserIDs(ctx context.Context, scope Scope, subjectID string, mode Mode, at time.Time) ([]string, error) {
	if subjectID == "" {
		return nil, nil
	}
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&FollowInterval{}).
		Where("scope = ? AND subject_id = ? AND mode = ? AND started_at_s <= ? AND ended_at_s IS NULL",
			scope, subjectID, mode, at.UTC().Unix()).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		operation := opFollowerIDs
		if mode == ModeMute {
			operation = opMutedUserIDs
		}
		s.logError(operation, "query_failed", err, zap.String("subject_id", subjectID))
		return nil, newStoreError(operation, "query_failed", err)
	}
	return userIDs, nil
}

func (s *Store) toggleOpen(ctx context.Context, operation, tenantID string, scope Scope, subjectID, userID string, mode Mode) error {
	now := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.openInterval(tx, tenantID, scope, subjectID, userID, mode, now); err != nil {
			return newStoreError(operation, "open_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(operation, "transaction_failed", txErr,
			zap.String("subject_id", subjectID), zap.String("user_id", userID))
	}
	return txErr
}

func (s *Store) toggleClose(ctx context.Context, operation string, scope Scope, subjectID, userID string, mode Mode) error {
	now := s.clock().UTC().Unix()
	err := closeIntervals(s.db.WithContext(ctx), scope, []string{subjectID}, userID, mode, now)
	if err != nil {
		s.logError(operation, "close_failed", err,
			zap.String("subject_id", subjectID), zap.String("user_id", userID))
		return newStoreError(operation, "close_failed", err)
	}
	return nil
}

// openInterval inserts a fresh interval row unless one is already active.
// Returns true when a new interval was opened.
func (s *Store) openInterval(tx *gorm.DB, tenantID string, scope Scope, subjectID, userID string, mode Mode, now int64) (bool, error) {
	var count int64
	err := tx.Model(&FollowInterval{}).
		Where("scope = ? AND subject_id = ? AND user_id = ? AND mode = ? AND ended_at_s IS NULL",
			scope, subjectID, userID, mode).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	intervalID, err := s.idProvider.NewID()
	if err != nil {
		return false, err
	}
	interval := FollowInterval{
		ID:               intervalID,
		TenantID:         tenantID,
		Scope:            scope,
		SubjectID:        subjectID,
		UserID:           userID,
		Mode:             mode,
		StartedAtSeconds: now,
	}
	if err := tx.Create(&interval).Error; err != nil {
		return false, err
	}
	return true, nil
}

// closeIntervals patches ended_at_s onto every active interval matching the
// subjects. Already-closed rows are untouched; history is never deleted.
func closeIntervals(tx *gorm.DB, scope Scope, subjectIDs []string, userID string, mode Mode, now int64) error {
	if len(subjectIDs) == 0 {
		return nil
	}
	return tx.Model(&FollowInterval{}).
		Where("scope = ? AND subject_id IN ? AND user_id = ? AND mode = ? AND ended_at_s IS NULL",
			scope, subjectIDs, userID, mode).
		Update("ended_at_s", now).Error
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("subscription store error", attrs...)
}
