package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingIntervals = errors.New("interval store is required")
	noOpLogger          = zap.NewNop()
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
	opServiceNew   = "feeds.service.new"
	opGetFeed      = "feeds.get_feed"
	opSubscribers  = "feeds.board_subscribers"
	opCardWatchers = "feeds.card_watchers"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IntervalReader exposes the point-in-time subscription queries the read
// surface needs. All methods are pure reads.
type IntervalReader interface {
	IsActive(ctx context.Context, scope subscriptions.Scope, subjectID, userID string, mode subscriptions.Mode, at time.Time) (bool, error)
	BoardFollowerIDs(ctx context.Context, boardID string, at time.Time) ([]string, error)
	CardFollowerIDs(ctx context.Context, cardID string, at time.Time) ([]string, error)
	CardMutedUserIDs(ctx context.Context, cardID string, at time.Time) ([]string, error)
}

// BoardLocator resolves which board a card currently lives on. Card watcher
// queries fold the card's board followers into the result.
type BoardLocator interface {
	BoardIDOf(ctx context.Context, tenantID, cardID string) (string, error)
}

// ServiceConfig describes the dependencies of the feed read surface.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Intervals IntervalReader
	Boards    BoardLocator
	Logger    *zap.Logger
}

// Service is the queryable, paginated per-user feed plus the subscription
// status reads exposed to the presentation layer. Every method is a pure
// read; unknown users and tenants yield empty results, never errors.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	intervals IntervalReader
	boards    BoardLocator
	logger    *zap.Logger
}

// NewService constructs the feed read service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Intervals == nil {
		return nil, newServiceError(opServiceNew, "missing_intervals", errMissingIntervals)
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
		db:        cfg.Database,
		clock:     clock,
		intervals: cfg.Intervals,
		boards:    cfg.Boards,
		logger:    logger,
	}, nil
}

// FeedPage is one page of a user's feed in reverse insertion order.
type FeedPage struct {
	Items      []FeedItem
	NextCursor int64
	HasMore    bool
}

// GetFeed returns the user's materialized feed in reverse chronological
// (insertion) order. The cursor is the Sequence of the last item of the
// previous page; zero starts from the newest item. Sequence cursors stay
// stable under concurrent inserts, unlike absolute offsets.
func (s *Service) GetFeed(ctx context.Context, tenantID, userID string, cursor int64, pageSize int) (FeedPage, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID)
	if cursor > 0 {
		query = query.Where("sequence < ?", cursor)
	}

	var items []FeedItem
	if err := query.Order("sequence DESC").Limit(pageSize + 1).Find(&items).Error; err != nil {
		s.logError(opGetFeed, "query_failed", err, zap.String("user_id", userID))
		return FeedPage{}, newServiceError(opGetFeed, "query_failed", err)
	}

	page := FeedPage{Items: items}
	if len(items) > pageSize {
		page.Items = items[:pageSize]
		page.HasMore = true
	}
	if len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].Sequence
	}
	return page, nil
}

// BoardSubscriberIDs returns the users actively following the board now.
func (s *Service) BoardSubscriberIDs(ctx context.Context, boardID string) ([]string, error) {
	followerIDs, err := s.intervals.BoardFollowerIDs(ctx, boardID, s.clock())
	if err != nil {
		return nil, newServiceError(opSubscribers, "query_failed", err)
	}
	sort.Strings(followerIDs)
	return followerIDs, nil
}

// CardWatcherIDs returns the users who would currently receive events for the
// card: the card's explicit followers plus its board's followers, minus the
// users actively muting the card.
func (s *Service) CardWatcherIDs(ctx context.Context, tenantID, cardID string) ([]string, error) {
	now := s.clock()

	watcherSet := make(map[string]struct{})
	cardFollowerIDs, err := s.intervals.CardFollowerIDs(ctx, cardID, now)
	if err != nil {
		return nil, newServiceError(opCardWatchers, "card_followers_failed", err)
	}
	for _, userID := range cardFollowerIDs {
		watcherSet[userID] = struct{}{}
	}

	if s.boards != nil {
		boardID, err := s.boards.BoardIDOf(ctx, tenantID, cardID)
		if err != nil {
			return nil, newServiceError(opCardWatchers, "board_lookup_failed", err)
		}
		if boardID != "" {
			boardFollowerIDs, err := s.intervals.BoardFollowerIDs(ctx, boardID, now)
			if err != nil {
				return nil, newServiceError(opCardWatchers, "board_followers_failed", err)
			}
			for _, userID := range boardFollowerIDs {
				watcherSet[userID] = struct{}{}
			}
		}
	}

	mutedIDs, err := s.intervals.CardMutedUserIDs(ctx, cardID, now)
	if err != nil {
		return nil, newServiceError(opCardWatchers, "muted_users_failed", err)
	}
	for _, userID := range mutedIDs {
		delete(watcherSet, userID)
	}

	watcherIDs := make([]string, 0, len(watcherSet))
	for userID := range watcherSet {
		watcherIDs = append(watcherIDs, userID)
	}
	sort.Strings(watcherIDs)
	return watcherIDs, nil
}

// IsSubscribedToBoard reports whether the user actively follows the board.
func (s *Service) IsSubscribedToBoard(ctx context.Context, boardID, userID string) (bool, error) {
	return s.intervals.IsActive(ctx, subscriptions.ScopeBoard, boardID, userID, subscriptions.ModeFollow, s.clock())
}

// IsCardMuted reports whether the user actively mutes the card.
func (s *Service) IsCardMuted(ctx context.Context, cardID, userID string) (bool, error) {
	return s.intervals.IsActive(ctx, subscriptions.ScopeCard, cardID, userID, subscriptions.ModeMute, s.clock())
}

// IsWatchingCard reports whether the user would receive events for the card
// right now: following it directly or through its board, and not muting it.
func (s *Service) IsWatchingCard(ctx context.Context, tenantID, cardID, userID string) (bool, error) {
	muted, err := s.IsCardMuted(ctx, cardID, userID)
	if err != nil {
		return false, err
	}
	if muted {
		return false, nil
	}

	now := s.clock()
	followsCard, err := s.intervals.IsActive(ctx, subscriptions.ScopeCard, cardID, userID, subscriptions.ModeFollow, now)
	if err != nil {
		return false, err
	}
	if followsCard {
		return true, nil
	}

	if s.boards == nil {
		return false, nil
	}
	boardID, err := s.boards.BoardIDOf(ctx, tenantID, cardID)
	if err != nil {
		return false, newServiceError(opCardWatchers, "board_lookup_failed", err)
	}
	if boardID == "" {
		return false, nil
	}
	return s.intervals.IsActive(ctx, subscriptions.ScopeBoard, boardID, userID, subscriptions.ModeFollow, now)
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
	s.logger.Error("feed service error", attrs...)
}
