package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/events"
	"github.com/corkboardhq/corkboard/backend/internal/feeds"
	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultWorkers       = 4
	defaultQueueDepth    = 256
	defaultMaxAttempts   = 3
	defaultRetryDelay    = 250 * time.Millisecond
	defaultSweepInterval = 30 * time.Second
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingIntervals = errors.New("interval store is required")
)

// IntervalReader exposes the point-in-time subscription queries the recipient
// computation needs.
type IntervalReader interface {
	BoardFollowerIDs(ctx context.Context, boardID string, at time.Time) ([]string, error)
	CardFollowerIDs(ctx context.Context, cardID string, at time.Time) ([]string, error)
	CardMutedUserIDs(ctx context.Context, cardID string, at time.Time) ([]string, error)
}

// EngineConfig describes the dependencies and tuning of the fan-out engine.
type EngineConfig struct {
	Database      *gorm.DB
	Intervals     IntervalReader
	Workers       int
	QueueDepth    int
	MaxAttempts   int
	RetryDelay    time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
}

type task struct {
	eventID string
	cardID  string
}

// Engine consumes fan-out tasks and materializes feed items. Tasks are routed
// to workers by a hash of the card id, so events on the same card fan out in
// logging order; no ordering holds across cards. Recipient computation and
// feed writes are safe to re-run: the feed store's (event_id, user_id)
// uniqueness absorbs duplicate attempts.
type Engine struct {
	db            *gorm.DB
	intervals     IntervalReader
	logger        *zap.Logger
	queues        []chan task
	maxAttempts   int
	retryDelay    time.Duration
	sweepInterval time.Duration

	wg   sync.WaitGroup
	quit chan struct{}
	once sync.Once
}

// NewEngine constructs the fan-out engine. Call Start before enqueueing.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Intervals == nil {
		return nil, errMissingIntervals
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	queues := make([]chan task, workers)
	for i := range queues {
		queues[i] = make(chan task, queueDepth)
	}

	return &Engine{
		db:            cfg.Database,
		intervals:     cfg.Intervals,
		logger:        logger,
		queues:        queues,
		maxAttempts:   maxAttempts,
		retryDelay:    retryDelay,
		sweepInterval: sweepInterval,
		quit:          make(chan struct{}),
	}, nil
}

// Start launches the worker pool, re-enqueues tasks left pending by a prior
// crash, and begins the periodic sweep that picks up dropped enqueues.
func (e *Engine) Start(ctx context.Context) {
	for i := range e.queues {
		e.wg.Add(1)
		go e.worker(ctx, e.queues[i])
	}

	e.sweep(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.quit:
				return
			case <-ticker.C:
				e.sweep(ctx)
			}
		}
	}()
}

// Stop signals the workers and waits for in-flight tasks to finish.
func (e *Engine) Stop() {
	e.once.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// Enqueue routes a committed event's fan-out task to its card's worker. The
// send never blocks the request path: on a full queue the task stays pending
// in the outbox and the sweep retries it.
func (e *Engine) Enqueue(eventID, cardID string) {
	shardKey := cardID
	if shardKey == "" {
		shardKey = eventID
	}
	queue := e.queues[shardIndex(shardKey, len(e.queues))]
	select {
	case queue <- task{eventID: eventID, cardID: cardID}:
	default:
		e.logger.Warn("fanout queue full, deferring to sweep",
			zap.String("event_id", eventID), zap.String("card_id", cardID))
	}
}

func (e *Engine) worker(ctx context.Context, queue chan task) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case t := <-queue:
			e.process(ctx, t)
		}
	}
}

// process drains the pending backlog the task points at. A card-scoped task
// loads every pending row on that card in event-log order before running any
// of them, so a row deferred to the sweep by a full queue can never be
// overtaken by a later same-card event.
func (e *Engine) process(ctx context.Context, t task) {
	query := e.db.WithContext(ctx).Model(&events.FanoutTask{}).
		Select("fanout_tasks.*").
		Joins("JOIN domain_events ON domain_events.event_id = fanout_tasks.event_id").
		Where("fanout_tasks.state = ?", events.TaskStatePending).
		Order("domain_events.sequence ASC")
	if t.cardID != "" {
		query = query.Where("fanout_tasks.card_id = ?", t.cardID)
	} else {
		query = query.Where("fanout_tasks.event_id = ?", t.eventID)
	}

	var rows []events.FanoutTask
	if err := query.Find(&rows).Error; err != nil {
		e.logger.Error("fanout task load failed", zap.String("event_id", t.eventID), zap.Error(err))
		return
	}
	for _, row := range rows {
		e.processRow(ctx, row)
	}
}

// processRow runs the bounded-retry loop for one outbox row. Retries stay
// inside the worker to preserve same-card ordering. An exhausted row is
// marked failed and dropped: losing a notification is acceptable, the primary
// mutation has already committed.
func (e *Engine) processRow(ctx context.Context, row events.FanoutTask) {
	for attempt := row.Attempts + 1; attempt <= e.maxAttempts; attempt++ {
		err := e.fanOut(ctx, row)
		if err == nil {
			e.finishTask(ctx, row.EventID, events.TaskStateDone, attempt)
			return
		}
		e.logger.Warn("fanout attempt failed",
			zap.String("event_id", row.EventID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < e.maxAttempts {
			select {
			case <-ctx.Done():
				e.recordAttempts(ctx, row.EventID, attempt)
				return
			case <-e.quit:
				e.recordAttempts(ctx, row.EventID, attempt)
				return
			case <-time.After(e.retryDelay):
			}
		}
	}

	e.finishTask(ctx, row.EventID, events.TaskStateFailed, e.maxAttempts)
	e.logger.Error("fanout task dropped after max attempts",
		zap.String("event_id", row.EventID),
		zap.Int("max_attempts", e.maxAttempts))
}

// fanOut computes the recipient set at the event's timestamp and writes one
// feed item per recipient:
//
//	recipients = (cardFollowers ∪ boardFollowers(context...)) \ mutedUsers(card)
//
// Mute strictly dominates follow regardless of which board contributed it.
func (e *Engine) fanOut(ctx context.Context, row events.FanoutTask) error {
	var event events.Event
	if err := e.db.WithContext(ctx).
		Where("event_id = ?", row.EventID).
		Take(&event).Error; err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	var boardContext []string
	if row.BoardContextJSON != "" {
		if err := json.Unmarshal([]byte(row.BoardContextJSON), &boardContext); err != nil {
			return fmt.Errorf("decode board context: %w", err)
		}
	}

	at := time.Unix(event.OccurredAtSeconds, 0).UTC()
	recipientSet := make(map[string]struct{})

	if event.CardID != "" {
		followerIDs, err := e.intervals.CardFollowerIDs(ctx, event.CardID, at)
		if err != nil {
			return fmt.Errorf("card followers: %w", err)
		}
		for _, userID := range followerIDs {
			recipientSet[userID] = struct{}{}
		}
	}

	for _, boardID := range boardContext {
		followerIDs, err := e.intervals.BoardFollowerIDs(ctx, boardID, at)
		if err != nil {
			return fmt.Errorf("board followers: %w", err)
		}
		for _, userID := range followerIDs {
			recipientSet[userID] = struct{}{}
		}
	}

	if event.CardID != "" {
		mutedIDs, err := e.intervals.CardMutedUserIDs(ctx, event.CardID, at)
		if err != nil {
			return fmt.Errorf("muted users: %w", err)
		}
		for _, userID := range mutedIDs {
			delete(recipientSet, userID)
		}
	}

	if len(recipientSet) == 0 {
		return nil
	}

	items := make([]feeds.FeedItem, 0, len(recipientSet))
	for userID := range recipientSet {
		items = append(items, feeds.FeedItem{
			TenantID:         event.TenantID,
			UserID:           userID,
			EventID:          event.EventID,
			EventTimeSeconds: event.OccurredAtSeconds,
			CardID:           event.CardID,
			BoardID:          event.BoardID,
		})
	}

	if err := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&items).Error; err != nil {
		return fmt.Errorf("insert feed items: %w", err)
	}
	return nil
}

func (e *Engine) finishTask(ctx context.Context, eventID string, state events.TaskState, attempts int) {
	err := e.db.WithContext(ctx).Model(&events.FanoutTask{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{"state": state, "attempts": attempts}).Error
	if err != nil {
		e.logger.Error("fanout task state update failed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

func (e *Engine) recordAttempts(ctx context.Context, eventID string, attempts int) {
	err := e.db.WithContext(ctx).Model(&events.FanoutTask{}).
		Where("event_id = ?", eventID).
		Update("attempts", attempts).Error
	if err != nil {
		e.logger.Error("fanout attempt count update failed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

// sweep re-enqueues every pending outbox row in logging order. It runs at
// startup (crash recovery) and periodically (dropped enqueues).
func (e *Engine) sweep(ctx context.Context) {
	var rows []events.FanoutTask
	err := e.db.WithContext(ctx).
		Where("state = ?", events.TaskStatePending).
		Order("created_at_s ASC").
		Find(&rows).Error
	if err != nil {
		e.logger.Error("fanout sweep query failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		e.Enqueue(row.EventID, row.CardID)
	}
}

func shardIndex(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// Interval reader conformance for the concrete store.
var _ IntervalReader = (*subscriptions.Store)(nil)
