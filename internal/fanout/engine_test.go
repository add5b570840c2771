package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/events"
	"github.com/corkboardhq/corkboard/backend/internal/feeds"
	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type emptyCardIndex struct{}

func (emptyCardIndex) CardIDsOnBoard(context.Context, string, string) ([]string, error) {
	return nil, nil
}

type fixture struct {
	engine *Engine
	store  *subscriptions.Store
	db     *gorm.DB
	now    *int64
}

func newFixture(t *testing.T, intervalIDs int) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:corkboard_fanout_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := []interface{}{
		&subscriptions.FollowInterval{},
		&events.Event{},
		&events.FanoutTask{},
		&feeds.FeedItem{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ids := make([]string, 0, intervalIDs)
	for i := 0; i < intervalIDs; i++ {
		ids = append(ids, fmt.Sprintf("int-%d", i+1))
	}
	now := int64(1700000000)
	store, err := subscriptions.NewStore(subscriptions.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(now, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		Cards:      emptyCardIndex{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	engine, err := NewEngine(EngineConfig{
		Database:  db,
		Intervals: store,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return &fixture{engine: engine, store: store, db: db, now: &now}
}

func (f *fixture) mustEvent(t *testing.T, eventID, cardID, boardID string, kind events.Kind, occurredAt int64, boardContext string) events.FanoutTask {
	t.Helper()
	event := events.Event{
		EventID:           eventID,
		TenantID:          "tenant-1",
		ActorID:           "actor",
		CardID:            cardID,
		BoardID:           boardID,
		Kind:              kind,
		OccurredAtSeconds: occurredAt,
	}
	if err := f.db.Create(&event).Error; err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}
	task := events.FanoutTask{
		EventID:          eventID,
		CardID:           cardID,
		BoardContextJSON: boardContext,
		State:            events.TaskStatePending,
		CreatedAtSeconds: occurredAt,
	}
	if err := f.db.Create(&task).Error; err != nil {
		t.Fatalf("failed to insert task: %v", err)
	}
	return task
}

func (f *fixture) feedRecipients(t *testing.T, eventID string) []string {
	t.Helper()
	var userIDs []string
	err := f.db.Model(&feeds.FeedItem{}).
		Where("event_id = ?", eventID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		t.Fatalf("failed to load feed items: %v", err)
	}
	sort.Strings(userIDs)
	return userIDs
}

func TestFanOutAppliesSetAlgebra(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// board followers: u1, u2; card follower: u3; u2 mutes the card.
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u2"))
	mustSubscribe(t, f.store.FollowCard(ctx, "tenant-1", "card-1", "u3"))
	mustSubscribe(t, f.store.MuteCard(ctx, "tenant-1", "card-1", "u2"))

	*f.now = 1700000100
	task := f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCardTitleChanged, 1700000100, `["board-1"]`)

	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}

	got := f.feedRecipients(t, "event-1")
	want := []string{"u1", "u3"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected recipients: got %v want %v", got, want)
	}
}

func TestFanOutUnionsBoardContextOnMove(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-from", "u1"))
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-to", "u2"))
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-other", "u3"))

	*f.now = 1700000100
	task := f.mustEvent(t, "event-1", "card-1", "board-to", events.KindCardBoardChanged, 1700000100, `["board-from","board-to"]`)

	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}

	got := f.feedRecipients(t, "event-1")
	want := []string{"u1", "u2"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("move must notify both boards' followers, got %v", got)
	}
}

func TestFanOutEvaluatesIntervalsAtEventTime(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	// u1 follows before the event; u2 follows only after it.
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	*f.now = 1700000500
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u2"))

	// u3 followed early but unfollowed before fan-out ran; a closed interval
	// never matches, even for an event inside its original span.
	*f.now = 1700000000
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u3"))
	*f.now = 1700000300
	mustSubscribe(t, f.store.UnfollowBoard(ctx, "tenant-1", "board-1", "u3"))

	task := f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCardStatusChanged, 1700000200, `["board-1"]`)

	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}

	got := f.feedRecipients(t, "event-1")
	if len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected only u1 at event time, got %v", got)
	}
}

func TestFanOutRerunIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u2"))

	*f.now = 1700000100
	task := f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCommentCreated, 1700000100, `["board-1"]`)

	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("first fanout failed: %v", err)
	}
	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("second fanout failed: %v", err)
	}

	var count int64
	if err := f.db.Model(&feeds.FeedItem{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("re-running fan-out must not duplicate feed items, got %d", count)
	}
}

func TestFanOutBoardScopedEventSkipsCardQueries(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	mustSubscribe(t, f.store.FollowCard(ctx, "tenant-1", "card-9", "u2"))

	*f.now = 1700000100
	task := f.mustEvent(t, "event-1", "", "board-1", events.KindAnnouncementCreated, 1700000100, `["board-1"]`)

	if err := f.engine.fanOut(ctx, task); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}

	got := f.feedRecipients(t, "event-1")
	if len(got) != 1 || got[0] != "u1" {
		t.Fatalf("board-scoped event must reach board followers only, got %v", got)
	}
}

func TestFanOutDeliversOnlyPostUnmuteEvents(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	// u1 follows the board, mutes the card for a while, then unmutes.
	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	*f.now = 1700000100
	mustSubscribe(t, f.store.MuteCard(ctx, "tenant-1", "card-1", "u1"))
	*f.now = 1700000300
	mustSubscribe(t, f.store.UnmuteCard(ctx, "tenant-1", "card-1", "u1"))

	mutedTask := f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCardStatusChanged, 1700000200, `["board-1"]`)
	laterTask := f.mustEvent(t, "event-2", "card-1", "board-1", events.KindCardStatusChanged, 1700000400, `["board-1"]`)

	if err := f.engine.fanOut(ctx, mutedTask); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}
	if err := f.engine.fanOut(ctx, laterTask); err != nil {
		t.Fatalf("fanout failed: %v", err)
	}

	if got := f.feedRecipients(t, "event-1"); len(got) != 0 {
		t.Fatalf("event inside the mute window must stay undelivered, got %v", got)
	}
	if got := f.feedRecipients(t, "event-2"); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("post-unmute event must reach the follower, got %v", got)
	}

	var count int64
	if err := f.db.Model(&feeds.FeedItem{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one feed item, got %d", count)
	}
}

func TestProcessDrainsSameCardBacklogInOrder(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	*f.now = 1700000100
	f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCardCreated, 1700000100, `["board-1"]`)
	f.mustEvent(t, "event-2", "card-1", "board-1", events.KindCardTitleChanged, 1700000200, `["board-1"]`)

	// Only the later event reaches the worker, as when a full queue dropped
	// the earlier one to the outbox. Processing must still start from the
	// oldest pending row on the card.
	f.engine.process(ctx, task{eventID: "event-2", cardID: "card-1"})

	var pending int64
	err := f.db.Model(&events.FanoutTask{}).
		Where("state = ?", events.TaskStatePending).
		Count(&pending).Error
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected the backlog to be drained, %d rows still pending", pending)
	}

	var items []feeds.FeedItem
	if err := f.db.Order("sequence ASC").Find(&items).Error; err != nil {
		t.Fatalf("failed to load feed items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected both events to fan out, got %d items", len(items))
	}
	if items[0].EventID != "event-1" || items[1].EventID != "event-2" {
		t.Fatalf("same-card events must materialize in logging order, got %s then %s",
			items[0].EventID, items[1].EventID)
	}
}

func TestProcessMarksTaskDone(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	mustSubscribe(t, f.store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	*f.now = 1700000100
	f.mustEvent(t, "event-1", "card-1", "board-1", events.KindCardCreated, 1700000100, `["board-1"]`)

	f.engine.process(ctx, task{eventID: "event-1", cardID: "card-1"})

	var row events.FanoutTask
	if err := f.db.Where("event_id = ?", "event-1").Take(&row).Error; err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if row.State != events.TaskStateDone {
		t.Fatalf("processed task must be done, got %s", row.State)
	}
	if row.Attempts != 1 {
		t.Fatalf("expected one attempt recorded, got %d", row.Attempts)
	}

	// Re-processing a finished task is a no-op.
	f.engine.process(ctx, task{eventID: "event-1", cardID: "card-1"})
	var count int64
	if err := f.db.Model(&feeds.FeedItem{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("finished task must not fan out again, got %d items", count)
	}
}

func TestShardIndexIsStable(t *testing.T) {
	first := shardIndex("card-1", 4)
	for i := 0; i < 10; i++ {
		if shardIndex("card-1", 4) != first {
			t.Fatalf("shard index must be deterministic")
		}
	}
	if first < 0 || first >= 4 {
		t.Fatalf("shard index out of range: %d", first)
	}
}

func TestShardIndexStaysInRange(t *testing.T) {
	for i := 0; i < 256; i++ {
		key := fmt.Sprintf("card-%d", i)
		for _, shards := range []int{1, 2, 4, 7} {
			index := shardIndex(key, shards)
			if index < 0 || index >= shards {
				t.Fatalf("shard index out of range for %s across %d shards: %d", key, shards, index)
			}
		}
	}
}

func mustSubscribe(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("subscription setup failed: %v", err)
	}
}
