package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

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

type recordingDispatcher struct {
	enqueued []string
}

func (d *recordingDispatcher) Enqueue(eventID, _ string) {
	d.enqueued = append(d.enqueued, eventID)
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *recordingDispatcher) {
	t.Helper()

	dsn := fmt.Sprintf("file:corkboard_events_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Event{}, &FanoutTask{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	dispatcher := &recordingDispatcher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct events service: %v", err)
	}
	return service, db, dispatcher
}

func TestLogEventCommitsEventAndOutboxTogether(t *testing.T) {
	service, db, dispatcher := newTestService(t, []string{"event-1"})

	event, err := service.LogEvent(context.Background(), Entry{
		Kind:         KindCardCreated,
		TenantID:     "tenant-1",
		ActorID:      "alice",
		CardID:       "card-1",
		BoardID:      "board-1",
		BoardContext: []string{"board-1"},
		PayloadJSON:  `{"title":"New card"}`,
	})
	if err != nil {
		t.Fatalf("log event failed: %v", err)
	}
	if event.EventID != "event-1" {
		t.Fatalf("unexpected event id %s", event.EventID)
	}
	if event.OccurredAtSeconds != 1700000000 {
		t.Fatalf("unexpected event timestamp %d", event.OccurredAtSeconds)
	}

	var storedEvent Event
	if err := db.First(&storedEvent).Error; err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if storedEvent.Kind != KindCardCreated || storedEvent.CardID != "card-1" {
		t.Fatalf("unexpected stored event %+v", storedEvent)
	}

	var task FanoutTask
	if err := db.First(&task).Error; err != nil {
		t.Fatalf("failed to load fanout task: %v", err)
	}
	if task.State != TaskStatePending {
		t.Fatalf("fresh task must be pending, got %s", task.State)
	}
	if task.BoardContextJSON != `["board-1"]` {
		t.Fatalf("unexpected board context %s", task.BoardContextJSON)
	}

	if len(dispatcher.enqueued) != 1 || dispatcher.enqueued[0] != "event-1" {
		t.Fatalf("dispatcher must be notified after commit, got %v", dispatcher.enqueued)
	}
}

func TestLogEventRejectsUnknownKind(t *testing.T) {
	service, db, _ := newTestService(t, []string{"event-1"})

	_, err := service.LogEvent(context.Background(), Entry{
		Kind:     Kind("card_exploded"),
		TenantID: "tenant-1",
		ActorID:  "alice",
	})
	if err == nil || !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("unknown kind must be rejected, got %v", err)
	}

	var count int64
	if err := db.Model(&Event{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected entry must not persist, got %d rows", count)
	}
}

func TestLogEventRequiresTenantAndActor(t *testing.T) {
	service, _, _ := newTestService(t, []string{"event-1"})

	_, err := service.LogEvent(context.Background(), Entry{Kind: KindCardCreated, ActorID: "alice"})
	if err == nil {
		t.Fatalf("missing tenant must be rejected")
	}
	_, err = service.LogEvent(context.Background(), Entry{Kind: KindCardCreated, TenantID: "tenant-1"})
	if err == nil {
		t.Fatalf("missing actor must be rejected")
	}
}

func TestLogCardDeletedBatchForcesKindAndCommitsPerCard(t *testing.T) {
	service, db, dispatcher := newTestService(t, []string{"event-1", "event-2"})

	logged, err := service.LogCardDeletedBatch(context.Background(), []Entry{
		{Kind: KindCardCreated, TenantID: "tenant-1", ActorID: "alice", CardID: "card-1", BoardContext: []string{"board-1"}},
		{TenantID: "tenant-1", ActorID: "alice", CardID: "card-2", BoardContext: []string{"board-1"}},
	})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(logged) != 2 {
		t.Fatalf("expected 2 logged events, got %d", len(logged))
	}
	for _, event := range logged {
		if event.Kind != KindCardDeleted {
			t.Fatalf("batch entries must be card_deleted, got %s", event.Kind)
		}
	}
	if len(dispatcher.enqueued) != 2 {
		t.Fatalf("each card must fan out independently, got %v", dispatcher.enqueued)
	}

	var tasks []FanoutTask
	if err := db.Find(&tasks).Error; err != nil {
		t.Fatalf("failed to load tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected one outbox row per card, got %d", len(tasks))
	}
}

func TestListCardHistoryReturnsLoggingOrder(t *testing.T) {
	service, _, _ := newTestService(t, []string{"event-1", "event-2", "event-3"})
	ctx := context.Background()

	kinds := []Kind{KindCardCreated, KindCardTitleChanged, KindCommentCreated}
	for _, kind := range kinds {
		_, err := service.LogEvent(ctx, Entry{
			Kind:         kind,
			TenantID:     "tenant-1",
			ActorID:      "alice",
			CardID:       "card-1",
			BoardID:      "board-1",
			BoardContext: []string{"board-1"},
		})
		if err != nil {
			t.Fatalf("log event failed: %v", err)
		}
	}

	history, err := service.ListCardHistory(ctx, "tenant-1", "card-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 events, got %d", len(history))
	}
	for i, kind := range kinds {
		if history[i].Kind != kind {
			t.Fatalf("history out of order at %d: got %s want %s", i, history[i].Kind, kind)
		}
	}

	history, err = service.ListCardHistory(ctx, "tenant-2", "card-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history must be tenant-scoped, got %d rows", len(history))
	}
}

func TestLogEventWithoutDispatcherLeavesTaskPending(t *testing.T) {
	service, db, _ := newTestService(t, []string{"event-1"})
	service.SetDispatcher(nil)

	_, err := service.LogEvent(context.Background(), Entry{
		Kind:     KindCardCreated,
		TenantID: "tenant-1",
		ActorID:  "alice",
		CardID:   "card-1",
	})
	if err != nil {
		t.Fatalf("log event failed: %v", err)
	}

	var task FanoutTask
	if err := db.First(&task).Error; err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if task.State != TaskStatePending {
		t.Fatalf("task must stay pending for the sweep, got %s", task.State)
	}
}
