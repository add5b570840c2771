package feeds

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

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

type staticBoardLocator struct {
	boardByCard map[string]string
}

func (l staticBoardLocator) BoardIDOf(_ context.Context, _, cardID string) (string, error) {
	return l.boardByCard[cardID], nil
}

func newTestFeedService(t *testing.T, boardByCard map[string]string) (*Service, *subscriptions.Store, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:corkboard_feeds_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&FeedItem{}, &subscriptions.FollowInterval{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	ids := make([]string, 0, 16)
	for i := 0; i < 16; i++ {
		ids = append(ids, fmt.Sprintf("int-%d", i+1))
	}
	clock := func() time.Time { return time.Unix(1700001000, 0).UTC() }
	store, err := subscriptions.NewStore(subscriptions.StoreConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: &staticIDGenerator{ids: ids},
		Cards:      emptyCardIndex{},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     clock,
		Intervals: store,
		Boards:    staticBoardLocator{boardByCard: boardByCard},
	})
	if err != nil {
		t.Fatalf("failed to construct feed service: %v", err)
	}
	return service, store, db
}

func mustFeedItems(t *testing.T, db *gorm.DB, userID string, start, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		item := FeedItem{
			TenantID:         "tenant-1",
			UserID:           userID,
			EventID:          fmt.Sprintf("event-%s-%d", userID, start+i),
			EventTimeSeconds: 1700000000 + int64(start+i),
			CardID:           "card-1",
			BoardID:          "board-1",
		}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("failed to seed feed item: %v", err)
		}
	}
}

func TestGetFeedPaginatesBySequenceCursor(t *testing.T) {
	service, _, db := newTestFeedService(t, nil)
	ctx := context.Background()
	mustFeedItems(t, db, "u1", 1, 5)

	page, err := service.GetFeed(ctx, "tenant-1", "u1", 0, 2)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if !page.HasMore {
		t.Fatalf("expected more pages")
	}
	if page.Items[0].EventID != "event-u1-5" || page.Items[1].EventID != "event-u1-4" {
		t.Fatalf("feed must be newest first, got %s %s", page.Items[0].EventID, page.Items[1].EventID)
	}

	page, err = service.GetFeed(ctx, "tenant-1", "u1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].EventID != "event-u1-3" {
		t.Fatalf("second page must resume below the cursor, got %+v", page.Items)
	}

	page, err = service.GetFeed(ctx, "tenant-1", "u1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 1 || page.HasMore {
		t.Fatalf("last page must carry the remainder, got %d items hasMore=%v", len(page.Items), page.HasMore)
	}
}

func TestGetFeedCursorIsStableUnderConcurrentInserts(t *testing.T) {
	service, _, db := newTestFeedService(t, nil)
	ctx := context.Background()
	mustFeedItems(t, db, "u1", 1, 4)

	page, err := service.GetFeed(ctx, "tenant-1", "u1", 0, 2)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	firstPage := []string{page.Items[0].EventID, page.Items[1].EventID}

	// New items land while the reader holds a cursor.
	mustFeedItems(t, db, "u1", 5, 2)

	page, err = service.GetFeed(ctx, "tenant-1", "u1", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	for _, item := range page.Items {
		for _, seen := range firstPage {
			if item.EventID == seen {
				t.Fatalf("cursor page re-served item %s", seen)
			}
		}
	}
	if page.Items[0].EventID != "event-u1-2" {
		t.Fatalf("cursor must keep walking the old window, got %s", page.Items[0].EventID)
	}
}

func TestGetFeedScopesByUserAndTenant(t *testing.T) {
	service, _, db := newTestFeedService(t, nil)
	ctx := context.Background()
	mustFeedItems(t, db, "u1", 1, 2)
	mustFeedItems(t, db, "u2", 1, 3)

	page, err := service.GetFeed(ctx, "tenant-1", "u1", 0, 10)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("feed must be per-user, got %d items", len(page.Items))
	}

	page, err = service.GetFeed(ctx, "tenant-2", "u1", 0, 10)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("unknown tenant must yield an empty feed, got %d items", len(page.Items))
	}
}

func TestGetFeedClampsPageSize(t *testing.T) {
	service, _, db := newTestFeedService(t, nil)
	ctx := context.Background()
	mustFeedItems(t, db, "u1", 1, 25)

	page, err := service.GetFeed(ctx, "tenant-1", "u1", 0, 0)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 20 {
		t.Fatalf("zero page size must fall back to the default, got %d", len(page.Items))
	}

	page, err = service.GetFeed(ctx, "tenant-1", "u1", 0, 500)
	if err != nil {
		t.Fatalf("get feed failed: %v", err)
	}
	if len(page.Items) != 25 {
		t.Fatalf("oversized page must be capped at the maximum, got %d", len(page.Items))
	}
}

func TestCardWatcherIDsFoldsBoardFollowersMinusMutes(t *testing.T) {
	service, store, _ := newTestFeedService(t, map[string]string{"card-1": "board-1"})
	ctx := context.Background()

	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "u2"))
	mustSubscribe(t, store.FollowCard(ctx, "tenant-1", "card-1", "u3"))
	mustSubscribe(t, store.MuteCard(ctx, "tenant-1", "card-1", "u2"))

	watcherIDs, err := service.CardWatcherIDs(ctx, "tenant-1", "card-1")
	if err != nil {
		t.Fatalf("watchers failed: %v", err)
	}
	if len(watcherIDs) != 2 || watcherIDs[0] != "u1" || watcherIDs[1] != "u3" {
		t.Fatalf("unexpected watchers %v", watcherIDs)
	}
}

func TestIsWatchingCardMuteDominatesFollow(t *testing.T) {
	service, store, _ := newTestFeedService(t, map[string]string{"card-1": "board-1"})
	ctx := context.Background()

	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))
	mustSubscribe(t, store.FollowCard(ctx, "tenant-1", "card-1", "u1"))
	mustSubscribe(t, store.MuteCard(ctx, "tenant-1", "card-1", "u1"))

	watching, err := service.IsWatchingCard(ctx, "tenant-1", "card-1", "u1")
	if err != nil {
		t.Fatalf("is watching failed: %v", err)
	}
	if watching {
		t.Fatalf("mute must dominate both follow paths")
	}

	mustSubscribe(t, store.UnmuteCard(ctx, "tenant-1", "card-1", "u1"))
	watching, err = service.IsWatchingCard(ctx, "tenant-1", "card-1", "u1")
	if err != nil {
		t.Fatalf("is watching failed: %v", err)
	}
	if !watching {
		t.Fatalf("unmuted follower must be watching again")
	}
}

func TestIsWatchingCardThroughBoardFollow(t *testing.T) {
	service, store, _ := newTestFeedService(t, map[string]string{"card-1": "board-1"})
	ctx := context.Background()

	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "u1"))

	watching, err := service.IsWatchingCard(ctx, "tenant-1", "card-1", "u1")
	if err != nil {
		t.Fatalf("is watching failed: %v", err)
	}
	if !watching {
		t.Fatalf("board follower must watch the board's cards")
	}

	watching, err = service.IsWatchingCard(ctx, "tenant-1", "card-9", "u1")
	if err != nil {
		t.Fatalf("is watching failed: %v", err)
	}
	if watching {
		t.Fatalf("unknown card must not be watched")
	}
}

type failingBoardLocator struct {
	err error
}

func (l failingBoardLocator) BoardIDOf(context.Context, string, string) (string, error) {
	return "", l.err
}

func TestCardWatcherQueriesPropagateBoardLookupFailures(t *testing.T) {
	_, store, db := newTestFeedService(t, nil)
	lookupErr := errors.New("directory unavailable")
	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     func() time.Time { return time.Unix(1700001000, 0).UTC() },
		Intervals: store,
		Boards:    failingBoardLocator{err: lookupErr},
	})
	if err != nil {
		t.Fatalf("failed to construct feed service: %v", err)
	}
	ctx := context.Background()

	if _, err := service.CardWatcherIDs(ctx, "tenant-1", "card-1"); !errors.Is(err, lookupErr) {
		t.Fatalf("watchers must surface the lookup failure, got %v", err)
	}
	if _, err := service.IsWatchingCard(ctx, "tenant-1", "card-1", "u1"); !errors.Is(err, lookupErr) {
		t.Fatalf("watching check must surface the lookup failure, got %v", err)
	}
}

func TestBoardSubscriberIDsAreSorted(t *testing.T) {
	service, store, _ := newTestFeedService(t, nil)
	ctx := context.Background()

	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "zed"))
	mustSubscribe(t, store.FollowBoard(ctx, "tenant-1", "board-1", "amy"))

	subscriberIDs, err := service.BoardSubscriberIDs(ctx, "board-1")
	if err != nil {
		t.Fatalf("subscribers failed: %v", err)
	}
	if len(subscriberIDs) != 2 || subscriberIDs[0] != "amy" || subscriberIDs[1] != "zed" {
		t.Fatalf("expected sorted subscribers, got %v", subscriberIDs)
	}
}

func mustSubscribe(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("subscription setup failed: %v", err)
	}
}
