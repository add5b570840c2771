package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/corkboardhq/corkboard/backend/internal/auth"
	"github.com/corkboardhq/corkboard/backend/internal/boards"
	"github.com/corkboardhq/corkboard/backend/internal/cards"
	"github.com/corkboardhq/corkboard/backend/internal/events"
	"github.com/corkboardhq/corkboard/backend/internal/feeds"
	"github.com/corkboardhq/corkboard/backend/internal/subscriptions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "corkboard_user_id"
	tenantIDContextKey = "corkboard_tenant_id"
)

var (
	errMissingIdentityVerifier = errors.New("identity verifier dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingIdentities       = errors.New("identity service dependency required")
	errMissingBoardsService    = errors.New("boards service dependency required")
	errMissingCardsService     = errors.New("cards service dependency required")
	errMissingSubscriptions    = errors.New("subscription store dependency required")
	errMissingFeedService      = errors.New("feed service dependency required")
	errMissingEventsService    = errors.New("events service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// IdentityVerifier validates identity-provider tokens.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (auth.IdentityClaims, error)
}

// TokenManager issues and validates backend API tokens.
type TokenManager interface {
	IssueAPIToken(ctx context.Context, principal auth.Principal) (string, int64, error)
	ValidateToken(token string) (auth.Principal, error)
}

// IdentityResolver maps verified identity claims onto a canonical principal.
type IdentityResolver interface {
	ResolvePrincipal(claims auth.IdentityClaims) (auth.Principal, error)
}

// Dependencies wires the HTTP surface to the domain services.
type Dependencies struct {
	IdentityVerifier IdentityVerifier
	TokenManager     TokenManager
	Identities       IdentityResolver
	BoardsService    *boards.Service
	CardsService     *cards.Service
	Subscriptions    *subscriptions.Store
	FeedService      *feeds.Service
	EventsService    *events.Service
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin router with the full API surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdentityVerifier == nil {
		return nil, errMissingIdentityVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.BoardsService == nil {
		return nil, errMissingBoardsService
	}
	if deps.CardsService == nil {
		return nil, errMissingCardsService
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptions
	}
	if deps.FeedService == nil {
		return nil, errMissingFeedService
	}
	if deps.EventsService == nil {
		return nil, errMissingEventsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:      deps.IdentityVerifier,
		tokens:        deps.TokenManager,
		identities:    deps.Identities,
		boards:        deps.BoardsService,
		cards:         deps.CardsService,
		subscriptions: deps.Subscriptions,
		feeds:         deps.FeedService,
		events:        deps.EventsService,
		logger:        logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/boards", handler.handleCreateBoard)
	protected.DELETE("/boards/:boardID", handler.handleDeleteBoard)
	protected.PUT("/boards/:boardID/members/:userID", handler.handleAssignRole)
	protected.DELETE("/boards/:boardID/members/:userID", handler.handleRemoveMember)
	protected.POST("/boards/:boardID/announcements", handler.handlePostAnnouncement)
	protected.PUT("/announcements/:announcementID", handler.handleUpdateAnnouncement)
	protected.POST("/boards/:boardID/follow", handler.handleFollowBoard)
	protected.POST("/boards/:boardID/unfollow", handler.handleUnfollowBoard)
	protected.GET("/boards/:boardID/subscribers", handler.handleBoardSubscribers)
	protected.GET("/boards/:boardID/subscription", handler.handleBoardSubscription)

	protected.POST("/cards", handler.handleCreateCard)
	protected.PATCH("/cards/:cardID", handler.handleUpdateCard)
	protected.DELETE("/cards/:cardID", handler.handleDeleteCard)
	protected.POST("/cards/:cardID/comments", handler.handleAddComment)
	protected.POST("/cards/:cardID/follow", handler.handleFollowCard)
	protected.POST("/cards/:cardID/unfollow", handler.handleUnfollowCard)
	protected.POST("/cards/:cardID/mute", handler.handleMuteCard)
	protected.POST("/cards/:cardID/unmute", handler.handleUnmuteCard)
	protected.GET("/cards/:cardID/watchers", handler.handleCardWatchers)
	protected.GET("/cards/:cardID/watching", handler.handleCardWatching)
	protected.GET("/cards/:cardID/history", handler.handleCardHistory)

	protected.GET("/feed", handler.handleGetFeed)

	return router, nil
}

type httpHandler struct {
	verifier      IdentityVerifier
	tokens        TokenManager
	identities    IdentityResolver
	boards        *boards.Service
	cards         *cards.Service
	subscriptions *subscriptions.Store
	feeds         *feeds.Service
	events        *events.Service
	logger        *zap.Logger
}

type tokenRequestPayload struct {
	IdentityToken string `json:"identity_token"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IdentityToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	principal, err := h.identities.ResolvePrincipal(claims)
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAPIToken(c.Request.Context(), principal)
	if err != nil {
		h.logger.Error("failed to issue api token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, principal.UserID)
	c.Set(tenantIDContextKey, principal.TenantID)
	c.Next()
}

func (h *httpHandler) principal(c *gin.Context) (auth.Principal, bool) {
	userID := c.GetString(userIDContextKey)
	tenantID := c.GetString(tenantIDContextKey)
	if userID == "" || tenantID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Principal{}, false
	}
	return auth.Principal{UserID: userID, TenantID: tenantID}, true
}

type createBoardPayload struct {
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
}

type boardResponsePayload struct {
	BoardID    string `json:"board_id"`
	Name       string `json:"name"`
	Visibility string `json:"visibility"`
	CreatedAtS int64  `json:"created_at_s"`
}

func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request createBoardPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	visibility := boards.VisibilityPrivate
	if strings.TrimSpace(request.Visibility) != "" {
		parsed, err := boards.ParseVisibility(request.Visibility)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visibility"})
			return
		}
		visibility = parsed
	}

	board, err := h.boards.CreateBoard(c.Request.Context(), principal.TenantID, principal.UserID, request.Name, visibility)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, boardResponsePayload{
		BoardID:    board.ID,
		Name:       board.Name,
		Visibility: string(board.Visibility),
		CreatedAtS: board.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleDeleteBoard(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	err := h.cards.DeleteBoard(c.Request.Context(), principal.TenantID, principal.UserID, c.Param("boardID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type assignRolePayload struct {
	Role string `json:"role"`
}

func (h *httpHandler) handleAssignRole(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request assignRolePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := boards.ParseRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	err = h.boards.AssignRole(c.Request.Context(), principal.TenantID, c.Param("boardID"), principal.UserID, c.Param("userID"), role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	err := h.boards.RemoveMember(c.Request.Context(), principal.TenantID, c.Param("boardID"), principal.UserID, c.Param("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type announcementPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type announcementResponsePayload struct {
	AnnouncementID string `json:"announcement_id"`
	BoardID        string `json:"board_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	CreatedAtS     int64  `json:"created_at_s"`
	UpdatedAtS     int64  `json:"updated_at_s"`
}

func (h *httpHandler) handlePostAnnouncement(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request announcementPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	announcement, err := h.boards.PostAnnouncement(c.Request.Context(), principal.TenantID, c.Param("boardID"), principal.UserID, request.Title, request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, announcementResponse(announcement))
}

func (h *httpHandler) handleUpdateAnnouncement(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request announcementPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	announcement, err := h.boards.UpdateAnnouncement(c.Request.Context(), principal.TenantID, c.Param("announcementID"), principal.UserID, request.Title, request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, announcementResponse(announcement))
}

func announcementResponse(a boards.Announcement) announcementResponsePayload {
	return announcementResponsePayload{
		AnnouncementID: a.ID,
		BoardID:        a.BoardID,
		Title:          a.Title,
		Body:           a.Body,
		CreatedAtS:     a.CreatedAtSeconds,
		UpdatedAtS:     a.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleFollowBoard(c *gin.Context) {
	h.toggleBoardSubscription(c, h.subscriptions.FollowBoard)
}

func (h *httpHandler) handleUnfollowBoard(c *gin.Context) {
	h.toggleBoardSubscription(c, h.subscriptions.UnfollowBoard)
}

func (h *httpHandler) toggleBoardSubscription(c *gin.Context, toggle func(ctx context.Context, tenantID, boardID, userID string) error) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	boardID := c.Param("boardID")
	if _, err := h.boards.GetBoard(c.Request.Context(), principal.TenantID, boardID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := toggle(c.Request.Context(), principal.TenantID, boardID, principal.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleBoardSubscribers(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	boardID := c.Param("boardID")
	if _, err := h.boards.GetBoard(c.Request.Context(), principal.TenantID, boardID); err != nil {
		h.respondError(c, err)
		return
	}
	subscriberIDs, err := h.feeds.BoardSubscriberIDs(c.Request.Context(), boardID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriber_ids": subscriberIDs})
}

func (h *httpHandler) handleBoardSubscription(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	subscribed, err := h.feeds.IsSubscribedToBoard(c.Request.Context(), c.Param("boardID"), principal.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": subscribed})
}

type createCardPayload struct {
	BoardID string `json:"board_id"`
	Title   string `json:"title"`
}

type cardResponsePayload struct {
	CardID     string `json:"card_id"`
	BoardID    string `json:"board_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	AssigneeID string `json:"assignee_id"`
	CreatedAtS int64  `json:"created_at_s"`
	UpdatedAtS int64  `json:"updated_at_s"`
}

func cardResponse(card cards.Card) cardResponsePayload {
	return cardResponsePayload{
		CardID:     card.ID,
		BoardID:    card.BoardID,
		Title:      card.Title,
		Status:     card.Status,
		AssigneeID: card.AssigneeID,
		CreatedAtS: card.CreatedAtSeconds,
		UpdatedAtS: card.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateCard(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request createCardPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.BoardID) == "" || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	card, err := h.cards.CreateCard(c.Request.Context(), principal.TenantID, principal.UserID, request.BoardID, request.Title)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cardResponse(card))
}

type updateCardPayload struct {
	Title      *string `json:"title"`
	Status     *string `json:"status"`
	AssigneeID *string `json:"assignee_id"`
	BoardID    *string `json:"board_id"`
}

func (h *httpHandler) handleUpdateCard(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request updateCardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Title == nil && request.Status == nil && request.AssigneeID == nil && request.BoardID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ctx := c.Request.Context()
	cardID := c.Param("cardID")
	var card cards.Card
	var err error

	if request.Title != nil {
		card, err = h.cards.ChangeTitle(ctx, principal.TenantID, principal.UserID, cardID, *request.Title)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	if request.Status != nil {
		card, err = h.cards.ChangeStatus(ctx, principal.TenantID, principal.UserID, cardID, *request.Status)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	if request.AssigneeID != nil {
		card, err = h.cards.ChangeAssignee(ctx, principal.TenantID, principal.UserID, cardID, *request.AssigneeID)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	if request.BoardID != nil {
		card, err = h.cards.MoveCard(ctx, principal.TenantID, principal.UserID, cardID, *request.BoardID)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, cardResponse(card))
}

func (h *httpHandler) handleDeleteCard(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	err := h.cards.DeleteCard(c.Request.Context(), principal.TenantID, principal.UserID, c.Param("cardID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type commentPayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	var request commentPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	comment, err := h.cards.AddComment(c.Request.Context(), principal.TenantID, principal.UserID, c.Param("cardID"), request.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"comment_id":   comment.ID,
		"card_id":      comment.CardID,
		"author_id":    comment.AuthorID,
		"body":         comment.Body,
		"created_at_s": comment.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleFollowCard(c *gin.Context) {
	h.toggleCardSubscription(c, h.subscriptions.FollowCard)
}

func (h *httpHandler) handleUnfollowCard(c *gin.Context) {
	h.toggleCardSubscription(c, h.subscriptions.UnfollowCard)
}

func (h *httpHandler) handleMuteCard(c *gin.Context) {
	h.toggleCardSubscription(c, h.subscriptions.MuteCard)
}

func (h *httpHandler) handleUnmuteCard(c *gin.Context) {
	h.toggleCardSubscription(c, h.subscriptions.UnmuteCard)
}

func (h *httpHandler) toggleCardSubscription(c *gin.Context, toggle func(ctx context.Context, tenantID, cardID, userID string) error) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	cardID := c.Param("cardID")
	if _, err := h.cards.GetCard(c.Request.Context(), principal.TenantID, cardID); err != nil {
		h.respondError(c, err)
		return
	}
	if err := toggle(c.Request.Context(), principal.TenantID, cardID, principal.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCardWatchers(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	cardID := c.Param("cardID")
	if _, err := h.cards.GetCard(c.Request.Context(), principal.TenantID, cardID); err != nil {
		h.respondError(c, err)
		return
	}
	watcherIDs, err := h.feeds.CardWatcherIDs(c.Request.Context(), principal.TenantID, cardID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watcher_ids": watcherIDs})
}

func (h *httpHandler) handleCardWatching(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	watching, err := h.feeds.IsWatchingCard(c.Request.Context(), principal.TenantID, c.Param("cardID"), principal.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"watching": watching})
}

func (h *httpHandler) handleCardHistory(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}
	history, err := h.events.ListCardHistory(c.Request.Context(), principal.TenantID, c.Param("cardID"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	entries := make([]gin.H, 0, len(history))
	for _, event := range history {
		entries = append(entries, gin.H{
			"event_id":      event.EventID,
			"kind":          string(event.Kind),
			"actor_id":      event.ActorID,
			"board_id":      event.BoardID,
			"payload":       event.PayloadJSON,
			"occurred_at_s": event.OccurredAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

type feedItemPayload struct {
	Sequence   int64  `json:"sequence"`
	EventID    string `json:"event_id"`
	EventTimeS int64  `json:"event_time_s"`
	CardID     string `json:"card_id"`
	BoardID    string `json:"board_id"`
}

func (h *httpHandler) handleGetFeed(c *gin.Context) {
	principal, ok := h.principal(c)
	if !ok {
		return
	}

	cursor := int64(0)
	if raw := c.Query("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		cursor = parsed
	}
	pageSize := 0
	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page_size"})
			return
		}
		pageSize = parsed
	}

	page, err := h.feeds.GetFeed(c.Request.Context(), principal.TenantID, principal.UserID, cursor, pageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}

	items := make([]feedItemPayload, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, feedItemPayload{
			Sequence:   item.Sequence,
			EventID:    item.EventID,
			EventTimeS: item.EventTimeSeconds,
			CardID:     item.CardID,
			BoardID:    item.BoardID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

// respondError translates domain sentinel errors onto HTTP statuses. Unknown
// errors are logged and become opaque 500s.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, boards.ErrNotFound) || errors.Is(err, cards.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, boards.ErrTenantMismatch) || errors.Is(err, cards.ErrTenantMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "tenant_mismatch"})
	case errors.Is(err, boards.ErrNotAuthorized) || errors.Is(err, cards.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized"})
	case errors.Is(err, boards.ErrLastOwner):
		c.JSON(http.StatusConflict, gin.H{"error": "last_owner"})
	case errors.Is(err, boards.ErrSelfRemoval):
		c.JSON(http.StatusConflict, gin.H{"error": "self_removal"})
	case errors.Is(err, boards.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
