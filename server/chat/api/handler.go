package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat_server/server/chat/domain"
	"chat_server/server/chat/repository"
	"chat_server/server/chat/service"
	commonauth "chat_server/server/common/auth"
	commonlog "chat_server/server/common/log"
	"chat_server/server/common/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Handler struct {
	auth        *commonauth.Service
	identity    *service.IdentityService
	chat        *service.ChatService
	groups      *service.GroupService
	calls       *service.CallService
	attachments *service.AttachmentService
	session     *service.SessionCore

	messages *repository.MessageRepository
	rooms    *repository.RoomRepository
	groupsDB *repository.GroupRepository
	callsDB  *repository.CallRepository
	push     *repository.PushRepository
}

type HandlerDeps struct {
	Auth        *commonauth.Service
	Identity    *service.IdentityService
	Chat        *service.ChatService
	Groups      *service.GroupService
	Calls       *service.CallService
	Attachments *service.AttachmentService
	Session     *service.SessionCore

	Messages *repository.MessageRepository
	Rooms    *repository.RoomRepository
	GroupsDB *repository.GroupRepository
	CallsDB  *repository.CallRepository
	Push     *repository.PushRepository
}

func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		auth:        deps.Auth,
		identity:    deps.Identity,
		chat:        deps.Chat,
		groups:      deps.Groups,
		calls:       deps.Calls,
		attachments: deps.Attachments,
		session:     deps.Session,
		messages:    deps.Messages,
		rooms:       deps.Rooms,
		groupsDB:    deps.GroupsDB,
		callsDB:     deps.CallsDB,
		push:        deps.Push,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	r.POST("/api/v1/auth/signup", h.signup)
	r.POST("/api/v1/auth/login", h.login)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/users/me", h.getMe)
		api.GET("/users/:id", h.getUser)
		api.PUT("/users/me/avatar", h.updateAvatar)

		api.GET("/friends", h.listFriends)
		api.POST("/friends/:id", h.addFriend)
		api.DELETE("/friends/:id", h.removeFriend)
		api.POST("/blocks/:id", h.blockUser)
		api.DELETE("/blocks/:id", h.unblockUser)

		api.POST("/groups", h.createGroup)
		api.GET("/groups", h.listMyGroups)
		api.GET("/groups/:id", h.getGroup)
		api.POST("/groups/:id/members", h.addGroupMember)
		api.DELETE("/groups/:id/members/:userId", h.removeGroupMember)
		api.POST("/groups/:id/leave", h.leaveGroup)
		api.PUT("/groups/:id/settings", h.updateGroupSettings)
		api.DELETE("/groups/:id", h.deactivateGroup)
		api.GET("/groups/:id/messages", h.listGroupMessages)

		api.GET("/rooms", h.listMyRooms)
		api.DELETE("/rooms/:id", h.deleteRoom)
		api.GET("/messages/direct/:userId", h.listDirectMessages)
		api.GET("/messages/direct/:userId/unread-count", h.getUnreadCount)

		api.GET("/calls", h.listMyCalls)

		api.POST("/push/registrations", h.registerPush)
		api.DELETE("/push/registrations", h.unregisterPush)

		api.POST("/attachments/presign-upload", h.presignUpload)
		api.GET("/attachments/download-url", h.presignDownload)
		api.POST("/attachments/register", h.registerAttachment)
	}
}

// handleWS authenticates the handshake, upgrades, and hands the connection
// to the session core for the lifetime of the socket.
func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrMissingBearerToken))
		return
	}
	user, err := h.identity.Authenticate(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrInvalidToken))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ws action=upgrade status=failed user_id=%s error=%v", user.ID, err)
		return
	}
	client := service.NewClient(user.ID, conn)
	h.session.HandleConnection(c.Request.Context(), client)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) signup(c *gin.Context) {
	var req struct {
		Username    string `json:"username" binding:"required"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	user, token, err := h.identity.Signup(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusCreated, NewAuthResponse(token, user))
}

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	user, token, err := h.identity.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewAuthResponse(token, user))
}

func (h *Handler) getMe(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	user, err := h.identity.GetUser(c.Request.Context(), actorID)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) getUser(c *gin.Context) {
	user, err := h.identity.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) updateAvatar(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		AvatarURL string `json:"avatar_url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := h.identity.UpdateAvatar(c.Request.Context(), actorID, req.AvatarURL); err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) listFriends(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	friends, err := h.identity.ListFriends(c.Request.Context(), actorID)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, friends)
}

func (h *Handler) addFriend(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.identity.AddFriend(c.Request.Context(), actorID, c.Param("id"))
	})
}

func (h *Handler) removeFriend(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.identity.RemoveFriend(c.Request.Context(), actorID, c.Param("id"))
	})
}

func (h *Handler) blockUser(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.identity.Block(c.Request.Context(), actorID, c.Param("id"))
	})
}

func (h *Handler) unblockUser(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.identity.Unblock(c.Request.Context(), actorID, c.Param("id"))
	})
}

func (h *Handler) actorAction(c *gin.Context, action func(actorID string) error) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	if err := action(actorID); err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) createGroup(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Name      string               `json:"name" binding:"required"`
		MemberIDs []string             `json:"member_ids"`
		Settings  domain.GroupSettings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	group, sysMsg, err := h.groups.Create(c.Request.Context(), actorID, req.Name, req.MemberIDs, req.Settings)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	h.session.FanoutSystemMessage(c.Request.Context(), actorID, group, sysMsg)
	c.JSON(http.StatusCreated, group)
}

func (h *Handler) listMyGroups(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	groups, err := h.groupsDB.ListForUser(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, groups)
}

func (h *Handler) getGroup(c *gin.Context) {
	group, err := h.groups.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, group)
}

func (h *Handler) addGroupMember(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	group, sysMsg, err := h.groups.AddMember(c.Request.Context(), actorID, c.Param("id"), req.UserID)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	h.session.FanoutSystemMessage(c.Request.Context(), actorID, group, sysMsg)
	c.JSON(http.StatusOK, group)
}

func (h *Handler) removeGroupMember(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	group, sysMsg, err := h.groups.RemoveMember(c.Request.Context(), actorID, c.Param("id"), c.Param("userId"))
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	h.session.FanoutSystemMessage(c.Request.Context(), actorID, group, sysMsg)
	c.JSON(http.StatusOK, group)
}

func (h *Handler) leaveGroup(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	group, sysMsg, err := h.groups.Leave(c.Request.Context(), actorID, c.Param("id"))
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	h.session.FanoutSystemMessage(c.Request.Context(), actorID, group, sysMsg)
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) updateGroupSettings(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req domain.GroupSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	group, sysMsg, err := h.groups.UpdateSettings(c.Request.Context(), actorID, c.Param("id"), req)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	h.session.FanoutSystemMessage(c.Request.Context(), actorID, group, sysMsg)
	c.JSON(http.StatusOK, group)
}

func (h *Handler) deactivateGroup(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.groups.Deactivate(c.Request.Context(), actorID, c.Param("id"))
	})
}

func (h *Handler) listGroupMessages(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	groupID := c.Param("id")
	group, err := h.groups.Get(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	if !group.IsMember(actorID) {
		c.JSON(http.StatusForbidden, NewErrorResponse("not a member of this group"))
		return
	}
	limit, cursor := paginationParams(c)
	items, err := h.messages.ListGroup(c.Request.Context(), groupID, limit, cursor)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, nextCursor(items)))
}

func (h *Handler) listMyRooms(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rooms, err := h.rooms.ListForUser(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// deleteRoom hides the conversation for the requester only; the counterpart
// keeps their copy and a new message from either side revives the room.
func (h *Handler) deleteRoom(c *gin.Context) {
	h.actorAction(c, func(actorID string) error {
		return h.rooms.SoftDeleteFor(c.Request.Context(), c.Param("id"), actorID)
	})
}

func (h *Handler) listDirectMessages(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, cursor := paginationParams(c)
	items, err := h.messages.ListDirect(c.Request.Context(), actorID, c.Param("userId"), limit, cursor)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewPaginatedResponse(items, nextCursor(items)))
}

func (h *Handler) getUnreadCount(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	counterpartID := c.Param("userId")
	count, err := h.messages.CountUnread(c.Request.Context(), counterpartID, actorID)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, UnreadCountResponse{UserID: counterpartID, UnreadCount: count})
}

func (h *Handler) listMyCalls(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	calls, err := h.callsDB.ListForUser(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, calls)
}

func (h *Handler) registerPush(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Provider string `json:"provider" binding:"required"`
		Token    string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	reg, err := h.push.CreateRegistration(c.Request.Context(), domain.PushRegistration{
		UserID:   actorID,
		Provider: req.Provider,
		Token:    req.Token,
	})
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusCreated, NewIDResponse(reg.ID))
}

func (h *Handler) unregisterPush(c *gin.Context) {
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := h.push.DeleteByToken(c.Request.Context(), actorID, req.Token); err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) presignUpload(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("object storage is not configured"))
		return
	}
	actorID, err := actorFromContext(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(err.Error()))
		return
	}
	var req struct {
		Filename string `json:"filename" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	objectKey, uploadURL, err := h.attachments.PresignUpload(c.Request.Context(), actorID, req.Filename)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, PresignResponse{ObjectKey: objectKey, UploadURL: uploadURL})
}

func (h *Handler) presignDownload(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("object storage is not configured"))
		return
	}
	objectKey := c.Query("object_key")
	if objectKey == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("object_key is required"))
		return
	}
	u, err := h.attachments.PresignDownload(c.Request.Context(), objectKey)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, NewURLResponse(u))
}

func (h *Handler) registerAttachment(c *gin.Context) {
	if h.attachments == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse("object storage is not configured"))
		return
	}
	var req struct {
		ObjectKey string `json:"object_key" binding:"required"`
		MimeType  string `json:"mime_type"`
		SizeBytes int64  `json:"size_bytes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	att, err := h.attachments.Register(c.Request.Context(), req.ObjectKey, req.MimeType, req.SizeBytes)
	if err != nil {
		c.JSON(statusOf(err), NewErrorResponse(domain.MessageOf(err)))
		return
	}
	c.JSON(http.StatusOK, att)
}

func paginationParams(c *gin.Context) (int, *string) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var cursor *string
	if raw := c.Query("cursor"); raw != "" {
		cursor = &raw
	}
	return limit, cursor
}

// nextCursor derives the pagination cursor from the oldest message returned.
func nextCursor(items []domain.Message) string {
	if len(items) == 0 {
		return ""
	}
	return items[len(items)-1].ID
}

func actorFromContext(c *gin.Context) (string, error) {
	rawID, ok := c.Get("auth_user_id")
	if !ok {
		return "", errors.New(ErrUnauthorized)
	}
	userID, ok := rawID.(string)
	if !ok {
		return "", errors.New(ErrUnauthorized)
	}
	return userID, nil
}
