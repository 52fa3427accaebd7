package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/get-sltr/3musketeers-sub002/internal/auth"
	"github.com/get-sltr/3musketeers-sub002/internal/config"
	"github.com/get-sltr/3musketeers-sub002/internal/models"
	"github.com/get-sltr/3musketeers-sub002/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler 聚合所有 HTTP handler。
type Handler struct {
	cfg   config.Config
	db    *gorm.DB
	store *store.Store
}

func NewHandler(cfg config.Config, db *gorm.DB, st *store.Store) *Handler {
	return &Handler{cfg: cfg, db: db, store: st}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}

	var count int64
	if err := h.db.Model(&models.User{}).Where("username = ?", req.Username).Count(&count).Error; err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register count")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	if count > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	user := models.User{ID: uuid.NewString(), Username: req.Username, DisplayName: req.DisplayName, PasswordHash: hash}
	if err := h.db.Create(&user).Error; err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register create user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": user.ID, "username": user.Username})
}

// Login 校验用户名密码并签发访问令牌。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	var user models.User
	if err := h.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login query user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	at, err := auth.GenerateAccessToken(user.ID, h.cfg.JWTSecret, h.cfg.AccessTokenTTLMinutes)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("login generate access token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": at,
		"user":         gin.H{"id": user.ID, "username": user.Username, "displayName": user.DisplayName},
	})
}

// CreateConversation 在当前用户与对方之间建立两人会话。
func (h *Handler) CreateConversation(c *gin.Context) {
	var req struct {
		OtherUserID string `json:"otherUserId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OtherUserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	if req.OtherUserID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot converse with yourself"})
		return
	}
	var other models.User
	if err := h.db.First(&other, "id = ?", req.OtherUserID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	conv, err := h.store.CreateConversation(c.Request.Context(), userID, req.OtherUserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("create conversation")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": conv.ID, "user1Id": conv.User1ID, "user2Id": conv.User2ID})
}

// ListMessages 分页查询会话历史，按时间升序返回。
func (h *Handler) ListMessages(c *gin.Context) {
	conversationID := c.Param("id")
	conv, err := h.store.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	userID := auth.GetUserID(c)
	if conv.User1ID != userID && conv.User2ID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositive(v); err == nil {
			limit = n
		}
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), conversationID, limit, c.Query("before_id"))
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	type msgDTO struct {
		ID             string  `json:"id"`
		ConversationID string  `json:"conversationId"`
		SenderID       string  `json:"senderId"`
		ReceiverID     string  `json:"receiverId"`
		Content        string  `json:"content"`
		MessageType    string  `json:"messageType"`
		FileURL        string  `json:"fileUrl,omitempty"`
		CreatedAt      string  `json:"createdAt"`
		ReadAt         *string `json:"readAt,omitempty"`
	}
	out := make([]msgDTO, 0, len(msgs))
	for _, m := range msgs {
		d := msgDTO{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			ReceiverID:     m.ReceiverID,
			Content:        m.Content,
			MessageType:    m.MessageType,
			FileURL:        m.FileURL,
			CreatedAt:      m.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
		if m.ReadAt != nil {
			s := m.ReadAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
			d.ReadAt = &s
		}
		out = append(out, d)
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("not positive")
	}
	return n, nil
}
