package store

import (
	"context"
	"errors"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// handler 可根据错误类型映射到合适的事件或 HTTP 状态码。
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// Store 封装会话与消息的持久化读写。消息的 id 与 created_at
// 以写入后的记录为准，调用方不得自行生成。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// GetConversation 读取会话及其两个参与者。
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// CreateConversation 创建两人会话。
func (s *Store) CreateConversation(ctx context.Context, user1ID, user2ID string) (*models.Conversation, error) {
	conv := models.Conversation{ID: uuid.NewString(), User1ID: user1ID, User2ID: user2ID}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateMessage 持久化消息并回填权威的 id 与 created_at。
func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

// MarkMessageRead 记录已读时间与读者身份。消息不存在时返回 ErrMessageNotFound。
func (s *Store) MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{"read_at": at, "read_by": readerID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages 分页查询会话历史，按 created_at 升序返回。
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if beforeID != "" {
		var anchor models.Message
		if err := s.db.WithContext(ctx).First(&anchor, "id = ?", beforeID).Error; err == nil {
			q = q.Where("created_at < ?", anchor.CreatedAt)
		}
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
