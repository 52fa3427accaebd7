package models

import "time"

type User struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:64;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation 固定为两人会话，中继在每次发消息时据此解析接收方。
type Conversation struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	User1ID   string `gorm:"type:uuid;index;not null"`
	User2ID   string `gorm:"type:uuid;index;not null"`
	CreatedAt time.Time
}

type Message struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	ConversationID string `gorm:"type:uuid;index:idx_msg_conversation;not null"`
	SenderID       string `gorm:"type:uuid;index;not null"`
	ReceiverID     string `gorm:"type:uuid;index;not null"`
	Content        string `gorm:"type:text;not null"`
	MessageType    string `gorm:"size:16;not null;default:text"`
	FileURL        string `gorm:"size:512"`
	CreatedAt      time.Time
	ReadAt         *time.Time
	ReadBy         string `gorm:"size:64"`
}
