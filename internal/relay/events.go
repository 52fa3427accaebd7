package relay

import (
	"encoding/json"
	"time"
)

// 事件目录。客户端到服务端与服务端到客户端的事件名保持一套，
// 便于前端按名字订阅。
const (
	// client -> server
	EvAuthenticate      = "authenticate"
	EvSendMessage       = "send_message"
	EvMarkMessageRead   = "mark_message_read"
	EvTypingStart       = "typing_start"
	EvTypingStop        = "typing_stop"
	EvJoinConversation  = "join_conversation"
	EvLeaveConversation = "leave_conversation"
	EvCallOffer         = "call_offer"
	EvCallAnswer        = "call_answer"
	EvCallICECandidate  = "call_ice_candidate"
	EvCallEnd           = "call_end"
	EvLocationUpdate    = "location_update"
	EvFileShare         = "file_share"

	// server -> client
	EvAuthenticated      = "authenticated"
	EvAuthError          = "auth_error"
	EvError              = "error"
	EvNewMessage         = "new_message"
	EvMessageDelivered   = "message_delivered"
	EvMessageError       = "message_error"
	EvMessageRead        = "message_read"
	EvUserTyping         = "user_typing"
	EvUserStopTyping     = "user_stop_typing"
	EvUserLocationUpdate = "user_location_update"
	EvFileShared         = "file_shared"
	EvUserOnline         = "user_online"
	EvUserOffline        = "user_offline"
)

// Envelope 是单条 socket 消息的统一包装。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthenticatePayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	FileURL        string `json:"fileUrl"`
}

type MarkReadPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

// CallPayload 覆盖四个信令事件。offer/answer/candidate 对中继是不透明负载，
// fromUserId 一律以服务端解析出的身份覆盖，防止冒名。
type CallPayload struct {
	TargetUserID   string          `json:"targetUserId"`
	FromUserID     string          `json:"fromUserId,omitempty"`
	Offer          json.RawMessage `json:"offer,omitempty"`
	Answer         json.RawMessage `json:"answer,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
}

type LocationPayload struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	ConversationID string  `json:"conversationId"`
}

type FileSharePayload struct {
	ConversationID string `json:"conversationId"`
	FileName       string `json:"fileName"`
	FileType       string `json:"fileType"`
	FileSize       int64  `json:"fileSize"`
}

type AuthenticatedPayload struct {
	Success bool `json:"success"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type NewMessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	FileURL        string    `json:"fileUrl,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	SenderName     string    `json:"senderName"`
}

type MessageDeliveredPayload struct {
	MessageID string `json:"messageId"`
}

type MessageReadPayload struct {
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

type TypingEventPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type LocationEventPayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type FileSharedPayload struct {
	FromUserID   string    `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
	FileName     string    `json:"fileName"`
	FileType     string    `json:"fileType"`
	FileSize     int64     `json:"fileSize"`
	Timestamp    time.Time `json:"timestamp"`
}

type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}
