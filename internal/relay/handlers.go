package relay

import (
	"encoding/json"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/metrics"
	"github.com/get-sltr/3musketeers-sub002/internal/models"
	"github.com/rs/zerolog/log"
)

// handleAuthenticate 兑换 token 并登记连接身份。客户端传来的 userId
// 只用于日志，最终身份一律以校验结果为准。
func (r *Relay) handleAuthenticate(c *Conn, data json.RawMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Token == "" {
		r.emit(c, EvAuthError, ErrorPayload{Message: "authentication failed"})
		return
	}

	ctx, cancel := upstreamCtx()
	defer cancel()
	identity, err := r.verifier.Verify(ctx, p.Token)
	if err != nil {
		log.Warn().Str("conn_id", c.ID).Str("claimed_user", p.UserID).Err(err).Msg("authentication rejected")
		r.emit(c, EvAuthError, ErrorPayload{Message: "authentication failed"})
		return
	}

	// 校验是异步边界，恢复后连接可能已经断开。
	if _, ok := r.conn(c.ID); !ok {
		return
	}

	prev, hadPrev := r.registry.Get(c.ID)
	if hadPrev && prev.UserID != identity.UserID {
		r.rooms.Leave(UserRoom(prev.UserID), c.ID)
	}
	r.registry.Set(ConnectionRecord{
		ConnID:      c.ID,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Online:      true,
		LastSeen:    time.Now(),
	})
	r.rooms.Join(UserRoom(identity.UserID), c.ID)
	if !hadPrev {
		metrics.ActiveConnections.Inc()
	}

	r.broadcast(EvUserOnline, PresencePayload{UserID: identity.UserID, Username: identity.DisplayName}, c.ID)
	r.emit(c, EvAuthenticated, AuthenticatedPayload{Success: true})
	log.Info().Str("user_id", identity.UserID).Str("conn_id", c.ID).Msg("user authenticated")
}

// requireAuth 是受保护事件的统一前置检查。未认证时回一个显式 error 事件，
// 让客户端能区分“被忽略”和“丢包”。
func (r *Relay) requireAuth(c *Conn) (ConnectionRecord, bool) {
	rec, ok := r.registry.Get(c.ID)
	if !ok {
		r.emit(c, EvError, ErrorPayload{Message: "not authenticated"})
		return ConnectionRecord{}, false
	}
	return rec, true
}

func (r *Relay) handleSendMessage(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p SendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		r.emit(c, EvMessageError, ErrorPayload{Message: "invalid message payload"})
		return
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}

	// 每次发送都查一次会话成员，不做本地缓存。
	ctx, cancel := upstreamCtx()
	defer cancel()
	conv, err := r.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		r.emit(c, EvMessageError, ErrorPayload{Message: "conversation not found"})
		return
	}
	receiverID := conv.User1ID
	if receiverID == rec.UserID {
		receiverID = conv.User2ID
	}

	// 持久化失败对本次发送是终态，由客户端手动重试。
	msg := models.Message{
		ConversationID: p.ConversationID,
		SenderID:       rec.UserID,
		ReceiverID:     receiverID,
		Content:        p.Content,
		MessageType:    p.MessageType,
		FileURL:        p.FileURL,
	}
	if err := r.store.CreateMessage(ctx, &msg); err != nil {
		log.Error().Err(err).Str("conversation_id", p.ConversationID).Msg("persist message")
		r.emit(c, EvMessageError, ErrorPayload{Message: "failed to send message"})
		return
	}

	// 上游调用之间连接可能已断开或重认证，投递前重查。
	if _, stillAuthed := r.registry.Get(c.ID); !stillAuthed {
		return
	}

	metrics.MessagesTotal.Inc()
	r.emitRoom(ConversationRoom(p.ConversationID), EvNewMessage, NewMessagePayload{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		FileURL:        msg.FileURL,
		CreatedAt:      msg.CreatedAt,
		SenderName:     rec.DisplayName,
	}, "")
	// 发送回执独立于房间广播，发送方不在房间里也能确认。
	r.emit(c, EvMessageDelivered, MessageDeliveredPayload{MessageID: msg.ID})
}

// handleMarkMessageRead 先写库，写成功才转发已读事件；写失败只记日志，
// 漏掉一次已读回执无关紧要。
func (r *Relay) handleMarkMessageRead(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p MarkReadPayload
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.ConversationID == "" {
		return
	}

	now := time.Now()
	ctx, cancel := upstreamCtx()
	defer cancel()
	if err := r.store.MarkMessageRead(ctx, p.MessageID, rec.UserID, now); err != nil {
		log.Warn().Err(err).Str("message_id", p.MessageID).Msg("mark message read")
		return
	}
	if _, stillAuthed := r.registry.Get(c.ID); !stillAuthed {
		return
	}
	// 已读回执只发给房间里的其他人，不回显给读者本人。
	r.emitRoom(ConversationRoom(p.ConversationID), EvMessageRead, MessageReadPayload{
		MessageID: p.MessageID,
		ReadBy:    rec.UserID,
		ReadAt:    now,
	}, c.ID)
}

func (r *Relay) handleTypingStart(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.typing.Upsert(TypingMarker{
		UserID:         rec.UserID,
		ConversationID: p.ConversationID,
		DisplayName:    rec.DisplayName,
		Timestamp:      time.Now(),
	})
	metrics.TypingMarkers.Set(float64(r.typing.Len()))
	r.emitRoom(ConversationRoom(p.ConversationID), EvUserTyping, TypingEventPayload{
		UserID:         rec.UserID,
		Username:       rec.DisplayName,
		ConversationID: p.ConversationID,
	}, c.ID)
}

func (r *Relay) handleTypingStop(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.typing.Delete(rec.UserID, p.ConversationID)
	metrics.TypingMarkers.Set(float64(r.typing.Len()))
	r.emitRoom(ConversationRoom(p.ConversationID), EvUserStopTyping, TypingEventPayload{
		UserID:         rec.UserID,
		Username:       rec.DisplayName,
		ConversationID: p.ConversationID,
	}, c.ID)
}

func (r *Relay) handleJoinConversation(c *Conn, data json.RawMessage) {
	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.rooms.Join(ConversationRoom(p.ConversationID), c.ID)
}

func (r *Relay) handleLeaveConversation(c *Conn, data json.RawMessage) {
	var p ConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.rooms.Leave(ConversationRoom(p.ConversationID), c.ID)
}

// handleCallSignal 原样转发信令到目标用户的个人房间。四个信令事件都要求
// 已认证连接；服务端不维护通话状态机，也没有 call id 可用来区分并发来电
// （已知局限）。
func (r *Relay) handleCallSignal(c *Conn, event string, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p CallPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TargetUserID == "" {
		return
	}
	// 覆盖 fromUserId，目标端看到的来源不可伪造。
	p.FromUserID = rec.UserID
	r.emitRoom(UserRoom(p.TargetUserID), event, p, "")
}

func (r *Relay) handleLocationUpdate(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p LocationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	// 超频的位置上报静默丢弃，限制扇出量。
	if !r.locLimits.Allow(rec.UserID + "|" + p.ConversationID) {
		return
	}
	r.emitRoom(ConversationRoom(p.ConversationID), EvUserLocationUpdate, LocationEventPayload{
		UserID:    rec.UserID,
		Username:  rec.DisplayName,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: time.Now(),
	}, c.ID)
}

// handleFileShare 只转发文件元数据，文件本体走独立的上传接口。
func (r *Relay) handleFileShare(c *Conn, data json.RawMessage) {
	rec, ok := r.requireAuth(c)
	if !ok {
		return
	}
	var p FileSharePayload
	if err := json.Unmarshal(data, &p); err != nil || p.ConversationID == "" {
		return
	}
	r.emitRoom(ConversationRoom(p.ConversationID), EvFileShared, FileSharedPayload{
		FromUserID:   rec.UserID,
		FromUsername: rec.DisplayName,
		FileName:     p.FileName,
		FileType:     p.FileType,
		FileSize:     p.FileSize,
		Timestamp:    time.Now(),
	}, c.ID)
}
