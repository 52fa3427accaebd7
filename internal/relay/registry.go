package relay

import (
	"sync"
	"time"
)

// ConnectionRecord 描述一条活跃连接。UserID 只在认证成功后写入，
// 记录只存在于进程内存，重启即清空。
type ConnectionRecord struct {
	ConnID      string
	UserID      string
	DisplayName string
	Online      bool
	LastSeen    time.Time
}

// ConnectionRegistry 以连接 id 为键维护认证状态。
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]ConnectionRecord
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[string]ConnectionRecord)}
}

func (r *ConnectionRegistry) Get(connID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	return rec, ok
}

// Set 写入或覆盖连接记录（同一连接重复认证时为覆盖）。
func (r *ConnectionRegistry) Set(rec ConnectionRecord) {
	r.mu.Lock()
	r.conns[rec.ConnID] = rec
	r.mu.Unlock()
}

// Delete 移除连接记录并返回被移除的内容。
func (r *ConnectionRegistry) Delete(connID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	return rec, ok
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

type typingKey struct {
	userID         string
	conversationID string
}

// TypingMarker 是“正在输入”的瞬态标记。
type TypingMarker struct {
	UserID         string
	ConversationID string
	DisplayName    string
	Timestamp      time.Time
}

// TypingRegistry 按 (userID, conversationID) 维护输入标记，
// 同一键后写覆盖先写，保证至多一条。
type TypingRegistry struct {
	mu      sync.Mutex
	markers map[typingKey]TypingMarker
}

func NewTypingRegistry() *TypingRegistry {
	return &TypingRegistry{markers: make(map[typingKey]TypingMarker)}
}

func (t *TypingRegistry) Upsert(m TypingMarker) {
	t.mu.Lock()
	t.markers[typingKey{m.UserID, m.ConversationID}] = m
	t.mu.Unlock()
}

func (t *TypingRegistry) Get(userID, conversationID string) (TypingMarker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.markers[typingKey{userID, conversationID}]
	return m, ok
}

func (t *TypingRegistry) Delete(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := typingKey{userID, conversationID}
	if _, ok := t.markers[k]; !ok {
		return false
	}
	delete(t.markers, k)
	return true
}

// DeleteUser 清掉某个用户在所有会话中的标记，断开连接时调用。
func (t *TypingRegistry) DeleteUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.markers {
		if k.userID == userID {
			delete(t.markers, k)
			n++
		}
	}
	return n
}

// Sweep 删除所有超过 maxAge 的标记，兜底处理没发 typing_stop 就消失的客户端。
func (t *TypingRegistry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, m := range t.markers {
		if m.Timestamp.Before(cutoff) {
			delete(t.markers, k)
			n++
		}
	}
	return n
}

func (t *TypingRegistry) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markers)
}
