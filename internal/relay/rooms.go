package relay

import "sync"

// 房间只是名字到连接集合的映射，不是持久实体。
// user:{id} 在认证成功时自动加入，conversation:{id} 需要显式 join。
func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// RoomTable 显式维护房间成员关系，使广播寻址与传输层解耦。
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	conns map[string]map[string]struct{}
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms: make(map[string]map[string]struct{}),
		conns: make(map[string]map[string]struct{}),
	}
}

func (rt *RoomTable) Join(room, connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.rooms[room] == nil {
		rt.rooms[room] = make(map[string]struct{})
	}
	rt.rooms[room][connID] = struct{}{}
	if rt.conns[connID] == nil {
		rt.conns[connID] = make(map[string]struct{})
	}
	rt.conns[connID][room] = struct{}{}
}

func (rt *RoomTable) Leave(room, connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.leaveLocked(room, connID)
}

func (rt *RoomTable) leaveLocked(room, connID string) {
	if set := rt.rooms[room]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(rt.rooms, room)
		}
	}
	if set := rt.conns[connID]; set != nil {
		delete(set, room)
		if len(set) == 0 {
			delete(rt.conns, connID)
		}
	}
}

// Drop 移除一条连接的全部房间成员关系，断开连接时调用。
func (rt *RoomTable) Drop(connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for room := range rt.conns[connID] {
		rt.leaveLocked(room, connID)
	}
}

// Members 返回房间内的连接 id 快照。
func (rt *RoomTable) Members(room string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	set := rt.rooms[room]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (rt *RoomTable) Contains(room, connID string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.rooms[room][connID]
	return ok
}
