package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/auth"
	"github.com/get-sltr/3musketeers-sub002/internal/metrics"
	"github.com/get-sltr/3musketeers-sub002/internal/models"
	"github.com/get-sltr/3musketeers-sub002/internal/mw"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// typingIdleLimit 之后没有显式 typing_stop 的标记会被后台清扫。
	typingIdleLimit = 30 * time.Second
	sweepInterval   = 30 * time.Second

	// 上游调用（身份校验、持久化）的统一超时。单连接内事件是顺序处理的，
	// 卡死的上游调用会阻塞该连接之后的所有事件。
	upstreamTimeout = 5 * time.Second

	// 位置上报的最小间隔，超出的静默丢弃。
	locationMinInterval = 2 * time.Second

	sendBuffer = 256
)

// TokenVerifier 是身份校验黑盒：token 进，已验证身份出。
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// MessageStore 是中继对持久层的全部依赖。
type MessageStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	MarkMessageRead(ctx context.Context, messageID, readerID string, at time.Time) error
}

// Conn 是一条已接入的传输连接。send 由 write pump 消费，
// 测试中可以直接读取。send 永远不关闭，断开用 done 通知，
// 避免广播 goroutine 往已关闭通道写入。
type Conn struct {
	ID       string
	send     chan []byte
	done     chan struct{}
	closeOne sync.Once
}

// Send 返回出站消息通道（只读侧）。
func (c *Conn) Send() <-chan []byte { return c.send }

// Done 在连接断开后关闭。
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) markDone() {
	c.closeOne.Do(func() { close(c.done) })
}

// Relay 是中继编排器：持有连接与输入标记登记表、房间表，
// 并且是唯一拥有投递权的组件。
type Relay struct {
	verifier TokenVerifier
	store    MessageStore

	registry *ConnectionRegistry
	typing   *TypingRegistry
	rooms    *RoomTable

	mu    sync.RWMutex
	conns map[string]*Conn

	locLimits *mw.RL
}

func New(verifier TokenVerifier, store MessageStore) *Relay {
	return &Relay{
		verifier:  verifier,
		store:     store,
		registry:  NewConnectionRegistry(),
		typing:    NewTypingRegistry(),
		rooms:     NewRoomTable(),
		conns:     make(map[string]*Conn),
		locLimits: mw.NewRateLimiter(rate.Every(locationMinInterval), 1, 2*time.Minute),
	}
}

// Attach 接入一条新连接，返回未认证的 Conn。
func (r *Relay) Attach() *Conn {
	c := &Conn{ID: uuid.NewString(), send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return c
}

// Disconnect 处理连接断开：清空房间成员关系、连接记录、该用户的全部
// 输入标记，并向其余连接广播 user_offline。
func (r *Relay) Disconnect(c *Conn) {
	c.markDone()
	r.mu.Lock()
	delete(r.conns, c.ID)
	r.mu.Unlock()

	r.rooms.Drop(c.ID)
	rec, existed := r.registry.Delete(c.ID)
	if !existed || rec.UserID == "" {
		return
	}
	metrics.ActiveConnections.Dec()
	r.typing.DeleteUser(rec.UserID)
	metrics.TypingMarkers.Set(float64(r.typing.Len()))
	// 已知局限：同一用户的另一台设备仍在线时这里也会广播 offline。
	r.broadcast(EvUserOffline, PresencePayload{UserID: rec.UserID, Username: rec.DisplayName}, c.ID)
	log.Info().Str("user_id", rec.UserID).Str("conn_id", c.ID).Msg("user disconnected")
}

// Dispatch 按事件名分发一条入站消息。单连接的 read pump 顺序调用它，
// 因此同连接内保持 FIFO。
func (r *Relay) Dispatch(c *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Debug().Str("conn_id", c.ID).Err(err).Msg("drop malformed frame")
		return
	}
	metrics.EventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case EvAuthenticate:
		r.handleAuthenticate(c, env.Data)
	case EvSendMessage:
		r.handleSendMessage(c, env.Data)
	case EvMarkMessageRead:
		r.handleMarkMessageRead(c, env.Data)
	case EvTypingStart:
		r.handleTypingStart(c, env.Data)
	case EvTypingStop:
		r.handleTypingStop(c, env.Data)
	case EvJoinConversation:
		r.handleJoinConversation(c, env.Data)
	case EvLeaveConversation:
		r.handleLeaveConversation(c, env.Data)
	case EvCallOffer, EvCallAnswer, EvCallICECandidate, EvCallEnd:
		r.handleCallSignal(c, env.Event, env.Data)
	case EvLocationUpdate:
		r.handleLocationUpdate(c, env.Data)
	case EvFileShare:
		r.handleFileShare(c, env.Data)
	default:
		log.Debug().Str("conn_id", c.ID).Str("event", env.Event).Msg("unknown event")
	}
}

// StartSweeper 启动输入标记的后台清扫，ctx 取消时退出。
func (r *Relay) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.typing.Sweep(typingIdleLimit); n > 0 {
				log.Debug().Int("swept", n).Msg("typing markers expired")
			}
			metrics.TypingMarkers.Set(float64(r.typing.Len()))
		}
	}
}

// ActiveUsers 返回已认证连接数，供健康检查使用。
func (r *Relay) ActiveUsers() int { return r.registry.Len() }

// TypingCount 返回当前输入标记数，供健康检查使用。
func (r *Relay) TypingCount() int { return r.typing.Len() }

func (r *Relay) conn(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// emit 向单条连接投递事件。慢客户端的缓冲满了就丢帧，由心跳机制断开它。
func (r *Relay) emit(c *Conn, event string, payload interface{}) {
	b, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode outbound event")
		return
	}
	select {
	case c.send <- b:
	default:
		log.Warn().Str("conn_id", c.ID).Str("event", event).Msg("send buffer full, dropping frame")
	}
}

// emitRoom 向房间内除 excludeConnID 之外的成员投递事件。
func (r *Relay) emitRoom(room, event string, payload interface{}, excludeConnID string) {
	b, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode outbound event")
		return
	}
	for _, id := range r.rooms.Members(room) {
		if id == excludeConnID {
			continue
		}
		if c, ok := r.conn(id); ok {
			select {
			case c.send <- b:
			default:
				log.Warn().Str("conn_id", id).Str("event", event).Msg("send buffer full, dropping frame")
			}
		}
	}
}

// broadcast 向除 excludeConnID 之外的所有连接投递事件。
func (r *Relay) broadcast(event string, payload interface{}, excludeConnID string) {
	b, err := encodeEnvelope(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode outbound event")
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.conns {
		if id == excludeConnID {
			continue
		}
		select {
		case c.send <- b:
		default:
			log.Warn().Str("conn_id", id).Str("event", event).Msg("send buffer full, dropping frame")
		}
	}
}

func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func upstreamCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), upstreamTimeout)
}
